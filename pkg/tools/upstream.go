package tools

import (
	"fmt"
)

const (
	checkra1nBase = "https://assets.checkra.in/downloads/preview/0.1337.1/"
	nightlyBase   = "https://nightly.link/palera1n/"
	// depsBase hosts the tar.xz bundles of the patchers and gaster.
	depsBase = "https://github.com/palera1n/deps/releases/latest/download/"
)

func unsupported(name string, p Platform) error {
	return fmt.Errorf("no %s build for %s/%s", name, p.OS, p.Arch)
}

// Checkra1nTool is the checkra1n binary, published raw per platform.
func Checkra1nTool() *Managed {
	return &Managed{
		Name:   "checkra1n",
		Format: Raw,
		URL: func(p Platform) (string, error) {
			switch {
			case p.OS == "linux" && p.Arch == "amd64":
				return checkra1nBase + "checkra1n-linux-x86_64", nil
			case p.OS == "linux" && p.Arch == "arm64":
				return checkra1nBase + "checkra1n-linux-arm64", nil
			case p.OS == "darwin":
				return checkra1nBase + "checkra1n-macos", nil
			}
			return "", unsupported("checkra1n", p)
		},
	}
}

// IrecoveryTool is the static irecovery build from the libirecovery CI.
func IrecoveryTool() *Managed {
	return &Managed{
		Name:       "irecovery",
		Format:     Zip,
		VersionURL: nightlyBase + "libirecovery/workflows/build/master/Versioning.zip",
		URL: func(p Platform) (string, error) {
			var remote string
			switch {
			case p.OS == "linux" && p.Arch == "amd64":
				remote = "libirecovery-static_Linux"
			case p.OS == "darwin":
				remote = "libirecovery-static_Darwin"
			default:
				return "", unsupported("irecovery", p)
			}
			return nightlyBase + "libirecovery/workflows/build/master/" + remote + ".zip", nil
		},
	}
}

// KPFTool is the kernel patchfinder run on the device by the installer. It
// is an iOS binary, so there is one build for every host.
func KPFTool() *Managed {
	return &Managed{
		Name:   "kpf",
		Member: "Kernel15Patcher.ios",
		Format: Zip,
		URL: func(Platform) (string, error) {
			return nightlyBase + "PongoOS/workflows/ci/iOS15/Kernel15Patcher.zip", nil
		},
	}
}

func bundled(name string) *Managed {
	return &Managed{
		Name:   name,
		Format: TarXz,
		URL: func(p Platform) (string, error) {
			switch p.OS {
			case "linux", "darwin":
			default:
				return "", unsupported(name, p)
			}
			return fmt.Sprintf("%sbinaries-%s-%s.tar.xz", depsBase, p.OS, p.Arch), nil
		},
	}
}

func GasterTool() *Managed          { return bundled("gaster") }
func IBoot64PatcherTool() *Managed  { return bundled("iBoot64Patcher") }
func Kernel64PatcherTool() *Managed { return bundled("Kernel64Patcher") }
func IBootpatch2Tool() *Managed     { return bundled("iBootpatch2") }
func HfsplusTool() *Managed         { return bundled("hfsplus") }
