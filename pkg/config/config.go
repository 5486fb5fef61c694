// Package config holds the immutable run configuration and the on-disk data
// directory layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v8"

	"github.com/palera1n/palera1n/pkg/errs"
)

// Config is built once from the command line and passed down explicitly.
type Config struct {
	// Version is the iOS version the device runs.
	Version *semver.Version
	// IPSW overrides the ipsw.me lookup with a URL or local path.
	IPSW string

	Rootless      bool
	SemiTethered  bool
	RestoreRootfs bool
	Serial        bool
	SafeMode      bool
	Debug         bool
	Verbose       bool

	DisableAnalytics bool
	// NativeUSB talks to iBoot directly instead of through irecovery.
	NativeUSB bool
	// Ramdisk selects the direct ramdisk boot instead of checkra1n and
	// PongoOS.
	Ramdisk bool

	Dirs Dirs
}

// Validate rejects flag combinations that cannot be run.
func (c *Config) Validate() error {
	if c.Rootless {
		return errs.Errorf(errs.Device, "config", "rootless is not supported yet")
	}
	if c.Version == nil {
		return errs.Errorf(errs.Device, "config", "no iOS version given")
	}
	return nil
}

// VersionString returns the version as the user gave it, eg. "15.7".
func (c *Config) VersionString() string {
	if c.Version == nil {
		return ""
	}
	if c.Version.Patch() == 0 {
		return fmt.Sprintf("%d.%d", c.Version.Major(), c.Version.Minor())
	}
	return c.Version.String()
}

// ParseVersion parses a major.minor[.patch] iOS version and checks that it is
// one we know how to boot.
func ParseVersion(s string) (*semver.Version, error) {
	if !strings.Contains(s, ".") {
		return nil, errs.Errorf(errs.Device, "parse version", "%q: want major.minor, eg. 15.7", s)
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, errs.New(errs.Device, "parse version", fmt.Errorf("%q: %w", s, err))
	}
	switch v.Major() {
	case 15, 16:
	default:
		return nil, errs.Errorf(errs.Device, "parse version", "iOS %s is not supported, only iOS 15 and 16 are", s)
	}
	return v, nil
}

type environment struct {
	Home        string `env:"PALERA1N_HOME"`
	XDGDataHome string `env:"XDG_DATA_HOME"`
	UserHome    string `env:"HOME"`
}

// Dirs is the data directory layout.
type Dirs struct {
	Root string
}

// DefaultDirs resolves the data directory from the process environment.
func DefaultDirs() (Dirs, error) {
	return dirsFor(runtime.GOOS, env.Options{})
}

func dirsFor(goos string, opts env.Options) (Dirs, error) {
	var e environment
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return Dirs{}, fmt.Errorf("reading environment: %w", err)
	}
	if e.Home != "" {
		return Dirs{Root: e.Home}, nil
	}
	switch goos {
	case "linux":
		base := e.XDGDataHome
		if base == "" {
			base = xdg.DataHome
		}
		return Dirs{Root: filepath.Join(base, "palera1n")}, nil
	case "darwin":
		home := e.UserHome
		if home == "" {
			home = xdg.Home
		}
		return Dirs{Root: filepath.Join(home, ".palera1n")}, nil
	}
	return Dirs{}, errs.Errorf(errs.Dependency, "data dir", "unsupported platform %s", goos)
}

func (d Dirs) Binaries() string { return filepath.Join(d.Root, "binaries") }
func (d Dirs) Data() string     { return filepath.Join(d.Root, "data") }

// Blob is the SHSH blob saved for a device and version.
func (d Dirs) Blob(deviceID, version string) string {
	return filepath.Join(d.Root, "blobs", fmt.Sprintf("%s_%s.shsh2", deviceID, version))
}

// Boot is the directory holding the built boot images for a device and
// version.
func (d Dirs) Boot(deviceID, version string) string {
	return filepath.Join(d.Root, "boot", fmt.Sprintf("%s-%s", deviceID, version))
}

// RamdiskTicket is the shsh2 used to sign ramdisk boot images for a chip.
func (d Dirs) RamdiskTicket(chipID string) string {
	return filepath.Join(d.Root, "shsh", chipID+".shsh2")
}

// Ensure creates the directory tree.
func (d Dirs) Ensure() error {
	for _, p := range []string{d.Binaries(), d.Data(), filepath.Join(d.Root, "blobs"), filepath.Join(d.Root, "boot"), filepath.Join(d.Root, "shsh")} {
		if err := os.MkdirAll(p, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Clean removes the whole data directory: tools, boot images, blobs and the
// ramdisk payloads are all fetched again on the next run.
func (d Dirs) Clean() error {
	return os.RemoveAll(d.Root)
}
