// Package install finishes a jailbreak from the SSH ramdisk: it prepares the
// root filesystem, sets the NVRAM variables and builds the patched kernel
// the device boots from later.
package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/errs"
)

// Shell runs commands on the device.
type Shell interface {
	// Run returns the command's output with surrounding whitespace trimmed.
	Run(ctx context.Context, cmd string) (string, error)
}

// FileReader is implemented by shells that can copy files off the device.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// FileWriter is implemented by shells that can copy files to the device.
type FileWriter interface {
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
}

const (
	fakefs = "/dev/disk0s1s8"
	active = "/mnt6/active"
)

type Options struct {
	// SemiTethered installs to a fake root filesystem on disk0s1s8 instead
	// of booting the stock one with a patched kernel.
	SemiTethered bool
	// TicketPath, when set, receives the device's apticket.der.
	TicketPath string
	// KPF, when set, is a local kernel patchfinder binary installed to the
	// ramdisk as /sbin/kpf. Otherwise the ramdisk must carry its own.
	KPF string
}

type Installer struct {
	Shell Shell
	// Sleep defaults to a context aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (in *Installer) sleep(ctx context.Context, d time.Duration) error {
	if in.Sleep != nil {
		return in.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (in *Installer) run(ctx context.Context, cmd string) (string, error) {
	out, err := in.Shell.Run(ctx, cmd)
	if err != nil {
		return out, errs.New(errs.Install, cmd, err)
	}
	return out, nil
}

// exists probes for path with ls. ls exits non-zero for a missing path, so
// only the output counts.
func (in *Installer) exists(ctx context.Context, path string) bool {
	out, _ := in.Shell.Run(ctx, "ls "+path)
	return out == path
}

// activeUUID reads the UUID of the active preboot volume.
func (in *Installer) activeUUID(ctx context.Context) (string, error) {
	if !in.exists(ctx, active) {
		return "", errs.Errorf(errs.Install, "preboot", "%s does not exist. Create it over SSH (ssh root@localhost -p 2222) "+
			"with the name of the UUID directory in /mnt6, type reboot in the SSH session, then rerun", active)
	}
	uuid, err := in.run(ctx, "cat "+active)
	if err != nil {
		return "", err
	}
	if uuid == "" {
		return "", errs.Errorf(errs.Install, "preboot", "%s is empty", active)
	}
	return uuid, nil
}

func kernelcaches(uuid string) string {
	return fmt.Sprintf("/mnt6/%s/System/Library/Caches/com.apple.kernelcaches", uuid)
}

func apticket(uuid string) string {
	return fmt.Sprintf("/mnt6/%s/System/Library/Caches/apticket.der", uuid)
}

func (in *Installer) script(ctx context.Context, cmds ...string) error {
	for _, c := range cmds {
		if _, err := in.run(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Install prepares the device for jailbroken boots and reboots it.
func (in *Installer) Install(ctx context.Context, opts Options) error {
	glog.Infof("Mounting filesystems")
	if _, err := in.run(ctx, "/usr/bin/mount_filesystems"); err != nil {
		return err
	}

	if opts.SemiTethered {
		if !in.exists(ctx, fakefs) {
			glog.Infof("Creating fakefs (this could take up to 10 minutes)")
			if _, err := in.run(ctx, "/sbin/newfs_apfs -A -D -o role=r -v System /dev/disk0s1"); err != nil {
				return err
			}
			if err := in.sleep(ctx, 3*time.Second); err != nil {
				return err
			}
			if _, err := in.run(ctx, "/sbin/mount_apfs "+fakefs+" /mnt8"); err != nil {
				return err
			}
			if err := in.sleep(ctx, 2*time.Second); err != nil {
				return err
			}
			if _, err := in.run(ctx, "cp -a /mnt1/. /mnt8/"); err != nil {
				return err
			}
		}
		glog.Infof("Setting nvram args...")
	} else {
		glog.Infof("Setting nvram args...")
		if _, err := in.run(ctx, "/usr/sbin/nvram auto-boot=false"); err != nil {
			return err
		}
	}
	if err := in.script(ctx,
		"/usr/sbin/nvram allow-root-hash-mismatch=1",
		"/usr/sbin/nvram root-live-fs=1",
	); err != nil {
		return err
	}

	uuid, err := in.activeUUID(ctx)
	if err != nil {
		return err
	}
	if opts.TicketPath != "" {
		if err := in.SaveTicket(ctx, uuid, opts.TicketPath); err != nil {
			glog.Warningf("Could not save apticket: %v", err)
		}
	}

	if opts.KPF != "" {
		if err := in.upload(ctx, opts.KPF, "/sbin/kpf"); err != nil {
			return err
		}
	}

	glog.Infof("Creating patched kernelcache")
	kc := kernelcaches(uuid)
	if err := in.script(ctx,
		fmt.Sprintf("rm -f %[1]s/kcache.raw %[1]s/kcache.patched %[1]s/kcache.im4p %[1]s/kernelcachd", kc),
		fmt.Sprintf("cp %[1]s/kernelcache %[1]s/kernelcache.bak", kc),
		fmt.Sprintf("img4 -i %[1]s/kernelcache -o %[1]s/kcache.raw", kc),
		fmt.Sprintf("kpf %[1]s/kcache.raw %[1]s/kcache.patched", kc),
		fmt.Sprintf("img4 -i %[1]s/kcache.patched -o %[1]s/kernelcachd -M %[2]s -J", kc, apticket(uuid)),
		fmt.Sprintf("rm %[1]s/kcache.raw %[1]s/kcache.patched", kc),
	); err != nil {
		return err
	}

	glog.Infof("Rebooting the device")
	_, err = in.run(ctx, "/sbin/reboot")
	return err
}

// RestoreRootfs undoes Install: it deletes the fakefs and the patched
// kernel, resets the NVRAM variables and reboots.
func (in *Installer) RestoreRootfs(ctx context.Context) error {
	if in.exists(ctx, fakefs) {
		glog.Infof("Deleting fakefs")
		if _, err := in.run(ctx, "apfs_deletefs disk0s1s8"); err != nil {
			return err
		}
	}

	glog.Infof("Removing custom kernel")
	uuid, err := in.activeUUID(ctx)
	if err != nil {
		return err
	}
	if _, err := in.run(ctx, "rm "+kernelcaches(uuid)+"/kernelcachd"); err != nil {
		return err
	}

	glog.Infof("Resetting nvram variables")
	if err := in.script(ctx,
		"/usr/sbin/nvram auto-boot=true",
		"/usr/sbin/nvram -d allow-root-hash-mismatch",
		"/usr/sbin/nvram -d root-live-fs",
		"/usr/sbin/nvram -d boot-args",
	); err != nil {
		return err
	}

	glog.Infof("Rebooting the device")
	_, err = in.run(ctx, "/sbin/reboot")
	return err
}

func (in *Installer) upload(ctx context.Context, src, dst string) error {
	fw, ok := in.Shell.(FileWriter)
	if !ok {
		return errs.Errorf(errs.Install, "upload "+dst, "shell cannot write files")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return errs.New(errs.Dependency, "upload "+dst, err)
	}
	glog.Infof("Installing %s", dst)
	if err := fw.WriteFile(ctx, dst, data, 0755); err != nil {
		return errs.New(errs.Install, "upload "+dst, err)
	}
	return nil
}

// SaveTicket copies the device's apticket.der to dest, where it personalizes
// later local boot images.
func (in *Installer) SaveTicket(ctx context.Context, uuid, dest string) error {
	fr, ok := in.Shell.(FileReader)
	if !ok {
		return errs.Errorf(errs.Install, "save apticket", "shell cannot read files")
	}
	data, err := fr.ReadFile(ctx, apticket(uuid))
	if err != nil {
		return err
	}
	if len(data) == 0 || data[0] != 0x30 {
		return errs.Errorf(errs.Install, "save apticket", "%s is not a DER ticket", apticket(uuid))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return err
	}
	glog.Infof("Saved apticket to %s", dest)
	return nil
}
