package jailbreak

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/boot"
	"github.com/palera1n/palera1n/pkg/cache"
	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/img4"
	"github.com/palera1n/palera1n/pkg/install"
	"github.com/palera1n/palera1n/pkg/manifest"
	"github.com/palera1n/palera1n/pkg/pipeline"
	"github.com/palera1n/palera1n/pkg/recovery"
)

// firmware opens the IPSW for the device and resolves its erase identity.
func (j *Jailbreak) firmware(ctx context.Context, id devices.Identity) (*cache.IPSW, *manifest.BuildIdentity, error) {
	src := j.Config.IPSW
	if src == "" {
		var err error
		if src, err = j.Catalog.IPSWURL(ctx, id.ProductType, j.Config.VersionString()); err != nil {
			return nil, nil, err
		}
	}
	ipsw, err := cache.Open(ctx, src, j.Client)
	if err != nil {
		return nil, nil, err
	}
	bm, err := ipsw.Manifest()
	if err != nil {
		ipsw.Close()
		return nil, nil, err
	}
	var bi *manifest.BuildIdentity
	if id.BoardConfig != "" {
		bi, err = bm.ResolveBoard(id.BoardConfig, manifest.Erase)
	} else {
		bi, err = bm.Resolve(id.ChipID, manifest.Erase)
	}
	if err != nil {
		ipsw.Close()
		return nil, nil, err
	}
	glog.Infof("Using iOS %s (%s) for %s", bm.ProductVersion, bm.ProductBuildVersion, bi.Info.DeviceClass)
	return ipsw, bi, nil
}

// nativePwner reads the PWND field from the USB serial number instead of
// running irecovery.
type nativePwner struct {
	devices Devices
}

func (n nativePwner) Pwned(ctx context.Context) (bool, error) {
	usb, err := n.devices.Open(ctx, devices.DFU)
	if err != nil {
		return false, err
	}
	defer usb.Close()
	info, err := recovery.New(usb, devices.DFU).Info()
	if err != nil {
		return false, err
	}
	return info.Pwned() != "", nil
}

func (j *Jailbreak) pipeline(id devices.Identity, bi *manifest.BuildIdentity, src pipeline.Source) *pipeline.Pipeline {
	var pwn pipeline.Pwner = j.set.Irecovery
	if j.Config.NativeUSB {
		pwn = nativePwner{j.Devices}
	}
	return &pipeline.Pipeline{
		Gaster:        j.set.Gaster,
		IBootPatcher:  j.set.IBoot64Patcher,
		KernelPatcher: j.set.Kernel64Patcher,
		IBootpatch2:   j.set.IBootpatch2,
		Hfsplus:       j.set.Hfsplus,
		Pwn:           pwn,
		Device:        id,
		Identity:      bi,
		Source:        src,
		Data:          j.Config.Dirs.Data(),
		TempDir:       j.TempDir,
	}
}

func (j *Jailbreak) direct(id devices.Identity, store cache.Images) *boot.Direct {
	var ch boot.Channel = j.set.Irecovery
	if j.Config.NativeUSB {
		ch = &boot.Native{Devices: j.Devices}
	}
	return &boot.Direct{Channel: ch, Images: store, ChipID: id.ChipID, Sleep: j.Sleep}
}

func (j *Jailbreak) bootArgs() pipeline.BootArgs {
	return pipeline.BootArgs{Serial: j.Config.Serial, Verbose: !j.Config.Serial}
}

func (j *Jailbreak) shell(ctx context.Context) (install.Shell, io.Closer, error) {
	if j.Shell != nil {
		return j.Shell(ctx)
	}
	s, err := install.Dial(ctx, j.Lockdown, install.Port)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

// ramdisk boots without PongoOS. The first run boots the SSH ramdisk and
// installs the patched kernel, saving the device's ticket as its blob. Once
// a blob exists the installed system is booted from patched bootloaders.
func (j *Jailbreak) ramdisk(ctx context.Context, id devices.Identity) error {
	dirs := j.Config.Dirs
	if err := dirs.Ensure(); err != nil {
		return err
	}
	ver := j.Config.VersionString()
	blob := dirs.Blob(id.DeviceID(), ver)
	installed := exists(blob) && !j.Config.RestoreRootfs

	ipsw, bi, err := j.firmware(ctx, id)
	if err != nil {
		return err
	}
	defer ipsw.Close()
	p := j.pipeline(id, bi, ipsw)

	if installed {
		glog.Infof("Found blob %s, booting installed system", blob)
		if p.Ticket, err = img4.LoadTicket(blob); err != nil {
			return err
		}
		store := cache.Images{Dir: dirs.Boot(id.DeviceID(), ver)}
		if err := p.BuildLocalBoot(ctx, store, pipeline.LocalBootOptions{
			SemiTethered: j.Config.SemiTethered,
			Shadow:       true,
			BootArgs:     j.bootArgs(),
		}); err != nil {
			return err
		}
		return j.direct(id, store).LocalBoot(ctx)
	}

	if p.Ticket, err = img4.LoadTicket(dirs.RamdiskTicket(id.ChipID)); err != nil {
		return err
	}
	store := cache.Images{Dir: filepath.Join(dirs.Boot(id.DeviceID(), ver), "ramdisk")}
	if err := p.BuildRamdisk(ctx, store, j.bootArgs()); err != nil {
		return err
	}
	if err := j.direct(id, store).Ramdisk(ctx); err != nil {
		return err
	}

	sh, closer, err := j.shell(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()
	in := &install.Installer{Shell: sh, Sleep: j.Sleep}

	if j.Config.RestoreRootfs {
		if err := in.RestoreRootfs(ctx); err != nil {
			return err
		}
		// Without the blob the next run installs again.
		if err := os.Remove(blob); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.RemoveAll(dirs.Boot(id.DeviceID(), ver))
	}
	if err := in.Install(ctx, install.Options{
		SemiTethered: j.Config.SemiTethered,
		TicketPath:   blob,
		KPF:          j.set.KPF,
	}); err != nil {
		return err
	}
	glog.Infof("Installed. Put the device back into DFU mode and rerun to boot it")
	return nil
}
