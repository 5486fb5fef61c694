// Package jailbreak runs a whole jailbreak: it finds the device, walks it
// into DFU mode, and boots it either through checkra1n and PongoOS or
// through a patched ramdisk that installs the jailbroken kernel.
package jailbreak

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/palera1n/palera1n/pkg/boot"
	"github.com/palera1n/palera1n/pkg/cache"
	"github.com/palera1n/palera1n/pkg/config"
	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
	"github.com/palera1n/palera1n/pkg/guide"
	"github.com/palera1n/palera1n/pkg/install"
	"github.com/palera1n/palera1n/pkg/pongo"
	"github.com/palera1n/palera1n/pkg/recovery"
	"github.com/palera1n/palera1n/pkg/tools"
)

// Devices watches and opens the attached device. app.Monitor implements it.
type Devices interface {
	Poll(ctx context.Context) (devices.Mode, error)
	WaitFor(ctx context.Context, modes ...devices.Mode) (devices.Mode, error)
	WaitAny(ctx context.Context) (devices.Mode, error)
	Open(ctx context.Context, mode devices.Mode) (devices.Usb, error)
}

// Lockdown reaches a device booted into iOS or the ramdisk.
// lockdown.Usbmux implements it.
type Lockdown interface {
	Identity(ctx context.Context) (devices.Identity, error)
	EnterRecovery(ctx context.Context) error
	install.Dialer
}

// DefaultAnalyticsURL receives one hit per successful run.
const DefaultAnalyticsURL = "https://ohio.itsnebula.net/hit"

type Jailbreak struct {
	Config   *config.Config
	Devices  Devices
	Lockdown Lockdown
	// Tools returns the tool chain. It runs while waiting for a device.
	Tools func(ctx context.Context) (*tools.Set, error)
	// DFUTools returns the tools DFUHelper needs, at least Irecovery.
	// Defaults to Tools.
	DFUTools func(ctx context.Context) (*tools.Set, error)
	Catalog  *cache.Catalog
	Client   *http.Client
	// Shell connects to the booted ramdisk. Defaults to SSH over usbmux.
	Shell func(ctx context.Context) (install.Shell, io.Closer, error)
	// PongoClient wraps a device in PongoOS. Defaults to pongo.New.
	PongoClient func(devices.Usb) *pongo.Client
	Out         io.Writer
	Sleep       boot.Sleeper
	// TempDir holds pipeline workspaces. Empty means the system default.
	TempDir      string
	AnalyticsURL string

	set *tools.Set
}

func (j *Jailbreak) guide() *guide.Guide {
	return &guide.Guide{
		Monitor:  j.Devices,
		Lockdown: j.Lockdown,
		OpenRecovery: func(ctx context.Context) (guide.Autobooter, error) {
			usb, err := j.Devices.Open(ctx, devices.Recovery)
			if err != nil {
				return nil, err
			}
			return autobooter{usb}, nil
		},
		Out:   j.Out,
		Sleep: j.Sleep,
	}
}

// autobooter sets auto-boot once and releases the device.
type autobooter struct {
	usb devices.Usb
}

func (a autobooter) SetAutoboot(enable bool) error {
	defer a.usb.Close()
	return recovery.New(a.usb, devices.Recovery).SetAutoboot(enable)
}

// resetter resets whatever device is in Recovery mode at the time.
type resetter struct {
	ctx     context.Context
	devices Devices
}

func (r resetter) Reset() error {
	usb, err := r.devices.Open(r.ctx, devices.Recovery)
	if err != nil {
		return err
	}
	defer usb.Close()
	return recovery.New(usb, devices.Recovery).Reset()
}

// identify reads the device identity in its current mode.
func (j *Jailbreak) identify(ctx context.Context, mode devices.Mode) (devices.Identity, error) {
	var id devices.Identity
	switch mode {
	case devices.Normal:
		var err error
		if id, err = j.Lockdown.Identity(ctx); err != nil {
			return id, err
		}
	case devices.Recovery, devices.DFU:
		fields, err := j.set.Irecovery.Info(ctx)
		if err != nil {
			return id, err
		}
		id = (&recovery.Info{Fields: fields}).Identity()
		if id.ChipID == "0x0" {
			return id, errs.Errorf(errs.Device, "identify", "irecovery reported no CPID")
		}
	default:
		return id, errs.Errorf(errs.Device, "identify", "cannot work with a device in %s mode", mode)
	}
	if id.Arm64e {
		return id, errs.Errorf(errs.Device, "identify", "arm64e devices (%s) are not supported", id.ChipID)
	}
	return id, nil
}

// toDFU waits for a device and brings it into DFU mode. Tools are fetched
// with fetch while waiting.
func (j *Jailbreak) toDFU(ctx context.Context, fetch func(context.Context) (*tools.Set, error)) (devices.Identity, error) {
	var mode devices.Mode
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		set, err := fetch(gctx)
		j.set = set
		return err
	})
	g.Go(func() error {
		m, err := j.Devices.WaitAny(gctx)
		mode = m
		return err
	})
	if err := g.Wait(); err != nil {
		return devices.Identity{}, err
	}
	glog.Infof("Detected device in %s mode", mode)

	if mode == devices.Pongo {
		glog.Infof("Rebooting device in Pongo")
		usb, err := j.Devices.Open(ctx, devices.Pongo)
		if err != nil {
			return devices.Identity{}, err
		}
		err = boot.Reboot(usb)
		usb.Close()
		if err != nil {
			return devices.Identity{}, err
		}
		if mode, err = j.Devices.WaitFor(ctx, devices.Normal, devices.Recovery, devices.DFU); err != nil {
			return devices.Identity{}, err
		}
	}

	id, err := j.identify(ctx, mode)
	if err != nil {
		return id, err
	}
	glog.V(1).Infof("Device: %+v", id)

	if mode != devices.DFU {
		gd := j.guide()
		if err := gd.EnterRecovery(ctx, id); err != nil {
			return id, err
		}
		if err := gd.ToDFU(ctx, id.ChipID, id.ProductType, resetter{ctx, j.Devices}); err != nil {
			return id, err
		}
	}
	if _, err := j.Devices.WaitFor(ctx, devices.DFU); err != nil {
		return id, err
	}
	return id, nil
}

// DFUHelper only brings the device into DFU mode. It skips fetching the
// tools a jailbreak needs.
func (j *Jailbreak) DFUHelper(ctx context.Context) error {
	fetch := j.DFUTools
	if fetch == nil {
		fetch = j.Tools
	}
	_, err := j.toDFU(ctx, fetch)
	return err
}

// Run performs the jailbreak.
func (j *Jailbreak) Run(ctx context.Context) error {
	if err := j.Config.Validate(); err != nil {
		return err
	}
	id, err := j.toDFU(ctx, j.Tools)
	if err != nil {
		return err
	}
	glog.Infof("Booting device")
	if j.Config.Ramdisk {
		err = j.ramdisk(ctx, id)
	} else {
		err = j.pongo(ctx)
	}
	if err != nil {
		return err
	}
	glog.Infof("Done!")
	glog.Infof("The device should now boot to jailbroken iOS")
	if !j.Config.DisableAnalytics {
		j.hit(ctx)
	}
	return nil
}

func (j *Jailbreak) pongo(ctx context.Context) error {
	if err := j.Sleep.Wait(ctx, 3*time.Second); err != nil {
		return err
	}
	p := &boot.Pongo{
		Checkra1n: j.set.Checkra1n,
		Devices:   j.Devices,
		Files:     boot.DataFiles(j.Config.Dirs.Data()),
		Client:    j.PongoClient,
		Sleep:     j.Sleep,
	}
	if j.Config.Verbose || j.Config.Debug {
		p.Console = os.Stderr
	}
	return p.Boot(ctx, boot.PongoOptions{
		Serial:      j.Config.Serial,
		ForceRevert: j.Config.RestoreRootfs,
		SafeMode:    j.Config.SafeMode,
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
