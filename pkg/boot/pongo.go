package boot

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
	"github.com/palera1n/palera1n/pkg/pipeline"
	"github.com/palera1n/palera1n/pkg/pongo"
	"github.com/palera1n/palera1n/pkg/tools"
)

// PongoFiles are the payloads loaded into PongoOS.
type PongoFiles struct {
	Pongo   string
	KPF     string
	Ramdisk string
	Overlay string
}

// DataFiles returns the payloads as laid out in the data directory.
func DataFiles(dir string) PongoFiles {
	return PongoFiles{
		Pongo:   filepath.Join(dir, "Pongo.bin"),
		KPF:     filepath.Join(dir, "kpf"),
		Ramdisk: filepath.Join(dir, "ramdisk.dmg"),
		Overlay: filepath.Join(dir, "binpack.dmg"),
	}
}

func (f PongoFiles) check() error {
	for _, p := range []string{f.Pongo, f.KPF, f.Ramdisk, f.Overlay} {
		if _, err := os.Stat(p); err != nil {
			return errs.New(errs.Dependency, "pongo payloads", err)
		}
	}
	return nil
}

// Pongo boots a pwned DFU device into PongoOS with checkra1n and then into
// the kernel from the PongoOS shell.
type Pongo struct {
	Checkra1n tools.Checkra1n
	Devices   Opener
	Files     PongoFiles
	// Client wraps the opened device. Defaults to pongo.New.
	Client func(devices.Usb) *pongo.Client
	Sleep  Sleeper
	// Console, when set, receives the shell output after every step.
	Console io.Writer
}

type PongoOptions struct {
	Serial      bool
	ForceRevert bool
	SafeMode    bool
}

// BootArgs returns the kernel boot arguments set from the shell.
func (o PongoOptions) BootArgs() pipeline.BootArgs {
	return pipeline.BootArgs{Serial: o.Serial, Verbose: !o.Serial, RootDev: "md0"}
}

// Commands is the shell script run once all payloads are loaded.
func (o PongoOptions) Commands() []string {
	return []string{"kpf", "fuse lock", "xargs " + o.BootArgs().String(), "xfb", "sep auto", "bootux"}
}

func (p *Pongo) client(usb devices.Usb) *pongo.Client {
	if p.Client != nil {
		return p.Client(usb)
	}
	return pongo.New(usb)
}

func (p *Pongo) drain(c *pongo.Client) {
	if p.Console == nil {
		return
	}
	out, err := c.Stdout()
	if out != "" {
		io.WriteString(p.Console, out)
	}
	if err != nil {
		glog.V(1).Infof("Pongo console: %v", err)
	}
}

// Boot runs checkra1n up to PongoOS, then loads the patchfinder, the
// ramdisk and the overlay and boots.
func (p *Pongo) Boot(ctx context.Context, opts PongoOptions) error {
	if err := p.Files.check(); err != nil {
		return err
	}
	if err := p.Checkra1n.Run(ctx, tools.Checkra1nOptions{
		Pongo:       p.Files.Pongo,
		ExitEarly:   true,
		PongoFull:   true,
		ForceRevert: opts.ForceRevert,
		SafeMode:    opts.SafeMode,
	}); err != nil {
		return err
	}

	glog.Infof("Waiting for Pongo to boot")
	if _, err := p.Devices.WaitFor(ctx, devices.Pongo); err != nil {
		return err
	}
	if err := p.Sleep.Wait(ctx, 2*time.Second); err != nil {
		return err
	}
	usb, err := p.Devices.Open(ctx, devices.Pongo)
	if err != nil {
		return err
	}
	defer usb.Close()
	c := p.client(usb)

	for _, f := range []struct {
		path    string
		modload bool
		cmd     string
	}{
		{p.Files.KPF, true, ""},
		{p.Files.Ramdisk, false, "ramdisk"},
		{p.Files.Overlay, false, "overlay"},
	} {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return errs.New(errs.Dependency, "pongo payloads", err)
		}
		glog.Infof("Sending %s", filepath.Base(f.path))
		if err := c.SendFile(data, f.modload); err != nil {
			return errs.New(errs.Device, "pongo upload", err)
		}
		if f.cmd != "" {
			if err := c.SendCommand(f.cmd); err != nil {
				return errs.New(errs.Device, "pongo command", err)
			}
		}
		p.drain(c)
	}
	for _, cmd := range opts.Commands() {
		if err := c.SendCommand(cmd); err != nil {
			return errs.New(errs.Device, "pongo command", err)
		}
		if cmd != "bootux" {
			p.drain(c)
		}
	}
	return nil
}

// Reboot asks a device sitting in the PongoOS shell to boot.
func Reboot(usb devices.Usb) error {
	if err := pongo.New(usb).SendCommand("bootx"); err != nil {
		return errs.New(errs.Device, "pongo bootx", err)
	}
	return nil
}
