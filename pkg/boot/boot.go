// Package boot uploads built boot images to a device and drives it into the
// kernel, either directly through iBoot or through the PongoOS shell.
package boot

import (
	"context"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
	"github.com/palera1n/palera1n/pkg/recovery"
)

// Channel sends files and commands to iBoot or the boot ROM.
type Channel interface {
	SendFile(ctx context.Context, path string) error
	SendCommand(ctx context.Context, cmd string) error
}

// Opener finds and opens the attached device. app.Monitor implements it.
type Opener interface {
	WaitFor(ctx context.Context, modes ...devices.Mode) (devices.Mode, error)
	Open(ctx context.Context, mode devices.Mode) (devices.Usb, error)
}

// Native is a Channel that talks to the device over libusb directly. The
// device re-enumerates after every stage, so it is reopened for each
// transfer.
type Native struct {
	Devices Opener
}

func (n *Native) do(ctx context.Context, op string, f func(*recovery.Client) error) error {
	mode, err := n.Devices.WaitFor(ctx, devices.DFU, devices.Recovery)
	if err != nil {
		return err
	}
	usb, err := n.Devices.Open(ctx, mode)
	if err != nil {
		return err
	}
	defer usb.Close()
	if err := f(recovery.New(usb, mode)); err != nil {
		return errs.New(errs.Device, op, err)
	}
	return nil
}

func (n *Native) SendFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.New(errs.Dependency, "send "+path, err)
	}
	return n.do(ctx, "send "+path, func(c *recovery.Client) error {
		return c.SendFile(data)
	})
}

func (n *Native) SendCommand(ctx context.Context, cmd string) error {
	return n.do(ctx, "command "+cmd, func(c *recovery.Client) error {
		return c.SendCommand(cmd)
	})
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Wait sleeps with s, or with Sleep when s is nil.
func (s Sleeper) Wait(ctx context.Context, d time.Duration) error {
	if s == nil {
		return Sleep(ctx, d)
	}
	return s(ctx, d)
}

func sendFile(ctx context.Context, ch Channel, path string) error {
	glog.Infof("Sending %s", path)
	if _, err := os.Stat(path); err != nil {
		return errs.New(errs.Dependency, "send", err)
	}
	return ch.SendFile(ctx, path)
}
