// Package guide moves a device from Normal mode into Recovery mode and then,
// with the user pressing buttons to a countdown, into DFU mode.
package guide

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
)

// Poller reports the mode of the attached device.
type Poller interface {
	Poll(ctx context.Context) (devices.Mode, error)
	WaitFor(ctx context.Context, modes ...devices.Mode) (devices.Mode, error)
}

// RecoveryTrigger asks a booted device to reboot into Recovery mode.
type RecoveryTrigger interface {
	EnterRecovery(ctx context.Context) error
}

// Autobooter sets the auto-boot NVRAM variable through iBoot.
type Autobooter interface {
	SetAutoboot(enable bool) error
}

// Resetter resets the device's USB connection.
type Resetter interface {
	Reset() error
}

// Phase durations of the DFU countdown. They follow the button debounce and
// USB re-enumeration timing of the hardware.
const (
	GetReady = 3
	Hold     = 4
	Release  = 10
)

type Guide struct {
	Monitor  Poller
	Lockdown RecoveryTrigger
	// OpenRecovery opens iBoot once the device is in Recovery mode. Nil
	// skips setting auto-boot.
	OpenRecovery func(ctx context.Context) (Autobooter, error)
	Out          io.Writer
	// Sleep waits one countdown tick. Defaults to a context aware
	// time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (g *Guide) out() io.Writer {
	if g.Out != nil {
		return g.Out
	}
	return os.Stdout
}

func (g *Guide) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		return g.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// EnterRecovery brings a Normal mode device into Recovery mode. Devices
// already in Recovery or DFU mode are left alone.
func (g *Guide) EnterRecovery(ctx context.Context, id devices.Identity) error {
	if id.Arm64e {
		return errs.Errorf(errs.Device, "enter recovery", "arm64e devices are not supported")
	}
	mode, err := g.Monitor.Poll(ctx)
	if err != nil {
		return err
	}
	switch mode {
	case devices.Recovery, devices.DFU:
		return nil
	case devices.Normal:
	default:
		return errs.Errorf(errs.Device, "enter recovery", "cannot enter recovery from %s mode", mode)
	}

	glog.Infof("Entering recovery mode...")
	if err := g.Lockdown.EnterRecovery(ctx); err != nil {
		return errs.New(errs.Device, "enter recovery", err)
	}
	if _, err := g.Monitor.WaitFor(ctx, devices.Recovery); err != nil {
		return err
	}
	if g.OpenRecovery != nil {
		if ib, err := g.OpenRecovery(ctx); err != nil {
			glog.Warningf("Could not open device in recovery mode: %v", err)
		} else if err := ib.SetAutoboot(true); err != nil {
			glog.Warningf("Could not set auto-boot: %v", err)
		}
	}
	glog.Infof("Entered recovery mode")
	return nil
}

// Buttons are the DFU button instructions for a device family.
type Buttons struct {
	Hold    string
	Release string
	Keep    string
}

// HoldInstruction returns which buttons to press for DFU mode. A10 and
// newer iPhones have no home button.
func HoldInstruction(chipID, productType string) Buttons {
	if strings.HasPrefix(devices.NormalizeChipID(chipID), "0x801") && !strings.HasPrefix(productType, "iPad") {
		return Buttons{Hold: "volume down + side button", Release: "side button", Keep: "volume down button"}
	}
	return Buttons{Hold: "home + power button", Release: "power button", Keep: "home button"}
}

func (g *Guide) countdown(ctx context.Context, c *color.Color, msg string, secs int, tick func(left int) (bool, error)) (bool, error) {
	for left := secs; left > 0; left-- {
		c.Fprintf(g.out(), "\r\033[K%s (%d)", msg, left)
		if tick != nil {
			done, err := tick(left)
			if err != nil || done {
				fmt.Fprintln(g.out())
				return done, err
			}
		}
		if err := g.sleep(ctx, time.Second); err != nil {
			fmt.Fprintln(g.out())
			return false, err
		}
	}
	fmt.Fprintln(g.out())
	return false, nil
}

// ToDFU walks the user through entering DFU mode from Recovery mode. On the
// last tick of the hold phase the device is reset; that reset usually fails
// as the device is going away, so its error is only logged.
func (g *Guide) ToDFU(ctx context.Context, chipID, productType string, usb Resetter) error {
	b := HoldInstruction(chipID, productType)
	yellow := color.New(color.FgYellow)
	bold := color.New(color.Bold)

	if _, err := g.countdown(ctx, bold, "Get ready", GetReady, nil); err != nil {
		return err
	}
	if _, err := g.countdown(ctx, yellow, "Hold "+b.Hold, Hold, func(left int) (bool, error) {
		if left == 1 && usb != nil {
			if err := usb.Reset(); err != nil {
				glog.V(1).Infof("Reset while entering DFU failed: %v", err)
			}
		}
		return false, nil
	}); err != nil {
		return err
	}
	reached, err := g.countdown(ctx, yellow, fmt.Sprintf("Release %s, but keep holding %s", b.Release, b.Keep), Release, func(int) (bool, error) {
		mode, err := g.Monitor.Poll(ctx)
		if err != nil {
			return false, err
		}
		return mode == devices.DFU, nil
	})
	if err != nil {
		return err
	}
	if !reached {
		mode, err := g.Monitor.Poll(ctx)
		if err != nil {
			return err
		}
		reached = mode == devices.DFU
	}
	if !reached {
		return errs.Errorf(errs.Device, "enter DFU", "device did not enter DFU mode, rerun the script and try again")
	}
	color.New(color.FgGreen).Fprintln(g.out(), "Device entered DFU mode successfully")
	return nil
}
