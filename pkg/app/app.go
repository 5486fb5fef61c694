package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
)

// Enumerator gives access to the host's USB topology. The desktop
// implementation lives in cmd/palera1n and wraps gousb.
type Enumerator interface {
	// List returns all currently attached USB devices. Serial is filled in
	// for Apple devices with ramdisk capable product IDs.
	List(ctx context.Context) ([]devices.Attached, error)
	// Open opens the device with the given VID/PID.
	Open(vid, pid gousb.ID) (devices.Usb, error)
}

// Monitor tracks the mode of the single Apple device attached to the host.
// Nothing is cached between polls.
type Monitor struct {
	Enum Enumerator
	// Interval between polls. Defaults to one second.
	Interval time.Duration
}

func New(e Enumerator) *Monitor {
	return &Monitor{Enum: e, Interval: time.Second}
}

func (m *Monitor) interval() time.Duration {
	if m.Interval == 0 {
		return time.Second
	}
	return m.Interval
}

// Attached returns the single attached Apple device in a known mode, or nil
// if there is none. More than one is an error.
func (m *Monitor) Attached(ctx context.Context) (*devices.Attached, error) {
	all, err := m.Enum.List(ctx)
	if err != nil {
		return nil, errs.New(errs.Device, "enumerate USB", err)
	}
	var found []devices.Attached
	for _, a := range all {
		if a.Mode() == devices.None {
			continue
		}
		found = append(found, a)
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	}
	var descs []string
	for _, f := range found {
		descs = append(descs, f.String())
	}
	return nil, errs.Errorf(errs.Device, "poll", "attach only one device (found %s)", strings.Join(descs, ", "))
}

// Poll returns the current mode of the attached device.
func (m *Monitor) Poll(ctx context.Context) (devices.Mode, error) {
	a, err := m.Attached(ctx)
	if err != nil {
		return devices.None, err
	}
	if a == nil {
		return devices.None, nil
	}
	return a.Mode(), nil
}

// WaitFor blocks until the device is in one of the given modes, polling once
// per interval. The waiting message is only logged once.
func (m *Monitor) WaitFor(ctx context.Context, modes ...devices.Mode) (devices.Mode, error) {
	logged := false
	for {
		cur, err := m.Poll(ctx)
		if err != nil {
			return devices.None, err
		}
		for _, want := range modes {
			if cur == want {
				return cur, nil
			}
		}
		if !logged {
			var names []string
			for _, want := range modes {
				names = append(names, want.String())
			}
			glog.Infof("Waiting for device in %s mode...", strings.Join(names, "/"))
			logged = true
		}

		select {
		case <-ctx.Done():
			return devices.None, ctx.Err()
		case <-time.After(m.interval()):
		}
	}
}

// WaitAny blocks until any supported device is attached.
func (m *Monitor) WaitAny(ctx context.Context) (devices.Mode, error) {
	logged := false
	for {
		cur, err := m.Poll(ctx)
		if err != nil {
			return devices.None, err
		}
		if cur != devices.None {
			return cur, nil
		}
		if !logged {
			glog.Infof("Waiting for devices...")
			logged = true
		}
		select {
		case <-ctx.Done():
			return devices.None, ctx.Err()
		case <-time.After(m.interval()):
		}
	}
}

// Open opens the attached device, which must currently be in the given mode,
// and claims its default interface.
func (m *Monitor) Open(ctx context.Context, mode devices.Mode) (devices.Usb, error) {
	a, err := m.Attached(ctx)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errs.Errorf(errs.Device, "open", "no device found")
	}
	if got := a.Mode(); got != mode {
		return nil, errs.Errorf(errs.Device, "open", "device is in %s mode, wanted %s", got, mode)
	}
	usb, err := m.Enum.Open(a.VID, a.PID)
	if err != nil {
		return nil, errs.New(errs.Device, "open", err)
	}
	if usb == nil {
		return nil, errs.Errorf(errs.Device, "open", "device %s disappeared", a)
	}
	if err := usb.UseDefaultInterface(); err != nil {
		usb.Close()
		return nil, fmt.Errorf("claiming default interface: %w", err)
	}
	return usb, nil
}
