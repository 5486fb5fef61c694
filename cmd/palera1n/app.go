package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/palera1n/palera1n/pkg/devices"
)

// desktopEnum lists and opens devices through libusb.
type desktopEnum struct {
	ctx *gousb.Context
}

type listed struct {
	devices.Attached
	bus, addr int
}

func (e *desktopEnum) List(_ context.Context) ([]devices.Attached, error) {
	var seen []listed
	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != devices.AppleVID {
			return false
		}
		seen = append(seen, listed{
			Attached: devices.Attached{VID: desc.Vendor, PID: desc.Product},
			bus:      desc.Bus,
			addr:     desc.Address,
		})
		return devices.RamdiskCapable(desc.Product)
	})

	var errs error
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, d := range devs {
		serial, err := d.SerialNumber()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("reading serial of %s:%s: %w", d.Desc.Vendor, d.Desc.Product, err))
		}
		for i := range seen {
			if seen[i].bus == d.Desc.Bus && seen[i].addr == d.Desc.Address {
				seen[i].Serial = serial
			}
		}
		d.Close()
	}

	if len(seen) == 0 && errs != nil {
		return nil, errs
	}
	if errs != nil {
		slog.Debug("Partial enumeration", "err", errs)
	}
	res := make([]devices.Attached, len(seen))
	for i, s := range seen {
		res[i] = s.Attached
	}
	return res, nil
}

func (e *desktopEnum) Open(vid, pid gousb.ID) (devices.Usb, error) {
	usb, err := e.ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return nil, err
	}
	if usb == nil {
		return nil, fmt.Errorf("device %s:%s disappeared", vid, pid)
	}
	return &desktopUsb{usb: usb}, nil
}

func (e *desktopEnum) Close() error {
	return e.ctx.Close()
}

type desktopUsb struct {
	usb  *gousb.Device
	intf *gousb.Interface
	done func()
}

func (d *desktopUsb) UseDefaultInterface() error {
	if d.intf != nil {
		return nil
	}
	intf, done, err := d.usb.DefaultInterface()
	if err != nil {
		return err
	}
	d.intf = intf
	d.done = done
	return nil
}

func (d *desktopUsb) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	v, err := d.usb.Control(rType, request, val, idx, data)
	if err == gousb.ErrorTimeout {
		err = devices.UsbTimeoutError
	}
	return v, err
}

func (d *desktopUsb) WriteBulk(ep int, data []byte) (int, error) {
	if err := d.UseDefaultInterface(); err != nil {
		return 0, err
	}
	out, err := d.intf.OutEndpoint(ep)
	if err != nil {
		return 0, err
	}
	n, err := out.Write(data)
	if err == gousb.ErrorTimeout {
		err = devices.UsbTimeoutError
	}
	return n, err
}

func (d *desktopUsb) SetControlTimeout(dur time.Duration) error {
	d.usb.ControlTimeout = dur
	return nil
}

func (d *desktopUsb) SerialNumber() (string, error) {
	return d.usb.SerialNumber()
}

func (d *desktopUsb) Reset() error {
	return d.usb.Reset()
}

func (d *desktopUsb) Close() error {
	if d.done != nil {
		d.done()
		d.done = nil
		d.intf = nil
	}
	return d.usb.Close()
}

func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}
