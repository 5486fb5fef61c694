// Package lockdown talks to a device booted into iOS (or into the SSH
// ramdisk) through usbmuxd: identity queries, the EnterRecovery request and
// raw TCP tunnels to on-device ports.
package lockdown

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/danielpaulus/go-ios/ios"
	"github.com/golang/glog"
	"howett.net/plist"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
)

// Label identifies us to lockdownd.
const Label = "palera1n"

// Client is bound to the single device usbmuxd reports.
type Client struct {
	Entry ios.DeviceEntry
}

// Find returns a client for the only device known to usbmuxd.
func Find(ctx context.Context) (*Client, error) {
	list, err := ios.ListDevices()
	if err != nil {
		return nil, errs.New(errs.Device, "usbmuxd", err)
	}
	switch len(list.DeviceList) {
	case 0:
		return nil, errs.Errorf(errs.Device, "usbmuxd", "no device found")
	case 1:
	default:
		return nil, errs.Errorf(errs.Device, "usbmuxd", "attach only one device (found %d)", len(list.DeviceList))
	}
	e := list.DeviceList[0]
	glog.V(1).Infof("usbmuxd: device %d, udid %s", e.DeviceID, e.Properties.SerialNumber)
	return &Client{Entry: e}, nil
}

// IdentityFrom converts lockdown values to a device identity.
func IdentityFrom(v ios.AllValuesType) devices.Identity {
	return devices.Identity{
		ChipID:         fmt.Sprintf("0x%x", v.ChipID),
		BoardConfig:    strings.ToLower(v.HardwareModel),
		ProductType:    v.ProductType,
		ProductVersion: v.ProductVersion,
		ECID:           v.UniqueChipID,
		UDID:           v.UniqueDeviceID,
		Arm64e:         v.CPUArchitecture == "arm64e",
	}
}

// Identity queries lockdownd for what the device says about itself.
func (c *Client) Identity(ctx context.Context) (devices.Identity, error) {
	all, err := ios.GetValues(c.Entry)
	if err != nil {
		return devices.Identity{}, errs.New(errs.Device, "lockdown values", err)
	}
	id := IdentityFrom(all.Value)
	if id.ProductType == "" {
		return devices.Identity{}, errs.Errorf(errs.Device, "lockdown values", "device did not report a product type")
	}
	return id, nil
}

type request struct {
	Label   string
	Request string
}

type response struct {
	Request string
	Error   string
}

// EnterRecovery asks lockdownd to reboot the device into Recovery mode.
func (c *Client) EnterRecovery(ctx context.Context) error {
	conn, err := ios.ConnectLockdownWithSession(c.Entry)
	if err != nil {
		return errs.New(errs.Device, "enter recovery", err)
	}
	defer conn.Close()
	if err := conn.Send(request{Label: Label, Request: "EnterRecovery"}); err != nil {
		return errs.New(errs.Device, "enter recovery", err)
	}
	data, err := conn.ReadMessage()
	if err != nil {
		return errs.New(errs.Device, "enter recovery", err)
	}
	return checkResponse(data)
}

func checkResponse(data []byte) error {
	var resp response
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&resp); err != nil {
		return errs.New(errs.Device, "enter recovery", err)
	}
	if resp.Error != "" {
		return errs.Errorf(errs.Device, "enter recovery", "lockdownd: %s", resp.Error)
	}
	return nil
}

// DialPort opens a TCP tunnel to port on the device.
func (c *Client) DialPort(ctx context.Context, port uint16) (net.Conn, error) {
	mux, err := ios.NewUsbMuxConnectionSimple()
	if err != nil {
		return nil, errs.New(errs.Device, "usbmuxd", err)
	}
	if err := mux.Connect(c.Entry.DeviceID, port); err != nil {
		mux.Close()
		return nil, errs.New(errs.Device, fmt.Sprintf("connect port %d", port), err)
	}
	return mux.ReleaseDeviceConnection().Conn(), nil
}

// Usbmux dials whichever single device usbmuxd reports at the time of the
// call. A device rebooting into the ramdisk reappears under a new ID, so it
// is looked up again on every dial.
type Usbmux struct{}

func (Usbmux) DialPort(ctx context.Context, port uint16) (net.Conn, error) {
	c, err := Find(ctx)
	if err != nil {
		return nil, err
	}
	return c.DialPort(ctx, port)
}

func (Usbmux) Identity(ctx context.Context) (devices.Identity, error) {
	c, err := Find(ctx)
	if err != nil {
		return devices.Identity{}, err
	}
	return c.Identity(ctx)
}

func (Usbmux) EnterRecovery(ctx context.Context) error {
	c, err := Find(ctx)
	if err != nil {
		return err
	}
	return c.EnterRecovery(ctx)
}
