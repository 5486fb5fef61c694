package devices

import (
	"errors"
	"time"
)

// Usb describes a common API to access an Apple device in a boot stage (DFU,
// Recovery, Pongo, ...) over USB.
type Usb interface {
	// UseDefaultInterface requests the underlying provider to grant access to
	// control and bulk transfers on the default interface.
	UseDefaultInterface() error

	// Control sends a control request to the device.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	// WriteBulk writes data to the given OUT endpoint of the default
	// interface.
	WriteBulk(ep int, data []byte) (int, error)

	SetControlTimeout(time.Duration) error

	// SerialNumber returns the iSerialNumber string descriptor. In recovery
	// and DFU this carries CPID/ECID/... fields.
	SerialNumber() (string, error)

	// Reset performs a USB port reset.
	Reset() error

	// Close disposes of this device. No other functions may be called on the
	// interface afterwards.
	Close() error
}

var UsbTimeoutError = errors.New("USB timeout error")
