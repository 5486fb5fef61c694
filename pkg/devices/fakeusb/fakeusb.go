// Package fakeusb implements devices.Usb in memory, recording every transfer.
// It is used by tests of the protocol packages.
package fakeusb

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/palera1n/palera1n/pkg/devices"
)

// Transfer is a single recorded control or bulk transfer.
type Transfer struct {
	// Bulk is set for bulk writes, in which case only Endpoint and Data
	// are meaningful.
	Bulk     bool
	Endpoint int

	RType   uint8
	Request uint8
	Val     uint16
	Idx     uint16
	Data    []byte
}

func (t Transfer) String() string {
	if t.Bulk {
		return fmt.Sprintf("bulk ep%d %d bytes", t.Endpoint, len(t.Data))
	}
	return fmt.Sprintf("ctrl %#02x/%d val=%d idx=%d %q", t.RType, t.Request, t.Val, t.Idx, t.Data)
}

// Device is a fake USB device.
type Device struct {
	mu sync.Mutex

	Serial    string
	Transfers []Transfer
	Resets    int
	Closed    bool

	// In answers IN control requests (rType & 0x80). It returns the bytes to
	// copy into the request buffer.
	In func(request uint8, val, idx uint16, length int) ([]byte, error)
	// ControlErr, when set, is returned from every OUT control transfer.
	ControlErr error
	// ResetErr is returned from Reset.
	ResetErr error
}

var _ devices.Usb = &Device{}

func (d *Device) UseDefaultInterface() error {
	return nil
}

func (d *Device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rType&0x80 != 0 {
		if d.In == nil {
			return 0, fmt.Errorf("unexpected IN request %d", request)
		}
		res, err := d.In(request, val, idx, len(data))
		if err != nil {
			return 0, err
		}
		d.Transfers = append(d.Transfers, Transfer{RType: rType, Request: request, Val: val, Idx: idx})
		return copy(data, res), nil
	}
	if d.ControlErr != nil {
		return 0, d.ControlErr
	}
	d.Transfers = append(d.Transfers, Transfer{RType: rType, Request: request, Val: val, Idx: idx, Data: append([]byte(nil), data...)})
	return len(data), nil
}

func (d *Device) WriteBulk(ep int, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Transfers = append(d.Transfers, Transfer{Bulk: true, Endpoint: ep, Data: append([]byte(nil), data...)})
	return len(data), nil
}

func (d *Device) SetControlTimeout(time.Duration) error {
	return nil
}

func (d *Device) SerialNumber() (string, error) {
	return d.Serial, nil
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Resets++
	return d.ResetErr
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// Commands returns the textual payload of every OUT control transfer with the
// given request type and number, with trailing NUL/newline stripped.
func (d *Device) Commands(rType, request uint8) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []string
	for _, t := range d.Transfers {
		if t.Bulk || t.RType != rType || t.Request != request {
			continue
		}
		res = append(res, strings.TrimRight(string(t.Data), "\x00\n"))
	}
	return res
}
