// Package dfu implements the host side of the USB DFU 1.1 class protocol as
// spoken by the Apple SecureROM and iBSS/iBEC.
package dfu

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/devices"
)

// bmRequestType for class requests to the interface.
const (
	classOut uint8 = 0x21
	classIn  uint8 = 0xa1
)

type Request uint8

const (
	RequestDnload    Request = 1
	RequestGetStatus Request = 3
	RequestClrStatus Request = 4
	RequestGetState  Request = 5
)

// Err is bStatus of a GETSTATUS response.
type Err uint8

const (
	ErrOk       Err = 0x00
	ErrTarget   Err = 0x01
	ErrFile     Err = 0x02
	ErrWrite    Err = 0x03
	ErrVerify   Err = 0x07
	ErrAddress  Err = 0x08
	ErrNotDone  Err = 0x09
	ErrFirmware Err = 0x0a
	ErrUnknown  Err = 0x0e
)

var errNames = map[Err]string{
	ErrOk:       "OK",
	ErrTarget:   "errTARGET",
	ErrFile:     "errFILE",
	ErrWrite:    "errWRITE",
	ErrVerify:   "errVERIFY",
	ErrAddress:  "errADDRESS",
	ErrNotDone:  "errNOTDONE",
	ErrFirmware: "errFIRMWARE",
	ErrUnknown:  "errUNKNOWN",
}

func (e Err) String() string {
	if n, ok := errNames[e]; ok {
		return n
	}
	return fmt.Sprintf("err(%#02x)", uint8(e))
}

type State uint8

const (
	StateIdle              State = 2
	StateDnloadSync        State = 3
	StateDnBusy            State = 4
	StateDnloadIdle        State = 5
	StateManifestSync      State = 6
	StateManifest          State = 7
	StateManifestWaitReset State = 8
	StateError             State = 10
)

var stateNames = map[State]string{
	StateIdle:              "dfuIDLE",
	StateDnloadSync:        "dfuDNLOAD-SYNC",
	StateDnBusy:            "dfuDNBUSY",
	StateDnloadIdle:        "dfuDNLOAD-IDLE",
	StateManifestSync:      "dfuMANIFEST-SYNC",
	StateManifest:          "dfuMANIFEST",
	StateManifestWaitReset: "dfuMANIFEST-WAIT-RESET",
	StateError:             "dfuERROR",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Status is a parsed GETSTATUS response.
type Status struct {
	Err Err
	// Timeout is bwPollTimeout, the time the device asks us to wait before
	// the next request.
	Timeout time.Duration
	State   State
}

// StatusError is returned when the device reports anything but OK.
type StatusError struct {
	Block  int
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("block %d: device reported %s in %s", e.Block, e.Status.Err, e.Status.State)
}

func GetState(usb devices.Usb) (State, error) {
	buf := make([]byte, 1)
	n, err := usb.Control(classIn, uint8(RequestGetState), 0, 0, buf)
	if err != nil {
		return StateError, fmt.Errorf("GETSTATE: %w", err)
	}
	if n != len(buf) {
		return StateError, fmt.Errorf("GETSTATE returned %d bytes", n)
	}
	return State(buf[0]), nil
}

func GetStatus(usb devices.Usb) (*Status, error) {
	buf := make([]byte, 6)
	n, err := usb.Control(classIn, uint8(RequestGetStatus), 0, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("GETSTATUS: %w", err)
	}
	if n != len(buf) {
		return nil, fmt.Errorf("GETSTATUS returned %d bytes", n)
	}
	// bwPollTimeout is a 24 bit little endian value.
	ms := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	return &Status{
		Err:     Err(buf[0]),
		Timeout: time.Duration(ms) * time.Millisecond,
		State:   State(buf[4]),
	}, nil
}

func out(usb devices.Usb, req Request, val uint16, data []byte) error {
	if _, err := usb.Control(classOut, uint8(req), val, 0, data); err != nil {
		return fmt.Errorf("request %d: %w", req, err)
	}
	return nil
}

// Reset brings the device back into dfuIDLE, clearing any error left by a
// previous upload.
func Reset(usb devices.Usb) error {
	if err := out(usb, RequestClrStatus, 0, nil); err != nil {
		return err
	}
	state, err := GetState(usb)
	if err != nil {
		return err
	}
	if state != StateIdle {
		return fmt.Errorf("unexpected DFU state %s", state)
	}
	return nil
}

// ChunkSize is the wTransferSize of Apple's DFU implementation.
const ChunkSize = 0x800

// MaxImageSize is the largest image whose blocks, plus the terminating empty
// one, fit the 16 bit wValue block counter.
const MaxImageSize = 0xffff * ChunkSize

// SendImage downloads an image into the device's load area. It does not
// reset the device; call Finish afterwards to make the ROM/iBoot act on it.
func SendImage(usb devices.Usb, img []byte) error {
	if len(img) > MaxImageSize {
		return fmt.Errorf("image is %d bytes, DFU can carry at most %d", len(img), MaxImageSize)
	}
	if err := Reset(usb); err != nil {
		return err
	}

	block := 0
	for off := 0; off < len(img); off += ChunkSize {
		end := off + ChunkSize
		if end > len(img) {
			end = len(img)
		}
		if err := download(usb, block, img[off:end]); err != nil {
			return err
		}
		block++
	}
	// A zero-length download marks the end of the image, the status request
	// following it starts the manifest phase.
	if err := download(usb, block, nil); err != nil {
		return err
	}
	glog.V(1).Infof("DFU: sent %d bytes in %d blocks", len(img), block)
	return nil
}

func download(usb devices.Usb, block int, data []byte) error {
	if err := out(usb, RequestDnload, uint16(block), data); err != nil {
		return fmt.Errorf("block %d: %w", block, err)
	}
	st, err := GetStatus(usb)
	if err != nil {
		return fmt.Errorf("block %d: %w", block, err)
	}
	if st.Err != ErrOk {
		return &StatusError{Block: block, Status: *st}
	}
	return nil
}

// Finish makes the device process a downloaded image. The ROM only boots it
// after a bus reset; the device re-enumerates in a different mode, so the
// reset failing is expected and only logged.
func Finish(usb devices.Usb) {
	for i := 0; i < 2; i++ {
		if _, err := GetStatus(usb); err != nil {
			glog.V(1).Infof("DFU: status after manifest: %v", err)
		}
	}
	if err := usb.Reset(); err != nil {
		glog.V(1).Infof("DFU: reset after manifest: %v", err)
	}
}
