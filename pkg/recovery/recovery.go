// Package recovery is a native client for iBoot's USB interface in Recovery
// and DFU mode: the serial-number info string, text commands, and image
// uploads.
package recovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/dfu"
)

// Info is the parsed iBoot serial number string, eg.
// "SDOM:01 CPID:8010 CPRV:11 CPFM:03 SCEP:01 BDID:08 ECID:001A2D3C3E88802E IBFL:3C SRNM:[F4GT12345678] PWND:[gaster]".
type Info struct {
	Fields map[string]string
}

// ParseSerial parses an iBoot serial number string. Unknown tokens are kept
// verbatim; bracketed values have their brackets stripped.
func ParseSerial(serial string) (*Info, error) {
	info := &Info{Fields: make(map[string]string)}
	for _, tok := range strings.Fields(serial) {
		k, v, ok := strings.Cut(tok, ":")
		if !ok {
			continue
		}
		v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
		info.Fields[k] = v
	}
	if _, ok := info.Fields["CPID"]; !ok {
		return nil, fmt.Errorf("no CPID in serial %q", serial)
	}
	return info, nil
}

// ChipID returns CPID in canonical "0x8010" form.
func (i *Info) ChipID() string {
	return devices.NormalizeChipID(i.Fields["CPID"])
}

func (i *Info) ECID() uint64 {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(i.Fields["ECID"]), "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return v
}

// Pwned returns the PWND sentinel value, or "" if the device runs an
// unexploited ROM.
func (i *Info) Pwned() string {
	return i.Fields["PWND"]
}

// Identity fills in what the info string tells about the device. The
// serial number carries no product type or board config; irecovery -q
// output, which also parses into Info, adds them as PRODUCT and MODEL.
func (i *Info) Identity() devices.Identity {
	chip := i.ChipID()
	return devices.Identity{
		ChipID:      chip,
		ECID:        i.ECID(),
		ProductType: i.Fields["PRODUCT"],
		BoardConfig: strings.ToLower(i.Fields["MODEL"]),
		Arm64e:      devices.IsArm64e(chip),
	}
}

// recoveryChunk is the bulk transfer size used by iBoot in Recovery mode.
const recoveryChunk = 0x8000

type Client struct {
	Usb  devices.Usb
	Mode devices.Mode
}

func New(usb devices.Usb, mode devices.Mode) *Client {
	return &Client{Usb: usb, Mode: mode}
}

// Info reads and parses the serial number string.
func (c *Client) Info() (*Info, error) {
	serial, err := c.Usb.SerialNumber()
	if err != nil {
		return nil, fmt.Errorf("reading serial number: %w", err)
	}
	return ParseSerial(serial)
}

// SendCommand runs an iBoot console command.
func (c *Client) SendCommand(cmd string) error {
	data := []byte(cmd + "\x00")
	n, err := c.Usb.Control(gousb.ControlVendor, 0, 0, 0, data)
	if err != nil {
		return fmt.Errorf("command %q: %w", cmd, err)
	}
	if n != len(data) {
		return fmt.Errorf("command %q: %d bytes written, want %d", cmd, n, len(data))
	}
	return nil
}

// SendFile uploads an image. In DFU mode this is a DFU download followed by
// a reset; in Recovery mode it goes over the bulk endpoint.
func (c *Client) SendFile(data []byte) error {
	glog.Infof("Sending %s to device in %s mode", humanize.Bytes(uint64(len(data))), c.Mode)
	switch c.Mode {
	case devices.DFU:
		if err := dfu.SendImage(c.Usb, data); err != nil {
			return err
		}
		dfu.Finish(c.Usb)
		return nil
	case devices.Recovery:
		if _, err := c.Usb.Control(0x41, 0, 0, 0, nil); err != nil {
			return fmt.Errorf("start upload: %w", err)
		}
		for off := 0; off < len(data); off += recoveryChunk {
			end := off + recoveryChunk
			if end > len(data) {
				end = len(data)
			}
			if _, err := c.Usb.WriteBulk(4, data[off:end]); err != nil {
				return fmt.Errorf("bulk write at %#x: %w", off, err)
			}
		}
		return nil
	}
	return fmt.Errorf("cannot upload to device in %s mode", c.Mode)
}

// SetAutoboot sets and persists the auto-boot NVRAM variable.
func (c *Client) SetAutoboot(set bool) error {
	if err := c.SendCommand(fmt.Sprintf("setenv auto-boot %t", set)); err != nil {
		return err
	}
	return c.SendCommand("saveenv")
}

// Reset issues a USB reset. The device disconnects while handling it, so
// callers treat an error as non-fatal.
func (c *Client) Reset() error {
	return c.Usb.Reset()
}
