// Package pongo talks to the pongoOS shell over its USB control-transfer
// console.
package pongo

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/devices"
)

const (
	requestLength  = 1
	requestReset   = 2
	requestCommand = 3

	requestStdout   = 1
	requestProgress = 2

	// bulkEndpoint receives uploaded payloads.
	bulkEndpoint = 2
)

type Client struct {
	Usb devices.Usb
	// Pause after each command or upload, so the shell can act on it before
	// the next one arrives. One second unless overridden.
	Pause time.Duration
}

func New(usb devices.Usb) *Client {
	return &Client{Usb: usb, Pause: time.Second}
}

func (c *Client) settle() {
	if c.Pause > 0 {
		time.Sleep(c.Pause)
	}
}

func (c *Client) sendCommand(cmd string) error {
	data := []byte(cmd + "\n")
	n, err := c.Usb.Control(0x21, requestCommand, 0, 0, data)
	if err != nil {
		return fmt.Errorf("command %q: %w", cmd, err)
	}
	if n != len(data) {
		return fmt.Errorf("command %q: %d bytes written, want %d", cmd, n, len(data))
	}
	return nil
}

// SendCommand runs a shell command.
func (c *Client) SendCommand(cmd string) error {
	glog.V(1).Infof("Pongo: running %q", cmd)
	if err := c.sendCommand(cmd); err != nil {
		return err
	}
	c.settle()
	return nil
}

// Upload loads data into the shell's receive buffer: reset the buffer,
// declare the length, then write the payload to the bulk endpoint.
func (c *Client) Upload(data []byte) error {
	if _, err := c.Usb.Control(0x21, requestReset, 0, 0, nil); err != nil {
		return fmt.Errorf("reset receive buffer: %w", err)
	}
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(data)))
	if _, err := c.Usb.Control(0x21, requestLength, 0, 0, length); err != nil {
		return fmt.Errorf("declare length: %w", err)
	}
	n, err := c.Usb.WriteBulk(bulkEndpoint, data)
	if err != nil {
		return fmt.Errorf("bulk write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("bulk write: %d bytes written, want %d", n, len(data))
	}
	glog.V(1).Infof("Pongo: uploaded %s", humanize.Bytes(uint64(len(data))))
	return nil
}

// SendFile uploads data and, when modload is set, loads it as a module.
func (c *Client) SendFile(data []byte, modload bool) error {
	if err := c.Upload(data); err != nil {
		return err
	}
	if modload {
		if err := c.sendCommand("modload"); err != nil {
			return err
		}
	}
	c.settle()
	return nil
}

// Stdout drains the shell's pending console output.
func (c *Client) Stdout() (string, error) {
	var out string

	progress := []byte{1}
	buf := make([]byte, 0x1000)

	for progress[0] == 1 {
		if _, err := c.Usb.Control(0xa1, requestProgress, 0, 0, progress); err != nil {
			return out, fmt.Errorf("stdout progress: %w", err)
		}
		n, err := c.Usb.Control(0xa1, requestStdout, 0, 0, buf)
		if err != nil {
			return out, fmt.Errorf("stdout: %w", err)
		}
		if n == 0 {
			break
		}
		out += string(buf[:n])
	}
	return out, nil
}
