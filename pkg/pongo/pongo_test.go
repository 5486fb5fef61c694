package pongo

import (
	"bytes"
	"testing"

	"github.com/palera1n/palera1n/pkg/devices/fakeusb"
)

func TestSendFileWireFormat(t *testing.T) {
	d := &fakeusb.Device{}
	c := &Client{Usb: d}
	payload := bytes.Repeat([]byte{0x41}, 0x1234)
	if err := c.SendFile(payload, true); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	if want, got := 4, len(d.Transfers); want != got {
		t.Fatalf("expected %d transfers, got %d: %v", want, got, d.Transfers)
	}
	reset, length, bulk, cmd := d.Transfers[0], d.Transfers[1], d.Transfers[2], d.Transfers[3]
	if reset.RType != 0x21 || reset.Request != 2 || len(reset.Data) != 0 {
		t.Errorf("bad reset transfer: %v", reset)
	}
	if length.RType != 0x21 || length.Request != 1 || !bytes.Equal(length.Data, []byte{0x34, 0x12, 0, 0}) {
		t.Errorf("bad length transfer: %v", length)
	}
	if !bulk.Bulk || bulk.Endpoint != 2 || !bytes.Equal(bulk.Data, payload) {
		t.Errorf("bad bulk transfer: %v", bulk)
	}
	if cmd.RType != 0x21 || cmd.Request != 3 || string(cmd.Data) != "modload\n" {
		t.Errorf("bad modload transfer: %v", cmd)
	}
}

func TestSendFileNoModload(t *testing.T) {
	d := &fakeusb.Device{}
	c := &Client{Usb: d}
	if err := c.SendFile([]byte("ramdisk"), false); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if got := d.Commands(0x21, 3); len(got) != 0 {
		t.Errorf("unexpected commands %v", got)
	}
}

func TestSendCommand(t *testing.T) {
	d := &fakeusb.Device{}
	c := &Client{Usb: d}
	for _, cmd := range []string{"fuse lock", "xargs -v rootdev=md0", "bootux"} {
		if err := c.SendCommand(cmd); err != nil {
			t.Fatalf("SendCommand(%q): %v", cmd, err)
		}
	}
	got := d.Commands(0x21, 3)
	want := []string{"fuse lock", "xargs -v rootdev=md0", "bootux"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if string(d.Transfers[0].Data) != "fuse lock\n" {
		t.Errorf("command not newline terminated: %q", d.Transfers[0].Data)
	}
}

func TestStdout(t *testing.T) {
	chunks := []string{"pongoOS> ", "ok\n"}
	d := &fakeusb.Device{
		In: func(request uint8, val, idx uint16, length int) ([]byte, error) {
			switch request {
			case requestProgress:
				if len(chunks) == 0 {
					return []byte{0}, nil
				}
				return []byte{1}, nil
			case requestStdout:
				if len(chunks) == 0 {
					return nil, nil
				}
				c := chunks[0]
				chunks = chunks[1:]
				return []byte(c), nil
			}
			return nil, nil
		},
	}
	c := &Client{Usb: d}
	out, err := c.Stdout()
	if err != nil {
		t.Fatalf("Stdout: %v", err)
	}
	if want := "pongoOS> ok\n"; out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}
