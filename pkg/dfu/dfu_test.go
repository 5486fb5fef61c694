package dfu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/palera1n/palera1n/pkg/devices/fakeusb"
)

func idleDevice() *fakeusb.Device {
	return &fakeusb.Device{
		In: func(request uint8, val, idx uint16, length int) ([]byte, error) {
			switch Request(request) {
			case RequestGetState:
				return []byte{byte(StateIdle)}, nil
			case RequestGetStatus:
				return []byte{byte(ErrOk), 0x10, 0, 0, byte(StateDnloadIdle), 0}, nil
			}
			return nil, nil
		},
	}
}

func TestSendImage(t *testing.T) {
	d := idleDevice()
	img := bytes.Repeat([]byte{0xaa}, ChunkSize*2+3)
	if err := SendImage(d, img); err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	var blocks [][]byte
	for _, tr := range d.Transfers {
		if tr.RType == 0x21 && tr.Request == uint8(RequestDnload) {
			blocks = append(blocks, tr.Data)
		}
	}
	if want, got := 4, len(blocks); want != got {
		t.Fatalf("expected %d DNLOAD transfers, got %d", want, got)
	}
	if len(blocks[0]) != ChunkSize || len(blocks[2]) != 3 || len(blocks[3]) != 0 {
		t.Errorf("unexpected block sizes %d/%d/%d/%d", len(blocks[0]), len(blocks[1]), len(blocks[2]), len(blocks[3]))
	}
	var got []byte
	for _, b := range blocks {
		got = append(got, b...)
	}
	if !bytes.Equal(got, img) {
		t.Errorf("image corrupted in transfer")
	}
}

func TestGetStatus(t *testing.T) {
	d := &fakeusb.Device{
		In: func(request uint8, val, idx uint16, length int) ([]byte, error) {
			return []byte{byte(ErrVerify), 0xe8, 0x03, 0x00, byte(StateError), 0}, nil
		},
	}
	st, err := GetStatus(d)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Err != ErrVerify || st.State != StateError || st.Timeout.Milliseconds() != 1000 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestFinishResets(t *testing.T) {
	d := idleDevice()
	Finish(d)
	if d.Resets != 1 {
		t.Errorf("expected one reset, got %d", d.Resets)
	}
}

func TestSendImageRejected(t *testing.T) {
	d := &fakeusb.Device{
		In: func(request uint8, val, idx uint16, length int) ([]byte, error) {
			switch Request(request) {
			case RequestGetState:
				return []byte{byte(StateIdle)}, nil
			case RequestGetStatus:
				return []byte{byte(ErrVerify), 0, 0, 0, byte(StateError), 0}, nil
			}
			return nil, nil
		},
	}
	err := SendImage(d, []byte("iBSS"))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Block != 0 || se.Status.Err != ErrVerify {
		t.Errorf("unexpected error %+v", se)
	}
	if got, want := se.Error(), "block 0: device reported errVERIFY in dfuERROR"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSendImageNotIdle(t *testing.T) {
	d := &fakeusb.Device{
		In: func(request uint8, val, idx uint16, length int) ([]byte, error) {
			return []byte{byte(StateError)}, nil
		},
	}
	if err := SendImage(d, []byte("iBSS")); err == nil {
		t.Fatalf("expected error for device in dfuERROR")
	}
}

func TestSendImageTooLarge(t *testing.T) {
	d := idleDevice()
	if err := SendImage(d, make([]byte, MaxImageSize+1)); err == nil {
		t.Fatalf("oversized image accepted")
	}
	if len(d.Transfers) != 0 {
		t.Errorf("%d transfers for an oversized image", len(d.Transfers))
	}
}
