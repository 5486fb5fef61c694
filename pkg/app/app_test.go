package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/gousb"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/devices/fakeusb"
	"github.com/palera1n/palera1n/pkg/errs"
)

// scripted returns successive snapshots on each List call, repeating the last
// one forever.
type scripted struct {
	snaps [][]devices.Attached
	calls int
	opens []gousb.ID
}

func (s *scripted) List(ctx context.Context) ([]devices.Attached, error) {
	i := s.calls
	if i >= len(s.snaps) {
		i = len(s.snaps) - 1
	}
	s.calls++
	return s.snaps[i], nil
}

func (s *scripted) Open(vid, pid gousb.ID) (devices.Usb, error) {
	s.opens = append(s.opens, pid)
	return &fakeusb.Device{}, nil
}

func apple(pid gousb.ID) devices.Attached {
	return devices.Attached{VID: devices.AppleVID, PID: pid}
}

func TestPoll(t *testing.T) {
	for _, te := range []struct {
		name    string
		snap    []devices.Attached
		want    devices.Mode
		wantErr bool
	}{
		{"empty", nil, devices.None, false},
		{"non-apple only", []devices.Attached{{VID: 0x046d, PID: 0xc52b}}, devices.None, false},
		{"apple keyboard ignored", []devices.Attached{apple(0x0250)}, devices.None, false},
		{"dfu", []devices.Attached{apple(0x1227)}, devices.DFU, false},
		{"recovery with mouse", []devices.Attached{{VID: 0x046d, PID: 0xc52b}, apple(0x1281)}, devices.Recovery, false},
		{"pongo", []devices.Attached{apple(0x4141)}, devices.Pongo, false},
		{"two devices", []devices.Attached{apple(0x1227), apple(0x12a8)}, devices.None, true},
	} {
		t.Run(te.name, func(t *testing.T) {
			m := New(&scripted{snaps: [][]devices.Attached{te.snap}})
			got, err := m.Poll(context.Background())
			if te.wantErr {
				if !errs.Is(err, errs.Device) {
					t.Fatalf("wanted device error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if got != te.want {
				t.Errorf("got %s, want %s", got, te.want)
			}
		})
	}
}

func TestWaitFor(t *testing.T) {
	s := &scripted{snaps: [][]devices.Attached{
		nil,
		{apple(0x12a8)},
		{apple(0x1281)},
		{apple(0x1227)},
	}}
	m := &Monitor{Enum: s, Interval: time.Millisecond}
	got, err := m.WaitFor(context.Background(), devices.DFU)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if got != devices.DFU {
		t.Errorf("got %s", got)
	}
	if s.calls != 4 {
		t.Errorf("expected 4 polls, got %d", s.calls)
	}
}

func TestWaitForCancelled(t *testing.T) {
	m := &Monitor{Enum: &scripted{snaps: [][]devices.Attached{nil}}, Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.WaitFor(ctx, devices.DFU); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	s := &scripted{snaps: [][]devices.Attached{{apple(0x4141)}}}
	m := New(s)
	if _, err := m.Open(context.Background(), devices.DFU); !errs.Is(err, errs.Device) {
		t.Fatalf("opening in wrong mode should fail, got %v", err)
	}
	usb, err := m.Open(context.Background(), devices.Pongo)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	usb.Close()
	if len(s.opens) != 1 || s.opens[0] != 0x4141 {
		t.Errorf("unexpected opens %v", s.opens)
	}
}
