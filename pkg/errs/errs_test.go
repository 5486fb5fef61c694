package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	base := errors.New("exit status 1")
	inner := New(Patch, "iBoot64Patcher", base)
	outer := fmt.Errorf("building iBEC: %w", New(Tool, "pipeline", inner))

	for _, te := range []struct {
		kind Kind
		want bool
	}{
		{Tool, true},
		{Patch, true},
		{Manifest, false},
	} {
		if got := Is(outer, te.kind); got != te.want {
			t.Errorf("Is(%s): got %v, want %v", te.kind, got, te.want)
		}
	}
	if !errors.Is(outer, base) {
		t.Errorf("base error lost in chain")
	}
	if got, want := KindOf(outer), Tool; got != want {
		t.Errorf("KindOf: got %q, want %q", got, want)
	}
	if got := KindOf(base); got != "" {
		t.Errorf("KindOf(plain): got %q", got)
	}
}

func TestErrorString(t *testing.T) {
	if got, want := New(Device, "poll", nil).Error(), "device: poll"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := Errorf(Manifest, "resolve", "no identity for %s", "0x8010").Error(), "manifest: resolve: no identity for 0x8010"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
