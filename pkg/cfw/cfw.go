// Package cfw contains raw byte patches applied to decrypted boot-chain
// payloads, next to the external patchers.
package cfw

import (
	"bytes"
	"fmt"
	"os"

	"github.com/golang/glog"
)

// Patch transforms a payload.
type Patch interface {
	Apply(in []byte) (out []byte, err error)
}

// Replace swaps a byte string for another of the same length. At most N
// occurrences are replaced, all of them if N is zero. Finding nothing to
// replace is an error: the payload is not the one the patch was written for.
type Replace struct {
	From, To []byte
	N        int
}

func (r Replace) Apply(in []byte) ([]byte, error) {
	switch {
	case len(r.From) == 0:
		return nil, fmt.Errorf("empty pattern")
	case len(r.From) != len(r.To):
		return nil, fmt.Errorf("replacing %q with %q would shift the payload", r.From, r.To)
	case bytes.Equal(r.From, r.To):
		return nil, fmt.Errorf("replacing %q with itself", r.From)
	}
	found := bytes.Count(in, r.From)
	if found == 0 {
		return nil, fmt.Errorf("%q not found", r.From)
	}
	n := r.N
	if n == 0 {
		n = -1
	}
	glog.V(1).Infof("cfw: %q -> %q (%d found)", r.From, r.To, found)
	return bytes.Replace(in, r.From, r.To, n), nil
}

// ShadowKernel makes iBoot load /System/Library/Caches/.../kernelcachd, the
// patched kernel the installer leaves next to the stock one.
var ShadowKernel = Replace{From: []byte("/kernelcache"), To: []byte("/kernelcachd")}

// ApplyFile patches the file at in and writes the result to out. in and out
// may be the same path.
func ApplyFile(in, out string, p Patch) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	res, err := p.Apply(data)
	if err != nil {
		return fmt.Errorf("patching %s: %w", in, err)
	}
	return os.WriteFile(out, res, 0644)
}
