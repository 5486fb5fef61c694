package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

// Images is the store of built boot images for one device and iOS version.
// A complete set is reused by later runs instead of patching again.
type Images struct {
	Dir string
}

func (im Images) Path(name string) string {
	return filepath.Join(im.Dir, name)
}

// Complete returns whether every named image is present.
func (im Images) Complete(names ...string) bool {
	for _, n := range names {
		st, err := os.Stat(im.Path(n))
		if err != nil || st.Size() == 0 {
			return false
		}
	}
	glog.Infof("Using cached boot images at %s", im.Dir)
	return true
}

// Store copies a built image into the store.
func (im Images) Store(src, name string) error {
	if err := os.MkdirAll(im.Dir, 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dst := im.Path(name)
	out, err := os.Create(dst + ".tmp")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("storing %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(dst+".tmp", dst)
}
