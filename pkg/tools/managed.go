package tools

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"

	"github.com/palera1n/palera1n/pkg/errs"
)

// Format is how a managed tool is packaged upstream.
type Format int

const (
	Raw Format = iota
	Zip
	TarXz
)

// Platform selects the upstream build of a tool.
type Platform struct {
	OS   string
	Arch string
}

// Managed is a tool binary downloaded into the data directory. A cached copy
// is replaced when it differs from upstream, and used as is when upstream is
// unreachable.
type Managed struct {
	// Name is the file name in the destination directory.
	Name string
	// URL returns the download URL for a platform, or an error if there is
	// no upstream build for it.
	URL    func(p Platform) (string, error)
	Format Format
	// Member is the archive member holding the binary. Defaults to Name.
	Member string
	// VersionURL, when set, points to a zip of latest_build_sha.txt and
	// latest_build_num.txt. A cached binary embedding "Version: sha-num" is
	// current and kept even if the download differs.
	VersionURL string
	Mode       os.FileMode
}

// Fetcher downloads managed tools.
type Fetcher struct {
	Client   *http.Client
	Platform Platform

	shared *downloads
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	if f.shared == nil {
		return f.fetch(ctx, url)
	}
	d := f.shared.entry(url)
	d.once.Do(func() {
		d.body, d.err = f.fetch(ctx, url)
	})
	return d.body, d.err
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Ensure makes sure m is present in dir and returns its path.
func (f *Fetcher) Ensure(ctx context.Context, m *Managed, dir string) (string, error) {
	local := filepath.Join(dir, m.Name)
	cached, cacheErr := os.ReadFile(local)
	haveCache := cacheErr == nil

	url, err := m.URL(f.Platform)
	if err != nil {
		if haveCache {
			glog.Warningf("No upstream %s for %s/%s, using %s", m.Name, f.Platform.OS, f.Platform.Arch, local)
			return local, nil
		}
		return "", errs.New(errs.Dependency, m.Name, err)
	}

	var body, marker []byte
	var dlErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, dlErr = f.get(gctx, url)
		return nil
	})
	if m.VersionURL != "" && haveCache {
		g.Go(func() error {
			var err error
			if marker, err = f.versionMarker(gctx, m.VersionURL); err != nil {
				glog.V(1).Infof("%s: no version marker: %v", m.Name, err)
			}
			return nil
		})
	}
	g.Wait()

	if marker != nil && bytes.Contains(cached, marker) {
		glog.V(1).Infof("%s: cached copy is %q, up to date", m.Name, marker)
		return local, nil
	}

	var bin []byte
	if dlErr == nil {
		bin, dlErr = m.extract(body)
	}
	if dlErr != nil {
		if haveCache {
			glog.Warningf("Could not download %s (%v), falling back to %s", m.Name, dlErr, local)
			return local, nil
		}
		return "", errs.New(errs.Dependency, m.Name, fmt.Errorf("download failed and no cached copy: %w", dlErr))
	}

	if haveCache && md5.Sum(cached) == md5.Sum(bin) {
		glog.V(1).Infof("%s: hash verified", m.Name)
		return local, nil
	}

	glog.Infof("Saving %s (%s) to %s", m.Name, humanize.Bytes(uint64(len(bin))), local)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	mode := m.Mode
	if mode == 0 {
		mode = 0755
	}
	tmp := local + ".tmp"
	if err := os.WriteFile(tmp, bin, mode); err != nil {
		return "", fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, mode); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, local); err != nil {
		return "", err
	}
	return local, nil
}

func (m *Managed) member() string {
	if m.Member != "" {
		return m.Member
	}
	return m.Name
}

func (m *Managed) extract(body []byte) ([]byte, error) {
	switch m.Format {
	case Raw:
		return body, nil
	case Zip:
		return unzipMember(body, m.member())
	case TarXz:
		xr, err := xz.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("opening xz: %w", err)
		}
		tr := tar.NewReader(xr)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("reading tar: %w", err)
			}
			if hdr.Typeflag == tar.TypeReg && path.Base(hdr.Name) == m.member() {
				return io.ReadAll(tr)
			}
		}
		return nil, fmt.Errorf("%s not in archive", m.member())
	}
	return nil, fmt.Errorf("unknown format %d", m.Format)
}

func unzipMember(body []byte, name string) ([]byte, error) {
	z, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}
	for _, f := range z.File {
		if path.Base(f.Name) != name || f.FileInfo().IsDir() {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return nil, fmt.Errorf("%s not in archive", name)
}

func (f *Fetcher) versionMarker(ctx context.Context, url string) ([]byte, error) {
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	sha, err := unzipMember(body, "latest_build_sha.txt")
	if err != nil {
		return nil, err
	}
	num, err := unzipMember(body, "latest_build_num.txt")
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("Version: %s-%s", strings.TrimSpace(string(sha)), strings.TrimSpace(string(num)))), nil
}
