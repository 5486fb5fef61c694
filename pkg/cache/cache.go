// Package cache locates and reads firmware: the ipsw.me catalog, IPSW
// archives (local or fetched piecewise over HTTP range requests), and the
// per-device store of built boot images.
package cache

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/ranger"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/errs"
	"github.com/palera1n/palera1n/pkg/manifest"
)

const DefaultAPI = "https://api.ipsw.me/v4"

// Firmware is one IPSW listed by ipsw.me for a device.
type Firmware struct {
	Version string `json:"version"`
	BuildID string `json:"buildid"`
	URL     string `json:"url"`
	Signed  bool   `json:"signed"`
}

type Catalog struct {
	Client *http.Client
	// API is the ipsw.me v4 base URL.
	API string
}

func (c *Catalog) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// Firmwares lists the IPSWs of a product type, eg. "iPhone10,3".
func (c *Catalog) Firmwares(ctx context.Context, productType string) ([]Firmware, error) {
	api := c.API
	if api == "" {
		api = DefaultAPI
	}
	u := fmt.Sprintf("%s/device/%s?type=ipsw", api, url.PathEscape(productType))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("Fetching firmware list from %s", u)
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, errs.New(errs.Connectivity, "ipsw.me", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Errorf(errs.Connectivity, "ipsw.me", "GET %s: %s", u, resp.Status)
	}
	var dev struct {
		Firmwares []Firmware `json:"firmwares"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dev); err != nil {
		return nil, errs.New(errs.Connectivity, "ipsw.me", fmt.Errorf("decoding response: %w", err))
	}
	return dev.Firmwares, nil
}

// IPSWURL returns the download URL of the IPSW for a product type and iOS
// version.
func (c *Catalog) IPSWURL(ctx context.Context, productType, version string) (string, error) {
	fws, err := c.Firmwares(ctx, productType)
	if err != nil {
		return "", err
	}
	for _, fw := range fws {
		if fw.Version == version && fw.URL != "" {
			return fw.URL, nil
		}
	}
	return "", errs.Errorf(errs.Connectivity, "ipsw.me", "no IPSW for %s %s, please supply one with --ipsw", productType, version)
}

// IPSW is an open firmware archive.
type IPSW struct {
	Source string
	zr     *zip.Reader
	closer io.Closer
}

// Open opens an IPSW from a local path or an http(s) URL. Remote archives
// are read with range requests, so only the members used are downloaded.
func Open(ctx context.Context, source string, client *http.Client) (*IPSW, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		zr, err := zip.OpenReader(source)
		if err != nil {
			return nil, errs.New(errs.Manifest, "open IPSW", err)
		}
		return &IPSW{Source: source, zr: &zr.Reader, closer: zr}, nil
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, errs.New(errs.Connectivity, "open IPSW", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	reader, err := ranger.NewReader(&ranger.HTTPRanger{
		URL:       u,
		UserAgent: "palera1n",
		Client:    client,
	})
	if err != nil {
		return nil, errs.New(errs.Connectivity, "open IPSW", fmt.Errorf("creating range reader: %w", err))
	}
	length, err := reader.Length()
	if err != nil {
		return nil, errs.New(errs.Connectivity, "open IPSW", fmt.Errorf("getting length: %w", err))
	}
	glog.Infof("Opened remote IPSW %s (%s)", source, humanize.Bytes(uint64(length)))
	zr, err := zip.NewReader(reader, length)
	if err != nil {
		return nil, errs.New(errs.Connectivity, "open IPSW", fmt.Errorf("reading zip directory: %w", err))
	}
	return &IPSW{Source: source, zr: zr}, nil
}

func (i *IPSW) Close() error {
	if i.closer != nil {
		return i.closer.Close()
	}
	return nil
}

func (i *IPSW) open(name string) (io.ReadCloser, error) {
	f, err := i.zr.Open(name)
	if err != nil {
		return nil, errs.New(errs.Manifest, "read IPSW", fmt.Errorf("%s: %w", name, err))
	}
	return f, nil
}

// ReadFile returns an archive member.
func (i *IPSW) ReadFile(name string) ([]byte, error) {
	f, err := i.open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Manifest reads and parses BuildManifest.plist.
func (i *IPSW) Manifest() (*manifest.BuildManifest, error) {
	data, err := i.ReadFile("BuildManifest.plist")
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

// Extract copies an archive member into dir under its flattened name and
// returns the resulting path.
func (i *IPSW) Extract(name, dir string) (string, error) {
	f, err := i.open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dst := filepath.Join(dir, filepath.FromSlash(manifest.Flatten(name)))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, f)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", name, err)
	}
	glog.V(1).Infof("Extracted %s (%s)", name, humanize.Bytes(uint64(n)))
	return dst, nil
}
