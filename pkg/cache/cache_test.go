package cache

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/palera1n/palera1n/pkg/errs"
	"github.com/palera1n/palera1n/pkg/manifest"
)

func TestIPSWURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/device/iPhone10,3" || r.URL.Query().Get("type") != "ipsw" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"name":"iPhone X","firmwares":[
			{"version":"16.0","buildid":"20A362","url":"https://updates.cdn-apple.com/16.0.ipsw","signed":false},
			{"version":"15.7","buildid":"19H12","url":"https://updates.cdn-apple.com/15.7.ipsw","signed":false}]}`))
	}))
	defer srv.Close()

	c := &Catalog{Client: srv.Client(), API: srv.URL}
	u, err := c.IPSWURL(context.Background(), "iPhone10,3", "15.7")
	if err != nil {
		t.Fatalf("IPSWURL: %v", err)
	}
	if u != "https://updates.cdn-apple.com/15.7.ipsw" {
		t.Errorf("got %q", u)
	}
	if _, err := c.IPSWURL(context.Background(), "iPhone10,3", "15.1"); !errs.Is(err, errs.Connectivity) {
		t.Errorf("unknown version: got %v", err)
	}
	if _, err := c.IPSWURL(context.Background(), "iPhone99,1", "15.7"); !errs.Is(err, errs.Connectivity) {
		t.Errorf("unknown device: got %v", err)
	}
}

func TestIPSWURLUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	c := &Catalog{API: srv.URL}
	if _, err := c.IPSWURL(context.Background(), "iPhone10,3", "15.7"); !errs.Is(err, errs.Connectivity) {
		t.Errorf("got %v", err)
	}
}

func ipswFixture(t *testing.T) []byte {
	t.Helper()
	bm, err := plist.Marshal(&manifest.BuildManifest{
		ProductVersion: "15.7",
		BuildIdentities: []manifest.BuildIdentity{{
			ApChipID: "0x8015",
			Info:     manifest.IdentityInfo{DeviceClass: "d22ap", RestoreBehavior: "Erase"},
			Manifest: map[string]manifest.IdentityManifest{
				manifest.IBSS: {Info: manifest.ComponentInfo{Path: "Firmware/dfu/iBSS.d22.RELEASE.im4p"}},
			},
		}},
	}, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range map[string][]byte{
		"BuildManifest.plist":                bm,
		"Firmware/dfu/iBSS.d22.RELEASE.im4p": []byte("ibss payload"),
	} {
		w, _ := zw.Create(name)
		w.Write(content)
	}
	zw.Close()
	return buf.Bytes()
}

func checkIPSW(t *testing.T, ipsw *IPSW) {
	t.Helper()
	bm, err := ipsw.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	bi, err := bm.Resolve("0x8015", manifest.Erase)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	p, _ := bi.PathFor(manifest.IBSS)
	dir := t.TempDir()
	dst, err := ipsw.Extract(p, dir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if dst != filepath.Join(dir, "iBSS.d22.RELEASE.im4p") {
		t.Errorf("extracted to %q", dst)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "ibss payload" {
		t.Errorf("content %q", data)
	}
	if _, err := ipsw.ReadFile("Firmware/all_flash/missing.im4p"); !errs.Is(err, errs.Manifest) {
		t.Errorf("missing member: got %v", err)
	}
}

func TestOpenLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iPhone10,3_15.7_19H12_Restore.ipsw")
	os.WriteFile(path, ipswFixture(t), 0644)
	ipsw, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ipsw.Close()
	checkIPSW(t, ipsw)
}

func TestOpenRemote(t *testing.T) {
	data := ipswFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Range reads need a validator to detect the file changing under us.
		w.Header().Set("ETag", `"fw-19H12"`)
		http.ServeContent(w, r, "fw.ipsw", time.Date(2022, 9, 12, 0, 0, 0, 0, time.UTC), bytes.NewReader(data))
	}))
	defer srv.Close()

	ipsw, err := Open(context.Background(), srv.URL+"/fw.ipsw", srv.Client())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ipsw.Close()
	checkIPSW(t, ipsw)
}

func TestImages(t *testing.T) {
	im := Images{Dir: filepath.Join(t.TempDir(), "boot", "iPhone10,3-15.7")}
	if im.Complete("iBSS.img4") {
		t.Fatalf("empty store reported complete")
	}
	src := filepath.Join(t.TempDir(), "iBSS.img4")
	os.WriteFile(src, []byte("img4"), 0644)
	if err := im.Store(src, "iBSS.img4"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !im.Complete("iBSS.img4") {
		t.Errorf("stored image not found")
	}
	if im.Complete("iBSS.img4", "iBEC.img4") {
		t.Errorf("partial store reported complete")
	}
}
