package img4

import (
	"bytes"
	"encoding/asn1"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"
)

func testTicket(t *testing.T) []byte {
	t.Helper()
	ticket, err := asn1.Marshal(struct {
		Name    string `asn1:"ia5"`
		Version int
	}{"IM4M", 0})
	if err != nil {
		t.Fatalf("marshal ticket: %v", err)
	}
	return ticket
}

func TestWrapRaw(t *testing.T) {
	raw := []byte("\x00\x00\x00\x14iBoot for d10, Copyright 2007-2021, Apple Inc.")
	p, err := Wrap(raw, "ibss")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if p.Type != "ibss" || !bytes.Equal(p.Data, raw) {
		t.Errorf("unexpected payload %+v", p)
	}
	if _, err := Wrap(raw, "ibssx"); err == nil {
		t.Errorf("five character type should be rejected")
	}
}

func TestWrapRetagsIm4p(t *testing.T) {
	orig := &Payload{Type: "krnl", Description: "KernelCacheBuilder-2", Data: []byte("kernel"), Keybag: []byte("kbag")}
	data, err := orig.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	p, err := Wrap(data, "rkrn")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if p.Type != "rkrn" || p.Description != "KernelCacheBuilder-2" || string(p.Data) != "kernel" || p.Keybag != nil {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestBuild(t *testing.T) {
	ticket := testTicket(t)
	p := &Payload{Type: "rdtr", Description: "Image4", Data: []byte("devicetree")}
	out, err := Build(p, ticket)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var outer img4
	if _, err := asn1.Unmarshal(out, &outer); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if outer.Name != "IMG4" {
		t.Errorf("magic %q", outer.Name)
	}
	if outer.Manifest.Class != asn1.ClassContextSpecific || outer.Manifest.Tag != 0 || !bytes.Equal(outer.Manifest.Bytes, ticket) {
		t.Errorf("manifest not stored as [0] explicit: %+v", outer.Manifest)
	}

	back, err := ParsePayload(out)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if back.Type != "rdtr" || string(back.Data) != "devicetree" {
		t.Errorf("unexpected payload %+v", back)
	}
}

func TestBuildRejectsBadTicket(t *testing.T) {
	if _, err := Build(&Payload{Type: "ibec", Data: []byte{1}}, []byte("not der")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecompressed(t *testing.T) {
	p := &Payload{Data: []byte("plain")}
	got, err := p.Decompressed()
	if err != nil || string(got) != "plain" {
		t.Fatalf("passthrough: %q, %v", got, err)
	}

	var h compHeader
	copy(h.Magic[:], "comp")
	copy(h.Compression[:], "lzss")
	h.CompressedSize = 0x1000
	h.UncompressedSize = 0x2000
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, &h)
	buf.Write([]byte{1, 2, 3})
	p = &Payload{Data: buf.Bytes()}
	if _, err := p.Decompressed(); err == nil {
		t.Fatalf("truncated lzss payload should fail")
	}
}

func TestLoadTicket(t *testing.T) {
	ticket := testTicket(t)
	dir := t.TempDir()

	shsh2 := filepath.Join(dir, "0x8010.shsh2")
	data, err := plist.Marshal(map[string]interface{}{
		"ApImg4Ticket": ticket,
		"generator":    "0x1111111111111111",
	}, plist.XMLFormat)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	os.WriteFile(shsh2, data, 0644)

	der := filepath.Join(dir, "apticket.der")
	os.WriteFile(der, ticket, 0644)

	for _, p := range []string{shsh2, der} {
		got, err := LoadTicket(p)
		if err != nil {
			t.Fatalf("LoadTicket(%s): %v", p, err)
		}
		if !bytes.Equal(got, ticket) {
			t.Errorf("LoadTicket(%s): wrong ticket", p)
		}
	}

	empty := filepath.Join(dir, "empty.shsh2")
	data, _ = plist.Marshal(map[string]interface{}{"generator": "0x1"}, plist.XMLFormat)
	os.WriteFile(empty, data, 0644)
	if _, err := LoadTicket(empty); err == nil {
		t.Errorf("blob without ticket should fail")
	}
}

func TestRepackage(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "iBEC.patched")
	out := filepath.Join(dir, "iBEC.img4")
	os.WriteFile(in, []byte("patched ibec"), 0644)
	if err := Repackage(in, out, "ibec", testTicket(t)); err != nil {
		t.Fatalf("Repackage: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	p, err := ParsePayload(data)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if p.Type != "ibec" || string(p.Data) != "patched ibec" {
		t.Errorf("unexpected payload %+v", p)
	}
}
