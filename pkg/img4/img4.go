// Package img4 wraps boot-chain payloads into personalized IMG4 containers
// and extracts raw payloads out of IM4Ps.
package img4

import (
	"bytes"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/blacktop/lzfse-cgo"
	"github.com/blacktop/lzss"
	"github.com/golang/glog"
	"howett.net/plist"
)

type im4p struct {
	Name        string `asn1:"ia5"`
	Type        string `asn1:"ia5"`
	Description string `asn1:"ia5"`
	Data        []byte
	KbagData    []byte `asn1:"optional"`
}

// img4 is the outer container. Manifest is the [0] tagged IM4M; the
// optional [1] IM4R restore info is never needed and ignored on parse.
type img4 struct {
	Name     string `asn1:"ia5"`
	Payload  asn1.RawValue
	Manifest asn1.RawValue `asn1:"optional"`
}

// Payload is an IM4P: a typed, optionally encrypted, optionally compressed
// firmware blob.
type Payload struct {
	// Type is the four character code, eg. "ibss" or "rkrn".
	Type        string
	Description string
	Data        []byte
	Keybag      []byte
}

// ParsePayload parses an IM4P, or the IM4P inside an IMG4.
func ParsePayload(data []byte) (*Payload, error) {
	var outer img4
	if _, err := asn1.Unmarshal(data, &outer); err == nil && outer.Name == "IMG4" {
		data = outer.Payload.FullBytes
	}
	var p im4p
	if _, err := asn1.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing IM4P: %w", err)
	}
	if p.Name != "IM4P" {
		return nil, fmt.Errorf("not an IM4P (magic %q)", p.Name)
	}
	res := &Payload{
		Type:        p.Type,
		Description: p.Description,
		Data:        p.Data,
		Keybag:      p.KbagData,
	}
	return res, nil
}

// Wrap returns data as a payload of the given type. If data already is an
// IM4P its payload is re-tagged and the keybag dropped, as tools only ever
// hand us decrypted payloads. Anything else is taken as the raw payload.
func Wrap(data []byte, fourcc string) (*Payload, error) {
	if len(fourcc) != 4 {
		return nil, fmt.Errorf("invalid type %q: must be four characters", fourcc)
	}
	p, err := ParsePayload(data)
	if err != nil {
		return &Payload{Type: fourcc, Description: "Image4", Data: data}, nil
	}
	return &Payload{Type: fourcc, Description: p.Description, Data: p.Data}, nil
}

func (p *Payload) Marshal() ([]byte, error) {
	return asn1.Marshal(im4p{
		Name:        "IM4P",
		Type:        p.Type,
		Description: p.Description,
		Data:        p.Data,
		KbagData:    p.Keybag,
	})
}

// compHeader is the header of an lzss compressed kernelcache.
type compHeader struct {
	Magic            [4]byte // "comp"
	Compression      [4]byte // "lzss"
	Checksum         uint32
	UncompressedSize uint32
	CompressedSize   uint32
	Padding          [0x16c]byte
}

// Decompressed returns the payload with any lzss or lzfse compression
// removed. Uncompressed payloads are returned as is.
func (p *Payload) Decompressed() ([]byte, error) {
	switch {
	case bytes.HasPrefix(p.Data, []byte("complzss")):
		var h compHeader
		if err := binary.Read(bytes.NewReader(p.Data), binary.BigEndian, &h); err != nil {
			return nil, fmt.Errorf("reading lzss header: %w", err)
		}
		start := binary.Size(h)
		end := start + int(h.CompressedSize)
		if end > len(p.Data) {
			return nil, fmt.Errorf("compressed size %d exceeds payload size %d", h.CompressedSize, len(p.Data)-start)
		}
		dec := lzss.Decompress(p.Data[start:end])
		if len(dec) < int(h.UncompressedSize) {
			return nil, fmt.Errorf("lzss: got %d bytes, want %d", len(dec), h.UncompressedSize)
		}
		return dec[:h.UncompressedSize], nil
	case bytes.HasPrefix(p.Data, []byte("bvx2")):
		dec := lzfse.DecodeBuffer(p.Data)
		if len(dec) == 0 {
			return nil, fmt.Errorf("lzfse decompression failed")
		}
		return dec, nil
	}
	return p.Data, nil
}

// Build personalizes a payload with an IM4M ticket into an IMG4.
func Build(p *Payload, ticket []byte) ([]byte, error) {
	payload, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling IM4P: %w", err)
	}
	var check asn1.RawValue
	if _, err := asn1.Unmarshal(ticket, &check); err != nil {
		return nil, fmt.Errorf("invalid IM4M: %w", err)
	}
	return asn1.Marshal(img4{
		Name:    "IMG4",
		Payload: asn1.RawValue{FullBytes: payload},
		Manifest: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      ticket,
		},
	})
}

type shsh struct {
	ApImg4Ticket []byte `plist:"ApImg4Ticket"`
}

// LoadTicket reads an IM4M, either from a SHSH blob plist (its ApImg4Ticket)
// or from a raw DER file such as apticket.der.
func LoadTicket(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 && data[0] == 0x30 {
		return data, nil
	}
	var s shsh
	if _, err := plist.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(s.ApImg4Ticket) == 0 {
		return nil, fmt.Errorf("%s has no ApImg4Ticket", path)
	}
	return s.ApImg4Ticket, nil
}

// Repackage reads in, wraps it with the given type and ticket, and writes
// the IMG4 to out.
func Repackage(in, out, fourcc string, ticket []byte) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	p, err := Wrap(data, fourcc)
	if err != nil {
		return err
	}
	res, err := Build(p, ticket)
	if err != nil {
		return err
	}
	glog.V(1).Infof("img4: %s -> %s (%s)", in, out, fourcc)
	return os.WriteFile(out, res, 0644)
}

// ExtractRaw writes the decompressed payload of the IM4P at in to out.
func ExtractRaw(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	p, err := ParsePayload(data)
	if err != nil {
		return err
	}
	raw, err := p.Decompressed()
	if err != nil {
		return fmt.Errorf("decompressing %s: %w", in, err)
	}
	glog.V(1).Infof("img4: extracted %s -> %s", in, out)
	return os.WriteFile(out, raw, 0644)
}
