// Package pack implements the at-rest segment format for checkpoint
// content.
//
// A segment bundles the file contents introduced by one checkpoint into a
// single compressed blob: a 4-byte big-endian header length, a JSON header
// describing the spans, then the zstd-compressed concatenation of the raw
// contents. The header carries a blake3 checksum of the uncompressed
// payload and every span carries the digest of its object, so corruption
// is caught before content reaches a working tree.
package pack

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// Version is the current segment format version.
const Version = 1

// headerLimit bounds the declared header size so a corrupt length prefix
// cannot drive a huge allocation.
const headerLimit = 16 << 20

// Object is one piece of content addressed by its blake3 digest.
type Object struct {
	Digest  string
	Content []byte
}

// Span locates one object inside a segment's uncompressed payload.
type Span struct {
	Digest string `json:"digest"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Header describes a segment's contents.
type Header struct {
	Version  int    `json:"version"`
	Checksum string `json:"checksum"` // blake3 of the uncompressed payload
	Spans    []Span `json:"spans"`
}

// Digest returns the lowercase hex blake3-256 digest of content. Every
// object in the engine is addressed by this value.
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Build assembles a segment from objects, preserving their order, and
// returns the encoded segment alongside the spans it assigned. Object
// digests are trusted as given; callers compute them with Digest.
func Build(objects []Object) ([]byte, []Span, error) {
	spans := make([]Span, 0, len(objects))
	var payload []byte
	for _, obj := range objects {
		spans = append(spans, Span{
			Digest: obj.Digest,
			Offset: int64(len(payload)),
			Length: int64(len(obj.Content)),
		})
		payload = append(payload, obj.Content...)
	}

	header := Header{
		Version:  Version,
		Checksum: Digest(payload),
		Spans:    spans,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal segment header: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create zstd writer: %w", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(payload, nil)

	out := make([]byte, 0, 4+len(headerJSON)+len(compressed))
	out = binary.BigEndian.AppendUint32(out, uint32(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, compressed...)
	return out, spans, nil
}

// Open parses and verifies a segment, returning its header and the
// uncompressed payload.
func Open(data []byte) (*Header, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("segment too short: %d bytes", len(data))
	}
	headerLen := binary.BigEndian.Uint32(data[:4])
	if headerLen > headerLimit || int(headerLen) > len(data)-4 {
		return nil, nil, fmt.Errorf("segment header length %d out of range", headerLen)
	}

	var header Header
	if err := json.Unmarshal(data[4:4+headerLen], &header); err != nil {
		return nil, nil, fmt.Errorf("parse segment header: %w", err)
	}
	if header.Version != Version {
		return nil, nil, fmt.Errorf("unsupported segment version %d", header.Version)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(data[4+headerLen:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress segment: %w", err)
	}

	if got := Digest(payload); got != header.Checksum {
		return nil, nil, fmt.Errorf("segment checksum mismatch: header %s, payload %s", header.Checksum, got)
	}
	for _, sp := range header.Spans {
		if sp.Offset < 0 || sp.Length < 0 || sp.Offset+sp.Length > int64(len(payload)) {
			return nil, nil, fmt.Errorf("span %s out of bounds", sp.Digest)
		}
	}
	return &header, payload, nil
}

// Extract copies one object out of an opened payload and verifies its
// digest.
func Extract(payload []byte, sp Span) ([]byte, error) {
	if sp.Offset < 0 || sp.Length < 0 || sp.Offset+sp.Length > int64(len(payload)) {
		return nil, fmt.Errorf("span %s out of bounds", sp.Digest)
	}
	content := make([]byte, sp.Length)
	copy(content, payload[sp.Offset:sp.Offset+sp.Length])
	if got := Digest(content); got != sp.Digest {
		return nil, fmt.Errorf("object %s corrupt: content digest %s", sp.Digest, got)
	}
	return content, nil
}

// FindSpan locates the span for digest, if the segment holds it.
func FindSpan(h *Header, digest string) (Span, bool) {
	for _, sp := range h.Spans {
		if sp.Digest == digest {
			return sp, true
		}
	}
	return Span{}, false
}
