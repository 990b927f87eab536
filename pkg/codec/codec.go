// Package codec implements the wire codec for broker envelopes: a
// gob-based binary encoding registered with grpc's encoding package, plus
// the transparent-compression helper used above the broker's size
// threshold (spec.md §4.A, §6).
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"

	"google.golang.org/grpc/encoding"
)

// Name is the codec name registered with grpc's global encoding registry.
// It is deliberately not "proto": every channel in this repo carries
// gob-encoded Envelope values, never protobuf messages.
const Name = "meshctrl-gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec adapts encoding/gob to grpc's encoding.Codec interface so the
// broker's envelope transport never depends on a .proto toolchain.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("codec: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("codec: gob decode: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return Name }

// CompressionThreshold is the default payload size above which Compress
// gzips the body before it is placed on the wire (spec.md §4.A).
const CompressionThreshold = 1024

// Compress gzips body when it exceeds CompressionThreshold, reporting
// whether compression was applied.
func Compress(body []byte) (out []byte, compressed bool, err error) {
	if len(body) <= CompressionThreshold {
		return body, false, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, false, fmt.Errorf("codec: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("codec: gzip close: %w", err)
	}
	// Compression only pays off if it actually shrinks the payload; tiny
	// or already-dense bodies can come out larger once gzip framing is
	// added, so fall back to raw in that case.
	if buf.Len() >= len(body) {
		return body, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress reverses Compress.
func Decompress(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("codec: gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: gzip read: %w", err)
	}
	return out, nil
}
