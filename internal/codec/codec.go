// Package codec encodes stored values as canonical CBOR compressed with zstd,
// behind a one-byte format tag so the encoding can change without breaking
// existing databases.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// formatCBORZstd tags values written by this codec.
const formatCBORZstd byte = 1

// ErrUnknownFormat is returned by Unmarshal for values without a known tag.
var ErrUnknownFormat = errors.New("unknown value format")

// Codec marshals values for the embedded key-value stores.
// It is safe for concurrent use.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
	zw  *zstd.Encoder
	zr  *zstd.Decoder
}

// New creates a Codec. It panics only if the fixed encoder options are
// rejected, which is a programming error.
func New() *Codec {
	c, err := newCodec()
	if err != nil {
		panic(fmt.Sprintf("codec: %v", err))
	}
	return c
}

func newCodec() (*Codec, error) {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	zw, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &Codec{enc: enc, dec: dec, zw: zw, zr: zr}, nil
}

// Marshal returns the tagged, compressed CBOR encoding of v. Equal values
// always produce equal bytes.
func (c *Codec) Marshal(v any) ([]byte, error) {
	raw, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return c.zw.EncodeAll(raw, []byte{formatCBORZstd}), nil
}

// Unmarshal decodes data produced by Marshal into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 || data[0] != formatCBORZstd {
		return ErrUnknownFormat
	}
	raw, err := c.zr.DecodeAll(data[1:], nil)
	if err != nil {
		return fmt.Errorf("decompress value: %w", err)
	}
	if err := c.dec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}
