package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd wraps an inner codec and compresses its output with zstd.
//
// Useful for embedded gateways (bolt) holding large payloads. The encoder and
// decoder are stateless across calls (EncodeAll/DecodeAll), so the wrapper is
// safe for concurrent use as long as the inner codec is.
type Zstd struct {
	inner   Codec
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd creates a compressing wrapper around inner. If inner is nil,
// Default is used.
func NewZstd(inner Codec) (*Zstd, error) {
	if inner == nil {
		inner = Default
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Zstd{inner: inner, encoder: enc, decoder: dec}, nil
}

// Marshal encodes the value with the inner codec and compresses the result.
func (z *Zstd) Marshal(v any) ([]byte, error) {
	b, err := z.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return z.encoder.EncodeAll(b, nil), nil
}

// Unmarshal decompresses the data and decodes it with the inner codec.
func (z *Zstd) Unmarshal(data []byte, v any) error {
	b, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress payload: %w", err)
	}
	return z.inner.Unmarshal(b, v)
}

// Name returns the compound codec name, e.g. "zstd+json".
func (z *Zstd) Name() string { return "zstd+" + z.inner.Name() }
