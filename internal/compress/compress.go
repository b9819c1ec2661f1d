// Package compress provides the optional payload compression applied to
// encoded frames before they leave the gateway.
package compress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrUnknownCodec is returned by ByName for unsupported names.
var ErrUnknownCodec = errors.New("compress: unknown codec")

// Codec compresses and decompresses whole payloads.
type Codec interface {
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) []byte
	// Decompress appends the decompressed form of src to dst.
	Decompress(dst, src []byte) ([]byte, error)
	// Name returns the configuration name of the codec.
	Name() string
}

// None passes payloads through unchanged.
var None Codec = none{}

type none struct{}

func (none) Compress(dst, src []byte) []byte { return append(dst, src...) }

func (none) Decompress(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }

func (none) Name() string { return "none" }

// Zstd compresses payloads with zstd. Encoder and decoder are shared and
// safe for concurrent use through EncodeAll/DecodeAll.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a zstd codec at the given level.
func NewZstd(level zstd.EncoderLevel) (*Zstd, error) {
	enc, err := zstd.NewWriter(
		nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(level),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(
		nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(MaxDecodedSize),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress: zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

// MaxDecodedSize bounds a single decompressed payload.
const MaxDecodedSize = 256 << 20

func (z *Zstd) Compress(dst, src []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z *Zstd) Decompress(dst, src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd: %w", err)
	}
	return out, nil
}

func (z *Zstd) Name() string { return "zstd" }

// Close releases the encoder and decoder.
func (z *Zstd) Close() {
	z.enc.Close()
	z.dec.Close()
}

// ByName returns the codec for a configuration name ("none" or "zstd").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "zstd":
		return NewZstd(zstd.SpeedDefault)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
