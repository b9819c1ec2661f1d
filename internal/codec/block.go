// Package codec implements the inter-frame block codec.
//
// A frame is a flat buffer of height*width RGB pixels (3 bytes each). The
// encoder compares it against the previous frame and emits a stream of
// 4-byte blocks. A block is either a literal pixel or a run marker that tells
// the decoder to copy the next N pixels from the previous frame.
//
// Block layout (uint32, serialised little-endian):
//
//	bit 24      run flag (0 = literal, 1 = run)
//	bits 0..23  literal: channel 0 << 16 | channel 1 << 8 | channel 2
//	            run:     run length, 1..MaxRun
//
// The stream has no header and no terminator. The block count travels
// out-of-band alongside it.
package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	// Channels is the number of interleaved 8-bit channels per pixel.
	Channels = 3

	// BlockSize is the size of one encoded block in bytes.
	BlockSize = 4

	// RunFlag marks a block as a run of pixels copied from the previous frame.
	RunFlag = 0x1000000

	// MaxRun is the longest run a single block can describe.
	MaxRun = 0xFFFFFF

	// DefaultThreshold is the per-channel tolerance used when none is given.
	DefaultThreshold = 20

	// LegacyThreshold is the tolerance of the older capture builds.
	LegacyThreshold = 50
)

// Pixel holds the three channel values of one pixel.
type Pixel [Channels]byte

// Block is a single encoded 4-byte unit.
type Block uint32

// Kind identifies the variant of a block.
type Kind uint8

const (
	KindLiteral Kind = iota
	KindRun
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindRun:
		return "run"
	default:
		return "unknown"
	}
}

// PackLiteral encodes one pixel as a literal block.
func PackLiteral(p Pixel) Block {
	return Block(uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2]))
}

// PackRun encodes a run of length pixels. Length must be in [1, MaxRun].
func PackRun(length uint32) Block {
	if length == 0 || length > MaxRun {
		panic(fmt.Sprintf("codec: run length %d out of range", length))
	}
	return Block(RunFlag | length)
}

// IsRun reports whether the run flag is set.
func (b Block) IsRun() bool {
	return b&RunFlag != 0
}

// Kind returns the block variant.
func (b Block) Kind() Kind {
	if b.IsRun() {
		return KindRun
	}
	return KindLiteral
}

// RunLength returns the run length field. Zero for literal blocks.
func (b Block) RunLength() uint32 {
	if !b.IsRun() {
		return 0
	}
	return uint32(b) & MaxRun
}

// Pixel returns the literal pixel payload.
func (b Block) Pixel() Pixel {
	return Pixel{byte(b >> 16), byte(b >> 8), byte(b)}
}

// Unpack splits a block into its variant and payload. For literal blocks
// length is zero; for run blocks the pixel is zero.
func (b Block) Unpack() (kind Kind, p Pixel, length uint32) {
	if b.IsRun() {
		return KindRun, Pixel{}, b.RunLength()
	}
	return KindLiteral, b.Pixel(), 0
}

func (b Block) String() string {
	if b.IsRun() {
		return fmt.Sprintf("run(%d)", b.RunLength())
	}
	p := b.Pixel()
	return fmt.Sprintf("literal(%d,%d,%d)", p[0], p[1], p[2])
}

// PutBlock writes b at block index i of stream.
func PutBlock(stream []byte, i int, b Block) {
	binary.LittleEndian.PutUint32(stream[i*BlockSize:], uint32(b))
}

// BlockAt reads the block at block index i of stream.
func BlockAt(stream []byte, i int) Block {
	return Block(binary.LittleEndian.Uint32(stream[i*BlockSize:]))
}

// FrameSize returns the byte length of a height x width frame.
func FrameSize(height, width uint16) int {
	return int(height) * int(width) * Channels
}

// MaxBlocks returns the worst-case block count for a height x width frame,
// one literal per pixel.
func MaxBlocks(height, width uint16) int {
	return int(height) * int(width)
}
