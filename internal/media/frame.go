package media

import (
	"image"

	"github.com/zachmartin/deltaframe/internal/codec"
)

// FrameType identifies the type of encoded frame
type FrameType byte

const (
	FrameTypeKey   FrameType = 0x01 // encoded without a reference frame
	FrameTypeDelta FrameType = 0x02 // encoded against the previous reconstruction
)

// RawType identifies the pixel layout of a raw frame on the IPC socket
type RawType byte

const (
	RawTypeRGB24 RawType = 0x01
)

// RawFlags contains raw frame metadata flags
type RawFlags byte

const (
	FlagRequestKeyframe RawFlags = 0x01
)

// RawFrame is an uncompressed RGB24 frame from a source.
type RawFrame struct {
	Seq    uint32
	PTS    int64 // presentation timestamp in microseconds
	Width  uint16
	Height uint16
	Pix    []byte // height*width*3 bytes, raster order

	// ForceKeyframe asks the pipeline not to diff this frame.
	ForceKeyframe bool
}

// EncodedFrame is one frame's block stream plus the metadata needed to
// decode it.
type EncodedFrame struct {
	Type       FrameType
	Seq        uint32
	PTS        int64
	Width      uint16
	Height     uint16
	Threshold  uint8
	BlockCount uint32
	Blocks     []byte // BlockCount*4 bytes
}

// IsKeyFrame reports whether the frame decodes without a reference.
func (f *EncodedFrame) IsKeyFrame() bool {
	return f.Type == FrameTypeKey
}

// RawHeaderSize is the size of the IPC raw frame header in bytes
// Type(1) + Flags(1) + PTS(8) + Width(2) + Height(2) + Length(4) = 18
const RawHeaderSize = 18

// MaxRawFrameSize caps a single IPC payload.
const MaxRawFrameSize = 64 * 1024 * 1024

func (t FrameType) String() string {
	switch t {
	case FrameTypeKey:
		return "key"
	case FrameTypeDelta:
		return "delta"
	default:
		return "unknown"
	}
}

func (t RawType) String() string {
	switch t {
	case RawTypeRGB24:
		return "RGB24"
	default:
		return "unknown"
	}
}

// ToRGBA converts a packed RGB24 buffer into an *image.RGBA.
func ToRGBA(pix []byte, width, height uint16) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	n := int(width) * int(height)
	for i := 0; i < n && i*codec.Channels+2 < len(pix); i++ {
		s := i * codec.Channels
		d := i * 4
		img.Pix[d] = pix[s]
		img.Pix[d+1] = pix[s+1]
		img.Pix[d+2] = pix[s+2]
		img.Pix[d+3] = 0xff
	}
	return img
}
