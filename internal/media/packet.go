package media

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zachmartin/deltaframe/internal/codec"
	"github.com/zachmartin/deltaframe/internal/compress"
)

// PacketHeaderSize is the size of an encoded frame packet header in bytes
// Type(1) + Flags(1) + Seq(4) + PTS(8) + Width(2) + Height(2) +
// Threshold(1) + BlockCount(4) + Length(4) = 27
const PacketHeaderSize = 27

// PacketFlags contains packet flags
type PacketFlags byte

const (
	FlagZstd PacketFlags = 0x01
)

var (
	ErrPacketTooShort   = errors.New("media: packet too short")
	ErrUnknownFrameType = errors.New("media: unknown frame type")
	ErrPayloadSize      = errors.New("media: payload size mismatch")
	ErrNoDecompressor   = errors.New("media: compressed packet but no decompressor")
)

// MarshalPacket serialises f, compressing the block stream with comp unless
// comp is compress.None.
func MarshalPacket(f *EncodedFrame, comp compress.Codec) ([]byte, error) {
	if f.Type != FrameTypeKey && f.Type != FrameTypeDelta {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownFrameType, byte(f.Type))
	}
	if want := int(f.BlockCount) * codec.BlockSize; len(f.Blocks) != want {
		return nil, fmt.Errorf("%w: %d bytes for %d blocks", ErrPayloadSize, len(f.Blocks), f.BlockCount)
	}

	var flags PacketFlags
	if comp == nil {
		comp = compress.None
	}
	if comp.Name() != compress.None.Name() {
		flags |= FlagZstd
	}

	buf := make([]byte, PacketHeaderSize, PacketHeaderSize+len(f.Blocks))
	buf = comp.Compress(buf, f.Blocks)

	buf[0] = byte(f.Type)
	buf[1] = byte(flags)
	binary.LittleEndian.PutUint32(buf[2:6], f.Seq)
	binary.LittleEndian.PutUint64(buf[6:14], uint64(f.PTS))
	binary.LittleEndian.PutUint16(buf[14:16], f.Width)
	binary.LittleEndian.PutUint16(buf[16:18], f.Height)
	buf[18] = f.Threshold
	binary.LittleEndian.PutUint32(buf[19:23], f.BlockCount)
	binary.LittleEndian.PutUint32(buf[23:27], uint32(len(buf)-PacketHeaderSize))
	return buf, nil
}

// UnmarshalPacket parses a packet produced by MarshalPacket. comp is used
// for payloads carrying FlagZstd.
func UnmarshalPacket(data []byte, comp compress.Codec) (*EncodedFrame, error) {
	if len(data) < PacketHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(data))
	}

	f := &EncodedFrame{
		Type:       FrameType(data[0]),
		Seq:        binary.LittleEndian.Uint32(data[2:6]),
		PTS:        int64(binary.LittleEndian.Uint64(data[6:14])),
		Width:      binary.LittleEndian.Uint16(data[14:16]),
		Height:     binary.LittleEndian.Uint16(data[16:18]),
		Threshold:  data[18],
		BlockCount: binary.LittleEndian.Uint32(data[19:23]),
	}
	if f.Type != FrameTypeKey && f.Type != FrameTypeDelta {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownFrameType, data[0])
	}
	if uint64(f.BlockCount) > uint64(codec.MaxBlocks(f.Height, f.Width)) {
		return nil, fmt.Errorf("%w: %d blocks for %dx%d frame", ErrPayloadSize, f.BlockCount, f.Width, f.Height)
	}

	length := binary.LittleEndian.Uint32(data[23:27])
	payload := data[PacketHeaderSize:]
	if uint64(length) != uint64(len(payload)) {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrPacketTooShort, length, len(payload))
	}

	flags := PacketFlags(data[1])
	if flags&FlagZstd != 0 {
		if comp == nil || comp.Name() == compress.None.Name() {
			return nil, ErrNoDecompressor
		}
		blocks, err := comp.Decompress(nil, payload)
		if err != nil {
			return nil, err
		}
		f.Blocks = blocks
	} else {
		f.Blocks = append([]byte(nil), payload...)
	}

	if want := int(f.BlockCount) * codec.BlockSize; len(f.Blocks) != want {
		return nil, fmt.Errorf("%w: %d bytes for %d blocks", ErrPayloadSize, len(f.Blocks), f.BlockCount)
	}
	return f, nil
}
