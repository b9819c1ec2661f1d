package codec

import "fmt"

// Decode rebuilds a height x width frame from the first count blocks of
// blocks. prev is required when the stream contains run blocks.
func Decode(blocks []byte, count uint32, prev []byte, height, width uint16) ([]byte, error) {
	dst := make([]byte, FrameSize(height, width))
	if err := DecodeInto(dst, blocks, count, prev, height, width); err != nil {
		return nil, err
	}
	return dst, nil
}

// DecodeInto is Decode writing into a caller-owned frame buffer. dst may be
// prev itself, in which case runs leave the pixels in place.
//
// DecodeInto is stricter than a decoder that stops once the frame is full:
// blocks left over after the last pixel, and blocks with any of bits 25-31
// set, fail with ErrCorruptStream.
func DecodeInto(dst, blocks []byte, count uint32, prev []byte, height, width uint16) error {
	size := FrameSize(height, width)
	if len(dst) != size {
		return fmt.Errorf("%w: output frame is %d bytes, want %d (%dx%d)",
			ErrInvalidDimensions, len(dst), size, width, height)
	}
	if prev != nil && len(prev) != size {
		return fmt.Errorf("%w: previous frame is %d bytes, want %d (%dx%d)",
			ErrInvalidDimensions, len(prev), size, width, height)
	}
	if avail := len(blocks) / BlockSize; uint64(count) > uint64(avail) {
		return fmt.Errorf("%w: block count %d exceeds %d blocks in stream",
			ErrTruncatedStream, count, avail)
	}

	cursor := 0
	i := 0
	for ; i < int(count) && cursor < size; i++ {
		b := BlockAt(blocks, i)
		if b>>25 != 0 {
			return fmt.Errorf("%w: reserved bits set in block %d (%#08x)", ErrCorruptStream, i, uint32(b))
		}
		if !b.IsRun() {
			p := b.Pixel()
			dst[cursor] = p[0]
			dst[cursor+1] = p[1]
			dst[cursor+2] = p[2]
			cursor += Channels
			continue
		}

		if prev == nil {
			return fmt.Errorf("%w: block %d", ErrMissingReference, i)
		}
		length := int(b.RunLength())
		if length == 0 {
			return fmt.Errorf("%w: zero-length run at block %d", ErrCorruptStream, i)
		}
		end := cursor + length*Channels
		if end > size {
			return fmt.Errorf("%w: run of %d pixels at block %d overflows frame",
				ErrCorruptStream, length, i)
		}
		copy(dst[cursor:end], prev[cursor:end])
		cursor = end
	}

	if cursor < size {
		return fmt.Errorf("%w: %d of %d pixels decoded from %d blocks",
			ErrTruncatedStream, cursor/Channels, size/Channels, count)
	}
	if i < int(count) {
		return fmt.Errorf("%w: %d trailing blocks after full frame",
			ErrCorruptStream, int(count)-i)
	}
	return nil
}

// Decoder reuses its output frame across Decode calls. It is not safe for
// concurrent use. The returned frame is overwritten by the next call.
type Decoder struct {
	frame []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode rebuilds a frame into the decoder's buffer.
func (d *Decoder) Decode(blocks []byte, count uint32, prev []byte, height, width uint16) ([]byte, error) {
	size := FrameSize(height, width)
	if cap(d.frame) < size {
		d.frame = make([]byte, size)
	}
	d.frame = d.frame[:size]
	if err := DecodeInto(d.frame, blocks, count, prev, height, width); err != nil {
		return nil, err
	}
	return d.frame, nil
}
