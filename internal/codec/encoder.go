package codec

import "fmt"

// Stream is an encoded frame. Blocks holds exactly Count blocks.
type Stream struct {
	Blocks []byte
	Count  uint32
}

// Runs returns the number of run blocks in the stream.
func (s *Stream) Runs() int {
	runs := 0
	for i := 0; i < int(s.Count); i++ {
		if BlockAt(s.Blocks, i).IsRun() {
			runs++
		}
	}
	return runs
}

// Encode compresses cur against prev. A nil prev encodes every pixel as a
// literal. The returned stream is freshly allocated.
func Encode(cur, prev []byte, height, width uint16, threshold uint8) (*Stream, error) {
	if err := checkFrames(cur, prev, height, width); err != nil {
		return nil, err
	}
	buf := make([]byte, MaxBlocks(height, width)*BlockSize)
	n := encodePixels(buf, cur, prev, threshold)
	return &Stream{Blocks: buf[:int(n)*BlockSize], Count: n}, nil
}

// EncodeInto compresses cur against prev into dst and returns the number of
// blocks written. dst must hold at least height*width blocks.
func EncodeInto(dst, cur, prev []byte, height, width uint16, threshold uint8) (uint32, error) {
	if err := checkFrames(cur, prev, height, width); err != nil {
		return 0, err
	}
	if need := MaxBlocks(height, width) * BlockSize; len(dst) < need {
		return 0, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(dst), need)
	}
	return encodePixels(dst, cur, prev, threshold), nil
}

// Encoder reuses its output buffer across Encode calls. It is not safe for
// concurrent use. The returned stream aliases the internal buffer and is
// overwritten by the next call.
type Encoder struct {
	Threshold uint8

	buf []byte
}

// NewEncoder returns an Encoder using threshold.
func NewEncoder(threshold uint8) *Encoder {
	return &Encoder{Threshold: threshold}
}

// Encode compresses cur against prev using the encoder's threshold.
func (e *Encoder) Encode(cur, prev []byte, height, width uint16) (*Stream, error) {
	if err := checkFrames(cur, prev, height, width); err != nil {
		return nil, err
	}
	need := MaxBlocks(height, width) * BlockSize
	if cap(e.buf) < need {
		e.buf = make([]byte, need)
	}
	e.buf = e.buf[:need]
	n := encodePixels(e.buf, cur, prev, e.Threshold)
	return &Stream{Blocks: e.buf[:int(n)*BlockSize], Count: n}, nil
}

func checkFrames(cur, prev []byte, height, width uint16) error {
	size := FrameSize(height, width)
	if len(cur) != size {
		return fmt.Errorf("%w: current frame is %d bytes, want %d (%dx%d)",
			ErrInvalidDimensions, len(cur), size, width, height)
	}
	if prev != nil && len(prev) != size {
		return fmt.Errorf("%w: previous frame is %d bytes, want %d (%dx%d)",
			ErrInvalidDimensions, len(prev), size, width, height)
	}
	return nil
}

// encodePixels writes the block stream for cur into dst and returns the
// block count. len(cur) must be a multiple of Channels, prev is nil or the
// same length, and dst holds one block per pixel.
func encodePixels(dst, cur, prev []byte, threshold uint8) uint32 {
	pixels := len(cur) / Channels

	if prev == nil {
		for i := 0; i < pixels; i++ {
			o := i * Channels
			PutBlock(dst, i, PackLiteral(Pixel{cur[o], cur[o+1], cur[o+2]}))
		}
		return uint32(pixels)
	}

	t := int(threshold)
	n := 0
	var run uint32

	for i := 0; i < pixels; i++ {
		o := i * Channels
		if similar(cur[o], prev[o], t) && similar(cur[o+1], prev[o+1], t) && similar(cur[o+2], prev[o+2], t) {
			run++
			if run == MaxRun {
				PutBlock(dst, n, PackRun(run))
				n++
				run = 0
			}
			continue
		}

		if run > 0 {
			PutBlock(dst, n, PackRun(run))
			n++
			run = 0
		}
		PutBlock(dst, n, PackLiteral(Pixel{cur[o], cur[o+1], cur[o+2]}))
		n++
	}

	if run > 0 {
		PutBlock(dst, n, PackRun(run))
		n++
	}
	return uint32(n)
}

// similar compares on the signed difference. An unsigned subtraction would
// wrap and let large differences through.
func similar(a, b byte, threshold int) bool {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d <= threshold
}
