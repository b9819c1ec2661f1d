package media

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/zachmartin/deltaframe/internal/codec"
)

// ErrSequenceGap is returned when a delta frame does not follow the last
// applied frame. The reference is dropped until the next keyframe.
var ErrSequenceGap = errors.New("media: sequence gap")

// Reconstructor holds the receiver-side reference frame and applies encoded
// frames to it in order.
type Reconstructor struct {
	mu sync.Mutex

	ref     []byte
	width   uint16
	height  uint16
	lastSeq uint32
	hasRef  bool
}

// NewReconstructor returns a Reconstructor waiting for its first keyframe.
func NewReconstructor() *Reconstructor {
	return &Reconstructor{}
}

// Apply decodes f against the current reference and makes the result the
// new reference.
func (r *Reconstructor) Apply(f *EncodedFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch f.Type {
	case FrameTypeKey:
		frame, err := codec.Decode(f.Blocks, f.BlockCount, nil, f.Height, f.Width)
		if err != nil {
			return fmt.Errorf("keyframe %d: %w", f.Seq, err)
		}
		r.ref = frame
		r.width, r.height = f.Width, f.Height
		r.lastSeq = f.Seq
		r.hasRef = true
		return nil

	case FrameTypeDelta:
		if !r.hasRef {
			return fmt.Errorf("delta frame %d before keyframe: %w", f.Seq, codec.ErrMissingReference)
		}
		if f.Width != r.width || f.Height != r.height {
			r.hasRef = false
			return fmt.Errorf("delta frame %d is %dx%d, reference is %dx%d: %w",
				f.Seq, f.Width, f.Height, r.width, r.height, codec.ErrMissingReference)
		}
		if f.Seq != r.lastSeq+1 {
			r.hasRef = false
			return fmt.Errorf("%w: got %d after %d", ErrSequenceGap, f.Seq, r.lastSeq)
		}
		// Runs copy in place, so the reference doubles as the output.
		if err := codec.DecodeInto(r.ref, f.Blocks, f.BlockCount, r.ref, f.Height, f.Width); err != nil {
			r.hasRef = false
			return fmt.Errorf("delta frame %d: %w", f.Seq, err)
		}
		r.lastSeq = f.Seq
		return nil

	default:
		return fmt.Errorf("%w: %#x", ErrUnknownFrameType, byte(f.Type))
	}
}

// HasReference reports whether a delta frame can be applied.
func (r *Reconstructor) HasReference() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasRef
}

// Reset drops the reference frame.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasRef = false
}

// Latest returns a copy of the current reference frame and its dimensions.
// ok is false before the first keyframe.
func (r *Reconstructor) Latest() (pix []byte, width, height uint16, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRef {
		return nil, 0, 0, false
	}
	return append([]byte(nil), r.ref...), r.width, r.height, true
}

// LatestImage returns the current reference frame as an image.
func (r *Reconstructor) LatestImage() (*image.RGBA, bool) {
	pix, w, h, ok := r.Latest()
	if !ok {
		return nil, false
	}
	return ToRGBA(pix, w, h), true
}

// reference returns the live reference buffer. The caller must hold no
// other lock on r and must not retain the slice past the next Apply.
func (r *Reconstructor) reference(width, height uint16) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRef || r.width != width || r.height != height {
		return nil
	}
	return r.ref
}
