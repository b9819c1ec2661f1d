package codec

import "errors"

var (
	// ErrInvalidDimensions is returned when a buffer length does not match
	// height*width*3.
	ErrInvalidDimensions = errors.New("codec: buffer size does not match dimensions")

	// ErrMissingReference is returned when a run block is decoded without a
	// previous frame.
	ErrMissingReference = errors.New("codec: run block without reference frame")

	// ErrTruncatedStream is returned when the block stream ends before the
	// frame is complete.
	ErrTruncatedStream = errors.New("codec: truncated block stream")

	// ErrCorruptStream is returned when the blocks describe more pixels than
	// the frame holds, or contain a zero-length run.
	ErrCorruptStream = errors.New("codec: corrupt block stream")

	// ErrShortBuffer is returned when an output buffer cannot hold the
	// worst-case block count.
	ErrShortBuffer = errors.New("codec: output buffer too small")
)
