package media

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pattern selects a synthetic test pattern.
type Pattern int

const (
	PatternColorBars Pattern = iota
	PatternGradient
	PatternGrid
)

func (p Pattern) String() string {
	switch p {
	case PatternColorBars:
		return "colorbars"
	case PatternGradient:
		return "gradient"
	case PatternGrid:
		return "grid"
	default:
		return "unknown"
	}
}

// boxSize is the side of the moving square drawn over every pattern.
const boxSize = 32

var colorBars = [8][3]byte{
	{0xc0, 0xc0, 0xc0},
	{0xc0, 0xc0, 0x00},
	{0x00, 0xc0, 0xc0},
	{0x00, 0xc0, 0x00},
	{0xc0, 0x00, 0xc0},
	{0xc0, 0x00, 0x00},
	{0x00, 0x00, 0xc0},
	{0x10, 0x10, 0x10},
}

// RenderPattern draws frame n of pattern p: a static background with a
// white square that moves four pixels right per frame.
func RenderPattern(p Pattern, width, height uint16, n uint32) []byte {
	w, h := int(width), int(height)
	pix := make([]byte, w*h*3)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var c [3]byte
			switch p {
			case PatternGradient:
				c = [3]byte{byte(x * 255 / max(w-1, 1)), byte(y * 255 / max(h-1, 1)), 0x80}
			case PatternGrid:
				if x%32 == 0 || y%32 == 0 {
					c = [3]byte{0xff, 0xff, 0xff}
				} else {
					c = [3]byte{0x20, 0x20, 0x20}
				}
			default:
				c = colorBars[x*len(colorBars)/max(w, 1)]
			}
			o := (y*w + x) * 3
			pix[o], pix[o+1], pix[o+2] = c[0], c[1], c[2]
		}
	}

	if w == 0 || h == 0 {
		return pix
	}
	bx := int(n*4) % w
	by := (h - boxSize) / 2
	for y := max(by, 0); y < min(by+boxSize, h); y++ {
		for x := bx; x < min(bx+boxSize, w); x++ {
			o := (y*w + x) * 3
			pix[o], pix[o+1], pix[o+2] = 0xff, 0xff, 0xff
		}
	}
	return pix
}

// SyntheticSource generates test pattern frames at a fixed rate.
type SyntheticSource struct {
	width   uint16
	height  uint16
	fps     int
	pattern Pattern
	log     zerolog.Logger

	Frames chan *RawFrame
}

// NewSyntheticSource creates a source. Call Run to start producing frames.
func NewSyntheticSource(width, height uint16, fps int, pattern Pattern, log zerolog.Logger) *SyntheticSource {
	return &SyntheticSource{
		width:   width,
		height:  height,
		fps:     fps,
		pattern: pattern,
		log:     log.With().Str("component", "synthetic").Logger(),
		Frames:  make(chan *RawFrame, 2),
	}
}

// Run produces frames until ctx is cancelled, then closes Frames. Frames
// are dropped rather than queued when the consumer falls behind.
func (s *SyntheticSource) Run(ctx context.Context) {
	defer close(s.Frames)

	interval := time.Second / time.Duration(max(s.fps, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().
		Uint16("width", s.width).
		Uint16("height", s.height).
		Int("fps", s.fps).
		Stringer("pattern", s.pattern).
		Msg("synthetic source started")

	start := time.Now()
	var n uint32
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Uint32("frames", n).Msg("synthetic source stopped")
			return
		case now := <-ticker.C:
			frame := &RawFrame{
				Seq:    n,
				PTS:    now.Sub(start).Microseconds(),
				Width:  s.width,
				Height: s.height,
				Pix:    RenderPattern(s.pattern, s.width, s.height, n),
			}
			n++
			select {
			case s.Frames <- frame:
			default:
				s.log.Debug().Uint32("seq", frame.Seq).Msg("synthetic frame dropped")
			}
		}
	}
}
