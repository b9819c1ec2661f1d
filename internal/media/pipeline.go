package media

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/zachmartin/deltaframe/internal/codec"
)

// PipelineConfig controls keyframe placement and similarity.
type PipelineConfig struct {
	Threshold uint8

	// KeyframeInterval forces a keyframe every N frames. 0 means keyframes
	// are only sent on start, on dimension changes and on request.
	KeyframeInterval int
}

// PipelineStats is a snapshot of pipeline counters.
type PipelineStats struct {
	Frames       uint64 `json:"frames"`
	Keyframes    uint64 `json:"keyframes"`
	Blocks       uint64 `json:"blocks"`
	RunBlocks    uint64 `json:"run_blocks"`
	RawBytes     uint64 `json:"raw_bytes"`
	EncodedBytes uint64 `json:"encoded_bytes"`
}

// Ratio returns encoded bytes per raw byte, or 0 before any frame.
func (s PipelineStats) Ratio() float64 {
	if s.RawBytes == 0 {
		return 0
	}
	return float64(s.EncodedBytes) / float64(s.RawBytes)
}

// Pipeline encodes a sequence of raw frames. Each frame is diffed against
// the frame a receiver would have reconstructed, not the previous source
// frame, so tolerance errors do not accumulate.
type Pipeline struct {
	cfg PipelineConfig
	log zerolog.Logger

	mu       sync.Mutex
	enc      *codec.Encoder
	recon    *Reconstructor
	seq      uint32
	sinceKey int
	stats    PipelineStats

	forceKey atomic.Bool
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		log:   log.With().Str("component", "pipeline").Logger(),
		enc:   codec.NewEncoder(cfg.Threshold),
		recon: NewReconstructor(),
	}
}

// RequestKeyframe makes the next encoded frame a keyframe.
func (p *Pipeline) RequestKeyframe() {
	p.forceKey.Store(true)
}

// Encode encodes raw and advances the reference. The returned frame owns
// its block buffer.
func (p *Pipeline) Encode(raw *RawFrame) (*EncodedFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.recon.reference(raw.Width, raw.Height)
	key := prev == nil || raw.ForceKeyframe
	if p.forceKey.Swap(false) {
		key = true
	}
	if p.cfg.KeyframeInterval > 0 && p.sinceKey >= p.cfg.KeyframeInterval {
		key = true
	}
	if key {
		prev = nil
	}

	s, err := p.enc.Encode(raw.Pix, prev, raw.Height, raw.Width)
	if err != nil {
		return nil, err
	}

	f := &EncodedFrame{
		Type:       FrameTypeDelta,
		Seq:        p.seq,
		PTS:        raw.PTS,
		Width:      raw.Width,
		Height:     raw.Height,
		Threshold:  p.cfg.Threshold,
		BlockCount: s.Count,
		Blocks:     bytes.Clone(s.Blocks),
	}
	if key {
		f.Type = FrameTypeKey
	}
	if err := p.recon.Apply(f); err != nil {
		return nil, err
	}

	p.seq++
	if key {
		p.sinceKey = 1
		p.stats.Keyframes++
		p.log.Debug().
			Uint32("seq", f.Seq).
			Uint16("width", f.Width).
			Uint16("height", f.Height).
			Msg("keyframe")
	} else {
		p.sinceKey++
	}
	p.stats.Frames++
	p.stats.Blocks += uint64(s.Count)
	p.stats.RunBlocks += uint64(s.Runs())
	p.stats.RawBytes += uint64(len(raw.Pix))
	p.stats.EncodedBytes += uint64(len(f.Blocks))

	return f, nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
