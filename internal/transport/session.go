package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// FramesLabel is the data channel label peers must open.
const FramesLabel = "frames"

var (
	ErrNotOpen      = errors.New("transport: data channel not open")
	ErrBackpressure = errors.New("transport: data channel buffer full")
	ErrClosed       = errors.New("transport: session closed")
	ErrNotSynced    = errors.New("transport: peer waiting for keyframe")
)

// SessionConfig configures a peer session.
type SessionConfig struct {
	ICEServers []string

	// MaxChunk is the largest fragment payload. Zero uses DefaultMaxChunk.
	MaxChunk int

	// MaxBufferedAmount drops packets once the data channel holds this many
	// unsent bytes. Zero uses 8 MiB.
	MaxBufferedAmount uint64

	// GatherTimeout bounds ICE candidate gathering. Zero uses 10s.
	GatherTimeout time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxChunk <= 0 {
		c.MaxChunk = DefaultMaxChunk
	}
	if c.MaxBufferedAmount == 0 {
		c.MaxBufferedAmount = 8 << 20
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 10 * time.Second
	}
	return c
}

// PeerInfo describes a peer for the control API.
type PeerInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Open      bool      `json:"open"`
	CreatedAt time.Time `json:"created_at"`
	Sent      uint64    `json:"packets_sent"`
	Dropped   uint64    `json:"packets_dropped"`
}

// Peer is anything the hub can deliver packets to.
type Peer interface {
	ID() string
	Send(seq uint32, packet []byte, keyframe bool) error
	Info() PeerInfo
	Close() error
}

// Session is one WebRTC peer connection carrying the frames data channel.
type Session struct {
	id      string
	created time.Time
	cfg     SessionConfig
	log     zerolog.Logger
	pc      *webrtc.PeerConnection

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	state  webrtc.PeerConnectionState
	synced bool

	open    atomic.Bool
	closed  atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64

	// OnOpen runs when the frames channel opens. OnClose runs once when the
	// session ends for any reason.
	OnOpen  func(*Session)
	OnClose func(*Session)
}

// NewSession creates a peer connection with a fresh session id. Set the
// callbacks before calling Answer.
func NewSession(cfg SessionConfig, log zerolog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	id := uuid.New().String()
	s := &Session{
		id:      id,
		created: time.Now(),
		cfg:     cfg,
		log:     log.With().Str("session", id).Logger(),
		pc:      pc,
		state:   webrtc.PeerConnectionStateNew,
	}

	pc.OnDataChannel(s.handleDataChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		s.state = state
		s.mu.Unlock()
		s.log.Debug().Stringer("state", state).Msg("peer connection state")

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go s.Close()
		}
	})

	return s, nil
}

// Answer applies the remote offer and returns the local answer once ICE
// gathering completes.
func (s *Session) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatherTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("ICE gathering: %w", ctx.Err())
	}

	return s.pc.LocalDescription(), nil
}

func (s *Session) handleDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != FramesLabel {
		s.log.Warn().Str("label", dc.Label()).Msg("ignoring data channel")
		return
	}

	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.open.Store(true)
		s.log.Info().Msg("frames channel open")
		if s.OnOpen != nil {
			s.OnOpen(s)
		}
	})
	dc.OnClose(func() {
		s.open.Store(false)
		s.log.Info().Msg("frames channel closed")
		go s.Close()
	})
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Send fragments packet and writes it to the frames channel. Delta packets
// are skipped with ErrNotSynced until a keyframe reaches the peer. After
// ErrBackpressure or a failed write the peer needs a new keyframe.
func (s *Session) Send(seq uint32, packet []byte, keyframe bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.open.Load() {
		return ErrNotOpen
	}

	s.mu.Lock()
	dc := s.dc
	synced := s.synced
	s.mu.Unlock()

	if !synced && !keyframe {
		return ErrNotSynced
	}
	if dc.BufferedAmount() > s.cfg.MaxBufferedAmount {
		s.dropped.Add(1)
		// The peer misses this frame, so it needs a fresh keyframe.
		s.mu.Lock()
		s.synced = false
		s.mu.Unlock()
		return ErrBackpressure
	}

	frags, err := Fragment(seq, packet, s.cfg.MaxChunk)
	if err != nil {
		return err
	}
	for _, frag := range frags {
		if err := dc.Send(frag); err != nil {
			s.mu.Lock()
			s.synced = false
			s.mu.Unlock()
			return fmt.Errorf("data channel send: %w", err)
		}
	}

	if keyframe {
		s.mu.Lock()
		s.synced = true
		s.mu.Unlock()
	}
	s.sent.Add(1)
	return nil
}

// Synced reports whether the peer has received a keyframe it can build on.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Info returns a snapshot of the session.
func (s *Session) Info() PeerInfo {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return PeerInfo{
		ID:        s.id,
		State:     state.String(),
		Open:      s.open.Load(),
		CreatedAt: s.created,
		Sent:      s.sent.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Close tears down the peer connection. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.open.Store(false)
	err := s.pc.Close()
	if s.OnClose != nil {
		s.OnClose(s)
	}
	s.log.Info().Msg("session closed")
	return err
}
