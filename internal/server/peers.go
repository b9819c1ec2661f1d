package server

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/zachmartin/deltaframe/internal/transport"
)

// SessionFactory returns a PeerFactory backed by WebRTC sessions. Each new
// peer asks enc for a keyframe once its data channel opens, and leaves hub
// when its connection ends.
func SessionFactory(cfg transport.SessionConfig, hub *transport.Hub, enc Encoder, log zerolog.Logger) PeerFactory {
	return func(ctx context.Context, offer webrtc.SessionDescription) (transport.Peer, *webrtc.SessionDescription, error) {
		s, err := transport.NewSession(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		s.OnOpen = func(*transport.Session) {
			enc.RequestKeyframe()
		}
		s.OnClose = func(s *transport.Session) {
			hub.Remove(s.ID())
		}

		answer, err := s.Answer(ctx, offer)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		hub.Add(s)
		return s, answer, nil
	}
}
