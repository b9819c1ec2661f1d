// Package server exposes the gateway's HTTP signaling and control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/zachmartin/deltaframe/internal/media"
	"github.com/zachmartin/deltaframe/internal/transport"
)

// maxOfferSize bounds the SDP offer request body.
const maxOfferSize = 1 << 20

// Encoder is the part of the frame pipeline the API controls.
type Encoder interface {
	RequestKeyframe()
	Stats() media.PipelineStats
}

// FrameSource returns the most recent reconstructed frame.
type FrameSource interface {
	LatestImage() (*image.RGBA, bool)
}

// PeerFactory negotiates a new peer for an SDP offer. The peer must already
// be registered with the hub when it returns.
type PeerFactory func(ctx context.Context, offer webrtc.SessionDescription) (transport.Peer, *webrtc.SessionDescription, error)

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	Hub            *transport.Hub
	Encoder        Encoder
	Frames         FrameSource
	NewPeer        PeerFactory
	Logger         zerolog.Logger
}

// Server routes HTTP requests.
type Server struct {
	router  *mux.Router
	log     zerolog.Logger
	hub     *transport.Hub
	enc     Encoder
	frames  FrameSource
	newPeer PeerFactory
	started time.Time
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		log:     opts.Logger.With().Str("component", "http").Logger(),
		hub:     opts.Hub,
		enc:     opts.Encoder,
		frames:  opts.Frames,
		newPeer: opts.NewPeer,
		started: time.Now(),
	}

	r := s.router
	r.Use(corsMiddleware(opts.AllowedOrigins))
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/webrtc/offer", s.handleOffer).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/keyframe", s.handleKeyframe).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/frames/latest.png", s.handleLatestFrame).Methods(http.MethodGet)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type offerRequest struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type answerResponse struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferSize)).Decode(&req); err != nil {
		http.Error(w, "invalid offer body", http.StatusBadRequest)
		return
	}
	if req.Type != webrtc.SDPTypeOffer.String() || req.SDP == "" {
		http.Error(w, "expected an SDP offer", http.StatusBadRequest)
		return
	}

	peer, answer, err := s.newPeer(r.Context(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP})
	if err != nil {
		s.log.Warn().Err(err).Msg("offer negotiation failed")
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, "negotiation failed", status)
		return
	}

	s.log.Info().Str("session", peer.ID()).Msg("offer answered")
	s.writeJSON(w, http.StatusOK, answerResponse{
		SessionID: peer.ID(),
		Type:      answer.Type.String(),
		SDP:       answer.SDP,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.List())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.hub.Remove(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeyframe(w http.ResponseWriter, r *http.Request) {
	s.enc.RequestKeyframe()
	w.WriteHeader(http.StatusAccepted)
}

type statsResponse struct {
	Pipeline         media.PipelineStats `json:"pipeline"`
	Hub              transport.HubStats  `json:"hub"`
	CompressionRatio float64             `json:"compression_ratio"`
	UptimeSeconds    float64             `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ps := s.enc.Stats()
	s.writeJSON(w, http.StatusOK, statsResponse{
		Pipeline:         ps,
		Hub:              s.hub.Stats(),
		CompressionRatio: ps.Ratio(),
		UptimeSeconds:    time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	img, ok := s.frames.LatestImage()
	if !ok {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		s.log.Debug().Err(err).Msg("png encode failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("json encode failed")
	}
}

func corsMiddleware(origins []string) mux.MiddlewareFunc {
	wildcard := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
