package transport

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// HubStats is a snapshot of hub counters.
type HubStats struct {
	Peers      int    `json:"peers"`
	Broadcasts uint64 `json:"broadcasts"`
	Delivered  uint64 `json:"delivered"`
	Errors     uint64 `json:"errors"`
	Desyncs    uint64 `json:"desyncs"`
}

// Hub fans packets out to every registered peer.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	peers map[string]Peer

	// OnDesync runs during Broadcast for each peer that can no longer decode
	// deltas and needs a keyframe. Set it before the first Broadcast.
	OnDesync func(peerID string)

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
	errs       atomic.Uint64
	desyncs    atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		peers: make(map[string]Peer),
	}
}

// Add registers p.
func (h *Hub) Add(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	n := len(h.peers)
	h.mu.Unlock()
	h.log.Info().Str("peer", p.ID()).Int("peers", n).Msg("peer added")
}

// Remove unregisters and closes the peer. It reports whether it was known.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	p, ok := h.peers[id]
	delete(h.peers, id)
	n := len(h.peers)
	h.mu.Unlock()
	if !ok {
		return false
	}
	p.Close()
	h.log.Info().Str("peer", id).Int("peers", n).Msg("peer removed")
	return true
}

// Get returns the peer with the given id.
func (h *Hub) Get(id string) (Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

// List returns info for every peer, oldest first.
func (h *Hub) List() []PeerInfo {
	h.mu.RLock()
	infos := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		infos = append(infos, p.Info())
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of registered peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast sends packet to every peer and returns how many accepted it.
// Peers that are not open yet are skipped silently. Peers that dropped the
// packet or are still waiting for a keyframe are reported through OnDesync.
func (h *Hub) Broadcast(seq uint32, packet []byte, keyframe bool) int {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	h.broadcasts.Add(1)
	delivered := 0
	for _, p := range peers {
		err := p.Send(seq, packet, keyframe)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrNotOpen):
		case errors.Is(err, ErrClosed):
			h.Remove(p.ID())
		case errors.Is(err, ErrNotSynced):
			h.desync(p.ID())
		default:
			h.errs.Add(1)
			h.log.Debug().Err(err).Str("peer", p.ID()).Uint32("seq", seq).Msg("send failed")
			h.desync(p.ID())
		}
	}
	h.delivered.Add(uint64(delivered))
	return delivered
}

func (h *Hub) desync(id string) {
	h.desyncs.Add(1)
	if h.OnDesync != nil {
		h.OnDesync(id)
	}
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Peers:      h.Len(),
		Broadcasts: h.broadcasts.Load(),
		Delivered:  h.delivered.Load(),
		Errors:     h.errs.Load(),
		Desyncs:    h.desyncs.Load(),
	}
}

// Close closes and removes every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]Peer)
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}
