package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/zachmartin/deltaframe/internal/media"
	"github.com/zachmartin/deltaframe/internal/transport"
)

type fakeEncoder struct {
	keyframes atomic.Int32
}

func (e *fakeEncoder) RequestKeyframe() { e.keyframes.Add(1) }

func (e *fakeEncoder) Stats() media.PipelineStats {
	return media.PipelineStats{Frames: 3, Keyframes: 1, RawBytes: 300, EncodedBytes: 30}
}

type fakeFrames struct {
	img *image.RGBA
}

func (f *fakeFrames) LatestImage() (*image.RGBA, bool) {
	return f.img, f.img != nil
}

type fakePeer struct {
	id     string
	closed bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(uint32, []byte, bool) error { return nil }

func (p *fakePeer) Info() transport.PeerInfo { return transport.PeerInfo{ID: p.id, Open: true} }

func (p *fakePeer) Close() error {
	p.closed = true
	return nil
}

type fixture struct {
	srv    *httptest.Server
	hub    *transport.Hub
	enc    *fakeEncoder
	frames *fakeFrames
	offers []string
}

func newFixture(t *testing.T, origins []string, peerErr error) *fixture {
	t.Helper()
	f := &fixture{
		hub:    transport.NewHub(zerolog.Nop()),
		enc:    &fakeEncoder{},
		frames: &fakeFrames{},
	}
	newPeer := func(ctx context.Context, offer webrtc.SessionDescription) (transport.Peer, *webrtc.SessionDescription, error) {
		if peerErr != nil {
			return nil, nil, peerErr
		}
		f.offers = append(f.offers, offer.SDP)
		p := &fakePeer{id: "peer-1"}
		f.hub.Add(p)
		return p, &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
	}
	s := New(Options{
		AllowedOrigins: origins,
		Hub:            f.hub,
		Encoder:        f.enc,
		Frames:         f.frames,
		NewPeer:        newPeer,
		Logger:         zerolog.Nop(),
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func do(t *testing.T, method, url string, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, []string{"*"}, nil)
	resp := do(t, http.MethodGet, f.srv.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing wildcard CORS header")
	}
}

func TestOffer(t *testing.T) {
	f := newFixture(t, []string{"*"}, nil)

	resp := do(t, http.MethodPost, f.srv.URL+"/webrtc/offer", `{"type":"offer","sdp":"v=0 offer"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ans answerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ans.SessionID != "peer-1" || ans.Type != "answer" || ans.SDP != "v=0 answer" {
		t.Fatalf("answer = %+v", ans)
	}
	if len(f.offers) != 1 || f.offers[0] != "v=0 offer" {
		t.Fatalf("offers = %v", f.offers)
	}

	for _, body := range []string{`{`, `{"type":"answer","sdp":"x"}`, `{"type":"offer"}`} {
		if resp := do(t, http.MethodPost, f.srv.URL+"/webrtc/offer", body, nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d", body, resp.StatusCode)
		}
	}
}

func TestOfferNegotiationFailure(t *testing.T) {
	f := newFixture(t, []string{"*"}, context.DeadlineExceeded)
	resp := do(t, http.MethodPost, f.srv.URL+"/webrtc/offer", `{"type":"offer","sdp":"v=0"}`, nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	f = newFixture(t, []string{"*"}, errors.New("boom"))
	resp = do(t, http.MethodPost, f.srv.URL+"/webrtc/offer", `{"type":"offer","sdp":"v=0"}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSessions(t *testing.T) {
	f := newFixture(t, []string{"*"}, nil)
	p := &fakePeer{id: "abc"}
	f.hub.Add(p)

	resp := do(t, http.MethodGet, f.srv.URL+"/sessions", "", nil)
	var list []transport.PeerInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "abc" || !list[0].Open {
		t.Fatalf("list = %+v", list)
	}

	if resp := do(t, http.MethodDelete, f.srv.URL+"/sessions/abc", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if !p.closed {
		t.Fatalf("deleted session not closed")
	}
	if resp := do(t, http.MethodDelete, f.srv.URL+"/sessions/abc", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestKeyframeAndStats(t *testing.T) {
	f := newFixture(t, []string{"*"}, nil)

	if resp := do(t, http.MethodPost, f.srv.URL+"/keyframe", "", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("keyframe status = %d", resp.StatusCode)
	}
	if f.enc.keyframes.Load() != 1 {
		t.Fatalf("keyframe not requested")
	}

	resp := do(t, http.MethodGet, f.srv.URL+"/stats", "", nil)
	var st statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Pipeline.Frames != 3 || st.CompressionRatio != 0.1 || st.Hub.Peers != 0 {
		t.Fatalf("stats = %+v", st)
	}

	if resp := do(t, http.MethodGet, f.srv.URL+"/keyframe", "", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /keyframe status = %d", resp.StatusCode)
	}
}

func TestLatestFrame(t *testing.T) {
	f := newFixture(t, []string{"*"}, nil)
	if resp := do(t, http.MethodGet, f.srv.URL+"/frames/latest.png", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status before frame = %d", resp.StatusCode)
	}

	f.frames.img = media.ToRGBA(bytes.Repeat([]byte{10, 20, 30}, 6), 3, 2)
	resp := do(t, http.MethodGet, f.srv.URL+"/frames/latest.png", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("status = %d, type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Fatalf("bounds = %v", b)
	}
	r, g, b, _ := img.At(1, 1).RGBA()
	if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
		t.Fatalf("pixel = %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestCORSAllowList(t *testing.T) {
	f := newFixture(t, []string{"https://ok.example"}, nil)

	resp := do(t, http.MethodOptions, f.srv.URL+"/webrtc/offer", "", map[string]string{"Origin": "https://ok.example"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ok.example" {
		t.Fatalf("allow origin = %q", got)
	}

	resp = do(t, http.MethodGet, f.srv.URL+"/health", "", map[string]string{"Origin": "https://evil.example"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got %q", got)
	}
}

func TestWriteJSONLogsEncodeError(t *testing.T) {
	var logs bytes.Buffer
	s := New(Options{
		Hub:    transport.NewHub(zerolog.Nop()),
		Logger: zerolog.New(&logs).Level(zerolog.DebugLevel),
	})

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(logs.String(), "json encode failed") {
		t.Fatalf("encode error not logged: %q", logs.String())
	}
}
