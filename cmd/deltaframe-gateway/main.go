package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/zachmartin/deltaframe/internal/compress"
	"github.com/zachmartin/deltaframe/internal/config"
	"github.com/zachmartin/deltaframe/internal/logging"
	"github.com/zachmartin/deltaframe/internal/media"
	"github.com/zachmartin/deltaframe/internal/server"
	"github.com/zachmartin/deltaframe/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gateway failed")
	}
	log.Info().Msg("gateway stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("ipc_socket", cfg.IPCSocketPath).
		Str("http_addr", cfg.HTTPListenAddr).
		Int("threshold", cfg.Threshold).
		Int("keyframe_interval", cfg.KeyframeInterval).
		Str("compression", cfg.Compression).
		Bool("synthetic", cfg.IsSynthetic()).
		Msg("deltaframe gateway starting")
	log.Debug().Msg(cfg.String())

	comp, err := compress.ByName(cfg.Compression)
	if err != nil {
		return err
	}
	if z, ok := comp.(*compress.Zstd); ok {
		defer z.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pipeline := media.NewPipeline(media.PipelineConfig{
		Threshold:        uint8(cfg.Threshold),
		KeyframeInterval: cfg.KeyframeInterval,
	}, log)
	hub := transport.NewHub(log)
	hub.OnDesync = func(string) { pipeline.RequestKeyframe() }
	defer hub.Close()
	preview := media.NewReconstructor()

	frames, stopSource, err := startSource(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stopSource()

	done := make(chan struct{})
	go func() {
		defer close(done)
		forward(frames, pipeline, comp, preview, hub, log)
	}()

	srv := server.New(server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Hub:            hub,
		Encoder:        pipeline,
		Frames:         preview,
		NewPeer: server.SessionFactory(transport.SessionConfig{
			ICEServers: cfg.ICEServers,
		}, hub, pipeline, log),
		Logger: log,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPListenAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		cancel()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	stopSource()
	<-done
	return nil
}

// startSource starts the configured frame source. The returned channel is
// closed once the source stops; stop is safe to call more than once.
func startSource(ctx context.Context, cfg *config.Config, log zerolog.Logger) (<-chan *media.RawFrame, func(), error) {
	if cfg.IsSynthetic() {
		src := media.NewSyntheticSource(
			uint16(cfg.SyntheticWidth),
			uint16(cfg.SyntheticHeight),
			cfg.SyntheticFPS,
			media.Pattern(cfg.SyntheticPattern),
			log,
		)
		srcCtx, srcCancel := context.WithCancel(ctx)
		go src.Run(srcCtx)
		return src.Frames, srcCancel, nil
	}

	ipc := media.NewIPCConsumer(cfg.IPCSocketPath, log)
	if err := ipc.Start(); err != nil {
		return nil, nil, fmt.Errorf("start IPC consumer: %w", err)
	}
	stop := func() {
		if ipc.IsRunning() {
			if err := ipc.Stop(); err != nil {
				log.Warn().Err(err).Msg("ipc stop")
			}
		}
	}
	return ipc.Frames, stop, nil
}

// forward encodes every raw frame, checks it through the receiver-side
// reconstructor and broadcasts the packet to all peers.
func forward(frames <-chan *media.RawFrame, p *media.Pipeline, comp compress.Codec, preview *media.Reconstructor, hub *transport.Hub, log zerolog.Logger) {
	for raw := range frames {
		f, err := p.Encode(raw)
		if err != nil {
			log.Warn().Err(err).Uint32("seq", raw.Seq).Msg("encode failed")
			continue
		}
		pkt, err := media.MarshalPacket(f, comp)
		if err != nil {
			log.Warn().Err(err).Uint32("seq", f.Seq).Msg("packet marshal failed")
			continue
		}

		// Decode the packet exactly as a peer would so the preview matches.
		got, err := media.UnmarshalPacket(pkt, comp)
		if err == nil {
			err = preview.Apply(got)
		}
		if err != nil {
			log.Error().Err(err).Uint32("seq", f.Seq).Msg("preview reconstruction failed")
			preview.Reset()
		}

		n := hub.Broadcast(f.Seq, pkt, f.IsKeyFrame())
		if f.IsKeyFrame() {
			log.Debug().
				Uint32("seq", f.Seq).
				Int("bytes", len(pkt)).
				Int("peers", n).
				Msg("keyframe sent")
		}
	}
}
