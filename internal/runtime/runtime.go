package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-repeat/internal/bus"
	"github.com/loqalabs/loqa-repeat/internal/capture"
	"github.com/loqalabs/loqa-repeat/internal/config"
	"github.com/loqalabs/loqa-repeat/internal/control"
	"github.com/loqalabs/loqa-repeat/internal/natsserver"
	"github.com/loqalabs/loqa-repeat/internal/pipeline"
	"github.com/loqalabs/loqa-repeat/internal/questions"
	"github.com/loqalabs/loqa-repeat/internal/speech"
	"github.com/loqalabs/loqa-repeat/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	clips     *capture.ClipStore
	capture   *capture.Capture
	engine    *stt.Engine
	questions *questions.Store
	speaker   *speech.Speaker
	bridge    *control.Bridge
	pipeline  *pipeline.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.cfg.Telemetry.Metrics && metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	clipPath := "/" + strings.Trim(r.cfg.Capture.ClipBaseURL, "/") + "/"
	if clipPath != "//" && !strings.Contains(r.cfg.Capture.ClipBaseURL, "://") {
		mux.Handle(clipPath, http.StripPrefix(clipPath, r.clips))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.stopComponents()
	r.wg.Wait()
	r.closeTelemetry(shutdownCtx)

	return nil
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) startComponents(ctx context.Context) error {
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	r.nats = srv

	busClient, err := bus.Connect(ctx, r.cfg.Bus, srv.ClientURL(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	r.capture, r.clips, err = newCapture(r.cfg.Capture, busClient, r.logger)
	if err != nil {
		return err
	}

	model, err := stt.NewModel(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to build stt model: %w", err)
	}
	r.engine = stt.NewEngine(ctx, model, r.logger)

	r.questions, err = questions.Open(ctx, r.cfg.Questions, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open question bank: %w", err)
	}

	timeout := time.Duration(r.cfg.Pipeline.CommandTimeoutMS) * time.Millisecond
	r.bridge = control.NewBridge(ctx, busClient, timeout, r.logger)

	// A nil *speech.Speaker must not reach the pipeline as a non-nil interface.
	var speaker pipeline.Speaker
	if r.cfg.TTS.Enabled {
		r.speaker, err = newSpeaker(ctx, r.cfg.TTS, r.bridge, r.logger)
		if err != nil {
			return err
		}
		speaker = r.speaker
		refresh := time.Duration(r.cfg.TTS.VoiceRefreshMS) * time.Millisecond
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.speaker.Run(ctx, refresh)
		}()
	}

	level, err := questions.ParseLevel(r.cfg.Questions.DefaultLevel)
	if err != nil {
		return err
	}
	r.pipeline = pipeline.New(ctx, r.capture, r.engine, r.questions, speaker, r.bridge, pipeline.Options{
		Level:        level,
		PlaybackRate: r.cfg.Pipeline.PlaybackRate,
		Preload:      r.cfg.STT.Preload,
	}, r.logger)
	r.pipeline.Start()

	if err := r.bridge.Serve(r.pipeline); err != nil {
		return fmt.Errorf("failed to serve commands: %w", err)
	}
	return nil
}

func (r *Runtime) stopComponents() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	if r.speaker != nil {
		r.speaker.Close()
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			r.logger.Warn("failed to close capture", slog.String("error", err.Error()))
		}
	}
	if r.questions != nil {
		if err := r.questions.Close(); err != nil {
			r.logger.Warn("failed to close question bank", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bridge.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
