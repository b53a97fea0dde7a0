package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrModelLoadFailed     = errors.New("model load failed")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrBusy                = errors.New("transcription already in progress")
)

// State is the model lifecycle. Ready is terminal; Failed only leaves
// through Reload.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Engine owns the single model instance. At most one transcription is in
// flight; a second caller gets ErrBusy.
type Engine struct {
	model  Model
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	status     string
	loadErr    error
	loadDone   chan struct{}
	claimed    bool
	processing bool
	lastText   string
	listeners  []func()

	tracer         trace.Tracer
	transcriptions metric.Int64Counter
	duration       metric.Float64Histogram
}

func NewEngine(parent context.Context, model Model, log *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		model:  model,
		log:    log.With(slog.String("component", "stt-engine")),
		ctx:    ctx,
		cancel: cancel,
		tracer: otel.Tracer("github.com/loqalabs/loqa-repeat/stt"),
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-repeat/stt")
	counter, err := meter.Int64Counter("repeat.transcriptions", metric.WithDescription("Transcriptions by outcome"))
	if err != nil {
		return err
	}
	hist, err := meter.Float64Histogram("repeat.transcription.duration", metric.WithDescription("Inference time"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	gauge, err := meter.Int64ObservableGauge("repeat.model.ready", metric.WithDescription("1 when the recognition model is ready"))
	if err != nil {
		return err
	}
	e.transcriptions = counter
	e.duration = hist
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var ready int64
		if e.IsReady() {
			ready = 1
		}
		obs.ObserveInt64(gauge, ready)
		return nil
	}, gauge)
	return err
}

// OnChange registers fn to run after every observable state change.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Engine) notify() {
	e.mu.Lock()
	listeners := append([]func(){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Preload starts loading in the background without waiting.
func (e *Engine) Preload() {
	e.startLoad()
}

// Load starts loading if needed and waits for the outcome.
func (e *Engine) Load(ctx context.Context) error {
	done := e.startLoad()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Ready {
		return nil
	}
	return e.loadErr
}

func (e *Engine) startLoad() <-chan struct{} {
	e.mu.Lock()
	if e.state != Unloaded {
		done := e.loadDone
		e.mu.Unlock()
		return done
	}
	e.state = Loading
	e.status = "Loading model..."
	e.loadErr = nil
	done := make(chan struct{})
	e.loadDone = done
	e.wg.Add(1)
	e.mu.Unlock()

	e.notify()
	go e.runLoad(done)
	return done
}

func (e *Engine) runLoad(done chan struct{}) {
	defer e.wg.Done()
	ctx, span := e.tracer.Start(e.ctx, "stt.load")
	defer span.End()

	start := time.Now()
	err := e.safeLoad(ctx)

	e.mu.Lock()
	if err != nil {
		e.state = Failed
		e.loadErr = fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
		e.status = "Model load failed: " + err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
	} else {
		e.state = Ready
		e.status = ""
	}
	close(done)
	e.mu.Unlock()

	if err != nil {
		e.log.Error("model load failed", slogError(err))
	} else {
		e.log.Info("model ready", slog.Duration("elapsed", time.Since(start)))
	}
	e.notify()
}

func (e *Engine) safeLoad(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during load: %v", r)
		}
	}()
	return e.model.Load(ctx, e.report)
}

func (e *Engine) report(status string) {
	e.mu.Lock()
	if e.state != Loading {
		e.mu.Unlock()
		return
	}
	e.status = status
	e.mu.Unlock()
	e.notify()
}

// Transcribe runs inference on one clip, loading the model first when it
// is not ready yet.
func (e *Engine) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	e.mu.Lock()
	if e.claimed {
		e.mu.Unlock()
		return TranscriptResult{}, ErrBusy
	}
	e.claimed = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.claimed = false
		e.processing = false
		e.mu.Unlock()
		e.notify()
	}()

	if err := e.Load(ctx); err != nil {
		e.record(ctx, "load_failed", 0)
		return TranscriptResult{}, fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	e.mu.Lock()
	e.processing = true
	e.mu.Unlock()
	e.notify()

	ctx, span := e.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(attribute.Int("audio.bytes", len(pcm))))
	defer span.End()

	start := time.Now()
	result, err := e.safeTranscribe(ctx, pcm, sampleRate, channels)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		e.record(ctx, "error", elapsed)
		e.log.Warn("transcription failed", slogError(err))
		return TranscriptResult{}, fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	result.Text = strings.TrimSpace(result.Text)
	e.mu.Lock()
	e.lastText = result.Text
	e.mu.Unlock()

	outcome := "ok"
	if result.Text == "" {
		outcome = "empty"
	}
	e.record(ctx, outcome, elapsed)
	e.log.Debug("transcription complete", slog.Duration("elapsed", elapsed), slog.Int("chars", len(result.Text)))
	return result, nil
}

func (e *Engine) safeTranscribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (result TranscriptResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during inference: %v", r)
		}
	}()
	return e.model.Transcribe(ctx, pcm, sampleRate, channels)
}

func (e *Engine) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if e.transcriptions != nil {
		e.transcriptions.Add(ctx, 1, attrs)
	}
	if e.duration != nil && elapsed > 0 {
		e.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// Reset clears the last transcript. The model lifecycle is untouched.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.lastText = ""
	e.mu.Unlock()
	e.notify()
}

// Reload retries a failed load. It does nothing unless the engine is Failed.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Failed {
		e.mu.Unlock()
		return nil
	}
	e.state = Unloaded
	e.mu.Unlock()
	e.log.Info("reloading model")
	return e.Load(ctx)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) IsReady() bool {
	return e.State() == Ready
}

// LoadingStatus is the human-readable progress while loading, the failure
// text after a failed load, and empty once ready.
func (e *Engine) LoadingStatus() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// IsProcessing is true only while inference runs, not while loading.
func (e *Engine) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

// IsBusy is true from the moment a transcription is accepted until it
// resolves, including any wait for the model to load.
func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimed
}

func (e *Engine) LastText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastText
}

// Close cancels a pending load and waits for it to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
