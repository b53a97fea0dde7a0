package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-repeat/internal/capture"
	"github.com/loqalabs/loqa-repeat/internal/protocol"
	"github.com/loqalabs/loqa-repeat/internal/questions"
	"github.com/loqalabs/loqa-repeat/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	mu         sync.Mutex
	text       string
	err        error
	gate       chan struct{}
	calls      int
	resets     int
	preloads   int
	reloads    int
	processing bool
	ready      bool
	status     string
	listeners  []func()
}

func (f *fakeEngine) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (stt.TranscriptResult, error) {
	f.mu.Lock()
	f.calls++
	f.processing = true
	gate := f.gate
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.processing = false
		f.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return stt.TranscriptResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return stt.TranscriptResult{Text: f.text}, f.err
}

func (f *fakeEngine) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeEngine) Preload() {
	f.mu.Lock()
	f.preloads++
	f.mu.Unlock()
}

func (f *fakeEngine) Reload(ctx context.Context) error {
	f.mu.Lock()
	f.reloads++
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeEngine) IsProcessing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processing
}

func (f *fakeEngine) IsBusy() bool { return f.IsProcessing() }

func (f *fakeEngine) LoadingStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeEngine) OnChange(fn func()) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEngine) fire() {
	f.mu.Lock()
	listeners := append([]func(){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

type fakeQuestions struct {
	mu     sync.Mutex
	bank   []questions.Question
	next   int
	levels []questions.Level
}

func (f *fakeQuestions) Next(ctx context.Context, level questions.Level) (questions.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
	if len(f.bank) == 0 {
		return questions.Question{}, questions.ErrNoQuestions
	}
	q := f.bank[f.next%len(f.bank)]
	f.next++
	return q, nil
}

type fakeSpeaker struct {
	mu    sync.Mutex
	texts []string
	rates []float64
}

func (f *fakeSpeaker) Speak(text string, rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.rates = append(f.rates, rate)
	return nil
}

func (f *fakeSpeaker) IsSpeaking() bool   { return false }
func (f *fakeSpeaker) OnChange(fn func()) {}

type fakePublisher struct {
	mu       sync.Mutex
	states   []View
	verdicts []protocol.VerdictEvent
}

func (f *fakePublisher) PublishState(view View) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, view)
	return nil
}

func (f *fakePublisher) PublishVerdict(event protocol.VerdictEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts = append(f.verdicts, event)
	return nil
}

func (f *fakePublisher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states), len(f.verdicts)
}

type harness struct {
	o      *Orchestrator
	engine *fakeEngine
	qs     *fakeQuestions
	pub    *fakePublisher
	spk    *fakeSpeaker
}

func newHarness(t *testing.T, engine *fakeEngine, source capture.Source) *harness {
	t.Helper()
	log := newLogger()
	store, err := capture.NewClipStore(t.TempDir(), "/clips/", log)
	if err != nil {
		t.Fatalf("clip store: %v", err)
	}
	c := capture.New(source, store, capture.Options{Format: capture.Format{SampleRate: 16000, Channels: 1}}, log)
	t.Cleanup(func() { _ = c.Close() })

	h := &harness{
		engine: engine,
		qs: &fakeQuestions{bank: []questions.Question{
			{ID: 1, Level: questions.Beginner, English: "Good morning.", Japanese: "おはようございます。"},
			{ID: 2, Level: questions.Beginner, English: "I like cats.", Japanese: "私は猫が好きです。"},
		}},
		pub: &fakePublisher{},
		spk: &fakeSpeaker{},
	}
	h.o = New(context.Background(), c, engine, h.qs, h.spk, h.pub, Options{PlaybackRate: 0.9}, log)
	t.Cleanup(h.o.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// attempt runs one full record/stop cycle.
func (h *harness) attempt(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.o.Record(ctx); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if v := h.o.Snapshot(); !v.IsRecording || v.Status != statusRecording {
		t.Fatalf("expected recording view, got %+v", v)
	}
	time.Sleep(60 * time.Millisecond)
	if err := h.o.Record(ctx); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
}

func TestCorrectAttempt(t *testing.T) {
	engine := &fakeEngine{text: "good morning", ready: true}
	h := newHarness(t, engine, capture.NewMockSource())

	if _, err := h.o.GenerateQuestion(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	h.attempt(t)
	waitFor(t, "verdict", func() bool { return h.o.Snapshot().State == Verdicted })

	v := h.o.Snapshot()
	if v.IsCorrect == nil || !*v.IsCorrect || v.Verdict != Correct {
		t.Fatalf("expected correct verdict, got %+v", v)
	}
	if v.TranscribedText != "good morning" {
		t.Fatalf("unexpected transcript %q", v.TranscribedText)
	}
	if v.UserAudioURL == "" {
		t.Fatalf("expected clip url")
	}
	_, verdicts := h.pub.counts()
	if verdicts != 1 {
		t.Fatalf("expected one verdict event, got %d", verdicts)
	}
	if !h.pub.verdicts[0].Correct || h.pub.verdicts[0].Reference != "Good morning." {
		t.Fatalf("unexpected verdict event %+v", h.pub.verdicts[0])
	}
}

func TestIncorrectAttempt(t *testing.T) {
	engine := &fakeEngine{text: "I like cat", ready: true}
	h := newHarness(t, engine, capture.NewMockSource())
	h.qs.next = 1

	if _, err := h.o.GenerateQuestion(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	h.attempt(t)
	waitFor(t, "verdict", func() bool { return h.o.Snapshot().State == Verdicted })

	v := h.o.Snapshot()
	if v.IsCorrect == nil || *v.IsCorrect || v.Verdict != Incorrect {
		t.Fatalf("expected incorrect verdict, got %+v", v)
	}
}

func TestEmptyTranscriptStaysUndetermined(t *testing.T) {
	engine := &fakeEngine{text: " ... ", ready: true}
	h := newHarness(t, engine, capture.NewMockSource())

	if _, err := h.o.GenerateQuestion(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	h.attempt(t)
	waitFor(t, "empty result", func() bool { return h.o.Snapshot().Status == statusNoSpeech })

	v := h.o.Snapshot()
	if v.IsCorrect != nil || v.Verdict != Undetermined || v.TranscribedText != "" {
		t.Fatalf("expected undetermined view, got %+v", v)
	}
	if v.State != QuestionActive {
		t.Fatalf("expected question_active, got %s", v.State)
	}
}

func TestTranscriptionFailureStaysUndetermined(t *testing.T) {
	engine := &fakeEngine{err: errors.New("decoder crashed"), ready: true}
	h := newHarness(t, engine, capture.NewMockSource())

	if _, err := h.o.GenerateQuestion(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	h.attempt(t)
	waitFor(t, "failure status", func() bool { return h.o.Snapshot().Status == statusFailed })
	if v := h.o.Snapshot(); v.IsCorrect != nil {
		t.Fatalf("expected no verdict, got %+v", v)
	}
	if _, verdicts := h.pub.counts(); verdicts != 0 {
		t.Fatalf("expected no verdict events")
	}
}

func TestModelLoadFailureSurfacesStatus(t *testing.T) {
	loadErr := fmt.Errorf("%w: %w", stt.ErrTranscriptionFailed, fmt.Errorf("%w: no model", stt.ErrModelLoadFailed))
	engine := &fakeEngine{err: loadErr, status: "Model load failed: no model"}
	h := newHarness(t, engine, capture.NewMockSource())

	if _, err := h.o.GenerateQuestion(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	h.attempt(t)
	waitFor(t, "load failure status", func() bool {
		return h.o.Snapshot().Status == "Model load failed: no model" && h.engine.callCount() == 1
	})
	if err := h.o.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if engine.reloads != 1 {
		t.Fatalf("expected reload to reach the engine")
	}
}

func TestNewQuestionAbandonsRecording(t *testing.T) {
	engine := &fakeEngine{text: "good morning", ready: true}
	h := newHarness(t, engine, capture.NewMockSource())
	ctx := context.Background()

	if _, err := h.o.GenerateQuestion(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := h.o.Record(ctx); err != nil {
		t.Fatalf("record: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	q, err := h.o.GenerateQuestion(ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	v := h.o.Snapshot()
	if v.State != QuestionActive || v.IsRecording {
		t.Fatalf("expected fresh question, got %+v", v)
	}
	if v.Question == nil || v.Question.ID != q.ID {
		t.Fatalf("expected question %d, got %+v", q.ID, v.Question)
	}
	if v.UserAudioURL != "" || v.IsCorrect != nil {
		t.Fatalf("expected cleared attempt, got %+v", v)
	}
	if engine.callCount() != 0 {
		t.Fatalf("abandoned recording must not be transcribed")
	}
}

func TestStaleTranscriptionDropped(t *testing.T) {
	gate := make(chan struct{})
	engine := &fakeEngine{text: "good morning", ready: true, gate: gate}
	h := newHarness(t, engine, capture.NewMockSource())
	ctx := context.Background()

	if _, err := h.o.GenerateQuestion(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	h.attempt(t)
	waitFor(t, "transcription start", func() bool { return engine.callCount() == 1 })

	if err := h.o.Record(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while transcribing, got %v", err)
	}
	if v := h.o.Snapshot(); v.Status != statusProcessing || !v.IsProcessing {
		t.Fatalf("expected processing view, got %+v", v)
	}

	if _, err := h.o.GenerateQuestion(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	close(gate)
	h.o.Close()

	v := h.o.Snapshot()
	if v.IsCorrect != nil || v.TranscribedText != "" {
		t.Fatalf("stale transcription leaked into %+v", v)
	}
	if _, verdicts := h.pub.counts(); verdicts != 0 {
		t.Fatalf("expected no verdict events")
	}
}

func TestRecordWithoutQuestion(t *testing.T) {
	h := newHarness(t, &fakeEngine{ready: true}, capture.NewMockSource())
	if err := h.o.Record(context.Background()); !errors.Is(err, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion, got %v", err)
	}
	if err := h.o.PlayAudio(context.Background()); !errors.Is(err, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion, got %v", err)
	}
}

func TestPermissionDenied(t *testing.T) {
	source := &capture.MockSource{Err: capture.ErrPermissionDenied}
	h := newHarness(t, &fakeEngine{ready: true}, source)

	if _, err := h.o.GenerateQuestion(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	err := h.o.Record(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	v := h.o.Snapshot()
	if v.IsRecording || v.State != QuestionActive || v.Status != statusDenied {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestPlayAudio(t *testing.T) {
	h := newHarness(t, &fakeEngine{ready: true}, capture.NewMockSource())
	q, err := h.o.GenerateQuestion(context.Background())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := h.o.PlayAudio(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(h.spk.texts) != 1 || h.spk.texts[0] != q.English || h.spk.rates[0] != 0.9 {
		t.Fatalf("unexpected speech %v %v", h.spk.texts, h.spk.rates)
	}

	h.o.speaker = nil
	if err := h.o.PlayAudio(context.Background()); !errors.Is(err, ErrSpeechUnavailable) {
		t.Fatalf("expected ErrSpeechUnavailable, got %v", err)
	}
}

func TestSetLevel(t *testing.T) {
	h := newHarness(t, &fakeEngine{ready: true}, capture.NewMockSource())
	if err := h.o.SetLevel("advanced"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if err := h.o.SetLevel("expert"); err == nil {
		t.Fatalf("expected unknown level error")
	}
	if _, err := h.o.GenerateQuestion(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if h.qs.levels[0] != questions.Advanced {
		t.Fatalf("expected advanced, got %s", h.qs.levels[0])
	}
	if v := h.o.Snapshot(); v.Level != questions.Advanced {
		t.Fatalf("expected level in view, got %s", v.Level)
	}
}

func TestNoQuestionsAvailable(t *testing.T) {
	h := newHarness(t, &fakeEngine{ready: true}, capture.NewMockSource())
	h.qs.bank = nil
	if _, err := h.o.GenerateQuestion(context.Background()); !errors.Is(err, questions.ErrNoQuestions) {
		t.Fatalf("expected ErrNoQuestions, got %v", err)
	}
	if v := h.o.Snapshot(); v.State != Idle || v.Status == "" {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestLoadingStatusShownUntilReady(t *testing.T) {
	engine := &fakeEngine{status: "Downloading model... 40%"}
	h := newHarness(t, engine, capture.NewMockSource())
	if v := h.o.Snapshot(); v.Status != "Downloading model... 40%" || v.IsModelReady {
		t.Fatalf("unexpected view %+v", v)
	}
	engine.mu.Lock()
	engine.ready = true
	engine.status = ""
	engine.mu.Unlock()
	if v := h.o.Snapshot(); v.Status != "" || !v.IsModelReady {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestStartPublishesOnEngineChange(t *testing.T) {
	engine := &fakeEngine{ready: true}
	h := newHarness(t, engine, capture.NewMockSource())
	h.o.opts.Preload = true
	h.o.Start()

	waitFor(t, "initial state", func() bool { n, _ := h.pub.counts(); return n >= 1 })
	if engine.preloads != 1 {
		t.Fatalf("expected preload on start")
	}
	before, _ := h.pub.counts()
	engine.fire()
	waitFor(t, "published change", func() bool { n, _ := h.pub.counts(); return n > before })
}

// slowSource holds Open until release is closed, like a bus microphone
// waiting for its device to answer.
func slowSource(release <-chan struct{}, opened chan<- struct{}) capture.Source {
	mock := capture.NewMockSource()
	return capture.SourceFunc(func(ctx context.Context, format capture.Format) (capture.Stream, error) {
		opened <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return mock.Open(ctx, format)
	})
}

func TestSlowMicrophoneDoesNotBlockSnapshot(t *testing.T) {
	release := make(chan struct{})
	opened := make(chan struct{}, 1)
	h := newHarness(t, &fakeEngine{ready: true}, slowSource(release, opened))
	ctx := context.Background()

	if _, err := h.o.GenerateQuestion(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	recErr := make(chan error, 1)
	go func() { recErr <- h.o.Record(ctx) }()
	<-opened

	snap := make(chan View, 1)
	go func() { snap <- h.o.Snapshot() }()
	select {
	case v := <-snap:
		if v.IsRecording {
			t.Fatalf("must not report recording before the microphone opens: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("snapshot blocked while the microphone was opening")
	}
	if err := h.o.Record(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while opening, got %v", err)
	}

	close(release)
	if err := <-recErr; err != nil {
		t.Fatalf("record: %v", err)
	}
	if v := h.o.Snapshot(); !v.IsRecording || v.State != Recording {
		t.Fatalf("expected recording, got %+v", v)
	}
}

func TestNewQuestionWhileMicrophoneOpens(t *testing.T) {
	release := make(chan struct{})
	opened := make(chan struct{}, 1)
	engine := &fakeEngine{text: "good morning", ready: true}
	h := newHarness(t, engine, slowSource(release, opened))
	ctx := context.Background()

	if _, err := h.o.GenerateQuestion(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	recErr := make(chan error, 1)
	go func() { recErr <- h.o.Record(ctx) }()
	<-opened

	if _, err := h.o.GenerateQuestion(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	close(release)
	if err := <-recErr; !errors.Is(err, capture.ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}

	v := h.o.Snapshot()
	if v.IsRecording || v.State != QuestionActive {
		t.Fatalf("expected fresh question, got %+v", v)
	}
	// The abandoned session is gone, so a new recording can start.
	if err := h.o.Record(ctx); err != nil {
		t.Fatalf("record after abandon: %v", err)
	}
	if err := h.o.Record(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "verdict", func() bool { return h.o.Snapshot().State == Verdicted })
}
