package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-repeat/internal/capture"
	"github.com/loqalabs/loqa-repeat/internal/compare"
	"github.com/loqalabs/loqa-repeat/internal/protocol"
	"github.com/loqalabs/loqa-repeat/internal/questions"
	"github.com/loqalabs/loqa-repeat/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	statusRecording   = "Recording..."
	statusProcessing  = "Processing..."
	statusNoSpeech    = "No speech detected. Please try again."
	statusFailed      = "Transcription failed. Please record again."
	statusDenied      = "Microphone permission denied. Allow access and try again."
	statusUnavailable = "No microphone available."
)

type Options struct {
	Level        questions.Level
	PlaybackRate float64
	Preload      bool
}

// Orchestrator drives one practice session: question, recording,
// transcription and verdict. All transitions happen under mu; engine and
// speaker notifications only wake the publisher.
type Orchestrator struct {
	capture   Capturer
	engine    Transcriber
	questions QuestionSource
	speaker   Speaker
	publisher Publisher
	opts      Options
	log       *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	changed chan struct{}
	clock   func() time.Time

	mu         sync.Mutex
	state      State
	level      questions.Level
	question   *questions.Question
	attempt    uint64
	clip       *capture.Clip
	transcript string
	verdict    Verdict
	status     string
	opening    bool

	verdicts metric.Int64Counter
}

// New builds an orchestrator. speaker and publisher may be nil.
func New(parent context.Context, c Capturer, engine Transcriber, qs QuestionSource, speaker Speaker, publisher Publisher, opts Options, log *slog.Logger) *Orchestrator {
	if opts.Level == "" {
		opts.Level = questions.Beginner
	}
	if opts.PlaybackRate <= 0 {
		opts.PlaybackRate = 1
	}
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		capture:   c,
		engine:    engine,
		questions: qs,
		speaker:   speaker,
		publisher: publisher,
		opts:      opts,
		log:       log.With(slog.String("component", "pipeline")),
		ctx:       ctx,
		cancel:    cancel,
		changed:   make(chan struct{}, 1),
		clock:     time.Now,
		state:     Idle,
		level:     opts.Level,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-repeat/pipeline").Int64Counter("repeat.verdicts", metric.WithDescription("Verdicts by result"))
	if err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	o.verdicts = counter
	return o
}

// Start subscribes to component changes and begins publishing state.
func (o *Orchestrator) Start() {
	o.engine.OnChange(o.signal)
	if o.speaker != nil {
		o.speaker.OnChange(o.signal)
	}
	o.wg.Add(1)
	go o.publishLoop()
	if o.opts.Preload {
		o.engine.Preload()
	}
	o.signal()
}

func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) signal() {
	select {
	case o.changed <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) publishLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.changed:
			if o.publisher == nil {
				continue
			}
			if err := o.publisher.PublishState(o.Snapshot()); err != nil {
				o.log.Warn("failed to publish state", slogError(err))
			}
		}
	}
}

// GenerateQuestion picks a new sentence for the current level and discards
// everything belonging to the previous attempt, including a recording or
// transcription still in flight.
func (o *Orchestrator) GenerateQuestion(ctx context.Context) (questions.Question, error) {
	o.mu.Lock()
	level := o.level
	o.mu.Unlock()

	q, err := o.questions.Next(ctx, level)
	if err != nil {
		o.mu.Lock()
		o.status = "No questions available for " + string(level) + "."
		o.mu.Unlock()
		o.signal()
		return questions.Question{}, err
	}

	o.mu.Lock()
	o.capture.Reset()
	o.engine.Reset()
	o.attempt++
	o.question = &q
	o.clearAttempt()
	o.state = QuestionActive
	o.mu.Unlock()

	o.log.Info("question generated", slog.Int64("question_id", q.ID), slog.String("level", string(q.Level)))
	o.signal()
	return q, nil
}

// Record toggles the microphone. The first call starts a recording, the
// second stops it and hands the clip to the engine.
func (o *Orchestrator) Record(ctx context.Context) error {
	o.mu.Lock()
	if o.question == nil {
		o.mu.Unlock()
		return ErrNoQuestion
	}
	if o.state == Recording {
		o.state = Transcribing
		o.status = ""
		o.mu.Unlock()
		o.signal()
		if err := o.capture.Stop(); err != nil {
			o.log.Warn("failed to stop recording", slogError(err))
			return err
		}
		return nil
	}
	if o.state == Transcribing || o.opening || o.engine.IsBusy() {
		o.mu.Unlock()
		return ErrBusy
	}

	o.capture.Reset()
	o.engine.Reset()
	o.attempt++
	attempt := o.attempt
	o.clearAttempt()
	o.state = QuestionActive
	o.opening = true
	o.mu.Unlock()
	o.signal()

	// Opening a remote microphone can wait on the bus, so it runs unlocked.
	rec, err := o.capture.Start(o.ctx)

	o.mu.Lock()
	o.opening = false
	if attempt != o.attempt {
		if err == nil {
			o.capture.Reset()
		}
		o.mu.Unlock()
		o.signal()
		return capture.ErrAbandoned
	}
	if err != nil {
		o.state = QuestionActive
		o.status = captureStatus(err)
		o.mu.Unlock()
		o.log.Warn("failed to start recording", slogError(err))
		o.signal()
		return err
	}
	o.state = Recording
	o.wg.Add(1)
	go o.awaitRecording(rec, attempt)
	o.mu.Unlock()

	o.signal()
	return nil
}

func (o *Orchestrator) clearAttempt() {
	o.clip = nil
	o.transcript = ""
	o.verdict = Undetermined
	o.status = ""
}

func (o *Orchestrator) awaitRecording(rec *capture.Recording, attempt uint64) {
	defer o.wg.Done()

	clip, err := rec.Wait(o.ctx)
	if err != nil {
		if errors.Is(err, capture.ErrAbandoned) || o.ctx.Err() != nil {
			return
		}
		o.mu.Lock()
		if attempt == o.attempt {
			o.state = QuestionActive
			o.status = captureStatus(err)
		}
		o.mu.Unlock()
		o.log.Warn("recording failed", slogError(err))
		o.signal()
		return
	}

	o.mu.Lock()
	if attempt != o.attempt {
		o.mu.Unlock()
		return
	}
	o.clip = clip
	o.state = Transcribing
	o.mu.Unlock()
	o.signal()

	result, err := o.engine.Transcribe(o.ctx, clip.PCM, clip.SampleRate, clip.Channels)
	o.complete(attempt, result.Text, err)
}

func (o *Orchestrator) complete(attempt uint64, text string, err error) {
	o.mu.Lock()
	if attempt != o.attempt || o.verdict != Undetermined || o.question == nil {
		o.mu.Unlock()
		return
	}

	var event *protocol.VerdictEvent
	switch {
	case err != nil:
		o.state = QuestionActive
		o.status = statusFailed
		if errors.Is(err, stt.ErrModelLoadFailed) {
			o.status = o.engine.LoadingStatus()
		}
	case compare.Normalize(text) == "":
		o.state = QuestionActive
		o.status = statusNoSpeech
	default:
		correct := compare.Compare(o.question.English, text)
		o.transcript = text
		o.verdict = Incorrect
		if correct {
			o.verdict = Correct
		}
		o.state = Verdicted
		event = &protocol.VerdictEvent{
			Attempt:    attempt,
			QuestionID: strconv.FormatInt(o.question.ID, 10),
			Reference:  o.question.English,
			Hypothesis: text,
			Correct:    correct,
			Timestamp:  o.clock().UTC(),
		}
	}
	verdict := o.verdict
	o.mu.Unlock()

	if err != nil && o.ctx.Err() == nil {
		o.log.Warn("transcription failed", slogError(err))
	}
	if event != nil {
		o.log.Info("verdict", slog.String("verdict", verdict.String()), slog.String("hypothesis", text))
		if o.verdicts != nil {
			o.verdicts.Add(o.ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict.String())))
		}
		if o.publisher != nil {
			if perr := o.publisher.PublishVerdict(*event); perr != nil {
				o.log.Warn("failed to publish verdict", slogError(perr))
			}
		}
	}
	o.signal()
}

// PlayAudio speaks the current reference sentence.
func (o *Orchestrator) PlayAudio(ctx context.Context) error {
	o.mu.Lock()
	q := o.question
	o.mu.Unlock()
	if q == nil {
		return ErrNoQuestion
	}
	if o.speaker == nil {
		return ErrSpeechUnavailable
	}
	return o.speaker.Speak(q.English, o.opts.PlaybackRate)
}

// SetLevel changes the difficulty used by the next GenerateQuestion.
func (o *Orchestrator) SetLevel(level string) error {
	l, err := questions.ParseLevel(level)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.level = l
	o.mu.Unlock()
	o.signal()
	return nil
}

// Reload retries a failed model load.
func (o *Orchestrator) Reload(ctx context.Context) error {
	o.mu.Lock()
	o.status = ""
	o.mu.Unlock()
	err := o.engine.Reload(ctx)
	o.signal()
	return err
}

func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()

	ready := o.engine.IsReady()
	processing := o.engine.IsProcessing()
	loading := o.engine.LoadingStatus()

	v := View{
		State:           o.state,
		Level:           o.level,
		Attempt:         o.attempt,
		IsRecording:     o.state == Recording,
		IsModelReady:    ready,
		LoadingStatus:   loading,
		IsProcessing:    processing,
		TranscribedText: o.transcript,
		Verdict:         o.verdict,
		Status:          o.statusLine(ready, processing, loading),
	}
	if o.question != nil {
		q := *o.question
		v.Question = &q
	}
	if o.clip != nil {
		v.UserAudioURL = o.clip.URL
	}
	if o.verdict != Undetermined {
		correct := o.verdict == Correct
		v.IsCorrect = &correct
	}
	if o.speaker != nil {
		v.IsSpeaking = o.speaker.IsSpeaking()
	}
	return v
}

func (o *Orchestrator) statusLine(ready, processing bool, loading string) string {
	switch {
	case o.state == Recording:
		return statusRecording
	case processing:
		return statusProcessing
	case o.state == Transcribing && !ready && loading != "":
		return loading
	case o.state == Transcribing:
		return statusProcessing
	case o.status != "":
		return o.status
	case !ready:
		return loading
	}
	return ""
}

func captureStatus(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return statusDenied
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return statusUnavailable
	}
	return "Recording failed: " + err.Error()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
