package speech

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-repeat/internal/protocol"
	"github.com/loqalabs/loqa-repeat/internal/tts"
)

// AudioSink receives synthesized chunks for playback.
type AudioSink interface {
	PublishAudio(chunk protocol.AudioChunk) error
}

// Speaker plays the reference sentence. A new utterance cancels the one
// in progress.
type Speaker struct {
	synth        tts.Synthesizer
	lister       VoiceLister
	sink         AudioSink
	fallbackLang string
	log          *slog.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	mu        sync.Mutex
	voices    []Voice
	gen       uint64
	stop      context.CancelFunc
	speaking  bool
	listeners []func()
}

func NewSpeaker(parent context.Context, synth tts.Synthesizer, lister VoiceLister, sink AudioSink, fallbackLang string, log *slog.Logger) *Speaker {
	ctx, cancel := context.WithCancel(parent)
	if fallbackLang == "" {
		fallbackLang = "en-US"
	}
	return &Speaker{
		synth:        synth,
		lister:       lister,
		sink:         sink,
		fallbackLang: fallbackLang,
		log:          log.With(slog.String("component", "speaker")),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *Speaker) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Speaker) notify() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// RefreshVoices reloads the voice list. Safe to call repeatedly.
func (s *Speaker) RefreshVoices(ctx context.Context) error {
	if s.lister == nil {
		return nil
	}
	voices, err := s.lister.Voices(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.voices = voices
	s.mu.Unlock()
	return nil
}

// Run refreshes voices now and then every interval until ctx ends.
func (s *Speaker) Run(ctx context.Context, interval time.Duration) {
	if err := s.RefreshVoices(ctx); err != nil {
		s.log.Warn("voice refresh failed", slogError(err))
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshVoices(ctx); err != nil {
				s.log.Warn("voice refresh failed", slogError(err))
			}
		}
	}
}

// Voice returns the voice the next utterance would use.
func (s *Speaker) Voice() (Voice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SelectVoice(s.voices)
}

// Speak starts an utterance and returns without waiting for it. Empty
// text does nothing.
func (s *Speaker) Speak(text string, rate float64) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.gen++
	gen := s.gen
	ctx, stop := context.WithCancel(s.ctx)
	s.stop = stop
	s.speaking = true
	voice, ok := SelectVoice(s.voices)
	s.wg.Add(1)
	s.mu.Unlock()

	req := tts.SynthRequest{SessionID: uuid.NewString(), Text: text, Rate: rate}
	if ok {
		req.Voice = voice.Name
		req.Lang = voice.Lang
	} else {
		req.Lang = s.fallbackLang
		s.log.Warn("English voice not found, using lang fallback", slog.String("lang", req.Lang))
	}

	s.notify()
	go s.play(ctx, gen, req)
	return nil
}

func (s *Speaker) play(ctx context.Context, gen uint64, req tts.SynthRequest) {
	defer s.wg.Done()
	defer s.finish(gen)

	chunks, errs := s.synth.Synthesize(ctx, req)
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			packet := protocol.AudioChunk{
				SessionID:  req.SessionID,
				Voice:      req.Voice,
				Lang:       req.Lang,
				Rate:       req.Rate,
				SampleRate: chunk.SampleRate,
				Channels:   chunk.Channels,
				Sequence:   sequence,
				PCM:        chunk.PCM,
				Final:      chunk.Final,
			}
			sequence++
			if s.sink != nil {
				if err := s.sink.PublishAudio(packet); err != nil {
					s.log.Warn("failed to publish speech audio", slogError(err))
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && ctx.Err() == nil {
				s.log.Warn("speech synthesis error", slogError(err))
			}
		}
	}
}

func (s *Speaker) finish(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.speaking = false
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Speaker) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Close cancels any utterance and waits for playback goroutines.
func (s *Speaker) Close() {
	s.cancel()
	s.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
