package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-repeat/internal/capture"
	"github.com/loqalabs/loqa-repeat/internal/protocol"
	"github.com/loqalabs/loqa-repeat/internal/questions"
	"github.com/loqalabs/loqa-repeat/internal/stt"
)

var (
	ErrNoQuestion        = errors.New("no question selected")
	ErrBusy              = errors.New("transcription in progress")
	ErrSpeechUnavailable = errors.New("speech playback unavailable")
)

// Capturer is the microphone side of an attempt.
type Capturer interface {
	Start(ctx context.Context) (*capture.Recording, error)
	Stop() error
	Reset()
}

// Transcriber owns the recognition model.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (stt.TranscriptResult, error)
	Reset()
	Preload()
	Reload(ctx context.Context) error
	IsReady() bool
	IsProcessing() bool
	IsBusy() bool
	LoadingStatus() string
	OnChange(fn func())
}

type QuestionSource interface {
	Next(ctx context.Context, level questions.Level) (questions.Question, error)
}

// Speaker plays the reference sentence.
type Speaker interface {
	Speak(text string, rate float64) error
	IsSpeaking() bool
	OnChange(fn func())
}

// Publisher pushes state to the presentation layer.
type Publisher interface {
	PublishState(view View) error
	PublishVerdict(event protocol.VerdictEvent) error
}

type State string

const (
	Idle           State = "idle"
	QuestionActive State = "question_active"
	Recording      State = "recording"
	Transcribing   State = "transcribing"
	Verdicted      State = "verdicted"
)

type Verdict int

const (
	Undetermined Verdict = iota
	Correct
	Incorrect
)

func (v Verdict) String() string {
	switch v {
	case Correct:
		return "correct"
	case Incorrect:
		return "incorrect"
	}
	return "undetermined"
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(text []byte) error {
	switch string(text) {
	case "correct":
		*v = Correct
	case "incorrect":
		*v = Incorrect
	case "undetermined", "":
		*v = Undetermined
	default:
		return fmt.Errorf("unknown verdict %q", text)
	}
	return nil
}

// View is everything the presentation layer renders.
type View struct {
	State           State               `json:"state"`
	Level           questions.Level     `json:"level"`
	Question        *questions.Question `json:"question,omitempty"`
	Attempt         uint64              `json:"attempt"`
	IsRecording     bool                `json:"isRecording"`
	UserAudioURL    string              `json:"userAudioUrl,omitempty"`
	IsModelReady    bool                `json:"isModelReady"`
	LoadingStatus   string              `json:"loadingStatus,omitempty"`
	IsProcessing    bool                `json:"isProcessing"`
	TranscribedText string              `json:"transcribedText"`
	Verdict         Verdict             `json:"verdict"`
	IsCorrect       *bool               `json:"isCorrect"`
	IsSpeaking      bool                `json:"isSpeaking"`
	Status          string              `json:"status,omitempty"`
}
