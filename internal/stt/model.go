package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-repeat/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
}

// Model abstracts STT backends. Load is called at most once per successful
// lifecycle and may report coarse progress through report. Implementations
// need not be reentrant; the Engine serializes Transcribe.
type Model interface {
	Load(ctx context.Context, report func(status string)) error
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// NewModel builds the backend selected by cfg.Mode.
func NewModel(cfg config.STTConfig) (Model, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockModel(cfg.MockText), nil
	case "exec":
		return NewExecModel(cfg)
	case "whisper-cli":
		return NewWhisperCLIModel(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
