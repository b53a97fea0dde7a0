package stt

import (
	"context"
	"fmt"
)

type mockModel struct {
	text string
}

// NewMockModel returns text for every clip, or a length marker when text is
// empty.
func NewMockModel(text string) Model {
	return &mockModel{text: text}
}

func (m *mockModel) Load(_ context.Context, report func(string)) error {
	report("Initializing model...")
	return nil
}

func (m *mockModel) Transcribe(_ context.Context, pcm []byte, _ int, _ int) (TranscriptResult, error) {
	if m.text != "" {
		return TranscriptResult{Text: m.text, Confidence: 1}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript length=%d]", len(pcm)),
		Confidence: 0,
	}, nil
}
