package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func drain(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var out []SynthChunk
	var firstErr error
	timeout := time.After(5 * time.Second)
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		case <-timeout:
			t.Fatal("synthesis did not finish")
		}
	}
	return out, firstErr
}

func TestMockSynthScalesWithRate(t *testing.T) {
	synth := NewMockSynth(16000, 1)
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "How are you?", Rate: 1})
	normal, err := drain(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	chunks, errs = synth.Synthesize(context.Background(), SynthRequest{Text: "How are you?", Rate: 2})
	fast, err := drain(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(normal) != 1 || !normal[0].Final {
		t.Fatalf("expected one final chunk, got %+v", normal)
	}
	if len(fast[0].PCM) >= len(normal[0].PCM) {
		t.Fatalf("expected faster rate to shorten audio: %d vs %d", len(fast[0].PCM), len(normal[0].PCM))
	}
}

func TestMockSynthCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunks, errs := NewMockSynth(16000, 1).Synthesize(ctx, SynthRequest{Text: "hi"})
	_, err := drain(t, chunks, errs)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestExecSynth(t *testing.T) {
	script := filepath.Join(t.TempDir(), "synth.sh")
	body := "#!/bin/sh\ncat >/dev/null\necho '{\"pcm_base64\":\"AAEC\",\"final\":false}'\necho '{\"pcm_base64\":\"AwQF\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	synth, err := NewExecSynth(script, 22050, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	out, errs := synth.Synthesize(context.Background(), SynthRequest{SessionID: "s1", Text: "Hello.", Lang: "en-US", Rate: 1})
	chunks, err := drain(t, out, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Sequence != 0 || chunks[1].Sequence != 1 || !chunks[1].Final {
		t.Fatalf("unexpected chunk ordering %+v", chunks)
	}
	if string(chunks[0].PCM) != "\x00\x01\x02" || chunks[1].SessionID != "s1" {
		t.Fatalf("unexpected chunk payload %+v", chunks)
	}
}

func TestExecSynthEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("  ", 22050, 1); err == nil {
		t.Fatal("expected error for empty command")
	}
}
