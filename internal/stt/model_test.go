package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-repeat/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recognizer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestNewModelModes(t *testing.T) {
	if _, err := NewModel(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewModel(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := NewModel(config.STTConfig{Mode: "whisper-cli", Command: "whisper-cli"}); err == nil {
		t.Fatal("expected error without model path")
	}
}

func TestMockModel(t *testing.T) {
	m := NewMockModel("")
	res, err := m.Transcribe(context.Background(), make([]byte, 8), 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "[transcript length=8]" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestExecModel(t *testing.T) {
	script := writeScript(t, `case "$*" in
  *--audio*--language\ en*) echo '{"text":"how are you","confidence":0.75}' ;;
  *) echo "bad args: $*" >&2; exit 3 ;;
esac
`)
	m, err := NewExecModel(config.STTConfig{Mode: "exec", Command: script, Language: "en"})
	if err != nil {
		t.Fatalf("new exec model: %v", err)
	}
	if err := m.Load(context.Background(), func(string) {}); err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := m.Transcribe(context.Background(), []byte{1, 0, 2, 0}, 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "how are you" || res.Confidence != 0.75 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecModelMissingBinary(t *testing.T) {
	m, err := NewExecModel(config.STTConfig{Mode: "exec", Command: "no-such-recognizer --fast"})
	if err != nil {
		t.Fatalf("new exec model: %v", err)
	}
	if err := m.Load(context.Background(), func(string) {}); err == nil {
		t.Fatal("expected load error for missing binary")
	}
}

func TestWhisperCLIDownloadsAndTranscribes(t *testing.T) {
	payload := strings.Repeat("m", 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	script := writeScript(t, `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; fi
  shift
done
printf '{"result":{"language":"en"},"transcription":[{"text":" How are"},{"text":" you?"}]}' > "$out.json"
`)
	modelPath := filepath.Join(t.TempDir(), "models", "ggml-base.en.bin")
	m, err := NewWhisperCLIModel(config.STTConfig{
		Mode:      "whisper-cli",
		Command:   script,
		ModelPath: modelPath,
		ModelURL:  srv.URL + "/ggml-base.en.bin",
		Language:  "en",
	})
	if err != nil {
		t.Fatalf("new whisper model: %v", err)
	}

	var statuses []string
	if err := m.Load(context.Background(), func(s string) { statuses = append(statuses, s) }); err != nil {
		t.Fatalf("load: %v", err)
	}
	if data, err := os.ReadFile(modelPath); err != nil || len(data) != len(payload) {
		t.Fatalf("model not downloaded: err=%v len=%d", err, len(data))
	}
	joined := strings.Join(statuses, "|")
	if !strings.Contains(joined, "Downloading model... 100%") || statuses[len(statuses)-1] != "Initializing model..." {
		t.Fatalf("unexpected statuses %v", statuses)
	}

	res, err := m.Transcribe(context.Background(), []byte{1, 0, 2, 0}, 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "How are you?" || res.Language != "en" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWhisperCLIMissingModelWithoutURL(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	m, err := NewWhisperCLIModel(config.STTConfig{Command: script, ModelPath: filepath.Join(t.TempDir(), "none.bin")})
	if err != nil {
		t.Fatalf("new whisper model: %v", err)
	}
	if err := m.Load(context.Background(), func(string) {}); err == nil {
		t.Fatal("expected error for missing model")
	}
}
