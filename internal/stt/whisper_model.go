package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-repeat/internal/config"
	"github.com/loqalabs/loqa-repeat/internal/pcm"
	"github.com/mattn/go-shellwords"
)

// whisperCLIModel drives a whisper.cpp command line build. Load fetches the
// ggml model when it is missing and ModelURL is set.
type whisperCLIModel struct {
	cmd       []string
	modelPath string
	modelURL  string
	language  string
	client    *http.Client
}

type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Text string `json:"text"`
	} `json:"transcription"`
}

func NewWhisperCLIModel(cfg config.STTConfig) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse whisper command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("whisper command is empty")
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper model path is empty")
	}
	return &whisperCLIModel{
		cmd:       args,
		modelPath: cfg.ModelPath,
		modelURL:  cfg.ModelURL,
		language:  cfg.Language,
		client:    http.DefaultClient,
	}, nil
}

func (w *whisperCLIModel) Load(ctx context.Context, report func(string)) error {
	path, err := exec.LookPath(w.cmd[0])
	if err != nil {
		return fmt.Errorf("whisper binary %q not found: %w", w.cmd[0], err)
	}
	w.cmd[0] = path

	if _, err := os.Stat(w.modelPath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("model file: %w", err)
		}
		if w.modelURL == "" {
			return fmt.Errorf("model %s missing and no download url configured", w.modelPath)
		}
		report("Downloading model... 0%")
		if err := w.download(ctx, report); err != nil {
			return fmt.Errorf("download model: %w", err)
		}
	}
	report("Initializing model...")
	return nil
}

func (w *whisperCLIModel) download(ctx context.Context, report func(string)) error {
	if err := os.MkdirAll(filepath.Dir(w.modelPath), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.modelURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status: %d", resp.StatusCode)
	}

	tmpPath := w.modelPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	var downloaded int64
	last := -1
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write file: %w", werr)
			}
			downloaded += int64(n)
			if resp.ContentLength > 0 {
				pct := int(downloaded * 100 / resp.ContentLength)
				if pct > last {
					last = pct
					report(fmt.Sprintf("Downloading model... %d%%", pct))
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, w.modelPath); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (w *whisperCLIModel) Transcribe(ctx context.Context, data []byte, sampleRate int, channels int) (TranscriptResult, error) {
	dir, err := os.MkdirTemp("", "repeat_whisper_")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	audioPath := filepath.Join(dir, "clip.wav")
	file, err := os.Create(audioPath)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create audio file: %w", err)
	}
	if err := pcm.WriteWAV(file, data, sampleRate, channels); err != nil {
		file.Close()
		return TranscriptResult{}, err
	}
	file.Close()

	base := filepath.Join(dir, "base")
	args := append([]string{}, w.cmd[1:]...)
	args = append(args, "-m", w.modelPath, "-f", audioPath, "-oj", "-of", base, "-np")
	if w.language != "" {
		args = append(args, "-l", w.language)
	}

	cmd := exec.CommandContext(ctx, w.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	raw, err := os.ReadFile(base + ".json")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("read whisper output: %w", err)
	}
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode whisper output: %w", err)
	}
	var text strings.Builder
	for _, seg := range out.Transcription {
		text.WriteString(seg.Text)
	}
	return TranscriptResult{
		Text:     strings.TrimSpace(text.String()),
		Language: out.Result.Language,
	}, nil
}
