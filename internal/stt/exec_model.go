package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/loqalabs/loqa-repeat/internal/config"
	"github.com/loqalabs/loqa-repeat/internal/pcm"
	"github.com/mattn/go-shellwords"
)

// execModel runs a recognizer command per clip. The command receives
// --audio <file.wav> [--model path] [--language code] and prints
// {"text": "...", "confidence": 0.9} on stdout.
type execModel struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

func NewExecModel(cfg config.STTConfig) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execModel{cmd: args, cfg: cfg}, nil
}

func (m *execModel) Load(_ context.Context, report func(string)) error {
	report("Locating recognizer...")
	path, err := exec.LookPath(m.cmd[0])
	if err != nil {
		return fmt.Errorf("recognizer %q not found: %w", m.cmd[0], err)
	}
	m.cmd[0] = path
	if m.cfg.ModelPath != "" {
		report("Checking model...")
		if _, err := os.Stat(m.cfg.ModelPath); err != nil {
			return fmt.Errorf("model file: %w", err)
		}
	}
	return nil
}

func (m *execModel) Transcribe(ctx context.Context, data []byte, sampleRate int, channels int) (TranscriptResult, error) {
	file, err := os.CreateTemp("", "repeat_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := pcm.WriteWAV(file, data, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	cmdArgs := append([]string{}, m.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if m.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", m.cfg.ModelPath)
	}
	if m.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", m.cfg.Language)
	}

	command := exec.CommandContext(ctx, m.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence, Language: resp.Language}, nil
}
