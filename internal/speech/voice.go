package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Voice is one synthesizer voice as reported by the platform.
type Voice struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// SelectVoice ranks English voices: premium quality names first, then
// Google voices, then Samantha or Daniel, then en-US, then any English
// voice. Without English voices it settles for a voice whose name mentions
// English.
func SelectVoice(voices []Voice) (Voice, bool) {
	var english []Voice
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Lang), "en") {
			english = append(english, v)
		}
	}
	if len(english) == 0 {
		for _, v := range voices {
			if strings.Contains(strings.ToLower(v.Name), "english") {
				return v, true
			}
		}
		return Voice{}, false
	}

	ranks := []func(Voice) bool{
		func(v Voice) bool {
			name := strings.ToLower(v.Name)
			return strings.Contains(name, "premium") ||
				strings.Contains(name, "enhanced") ||
				strings.Contains(name, "natural") ||
				strings.Contains(name, "high quality")
		},
		func(v Voice) bool { return strings.Contains(strings.ToLower(v.Name), "google") },
		func(v Voice) bool { return v.Name == "Samantha" || v.Name == "Daniel" },
		func(v Voice) bool { return strings.EqualFold(v.Lang, "en-us") },
	}
	for _, match := range ranks {
		for _, v := range english {
			if match(v) {
				return v, true
			}
		}
	}
	return english[0], true
}

// VoiceLister reports the voices currently available.
type VoiceLister interface {
	Voices(ctx context.Context) ([]Voice, error)
}

// StaticVoices is a fixed list parsed from "Name:lang" entries.
type StaticVoices []Voice

func ParseVoices(entries []string) (StaticVoices, error) {
	var out StaticVoices
	for _, e := range entries {
		i := strings.LastIndex(e, ":")
		if i <= 0 || i == len(e)-1 {
			return nil, fmt.Errorf("voice %q must be Name:lang", e)
		}
		out = append(out, Voice{Name: strings.TrimSpace(e[:i]), Lang: strings.TrimSpace(e[i+1:])})
	}
	return out, nil
}

func (s StaticVoices) Voices(context.Context) ([]Voice, error) {
	return append([]Voice(nil), s...), nil
}

// ExecVoices runs a command that prints a JSON array of voices.
type ExecVoices struct {
	args []string
}

func NewExecVoices(command string) (*ExecVoices, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse voices command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("voices command is empty")
	}
	return &ExecVoices{args: args}, nil
}

func (e *ExecVoices) Voices(ctx context.Context) ([]Voice, error) {
	cmd := exec.CommandContext(ctx, e.args[0], e.args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("voices command failed: %w: %s", err, stderr.String())
	}
	var voices []Voice
	if err := json.Unmarshal(stdout.Bytes(), &voices); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return voices, nil
}
