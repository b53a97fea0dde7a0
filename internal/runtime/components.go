package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-repeat/internal/bus"
	"github.com/loqalabs/loqa-repeat/internal/capture"
	"github.com/loqalabs/loqa-repeat/internal/config"
	"github.com/loqalabs/loqa-repeat/internal/speech"
	"github.com/loqalabs/loqa-repeat/internal/tts"
)

func newCapture(cfg config.CaptureConfig, busClient *bus.Client, logger *slog.Logger) (*capture.Capture, *capture.ClipStore, error) {
	var source capture.Source
	switch cfg.Source {
	case "exec":
		src, err := capture.NewExecSource(cfg.Command)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build capture command: %w", err)
		}
		source = src
	case "bus":
		timeout := time.Duration(cfg.OpenTimeoutMS) * time.Millisecond
		source = capture.NewBusSource(busClient.Conn(), cfg.Device, timeout)
	default:
		source = capture.NewMockSource()
	}

	clips, err := capture.NewClipStore(cfg.ClipDir, cfg.ClipBaseURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open clip store: %w", err)
	}
	c := capture.New(source, clips, capture.Options{
		Format:      capture.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		MaxDuration: time.Duration(cfg.MaxDurationMS) * time.Millisecond,
	}, logger)
	logger.Info("capture configured", slog.String("source", cfg.Source), slog.String("device", cfg.Device))
	return c, clips, nil
}

func newSpeaker(ctx context.Context, cfg config.TTSConfig, sink speech.AudioSink, logger *slog.Logger) (*speech.Speaker, error) {
	var synth tts.Synthesizer
	switch cfg.Mode {
	case "exec":
		s, err := tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("failed to build tts command: %w", err)
		}
		synth = s
	default:
		synth = tts.NewMockSynth(cfg.SampleRate, cfg.Channels)
	}

	var lister speech.VoiceLister
	if cfg.VoicesCommand != "" {
		l, err := speech.NewExecVoices(cfg.VoicesCommand)
		if err != nil {
			return nil, fmt.Errorf("failed to build voices command: %w", err)
		}
		lister = l
	} else {
		voices, err := speech.ParseVoices(cfg.Voices)
		if err != nil {
			return nil, fmt.Errorf("invalid tts voices: %w", err)
		}
		lister = voices
	}
	return speech.NewSpeaker(ctx, synth, lister, sink, cfg.FallbackLang, logger), nil
}
