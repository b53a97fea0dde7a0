package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Metrics      bool   `yaml:"metrics"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Capture     CaptureConfig   `yaml:"capture"`
	STT         STTConfig       `yaml:"stt"`
	TTS         TTSConfig       `yaml:"tts"`
	Questions   QuestionsConfig `yaml:"questions"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// CaptureConfig selects where learner audio comes from and how clips are kept.
type CaptureConfig struct {
	Source        string `yaml:"source"` // mock, exec, bus
	Command       string `yaml:"command"`
	Device        string `yaml:"device"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
	ClipDir       string `yaml:"clip_dir"`
	ClipBaseURL   string `yaml:"clip_base_url"`
	OpenTimeoutMS int    `yaml:"open_timeout_ms"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper-cli
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	ModelURL  string `yaml:"model_url"`
	Language  string `yaml:"language"`
	Preload   bool   `yaml:"preload"`
	MockText  string `yaml:"mock_text"`
}

type TTSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Mode           string   `yaml:"mode"` // mock, exec
	Command        string   `yaml:"command"`
	VoicesCommand  string   `yaml:"voices_command"`
	Voices         []string `yaml:"voices"`
	SampleRate     int      `yaml:"sample_rate"`
	Channels       int      `yaml:"channels"`
	VoiceRefreshMS int      `yaml:"voice_refresh_ms"`
	FallbackLang   string   `yaml:"fallback_lang"`
}

type QuestionsConfig struct {
	Path         string `yaml:"path"`
	SeedFile     string `yaml:"seed_file"`
	SeedDefault  bool   `yaml:"seed_default"`
	DefaultLevel string `yaml:"default_level"`
}

type PipelineConfig struct {
	PlaybackRate     float64 `yaml:"playback_rate"`
	CommandTimeoutMS int     `yaml:"command_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-repeat",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Metrics:      true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Source:        "mock",
			Command:       "arecord -q -t raw -f S16_LE -c 1 -r 16000",
			Device:        "default",
			SampleRate:    16000,
			Channels:      1,
			MaxDurationMS: 30000,
			ClipDir:       filepath.Join(os.TempDir(), "loqa-repeat", "clips"),
			ClipBaseURL:   "/clips/",
			OpenTimeoutMS: 2000,
		},
		STT: STTConfig{
			Mode:     "mock",
			Command:  "whisper-cli",
			Language: "en",
			Preload:  true,
		},
		TTS: TTSConfig{
			Enabled:        true,
			Mode:           "mock",
			SampleRate:     22050,
			Channels:       1,
			VoiceRefreshMS: 60000,
			FallbackLang:   "en-US",
		},
		Questions: QuestionsConfig{
			Path:         "./data/repeat-questions.db",
			SeedDefault:  true,
			DefaultLevel: "beginner",
		},
		Pipeline: PipelineConfig{
			PlaybackRate:     1.0,
			CommandTimeoutMS: 5000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "REPEAT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "REPEAT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "REPEAT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "REPEAT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "REPEAT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "REPEAT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "REPEAT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Metrics, "REPEAT_TELEMETRY_METRICS")
	overrideBool(&cfg.Bus.Embedded, "REPEAT_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "REPEAT_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "REPEAT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "REPEAT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "REPEAT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "REPEAT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "REPEAT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "REPEAT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "REPEAT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "REPEAT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Source, "REPEAT_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.Command, "REPEAT_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Device, "REPEAT_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "REPEAT_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "REPEAT_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.MaxDurationMS, "REPEAT_CAPTURE_MAX_DURATION_MS")
	overrideString(&cfg.Capture.ClipDir, "REPEAT_CAPTURE_CLIP_DIR")
	overrideString(&cfg.Capture.ClipBaseURL, "REPEAT_CAPTURE_CLIP_BASE_URL")
	overrideInt(&cfg.Capture.OpenTimeoutMS, "REPEAT_CAPTURE_OPEN_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "REPEAT_STT_MODE")
	overrideString(&cfg.STT.Command, "REPEAT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "REPEAT_STT_MODEL_PATH")
	overrideString(&cfg.STT.ModelURL, "REPEAT_STT_MODEL_URL")
	overrideString(&cfg.STT.Language, "REPEAT_STT_LANGUAGE")
	overrideBool(&cfg.STT.Preload, "REPEAT_STT_PRELOAD")
	overrideString(&cfg.STT.MockText, "REPEAT_STT_MOCK_TEXT")
	overrideBool(&cfg.TTS.Enabled, "REPEAT_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "REPEAT_TTS_MODE")
	overrideString(&cfg.TTS.Command, "REPEAT_TTS_COMMAND")
	overrideString(&cfg.TTS.VoicesCommand, "REPEAT_TTS_VOICES_COMMAND")
	overrideStringSlice(&cfg.TTS.Voices, "REPEAT_TTS_VOICES")
	overrideInt(&cfg.TTS.SampleRate, "REPEAT_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "REPEAT_TTS_CHANNELS")
	overrideInt(&cfg.TTS.VoiceRefreshMS, "REPEAT_TTS_VOICE_REFRESH_MS")
	overrideString(&cfg.TTS.FallbackLang, "REPEAT_TTS_FALLBACK_LANG")
	overrideString(&cfg.Questions.Path, "REPEAT_QUESTIONS_PATH")
	overrideString(&cfg.Questions.SeedFile, "REPEAT_QUESTIONS_SEED_FILE")
	overrideBool(&cfg.Questions.SeedDefault, "REPEAT_QUESTIONS_SEED_DEFAULT")
	overrideString(&cfg.Questions.DefaultLevel, "REPEAT_QUESTIONS_DEFAULT_LEVEL")
	overrideFloat(&cfg.Pipeline.PlaybackRate, "REPEAT_PIPELINE_PLAYBACK_RATE")
	overrideInt(&cfg.Pipeline.CommandTimeoutMS, "REPEAT_PIPELINE_COMMAND_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Source {
	case "mock", "exec", "bus":
	default:
		return errors.New("capture.source must be one of mock|exec|bus")
	}
	if cfg.Capture.Source == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when source=exec")
	}
	if cfg.Capture.Source == "bus" && cfg.Capture.Device == "" {
		return errors.New("capture.device must be set when source=bus")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.MaxDurationMS <= 0 {
		return errors.New("capture.max_duration_ms must be positive")
	}
	if cfg.Capture.ClipDir == "" {
		return errors.New("capture.clip_dir must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "whisper-cli":
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper-cli")
	}
	if cfg.STT.Mode != "mock" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode is not mock")
	}
	if cfg.STT.Mode == "whisper-cli" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper-cli")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.VoiceRefreshMS < 0 {
			return errors.New("tts.voice_refresh_ms must be >= 0")
		}
	}
	if cfg.Questions.Path == "" {
		return errors.New("questions.path must not be empty")
	}
	switch cfg.Questions.DefaultLevel {
	case "beginner", "elementary", "intermediate", "advanced":
	default:
		return errors.New("questions.default_level must be one of beginner|elementary|intermediate|advanced")
	}
	if cfg.Pipeline.PlaybackRate <= 0 || cfg.Pipeline.PlaybackRate > 10 {
		return errors.New("pipeline.playback_rate must be in (0, 10]")
	}
	if cfg.Pipeline.CommandTimeoutMS <= 0 {
		return errors.New("pipeline.command_timeout_ms must be positive")
	}
	return nil
}
