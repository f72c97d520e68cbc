package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel          string `yaml:"log_level"`
	OTLPEndpoint      string `yaml:"otlp_endpoint"`
	OTLPInsecure      bool   `yaml:"otlp_insecure"`
	StdoutTraces      bool   `yaml:"stdout_traces"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string          `yaml:"runtime_name"`
	Environment  string          `yaml:"environment"`
	OpenAIAPIKey string          `yaml:"openai_api_key"`
	HTTP         HTTPConfig      `yaml:"http"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	Bus          BusConfig       `yaml:"bus"`
	Capture      CaptureConfig   `yaml:"capture"`
	STT          STTConfig       `yaml:"stt"`
	Analysis     AnalysisConfig  `yaml:"analysis"`
	Store        StoreConfig     `yaml:"store"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// CaptureConfig controls the microphone session. A zero SampleRate or
// Channels means "use the device's native value".
type CaptureConfig struct {
	Device           string  `yaml:"device"` // portaudio, synthetic
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	FramesPerBuffer  int     `yaml:"frames_per_buffer"`
	QueueDepth       int     `yaml:"queue_depth"`
	EnqueueTimeoutMS int     `yaml:"enqueue_timeout_ms"`
	LevelGain        float64 `yaml:"level_gain"`
	TempDir          string  `yaml:"temp_dir"`
	ToneHz           float64 `yaml:"tone_hz"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // openai, exec, mock
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	Language  string `yaml:"language"`
	MockText  string `yaml:"mock_text"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type AnalysisConfig struct {
	Mode        string  `yaml:"mode"` // openai, exec
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Command     string  `yaml:"command"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
}

func Default() Config {
	return Config{
		RuntimeName: "demeterr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:          "info",
			OTLPInsecure:      true,
			StdoutTraces:      true,
			PrometheusEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Device:           "portaudio",
			FramesPerBuffer:  1024,
			QueueDepth:       256,
			EnqueueTimeoutMS: 20,
			LevelGain:        10,
			ToneHz:           440,
		},
		STT: STTConfig{
			Mode:      "openai",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "whisper-1",
			TimeoutMS: 60000,
		},
		Analysis: AnalysisConfig{
			Mode:        "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			TimeoutMS:   60000,
		},
		Store: StoreConfig{
			Path:          "./data/demeterr.db",
			RetentionMode: "persistent",
			RetentionDays: 0,
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

// Timeout converts a millisecond setting into a duration.
func Timeout(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// NeedsOpenAIKey reports whether any configured backend talks to an
// OpenAI-compatible endpoint.
func (c Config) NeedsOpenAIKey() bool {
	return c.STT.Mode == "openai" || c.Analysis.Mode == "openai"
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	overrideString(&cfg.OpenAIAPIKey, "DEMETERR_OPENAI_API_KEY")
	overrideString(&cfg.RuntimeName, "DEMETERR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DEMETERR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DEMETERR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DEMETERR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DEMETERR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DEMETERR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DEMETERR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "DEMETERR_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Telemetry.PrometheusEnabled, "DEMETERR_TELEMETRY_PROMETHEUS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "DEMETERR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "DEMETERR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DEMETERR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "DEMETERR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "DEMETERR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DEMETERR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DEMETERR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DEMETERR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DEMETERR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DEMETERR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Device, "DEMETERR_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "DEMETERR_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "DEMETERR_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "DEMETERR_CAPTURE_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Capture.QueueDepth, "DEMETERR_CAPTURE_QUEUE_DEPTH")
	overrideInt(&cfg.Capture.EnqueueTimeoutMS, "DEMETERR_CAPTURE_ENQUEUE_TIMEOUT_MS")
	overrideFloat(&cfg.Capture.LevelGain, "DEMETERR_CAPTURE_LEVEL_GAIN")
	overrideString(&cfg.Capture.TempDir, "DEMETERR_CAPTURE_TEMP_DIR")
	overrideFloat(&cfg.Capture.ToneHz, "DEMETERR_CAPTURE_TONE_HZ")
	overrideString(&cfg.STT.Mode, "DEMETERR_STT_MODE")
	overrideString(&cfg.STT.BaseURL, "DEMETERR_STT_BASE_URL")
	overrideString(&cfg.STT.Model, "DEMETERR_STT_MODEL")
	overrideString(&cfg.STT.Command, "DEMETERR_STT_COMMAND")
	overrideString(&cfg.STT.Language, "DEMETERR_STT_LANGUAGE")
	overrideString(&cfg.STT.MockText, "DEMETERR_STT_MOCK_TEXT")
	overrideInt(&cfg.STT.TimeoutMS, "DEMETERR_STT_TIMEOUT_MS")
	overrideString(&cfg.Analysis.Mode, "DEMETERR_ANALYSIS_MODE")
	overrideString(&cfg.Analysis.BaseURL, "DEMETERR_ANALYSIS_BASE_URL")
	overrideString(&cfg.Analysis.Model, "DEMETERR_ANALYSIS_MODEL")
	overrideString(&cfg.Analysis.Command, "DEMETERR_ANALYSIS_COMMAND")
	overrideFloat(&cfg.Analysis.Temperature, "DEMETERR_ANALYSIS_TEMPERATURE")
	overrideInt(&cfg.Analysis.TimeoutMS, "DEMETERR_ANALYSIS_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "DEMETERR_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "DEMETERR_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "DEMETERR_STORE_RETENTION_DAYS")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Device {
	case "portaudio", "synthetic":
	default:
		return errors.New("capture.device must be one of portaudio|synthetic")
	}
	if cfg.Capture.SampleRate < 0 {
		return errors.New("capture.sample_rate must be >= 0")
	}
	if cfg.Capture.Channels < 0 {
		return errors.New("capture.channels must be >= 0")
	}
	if cfg.Capture.FramesPerBuffer <= 0 {
		return errors.New("capture.frames_per_buffer must be positive")
	}
	if cfg.Capture.QueueDepth <= 0 {
		return errors.New("capture.queue_depth must be positive")
	}
	if cfg.Capture.EnqueueTimeoutMS < 0 {
		return errors.New("capture.enqueue_timeout_ms must be >= 0")
	}
	if cfg.Capture.LevelGain <= 0 {
		return errors.New("capture.level_gain must be positive")
	}
	switch cfg.STT.Mode {
	case "openai":
		if cfg.STT.BaseURL == "" {
			return errors.New("stt.base_url must be set when mode=openai")
		}
		if cfg.STT.Model == "" {
			return errors.New("stt.model must be set when mode=openai")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of openai|exec|mock")
	}
	switch cfg.Analysis.Mode {
	case "openai":
		if cfg.Analysis.BaseURL == "" {
			return errors.New("analysis.base_url must be set when mode=openai")
		}
		if cfg.Analysis.Model == "" {
			return errors.New("analysis.model must be set when mode=openai")
		}
	case "exec":
		if cfg.Analysis.Command == "" {
			return errors.New("analysis.command must be set when mode=exec")
		}
	default:
		return errors.New("analysis.mode must be one of openai|exec")
	}
	if cfg.Analysis.Temperature < 0 || cfg.Analysis.Temperature > 2 {
		return errors.New("analysis.temperature must be between 0 and 2")
	}
	if cfg.NeedsOpenAIKey() && strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return errors.New("OPENAI_API_KEY must be set when stt.mode or analysis.mode is openai")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty")
		}
	default:
		return errors.New("store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	return nil
}
