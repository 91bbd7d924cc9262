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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Bind         string   `yaml:"bind"`
	Port         int      `yaml:"port"`
	CORSOrigins  []string `yaml:"cors_origins"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	CallLog     CallLogConfig   `yaml:"call_log"`
	STT         STTConfig       `yaml:"stt"`
	TTS         TTSConfig       `yaml:"tts"`
	Agent       AgentConfig     `yaml:"agent"`
}

type BusConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Embedded           bool     `yaml:"embedded"`
	Port               int      `yaml:"port"`
	Servers            []string `yaml:"servers"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	Token              string   `yaml:"token"`
	TLSInsecure        bool     `yaml:"tls_insecure"`
	ConnectTimeout     int      `yaml:"connect_timeout_ms"`
	PublishTranscripts bool     `yaml:"publish_transcripts"`
	PublishPartials    bool     `yaml:"publish_partials"`
}

type CallLogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode                string  `yaml:"mode"` // mock, exec, whisper
	Command             string  `yaml:"command"`
	ModelPath           string  `yaml:"model_path"`
	Language            string  `yaml:"language"`
	DefaultSampleRate   int     `yaml:"default_sample_rate"`
	PartialEveryMS      int     `yaml:"partial_every_ms"`
	EndpointSilenceMS   int     `yaml:"endpoint_silence_ms"`
	PrerollMS           int     `yaml:"preroll_ms"`
	SilenceThreshold    float64 `yaml:"silence_threshold"`
	RestartPolicy       string  `yaml:"restart_policy"` // discard, finalize
	MaxMalformedControl int     `yaml:"max_malformed_control"`
	MaxFrameBytes       int64   `yaml:"max_frame_bytes"`
}

type TTSConfig struct {
	Mode            string  `yaml:"mode"` // mock, piper
	InstallDir      string  `yaml:"install_dir"`
	Executable      string  `yaml:"executable"`
	DefaultVoice    string  `yaml:"default_voice"`
	LengthScale     float64 `yaml:"length_scale"`
	SentenceSilence float64 `yaml:"sentence_silence"`
	SampleRate      int     `yaml:"sample_rate"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	StreamBuffer    int     `yaml:"stream_buffer"`
	StderrLimit     int     `yaml:"stderr_limit"`
}

type AgentConfig struct {
	Kind        string        `yaml:"kind"` // mock, openai, ollama, exec, nats
	Timeout     time.Duration `yaml:"timeout"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	OpenAIKey   string        `yaml:"openai_api_key"`
	OpenAIURL   string        `yaml:"openai_base_url"`
	Endpoint    string        `yaml:"endpoint"`
	Command     string        `yaml:"command"`
	Subject     string        `yaml:"subject"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicegw",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         8000,
			CORSOrigins:  []string{"*"},
			MaxBodyBytes: 1 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		CallLog: CallLogConfig{
			Path:          "./data/voicegw-calls.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxEntries:    100000,
		},
		STT: STTConfig{
			Mode:                "mock",
			Language:            "en",
			DefaultSampleRate:   16000,
			PartialEveryMS:      300,
			EndpointSilenceMS:   600,
			PrerollMS:           300,
			SilenceThreshold:    0.01,
			RestartPolicy:       "discard",
			MaxMalformedControl: 0,
			MaxFrameBytes:       1 << 20,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			InstallDir:      "./models/piper",
			Executable:      "piper",
			DefaultVoice:    "en_US-amy-medium.onnx",
			LengthScale:     0.9,
			SentenceSilence: 0.25,
			SampleRate:      16000,
			ChunkDurationMS: 20,
			StreamBuffer:    4,
			StderrLimit:     800,
		},
		Agent: AgentConfig{
			Kind:        "mock",
			Timeout:     5 * time.Minute,
			Temperature: 0.6,
			Endpoint:    "http://127.0.0.1:11434",
			Subject:     "agent.reply",
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

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyLegacyEnv honours the variable names used by existing server/.env files.
func applyLegacyEnv(cfg *Config) {
	overrideString(&cfg.Agent.Kind, "AGENT_KIND")
	overrideString(&cfg.Agent.OpenAIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Agent.OpenAIURL, "OPENAI_BASE_URL")
	overrideFloat(&cfg.TTS.LengthScale, "TTS_LENGTH_SCALE")
	overrideString(&cfg.STT.ModelPath, "VOSK_MODEL_DIR")
	if strings.EqualFold(strings.TrimSpace(cfg.Agent.Kind), "openai") {
		overrideString(&cfg.Agent.Model, "OPENAI_MODEL")
	}
	if kind := strings.ToLower(strings.TrimSpace(cfg.Agent.Kind)); kind == "ollama" || kind == "rag_ollama" {
		overrideString(&cfg.Agent.Model, "OLLAMA_MODEL")
		if value, ok := os.LookupEnv("OLLAMA_URL"); ok && strings.TrimSpace(value) != "" {
			cfg.Agent.Endpoint = strings.TrimSuffix(strings.TrimSpace(value), "/api/generate")
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "LOQA_HTTP_CORS_ORIGINS")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "LOQA_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "LOQA_TELEMETRY_METRICS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishTranscripts, "LOQA_BUS_PUBLISH_TRANSCRIPTS")
	overrideBool(&cfg.Bus.PublishPartials, "LOQA_BUS_PUBLISH_PARTIALS")
	overrideString(&cfg.CallLog.Path, "LOQA_CALL_LOG_PATH")
	overrideString(&cfg.CallLog.RetentionMode, "LOQA_CALL_LOG_RETENTION_MODE")
	overrideInt(&cfg.CallLog.RetentionDays, "LOQA_CALL_LOG_RETENTION_DAYS")
	overrideInt(&cfg.CallLog.MaxEntries, "LOQA_CALL_LOG_MAX_ENTRIES")
	overrideBool(&cfg.CallLog.VacuumOnStart, "LOQA_CALL_LOG_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.DefaultSampleRate, "LOQA_STT_DEFAULT_SAMPLE_RATE")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.EndpointSilenceMS, "LOQA_STT_ENDPOINT_SILENCE_MS")
	overrideInt(&cfg.STT.PrerollMS, "LOQA_STT_PREROLL_MS")
	overrideFloat(&cfg.STT.SilenceThreshold, "LOQA_STT_SILENCE_THRESHOLD")
	overrideString(&cfg.STT.RestartPolicy, "LOQA_STT_RESTART_POLICY")
	overrideInt(&cfg.STT.MaxMalformedControl, "LOQA_STT_MAX_MALFORMED_CONTROL")
	overrideInt64(&cfg.STT.MaxFrameBytes, "LOQA_STT_MAX_FRAME_BYTES")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.InstallDir, "LOQA_TTS_INSTALL_DIR")
	overrideString(&cfg.TTS.Executable, "LOQA_TTS_EXECUTABLE")
	overrideString(&cfg.TTS.DefaultVoice, "LOQA_TTS_DEFAULT_VOICE")
	overrideFloat(&cfg.TTS.LengthScale, "LOQA_TTS_LENGTH_SCALE")
	overrideFloat(&cfg.TTS.SentenceSilence, "LOQA_TTS_SENTENCE_SILENCE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.StreamBuffer, "LOQA_TTS_STREAM_BUFFER")
	overrideInt(&cfg.TTS.StderrLimit, "LOQA_TTS_STDERR_LIMIT")
	overrideString(&cfg.Agent.Kind, "LOQA_AGENT_KIND")
	overrideDuration(&cfg.Agent.Timeout, "LOQA_AGENT_TIMEOUT")
	overrideString(&cfg.Agent.Model, "LOQA_AGENT_MODEL")
	overrideFloat(&cfg.Agent.Temperature, "LOQA_AGENT_TEMPERATURE")
	overrideString(&cfg.Agent.OpenAIKey, "LOQA_AGENT_OPENAI_API_KEY")
	overrideString(&cfg.Agent.OpenAIURL, "LOQA_AGENT_OPENAI_BASE_URL")
	overrideString(&cfg.Agent.Endpoint, "LOQA_AGENT_ENDPOINT")
	overrideString(&cfg.Agent.Command, "LOQA_AGENT_COMMAND")
	overrideString(&cfg.Agent.Subject, "LOQA_AGENT_SUBJECT")

	cfg.Agent.Kind = strings.ToLower(strings.TrimSpace(cfg.Agent.Kind))
	if cfg.Agent.Kind == "rag_ollama" {
		cfg.Agent.Kind = "ollama"
	}
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
		}
	}
}

// ChunkBytes returns the byte size of one streamed 16-bit mono chunk.
func (c TTSConfig) ChunkBytes() int {
	return c.SampleRate * c.ChunkDurationMS / 1000 * 2
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
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
	switch cfg.CallLog.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.CallLog.Path == "" {
			return errors.New("call_log.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("call_log.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.CallLog.RetentionDays < 0 {
		return errors.New("call_log.retention_days must be >= 0")
	}

	switch cfg.STT.Mode {
	case "mock", "whisper":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	if cfg.STT.DefaultSampleRate <= 0 {
		return errors.New("stt.default_sample_rate must be positive")
	}
	if cfg.STT.EndpointSilenceMS <= 0 {
		return errors.New("stt.endpoint_silence_ms must be positive")
	}
	if cfg.STT.PrerollMS < 0 {
		return errors.New("stt.preroll_ms must be >= 0")
	}
	if cfg.STT.PartialEveryMS < 0 {
		return errors.New("stt.partial_every_ms must be >= 0")
	}
	switch cfg.STT.RestartPolicy {
	case "discard", "finalize":
	default:
		return errors.New("stt.restart_policy must be one of discard|finalize")
	}
	if cfg.STT.MaxMalformedControl < 0 {
		return errors.New("stt.max_malformed_control must be >= 0")
	}

	switch cfg.TTS.Mode {
	case "mock":
	case "piper":
		if cfg.TTS.InstallDir == "" || cfg.TTS.Executable == "" {
			return errors.New("tts.install_dir and tts.executable must be set when mode=piper")
		}
	default:
		return errors.New("tts.mode must be one of mock|piper")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.ChunkDurationMS <= 0 || cfg.TTS.ChunkBytes() <= 0 {
		return errors.New("tts.chunk_duration_ms must yield a positive chunk size")
	}
	if cfg.TTS.LengthScale <= 0 {
		return errors.New("tts.length_scale must be positive")
	}
	if cfg.TTS.StreamBuffer <= 0 {
		return errors.New("tts.stream_buffer must be >= 1")
	}

	switch cfg.Agent.Kind {
	case "mock":
	case "openai":
		if cfg.Agent.OpenAIKey == "" {
			return errors.New("agent.openai_api_key must be set when kind=openai")
		}
	case "ollama":
		if cfg.Agent.Endpoint == "" {
			return errors.New("agent.endpoint must be set when kind=ollama")
		}
	case "exec":
		if cfg.Agent.Command == "" {
			return errors.New("agent.command must be set when kind=exec")
		}
	case "nats":
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when agent.kind=nats")
		}
		if cfg.Agent.Subject == "" {
			return errors.New("agent.subject must be set when kind=nats")
		}
	default:
		return fmt.Errorf("unknown agent.kind: %q", cfg.Agent.Kind)
	}
	if cfg.Agent.Timeout < 0 {
		return errors.New("agent.timeout must be >= 0")
	}
	return nil
}
