package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"` // optional dedicated /metrics listener
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
	History     HistoryConfig   `yaml:"history"`
	Capture     CaptureConfig   `yaml:"capture"`
	LLM         LLMConfig       `yaml:"llm"`
	Interview   InterviewConfig `yaml:"interview"`
	Compose     ComposeConfig   `yaml:"compose"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxDrafts     int    `yaml:"max_drafts"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig controls the continuous speech capture session.
type CaptureConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Mode                 string `yaml:"mode"` // mock, exec, none
	Command              string `yaml:"command"`
	Language             string `yaml:"language"`
	InterimResults       bool   `yaml:"interim_results"`
	QuietMS              int    `yaml:"quiet_ms"`
	MaxRestartsPerMinute int    `yaml:"max_restarts_per_minute"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type InterviewConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Tier       string `yaml:"tier"`
	MaxTokens  int    `yaml:"max_tokens"`
	AutoCommit bool   `yaml:"auto_commit"`
}

type ComposeConfig struct {
	Tier          string `yaml:"tier"`
	MaxTokens     int    `yaml:"max_tokens"`
	DefaultTone   string `yaml:"default_tone"`
	DefaultStyle  string `yaml:"default_style"`
	DefaultLength string `yaml:"default_length"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-mail",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/loqa-mail.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxDrafts:     500,
		},
		Capture: CaptureConfig{
			Enabled:              true,
			Mode:                 "mock",
			Language:             "en-US",
			InterimResults:       true,
			QuietMS:              3000,
			MaxRestartsPerMinute: 30,
		},
		LLM: LLMConfig{
			Enabled:       true,
			Mode:          "mock",
			Endpoint:      "https://openrouter.ai/api/v1",
			ModelFast:     "anthropic/claude-3.5-haiku",
			ModelBalanced: "openai/gpt-4o-mini",
			DefaultTier:   "balanced",
			MaxTokens:     1024,
			Temperature:   0.7,
		},
		Interview: InterviewConfig{
			Enabled:    true,
			Tier:       "fast",
			MaxTokens:  1500,
			AutoCommit: true,
		},
		Compose: ComposeConfig{
			Tier:          "balanced",
			MaxTokens:     1024,
			DefaultTone:   "normal",
			DefaultStyle:  "professional",
			DefaultLength: "default",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxDrafts, "LOQA_HISTORY_MAX_DRAFTS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Capture.Enabled, "LOQA_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Language, "LOQA_CAPTURE_LANGUAGE")
	overrideBool(&cfg.Capture.InterimResults, "LOQA_CAPTURE_INTERIM_RESULTS")
	overrideInt(&cfg.Capture.QuietMS, "LOQA_CAPTURE_QUIET_MS")
	overrideInt(&cfg.Capture.MaxRestartsPerMinute, "LOQA_CAPTURE_MAX_RESTARTS_PER_MINUTE")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "OPENROUTER_API_KEY")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideBool(&cfg.Interview.Enabled, "LOQA_INTERVIEW_ENABLED")
	overrideString(&cfg.Interview.Tier, "LOQA_INTERVIEW_TIER")
	overrideInt(&cfg.Interview.MaxTokens, "LOQA_INTERVIEW_MAX_TOKENS")
	overrideBool(&cfg.Interview.AutoCommit, "LOQA_INTERVIEW_AUTO_COMMIT")
	overrideString(&cfg.Compose.Tier, "LOQA_COMPOSE_TIER")
	overrideInt(&cfg.Compose.MaxTokens, "LOQA_COMPOSE_MAX_TOKENS")
	overrideString(&cfg.Compose.DefaultTone, "LOQA_COMPOSE_DEFAULT_TONE")
	overrideString(&cfg.Compose.DefaultStyle, "LOQA_COMPOSE_DEFAULT_STYLE")
	overrideString(&cfg.Compose.DefaultLength, "LOQA_COMPOSE_DEFAULT_LENGTH")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.History.Path == "" && cfg.History.RetentionMode != "ephemeral" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.History.MaxDrafts < 0 {
		return errors.New("history.max_drafts must be >= 0")
	}
	if cfg.Capture.Enabled {
		switch cfg.Capture.Mode {
		case "mock", "exec", "none":
		default:
			return errors.New("capture.mode must be one of mock|exec|none")
		}
		if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
		if cfg.Capture.QuietMS <= 0 {
			return errors.New("capture.quiet_ms must be positive")
		}
		if cfg.Capture.MaxRestartsPerMinute < 0 {
			return errors.New("capture.max_restarts_per_minute must be >= 0")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai|exec")
		}
		if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "openai") && cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.Interview.Enabled && cfg.Interview.MaxTokens < 0 {
		return errors.New("interview.max_tokens must be >= 0")
	}
	if cfg.Compose.MaxTokens < 0 {
		return errors.New("compose.max_tokens must be >= 0")
	}
	return nil
}
