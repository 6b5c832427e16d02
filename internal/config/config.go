package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// SlogLevel maps log_level onto slog. Unknown values fall back to info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind            string   `yaml:"bind"`
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Capture     CaptureConfig   `yaml:"capture"`
	Tiers       TiersConfig     `yaml:"tiers"`
	Ingress     IngressConfig   `yaml:"ingress"`
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

// StoreConfig selects the session word store backend.
type StoreConfig struct {
	Driver        string `yaml:"driver"` // memory, sqlite, redis
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type CaptureConfig struct {
	BatchThreshold int    `yaml:"batch_threshold"`
	WordPolicy     string `yaml:"word_policy"` // words, phrase
	FlushTimeoutMS int    `yaml:"flush_timeout_ms"`
}

type TiersConfig struct {
	Local      LocalTierConfig      `yaml:"local"`
	Cloud      CloudTierConfig      `yaml:"cloud"`
	Simulation SimulationTierConfig `yaml:"simulation"`
}

type LocalTierConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // http, exec
	Endpoint  string `yaml:"endpoint"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type CloudTierConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type SimulationTierConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Seed       int64    `yaml:"seed"`
	Vocabulary []string `yaml:"vocabulary"`
}

type IngressConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	EventsPrefix  string `yaml:"events_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-capture",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0",
			Port:            8080,
			MaxMessageBytes: 4 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Driver:        "memory",
			Path:          "./data/loqa-sessions.db",
			RetentionDays: 30,
			MaxSessions:   10000,
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "loqa:capture",
		},
		Capture: CaptureConfig{
			BatchThreshold: 5,
			WordPolicy:     "words",
			FlushTimeoutMS: 30000,
		},
		Tiers: TiersConfig{
			Local: LocalTierConfig{
				Enabled:   false,
				Mode:      "http",
				Endpoint:  "http://localhost:8178",
				TimeoutMS: 30000,
			},
			Cloud: CloudTierConfig{
				BaseURL:   "https://api.openai.com/v1",
				Model:     "whisper-1",
				TimeoutMS: 30000,
			},
			Simulation: SimulationTierConfig{
				Enabled:    true,
				Vocabulary: []string{"Hello", "World", "Testing", "Audio", "Transcription", "Speech", "Recognition"},
			},
		},
		Ingress: IngressConfig{
			Enabled:       false,
			SubjectPrefix: "audio.frame",
			EventsPrefix:  "capture.events",
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
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Driver, "LOQA_STORE_DRIVER")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "LOQA_STORE_MAX_SESSIONS")
	overrideString(&cfg.Store.RedisAddr, "LOQA_STORE_REDIS_ADDR")
	overrideString(&cfg.Store.RedisPassword, "LOQA_STORE_REDIS_PASSWORD")
	overrideInt(&cfg.Store.RedisDB, "LOQA_STORE_REDIS_DB")
	overrideString(&cfg.Store.RedisPrefix, "LOQA_STORE_REDIS_PREFIX")
	overrideInt(&cfg.Capture.BatchThreshold, "LOQA_CAPTURE_BATCH_THRESHOLD")
	overrideString(&cfg.Capture.WordPolicy, "LOQA_CAPTURE_WORD_POLICY")
	overrideInt(&cfg.Capture.FlushTimeoutMS, "LOQA_CAPTURE_FLUSH_TIMEOUT_MS")
	overrideBool(&cfg.Tiers.Local.Enabled, "LOQA_TIERS_LOCAL_ENABLED")
	overrideString(&cfg.Tiers.Local.Mode, "LOQA_TIERS_LOCAL_MODE")
	overrideString(&cfg.Tiers.Local.Endpoint, "LOQA_TIERS_LOCAL_ENDPOINT")
	overrideString(&cfg.Tiers.Local.Command, "LOQA_TIERS_LOCAL_COMMAND")
	overrideString(&cfg.Tiers.Local.ModelPath, "LOQA_TIERS_LOCAL_MODEL_PATH")
	overrideString(&cfg.Tiers.Local.Language, "LOQA_TIERS_LOCAL_LANGUAGE")
	overrideInt(&cfg.Tiers.Local.TimeoutMS, "LOQA_TIERS_LOCAL_TIMEOUT_MS")
	overrideString(&cfg.Tiers.Cloud.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Tiers.Cloud.APIKey, "LOQA_TIERS_CLOUD_API_KEY")
	overrideString(&cfg.Tiers.Cloud.BaseURL, "LOQA_TIERS_CLOUD_BASE_URL")
	overrideString(&cfg.Tiers.Cloud.Model, "LOQA_TIERS_CLOUD_MODEL")
	overrideString(&cfg.Tiers.Cloud.Language, "LOQA_TIERS_CLOUD_LANGUAGE")
	overrideInt(&cfg.Tiers.Cloud.TimeoutMS, "LOQA_TIERS_CLOUD_TIMEOUT_MS")
	overrideBool(&cfg.Tiers.Simulation.Enabled, "LOQA_TIERS_SIMULATION_ENABLED")
	overrideInt64(&cfg.Tiers.Simulation.Seed, "LOQA_TIERS_SIMULATION_SEED")
	overrideStringSlice(&cfg.Tiers.Simulation.Vocabulary, "LOQA_TIERS_SIMULATION_VOCABULARY")
	overrideBool(&cfg.Ingress.Enabled, "LOQA_INGRESS_ENABLED")
	overrideString(&cfg.Ingress.SubjectPrefix, "LOQA_INGRESS_SUBJECT_PREFIX")
	overrideString(&cfg.Ingress.EventsPrefix, "LOQA_INGRESS_EVENTS_PREFIX")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxMessageBytes <= 0 {
		return errors.New("http.max_message_bytes must be positive")
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
	if cfg.Ingress.Enabled && !cfg.Bus.Enabled {
		return errors.New("ingress.enabled requires bus.enabled")
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must be set when driver=sqlite")
		}
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return errors.New("store.redis_addr must be set when driver=redis")
		}
	default:
		return errors.New("store.driver must be one of memory|sqlite|redis")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Capture.BatchThreshold <= 0 {
		return errors.New("capture.batch_threshold must be >= 1")
	}
	switch cfg.Capture.WordPolicy {
	case "words", "phrase":
	default:
		return errors.New("capture.word_policy must be one of words|phrase")
	}
	if cfg.Capture.FlushTimeoutMS < 0 {
		return errors.New("capture.flush_timeout_ms must be >= 0")
	}
	if cfg.Tiers.Local.Enabled {
		switch cfg.Tiers.Local.Mode {
		case "http":
			if cfg.Tiers.Local.Endpoint == "" {
				return errors.New("tiers.local.endpoint must be set when mode=http")
			}
		case "exec":
			if cfg.Tiers.Local.Command == "" {
				return errors.New("tiers.local.command must be set when mode=exec")
			}
		default:
			return errors.New("tiers.local.mode must be one of http|exec")
		}
	}
	if cfg.Tiers.Local.TimeoutMS < 0 || cfg.Tiers.Cloud.TimeoutMS < 0 {
		return errors.New("tier timeouts must be >= 0")
	}
	if cfg.Tiers.Simulation.Enabled && len(cfg.Tiers.Simulation.Vocabulary) == 0 {
		return errors.New("tiers.simulation.vocabulary must not be empty when simulation is enabled")
	}
	if !cfg.Tiers.Local.Enabled && cfg.Tiers.Cloud.APIKey == "" && !cfg.Tiers.Simulation.Enabled {
		return errors.New("at least one transcription tier must be available")
	}
	return nil
}
