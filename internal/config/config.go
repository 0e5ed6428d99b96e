// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"` // non-stream routes only
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins       []string      `yaml:"cors_origins"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty = in-memory store

	// LockKey names the advisory lock that makes one instance the dispatcher
	// for this database. Instances that do not hold it wait as standbys.
	LockKey   int64         `yaml:"lock_key"`
	LockRetry time.Duration `yaml:"lock_retry"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"` // empty = no relay, no rate limit, no cache
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TTL          time.Duration `yaml:"ttl"`
	EventChannel string        `yaml:"event_channel"`
}

type LLMConfig struct {
	Provider       string            `yaml:"provider"` // local|openai|gemini|multi|echo
	BaseURL        string            `yaml:"base_url"`
	APIKey         string            `yaml:"api_key"`
	GeminiKey      string            `yaml:"gemini_key"`
	DefaultModel   string            `yaml:"default_model"`
	Timeout        time.Duration     `yaml:"timeout"`
	MaxTokens      int               `yaml:"max_tokens"`
	Temperature    float64           `yaml:"temperature"`
	ModelProviders map[string]string `yaml:"model_providers"` // model prefix -> provider

	// ProviderConcurrency caps simultaneous calls per provider; 0 or missing = unlimited.
	ProviderConcurrency map[string]int `yaml:"provider_concurrency"`
}

type QueueConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	MaxDepth           int           `yaml:"max_depth"`
	DefaultPriority    int           `yaml:"default_priority"`
	MinPriority        int           `yaml:"min_priority"`
	MaxPriority        int           `yaml:"max_priority"`
	AgingInterval      time.Duration `yaml:"aging_interval"` // 0 disables aging
	InitialEstimate    time.Duration `yaml:"initial_estimate"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"` // 0 disables
	AskTimeout         time.Duration `yaml:"ask_timeout"`
	StatsInterval      time.Duration `yaml:"stats_interval"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Buffer            int           `yaml:"buffer"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	CookieName string `yaml:"cookie_name"`
	Issuer     string `yaml:"issuer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
	Queue    QueueConfig    `yaml:"queue"`
	Stream   StreamConfig   `yaml:"stream"`
	Auth     AuthConfig     `yaml:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads -config and -dev from the command line.
func LoadConfig() (*Config, error) {
	var configPath string
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()
	return Load(configPath, dev)
}

func Load(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadHeaderTimeout <= 0 {
		cfg.HTTP.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Redis.EventChannel == "" {
		cfg.Redis.EventChannel = "llm-jobqueue:events"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "local"
	}
	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.BaseURL == "" && cfg.LLM.Provider == "local" {
		cfg.LLM.BaseURL = "http://localhost:8000/v1"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "default"
	}
	// slow inference hardware; minutes, not seconds
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = 3 * time.Minute
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 1000
	}

	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 1
	}
	if cfg.Queue.MaxDepth <= 0 {
		cfg.Queue.MaxDepth = 10
	}
	if cfg.Queue.MinPriority <= 0 {
		cfg.Queue.MinPriority = 1
	}
	if cfg.Queue.MaxPriority <= 0 {
		cfg.Queue.MaxPriority = 10
	}
	if cfg.Queue.DefaultPriority <= 0 {
		cfg.Queue.DefaultPriority = 5
	}
	if cfg.Queue.InitialEstimate <= 0 {
		cfg.Queue.InitialEstimate = 30 * time.Second
	}
	if cfg.Queue.AskTimeout <= 0 {
		cfg.Queue.AskTimeout = cfg.LLM.Timeout + 30*time.Second
	}
	if cfg.Database.LockKey == 0 {
		cfg.Database.LockKey = 0x6c6c6d6a6f62 // "llmjob"
	}
	if cfg.Database.LockRetry <= 0 {
		cfg.Database.LockRetry = 5 * time.Second
	}
	if cfg.Queue.StatsInterval <= 0 {
		cfg.Queue.StatsInterval = 15 * time.Second
	}

	if cfg.Stream.HeartbeatInterval <= 0 {
		cfg.Stream.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 64
	}
	if cfg.Stream.WriteTimeout <= 0 {
		cfg.Stream.WriteTimeout = 10 * time.Second
	}

	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "session"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func (cfg *Config) validate() error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	switch cfg.LLM.Provider {
	case "local":
		if cfg.LLM.BaseURL == "" {
			return errors.New("llm.base_url is required for the local provider")
		}
	case "openai":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key is required for the openai provider")
		}
	case "gemini":
		if cfg.LLM.GeminiKey == "" {
			return errors.New("llm.gemini_key is required for the gemini provider")
		}
	case "multi", "echo":
	default:
		return fmt.Errorf("llm.provider %q is not supported", cfg.LLM.Provider)
	}
	q := cfg.Queue
	if q.MinPriority > q.MaxPriority {
		return fmt.Errorf("queue.min_priority (%d) > queue.max_priority (%d)", q.MinPriority, q.MaxPriority)
	}
	if q.DefaultPriority < q.MinPriority || q.DefaultPriority > q.MaxPriority {
		return fmt.Errorf("queue.default_priority %d outside [%d, %d]", q.DefaultPriority, q.MinPriority, q.MaxPriority)
	}
	for p, n := range cfg.LLM.ProviderConcurrency {
		if n < 0 {
			return fmt.Errorf("llm.provider_concurrency[%s] must not be negative", p)
		}
	}
	if q.AgingInterval < 0 {
		return errors.New("queue.aging_interval must not be negative")
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
