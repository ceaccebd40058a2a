package config

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig             `yaml:"store" mapstructure:"store"`
	Log          LogConfig               `yaml:"log" mapstructure:"log"`
	Server       ServerConfig            `yaml:"server" mapstructure:"server"`
	Metrics      MetricsConfig           `yaml:"metrics" mapstructure:"metrics"`
	Anthropic    AnthropicConfig         `yaml:"anthropic" mapstructure:"anthropic"`
	Notion       NotionConfig            `yaml:"notion" mapstructure:"notion"`
	Batch        BatchConfig             `yaml:"batch" mapstructure:"batch"`
	Aggregate    AggregateConfig         `yaml:"aggregate" mapstructure:"aggregate"`
	Retry        RetryConfig             `yaml:"retry" mapstructure:"retry"`
	Circuit      CircuitConfig           `yaml:"circuit" mapstructure:"circuit"`
	Sources      map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
	Priority     []string                `yaml:"priority" mapstructure:"priority"`
	Bands        BandsConfig             `yaml:"bands" mapstructure:"bands"`
	Adjudication AdjudicationConfig      `yaml:"adjudication" mapstructure:"adjudication"`
	DLQ          DLQConfig               `yaml:"dlq" mapstructure:"dlq"`
	// WaterfallPath and ScoringPath point at the declarative tables. Empty
	// means the compiled-in defaults.
	WaterfallPath string `yaml:"waterfall_path" mapstructure:"waterfall_path"`
	ScoringPath   string `yaml:"scoring_path" mapstructure:"scoring_path"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP intake server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// RequestTimeoutSecs bounds a synchronous qualify request.
	RequestTimeoutSecs int `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// NotionConfig holds Notion API credentials and the lead queue database.
type NotionConfig struct {
	Token     string  `yaml:"token" mapstructure:"token"`
	LeadDB    string  `yaml:"lead_db" mapstructure:"lead_db"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentLeads int `yaml:"max_concurrent_leads" mapstructure:"max_concurrent_leads"`
}

// AggregateConfig configures enrichment fan-out.
type AggregateConfig struct {
	DeadlineSecs int `yaml:"deadline_secs" mapstructure:"deadline_secs"`
}

// Deadline returns the aggregation deadline.
func (a AggregateConfig) Deadline() time.Duration {
	return time.Duration(a.DeadlineSecs) * time.Second
}

// RetryConfig configures per-source retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-source circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	CooldownCalls    int `yaml:"cooldown_calls" mapstructure:"cooldown_calls"`
}

// SourceConfig locates one enrichment source's RPC endpoint.
type SourceConfig struct {
	Endpoint  string  `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey    string  `yaml:"api_key" mapstructure:"api_key"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// BandsConfig holds the decision score thresholds.
type BandsConfig struct {
	Low  int `yaml:"low_threshold" mapstructure:"low_threshold"`
	High int `yaml:"high_threshold" mapstructure:"high_threshold"`
}

// AdjudicationConfig configures marginal-lead escalation.
type AdjudicationConfig struct {
	Enabled     bool `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs int  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int  `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// Timeout returns the adjudication time bound.
func (a AdjudicationConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSecs) * time.Second
}

// DLQConfig configures the dead letter queue.
type DLQConfig struct {
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// OwnerSource is the source that may fall back to local website extraction.
const OwnerSource = "owner"

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUALIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "qualify.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 120)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("notion.rate_limit", 3)
	v.SetDefault("batch.max_concurrent_leads", 5)
	v.SetDefault("aggregate.deadline_secs", 45)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("circuit.cooldown_calls", 1)
	v.SetDefault("bands.low_threshold", 4)
	v.SetDefault("bands.high_threshold", 8)
	v.SetDefault("adjudication.enabled", true)
	v.SetDefault("adjudication.timeout_secs", 30)
	v.SetDefault("adjudication.max_attempts", 3)
	v.SetDefault("dlq.max_retries", 3)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "qualify" (any
// command that runs leads), "serve" (qualify plus the HTTP server), "notion"
// (qualify plus the Notion lead queue) and "store" (database only).
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "store":
	case "qualify", "serve", "notion":
		problems = append(problems, c.qualifyProblems()...)
		if mode == "serve" && c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if mode == "notion" {
			if c.Notion.Token == "" {
				problems = append(problems, "notion.token is required")
			}
			if c.Notion.LeadDB == "" {
				problems = append(problems, "notion.lead_db is required")
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) qualifyProblems() []string {
	var problems []string

	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name != OwnerSource && c.Sources[name].Endpoint == "" {
			problems = append(problems, "sources."+name+".endpoint is required")
		}
	}

	if c.Bands.Low >= c.Bands.High {
		problems = append(problems, "bands.low_threshold must be below bands.high_threshold")
	}
	if c.Adjudication.Enabled && c.Anthropic.Key == "" {
		problems = append(problems, "anthropic.key is required when adjudication is enabled")
	}
	if c.Aggregate.DeadlineSecs <= 0 {
		problems = append(problems, "aggregate.deadline_secs must be positive")
	}
	if c.Batch.MaxConcurrentLeads < 1 || c.Batch.MaxConcurrentLeads > 50 {
		problems = append(problems, "batch.max_concurrent_leads must be between 1 and 50")
	}
	return problems
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
