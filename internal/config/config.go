// Package config loads application configuration from config.yaml and
// RECONCILE_-prefixed environment variables, and initializes the global
// logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	Resolver   ResolverConfig   `yaml:"resolver" mapstructure:"resolver"`
	RCA        RCAConfig        `yaml:"rca" mapstructure:"rca"`
	Transport  TransportConfig  `yaml:"transport" mapstructure:"transport"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the lineage store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Path is the SQLite database file.
	Path     string `yaml:"path" mapstructure:"path"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RulesConfig points at the YAML rule files.
type RulesConfig struct {
	MatchPath   string `yaml:"match_path" mapstructure:"match_path"`
	QualityPath string `yaml:"quality_path" mapstructure:"quality_path"`
}

// ResolverConfig tunes the resolution stage.
type ResolverConfig struct {
	// AnomalyAlertCount triggers root cause analysis on the 24h anomaly
	// count.
	AnomalyAlertCount int `yaml:"anomaly_alert_count" mapstructure:"anomaly_alert_count"`
}

// RCAConfig tunes root cause analysis.
type RCAConfig struct {
	CorrelationThreshold float64 `yaml:"correlation_threshold" mapstructure:"correlation_threshold"`
	MaxLead              int     `yaml:"max_lead" mapstructure:"max_lead"`
	MinSamples           int     `yaml:"min_samples" mapstructure:"min_samples"`
	Method               string  `yaml:"method" mapstructure:"method"`
	WindowDays           int     `yaml:"window_days" mapstructure:"window_days"`
}

// TransportConfig sizes the in-process bus.
type TransportConfig struct {
	Partitions  int `yaml:"partitions" mapstructure:"partitions"`
	QueueDepth  int `yaml:"queue_depth" mapstructure:"queue_depth"`
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxBatch    int `yaml:"max_batch" mapstructure:"max_batch"`
}

// RetryConfig tunes the store-write retry budget inside stages.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// MonitoringConfig holds alert thresholds and loop settings.
type MonitoringConfig struct {
	QuarantineRateThreshold float64  `yaml:"quarantine_rate_threshold" mapstructure:"quarantine_rate_threshold"`
	AnomalyCountThreshold   int      `yaml:"anomaly_count_threshold" mapstructure:"anomaly_count_threshold"`
	DLQDepthThreshold       int      `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	PendingThreshold        int      `yaml:"pending_threshold" mapstructure:"pending_threshold"`
	WebhookURL              string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	MinAlertIntervalSecs    int      `yaml:"min_alert_interval_secs" mapstructure:"min_alert_interval_secs"`
	CheckIntervalSecs       int      `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int      `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	SignalMetrics           []string `yaml:"signal_metrics" mapstructure:"signal_metrics"`
}

// ServerConfig configures the HTTP read surface.
type ServerConfig struct {
	Port int    `yaml:"port" mapstructure:"port"`
	Host string `yaml:"host" mapstructure:"host"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads config.yaml (optional) and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "reconcile.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("rules.match_path", "rules/match.yaml")
	v.SetDefault("rules.quality_path", "rules/quality.yaml")
	v.SetDefault("resolver.anomaly_alert_count", 5)
	v.SetDefault("rca.correlation_threshold", 0.7)
	v.SetDefault("rca.max_lead", 3)
	v.SetDefault("rca.min_samples", 20)
	v.SetDefault("rca.method", "pearson")
	v.SetDefault("rca.window_days", 30)
	v.SetDefault("transport.partitions", 4)
	v.SetDefault("transport.queue_depth", 256)
	v.SetDefault("transport.max_attempts", 3)
	v.SetDefault("transport.batch_size", 16)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("monitoring.quarantine_rate_threshold", 0.10)
	v.SetDefault("monitoring.anomaly_count_threshold", 5)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("monitoring.pending_threshold", 20)
	v.SetDefault("monitoring.min_alert_interval_secs", 300)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.signal_metrics", []string{"quality_score"})
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required for the postgres driver")
	}
	return nil
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
