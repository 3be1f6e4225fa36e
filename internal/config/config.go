package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"fraudshield/internal/featurestore"
	"fraudshield/internal/feedback"
	"fraudshield/internal/logging"
	"fraudshield/internal/model"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig           `mapstructure:"app"`
	Logging  logging.Config      `mapstructure:"logging"`
	Database DatabaseConfig      `mapstructure:"database"`
	Redis    featurestore.Config `mapstructure:"redis"`
	Models   ModelsConfig        `mapstructure:"models"`
	Scoring  ScoringConfig       `mapstructure:"scoring"`
	Retrain  RetrainConfig       `mapstructure:"retrain"`
	Alerting AlertingConfig      `mapstructure:"alerting"`
	Kafka    feedback.Config     `mapstructure:"kafka"`
	Metrics  MetricsConfig       `mapstructure:"metrics"`
	Export   ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs
// without durable storage.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ModelsConfig locates artifacts and tunes model fitting.
type ModelsConfig struct {
	ArtifactDir     string                 `mapstructure:"artifact_dir"`
	TrainingSamples int                    `mapstructure:"training_samples"`
	Seed            uint64                 `mapstructure:"seed"`
	EvalRows        int                    `mapstructure:"eval_rows"`
	KeepGenerations int                    `mapstructure:"keep_generations"`
	Classifier      model.ClassifierParams `mapstructure:"classifier"`
	Detector        model.DetectorParams   `mapstructure:"detector"`
}

// ScoringConfig tunes the online pipeline.
type ScoringConfig struct {
	TopReasons   int      `mapstructure:"top_reasons"`
	MaxHops      int      `mapstructure:"max_hops"`
	MuleAccounts []string `mapstructure:"mule_accounts"`
	// ChampionRecheck is how often a scoring process looks for a champion
	// promoted elsewhere.
	ChampionRecheck time.Duration `mapstructure:"champion_recheck"`
}

// RetrainConfig governs the background champion/challenger job.
type RetrainConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunAtStart      bool          `mapstructure:"run_at_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	MinLabels       int           `mapstructure:"min_labels"`
	Lookback        time.Duration `mapstructure:"lookback"`
}

// AlertingConfig defines alert routing for flagged transactions.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	QueueSize int            `mapstructure:"queue_size"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot target.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRAUDSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fraudshield")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	// every key AutomaticEnv should see needs a default
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "200ms")
	v.SetDefault("redis.read_timeout", "100ms")
	v.SetDefault("redis.write_timeout", "100ms")
	v.SetDefault("redis.breaker_threshold", 3)
	v.SetDefault("redis.breaker_cooldown", "10s")

	cp := model.DefaultClassifierParams()
	dp := model.DefaultDetectorParams()
	v.SetDefault("models.artifact_dir", "models")
	v.SetDefault("models.training_samples", 5000)
	v.SetDefault("models.seed", model.DefaultSeed)
	v.SetDefault("models.eval_rows", 2000)
	v.SetDefault("models.keep_generations", 3)
	v.SetDefault("models.classifier.n_estimators", cp.NEstimators)
	v.SetDefault("models.classifier.max_depth", cp.MaxDepth)
	v.SetDefault("models.classifier.learning_rate", cp.LearningRate)
	v.SetDefault("models.classifier.lambda", cp.Lambda)
	v.SetDefault("models.classifier.min_child_weight", cp.MinChildWeight)
	v.SetDefault("models.classifier.pos_weight", cp.PosWeight)
	v.SetDefault("models.detector.n_estimators", dp.NEstimators)
	v.SetDefault("models.detector.max_samples", dp.MaxSamples)
	v.SetDefault("models.detector.contamination", dp.Contamination)
	v.SetDefault("models.detector.seed", dp.Seed)

	v.SetDefault("scoring.top_reasons", 3)
	v.SetDefault("scoring.max_hops", 2)
	v.SetDefault("scoring.mule_accounts", []string{})
	v.SetDefault("scoring.champion_recheck", "30s")

	v.SetDefault("retrain.enabled", true)
	v.SetDefault("retrain.interval", "6h")
	v.SetDefault("retrain.align_to_start", true)
	v.SetDefault("retrain.startup_delay", "0s")
	v.SetDefault("retrain.run_at_start", false)
	v.SetDefault("retrain.advisory_lock_key", int64(0x66726175))
	v.SetDefault("retrain.min_labels", 20)
	v.SetDefault("retrain.lookback", "720h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "fraudshield.feedback")
	v.SetDefault("kafka.group_id", "fraudshield-feedback")
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 1_000_000)
	v.SetDefault("kafka.max_wait", "1s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Models.ArtifactDir == "" {
		return fmt.Errorf("models.artifact_dir is required")
	}
	if c.Models.TrainingSamples < 10 {
		return fmt.Errorf("models.training_samples must be at least 10")
	}
	if c.Models.Classifier.NEstimators <= 0 || c.Models.Classifier.MaxDepth <= 0 {
		return fmt.Errorf("models.classifier n_estimators and max_depth must be greater than zero")
	}
	if c.Models.Classifier.LearningRate <= 0 || c.Models.Classifier.LearningRate > 1 {
		return fmt.Errorf("models.classifier.learning_rate must be in (0, 1]")
	}
	if c.Models.Detector.NEstimators <= 0 {
		return fmt.Errorf("models.detector.n_estimators must be greater than zero")
	}
	if c.Models.Detector.Contamination <= 0 || c.Models.Detector.Contamination > 0.5 {
		return fmt.Errorf("models.detector.contamination must be in (0, 0.5]")
	}
	if c.Scoring.TopReasons <= 0 || c.Scoring.TopReasons > model.NumFeatures {
		return fmt.Errorf("scoring.top_reasons must be between 1 and %d", model.NumFeatures)
	}
	if c.Scoring.MaxHops <= 0 {
		return fmt.Errorf("scoring.max_hops must be greater than zero")
	}
	if c.Scoring.ChampionRecheck < 0 {
		return fmt.Errorf("scoring.champion_recheck cannot be negative")
	}
	if c.Retrain.Enabled && c.Retrain.Interval <= 0 {
		return fmt.Errorf("retrain.interval must be greater than zero")
	}
	if c.Retrain.MinLabels < 0 {
		return fmt.Errorf("retrain.min_labels cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
