package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PratikDhanave/sync-queue-service/internal/dispatcher"
	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/health"
	"github.com/PratikDhanave/sync-queue-service/internal/ingest"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
	"github.com/PratikDhanave/sync-queue-service/internal/processor"
	"github.com/PratikDhanave/sync-queue-service/internal/retry"
	"github.com/PratikDhanave/sync-queue-service/internal/tracing"
)

const envPrefix = "SYNCQ"

// Config contains runtime configuration required by the service.
type Config struct {
	App        AppConfig               `mapstructure:"app"`
	Log        LogConfig               `mapstructure:"log"`
	HTTP       HTTPConfig              `mapstructure:"http"`
	Database   DatabaseConfig          `mapstructure:"database"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Webhooks   WebhookConfig           `mapstructure:"webhooks"`
	Dispatcher dispatcher.Config       `mapstructure:"dispatcher"`
	Retry      retry.Policy            `mapstructure:"retry"`
	Reaper     dispatcher.ReaperConfig `mapstructure:"reaper"`
	Scheduler  SchedulerConfig         `mapstructure:"scheduler"`
	Processor  ProcessorConfig         `mapstructure:"processor"`
	Notify     NotifyConfig            `mapstructure:"notify"`
	Feed       FeedConfig              `mapstructure:"feed"`
	Health     health.Config           `mapstructure:"health"`
	Tracing    tracing.Config          `mapstructure:"tracing"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store backend. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

type AuthConfig struct {
	// APIKeys format: "operator1:key1,operator2:key2"
	APIKeys string `mapstructure:"api_keys"`

	// Keys maps apiKey -> operator. Filled by Load.
	Keys map[string]string `mapstructure:"-"`
}

type WebhookConfig struct {
	// Secrets format: "provider1:secret1,provider2:secret2"
	Secrets   string        `mapstructure:"secrets"`
	Tolerance time.Duration `mapstructure:"tolerance"`

	// Providers maps provider -> shared secret. Filled by Load.
	Providers map[string]string `mapstructure:"-"`
}

type SchedulerConfig struct {
	Enabled                    bool `mapstructure:"enabled"`
	dispatcher.SchedulerConfig `mapstructure:",squash"`
}

// ProcessorConfig chooses where upserts go. Target "store" mirrors entities
// into the local entity_snapshots table, "http" PUTs them to BaseURL.
type ProcessorConfig struct {
	Target         string                   `mapstructure:"target"`
	BaseURL        string                   `mapstructure:"base_url"`
	RequestTimeout time.Duration            `mapstructure:"request_timeout"`
	DefaultTimeout time.Duration            `mapstructure:"default_timeout"`
	Timeouts       map[string]time.Duration `mapstructure:"timeouts"`
	KeyPaths       map[string][]string      `mapstructure:"key_paths"`
}

type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type FeedConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	ingest.FeedConfig `mapstructure:",squash"`
}

// Load reads defaults, an optional YAML file and SYNCQ_ environment overrides.
// With an empty configFile a missing config file is not an error.
func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("context is required")
	}
	logCtx := logging.WithAttrs(ctx, slog.String("component", "config"))

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			logging.Debug(logCtx, "config file not found, using defaults and env")
		} else {
			return Config{}, errs.Wrap(err, "read config")
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Wrap(err, "unmarshal config")
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("database.url required")
	}

	keys, err := parsePairs(c.Auth.APIKeys, "auth.api_keys", `"operator:key,operator:key"`)
	if err != nil {
		return err
	}
	c.Auth.Keys = make(map[string]string, len(keys))
	for operator, key := range keys {
		c.Auth.Keys[key] = operator
	}
	// Local dev fallback so the service runs out-of-the-box.
	if len(c.Auth.Keys) == 0 {
		c.Auth.Keys["operator-key-123"] = "operator"
	}

	if c.Webhooks.Providers, err = parsePairs(c.Webhooks.Secrets, "webhooks.secrets", `"provider:secret,provider:secret"`); err != nil {
		return err
	}

	switch c.Processor.Target {
	case "store":
	case "http":
		if c.Processor.BaseURL == "" {
			return errors.New("processor.base_url required when processor.target is http")
		}
	default:
		return fmt.Errorf("processor.target must be store or http, got %q", c.Processor.Target)
	}
	for entity := range c.Processor.Timeouts {
		if _, err := models.ParseEntityType(entity); err != nil {
			return errs.Wrap(err, "processor.timeouts")
		}
	}
	for entity := range c.Processor.KeyPaths {
		if _, err := models.ParseEntityType(entity); err != nil {
			return errs.Wrap(err, "processor.key_paths")
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if f := c.Dispatcher.FairnessFraction; f < 0 || f > 1 {
		return fmt.Errorf("dispatcher.fairness_fraction must be within [0,1], got %v", f)
	}
	if c.Feed.Enabled && (len(c.Feed.Brokers) == 0 || c.Feed.Topic == "") {
		return errors.New("feed.brokers and feed.topic required when the feed is enabled")
	}
	return nil
}

// parsePairs splits "name:value,name:value" into name -> value.
func parsePairs(raw string, field string, format string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%s must be %s", field, format)
		}
		name := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if name == "" || value == "" {
			return nil, fmt.Errorf("%s must be %s", field, format)
		}
		out[name] = value
	}
	return out, nil
}

// ProcessorOptions converts the string-keyed processor settings.
func (c Config) ProcessorOptions() processor.Options {
	opts := processor.Options{
		DefaultTimeout: c.Processor.DefaultTimeout,
		Timeouts:       map[models.EntityType]time.Duration{},
		KeyPaths:       map[models.EntityType][]string{},
	}
	for k, d := range c.Processor.Timeouts {
		opts.Timeouts[models.EntityType(k)] = d
	}
	for k, paths := range c.Processor.KeyPaths {
		opts.KeyPaths[models.EntityType(k)] = paths
	}
	return opts
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sync-queue-service")
	v.SetDefault("app.env", "local")
	v.SetDefault("app.version", "dev")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:syncq.db?_pragma=journal_mode(WAL)")

	v.SetDefault("auth.api_keys", "")
	v.SetDefault("webhooks.secrets", "")
	v.SetDefault("webhooks.tolerance", "5m")

	d := dispatcher.DefaultConfig()
	v.SetDefault("dispatcher.workers", d.Workers)
	v.SetDefault("dispatcher.batch_size", d.BatchSize)
	v.SetDefault("dispatcher.poll_interval", d.PollInterval)
	v.SetDefault("dispatcher.fairness_fraction", d.FairnessFraction)
	v.SetDefault("dispatcher.store_backoff_max", d.StoreBackoffMax)
	v.SetDefault("dispatcher.shutdown_grace", d.ShutdownGrace)
	v.SetDefault("dispatcher.outcome_timeout", d.OutcomeTimeout)
	v.SetDefault("dispatcher.owner", "")

	p := retry.DefaultPolicy()
	v.SetDefault("retry.max_attempts", p.MaxAttempts)
	v.SetDefault("retry.base", p.Base)
	v.SetDefault("retry.jitter", p.Jitter)
	v.SetDefault("retry.max_delay", p.MaxDelay)

	v.SetDefault("reaper.interval", "30s")
	v.SetDefault("reaper.claim_timeout", "5m")
	v.SetDefault("reaper.batch_size", 100)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.entities", []string{})

	v.SetDefault("processor.target", "store")
	v.SetDefault("processor.base_url", "")
	v.SetDefault("processor.request_timeout", "10s")
	v.SetDefault("processor.default_timeout", "30s")

	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", "syncq.events.inserted")

	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.brokers", []string{})
	v.SetDefault("feed.topic", "")
	v.SetDefault("feed.group_id", "sync-queue-service")
	v.SetDefault("feed.provider", "kafka")

	th := health.DefaultThresholds()
	v.SetDefault("health.cache_ttl", "2s")
	v.SetDefault("health.thresholds.failure_ratio", th.FailureRatio)
	v.SetDefault("health.thresholds.backlog_soft", th.BacklogSoft)
	v.SetDefault("health.thresholds.backlog_hard", th.BacklogHard)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "sync-queue-service")
}
