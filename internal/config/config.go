// Package config loads Kestrel configuration from defaults, an optional
// YAML file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// KESTREL_SCORING_ALERT_THRESHOLD=80.
const EnvPrefix = "KESTREL"

// Load reads configuration. When path is empty, kestrel.yaml is looked up in
// the working directory and ./configs and is optional; an explicit path must
// exist. Setting tier to "pro" switches the defaults to the Pro profile.
func Load(path string) (*domain.Config, error) {
	v := viper.New()

	setDefaults(v, domain.DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kestrel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		setDefaults(v, domain.ProConfig())
	}

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Tier == domain.TierPro {
		cfg.AsyncWorker = true
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the rest of the system relies on.
func Validate(cfg *domain.Config) error {
	if !domain.ValidThreshold(cfg.Scoring.AlertThreshold) {
		return fmt.Errorf("%w: scoring.alert_threshold must be 0-100, got %d", domain.ErrInvalidThreshold, cfg.Scoring.AlertThreshold)
	}
	if cfg.Scoring.MaxWorkers <= 0 {
		return fmt.Errorf("%w: scoring.max_workers must be positive", domain.ErrConfiguration)
	}
	switch cfg.Workflow.Policy {
	case domain.PolicyAppend, domain.PolicyFinal:
	default:
		return fmt.Errorf("%w: unknown workflow.policy %q", domain.ErrConfiguration, cfg.Workflow.Policy)
	}
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("%w: unknown tier %q", domain.ErrConfiguration, cfg.Tier)
	}
	if _, err := domain.DefaultSchema().Merge(cfg.Schema.Attributes); err != nil {
		return fmt.Errorf("schema.attributes: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *domain.Config) {
	// Server
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("tier", string(d.Tier))
	v.SetDefault("async_worker", d.AsyncWorker)

	// Scoring and moderation
	v.SetDefault("scoring.alert_threshold", d.Scoring.AlertThreshold)
	v.SetDefault("scoring.max_workers", d.Scoring.MaxWorkers)
	v.SetDefault("scoring.baseline_expression", d.Scoring.BaselineExpression)
	v.SetDefault("workflow.policy", string(d.Workflow.Policy))
	v.SetDefault("enrich.derived", d.Enrich.Derived)

	// Repository
	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.sqlite_path", d.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", d.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", d.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", d.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", d.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", d.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", d.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", d.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", d.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", d.Repository.ConnMaxLifetime)

	// Cache
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", d.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", d.Cache.EnableTwoPhase)

	// Event bus
	v.SetDefault("eventbus.type", d.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", d.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", d.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", d.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", d.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", d.EventBus.NATSReconnectWait)

	// Observability
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter_type", d.Tracing.ExporterType)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
}
