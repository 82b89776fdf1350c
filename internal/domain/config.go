package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines feature availability
	Tier Tier `mapstructure:"tier" json:"tier"`

	// AsyncWorker scores ingested transactions from the event bus instead
	// of inline. Always on for the Pro tier.
	AsyncWorker bool `mapstructure:"async_worker" json:"asyncWorker"`

	// Scoring and moderation
	Scoring  ScoringConfig  `mapstructure:"scoring" json:"scoring"`
	Workflow WorkflowConfig `mapstructure:"workflow" json:"workflow"`
	Schema   SchemaConfig   `mapstructure:"schema" json:"schema"`
	Enrich   EnrichConfig   `mapstructure:"enrich" json:"enrich"`
	Sets     SetsConfig     `mapstructure:"sets" json:"sets"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus" json:"eventBus"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// ScoringConfig controls the scoring engine and alerting.
type ScoringConfig struct {
	// AlertThreshold is the global composite score at or above which an
	// alert is raised.
	AlertThreshold int `mapstructure:"alert_threshold" json:"alertThreshold"`

	// MaxWorkers bounds parallel rule evaluation per transaction.
	MaxWorkers int `mapstructure:"max_workers" json:"maxWorkers"`

	// BaselineExpression is an optional CEL expression used as the baseline
	// risk score when no rule fires.
	BaselineExpression string `mapstructure:"baseline_expression" json:"baselineExpression"`
}

// WorkflowConfig controls the decision workflow.
type WorkflowConfig struct {
	Policy DecisionPolicy `mapstructure:"policy" json:"policy"`
}

// SchemaConfig declares attribute types beyond the builtin schema.
type SchemaConfig struct {
	Attributes map[string]string `mapstructure:"attributes" json:"attributes"`
}

// EnrichConfig holds CEL expressions for attributes derived at ingestion.
type EnrichConfig struct {
	Derived map[string]string `mapstructure:"derived" json:"derived"`
}

// SetsConfig lists named sets used by "in" conditions.
type SetsConfig struct {
	// Static sets defined inline.
	Static map[string][]string `mapstructure:"static" json:"static"`

	// RedisNames are sets loaded from Redis (kestrel:set:<name>).
	RedisNames []string `mapstructure:"redis_names" json:"redisNames"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"write_timeout" json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName  string `mapstructure:"service_name" json:"serviceName"`
	ExporterType string `mapstructure:"exporter_type" json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `mapstructure:"endpoint" json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultAlertThreshold is the alert cutoff used when none is configured.
const DefaultAlertThreshold = 70

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Scoring: ScoringConfig{
			AlertThreshold: DefaultAlertThreshold,
			MaxWorkers:     16,
		},
		Workflow: WorkflowConfig{
			Policy: PolicyAppend,
		},
		Enrich: EnrichConfig{
			Derived: map[string]string{
				"hour": "ts.getHours()",
			},
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.AsyncWorker = true
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
