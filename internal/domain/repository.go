// Package domain defines the core types and interfaces shared across Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*Transaction, error)
	SetTransactionLabel(ctx context.Context, txID string, label TransactionStatus) error
	ListLabeledTransactions(ctx context.Context) ([]LabeledTransaction, error)

	// Rule operations
	SaveRule(ctx context.Context, rule *Rule) error
	ListRules(ctx context.Context) ([]*Rule, error)

	// Evaluation log
	SaveScoreResult(ctx context.Context, result *ScoreResult) error
	ListScoreResults(ctx context.Context, txID string) ([]*ScoreResult, error)
	AllScoreResults(ctx context.Context) ([]*ScoreResult, error)

	// Alerts and moderation
	SaveAlert(ctx context.Context, alert *Alert) error
	ListAlerts(ctx context.Context) ([]*Alert, error)
	SaveDecision(ctx context.Context, d *Decision) error
	ListDecisions(ctx context.Context) ([]*Decision, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
