// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a newly ingested transaction. Transactions are
// immutable, so a second save with the same id returns ErrDuplicate.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	attributes, err := json.Marshal(tx.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, amount, timestamp, location, payment_method,
			description, attributes, label, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount.String(), tx.Timestamp.UTC(),
		tx.Location, tx.PaymentMethod, tx.Description,
		string(attributes), string(domain.StatusPending), time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

const transactionColumns = `id, user_id, amount, timestamp, location, payment_method, description, attributes, label`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, domain.TransactionStatus, error) {
	var tx domain.Transaction
	var description, attributes sql.NullString
	var label string

	if err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Timestamp,
		&tx.Location, &tx.PaymentMethod, &description, &attributes, &label,
	); err != nil {
		return nil, "", err
	}

	tx.Description = description.String
	if attributes.String != "" && attributes.String != "null" {
		if err := json.Unmarshal([]byte(attributes.String), &tx.Attributes); err != nil {
			return nil, "", fmt.Errorf("failed to parse attributes for %s: %w", tx.ID, err)
		}
	}

	return &tx, domain.TransactionStatus(label), nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, _, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetTransactionsByUser retrieves a user's transactions at or after since,
// newest first.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, _, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SetTransactionLabel records the moderation outcome used as backtest ground
// truth.
func (r *SQLRepository) SetTransactionLabel(ctx context.Context, txID string, label domain.TransactionStatus) error {
	query := `UPDATE transactions SET label = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(label), txID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLabeledTransactions returns every stored transaction with its label in
// timestamp order.
func (r *SQLRepository) ListLabeledTransactions(ctx context.Context) ([]domain.LabeledTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var corpus []domain.LabeledTransaction
	for rows.Next() {
		tx, label, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		corpus = append(corpus, domain.LabeledTransaction{Transaction: tx, Label: label})
	}

	return corpus, rows.Err()
}

// SaveRule inserts or updates a rule, including its trigger counter.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	query := `
		INSERT INTO rules (
			id, name, description, conditions, risk_threshold, status,
			created_by, created_at, sequence, trigger_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			conditions = excluded.conditions,
			risk_threshold = excluded.risk_threshold,
			status = excluded.status,
			trigger_count = excluded.trigger_count,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, string(conditions),
		rule.RiskThreshold, string(rule.Status), rule.CreatedBy,
		rule.CreatedAt.UTC(), rule.Sequence, rule.TriggerCount, time.Now().UTC(),
	)
	return err
}

// ListRules returns all rules in creation order.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `
		SELECT id, name, description, conditions, risk_threshold, status,
			   created_by, created_at, sequence, trigger_count
		FROM rules
		ORDER BY sequence
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		var rule domain.Rule
		var description, createdBy sql.NullString
		var conditions, status string

		if err := rows.Scan(
			&rule.ID, &rule.Name, &description, &conditions, &rule.RiskThreshold,
			&status, &createdBy, &rule.CreatedAt, &rule.Sequence, &rule.TriggerCount,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.CreatedBy = createdBy.String
		rule.Status = domain.RuleStatus(status)
		if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to parse conditions for rule %s: %w", rule.ID, err)
		}
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SaveScoreResult appends a score result to the evaluation log.
func (r *SQLRepository) SaveScoreResult(ctx context.Context, result *domain.ScoreResult) error {
	if result == nil || result.TransactionID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode score result: %w", err)
	}

	query := `
		INSERT INTO score_results (
			id, tx_id, composite_score, triggered_rule_id, result, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		uuid.New().String(), result.TransactionID, result.CompositeScore,
		result.TriggeredRuleID(), string(data), result.EvaluatedAt.UTC(),
	)
	return err
}

// ListScoreResults returns the evaluation log of one transaction, oldest
// first.
func (r *SQLRepository) ListScoreResults(ctx context.Context, txID string) ([]*domain.ScoreResult, error) {
	query := `SELECT result FROM score_results WHERE tx_id = ? ORDER BY evaluated_at`
	return r.queryScoreResults(ctx, r.rebind(query), txID)
}

// AllScoreResults returns the whole evaluation log, oldest first.
func (r *SQLRepository) AllScoreResults(ctx context.Context) ([]*domain.ScoreResult, error) {
	return r.queryScoreResults(ctx, `SELECT result FROM score_results ORDER BY evaluated_at`)
}

func (r *SQLRepository) queryScoreResults(ctx context.Context, query string, args ...any) ([]*domain.ScoreResult, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.ScoreResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var res domain.ScoreResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("failed to parse score result: %w", err)
		}
		results = append(results, &res)
	}

	return results, rows.Err()
}

// SaveAlert inserts or updates an alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert id is required", ErrInvalidInput)
	}

	reviewed := 0
	if alert.Reviewed {
		reviewed = 1
	}

	query := `
		INSERT INTO alerts (
			id, tx_id, risk_score, triggered_rule, detected_at, reviewed,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			risk_score = excluded.risk_score,
			triggered_rule = excluded.triggered_rule,
			detected_at = excluded.detected_at,
			reviewed = excluded.reviewed,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.TransactionID, alert.RiskScore, alert.TriggeredRule,
		alert.DetectedAt.UTC(), reviewed, string(alert.Status),
		alert.CreatedAt.UTC(), alert.UpdatedAt.UTC(),
	)
	return err
}

// ListAlerts returns all alerts in creation order.
func (r *SQLRepository) ListAlerts(ctx context.Context) ([]*domain.Alert, error) {
	query := `
		SELECT id, tx_id, risk_score, triggered_rule, detected_at, reviewed,
			   status, created_at, updated_at
		FROM alerts
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var triggered sql.NullString
		var reviewed int
		var status string

		if err := rows.Scan(
			&a.ID, &a.TransactionID, &a.RiskScore, &triggered, &a.DetectedAt,
			&reviewed, &status, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}

		a.TriggeredRule = triggered.String
		a.Reviewed = reviewed == 1
		a.Status = domain.TransactionStatus(status)
		alerts = append(alerts, &a)
	}

	return alerts, rows.Err()
}

// SaveDecision appends a moderation decision.
func (r *SQLRepository) SaveDecision(ctx context.Context, d *domain.Decision) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO decisions (id, tx_id, decision, moderator, comment, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.TransactionID, string(d.Decision), d.Moderator, d.Comment, d.Timestamp.UTC(),
	)
	return err
}

// ListDecisions returns every decision in the order it was recorded.
func (r *SQLRepository) ListDecisions(ctx context.Context) ([]*domain.Decision, error) {
	query := `
		SELECT id, tx_id, decision, moderator, comment, timestamp
		FROM decisions
		ORDER BY timestamp
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.Decision
	for rows.Next() {
		var d domain.Decision
		var decision string
		var comment sql.NullString

		if err := rows.Scan(&d.ID, &d.TransactionID, &decision, &d.Moderator, &comment, &d.Timestamp); err != nil {
			return nil, err
		}

		d.Decision = domain.TransactionStatus(decision)
		d.Comment = comment.String
		decisions = append(decisions, &d)
	}

	return decisions, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
