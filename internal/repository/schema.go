package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    location TEXT NOT NULL,
    payment_method TEXT NOT NULL,
    description TEXT,
    attributes TEXT,
    label TEXT NOT NULL DEFAULT 'Pending',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_label ON transactions(label);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    conditions TEXT NOT NULL,
    risk_threshold INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_by TEXT,
    created_at TIMESTAMP NOT NULL,
    sequence INTEGER NOT NULL,
    trigger_count INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_sequence ON rules(sequence);
`

// schemaScoreResults is the append-only evaluation log.
const schemaScoreResults = `
CREATE TABLE IF NOT EXISTS score_results (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    composite_score INTEGER NOT NULL,
    triggered_rule_id TEXT,
    result TEXT NOT NULL,
    evaluated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_results_tx ON score_results(tx_id, evaluated_at);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    triggered_rule TEXT,
    detected_at TIMESTAMP NOT NULL,
    reviewed INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_tx ON alerts(tx_id);
CREATE INDEX IF NOT EXISTS idx_alerts_reviewed ON alerts(reviewed);
`

// schemaDecisions is append-only; rows are never updated.
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    moderator TEXT NOT NULL,
    comment TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_tx ON decisions(tx_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRules,
		schemaScoreResults,
		schemaAlerts,
		schemaDecisions,
	}
}
