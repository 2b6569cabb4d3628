// Package usageledger implements the optional API-key-credit subsystem
// (spec.md §6D): a small Postgres-backed append-only log of completed
// requests, plus balance lookups for a credit-bearing API key. The
// subsystem never participates in provider selection or failover — it
// purely observes requests the core has already completed.
package usageledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageEvent is one completed request's accounting record, emitted once per
// request and never mutated afterward.
type UsageEvent struct {
	APIKeyID         string
	Model            string
	ProviderID       string
	PromptTokens     int
	CompletionTokens int
	Timestamp        time.Time
}

// ErrKeyNotFound is returned by Balance when no credit-bearing key matches.
var ErrKeyNotFound = errors.New("usageledger: api key not found")

// Ledger owns the connection pool and the handful of queries the credit
// subsystem needs: recording a usage event, creating a key, and reading a
// key's remaining balance.
type Ledger struct {
	pool *pgxpool.Pool
}

// Open establishes a connection pool to dsn and ensures the ledger's tables
// exist.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	l := &Ledger{pool: pool}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() {
	l.pool.Close()
}

func (l *Ledger) migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	credit_cents BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_events (
	id BIGSERIAL PRIMARY KEY,
	api_key_id TEXT NOT NULL REFERENCES api_keys(id),
	model TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	prompt_tokens INT NOT NULL,
	completion_tokens INT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}

// RecordUsage appends one UsageEvent. The ledger does not debit credit
// automatically; a deployment that wants metered billing deducts cost from
// credit_cents via its own accounting pass over usage_events.
func (l *Ledger) RecordUsage(ctx context.Context, ev UsageEvent) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO usage_events (api_key_id, model, provider_id, prompt_tokens, completion_tokens, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, ev.APIKeyID, ev.Model, ev.ProviderID, ev.PromptTokens, ev.CompletionTokens, ev.Timestamp)
	return err
}

// CreateAPIKey inserts a new credit-bearing key with an initial balance.
func (l *Ledger) CreateAPIKey(ctx context.Context, keyID string, initialCreditCents int64) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO api_keys (id, credit_cents) VALUES ($1, $2)
`, keyID, initialCreditCents)
	return err
}

// Balance returns keyID's remaining credit in cents, or ErrKeyNotFound if no
// such key exists.
func (l *Ledger) Balance(ctx context.Context, keyID string) (int64, error) {
	var cents int64
	err := l.pool.QueryRow(ctx, `SELECT credit_cents FROM api_keys WHERE id = $1`, keyID).Scan(&cents)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, err
	}
	return cents, nil
}

// DebitCredit subtracts costCents from keyID's balance, failing (without
// going negative) if the key lacks sufficient credit.
func (l *Ledger) DebitCredit(ctx context.Context, keyID string, costCents int64) error {
	tag, err := l.pool.Exec(ctx, `
UPDATE api_keys SET credit_cents = credit_cents - $2
WHERE id = $1 AND credit_cents >= $2
`, keyID, costCents)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("usageledger: insufficient credit")
	}
	return nil
}
