package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

// PostgresStore is the networked, shared IntentStore. Claiming uses
// FOR UPDATE SKIP LOCKED so multiple engine instances never process the
// same row concurrently.
type PostgresStore struct {
	db *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS payment_intents (
	id            TEXT PRIMARY KEY,
	agent_pubkey  TEXT NOT NULL,
	vendor_pubkey TEXT NOT NULL,
	mint          TEXT NOT NULL,
	amount_atomic BIGINT NOT NULL,
	nonce         BIGINT NOT NULL,
	deadline      TIMESTAMPTZ NOT NULL,
	signature     BYTEA NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_intents_agent_nonce ON payment_intents (agent_pubkey, nonce);
CREATE INDEX IF NOT EXISTS idx_intents_status ON payment_intents (status);
CREATE TABLE IF NOT EXISTS payout_records (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	vendor_id     TEXT NOT NULL,
	destination   TEXT NOT NULL,
	amount        BIGINT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	tx_reference  TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_payouts_agent ON payout_records (agent_id);
`

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Shared() bool { return true }

func (p *PostgresStore) Insert(ctx context.Context, pi *intent.PaymentIntent) error {
	status := pi.Status
	if status == "" {
		status = intent.StatusPending
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_intents
			(id, agent_pubkey, vendor_pubkey, mint, amount_atomic, nonce, deadline, signature, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		pi.ID, pi.AgentID, pi.VendorID, pi.Mint, int64(pi.Amount), int64(pi.Nonce),
		pi.Deadline, pi.Signature, string(status))
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateIntent
	}
	return err
}

func (p *PostgresStore) Claim(ctx context.Context, limit int) ([]*intent.PaymentIntent, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE payment_intents SET status = 'PROCESSING'
		WHERE id IN (
			SELECT id FROM payment_intents
			WHERE status = 'PENDING'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, agent_pubkey, vendor_pubkey, mint, amount_atomic, nonce, deadline, signature, status, created_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claim intents: %w", err)
	}
	defer rows.Close()
	return scanIntents(rows)
}

func (p *PostgresStore) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_intents SET status = 'PENDING'
		WHERE status = 'PROCESSING' AND id = ANY($1)`, pq.Array(ids))
	return err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, ids []string, st intent.Status) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE payment_intents SET status = $1 WHERE id = ANY($2)`,
		string(st), pq.Array(ids))
	return err
}

func (p *PostgresStore) ListOutstanding(ctx context.Context, agentID string) ([]*intent.PaymentIntent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_pubkey, vendor_pubkey, mint, amount_atomic, nonce, deadline, signature, status, created_at
		FROM payment_intents
		WHERE agent_pubkey = $1 AND status IN ('PENDING','PROCESSING')
		ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntents(rows)
}

func (p *PostgresStore) OutstandingTotal(ctx context.Context, agentID string) (uint64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_atomic), 0)
		FROM payment_intents
		WHERE agent_pubkey = $1 AND status IN ('PENDING','PROCESSING')`, agentID).Scan(&total)
	return uint64(total), err
}

func (p *PostgresStore) SumForPair(ctx context.Context, agentID, vendorID string, now time.Time) (uint64, []string, error) {
	var settled int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_atomic), 0)
		FROM payment_intents
		WHERE agent_pubkey = $1 AND vendor_pubkey = $2 AND status = 'SETTLED'`,
		agentID, vendorID).Scan(&settled)
	if err != nil {
		return 0, nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, amount_atomic
		FROM payment_intents
		WHERE agent_pubkey = $1 AND vendor_pubkey = $2
		  AND status IN ('PENDING','PROCESSING') AND deadline > $3
		ORDER BY created_at ASC`, agentID, vendorID, now)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	sum := uint64(settled)
	var outstanding []string
	for rows.Next() {
		var id string
		var amount int64
		if err := rows.Scan(&id, &amount); err != nil {
			return 0, nil, err
		}
		sum += uint64(amount)
		outstanding = append(outstanding, id)
	}
	return sum, outstanding, rows.Err()
}

func (p *PostgresStore) InsertPayout(ctx context.Context, rec *PayoutRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_records (id, agent_id, vendor_id, destination, amount, status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, rec.AgentID, rec.VendorID, rec.Destination, int64(rec.Amount), string(rec.Status))
	return err
}

func (p *PostgresStore) UpdatePayout(ctx context.Context, id string, st PayoutStatus, txRef, errMsg string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payout_records SET status = $1, tx_reference = $2, error = $3 WHERE id = $4`,
		string(st), txRef, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListPayouts(ctx context.Context, agentID string) ([]*PayoutRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, vendor_id, destination, amount, status, tx_reference, error, created_at
		FROM payout_records WHERE agent_id = $1 ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PayoutRecord
	for rows.Next() {
		var rec PayoutRecord
		var amount int64
		var status string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.VendorID, &rec.Destination,
			&amount, &status, &rec.TxReference, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Amount = uint64(amount)
		rec.Status = PayoutStatus(status)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func scanIntents(rows *sql.Rows) ([]*intent.PaymentIntent, error) {
	var out []*intent.PaymentIntent
	for rows.Next() {
		var pi intent.PaymentIntent
		var amount, nonce int64
		var status string
		if err := rows.Scan(&pi.ID, &pi.AgentID, &pi.VendorID, &pi.Mint, &amount,
			&nonce, &pi.Deadline, &pi.Signature, &status, &pi.CreatedAt); err != nil {
			return nil, err
		}
		pi.Amount = uint64(amount)
		pi.Nonce = uint64(nonce)
		pi.Status = intent.Status(status)
		out = append(out, &pi)
	}
	return out, rows.Err()
}

var _ IntentStore = (*PostgresStore)(nil)
