package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registered as "sqlite"

	"github.com/machpay-xyz/settlement-engine/internal/intent"
)

// SQLiteStore is the single-process durable IntentStore. Survives restarts
// but is not shared: the engine refuses multi-instance deployments on it.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS payment_intents (
	id            TEXT PRIMARY KEY,
	agent_pubkey  TEXT NOT NULL,
	vendor_pubkey TEXT NOT NULL,
	mint          TEXT NOT NULL,
	amount_atomic INTEGER NOT NULL,
	nonce         INTEGER NOT NULL,
	deadline      INTEGER NOT NULL,
	signature     BLOB NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_agent_nonce ON payment_intents (agent_pubkey, nonce);
CREATE INDEX IF NOT EXISTS idx_intents_status ON payment_intents (status);
CREATE TABLE IF NOT EXISTS payout_records (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	vendor_id     TEXT NOT NULL,
	destination   TEXT NOT NULL,
	amount        INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	tx_reference  TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database file and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialize writers; sqlite has a single-writer model anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Shared() bool { return false }

func (s *SQLiteStore) Insert(ctx context.Context, pi *intent.PaymentIntent) error {
	status := pi.Status
	if status == "" {
		status = intent.StatusPending
	}
	createdAt := pi.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_intents
			(id, agent_pubkey, vendor_pubkey, mint, amount_atomic, nonce, deadline, signature, status, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		pi.ID, pi.AgentID, pi.VendorID, pi.Mint, int64(pi.Amount), int64(pi.Nonce),
		pi.Deadline.Unix(), pi.Signature, string(status), createdAt.Unix())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrDuplicateIntent
	}
	return err
}

func (s *SQLiteStore) Claim(ctx context.Context, limit int) ([]*intent.PaymentIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, agent_pubkey, vendor_pubkey, mint, amount_atomic, nonce, deadline, signature, status, created_at
		FROM payment_intents WHERE status = 'PENDING' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	claimed, err := scanSQLiteIntents(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, pi := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE payment_intents SET status = 'PROCESSING' WHERE id = ?`, pi.ID); err != nil {
			return nil, err
		}
		pi.Status = intent.StatusProcessing
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) Release(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE payment_intents SET status = 'PENDING' WHERE id = ? AND status = 'PROCESSING'`, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, ids []string, st intent.Status) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE payment_intents SET status = ? WHERE id = ?`, string(st), id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ListOutstanding(ctx context.Context, agentID string) ([]*intent.PaymentIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_pubkey, vendor_pubkey, mint, amount_atomic, nonce, deadline, signature, status, created_at
		FROM payment_intents
		WHERE agent_pubkey = ? AND status IN ('PENDING','PROCESSING')
		ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteIntents(rows)
}

func (s *SQLiteStore) OutstandingTotal(ctx context.Context, agentID string) (uint64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_atomic), 0) FROM payment_intents
		WHERE agent_pubkey = ? AND status IN ('PENDING','PROCESSING')`, agentID).Scan(&total)
	return uint64(total), err
}

func (s *SQLiteStore) SumForPair(ctx context.Context, agentID, vendorID string, now time.Time) (uint64, []string, error) {
	var settled int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_atomic), 0) FROM payment_intents
		WHERE agent_pubkey = ? AND vendor_pubkey = ? AND status = 'SETTLED'`,
		agentID, vendorID).Scan(&settled)
	if err != nil {
		return 0, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amount_atomic FROM payment_intents
		WHERE agent_pubkey = ? AND vendor_pubkey = ?
		  AND status IN ('PENDING','PROCESSING') AND deadline > ?
		ORDER BY created_at ASC`, agentID, vendorID, now.Unix())
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

func (s *SQLiteStore) InsertPayout(ctx context.Context, rec *PayoutRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_records (id, agent_id, vendor_id, destination, amount, status, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.AgentID, rec.VendorID, rec.Destination, int64(rec.Amount), string(rec.Status), createdAt.Unix())
	return err
}

func (s *SQLiteStore) UpdatePayout(ctx context.Context, id string, st PayoutStatus, txRef, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_records SET status = ?, tx_reference = ?, error = ? WHERE id = ?`,
		string(st), txRef, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListPayouts(ctx context.Context, agentID string) ([]*PayoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, vendor_id, destination, amount, status, tx_reference, error, created_at
		FROM payout_records WHERE agent_id = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PayoutRecord
	for rows.Next() {
		var rec PayoutRecord
		var amount, created int64
		var status string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.VendorID, &rec.Destination,
			&amount, &status, &rec.TxReference, &rec.Error, &created); err != nil {
			return nil, err
		}
		rec.Amount = uint64(amount)
		rec.Status = PayoutStatus(status)
		rec.CreatedAt = time.Unix(created, 0)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanSQLiteIntents(rows *sql.Rows) ([]*intent.PaymentIntent, error) {
	var out []*intent.PaymentIntent
	for rows.Next() {
		var pi intent.PaymentIntent
		var amount, nonce, deadline, created int64
		var status string
		if err := rows.Scan(&pi.ID, &pi.AgentID, &pi.VendorID, &pi.Mint, &amount,
			&nonce, &deadline, &pi.Signature, &status, &created); err != nil {
			return nil, err
		}
		pi.Amount = uint64(amount)
		pi.Nonce = uint64(nonce)
		pi.Deadline = time.Unix(deadline, 0)
		pi.CreatedAt = time.Unix(created, 0)
		pi.Status = intent.Status(status)
		out = append(out, &pi)
	}
	return out, rows.Err()
}

var _ IntentStore = (*SQLiteStore)(nil)
