package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"escrotrade/trade"
)

// SQLiteStore journals settlement submissions and the last contract phase
// observed per product, and keeps an audit trail of gateway requests. The
// journal tells the watcher which escrow keys to track; it is never treated
// as settlement truth.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS submissions (
            id TEXT PRIMARY KEY,
            product_id INTEGER NOT NULL,
            action TEXT NOT NULL,
            tx_hash TEXT,
            outcome TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_product ON submissions(product_id);`,
		`CREATE TABLE IF NOT EXISTS observed_phases (
            product_id INTEGER PRIMARY KEY,
            phase INTEGER NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            status INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Submission is one journaled settlement attempt.
type Submission struct {
	ID        string
	ProductID int64
	Action    string
	TxHash    string
	Outcome   string
	CreatedAt time.Time
}

// RecordSubmission journals a settlement attempt and its outcome.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, productID int64, action, txHash, outcome string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, product_id, action, tx_hash, outcome, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, productID, action, txHash, outcome, time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// SubmissionsFor returns the journal entries for one product, newest first.
func (s *SQLiteStore) SubmissionsFor(ctx context.Context, productID int64) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, action, COALESCE(tx_hash, ''), outcome, created_at
         FROM submissions WHERE product_id = ? ORDER BY created_at DESC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(&sub.ID, &sub.ProductID, &sub.Action, &sub.TxHash, &sub.Outcome, &sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpsertPhase stores the latest observed contract phase for a product and
// reports whether it changed since the previous observation.
func (s *SQLiteStore) UpsertPhase(ctx context.Context, productID int64, phase trade.EscrowPhase) (bool, error) {
	var prior int64
	err := s.db.QueryRowContext(ctx,
		`SELECT phase FROM observed_phases WHERE product_id = ?`, productID).Scan(&prior)
	switch {
	case err == sql.ErrNoRows:
		prior = -1
	case err != nil:
		return false, err
	}
	if prior == int64(phase) {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO observed_phases (product_id, phase, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(product_id) DO UPDATE SET phase = excluded.phase, updated_at = excluded.updated_at`,
		productID, int64(phase), time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// TrackedProducts lists products with at least one journaled submission,
// the watcher's polling set.
func (s *SQLiteStore) TrackedProducts(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT product_id FROM submissions ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertAudit appends one request to the audit trail.
func (s *SQLiteStore) InsertAudit(ctx context.Context, method, path string, status int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (method, path, status) VALUES (?, ?, ?)`,
		method, path, status,
	)
	return err
}
