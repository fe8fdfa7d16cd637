// Package sqlite implements the outbox store on SQLite.
//
// The database runs in WAL mode with a single connection, so every claim
// transaction is serialized by SQLite's writer lock — the standing-in for
// the locked-row-skip semantics a server database would use. It also
// persists broker-order mappings so the identity map survives restart.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox"
)

// Config for the store.
type Config struct {
	DBPath string // e.g. "data/outbox.db", or ":memory:" for tests
}

// Store is a SQLite-backed outbox.Store.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

var _ outbox.Store = (*Store)(nil)

// New opens (or creates) the outbox database.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; claim transactions serialize on this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[outbox] opened sqlite store at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS oms_outbox (
		outbox_id       INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id          TEXT    NOT NULL,
		idempotency_key TEXT    NOT NULL UNIQUE,
		payload         BLOB    NOT NULL,
		status          TEXT    NOT NULL DEFAULT 'PENDING',
		claimed_by      TEXT    NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		claimed_at      INTEGER NOT NULL DEFAULT 0,
		sent_at         INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON oms_outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_run ON oms_outbox(run_id, status);

	CREATE TABLE IF NOT EXISTS broker_order_map (
		run_id      TEXT NOT NULL,
		internal_id TEXT NOT NULL,
		broker_id   TEXT NOT NULL,
		PRIMARY KEY (run_id, internal_id)
	);
	`)
	return err
}

// Enqueue inserts a Pending row; a duplicate idempotency key is a no-op.
func (s *Store) Enqueue(ctx context.Context, runID uuid.UUID, idempotencyKey string, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO oms_outbox (run_id, idempotency_key, payload, status, created_at)
		 VALUES (?, ?, ?, 'PENDING', ?)`,
		runID.String(), idempotencyKey, payload, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("outbox enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outbox enqueue: %w", err)
	}
	return n > 0, nil
}

// ClaimBatch claims up to limit Pending rows inside one transaction.
func (s *Store) ClaimBatch(ctx context.Context, limit int, ownerTag string) ([]outbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT outbox_id FROM oms_outbox WHERE status = 'PENDING' ORDER BY outbox_id ASC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox claim: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox claim: rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().Unix()
	args := make([]any, 0, len(ids)+3)
	args = append(args, ownerTag, now)
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE oms_outbox SET status = 'CLAIMED', claimed_by = ?, claimed_at = ?
		 WHERE outbox_id IN (`+strings.Join(placeholders, ",")+`) AND status = 'PENDING'`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: update: %w", err)
	}

	claimed, err := s.selectRowsTx(ctx, tx,
		`WHERE outbox_id IN (`+strings.Join(placeholders, ",")+`) ORDER BY outbox_id ASC`,
		args[2:]...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox claim: commit: %w", err)
	}
	return claimed, nil
}

// ReleaseClaim reverts Claimed → Pending.
func (s *Store) ReleaseClaim(ctx context.Context, idempotencyKey string) (bool, error) {
	return s.updateStatus(ctx,
		`UPDATE oms_outbox SET status = 'PENDING', claimed_by = '', claimed_at = 0
		 WHERE idempotency_key = ? AND status = 'CLAIMED'`, idempotencyKey)
}

// MarkSent transitions Claimed → Sent. Only claimed rows can be sent.
func (s *Store) MarkSent(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE oms_outbox SET status = 'SENT', sent_at = CASE WHEN sent_at = 0 THEN ? ELSE sent_at END
		 WHERE idempotency_key = ? AND status = 'CLAIMED'`,
		time.Now().Unix(), idempotencyKey)
	if err != nil {
		return false, fmt.Errorf("outbox mark sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outbox mark sent: %w", err)
	}
	return n > 0, nil
}

// MarkAcked transitions a row to Acked regardless of its current unacked
// status (recovery acks Sent, Claimed, and Failed rows alike).
func (s *Store) MarkAcked(ctx context.Context, idempotencyKey string) (bool, error) {
	return s.updateStatus(ctx,
		`UPDATE oms_outbox SET status = 'ACKED' WHERE idempotency_key = ?`, idempotencyKey)
}

// MarkFailed transitions Claimed → Failed.
func (s *Store) MarkFailed(ctx context.Context, idempotencyKey string) (bool, error) {
	return s.updateStatus(ctx,
		`UPDATE oms_outbox SET status = 'FAILED' WHERE idempotency_key = ? AND status = 'CLAIMED'`,
		idempotencyKey)
}

func (s *Store) updateStatus(ctx context.Context, query, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("outbox update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outbox update: %w", err)
	}
	return n > 0, nil
}

// FetchByKey returns a single row by idempotency key.
func (s *Store) FetchByKey(ctx context.Context, idempotencyKey string) (outbox.Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.selectRows(ctx, `WHERE idempotency_key = ?`, idempotencyKey)
	if err != nil {
		return outbox.Row{}, false, err
	}
	if len(rows) == 0 {
		return outbox.Row{}, false, nil
	}
	return rows[0], true, nil
}

// ListUnackedForRun returns every not-yet-acknowledged row of a run.
func (s *Store) ListUnackedForRun(ctx context.Context, runID uuid.UUID) ([]outbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectRows(ctx,
		`WHERE run_id = ? AND status IN ('PENDING','CLAIMED','SENT','FAILED') ORDER BY outbox_id ASC`,
		runID.String())
}

const rowColumns = `outbox_id, run_id, idempotency_key, payload, status, claimed_by, created_at, claimed_at, sent_at`

func (s *Store) selectRows(ctx context.Context, where string, args ...any) ([]outbox.Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+rowColumns+` FROM oms_outbox `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox select: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *Store) selectRowsTx(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]outbox.Row, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+rowColumns+` FROM oms_outbox `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox select: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]outbox.Row, error) {
	var out []outbox.Row
	for rows.Next() {
		var (
			r                            outbox.Row
			runID, status                string
			createdAt, claimedAt, sentAt int64
		)
		if err := rows.Scan(&r.OutboxID, &runID, &r.IdempotencyKey, &r.Payload,
			&status, &r.ClaimedBy, &createdAt, &claimedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("outbox scan: %w", err)
		}
		id, err := uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("outbox scan run_id: %w", err)
		}
		r.RunID = id
		r.Status = outbox.Status(status)
		r.CreatedAt = unixTime(createdAt)
		r.ClaimedAt = unixTime(claimedAt)
		r.SentAt = unixTime(sentAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	return out, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// SaveBrokerMapping persists an internal → broker order ID mapping.
func (s *Store) SaveBrokerMapping(ctx context.Context, runID uuid.UUID, internalID, brokerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broker_order_map (run_id, internal_id, broker_id) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, internal_id) DO UPDATE SET broker_id = excluded.broker_id`,
		runID.String(), internalID, brokerID)
	if err != nil {
		return fmt.Errorf("broker map save: %w", err)
	}
	return nil
}

// DeleteBrokerMapping removes a persisted mapping (terminal order state).
func (s *Store) DeleteBrokerMapping(ctx context.Context, runID uuid.UUID, internalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM broker_order_map WHERE run_id = ? AND internal_id = ?`,
		runID.String(), internalID)
	if err != nil {
		return fmt.Errorf("broker map delete: %w", err)
	}
	return nil
}

// LoadBrokerMappings returns all persisted mappings for a run, for restoring
// the in-memory identity map after a restart.
func (s *Store) LoadBrokerMappings(ctx context.Context, runID uuid.UUID) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT internal_id, broker_id FROM broker_order_map WHERE run_id = ?`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("broker map load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var internalID, brokerID string
		if err := rows.Scan(&internalID, &brokerID); err != nil {
			return nil, fmt.Errorf("broker map scan: %w", err)
		}
		out[internalID] = brokerID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("broker map rows: %w", err)
	}
	return out, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
