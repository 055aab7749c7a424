// Package journal persists indexer state in SQLite: the dead list as it
// grows, and a snapshot of pending and re-index items taken at shutdown
// and consumed on the next start.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
	"github.com/Aman-CERP/pdindex/internal/indexer"
)

// Journal is the SQLite-backed indexer journal.
type Journal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = l
	}
}

// Open opens or creates the journal database at path. An empty path opens
// an in-memory database.
func Open(path string, opts ...Option) (*Journal, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, pderrors.New(pderrors.ErrCodeJournal, "cannot create journal directory", err).
				WithDetail("path", path)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pderrors.New(pderrors.ErrCodeJournal, "failed to open journal", err)
	}

	// Single writer; an in-memory database also lives on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite, so set pragmas directly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, pderrors.New(pderrors.ErrCodeJournal, "failed to set pragma", err)
		}
	}

	j, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.path = path
	return j, nil
}

// New wraps an existing database connection and creates the schema.
func New(db *sql.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := InitSchema(db); err != nil {
		return nil, pderrors.New(pderrors.ErrCodeJournal, "failed to create journal schema", err)
	}

	j := &Journal{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// InitSchema creates the journal tables if they don't exist.
func InitSchema(db *sql.DB) error {
	schema := `
	-- Terminal records, one per expired work item
	CREATE TABLE IF NOT EXISTS dead_items (
		item_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		requester_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		retries INTEGER NOT NULL,
		previous_retry TEXT NOT NULL DEFAULT '',
		next_retry TEXT NOT NULL,
		expire_at TEXT NOT NULL,
		dead_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_items_participant ON dead_items(participant_id);

	-- Queue backlog saved at shutdown, in submission order
	CREATE TABLE IF NOT EXISTS pending_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		requester_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Retry envelopes saved at shutdown
	CREATE TABLE IF NOT EXISTS reindex_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		requester_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		retries INTEGER NOT NULL,
		previous_retry TEXT NOT NULL DEFAULT '',
		next_retry TEXT NOT NULL,
		expire_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// Path returns the database file path, empty for in-memory journals.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// RecordDead stores a dead item. Recording the same item twice keeps the
// latest state.
func (j *Journal) RecordDead(ctx context.Context, d indexer.DeadItem) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO dead_items (item_id, participant_id, operation, requester_id, created_at,
			retries, previous_retry, next_retry, expire_at, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			retries = excluded.retries,
			previous_retry = excluded.previous_retry,
			next_retry = excluded.next_retry,
			dead_at = excluded.dead_at
	`,
		d.Item.ID(), d.Item.ParticipantID(), string(d.Item.Operation()), d.Item.RequesterID(),
		formatTime(d.Item.CreatedAt()), d.Retries, formatTime(d.PreviousRetry),
		formatTime(d.NextRetry), formatTime(d.ExpireAt), formatTime(d.DeadAt))
	if err != nil {
		return pderrors.New(pderrors.ErrCodeJournal, "record dead item", err).
			WithDetail("participant_id", d.Item.ParticipantID())
	}
	return nil
}

// DeadItems returns all dead items ordered by the time they died.
func (j *Journal) DeadItems(ctx context.Context) ([]indexer.DeadItem, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT item_id, participant_id, operation, requester_id, created_at,
			retries, previous_retry, next_retry, expire_at, dead_at
		FROM dead_items
		ORDER BY dead_at, item_id
	`)
	if err != nil {
		return nil, pderrors.New(pderrors.ErrCodeJournal, "query dead items", err)
	}
	defer rows.Close()

	var out []indexer.DeadItem
	for rows.Next() {
		var r itemRow
		var retries int
		var previousRetry, nextRetry, expire, deadAt string
		if err := rows.Scan(&r.id, &r.participantID, &r.operation, &r.requesterID, &r.createdAt,
			&retries, &previousRetry, &nextRetry, &expire, &deadAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		item, err := r.workItem()
		if err != nil {
			return nil, err
		}
		d := indexer.DeadItem{Item: item, Retries: retries}
		if d.PreviousRetry, err = parseTime(previousRetry); err != nil {
			return nil, err
		}
		if d.NextRetry, err = parseTime(nextRetry); err != nil {
			return nil, err
		}
		if d.ExpireAt, err = parseTime(expire); err != nil {
			return nil, err
		}
		if d.DeadAt, err = parseTime(deadAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeadCount returns the number of dead items.
func (j *Journal) DeadCount(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_items`).Scan(&n); err != nil {
		return 0, pderrors.New(pderrors.ErrCodeJournal, "count dead items", err)
	}
	return n, nil
}

type itemRow struct {
	id, participantID, operation, requesterID, createdAt string
}

func (r itemRow) workItem() (*indexer.WorkItem, error) {
	op, err := indexer.ParseOperation(r.operation)
	if err != nil {
		return nil, err
	}
	created, err := parseTime(r.createdAt)
	if err != nil {
		return nil, err
	}
	return indexer.RestoreWorkItem(r.id, r.participantID, op, r.requesterID, created)
}

// SaveSnapshot replaces the saved pending and re-index items.
func (j *Journal) SaveSnapshot(ctx context.Context, pending []*indexer.WorkItem, reindex []indexer.ReIndexItem) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return pderrors.New(pderrors.ErrCodeJournal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_items`); err != nil {
		return pderrors.New(pderrors.ErrCodeJournal, "clear pending items", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reindex_items`); err != nil {
		return pderrors.New(pderrors.ErrCodeJournal, "clear reindex items", err)
	}

	for _, w := range pending {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_items (item_id, participant_id, operation, requester_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, w.ID(), w.ParticipantID(), string(w.Operation()), w.RequesterID(), formatTime(w.CreatedAt())); err != nil {
			return pderrors.New(pderrors.ErrCodeJournal, "insert pending item", err)
		}
	}

	for i := range reindex {
		r := &reindex[i]
		w := r.Item()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reindex_items (item_id, participant_id, operation, requester_id, created_at,
				retries, previous_retry, next_retry, expire_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, w.ID(), w.ParticipantID(), string(w.Operation()), w.RequesterID(), formatTime(w.CreatedAt()),
			r.Retries(), formatTime(r.PreviousRetry()), formatTime(r.NextRetry()), formatTime(r.ExpireAt())); err != nil {
			return pderrors.New(pderrors.ErrCodeJournal, "insert reindex item", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return pderrors.New(pderrors.ErrCodeJournal, "commit snapshot", err)
	}

	j.logger.Info("journal snapshot saved",
		slog.Int("pending", len(pending)),
		slog.Int("reindex", len(reindex)))
	return nil
}

// TakeSnapshot loads the saved pending and re-index items and clears
// them, so a crash after restore does not replay them twice.
func (j *Journal) TakeSnapshot(ctx context.Context) ([]*indexer.WorkItem, []*indexer.ReIndexItem, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, pderrors.New(pderrors.ErrCodeJournal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	pending, err := loadPending(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	reindex, err := loadReIndex(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_items`); err != nil {
		return nil, nil, pderrors.New(pderrors.ErrCodeJournal, "clear pending items", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reindex_items`); err != nil {
		return nil, nil, pderrors.New(pderrors.ErrCodeJournal, "clear reindex items", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, pderrors.New(pderrors.ErrCodeJournal, "commit snapshot", err)
	}
	return pending, reindex, nil
}

func loadPending(ctx context.Context, tx *sql.Tx) ([]*indexer.WorkItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT item_id, participant_id, operation, requester_id, created_at
		FROM pending_items ORDER BY seq
	`)
	if err != nil {
		return nil, pderrors.New(pderrors.ErrCodeJournal, "query pending items", err)
	}
	defer rows.Close()

	var out []*indexer.WorkItem
	for rows.Next() {
		var r itemRow
		if err := rows.Scan(&r.id, &r.participantID, &r.operation, &r.requesterID, &r.createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		item, err := r.workItem()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func loadReIndex(ctx context.Context, tx *sql.Tx) ([]*indexer.ReIndexItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT item_id, participant_id, operation, requester_id, created_at,
			retries, previous_retry, next_retry, expire_at
		FROM reindex_items ORDER BY seq
	`)
	if err != nil {
		return nil, pderrors.New(pderrors.ErrCodeJournal, "query reindex items", err)
	}
	defer rows.Close()

	var out []*indexer.ReIndexItem
	for rows.Next() {
		var r itemRow
		var retries int
		var previousRetry, nextRetry, expire string
		if err := rows.Scan(&r.id, &r.participantID, &r.operation, &r.requesterID, &r.createdAt,
			&retries, &previousRetry, &nextRetry, &expire); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		item, err := r.workItem()
		if err != nil {
			return nil, err
		}
		prev, err := parseTime(previousRetry)
		if err != nil {
			return nil, err
		}
		next, err := parseTime(nextRetry)
		if err != nil {
			return nil, err
		}
		exp, err := parseTime(expire)
		if err != nil {
			return nil, err
		}
		out = append(out, indexer.RestoreReIndexItem(item, retries, prev, next, exp))
	}
	return out, rows.Err()
}

var _ indexer.DeadLetterSink = (*Journal)(nil)
