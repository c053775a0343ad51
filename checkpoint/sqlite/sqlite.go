// Package sqlite implements checkpoint.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/minitime/minitime/checkpoint"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements checkpoint.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ checkpoint.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: checkpoint store opened", "path", dbPath)
	return s
}

// Init creates the checkpoint tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS writes (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_updated
			ON checkpoints(thread_id, created_at)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveSnapshot appends a snapshot under the next sequence number.
func (s *Store) SaveSnapshot(ctx context.Context, threadID string, snapshot []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE thread_id = ?`,
		threadID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, seq, snapshot, created_at) VALUES (?, ?, ?, ?)`,
		threadID, seq, string(snapshot), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: snapshot saved", "thread", threadID, "seq", seq)
	return seq, nil
}

// LoadLatest returns the newest snapshot for the thread.
func (s *Store) LoadLatest(ctx context.Context, threadID string) ([]byte, int64, error) {
	var (
		snapshot string
		seq      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, seq FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`,
		threadID).Scan(&snapshot, &seq)
	if err == sql.ErrNoRows {
		return nil, 0, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load latest: %w", err)
	}
	return []byte(snapshot), seq, nil
}

// AppendWrite records an intra-turn payload.
func (s *Store) AppendWrite(ctx context.Context, threadID string, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM writes WHERE thread_id = ?`,
		threadID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next write seq: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO writes (thread_id, seq, payload, created_at) VALUES (?, ?, ?, ?)`,
		threadID, seq, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert write: %w", err)
	}
	return tx.Commit()
}

// ListThreads returns threads matching the prefix, newest first.
func (s *Store) ListThreads(ctx context.Context, prefix string) ([]checkpoint.ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, MAX(created_at) AS updated
		 FROM checkpoints
		 WHERE thread_id LIKE ? || '%'
		 GROUP BY thread_id
		 ORDER BY updated DESC`,
		prefix)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.ThreadInfo
	for rows.Next() {
		var (
			id      string
			updated int64
		)
		if err := rows.Scan(&id, &updated); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, checkpoint.ThreadInfo{
			ThreadID:  id,
			UpdatedAt: time.UnixMilli(updated),
		})
	}
	return out, rows.Err()
}

// Delete removes all state for one thread.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM writes WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return nil
}

// DeletePrefix removes every thread matching the prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id LIKE ? || '%'`, prefix); err != nil {
		return fmt.Errorf("delete checkpoints by prefix: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM writes WHERE thread_id LIKE ? || '%'`, prefix); err != nil {
		return fmt.Errorf("delete writes by prefix: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
