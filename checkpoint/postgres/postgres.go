// Package postgres implements checkpoint.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minitime/minitime/checkpoint"
)

// Store implements checkpoint.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ checkpoint.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the checkpoint tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS writes (
			thread_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveSnapshot appends a snapshot under the next sequence number.
func (s *Store) SaveSnapshot(ctx context.Context, threadID string, snapshot []byte) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE thread_id = $1`,
		threadID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, seq, snapshot, created_at) VALUES ($1, $2, $3, $4)`,
		threadID, seq, string(snapshot), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// LoadLatest returns the newest snapshot for the thread.
func (s *Store) LoadLatest(ctx context.Context, threadID string) ([]byte, int64, error) {
	var (
		snapshot string
		seq      int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot, seq FROM checkpoints WHERE thread_id = $1 ORDER BY seq DESC LIMIT 1`,
		threadID).Scan(&snapshot, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load latest: %w", err)
	}
	return []byte(snapshot), seq, nil
}

// AppendWrite records an intra-turn payload.
func (s *Store) AppendWrite(ctx context.Context, threadID string, payload []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM writes WHERE thread_id = $1`,
		threadID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next write seq: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO writes (thread_id, seq, payload, created_at) VALUES ($1, $2, $3, $4)`,
		threadID, seq, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert write: %w", err)
	}
	return tx.Commit(ctx)
}

// ListThreads returns threads matching the prefix, newest first.
func (s *Store) ListThreads(ctx context.Context, prefix string) ([]checkpoint.ThreadInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, MAX(created_at) AS updated
		 FROM checkpoints
		 WHERE thread_id LIKE $1 || '%'
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
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM writes WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return nil
}

// DeletePrefix removes every thread matching the prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE thread_id LIKE $1 || '%'`, prefix); err != nil {
		return fmt.Errorf("delete checkpoints by prefix: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM writes WHERE thread_id LIKE $1 || '%'`, prefix); err != nil {
		return fmt.Errorf("delete writes by prefix: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is externally owned.
func (s *Store) Close() error { return nil }
