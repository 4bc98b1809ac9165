package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxloop/voxloop/internal/transcript"
)

// ddlSnapshots creates the snapshots table. Turns are stored as JSONB so the
// log survives schema evolution of the turn type.
const ddlSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
    id         TEXT         PRIMARY KEY,
    session_id TEXT         NOT NULL,
    reason     TEXT         NOT NULL DEFAULT '',
    summary    TEXT         NOT NULL DEFAULT '',
    turns      JSONB        NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_snapshots_session_id
    ON snapshots (session_id);

CREATE INDEX IF NOT EXISTS idx_snapshots_session_created
    ON snapshots (session_id, created_at DESC);
`

// PostgresStore is a PostgreSQL-backed [Store]. All operations are safe for
// concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore establishes a connection pool to the database at dsn and
// ensures the snapshots table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlSnapshots); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) (string, error) {
	if snap.SessionID == "" {
		return "", fmt.Errorf("store: snapshot session id must not be empty")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	turns, err := json.Marshal(snap.Turns)
	if err != nil {
		return "", fmt.Errorf("store: marshal turns: %w", err)
	}

	const q = `
		INSERT INTO snapshots (id, session_id, reason, summary, turns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.pool.Exec(ctx, q,
		snap.ID,
		snap.SessionID,
		snap.Reason,
		snap.Summary,
		turns,
		snap.CreatedAt,
	); err != nil {
		return "", fmt.Errorf("store: save snapshot: %w", err)
	}
	return snap.ID, nil
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context, id string) (Snapshot, error) {
	const q = `
		SELECT id, session_id, reason, summary, turns, created_at
		FROM   snapshots
		WHERE  id = $1`

	snap, err := scanSnapshot(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("store: load %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: load %q: %w", id, err)
	}
	return snap, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	q := `
		SELECT id, session_id, reason, summary, turns, created_at
		FROM   snapshots
		WHERE  session_id = $1
		ORDER  BY created_at DESC`
	args := []any{sessionID}

	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\n\t\tLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}

	snaps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Snapshot, error) {
		return scanSnapshot(row)
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan snapshots: %w", err)
	}
	if snaps == nil {
		snaps = []Snapshot{}
	}
	return snaps, nil
}

// scanSnapshot scans one snapshots row, decoding the JSONB turn log.
func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var (
		snap  Snapshot
		turns []byte
	)
	if err := row.Scan(
		&snap.ID,
		&snap.SessionID,
		&snap.Reason,
		&snap.Summary,
		&turns,
		&snap.CreatedAt,
	); err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(turns, &snap.Turns); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal turns: %w", err)
	}
	if snap.Turns == nil {
		snap.Turns = []transcript.Turn{}
	}
	return snap, nil
}

var _ Store = (*PostgresStore)(nil)
