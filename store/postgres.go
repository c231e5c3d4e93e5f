package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/yugabyte/pgx/v5"
	"github.com/yugabyte/pgx/v5/pgxpool"
)

const (
	namespaceSeq    = "seq"
	namespaceCounts = "counts"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		tenant_id TEXT,
		user_id TEXT,
		entity_type TEXT,
		resource_type TEXT,
		action TEXT NOT NULL,
		table_name TEXT NOT NULL,
		type TEXT NOT NULL,
		entity_id TEXT,
		context_ids JSONB NOT NULL DEFAULT '{}'::jsonb,
		changed_keys JSONB,
		sync_meta JSONB,
		seq BIGINT,
		error JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS activities_dead_letter_idx ON activities (created_at) WHERE error IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS context_counters (
		namespace TEXT NOT NULL,
		scope TEXT NOT NULL,
		key TEXT NOT NULL DEFAULT '',
		seq BIGINT NOT NULL DEFAULT 0,
		m_seq BIGINT NOT NULL DEFAULT 0,
		counts JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (namespace, scope, key)
	)`,
}

type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	now    func() time.Time
}

// Open connects a pool and makes sure the tables exist.
func Open(ctx context.Context, connString string, logger zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store pool: %w", err)
	}

	s := &Postgres{pool: pool, logger: logger, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	s.logger.Debug().Int("statements", len(schemaStatements)).Msg("schema ready")
	return nil
}

func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, now: s.now})
	})
}

func (s *Postgres) LoadStored(ctx context.Context, id string) (*Stored, error) {
	var stored Stored
	err := s.pool.QueryRow(ctx,
		`SELECT seq, created_at FROM activities WHERE id = $1`, id,
	).Scan(&stored.Seq, &stored.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activity %s: %w", id, err)
	}
	return &stored, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

var _ Store = (*Postgres)(nil)
