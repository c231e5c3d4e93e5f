package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/yugabyte/pgx/v5"
)

// WALRetained returns the bytes of WAL the slot holds back, zero when the
// slot does not exist yet.
func (s *Postgres) WALRetained(ctx context.Context, slotName string) (int64, error) {
	var retained int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(pg_wal_lsn_diff(pg_current_wal_lsn(), restart_lsn), 0)::bigint
		FROM pg_replication_slots
		WHERE slot_name = $1`, slotName,
	).Scan(&retained)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query retained wal for slot %s: %w", slotName, err)
	}
	return retained, nil
}

// SetMaxSlotWALKeepSize caps the WAL any slot may retain and reloads the
// server configuration. Requires superuser.
func (s *Postgres) SetMaxSlotWALKeepSize(ctx context.Context, bytes int64) error {
	mb := max(bytes/(1<<20), 1)

	// ALTER SYSTEM takes no bind parameters
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("ALTER SYSTEM SET max_slot_wal_keep_size = '%dMB'", mb)); err != nil {
		return fmt.Errorf("failed to set max_slot_wal_keep_size: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_reload_conf()"); err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	s.logger.Info().Int64("max_slot_wal_keep_size_mb", mb).Msg("wal retention limit applied")
	return nil
}
