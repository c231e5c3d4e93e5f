package store

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
)

// The counter column is interpolated, so it must come from this set.
var seqColumns = map[activity.SeqColumn]struct{}{
	activity.ColumnSeq:  {},
	activity.ColumnMSeq: {},
}

func (t *pgTx) NextSeq(ctx context.Context, scope activity.SeqScope) (int64, error) {
	if _, ok := seqColumns[scope.Column]; !ok {
		return 0, fmt.Errorf("unknown sequence column %q", scope.Column)
	}

	query := fmt.Sprintf(`
		INSERT INTO context_counters (namespace, scope, key, %[1]s, updated_at)
		VALUES ($1, $2, '', 1, NOW())
		ON CONFLICT (namespace, scope, key)
		DO UPDATE SET %[1]s = context_counters.%[1]s + 1, updated_at = NOW()
		RETURNING %[1]s`, scope.Column)

	var seq int64
	if err := t.tx.QueryRow(ctx, query, namespaceSeq, scope.ContextKey).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to advance %s for %s: %w", scope.Column, scope.ContextKey, err)
	}
	return seq, nil
}

const mergeCounts = `
	INSERT INTO context_counters (namespace, scope, key, counts, updated_at)
	VALUES ($1, $2, '', $3::jsonb, NOW())
	ON CONFLICT (namespace, scope, key)
	DO UPDATE SET counts = context_counters.counts || (
		SELECT COALESCE(jsonb_object_agg(
			d.key,
			GREATEST(0, COALESCE((context_counters.counts->>d.key)::bigint, 0) + d.value::bigint)
		), '{}'::jsonb)
		FROM jsonb_each_text($4::jsonb) AS d
	), updated_at = NOW()`

func (t *pgTx) ApplyCounts(ctx context.Context, delta *activity.CountDelta) error {
	if delta == nil || len(delta.Deltas) == 0 {
		return nil
	}

	// a fresh row starts from zero, so negative deltas floor immediately
	initial := lo.MapValues(delta.Deltas, func(v int64, _ string) int64 {
		return max(v, 0)
	})

	initialJSON, err := jsoncodec.MarshalString(initial)
	if err != nil {
		return fmt.Errorf("failed to encode counts: %w", err)
	}
	deltaJSON, err := jsoncodec.MarshalString(delta.Deltas)
	if err != nil {
		return fmt.Errorf("failed to encode count deltas: %w", err)
	}

	if _, err := t.tx.Exec(ctx, mergeCounts, namespaceCounts, delta.ContextKey, initialJSON, deltaJSON); err != nil {
		return fmt.Errorf("failed to apply counts for %s: %w", delta.ContextKey, err)
	}
	return nil
}

// Counts reads the current counters of a context.
func (s *Postgres) Counts(ctx context.Context, contextKey string) (map[string]int64, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT counts FROM context_counters WHERE namespace = $1 AND scope = $2 AND key = ''`,
		namespaceCounts, contextKey,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read counts for %s: %w", contextKey, err)
	}

	counts := map[string]int64{}
	if err := jsoncodec.Unmarshal(raw, &counts); err != nil {
		return nil, fmt.Errorf("failed to decode counts for %s: %w", contextKey, err)
	}
	return counts, nil
}
