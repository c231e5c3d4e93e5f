package store

import (
	"context"
	"fmt"
	"time"

	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
	"github.com/yugabyte/pgx/v5"
	"github.com/yugabyte/pgx/v5/pgconn"
)

const insertActivity = `
	INSERT INTO activities (
		id, tenant_id, user_id, entity_type, resource_type, action, table_name,
		type, entity_id, context_ids, changed_keys, sync_meta, seq, error, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8, $9, $10::jsonb, $11::jsonb, $12::jsonb, $13, $14::jsonb, $15
	)
	ON CONFLICT (id) DO NOTHING`

type pgTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *pgTx) Persist(ctx context.Context, act *activity.Activity) (bool, error) {
	if act.CreatedAt.IsZero() {
		act.CreatedAt = t.now().UTC()
	}
	return insertActivityRow(ctx, t.tx, act)
}

func (s *Postgres) DeadLetter(ctx context.Context, act *activity.Activity, info activity.ErrorInfo) error {
	row := *act
	row.Error = &info
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	if _, err := insertActivityRow(ctx, s.pool, &row); err != nil {
		return fmt.Errorf("failed to write dead letter %s: %w", act.ID, err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertActivityRow(ctx context.Context, db execer, act *activity.Activity) (bool, error) {
	contextIDs := act.ContextIDs
	if contextIDs == nil {
		contextIDs = map[string]string{}
	}
	contextJSON, err := jsoncodec.MarshalString(contextIDs)
	if err != nil {
		return false, fmt.Errorf("failed to encode context ids: %w", err)
	}
	changedJSON, err := nullableJSON(act.ChangedKeys, act.ChangedKeys == nil)
	if err != nil {
		return false, fmt.Errorf("failed to encode changed keys: %w", err)
	}
	syncJSON, err := nullableJSON(act.SyncMeta, act.SyncMeta == nil)
	if err != nil {
		return false, fmt.Errorf("failed to encode sync meta: %w", err)
	}
	errorJSON, err := nullableJSON(act.Error, act.Error == nil)
	if err != nil {
		return false, fmt.Errorf("failed to encode error: %w", err)
	}

	tag, err := db.Exec(ctx, insertActivity,
		act.ID, act.TenantID, act.UserID, act.EntityType, act.ResourceType,
		string(act.Action), act.TableName, act.Type, act.EntityID,
		contextJSON, changedJSON, syncJSON, act.Seq, errorJSON, act.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert activity %s: %w", act.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func nullableJSON(v any, isNil bool) (*string, error) {
	if isNil {
		return nil, nil
	}
	encoded, err := jsoncodec.MarshalString(v)
	if err != nil {
		return nil, err
	}
	return &encoded, nil
}
