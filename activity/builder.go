package activity

import (
	"encoding/json"

	"github.com/samber/lo"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
	"github.com/web3tea/activity-sentinel/registry"
)

// Hierarchy is the slice of the host application's schema metadata the
// builder needs. It is supplied from outside and never hardcoded here.
type Hierarchy struct {
	// Relatable relation names, e.g. "organization". Each contributes a
	// "<name>Id" context id when present on the row.
	Relatable []string
	// UserTable is the physical table holding users.
	UserTable string
	// VolatileColumn is ignored when diffing before/after images.
	VolatileColumn string
	// MembershipType is the resource type of organization memberships.
	MembershipType string
	// PendingMembershipType is the resource type of not yet accepted memberships.
	PendingMembershipType string
}

type Builder struct {
	hierarchy Hierarchy
}

func NewBuilder(h Hierarchy) *Builder {
	return &Builder{hierarchy: h}
}

type Override func(*Activity)

func WithChangedKeys(keys []string) Override {
	return func(a *Activity) {
		a.ChangedKeys = keys
	}
}

// WithoutUser clears the actor, used when the actor row itself is gone.
func WithoutUser() Override {
	return func(a *Activity) {
		a.UserID = nil
	}
}

// Build derives an activity from a camelCased row.
func (b *Builder) Build(entry registry.Entry, row map[string]any, action Action, overrides ...Override) *Activity {
	act := &Activity{
		Action:     action,
		TableName:  entry.Table(),
		Type:       entry.Type() + "." + action.Verb(),
		TenantID:   stringPtr(row["tenantId"]),
		UserID:     firstPresent(row, "modifiedBy", "createdBy", "userId"),
		ContextIDs: b.contextIDs(row),
		SyncMeta:   extractSyncMeta(row["syncMeta"]),
	}

	switch e := entry.(type) {
	case registry.Entity:
		act.EntityType = lo.ToPtr(e.EntityType)
		act.EntityID = stringPtr(row["id"])
	case registry.Resource:
		act.ResourceType = lo.ToPtr(e.ResourceType)
	}

	for _, o := range overrides {
		o(act)
	}
	return act
}

func (b *Builder) contextIDs(row map[string]any) map[string]string {
	ids := make(map[string]string, len(b.hierarchy.Relatable))
	for _, relation := range b.hierarchy.Relatable {
		key := ToCamel(relation) + "Id"
		if id, ok := stringValue(row[key]); ok {
			ids[key] = id
		}
	}
	return ids
}

func firstPresent(row map[string]any, keys ...string) *string {
	for _, key := range keys {
		if v := stringPtr(row[key]); v != nil {
			return v
		}
	}
	return nil
}

func stringPtr(v any) *string {
	s, ok := stringValue(v)
	if !ok {
		return nil
	}
	return &s
}

// extractSyncMeta accepts only an object with string mutationId and sourceId
// and a numeric version.
func extractSyncMeta(v any) *SyncMeta {
	// json columns may arrive as text
	if text, ok := v.(string); ok {
		var decoded map[string]any
		if err := jsoncodec.UnmarshalNumbers([]byte(text), &decoded); err != nil {
			return nil
		}
		v = decoded
	}

	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	mutationID, ok := raw["mutationId"].(string)
	if !ok {
		return nil
	}
	sourceID, ok := raw["sourceId"].(string)
	if !ok {
		return nil
	}
	version, ok := numeric(raw["version"])
	if !ok {
		return nil
	}

	fieldVersions, ok := raw["fieldVersions"].(map[string]any)
	if !ok || fieldVersions == nil {
		fieldVersions = map[string]any{}
	}

	return &SyncMeta{
		MutationID:    mutationID,
		SourceID:      sourceID,
		Version:       version,
		FieldVersions: fieldVersions,
	}
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		return int64(f), err == nil
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
