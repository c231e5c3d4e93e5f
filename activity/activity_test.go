package activity

import (
	"encoding/json"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3tea/activity-sentinel/capturer"
	"github.com/web3tea/activity-sentinel/logrepl"
	"github.com/web3tea/activity-sentinel/registry"
)

var testHierarchy = Hierarchy{
	Relatable:             []string{"organization", "project"},
	UserTable:             "users",
	VolatileColumn:        "modified_at",
	MembershipType:        "membership",
	PendingMembershipType: "pending_membership",
}

func testRegistry(t testing.TB) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Schema{
		Entities: []registry.TableDef{
			{Table: "users", Type: "user"},
			{Table: "organizations", Type: "organization"},
			{Table: "attachments", Type: "attachment", Product: true},
		},
		Resources: []registry.TableDef{
			{Table: "memberships", Type: "membership"},
			{Table: "inactive_memberships", Type: "pending_membership"},
			{Table: "requests", Type: "request"},
		},
	})
	require.NoError(t, err)
	return reg
}

func mustLSN(t testing.TB, s string) logrepl.LSN {
	t.Helper()
	lsn, err := logrepl.ParseLSN(s)
	require.NoError(t, err)
	return lsn
}

func TestIDIsDeterministic(t *testing.T) {
	lsn := mustLSN(t, "0/16B3748")
	assert.Equal(t, "0-16B3748", ID(lsn))
	assert.Equal(t, ID(lsn), ID(lsn))
}

func TestRouteInsertEndToEnd(t *testing.T) {
	router := NewRouter(testRegistry(t), testHierarchy)

	routed, err := router.Route(mustLSN(t, "0/16B3748"), &capturer.Message{
		Kind:     capturer.KindInsert,
		Relation: capturer.Relation{Schema: "public", Name: "attachments"},
		New: []capturer.Column{
			{Name: "id", Value: "e1"},
			{Name: "organization_id", Value: "o1"},
			{Name: "created_by", Value: "u1"},
		},
	})
	require.NoError(t, err)

	act := routed.Activity
	assert.Equal(t, "0-16B3748", act.ID)
	assert.Equal(t, "attachment.created", act.Type)
	assert.Equal(t, ActionCreate, act.Action)
	assert.Equal(t, "attachments", act.TableName)
	assert.Equal(t, lo.ToPtr("attachment"), act.EntityType)
	assert.Nil(t, act.ResourceType)
	assert.Equal(t, lo.ToPtr("e1"), act.EntityID)
	assert.Equal(t, lo.ToPtr("u1"), act.UserID)
	assert.Nil(t, act.TenantID)
	assert.Nil(t, act.ChangedKeys)

	org, ok := act.OrganizationID()
	require.True(t, ok)
	assert.Equal(t, "o1", org)

	assert.Equal(t, "e1", routed.Row["id"])
	assert.Empty(t, routed.OldRow)
}

func TestRouteIntegerKeysKeepEveryDigit(t *testing.T) {
	router := NewRouter(testRegistry(t), testHierarchy)

	msg, err := capturer.Decode([]byte(`{"action":"I","schema":"public","table":"attachments","columns":[` +
		`{"name":"id","type":"bigint","value":9007199254740993},` +
		`{"name":"organization_id","type":"bigint","value":42000000},` +
		`{"name":"created_by","type":"integer","value":1234567}]}`))
	require.NoError(t, err)

	routed, err := router.Route(mustLSN(t, "0/16B3748"), msg)
	require.NoError(t, err)

	act := routed.Activity
	assert.Equal(t, lo.ToPtr("9007199254740993"), act.EntityID)
	assert.Equal(t, lo.ToPtr("1234567"), act.UserID)
	assert.Equal(t, map[string]string{"organizationId": "42000000"}, act.ContextIDs)

	scope, ok := ScopeFor(testHierarchy, attachmentEntry, ToCamelKeys(routed.Row))
	require.True(t, ok)
	assert.Equal(t, "42000000", scope.ContextKey)
}

func TestRouteSkips(t *testing.T) {
	router := NewRouter(testRegistry(t), testHierarchy)
	lsn := mustLSN(t, "1/0")

	_, err := router.Route(lsn, &capturer.Message{
		Kind:     capturer.KindInsert,
		Relation: capturer.Relation{Name: "sessions"},
		New:      map[string]any{"id": "s1"},
	})
	require.ErrorIs(t, err, ErrNotTracked)
	require.ErrorIs(t, err, ErrSkip)

	_, err = router.Route(lsn, &capturer.Message{Kind: capturer.KindOther, Action: "T"})
	require.ErrorIs(t, err, ErrIgnoredAction)

	_, err = router.Route(lsn, nil)
	require.ErrorIs(t, err, ErrSkip)
}

func TestRouteUpdateChangedKeys(t *testing.T) {
	router := NewRouter(testRegistry(t), testHierarchy)

	routed, err := router.Route(mustLSN(t, "0/2A"), &capturer.Message{
		Kind:     capturer.KindUpdate,
		Relation: capturer.Relation{Name: "users"},
		New:      map[string]any{"id": "u1", "name": "new", "email": "a@b", "modified_at": "t2"},
		Old:      map[string]any{"id": "u1", "name": "old", "email": "a@b", "modified_at": "t1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "user.updated", routed.Activity.Type)
	assert.Equal(t, []string{"name"}, routed.Activity.ChangedKeys)
	assert.Equal(t, "old", routed.OldRow["name"])
}

func TestRouteUpdateTouchOnlyIsSkipped(t *testing.T) {
	router := NewRouter(testRegistry(t), testHierarchy)

	routed, err := router.Route(mustLSN(t, "0/2B"), &capturer.Message{
		Kind:     capturer.KindUpdate,
		Relation: capturer.Relation{Name: "users"},
		New:      map[string]any{"id": "u1", "name": "same", "modified_at": "t2"},
		Old:      map[string]any{"id": "u1", "name": "same", "modified_at": "t1"},
	})
	require.ErrorIs(t, err, ErrNoChanges)
	assert.Nil(t, routed)
}

func TestRouteUpdateWithoutBeforeImage(t *testing.T) {
	router := NewRouter(testRegistry(t), testHierarchy)

	routed, err := router.Route(mustLSN(t, "0/2C"), &capturer.Message{
		Kind:     capturer.KindUpdate,
		Relation: capturer.Relation{Name: "users"},
		New:      map[string]any{"id": "u1", "name": "same"},
	})
	require.NoError(t, err)
	assert.Nil(t, routed.Activity.ChangedKeys)
}

func TestRouteDeleteUserClearsActor(t *testing.T) {
	router := NewRouter(testRegistry(t), testHierarchy)

	routed, err := router.Route(mustLSN(t, "0/3"), &capturer.Message{
		Kind:     capturer.KindDelete,
		Relation: capturer.Relation{Name: "users"},
		Old:      map[string]any{"id": "u1", "modified_by": "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "user.deleted", routed.Activity.Type)
	assert.Nil(t, routed.Activity.UserID)
	assert.Equal(t, lo.ToPtr("u1"), routed.Activity.EntityID)

	routed, err = router.Route(mustLSN(t, "0/4"), &capturer.Message{
		Kind:     capturer.KindDelete,
		Relation: capturer.Relation{Name: "attachments"},
		Old:      map[string]any{"id": "e1", "modified_by": "u2", "created_by": "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, lo.ToPtr("u2"), routed.Activity.UserID)
	assert.Equal(t, routed.Row, routed.OldRow)
}

func TestBuildResource(t *testing.T) {
	b := NewBuilder(testHierarchy)
	entry := registry.Resource{TableName: "memberships", ResourceType: "membership"}

	act := b.Build(entry, map[string]any{
		"id":             "m1",
		"tenantId":       "t1",
		"userId":         "u9",
		"organizationId": "o1",
		"projectId":      "p1",
		"role":           "admin",
	}, ActionCreate)

	assert.Equal(t, "membership.created", act.Type)
	assert.Equal(t, lo.ToPtr("membership"), act.ResourceType)
	assert.Nil(t, act.EntityType)
	assert.Nil(t, act.EntityID)
	assert.Equal(t, lo.ToPtr("t1"), act.TenantID)
	assert.Equal(t, lo.ToPtr("u9"), act.UserID)
	assert.Equal(t, map[string]string{"organizationId": "o1", "projectId": "p1"}, act.ContextIDs)
}

func TestExtractSyncMeta(t *testing.T) {
	meta := extractSyncMeta(map[string]any{
		"mutationId": "m1",
		"sourceId":   "s1",
		"version":    float64(3),
	})
	require.NotNil(t, meta)
	assert.Equal(t, "m1", meta.MutationID)
	assert.Equal(t, int64(3), meta.Version)
	assert.Equal(t, map[string]any{}, meta.FieldVersions)

	meta = extractSyncMeta(`{"mutationId":"m2","sourceId":"s2","version":4,"fieldVersions":{"name":2}}`)
	require.NotNil(t, meta)
	assert.Equal(t, "m2", meta.MutationID)
	assert.Equal(t, map[string]any{"name": json.Number("2")}, meta.FieldVersions)

	assert.Nil(t, extractSyncMeta(nil))
	assert.Nil(t, extractSyncMeta("not json"))
	assert.Nil(t, extractSyncMeta(map[string]any{"mutationId": "m", "sourceId": "s", "version": "1"}))
	assert.Nil(t, extractSyncMeta(map[string]any{"mutationId": 1, "sourceId": "s", "version": 1}))
}

func TestActivityFields(t *testing.T) {
	act := &Activity{
		ID:         "0-1",
		Type:       "attachment.created",
		Action:     ActionCreate,
		TableName:  "attachments",
		EntityType: lo.ToPtr("attachment"),
		ContextIDs: map[string]string{"organizationId": "o1"},
		Seq:        lo.ToPtr(int64(7)),
	}
	fields := act.Fields()

	assert.Equal(t, "o1", fields["organizationId"])
	assert.NotContains(t, fields, "createdAt")
	assert.NotContains(t, fields, "error")

	raw, err := act.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"seq":7`)
	assert.Contains(t, string(raw), `"changedKeys":null`)
}
