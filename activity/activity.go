// Package activity turns replicated rows into activity records.
package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/web3tea/activity-sentinel/logrepl"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
)

// ErrSkip is wrapped by every reason a message produces no activity.
var ErrSkip = errors.New("skip")

var (
	ErrNotTracked    = fmt.Errorf("%w: table not tracked", ErrSkip)
	ErrNoChanges     = fmt.Errorf("%w: no semantic change", ErrSkip)
	ErrIgnoredAction = fmt.Errorf("%w: ignored action", ErrSkip)
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Verb() string {
	switch a {
	case ActionCreate:
		return "created"
	case ActionUpdate:
		return "updated"
	case ActionDelete:
		return "deleted"
	default:
		return string(a)
	}
}

type SyncMeta struct {
	MutationID    string         `json:"mutationId"`
	SourceID      string         `json:"sourceId"`
	Version       int64          `json:"version"`
	FieldVersions map[string]any `json:"fieldVersions"`
}

// ErrorInfo is only set on dead-lettered activities.
type ErrorInfo struct {
	LSN        string `json:"lsn"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	RetryCount int    `json:"retryCount"`
	Resolved   bool   `json:"resolved"`
}

type Activity struct {
	ID           string
	TenantID     *string
	UserID       *string
	EntityType   *string
	ResourceType *string
	Action       Action
	TableName    string
	Type         string
	EntityID     *string
	// ContextIDs holds one entry per relatable relation, keyed like organizationId.
	ContextIDs  map[string]string
	ChangedKeys []string
	SyncMeta    *SyncMeta
	Seq         *int64
	CreatedAt   time.Time
	Error       *ErrorInfo
}

// ID derives the activity id from the replication position, so a replayed
// message maps to the same activity.
func ID(lsn logrepl.LSN) string {
	return lsn.Dashed()
}

func (a *Activity) OrganizationID() (string, bool) {
	id, ok := a.ContextIDs["organizationId"]
	return id, ok && id != ""
}

// Fields flattens the activity into its wire shape.
func (a *Activity) Fields() map[string]any {
	fields := map[string]any{
		"id":           a.ID,
		"type":         a.Type,
		"action":       a.Action,
		"tableName":    a.TableName,
		"tenantId":     a.TenantID,
		"userId":       a.UserID,
		"entityType":   a.EntityType,
		"resourceType": a.ResourceType,
		"entityId":     a.EntityID,
		"changedKeys":  a.ChangedKeys,
		"syncMeta":     a.SyncMeta,
		"seq":          a.Seq,
	}
	if !a.CreatedAt.IsZero() {
		fields["createdAt"] = a.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	for key, id := range a.ContextIDs {
		fields[key] = id
	}
	if a.Error != nil {
		fields["error"] = a.Error
	}
	return fields
}

func (a Activity) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(a.Fields())
}
