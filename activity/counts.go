package activity

import (
	"github.com/web3tea/activity-sentinel/registry"
)

const (
	countTotal   = "total"
	countPending = "pending"

	roleColumn       = "role"
	rejectedAtColumn = "rejectedAt"
)

// CountDelta is a set of counter adjustments for one context.
type CountDelta struct {
	ContextKey string
	Deltas     map[string]int64
}

func (d *CountDelta) add(key string, n int64) {
	if key == "" || n == 0 {
		return
	}
	d.Deltas[key] += n
	if d.Deltas[key] == 0 {
		delete(d.Deltas, key)
	}
}

// DeltasFor derives denormalized counter changes from a CDC action. Rows are
// camelCased; oldRow may be empty.
func DeltasFor(h Hierarchy, entry registry.Entry, action Action, newRow, oldRow map[string]any) (*CountDelta, bool) {
	row := newRow
	if action == ActionDelete {
		row = oldRow
	}
	orgID, ok := stringValue(row["organizationId"])
	if !ok {
		return nil, false
	}

	delta := &CountDelta{ContextKey: orgID, Deltas: map[string]int64{}}

	switch e := entry.(type) {
	case registry.Entity:
		// updates never change entity counts
		if !e.Product {
			return nil, false
		}
		switch action {
		case ActionCreate:
			delta.add(e.EntityType, 1)
		case ActionDelete:
			delta.add(e.EntityType, -1)
		}

	case registry.Resource:
		switch {
		case h.MembershipType != "" && e.ResourceType == h.MembershipType:
			membershipDeltas(delta, action, newRow, oldRow)
		case h.PendingMembershipType != "" && e.ResourceType == h.PendingMembershipType:
			pendingDeltas(delta, action, newRow, oldRow)
		}
	}

	if len(delta.Deltas) == 0 {
		return nil, false
	}
	return delta, true
}

func membershipDeltas(delta *CountDelta, action Action, newRow, oldRow map[string]any) {
	switch action {
	case ActionCreate:
		role, _ := stringValue(newRow[roleColumn])
		delta.add(role, 1)
		delta.add(countTotal, 1)
	case ActionDelete:
		role, _ := stringValue(oldRow[roleColumn])
		delta.add(role, -1)
		delta.add(countTotal, -1)
	case ActionUpdate:
		// a role change needs the before image
		if len(oldRow) == 0 {
			return
		}
		oldRole, _ := stringValue(oldRow[roleColumn])
		newRole, _ := stringValue(newRow[roleColumn])
		if oldRole == newRole {
			return
		}
		delta.add(oldRole, -1)
		delta.add(newRole, 1)
	}
}

func pendingDeltas(delta *CountDelta, action Action, newRow, oldRow map[string]any) {
	_, newRejected := stringValue(newRow[rejectedAtColumn])
	_, oldRejected := stringValue(oldRow[rejectedAtColumn])

	switch action {
	case ActionCreate:
		if !newRejected {
			delta.add(countPending, 1)
		}
	case ActionDelete:
		if !oldRejected {
			delta.add(countPending, -1)
		}
	case ActionUpdate:
		if len(oldRow) == 0 {
			return
		}
		switch {
		case !oldRejected && newRejected:
			delta.add(countPending, -1)
		case oldRejected && !newRejected:
			delta.add(countPending, 1)
		}
	}
}
