package activity

import (
	"github.com/web3tea/activity-sentinel/registry"
)

// SeqColumn selects which counter of a scope is incremented.
type SeqColumn string

const (
	ColumnSeq  SeqColumn = "seq"
	ColumnMSeq SeqColumn = "m_seq"
)

const publicScopePrefix = "public:"

type SeqScope struct {
	ContextKey string
	Column     SeqColumn
}

// ScopeFor returns the sequence scope of a routed row. Product entities are
// sequenced per organization, falling back to a "public:{type}" pseudo scope;
// memberships use the membership counter of their organization. Everything
// else is not sequenced.
func ScopeFor(h Hierarchy, entry registry.Entry, row map[string]any) (SeqScope, bool) {
	orgID, hasOrg := stringValue(row["organizationId"])

	switch e := entry.(type) {
	case registry.Entity:
		if !e.Product {
			return SeqScope{}, false
		}
		key := orgID
		if !hasOrg {
			key = publicScopePrefix + e.EntityType
		}
		return SeqScope{ContextKey: key, Column: ColumnSeq}, true
	case registry.Resource:
		if h.MembershipType == "" || e.ResourceType != h.MembershipType || !hasOrg {
			return SeqScope{}, false
		}
		return SeqScope{ContextKey: orgID, Column: ColumnMSeq}, true
	default:
		return SeqScope{}, false
	}
}
