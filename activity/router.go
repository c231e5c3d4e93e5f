package activity

import (
	"fmt"

	"github.com/web3tea/activity-sentinel/capturer"
	"github.com/web3tea/activity-sentinel/logrepl"
	"github.com/web3tea/activity-sentinel/registry"
)

// Routed is the outcome of a tracked change.
type Routed struct {
	Entry    registry.Entry
	Activity *Activity
	// Row is the camelCased image the activity describes: the new row for
	// inserts and updates, the old row for deletes.
	Row map[string]any
	// OldRow is the camelCased before image, empty when not replicated.
	OldRow map[string]any
}

type Router struct {
	registry  *registry.Registry
	builder   *Builder
	hierarchy Hierarchy
}

func NewRouter(reg *registry.Registry, h Hierarchy) *Router {
	return &Router{
		registry:  reg,
		builder:   NewBuilder(h),
		hierarchy: h,
	}
}

// Route dispatches a decoded message to its per-action handler. Messages that
// produce no activity return an error wrapping ErrSkip.
func (r *Router) Route(lsn logrepl.LSN, msg *capturer.Message) (*Routed, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: empty message", ErrIgnoredAction)
	}

	var handle func(registry.Entry, *capturer.Message) (*Routed, error)
	switch msg.Kind {
	case capturer.KindInsert:
		handle = r.handleInsert
	case capturer.KindUpdate:
		handle = r.handleUpdate
	case capturer.KindDelete:
		handle = r.handleDelete
	case capturer.KindOther:
		return nil, fmt.Errorf("%w: %q", ErrIgnoredAction, msg.Action)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrIgnoredAction, msg.Kind)
	}

	entry, ok := r.registry.Lookup(msg.Relation.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, msg.Relation.Name)
	}

	routed, err := handle(entry, msg)
	if err != nil {
		return nil, err
	}
	routed.Activity.ID = ID(lsn)
	return routed, nil
}

func (r *Router) handleInsert(entry registry.Entry, msg *capturer.Message) (*Routed, error) {
	row := ToCamelKeys(ExtractRow(msg.New))
	return &Routed{
		Entry:    entry,
		Activity: r.builder.Build(entry, row, ActionCreate),
		Row:      row,
		OldRow:   map[string]any{},
	}, nil
}

func (r *Router) handleUpdate(entry registry.Entry, msg *capturer.Message) (*Routed, error) {
	newRaw := ExtractRow(msg.New)
	oldRaw := ExtractRow(msg.Old)

	// nil means unknown: the update is reported without a change set
	changed := DiffKeys(oldRaw, newRaw, r.hierarchy.VolatileColumn)
	if changed != nil && len(changed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoChanges, entry.Table())
	}

	row := ToCamelKeys(newRaw)
	return &Routed{
		Entry:    entry,
		Activity: r.builder.Build(entry, row, ActionUpdate, WithChangedKeys(changed)),
		Row:      row,
		OldRow:   ToCamelKeys(oldRaw),
	}, nil
}

func (r *Router) handleDelete(entry registry.Entry, msg *capturer.Message) (*Routed, error) {
	row := ToCamelKeys(ExtractRow(msg.Old))

	var overrides []Override
	if r.hierarchy.UserTable != "" && entry.Table() == r.hierarchy.UserTable {
		// the user row no longer exists and must not be referenced
		overrides = append(overrides, WithoutUser())
	}

	return &Routed{
		Entry:    entry,
		Activity: r.builder.Build(entry, row, ActionDelete, overrides...),
		Row:      row,
		OldRow:   row,
	}, nil
}
