package store

import (
	"context"
	"errors"
	"time"

	"github.com/web3tea/activity-sentinel/activity"
)

var ErrNotFound = errors.New("activity not found")

// Tx is the unit of work of one activity. Everything written through it is
// committed or rolled back together.
type Tx interface {
	// NextSeq increments the scope's counter and returns the new value.
	NextSeq(ctx context.Context, scope activity.SeqScope) (int64, error)

	// Persist inserts the activity unless its id already exists. It reports
	// false, not an error, for a replayed id.
	Persist(ctx context.Context, act *activity.Activity) (bool, error)

	// ApplyCounts merges the deltas into the context's counters, flooring
	// every counter at zero.
	ApplyCounts(ctx context.Context, delta *activity.CountDelta) error
}

// Stored is what a replay needs to redeliver an activity.
type Stored struct {
	Seq       *int64
	CreatedAt time.Time
}

type Store interface {
	// InTx runs fn in a transaction, rolling back when fn returns an error.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	LoadStored(ctx context.Context, id string) (*Stored, error)

	// DeadLetter records an activity that could not be processed.
	DeadLetter(ctx context.Context, act *activity.Activity, info activity.ErrorInfo) error

	Close()
}
