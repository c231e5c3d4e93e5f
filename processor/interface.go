package processor

import (
	"context"

	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/store"
)

// Stage is one step of the per-activity unit of work. Stages share the
// transaction, so a failing stage undoes the ones before it.
type Stage interface {
	Name() string
	Process(ctx context.Context, tx store.Tx, job *Job) error
}

type Job struct {
	Routed *activity.Routed
}

type Processor interface {
	Process(ctx context.Context, routed *activity.Routed) (Result, error)
	AddStage(stage Stage)
}
