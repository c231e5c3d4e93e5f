package processor

import (
	"context"

	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/store"
)

type sequenceStage struct {
	hierarchy activity.Hierarchy
}

func (s *sequenceStage) Name() string { return "sequence" }

func (s *sequenceStage) Process(ctx context.Context, tx store.Tx, job *Job) error {
	act := job.Routed.Activity
	act.Seq = nil

	scope, ok := activity.ScopeFor(s.hierarchy, job.Routed.Entry, job.Routed.Row)
	if !ok {
		return nil
	}
	seq, err := tx.NextSeq(ctx, scope)
	if err != nil {
		return err
	}
	act.Seq = &seq
	return nil
}

type persistStage struct{}

func (persistStage) Name() string { return "persist" }

func (persistStage) Process(ctx context.Context, tx store.Tx, job *Job) error {
	inserted, err := tx.Persist(ctx, job.Routed.Activity)
	if err != nil {
		return err
	}
	if !inserted {
		return errReplayed
	}
	return nil
}

type countsStage struct {
	hierarchy activity.Hierarchy
}

func (s *countsStage) Name() string { return "counts" }

func (s *countsStage) Process(ctx context.Context, tx store.Tx, job *Job) error {
	r := job.Routed
	newRow := r.Row
	if r.Activity.Action == activity.ActionDelete {
		newRow = nil
	}

	delta, ok := activity.DeltasFor(s.hierarchy, r.Entry, r.Activity.Action, newRow, r.OldRow)
	if !ok {
		return nil
	}
	return tx.ApplyCounts(ctx, delta)
}
