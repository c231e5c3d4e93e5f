package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/retry"
	"github.com/web3tea/activity-sentinel/store"
)

// errReplayed rolls back a transaction whose activity already exists.
var errReplayed = errors.New("activity already persisted")

// ErrRestore marks a replayed activity whose stored seq could not be read
// back. The row exists, so the change must be streamed again, not dead-lettered.
var ErrRestore = errors.New("failed to restore replayed activity")

type Result struct {
	// Inserted is false for a replayed activity; Seq and CreatedAt are then
	// loaded from the stored row.
	Inserted bool
	Attempts int
	Outcome  retry.Outcome
}

type ProcessorChain struct {
	store  store.Store
	policy retry.Policy
	logger zerolog.Logger
	stages []Stage
	lk     sync.Mutex
}

// NewProcessorChain returns the chain sequence -> persist -> counts.
func NewProcessorChain(st store.Store, h activity.Hierarchy, policy retry.Policy, logger zerolog.Logger) *ProcessorChain {
	return &ProcessorChain{
		store:  st,
		policy: policy,
		logger: logger,
		stages: []Stage{
			&sequenceStage{hierarchy: h},
			&persistStage{},
			&countsStage{hierarchy: h},
		},
	}
}

func (pc *ProcessorChain) AddStage(stage Stage) {
	pc.lk.Lock()
	defer pc.lk.Unlock()

	pc.stages = append(pc.stages, stage)
}

// Process runs every stage in one transaction, retrying transient failures.
// The returned Result carries the attempt count even on failure.
func (pc *ProcessorChain) Process(ctx context.Context, routed *activity.Routed) (Result, error) {
	pc.lk.Lock()
	stages := append([]Stage(nil), pc.stages...)
	pc.lk.Unlock()

	job := &Job{Routed: routed}
	replayed := false

	res := retry.Do(ctx, pc.policy, func(ctx context.Context) error {
		err := pc.store.InTx(ctx, func(tx store.Tx) error {
			for _, stage := range stages {
				if err := stage.Process(ctx, tx, job); err != nil {
					return fmt.Errorf("%s: %w", stage.Name(), err)
				}
			}
			return nil
		})
		if errors.Is(err, errReplayed) {
			replayed = true
			return nil
		}
		if err != nil {
			pc.logger.Debug().Err(err).Str("id", routed.Activity.ID).Msg("activity transaction failed")
		}
		return err
	})

	result := Result{Inserted: !replayed, Attempts: res.Attempts, Outcome: res.Outcome}
	if !res.OK() {
		return result, res.Err
	}

	if replayed {
		restored := retry.Do(ctx, pc.policy, func(ctx context.Context) error {
			return pc.restore(ctx, routed.Activity)
		})
		if !restored.OK() {
			result.Outcome = restored.Outcome
			return result, fmt.Errorf("%w %s: %w", ErrRestore, routed.Activity.ID, restored.Err)
		}
	}
	return result, nil
}

func (pc *ProcessorChain) restore(ctx context.Context, act *activity.Activity) error {
	stored, err := pc.store.LoadStored(ctx, act.ID)
	if err != nil {
		return err
	}
	act.Seq = stored.Seq
	act.CreatedAt = stored.CreatedAt
	return nil
}

var _ Processor = (*ProcessorChain)(nil)
