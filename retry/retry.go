// Package retry classifies failures and retries the transient ones.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/yugabyte/pgx/v5/pgconn"
)

type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

var transientCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"57P01": {}, // admin_shutdown
	"57P02": {}, // crash_shutdown
	"57P03": {}, // cannot_connect_now
}

// connection_exception and insufficient_resources classes
var transientClasses = []string{"08", "53"}

var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"deadlock",
	"too many clients",
	"too many connections",
	"unexpected eof",
}

// Classify reports whether err is worth retrying.
func Classify(err error) Class {
	if err == nil || errors.Is(err, context.Canceled) {
		return Permanent
	}

	if code := Code(err); code != "" {
		if _, ok := transientCodes[code]; ok {
			return Transient
		}
		for _, class := range transientClasses {
			if strings.HasPrefix(code, class) {
				return Transient
			}
		}
		return Permanent
	}

	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return Transient
		}
	}
	return Permanent
}

// Code extracts the SQLSTATE carried by err, if any.
func Code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Second,
	}
}

// Delay returns the wait before the attempt following the given (1-based) one.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

type Outcome int

const (
	Succeeded Outcome = iota
	Exhausted
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "failed"
	}
}

type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

func (r Result) OK() bool {
	return r.Outcome == Succeeded
}

// Do calls fn until it succeeds, fails permanently or runs out of attempts.
// Cancelling ctx while waiting ends the loop as a permanent failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) Result {
	maxAttempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return Result{Outcome: Succeeded, Attempts: attempt}
		}
		if Classify(err) == Permanent {
			return Result{Outcome: Failed, Attempts: attempt, Err: err}
		}
		if attempt >= maxAttempts {
			return Result{Outcome: Exhausted, Attempts: attempt, Err: err}
		}
		if waitErr := Wait(ctx, p.Delay(attempt)); waitErr != nil {
			return Result{Outcome: Failed, Attempts: attempt, Err: errors.Join(err, waitErr)}
		}
	}
}

// Unbounded retries fn forever with a fixed delay. It is used for the
// replication subscription, which must outlive any single connection.
type Unbounded struct {
	Delay time.Duration
	// OnError is called with every failure before waiting.
	OnError func(err error, attempt int)
}

// Run returns nil when fn returns nil, or ctx.Err() once ctx is done.
func (u Unbounded) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if u.OnError != nil {
			u.OnError(err, attempt)
		}
		if waitErr := Wait(ctx, u.Delay); waitErr != nil {
			return waitErr
		}
	}
}

// Jittered returns base*2^attempt capped at maxDelay, spread by +/- jitter.
func Jittered(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if jitter > 0 {
		d += d * jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
