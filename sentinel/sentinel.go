// Package sentinel runs the activity pipeline: it consumes the replication
// stream, turns every tracked change into a persisted activity, hands it to
// the sink and acknowledges the stream position only while the sink is open.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/capturer"
	"github.com/web3tea/activity-sentinel/guard"
	"github.com/web3tea/activity-sentinel/logrepl"
	"github.com/web3tea/activity-sentinel/metrics"
	"github.com/web3tea/activity-sentinel/processor"
	"github.com/web3tea/activity-sentinel/retry"
	"github.com/web3tea/activity-sentinel/sink"
	"github.com/web3tea/activity-sentinel/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultSubscriptionRetryDelay = 5 * time.Second
	tracerName                    = "activity-sentinel"
	unknownErrorCode              = "UNKNOWN"
)

type Sentinel struct {
	Capturer  capturer.Capturer
	Router    *activity.Router
	Processor processor.Processor
	Store     store.Store
	Sink      sink.Sink
	Guard     *guard.Guard
	State     *State
	Metrics   *metrics.Metrics

	logger                 zerolog.Logger
	tracer                 trace.Tracer
	propagator             propagation.TextMapPropagator
	subscriptionRetryDelay time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	emergency chan guard.ResourceStatus
}

// NewSentinel wires the pipeline. state must be the listener the sink reports
// to, so channel health and replication state stay coupled.
func NewSentinel(capt capturer.Capturer, router *activity.Router, proc processor.Processor, st store.Store,
	snk sink.Sink, state *State, options ...Option) *Sentinel {
	s := &Sentinel{
		Capturer:               capt,
		Router:                 router,
		Processor:              proc,
		Store:                  st,
		Sink:                   snk,
		State:                  state,
		logger:                 zerolog.Nop(),
		tracer:                 otel.Tracer(tracerName),
		propagator:             propagation.TraceContext{},
		subscriptionRetryDelay: defaultSubscriptionRetryDelay,
		emergency:              make(chan guard.ResourceStatus, 1),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.Metrics == nil {
		s.Metrics = metrics.New(prometheus.NewRegistry())
	}
	s.Metrics.SetReplicationState(string(state.Status()), knownStatuses...)
	state.setOnChange(func(status ReplicationStatus) {
		s.logger.Info().Str("state", string(status)).Msg("replication state changed")
		s.Metrics.SetReplicationState(string(status), knownStatuses...)
	})

	return s
}

// Start opens the sink, starts the guard and runs the subscription loop in
// the background.
func (s *Sentinel) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("sentinel already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.Sink.Start(ctx)

	if s.Guard != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Guard.Run(ctx)
		}()
	}

	subscription := retry.Unbounded{
		Delay: s.subscriptionRetryDelay,
		OnError: func(err error, attempt int) {
			s.logger.Error().Err(err).Int("attempt", attempt).
				Dur("retry_in", s.subscriptionRetryDelay).Msg("replication subscription failed")
		},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := subscription.Run(ctx, func(ctx context.Context) error {
			s.State.Begin(s.Sink.IsOpen())
			return s.Capturer.Run(ctx, s)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("subscription loop exited")
		}
	}()

	s.logger.Info().Str("sink", s.Sink.Type()).Msg("sentinel started")
	return nil
}

// Stop shuts down in order: guard, sink, replication. In-flight work is not
// awaited beyond the current message; redelivery after restart is idempotent.
func (s *Sentinel) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if closeErr := s.Sink.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close sink: %w", closeErr))
		}
		if stopErr := s.Capturer.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to stop capturer: %w", stopErr))
		}
		s.State.Stop()
		s.wg.Wait()

		s.logger.Info().Msg("sentinel stopped")
	})
	return err
}

// OnEmergency is the guard's emergency hook. It shuts everything down and
// then publishes the status on Emergency so the process can exit non-zero.
func (s *Sentinel) OnEmergency(status guard.ResourceStatus) {
	s.logger.WithLevel(zerolog.FatalLevel).
		Int64("wal_bytes", status.WALBytes).
		Int64("free_disk_bytes", status.FreeDiskBytes).
		Strs("warnings", status.Warnings).
		Msg("emergency shutdown")

	// the hook runs on the guard goroutine, which Stop waits for
	go func() {
		if err := s.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("emergency shutdown incomplete")
		}
		select {
		case s.emergency <- status:
		default:
		}
	}()
}

// Emergency yields once after an emergency shutdown completed.
func (s *Sentinel) Emergency() <-chan guard.ResourceStatus {
	return s.emergency
}

// HandleMessage implements capturer.Handler.
func (s *Sentinel) HandleMessage(ctx context.Context, lsn logrepl.LSN, msg *capturer.Message) error {
	start := time.Now()
	s.State.observe(lsn)

	routed, err := s.Router.Route(lsn, msg)
	if err != nil {
		if !errors.Is(err, activity.ErrSkip) {
			return err
		}
		s.logger.Debug().Err(err).Str("lsn", lsn.String()).Msg("message skipped")
		s.Metrics.RecordMessage(metrics.OutcomeSkipped, time.Since(start))
		s.ackIfOpen(lsn)
		return nil
	}

	act := routed.Activity
	ctx, span := s.tracer.Start(ctx, "ProcessActivity",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("activity.id", act.ID),
			attribute.String("activity.type", act.Type),
			attribute.String("replication.lsn", lsn.String()),
		))
	defer span.End()

	res, err := s.Processor.Process(ctx, routed)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down: leave the position for redelivery
			return ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if errors.Is(err, processor.ErrRestore) {
			// the activity is stored; ending the stream resumes from the last ack
			// so it is redelivered once the row can be read again
			s.Metrics.RecordAck(metrics.ResultWithheld)
			return err
		}

		recorded := s.deadLetter(ctx, lsn, act, err, res.Attempts)
		s.Metrics.RecordMessage(metrics.OutcomeDeadLetter, time.Since(start))
		if recorded {
			s.ackIfOpen(lsn)
		} else {
			s.Metrics.RecordAck(metrics.ResultWithheld)
		}
		return nil
	}

	if res.Inserted {
		s.Metrics.RecordActivity(metrics.ResultInserted)
	} else {
		s.Metrics.RecordActivity(metrics.ResultReplayed)
		s.logger.Debug().Str("id", act.ID).Msg("redelivering replayed activity")
	}

	s.deliver(ctx, routed)
	s.Metrics.RecordMessage(metrics.OutcomeActivity, time.Since(start))
	s.ackIfOpen(lsn)
	return nil
}

// HandleKeepalive implements capturer.Handler.
func (s *Sentinel) HandleKeepalive(_ context.Context, serverWALEnd logrepl.LSN) {
	s.ackIfOpen(serverWALEnd)
}

func (s *Sentinel) deliver(ctx context.Context, routed *activity.Routed) {
	carrier := propagation.MapCarrier{}
	s.propagator.Inject(ctx, carrier)

	payload := &sink.Payload{
		Activity:   routed.Activity,
		Entity:     routed.Row,
		CacheToken: sink.CacheToken(routed.Activity),
		Trace:      carrier,
	}
	if s.Sink.Send(payload) {
		s.Metrics.RecordDelivery(metrics.ResultSent)
		return
	}
	s.Metrics.RecordDelivery(metrics.ResultDropped)
	s.logger.Debug().Str("id", routed.Activity.ID).Str("sink_state", string(s.Sink.State())).Msg("sink not open, activity not sent")
}

// deadLetter reports whether the failure was recorded. A failed write is
// logged and swallowed.
func (s *Sentinel) deadLetter(ctx context.Context, lsn logrepl.LSN, act *activity.Activity, cause error, attempts int) bool {
	code := retry.Code(cause)
	if code == "" {
		code = unknownErrorCode
	}
	info := activity.ErrorInfo{
		LSN:        lsn.String(),
		Message:    cause.Error(),
		Code:       code,
		RetryCount: attempts,
	}

	// the sequence was rolled back with the transaction
	failed := *act
	failed.Seq = nil

	s.logger.Error().Err(cause).Str("lsn", info.LSN).Str("id", act.ID).Str("code", code).
		Int("attempts", attempts).Msg("activity processing failed, writing dead letter")

	if err := s.Store.DeadLetter(ctx, &failed, info); err != nil {
		s.logger.WithLevel(zerolog.FatalLevel).Err(err).AnErr("cause", cause).
			Str("lsn", info.LSN).Str("id", act.ID).Msg("failed to write dead letter")
		return false
	}
	s.Metrics.RecordDeadLetter()
	return true
}

func (s *Sentinel) ackIfOpen(lsn logrepl.LSN) {
	if !s.Sink.IsOpen() {
		s.Metrics.RecordAck(metrics.ResultWithheld)
		return
	}
	s.Capturer.Ack(lsn)
	s.Metrics.RecordAck(metrics.ResultAcked)
}

var _ capturer.Handler = (*Sentinel)(nil)
