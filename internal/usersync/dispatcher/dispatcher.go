// Package dispatcher turns broker messages into reconciliation calls and
// decides, per message, whether its offset may be committed.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gamehub/internal/platform/metrics"
	"gamehub/internal/usersync/broker"
	"gamehub/internal/usersync/event"
	"gamehub/internal/usersync/reconcile"
)

// AckDecision tells the pump what to do with a handled message.
type AckDecision int

const (
	// Acknowledge commits the offset. Used for successes, poison messages
	// and, under PolicyAcknowledge, most reconciliation failures.
	Acknowledge AckDecision = iota
	// DeadLetter means the message was given up on; it is written to the
	// dead-letter sink and then acknowledged. Under PolicyAcknowledge only a
	// natural-key clash is dead-lettered, and only when a sink is set.
	DeadLetter
	// Abandon leaves the offset uncommitted so the message is redelivered
	// after a restart or rebalance. Only returned when ctx is done.
	Abandon
)

func (d AckDecision) String() string {
	switch d {
	case Acknowledge:
		return "ack"
	case DeadLetter:
		return "dead_letter"
	case Abandon:
		return "abandon"
	}
	return "unknown"
}

// Reconciler is the engine contract the dispatcher depends on.
type Reconciler interface {
	Apply(ctx context.Context, ev event.UserChangeEvent) (reconcile.Outcome, error)
}

// Dispatcher is safe for concurrent use by one goroutine per partition.
type Dispatcher struct {
	engine    Reconciler
	policy    Policy
	retry     RetryConfig
	retryable func(error) bool
	sink      DeadLetterSink
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithPolicy selects the failure policy. PolicyRetry uses cfg.
func WithPolicy(policy Policy, cfg RetryConfig) Option {
	return func(d *Dispatcher) {
		d.policy = policy
		d.retry = cfg
	}
}

// WithRetryable overrides reconcile.IsRetryable.
func WithRetryable(fn func(error) bool) Option {
	return func(d *Dispatcher) { d.retryable = fn }
}

// WithDeadLetter sets where given-up messages go.
func WithDeadLetter(sink DeadLetterSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// New creates a dispatcher with PolicyAcknowledge.
func New(engine Reconciler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:    engine,
		policy:    PolicyAcknowledge,
		retry:     DefaultRetryConfig(),
		retryable: reconcile.IsRetryable,
		logger:    slog.Default(),
		tracer:    otel.Tracer("gamehub/usersync/dispatcher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// failure describes why a message was not applied.
type failure struct {
	reason string
	err    error
	ev     *event.UserChangeEvent
}

// OnMessage decodes raw and applies it. It never panics or returns an error;
// every failure becomes a decision.
func (d *Dispatcher) OnMessage(ctx context.Context, raw []byte) AckDecision {
	decision, _ := d.process(ctx, raw, nil)
	d.metrics.IncConsumed(decision.String())
	return decision
}

// Handle is the pump entry point. DeadLetter decisions are written to the
// sink here and reported as Acknowledge.
func (d *Dispatcher) Handle(ctx context.Context, msg broker.Message) AckDecision {
	attrs := []any{"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key)}
	ctx, span := d.tracer.Start(ctx, "usersync.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.destination.partition.id", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	decision, fail := d.process(ctx, msg.Value, attrs)
	d.metrics.IncConsumed(decision.String())
	if fail != nil {
		span.RecordError(fail.err)
		span.SetStatus(codes.Error, fail.reason)
	}
	if decision != DeadLetter {
		return decision
	}
	if d.sink == nil {
		return Acknowledge
	}
	record := newDeadLetter(msg, fail)
	if err := d.sink.Write(ctx, record); err != nil {
		d.logger.ErrorContext(ctx, "failed to dead-letter message, dropping", append(attrs, "error", err)...)
		return Acknowledge
	}
	d.metrics.IncDeadLettered()
	d.logger.WarnContext(ctx, "message dead-lettered", append(attrs, "reason", fail.reason)...)
	return Acknowledge
}

func (d *Dispatcher) process(ctx context.Context, raw []byte, attrs []any) (AckDecision, *failure) {
	ev, err := event.Decode(raw)
	if err != nil {
		d.metrics.IncDecodeFailures()
		d.logger.WarnContext(ctx, "skipping undecodable user change message", append(attrs, "error", err)...)
		fail := &failure{reason: ReasonDecode, err: err}
		if d.policy == PolicyRetry {
			return DeadLetter, fail
		}
		return Acknowledge, fail
	}
	attrs = append(attrs, "action", ev.Action, "subject_id", ev.Subject(), "event_id", ev.EventID)

	outcome, err := d.apply(ctx, ev)
	if err == nil {
		d.logger.DebugContext(ctx, "applied user change", append(attrs, "outcome", outcome.String())...)
		return Acknowledge, nil
	}
	if ctx.Err() != nil {
		d.logger.InfoContext(ctx, "reconciliation interrupted, leaving message uncommitted", attrs...)
		return Abandon, &failure{reason: ReasonReconcile, err: err, ev: &ev}
	}

	d.logger.ErrorContext(ctx, "failed to reconcile user change", append(attrs, "error", err)...)
	fail := &failure{reason: ReasonReconcile, err: err, ev: &ev}
	if d.policy == PolicyRetry || d.keepForReplay(err) {
		return DeadLetter, fail
	}
	return Acknowledge, fail
}

// keepForReplay reports whether a failure under PolicyAcknowledge is still
// worth a dead-letter record. A name held by another subject usually frees up
// once that subject's rename or delete lands on its own partition, so the
// message can be replayed later instead of being lost.
func (d *Dispatcher) keepForReplay(err error) bool {
	return d.sink != nil && errors.Is(err, reconcile.ErrNaturalKeyTaken)
}
