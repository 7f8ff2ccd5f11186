// Package publisher emits user change events from the owning service.
//
// Publishing is fire-and-forget: the local mutation that triggered the event
// is already committed, so a broker failure is logged and counted and the
// event is dropped. A circuit breaker sheds sends while the broker keeps
// failing so an outage never builds back-pressure into the caller.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gamehub/internal/platform/metrics"
	"gamehub/internal/usersync/broker"
	"gamehub/internal/usersync/event"
	"gamehub/pkg/domain"
	"gamehub/pkg/platform/circuit"
)

// DefaultTopic is the topic shared by the owning and consuming services.
const DefaultTopic = "user-updates"

type Publisher struct {
	producer broker.Producer
	topic    string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	breaker  *circuit.Breaker
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string

	mu        sync.Mutex
	lastStamp int64
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithTopic(topic string) Option {
	return func(p *Publisher) { p.topic = topic }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithBreaker replaces the default breaker (5 failures, 30s cooldown).
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) { p.breaker = b }
}

// WithClock sets the clock used to stamp EmittedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New creates a publisher that sends through producer.
func New(producer broker.Producer, opts ...Option) *Publisher {
	p := &Publisher{
		producer: producer,
		topic:    DefaultTopic,
		logger:   slog.Default(),
		tracer:   otel.Tracer("gamehub/usersync/publisher"),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.breaker == nil {
		p.breaker = circuit.New("usersync-publisher")
	}
	return p
}

// Topic returns the topic events are sent to.
func (p *Publisher) Topic() string { return p.topic }

// NotifyUserChanged is called by the owning service after a user mutation
// commits. An empty subjectID publishes a subjectless event.
func (p *Publisher) NotifyUserChanged(ctx context.Context, subjectID domain.SubjectID, displayName string, avatarURL *string, action event.Action) {
	ev := event.UserChangeEvent{
		Username:  displayName,
		AvatarURL: avatarURL,
		Action:    action,
	}
	if subjectID != "" {
		ev.SubjectID = &subjectID
	}
	p.Publish(ctx, ev)
}

// Publish stamps, encodes and enqueues ev. It never blocks on the broker and
// never reports an error to the caller.
func (p *Publisher) Publish(ctx context.Context, ev event.UserChangeEvent) {
	if ev.EventID == "" {
		ev.EventID = p.newID()
	}
	if ev.EmittedAt == 0 {
		ev.EmittedAt = p.stamp()
	}
	attrs := []any{
		"topic", p.topic,
		"event_id", ev.EventID,
		"action", ev.Action,
		"subject_id", ev.Subject(),
	}

	value, err := event.Encode(ev)
	if err != nil {
		p.metrics.IncPublishFailures()
		p.logger.ErrorContext(ctx, "failed to encode user change event", append(attrs, "error", err)...)
		return
	}
	if !p.breaker.Allow() {
		p.metrics.IncPublishShed()
		p.logger.WarnContext(ctx, "broker circuit open, dropping user change event", attrs...)
		return
	}

	// The send outlives the caller's request.
	sendCtx := context.WithoutCancel(ctx)
	sendCtx, span := p.tracer.Start(sendCtx, "usersync.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", p.topic),
			attribute.String("messaging.message.id", ev.EventID),
			attribute.String("usersync.action", ev.Action.String()),
		))
	key := []byte(ev.OrderingKey())

	p.producer.Send(sendCtx, p.topic, key, value, func(err error) {
		defer span.End()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "send failed")
			p.metrics.IncPublishFailures()
			_, change := p.breaker.RecordFailure()
			if change.Opened {
				p.metrics.SetBreakerOpen(true)
				p.logger.Warn("publisher circuit opened", "breaker", p.breaker.Name())
			}
			p.logger.Error("failed to publish user change event", append(attrs, "error", err)...)
			return
		}
		p.metrics.IncPublished()
		if _, change := p.breaker.RecordSuccess(); change.Closed {
			p.metrics.SetBreakerOpen(false)
			p.logger.Info("publisher circuit closed", "breaker", p.breaker.Name())
		}
		p.logger.Debug("published user change event", attrs...)
	})
}

// stamp returns a strictly increasing millisecond timestamp so two mutations
// within one millisecond are not mistaken for a replay by the consumer.
func (p *Publisher) stamp() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.now().UnixMilli()
	if ts <= p.lastStamp {
		ts = p.lastStamp + 1
	}
	p.lastStamp = ts
	return ts
}
