// Package reconcile applies user change events to the local replica store.
//
// Replicas are located by subject link first and by natural key second.
// Events without a subject id (older producers) only ever match by natural
// key. CREATE is idempotent; UPDATE and DELETE are guarded by the replica's
// Version so a redelivered older event never overwrites newer state. DELETE
// keeps the row and link but moves the natural key to a tombstone key.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gamehub/internal/platform/metrics"
	"gamehub/internal/usersync/event"
	"gamehub/internal/usersync/replica"
	"gamehub/pkg/platform/sentinel"
)

// Outcome describes what Apply did.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeCreated
	OutcomeLinked
	OutcomeUpdated
	OutcomeDeleted
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeCreated:
		return "created"
	case OutcomeLinked:
		return "linked"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeStale:
		return "stale"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

var (
	// ErrNaturalKeyTaken means the event's username is held by a live replica
	// of a different subject. It clears once that subject's own rename or
	// delete event is applied, which only helps if the event is retried:
	// under PolicyAcknowledge it is logged and dropped.
	ErrNaturalKeyTaken = errors.New("natural key held by another subject")
	// ErrUnsupportedAction is returned for actions the engine does not know.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrInvalidEvent is returned for events that cannot name a replica.
	ErrInvalidEvent = errors.New("invalid event")
)

// IsRetryable reports whether retrying the same event may succeed.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnsupportedAction), errors.Is(err, ErrInvalidEvent):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Engine is safe for concurrent use as long as the Store is.
type Engine struct {
	store   replica.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine over store.
func New(store replica.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Apply converges the replica with ev.
func (e *Engine) Apply(ctx context.Context, ev event.UserChangeEvent) (Outcome, error) {
	start := e.now()
	outcome, err := e.apply(ctx, ev)
	e.metrics.ObserveReconcile(e.now().Sub(start))
	if err != nil {
		e.metrics.IncReconcileFailures(ev.Action.String())
		return outcome, err
	}
	e.metrics.IncReconciled(ev.Action.String(), outcome.String())
	e.logger.DebugContext(ctx, "reconciled user change",
		"action", ev.Action,
		"subject_id", ev.Subject(),
		"username", ev.Username,
		"outcome", outcome.String(),
	)
	return outcome, nil
}

func (e *Engine) apply(ctx context.Context, ev event.UserChangeEvent) (Outcome, error) {
	if ev.NaturalKey() == "" {
		return OutcomeIgnored, fmt.Errorf("%w: blank username", ErrInvalidEvent)
	}
	if replica.IsTombstoneKey(ev.NaturalKey()) {
		return OutcomeIgnored, fmt.Errorf("%w: reserved username", ErrInvalidEvent)
	}
	switch ev.Action {
	case event.ActionCreate:
		return e.create(ctx, ev, true)
	case event.ActionUpdate:
		return e.update(ctx, ev)
	case event.ActionDelete:
		return e.delete(ctx, ev)
	}
	return OutcomeIgnored, fmt.Errorf("%w: %q", ErrUnsupportedAction, ev.Action)
}

// match is a located replica and whether it was found through the link.
type match struct {
	rec       *replica.Record
	bySubject bool
}

// locate finds the replica an event refers to. A natural-key match linked to
// another subject is ErrNaturalKeyTaken.
func (e *Engine) locate(ctx context.Context, ev event.UserChangeEvent) (*match, error) {
	if ev.HasSubject() {
		rec, err := e.store.FindBySubject(ctx, ev.Subject())
		switch {
		case err == nil:
			return &match{rec: rec, bySubject: true}, nil
		case !errors.Is(err, sentinel.ErrNotFound):
			return nil, fmt.Errorf("find replica by subject: %w", err)
		}
	}
	rec, err := e.store.FindByNaturalKey(ctx, ev.NaturalKey())
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("find replica by natural key: %w", err)
	}
	if ev.HasSubject() && rec.SubjectID != nil && *rec.SubjectID != ev.Subject() {
		return nil, fmt.Errorf("%w: %q belongs to subject %s, event subject %s",
			ErrNaturalKeyTaken, ev.NaturalKey(), *rec.SubjectID, ev.Subject())
	}
	return &match{rec: rec}, nil
}

// adopt links an unlinked natural-key match to the event's subject.
func (e *Engine) adopt(ctx context.Context, ev event.UserChangeEvent, m *match) (bool, error) {
	if m.bySubject || !ev.HasSubject() || m.rec.SubjectID != nil {
		return false, nil
	}
	if err := e.store.Link(ctx, ev.Subject(), m.rec.LocalID); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return false, fmt.Errorf("%w: link %s to replica %d: %v", ErrNaturalKeyTaken, ev.Subject(), m.rec.LocalID, err)
		}
		return false, fmt.Errorf("link replica: %w", err)
	}
	sid := ev.Subject()
	m.rec.SubjectID = &sid
	m.bySubject = true
	return true, nil
}

func (e *Engine) create(ctx context.Context, ev event.UserChangeEvent, retryOnConflict bool) (Outcome, error) {
	m, err := e.locate(ctx, ev)
	if err != nil {
		return OutcomeIgnored, err
	}
	if m != nil {
		linked, err := e.adopt(ctx, ev, m)
		if err != nil {
			return OutcomeIgnored, err
		}
		if linked {
			return OutcomeLinked, nil
		}
		return OutcomeIgnored, nil
	}

	subject := ev.SubjectID
	if !ev.HasSubject() {
		subject = nil
	}
	_, err = e.store.Insert(ctx, replica.NewRecord(subject, ev.NaturalKey(), ev.AvatarURL, ev.EmittedAt))
	switch {
	case err == nil:
		return OutcomeCreated, nil
	case errors.Is(err, sentinel.ErrConflict):
		// Lost an insert race; the winner decides what this event means.
		if retryOnConflict {
			return e.create(ctx, ev, false)
		}
		return OutcomeIgnored, nil
	}
	return OutcomeIgnored, fmt.Errorf("insert replica: %w", err)
}

func (e *Engine) update(ctx context.Context, ev event.UserChangeEvent) (Outcome, error) {
	m, err := e.locate(ctx, ev)
	if err != nil {
		return OutcomeIgnored, err
	}
	if m == nil {
		// The CREATE never arrived; converge from the update itself.
		return e.create(ctx, ev, true)
	}
	if m.rec.Deleted {
		return OutcomeIgnored, nil
	}
	if isStale(m.rec, ev) {
		return OutcomeStale, nil
	}
	if _, err := e.adopt(ctx, ev, m); err != nil {
		return OutcomeIgnored, err
	}

	next := *m.rec
	next.NaturalKey = ev.NaturalKey()
	next.DisplayName = ev.NaturalKey()
	next.AvatarURL = ev.AvatarURL
	next.Version = ev.EmittedAt
	return e.write(ctx, next, OutcomeUpdated)
}

func (e *Engine) delete(ctx context.Context, ev event.UserChangeEvent) (Outcome, error) {
	m, err := e.locate(ctx, ev)
	if err != nil {
		return OutcomeIgnored, err
	}
	if m == nil || m.rec.Deleted {
		return OutcomeIgnored, nil
	}
	if isStale(m.rec, ev) {
		return OutcomeStale, nil
	}
	if _, err := e.adopt(ctx, ev, m); err != nil {
		return OutcomeIgnored, err
	}

	// The display name stays for attribution; the natural key is released so
	// the owning service can give the name to a new subject.
	next := *m.rec
	next.Deleted = true
	next.NaturalKey = replica.TombstoneKey(m.rec.LocalID)
	next.Version = ev.EmittedAt
	return e.write(ctx, next, OutcomeDeleted)
}

func (e *Engine) write(ctx context.Context, next replica.Record, success Outcome) (Outcome, error) {
	_, err := e.store.Update(ctx, next)
	switch {
	case err == nil:
		return success, nil
	case errors.Is(err, sentinel.ErrStale):
		return OutcomeStale, nil
	case errors.Is(err, sentinel.ErrConflict):
		return OutcomeIgnored, fmt.Errorf("%w: rename replica %d to %q: %v", ErrNaturalKeyTaken, next.LocalID, next.NaturalKey, err)
	}
	return OutcomeIgnored, fmt.Errorf("update replica %d: %w", next.LocalID, err)
}

// isStale treats unstamped events as always current.
func isStale(rec *replica.Record, ev event.UserChangeEvent) bool {
	return ev.EmittedAt != 0 && rec.Version >= ev.EmittedAt
}
