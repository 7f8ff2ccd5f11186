package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gamehub/internal/usersync/event"
	"gamehub/internal/usersync/reconcile"
)

// Policy decides what happens when reconciliation fails.
type Policy int

const (
	// PolicyAcknowledge logs the failure and moves on.
	PolicyAcknowledge Policy = iota
	// PolicyRetry retries retryable failures in place, blocking the
	// partition so per-subject order holds, then dead-letters.
	PolicyRetry
)

// ParsePolicy accepts "ack" / "acknowledge" and "retry".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ack", "acknowledge":
		return PolicyAcknowledge, nil
	case "retry":
		return PolicyRetry, nil
	}
	return PolicyAcknowledge, fmt.Errorf("unknown failure policy %q", s)
}

func (p Policy) String() string {
	if p == PolicyRetry {
		return "retry"
	}
	return "acknowledge"
}

// RetryConfig bounds PolicyRetry. Whichever of MaxAttempts and
// MaxElapsedTime is hit first ends the retries.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxAttempts     uint64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		MaxAttempts:     5,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		eb.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		eb.MaxInterval = c.MaxInterval
	}
	eb.MaxElapsedTime = c.MaxElapsedTime
	eb.Reset()

	var b backoff.BackOff = eb
	if c.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, c.MaxAttempts)
	}
	return backoff.WithContext(b, ctx)
}

func (d *Dispatcher) apply(ctx context.Context, ev event.UserChangeEvent) (reconcile.Outcome, error) {
	if d.policy != PolicyRetry {
		return d.engine.Apply(ctx, ev)
	}

	var outcome reconcile.Outcome
	op := func() error {
		o, err := d.engine.Apply(ctx, ev)
		if err == nil {
			outcome = o
			return nil
		}
		if !d.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.metrics.IncReconcileRetries()
		d.logger.WarnContext(ctx, "retrying user change reconciliation",
			"action", ev.Action,
			"subject_id", ev.Subject(),
			"wait", wait,
			"error", err,
		)
	}
	if err := backoff.RetryNotify(op, d.retry.backOff(ctx), notify); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return outcome, permanent.Err
		}
		return outcome, err
	}
	return outcome, nil
}
