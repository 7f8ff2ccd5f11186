package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"gamehub/internal/platform/metrics"
	"gamehub/internal/usersync/broker"
)

// MessageHandler handles one message. *Dispatcher implements it.
type MessageHandler interface {
	Handle(ctx context.Context, msg broker.Message) AckDecision
}

// Pump pulls batches from a source, runs one goroutine per partition and
// commits what was handled.
type Pump struct {
	source        broker.Source
	handler       MessageHandler
	logger        *slog.Logger
	metrics       *metrics.Metrics
	concurrency   int
	drainTimeout  time.Duration
	commitTimeout time.Duration
	fetchBackoff  time.Duration
}

// PumpOption configures a Pump.
type PumpOption func(*Pump)

func WithPumpLogger(logger *slog.Logger) PumpOption {
	return func(p *Pump) { p.logger = logger }
}

func WithPumpMetrics(m *metrics.Metrics) PumpOption {
	return func(p *Pump) { p.metrics = m }
}

// WithConcurrency caps the partitions handled at once. Zero means one
// goroutine per partition in the batch.
func WithConcurrency(n int) PumpOption {
	return func(p *Pump) { p.concurrency = n }
}

// WithDrainTimeout bounds how long the in-flight batch may keep running
// after Run's context is cancelled. Handlers see their context cancelled
// once it elapses.
func WithDrainTimeout(d time.Duration) PumpOption {
	return func(p *Pump) { p.drainTimeout = d }
}

// WithFetchBackoff sets the pause after a failed fetch.
func WithFetchBackoff(d time.Duration) PumpOption {
	return func(p *Pump) { p.fetchBackoff = d }
}

func NewPump(source broker.Source, handler MessageHandler, opts ...PumpOption) *Pump {
	p := &Pump{
		source:        source,
		handler:       handler,
		logger:        slog.Default(),
		drainTimeout:  15 * time.Second,
		commitTimeout: 5 * time.Second,
		fetchBackoff:  time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run blocks until ctx is cancelled or the source is closed. It always
// closes the source before returning.
func (p *Pump) Run(ctx context.Context) error {
	defer p.source.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		batches, err := p.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			p.logger.ErrorContext(ctx, "fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.fetchBackoff):
			}
			continue
		}
		if len(batches) == 0 {
			continue
		}
		if err := p.runBatch(ctx, batches); err != nil {
			return err
		}
	}
}

func (p *Pump) runBatch(ctx context.Context, batches []broker.PartitionBatch) error {
	work, cancel := p.drainContext(ctx)
	defer cancel()

	done := make([][]broker.Message, len(batches))
	var g errgroup.Group
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for i, batch := range batches {
		g.Go(func() error {
			done[i] = p.runPartition(work, batch)
			return nil
		})
	}
	_ = g.Wait()

	var commit []broker.Message
	for _, msgs := range done {
		commit = append(commit, msgs...)
	}
	if len(commit) == 0 {
		return nil
	}

	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), p.commitTimeout)
	defer cancelCommit()
	if err := p.source.Commit(commitCtx, commit); err != nil {
		// Uncommitted messages are redelivered; reconciliation is idempotent.
		p.logger.ErrorContext(ctx, "commit failed", "messages", len(commit), "error", err)
		return nil
	}
	p.metrics.AddCommitted(len(commit))
	return nil
}

// runPartition handles msgs in order and returns the handled prefix.
func (p *Pump) runPartition(ctx context.Context, batch broker.PartitionBatch) []broker.Message {
	for i, msg := range batch.Messages {
		if p.handler.Handle(ctx, msg) == Abandon {
			p.logger.InfoContext(ctx, "partition abandoned mid-batch",
				"topic", batch.Topic,
				"partition", batch.Partition,
				"offset", msg.Offset,
				"remaining", len(batch.Messages)-i,
			)
			return batch.Messages[:i]
		}
	}
	return batch.Messages
}

// drainContext detaches the batch from ctx so cancellation lets it finish,
// then cancels it drainTimeout after ctx is done.
func (p *Pump) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if p.drainTimeout <= 0 {
		return work, cancel
	}
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(p.drainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-work.Done():
		}
	})
	return work, func() {
		stop()
		cancel()
	}
}
