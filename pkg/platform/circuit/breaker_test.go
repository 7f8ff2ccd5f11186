package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand so cooldown edges can be hit exactly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// step is one call against the breaker and what it must report.
type step struct {
	op       string // "fail", "ok" or "reset"
	fallback bool   // for "fail": useFallback; for "ok": !usePrimary
	opened   bool
	closed   bool
	open     bool // IsOpen after the call
}

func TestBreaker_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		steps []step
	}{
		{
			name: "opens on the threshold-th consecutive failure",
			opts: []Option{WithFailureThreshold(3)},
			steps: []step{
				{op: "fail"},
				{op: "fail"},
				{op: "fail", fallback: true, opened: true, open: true},
				{op: "fail", fallback: true, open: true},
			},
		},
		{
			name: "a success clears the failure run",
			opts: []Option{WithFailureThreshold(3)},
			steps: []step{
				{op: "fail"},
				{op: "fail"},
				{op: "ok"},
				{op: "fail"},
				{op: "fail"},
				{op: "fail", fallback: true, opened: true, open: true},
			},
		},
		{
			name: "closes after the success threshold",
			opts: []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			steps: []step{
				{op: "fail", fallback: true, opened: true, open: true},
				{op: "ok", fallback: true, open: true},
				{op: "ok", closed: true},
			},
		},
		{
			name: "a failed trial restarts the success run",
			opts: []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			steps: []step{
				{op: "fail", fallback: true, opened: true, open: true},
				{op: "ok", fallback: true, open: true},
				{op: "fail", fallback: true, open: true},
				{op: "ok", fallback: true, open: true},
				{op: "ok", closed: true},
			},
		},
		{
			name: "reset closes without reporting a change",
			opts: []Option{WithFailureThreshold(1)},
			steps: []step{
				{op: "fail", fallback: true, opened: true, open: true},
				{op: "reset"},
				{op: "fail", fallback: true, opened: true, open: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("publisher", tt.opts...)
			for i, s := range tt.steps {
				var change Change
				switch s.op {
				case "fail":
					var fallback bool
					fallback, change = b.RecordFailure()
					assert.Equal(t, s.fallback, fallback, "step %d fallback", i)
				case "ok":
					var primary bool
					primary, change = b.RecordSuccess()
					assert.Equal(t, !s.fallback, primary, "step %d primary", i)
				case "reset":
					b.Reset()
				}
				assert.Equal(t, s.opened, change.Opened, "step %d opened", i)
				assert.Equal(t, s.closed, change.Closed, "step %d closed", i)
				assert.Equal(t, s.open, b.IsOpen(), "step %d open", i)
			}
		})
	}
}

func TestBreaker_DefaultsAndName(t *testing.T) {
	b := New("usersync-publisher")
	assert.Equal(t, "usersync-publisher", b.Name())
	assert.Equal(t, StateClosed, b.State())

	for range 4 {
		b.RecordFailure()
	}
	assert.False(t, b.IsOpen(), "default threshold is five")
	_, change := b.RecordFailure()
	assert.True(t, change.Opened)
}

func TestBreaker_AllowDuringCooldown(t *testing.T) {
	clock := newFakeClock()
	b := New("broker", WithFailureThreshold(2), WithCooldown(10*time.Second), WithClock(clock.Now))

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.True(t, b.Allow(), "below threshold still admits work")
	b.RecordFailure()
	require.True(t, b.IsOpen())

	for range 3 {
		assert.False(t, b.Allow(), "open circuit sheds every caller during cooldown")
	}
	clock.Advance(9*time.Second + 999*time.Millisecond)
	assert.False(t, b.Allow(), "one millisecond short of the cooldown")
	assert.True(t, b.IsOpen(), "Allow never changes state")

	clock.Advance(time.Millisecond)
	assert.True(t, b.Allow(), "cooldown elapsed admits a trial call")
	assert.True(t, b.IsOpen(), "admitting a trial call does not close the circuit")
}

func TestBreaker_FailedTrialReopensCooldown(t *testing.T) {
	clock := newFakeClock()
	b := New("broker", WithFailureThreshold(1), WithCooldown(10*time.Second), WithClock(clock.Now))

	b.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())

	fallback, change := b.RecordFailure()
	assert.True(t, fallback)
	assert.False(t, change.Opened, "still open, so no new transition is reported")
	assert.False(t, b.Allow(), "the failed trial re-arms the cooldown")

	clock.Advance(5 * time.Second)
	assert.False(t, b.Allow())
	clock.Advance(5 * time.Second)
	require.True(t, b.Allow())

	_, change = b.RecordSuccess()
	assert.True(t, change.Closed)
	assert.True(t, b.Allow())

	// Once closed, the failure run starts from zero again.
	_, change = b.RecordFailure()
	assert.True(t, change.Opened, "threshold of one reopens on the next failure")
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	clock := newFakeClock()
	b := New("broker", WithFailureThreshold(3), WithCooldown(time.Second), WithClock(clock.Now))

	var wg sync.WaitGroup
	var openedMu sync.Mutex
	opened := 0
	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Allow()
			if i%2 == 0 {
				if _, change := b.RecordFailure(); change.Opened {
					openedMu.Lock()
					opened++
					openedMu.Unlock()
				}
				return
			}
			b.RecordSuccess()
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, opened, 16)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
}
