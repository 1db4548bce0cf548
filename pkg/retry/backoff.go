package retry

import (
	"context"
	"sync"
	"time"
)

// Policy parameterizes a Backoff.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func (p Policy) normalized() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Multiplier > 1000 {
		p.Multiplier = 1000
	}
	return p
}

// Backoff is an explicit exponential backoff state machine. Each call to Next
// returns the delay for the upcoming attempt and advances the state; Reset
// returns it to the initial delay. It is not safe for concurrent use.
type Backoff struct {
	policy   Policy
	current  time.Duration
	attempts int
}

// NewBackoff creates a Backoff in its initial state.
func NewBackoff(p Policy) *Backoff {
	p = p.normalized()
	return &Backoff{policy: p, current: p.InitialDelay}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.attempts++

	next := float64(b.current) * b.policy.Multiplier
	if next > float64(b.policy.MaxDelay) {
		b.current = b.policy.MaxDelay
	} else {
		b.current = time.Duration(next)
	}

	if b.policy.Jitter {
		d += jitter(d)
	}
	return d
}

// Peek returns the base delay Next would use, without jitter or advancing.
func (b *Backoff) Peek() time.Duration {
	return b.current
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset returns the state machine to the initial delay.
func (b *Backoff) Reset() {
	b.current = b.policy.InitialDelay
	b.attempts = 0
}

// ReconnectState is the state of a Reconnector.
type ReconnectState int

const (
	StateDisconnected ReconnectState = iota
	StateConnecting
	StateWaiting
	StateConnected
	StateCancelled
)

func (s ReconnectState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StateConnected:
		return "connected"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Reconnector drives a connect function through the Backoff state machine until
// it succeeds, the attempt budget is spent, or Cancel is called. Cancel is the
// handle owners use to abort a pending reconnect from another goroutine.
type Reconnector struct {
	connect     func(ctx context.Context) error
	backoff     *Backoff
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	state  ReconnectState
	cancel context.CancelFunc
}

// NewReconnector creates a Reconnector. maxAttempts <= 0 means unlimited.
func NewReconnector(p Policy, maxAttempts int, connect func(ctx context.Context) error) *Reconnector {
	return &Reconnector{
		connect:     connect,
		backoff:     NewBackoff(p),
		maxAttempts: maxAttempts,
		sleep:       sleep,
	}
}

// State returns the current state.
func (r *Reconnector) State() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) setState(s ReconnectState) {
	r.mu.Lock()
	if r.state != StateCancelled {
		r.state = s
	}
	r.mu.Unlock()
}

// Run attempts to connect until success. It returns the last connect error when
// the attempt budget is exhausted, or the context error when cancelled.
func (r *Reconnector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.state == StateCancelled {
		r.mu.Unlock()
		cancel()
		return context.Canceled
	}
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	r.backoff.Reset()
	var lastErr error
	for attempt := 1; r.maxAttempts <= 0 || attempt <= r.maxAttempts; attempt++ {
		r.setState(StateConnecting)
		lastErr = r.connect(ctx)
		if lastErr == nil {
			r.setState(StateConnected)
			return nil
		}
		if IsNonRetryable(lastErr) {
			r.setState(StateDisconnected)
			return lastErr
		}
		if r.maxAttempts > 0 && attempt == r.maxAttempts {
			break
		}

		r.setState(StateWaiting)
		if err := r.sleep(ctx, r.backoff.Next()); err != nil {
			r.setState(StateCancelled)
			return err
		}
	}

	r.setState(StateDisconnected)
	return lastErr
}

// Cancel aborts any in-progress or future Run.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateCancelled
	if r.cancel != nil {
		r.cancel()
	}
}
