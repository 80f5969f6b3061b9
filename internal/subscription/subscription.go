package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	Active State = iota
	Cancelled
)

func (s State) String() string {
	if s == Cancelled {
		return "cancelled"
	}
	return "active"
}

// RunFunc consumes a channel until ctx is cancelled.
type RunFunc func(ctx context.Context)

// Subscription is one live connection of a tenant to one channel. It is created Active but
// does not run until Start; the registry starts it when it is installed.
type Subscription struct {
	ID       string
	TenantID string
	Channel  string
	Created  time.Time

	run RunFunc

	mu      sync.Mutex
	state   State
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New prepares a subscription; parent bounds its lifetime in addition to Cancel.
func New(parent context.Context, tenantID, channel string, run RunFunc) *Subscription {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Channel:  channel,
		Created:  time.Now(),
		run:      run,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Starting twice or after Cancel is a no-op.
func (s *Subscription) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.state == Cancelled {
		return
	}
	s.started = true
	go func() {
		defer close(s.done)
		s.run(s.ctx)
	}()
}

// Cancel stops the subscription. It is idempotent.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Cancelled {
		return
	}
	s.state = Cancelled
	s.cancel()
	if !s.started {
		close(s.done)
	}
}

// Context is cancelled once the subscription is; handlers use it to drop late events.
func (s *Subscription) Context() context.Context { return s.ctx }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the consumer goroutine has returned (or immediately when the
// subscription was cancelled before it started).
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Wait blocks until Done or ctx expires.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
