// Package supervisor keeps a loop-and-call streaming function alive across transport failures.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultBackoff is the fixed delay between a failure and the next connect attempt.
const DefaultBackoff = 5 * time.Second

// State of a supervised stream.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// StateHook is called on every state transition.
type StateHook func(stream string, state State, since time.Time)

// Supervisor runs one named stream.
type Supervisor struct {
	name    string
	backoff time.Duration
	hook    StateHook
	logger  *zap.Logger

	mu    sync.RWMutex
	state State
	since time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBackoff overrides the reconnect delay.
func WithBackoff(d time.Duration) Option {
	return func(s *Supervisor) {
		s.backoff = d
	}
}

// WithStateHook registers a transition callback.
func WithStateHook(h StateHook) Option {
	return func(s *Supervisor) {
		s.hook = h
	}
}

// New creates a supervisor for the stream called name.
func New(name string, logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		name:    name,
		backoff: DefaultBackoff,
		logger:  logger.With(zap.String("stream", name)),
		state:   StateStopped,
		since:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the stream name.
func (s *Supervisor) Name() string { return s.name }

// State returns the current state and when it was entered.
func (s *Supervisor) State() (State, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.since
}

func (s *Supervisor) set(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.state = state
	s.since = now
	s.mu.Unlock()

	if s.hook != nil {
		s.hook(s.name, state, now)
	}
}

// Run calls step until ctx is cancelled. step performs one blocking watch call and
// processes its batch. Any error puts the stream into backoff; Run itself only
// returns when ctx is done.
func (s *Supervisor) Run(ctx context.Context, step func(ctx context.Context) error) error {
	defer s.set(StateStopped)

	s.set(StateConnecting)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := step(ctx)
		if err == nil {
			s.set(StateStreaming)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Error("stream failed, reconnecting", zap.Duration("backoff", s.backoff), zap.Error(err))
		s.set(StateBackoff)

		timer := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.set(StateConnecting)
	}
}

// Go starts Run in a goroutine and returns a handle that can stop it and wait for exit.
func (s *Supervisor) Go(ctx context.Context, step func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{}), started: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer h.markStarted()
		h.err = s.Run(ctx, func(ctx context.Context) error {
			h.markStarted()
			return step(ctx)
		})
	}()
	return h
}

// Handle is a cancellable running supervisor.
type Handle struct {
	cancel      context.CancelFunc
	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
	err         error
}

func (h *Handle) markStarted() {
	h.startedOnce.Do(func() { close(h.started) })
}

// Started is closed once the stream is connecting and its first watch call is under way,
// or when Run exits before making one.
func (h *Handle) Started() <-chan struct{} { return h.started }

// Done is closed after Run returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop cancels the stream and waits until it has fully exited.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Err is the error Run returned, valid after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		if errors.Is(h.err, context.Canceled) {
			return nil
		}
		return h.err
	default:
		return nil
	}
}
