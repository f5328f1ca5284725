// Package tracker maintains the set of assets that need a live price subscription
// and restarts the price watcher whenever that set changes.
package tracker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State of the coordinator.
type State int32

const (
	StateStable State = iota
	StateRecomputing
)

func (s State) String() string {
	if s == StateRecomputing {
		return "recomputing"
	}
	return "stable"
}

// Handle is a running price watcher.
type Handle interface {
	Started() <-chan struct{}
	Stop()
}

// StartFunc launches a price watcher for assets. The watcher lives until ctx is done or Stop is called.
type StartFunc func(ctx context.Context, assets []string) Handle

// BackfillFunc loads prices of newly tracked assets.
type BackfillFunc func(ctx context.Context, assets []string)

// Sources read the current membership inputs.
type Sources struct {
	Held        func() []string
	OrderAssets func() []string
	Followed    func() []string
}

// Diff is the result of one recomputation.
type Diff struct {
	Added     []string
	Removed   []string
	Restarted bool
}

// Unchanged reports whether the tracked set stayed the same.
func (d Diff) Unchanged() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Coordinator serializes recomputations of the tracked set. It owns at most one live watcher.
type Coordinator struct {
	mu       sync.Mutex
	state    atomic.Int32
	quote    string
	allow    map[string]struct{}
	sources  Sources
	start    StartFunc
	backfill BackfillFunc
	current  map[string]struct{}
	handle   Handle
	onChange func(tracked int)
	logger   *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAllowList restricts the tracked set, used in testnet mode.
func WithAllowList(assets []string) Option {
	return func(c *Coordinator) {
		if len(assets) == 0 {
			return
		}
		c.allow = make(map[string]struct{}, len(assets))
		for _, a := range assets {
			c.allow[strings.ToUpper(a)] = struct{}{}
		}
	}
}

// WithBackfill sets the price backfill for added assets.
func WithBackfill(f BackfillFunc) Option {
	return func(c *Coordinator) {
		c.backfill = f
	}
}

// WithChangeHook is called with the new set size after every restart.
func WithChangeHook(f func(tracked int)) Option {
	return func(c *Coordinator) {
		c.onChange = f
	}
}

// New creates a coordinator. start is required.
func New(quote string, sources Sources, start StartFunc, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		quote:   strings.ToUpper(quote),
		sources: sources,
		start:   start,
		current: make(map[string]struct{}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns Stable or Recomputing.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Compute returns held ∪ order assets ∪ followed ∪ {quote}, intersected with the allow-list if any.
func (c *Coordinator) Compute() []string {
	set := c.compute()
	return sortedKeys(set)
}

func (c *Coordinator) compute() map[string]struct{} {
	set := map[string]struct{}{c.quote: {}}
	for _, src := range []func() []string{c.sources.Held, c.sources.OrderAssets, c.sources.Followed} {
		if src == nil {
			continue
		}
		for _, a := range src() {
			set[strings.ToUpper(a)] = struct{}{}
		}
	}
	if c.allow != nil {
		for a := range set {
			if _, ok := c.allow[a]; !ok {
				delete(set, a)
			}
		}
	}
	return set
}

// Recompute diffs the tracked set against the previous one. On change it backfills
// prices for added assets, stops the running watcher and waits for its exit, then
// starts a new watcher and waits until it is running. ctx bounds the new watcher.
func (c *Coordinator) Recompute(ctx context.Context) (Diff, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(int32(StateRecomputing))
	defer c.state.Store(int32(StateStable))

	next := c.compute()
	diff := Diff{
		Added:   difference(next, c.current),
		Removed: difference(c.current, next),
	}
	if diff.Unchanged() {
		return diff, nil
	}

	c.logger.Info("tracked set changed",
		zap.Strings("added", diff.Added), zap.Strings("removed", diff.Removed))

	if len(diff.Added) > 0 && c.backfill != nil {
		c.backfill(ctx, diff.Added)
	}

	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}
	c.current = next

	watch := make([]string, 0, len(next))
	for _, a := range sortedKeys(next) {
		if a != c.quote {
			watch = append(watch, a)
		}
	}
	if c.onChange != nil {
		c.onChange(len(next))
	}
	if len(watch) == 0 {
		return diff, nil
	}

	h := c.start(ctx, watch)
	select {
	case <-h.Started():
	case <-ctx.Done():
		h.Stop()
		return diff, ctx.Err()
	}
	c.handle = h
	diff.Restarted = true
	return diff, nil
}

// Tracked returns the current tracked set.
func (c *Coordinator) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.current)
}

// Stop stops the running watcher, if any, and waits for it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}
}

func difference(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
