// Package events fans observer messages out to connected subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"github.com/vadiminshakov/accountmirror/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultBuffer   = 256
	defaultLogLimit = 200
)

// Source is one exchange account whose state is replayed to new observers.
type Source interface {
	Name() string
	// Replay returns the exchange's current view in observer order.
	Replay() []domain.Message
	// Prices returns the latest known price per asset.
	Prices() map[string]decimal.Decimal
}

// ReferenceStore persists reference snapshots.
type ReferenceStore interface {
	Save(domain.ReferenceSnapshot) error
	Latest() (domain.ReferenceSnapshot, bool, error)
}

// Subscription is a single observer's feed.
type Subscription struct {
	ID string
	C  <-chan domain.Message
	ch chan domain.Message
}

// Hub fans messages out to observers through buffered channels.
// A subscriber that does not keep up loses messages rather than stalling publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	sources []Source
	logs    []domain.LogMessage

	// refMu guards reference alone; caches query it while holding their own locks.
	refMu     sync.RWMutex
	reference domain.ReferenceSnapshot

	buffer   int
	logLimit int
	store    ReferenceStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber live buffer.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogLimit bounds the replayed log history.
func WithLogLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.logLimit = n
		}
	}
}

// WithStore enables reference snapshot persistence.
func WithStore(s ReferenceStore) Option {
	return func(h *Hub) { h.store = s }
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		subs:     make(map[string]*Subscription),
		buffer:   defaultBuffer,
		logLimit: defaultLogLimit,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds an exchange to the replay. Call before Subscribe.
func (h *Hub) Register(src Source) {
	h.mu.Lock()
	h.sources = append(h.sources, src)
	h.mu.Unlock()
}

// Restore loads the last persisted reference snapshot, if any.
func (h *Hub) Restore() error {
	if h.store == nil {
		return nil
	}
	snap, ok, err := h.store.Latest()
	if err != nil || !ok {
		return err
	}

	h.setReference(snap)

	h.logger.Info("restored reference snapshot", zap.Time("time", snap.Time))
	return nil
}

// Publish delivers msg to every subscriber.
func (h *Hub) Publish(msg domain.Message) {
	if msg == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcast(msg)
}

// Log records an audit entry for exchange and publishes it.
func (h *Hub) Log(exchange string, entry domain.LogEntry) {
	msg := domain.LogMessage{
		Type:      domain.MessageLog,
		ID:        uuid.NewString(),
		Exchange:  exchange,
		Message:   entry,
		Timestamp: h.now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.logs = append(h.logs, msg)
	if over := len(h.logs) - h.logLimit; over > 0 {
		h.logs = append(h.logs[:0:0], h.logs[over:]...)
	}
	h.broadcast(msg)
}

// caller holds h.mu.
func (h *Hub) broadcast(msg domain.Message) {
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.metrics.BroadcastDrop()
		}
	}
}

// Subscribe registers an observer and pre-loads its feed with the current state:
// exchanges list, reference prices, each exchange's view, then the log history.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := h.replay()
	ch := make(chan domain.Message, len(replay)+h.buffer)
	for _, msg := range replay {
		ch <- msg
	}

	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}
	h.subs[sub.ID] = sub
	h.metrics.Observers(len(h.subs))

	return sub
}

// caller holds h.mu.
func (h *Hub) replay() []domain.Message {
	names := make([]string, 0, len(h.sources))
	for _, src := range h.sources {
		names = append(names, src.Name())
	}

	out := []domain.Message{domain.ExchangesList{Type: domain.MessageExchangesList, Data: names}}
	if ref := h.Reference(); !ref.Empty() {
		out = append(out, domain.ReferencePriceInfo{
			Type:   domain.MessageReferencePriceInfo,
			Time:   ref.Time,
			Prices: ref.Prices,
		})
	}
	for _, src := range h.sources {
		out = append(out, src.Replay()...)
	}
	for _, l := range h.logs {
		out = append(out, l)
	}

	return out
}

// Unsubscribe removes the observer and closes its channel. When the last
// observer leaves, current prices become the new reference snapshot.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
	h.metrics.Observers(len(h.subs))

	if len(h.subs) == 0 {
		h.captureReference()
	}
}

// caller holds h.mu.
func (h *Hub) captureReference() {
	prices := make(map[string]map[string]decimal.Decimal, len(h.sources))
	for _, src := range h.sources {
		byAsset := make(map[string]decimal.Decimal)
		for asset, p := range src.Prices() {
			if p.IsPositive() {
				byAsset[asset] = p
			}
		}
		if len(byAsset) > 0 {
			prices[src.Name()] = byAsset
		}
	}
	if len(prices) == 0 {
		return
	}

	snap := domain.ReferenceSnapshot{Time: h.now().UTC(), Prices: prices}
	h.setReference(snap)
	if h.store == nil {
		return
	}
	if err := h.store.Save(snap); err != nil {
		h.logger.Warn("failed to persist reference snapshot", zap.Error(err))
	}
}

// ReferencePrice returns the reference price of asset on exchange and the snapshot time.
func (h *Hub) ReferencePrice(exchange, asset string) (decimal.Decimal, time.Time, bool) {
	h.refMu.RLock()
	defer h.refMu.RUnlock()

	p, ok := h.reference.Price(exchange, asset)
	return p, h.reference.Time, ok
}

// Reference returns the current reference snapshot.
func (h *Hub) Reference() domain.ReferenceSnapshot {
	h.refMu.RLock()
	defer h.refMu.RUnlock()
	return h.reference
}

func (h *Hub) setReference(snap domain.ReferenceSnapshot) {
	h.refMu.Lock()
	h.reference = snap
	h.refMu.Unlock()
}

// Observers returns the number of connected subscribers.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
