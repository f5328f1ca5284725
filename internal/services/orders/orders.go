// Package orders holds the open-order cache of one exchange account and detects fill deltas.
package orders

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
)

const defaultClosedMemory = 1024

// Delta is the outcome of applying one order event.
type Delta struct {
	Order domain.Order
	// Amount newly filled quantity since the previous observation, never negative.
	Amount decimal.Decimal
	// Price average execution price of Amount.
	Price decimal.Decimal
	// Opened is true when the order was not cached before and is still live.
	Opened bool
	// Closed is true when the event removed the order from the cache.
	Closed bool
	// Changed is true when the cached open-order set or any record in it changed.
	Changed bool
}

// HasFill reports whether the event carried new filled quantity.
func (d Delta) HasFill() bool {
	return d.Amount.IsPositive()
}

// Cache stores live orders by id.
// Terminal orders are dropped but their final filled amount is remembered so
// replayed terminal events produce a zero delta.
type Cache struct {
	mu          sync.RWMutex
	records     map[string]domain.Order
	closed      map[string]domain.Order
	closedOrder []string
	memory      int
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		records: make(map[string]domain.Order),
		closed:  make(map[string]domain.Order),
		memory:  defaultClosedMemory,
	}
}

// InitializeFromSnapshot replaces the cache with the live orders of a REST snapshot.
// Invalid and terminal entries are skipped; the number of cached orders is returned.
func (c *Cache) InitializeFromSnapshot(orders []domain.Order) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = make(map[string]domain.Order, len(orders))
	for _, o := range orders {
		if o.Validate() != nil || o.Status.Terminal() {
			continue
		}
		c.records[o.ID] = o
	}
	return len(c.records)
}

// Apply merges an order event and returns the newly filled quantity.
// An event whose cumulative fill is lower than what was already seen is stale and ignored.
func (c *Cache) Apply(o domain.Order) (Delta, error) {
	if err := o.Validate(); err != nil {
		return Delta{}, errors.Wrapf(err, "order %q", o.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, known := c.records[o.ID]
	if !known {
		prev, known = c.closed[o.ID]
		if known {
			// already finalized; only a late fill correction can still matter
			delta := Delta{Order: o}
			if o.Filled.GreaterThan(prev.Filled) {
				delta.Amount = o.Filled.Sub(prev.Filled)
				delta.Price = fillPrice(prev, o, delta.Amount)
				c.closed[o.ID] = o
			}
			return delta, nil
		}
	}

	if known && o.Filled.LessThan(prev.Filled) {
		return Delta{Order: prev}, nil
	}

	delta := Delta{Order: o}
	if known {
		delta.Amount = o.Filled.Sub(prev.Filled)
	} else {
		delta.Amount = o.Filled
	}
	if delta.Amount.IsPositive() {
		delta.Price = fillPrice(prev, o, delta.Amount)
	}

	if o.Status.Terminal() {
		_, wasLive := c.records[o.ID]
		delete(c.records, o.ID)
		c.rememberClosedLocked(o)
		delta.Closed = true
		delta.Changed = wasLive
		return delta, nil
	}

	_, wasLive := c.records[o.ID]
	delta.Opened = !wasLive
	delta.Changed = !wasLive || !sameOrder(prev, o)
	c.records[o.ID] = o
	return delta, nil
}

func (c *Cache) rememberClosedLocked(o domain.Order) {
	if _, ok := c.closed[o.ID]; !ok {
		c.closedOrder = append(c.closedOrder, o.ID)
	}
	c.closed[o.ID] = o
	for len(c.closedOrder) > c.memory {
		delete(c.closed, c.closedOrder[0])
		c.closedOrder = c.closedOrder[1:]
	}
}

// fillPrice derives the average price of the newly filled amount.
func fillPrice(prev, cur domain.Order, amount decimal.Decimal) decimal.Decimal {
	if cur.FilledQuote.IsPositive() && cur.FilledQuote.GreaterThan(prev.FilledQuote) {
		return cur.FilledQuote.Sub(prev.FilledQuote).Div(amount)
	}
	return cur.ExecutionPrice()
}

func sameOrder(a, b domain.Order) bool {
	return a.Status == b.Status &&
		a.Filled.Equal(b.Filled) &&
		a.Price.Equal(b.Price) &&
		a.Amount.Equal(b.Amount)
}

// Get returns a cached live order.
func (c *Cache) Get(id string) (domain.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.records[id]
	return o, ok
}

// Len returns the number of live orders.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.records)
}

// Snapshot returns live orders, oldest first.
func (c *Cache) Snapshot() []domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Order, 0, len(c.records))
	for _, o := range c.records {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// OrderAssets returns the base assets referenced by live orders.
func (c *Cache) OrderAssets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(c.records))
	for _, o := range c.records {
		seen[o.Pair.From] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for asset := range seen {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}
