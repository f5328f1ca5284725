// Package balances holds the per-asset holdings cache of one exchange account.
package balances

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/accountmirror/internal/domain"
	"go.uber.org/zap"
)

// fillMatchWindow bounds how long a balance-stream quantity change may wait for
// the execution report that explains it.
const fillMatchWindow = 10 * time.Second

// ErrNoCostBasis is returned when a sell fill arrives for an asset without a positive average buy price.
var ErrNoCostBasis = errors.New("no cost basis")

// Change describes the visible effect of a cache mutation.
type Change int

const (
	// ChangeNone means nothing observable changed.
	ChangeNone Change = iota
	// ChangeCreated means a previously unseen asset is now held.
	ChangeCreated
	// ChangeUpdated means fields of an existing record changed.
	ChangeUpdated
	// ChangeReaccumulated means a zeroed followed asset is held again; its cost basis is kept.
	ChangeReaccumulated
	// ChangeZeroed means a followed asset dropped to zero and was kept.
	ChangeZeroed
	// ChangeRemoved means the record was evicted.
	ChangeRemoved
)

func (c Change) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeReaccumulated:
		return "reaccumulated"
	case ChangeZeroed:
		return "zeroed"
	case ChangeRemoved:
		return "removed"
	}
	return "none"
}

// MembershipChanged reports whether the held set may differ after this change.
func (c Change) MembershipChanged() bool {
	switch c {
	case ChangeCreated, ChangeReaccumulated, ChangeZeroed, ChangeRemoved:
		return true
	}
	return false
}

// ReferenceSource supplies reference prices for percent-change decoration.
type ReferenceSource interface {
	ReferencePrice(exchange, asset string) (decimal.Decimal, time.Time, bool)
}

// drift is the net quantity change reported by balance events that no fill has explained yet.
type drift struct {
	qty decimal.Decimal
	at  time.Time
}

// Cache is the balance cache. Every method is atomic with respect to the others.
type Cache struct {
	mu       sync.RWMutex
	exchange string
	quote    string
	records  map[string]*domain.Balance
	follows  map[string]struct{}
	drifts   map[string]drift
	refs     ReferenceSource
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an empty cache. refs may be nil.
func New(exchange, quote string, refs ReferenceSource, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		exchange: exchange,
		quote:    strings.ToUpper(quote),
		records:  make(map[string]*domain.Balance),
		follows:  make(map[string]struct{}),
		drifts:   make(map[string]drift),
		refs:     refs,
		logger:   logger,
		now:      time.Now,
	}
}

// Settle marks current quantities as the baseline for fill accounting.
// Called after a REST snapshot, whose quantities no later fill can explain.
func (c *Cache) Settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drifts = make(map[string]drift)
}

// pendingLocked returns the unexplained balance change of asset. Caller holds the lock.
func (c *Cache) pendingLocked(asset string) decimal.Decimal {
	d, ok := c.drifts[asset]
	if !ok || c.now().Sub(d.at) > fillMatchWindow {
		return decimal.Zero
	}
	return d.qty
}

// addDriftLocked records a quantity change of asset. Caller holds the lock.
func (c *Cache) addDriftLocked(asset string, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	qty := c.pendingLocked(asset).Add(delta)
	if qty.IsZero() {
		delete(c.drifts, asset)
		return
	}
	c.drifts[asset] = drift{qty: qty, at: c.now()}
}

// Upsert applies absolute quantities for asset.
// total must equal free+locked; a mismatched or negative payload is rejected and the cache is left unchanged.
func (c *Cache) Upsert(asset string, total, free, locked decimal.Decimal) (Change, error) {
	asset = strings.ToUpper(asset)
	if asset == "" || free.IsNegative() || locked.IsNegative() || !total.Equal(free.Add(locked)) {
		return ChangeNone, errors.Wrapf(domain.ErrInvalidEvent, "balance %s total=%s free=%s locked=%s", asset, total, free, locked)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[asset]

	if !total.IsPositive() {
		if !exists {
			return ChangeNone, nil
		}
		return c.evictLocked(rec), nil
	}

	if !exists {
		rec = &domain.Balance{Asset: asset, Free: free, Locked: locked}
		if asset == c.quote {
			rec.Price = decimal.NewFromInt(1)
		}
		c.records[asset] = rec
		c.addDriftLocked(asset, total)
		c.logger.Info("new asset detected",
			zap.String("asset", asset), zap.Stringer("free", free), zap.Stringer("locked", locked))
		return ChangeCreated, nil
	}

	wasHeld := rec.Held()
	if rec.Free.Equal(free) && rec.Locked.Equal(locked) {
		return ChangeNone, nil
	}
	c.addDriftLocked(asset, total.Sub(rec.Total()))
	rec.Free = free
	rec.Locked = locked
	if !wasHeld {
		c.logger.Info("followed asset held again", zap.String("asset", asset))
		return ChangeReaccumulated, nil
	}
	return ChangeUpdated, nil
}

// evictLocked applies the zero-balance policy. Caller holds the lock.
func (c *Cache) evictLocked(rec *domain.Balance) Change {
	if _, followed := c.follows[rec.Asset]; followed {
		if rec.Free.IsZero() && rec.Locked.IsZero() {
			return ChangeNone
		}
		c.addDriftLocked(rec.Asset, rec.Total().Neg())
		rec.Free = decimal.Zero
		rec.Locked = decimal.Zero
		c.logger.Info("asset zeroed but kept for tracking", zap.String("asset", rec.Asset))
		return ChangeZeroed
	}
	delete(c.records, rec.Asset)
	delete(c.drifts, rec.Asset)
	c.logger.Info("asset removed", zap.String("asset", rec.Asset))
	return ChangeRemoved
}

// RecordPrice stores the latest price for an existing record.
func (c *Cache) RecordPrice(asset string, price decimal.Decimal) Change {
	asset = strings.ToUpper(asset)
	if !price.IsPositive() || asset == c.quote {
		return ChangeNone
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[asset]
	if !ok || rec.Price.Equal(price) {
		return ChangeNone
	}
	rec.Price = price
	return ChangeUpdated
}

// ApplyBuyFill adds filled units bought at fillPrice.
// Units a recent balance event already added are not added again, and the weighted
// average is taken over the holding before the fill. A null average buy price stays null.
func (c *Cache) ApplyBuyFill(asset string, filled, fillPrice decimal.Decimal) (Change, error) {
	asset = strings.ToUpper(asset)
	if !filled.IsPositive() || !fillPrice.IsPositive() {
		return ChangeNone, errors.Wrapf(domain.ErrInvalidEvent, "buy fill %s %s@%s", asset, filled, fillPrice)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[asset]
	if !ok {
		return ChangeNone, nil
	}

	wasHeld := rec.Held()
	seen := decimal.Min(decimal.Max(c.pendingLocked(asset), decimal.Zero), filled)
	c.addDriftLocked(asset, seen.Neg())

	oldTotal := decimal.Max(rec.Total().Sub(seen), decimal.Zero)
	if rec.AvgBuyPrice.Valid {
		cost := oldTotal.Mul(rec.AvgBuyPrice.Decimal).Add(filled.Mul(fillPrice))
		rec.AvgBuyPrice = decimal.NewNullDecimal(cost.Div(oldTotal.Add(filled)))
	}
	rec.Free = rec.Free.Add(filled.Sub(seen))

	if !wasHeld {
		return ChangeReaccumulated, nil
	}
	return ChangeUpdated, nil
}

// ApplySellFill realizes (fillPrice - avg) * filled and removes the sold units, locked first.
// Units a recent balance event already removed are not removed again.
// The average buy price of the remaining units is unchanged.
func (c *Cache) ApplySellFill(asset string, filled, fillPrice decimal.Decimal) (Change, error) {
	asset = strings.ToUpper(asset)
	if !filled.IsPositive() || !fillPrice.IsPositive() {
		return ChangeNone, errors.Wrapf(domain.ErrInvalidEvent, "sell fill %s %s@%s", asset, filled, fillPrice)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[asset]
	if !ok || !rec.AvgBuyPrice.Valid || !rec.AvgBuyPrice.Decimal.IsPositive() {
		return ChangeNone, errors.Wrapf(ErrNoCostBasis, "sell fill %s %s@%s", asset, filled, fillPrice)
	}

	profit := fillPrice.Sub(rec.AvgBuyPrice.Decimal).Mul(filled)
	if rec.RealizedPnL.Valid {
		rec.RealizedPnL = decimal.NewNullDecimal(rec.RealizedPnL.Decimal.Add(profit))
	} else {
		rec.RealizedPnL = decimal.NewNullDecimal(profit)
	}

	seen := decimal.Min(decimal.Max(c.pendingLocked(asset).Neg(), decimal.Zero), filled)
	c.addDriftLocked(asset, seen)

	sold := filled.Sub(seen)
	fromLocked := decimal.Min(rec.Locked, sold)
	rec.Locked = rec.Locked.Sub(fromLocked)
	rec.Free = decimal.Max(rec.Free.Sub(sold.Sub(fromLocked)), decimal.Zero)

	return ChangeUpdated, nil
}

// SetCostBasis stores a reconstructed average buy price and realized PnL.
func (c *Cache) SetCostBasis(asset string, avg, realized decimal.NullDecimal) Change {
	asset = strings.ToUpper(asset)

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[asset]
	if !ok {
		return ChangeNone
	}
	if nullEqual(rec.AvgBuyPrice, avg) && nullEqual(rec.RealizedPnL, realized) {
		return ChangeNone
	}
	rec.AvgBuyPrice = avg
	rec.RealizedPnL = realized
	return ChangeUpdated
}

// Follow marks asset as followed and creates a zeroed record if none exists.
// It reports whether a record was created.
func (c *Cache) Follow(asset string) bool {
	asset = strings.ToUpper(asset)
	if asset == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.follows[asset] = struct{}{}
	if _, ok := c.records[asset]; ok {
		return false
	}
	rec := &domain.Balance{Asset: asset}
	if asset == c.quote {
		rec.Price = decimal.NewFromInt(1)
	}
	c.records[asset] = rec
	c.logger.Info("added placeholder balance for followed asset", zap.String("asset", asset))
	return true
}

// Get returns a copy of the record for asset.
func (c *Cache) Get(asset string) (domain.Balance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[strings.ToUpper(asset)]
	if !ok {
		return domain.Balance{}, false
	}
	return *rec, true
}

// IsHeld reports whether asset has a positive total.
func (c *Cache) IsHeld(asset string) bool {
	b, ok := c.Get(asset)
	return ok && b.Held()
}

// Snapshot returns copies of all records ordered by asset.
func (c *Cache) Snapshot() []domain.Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Balance, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Held returns the assets with a positive total.
func (c *Cache) Held() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.records))
	for asset, rec := range c.records {
		if rec.Held() {
			out = append(out, asset)
		}
	}
	sort.Strings(out)
	return out
}

// Followed returns the followed assets.
func (c *Cache) Followed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.follows))
	for asset := range c.follows {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Prices returns the last known positive price of every record.
func (c *Cache) Prices() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(c.records))
	for asset, rec := range c.records {
		if rec.Price.IsPositive() {
			out[asset] = rec.Price
		}
	}
	return out
}

// Message renders the observer view of asset.
func (c *Cache) Message(asset string) (domain.BalanceUpdate, bool) {
	b, ok := c.Get(asset)
	if !ok {
		return domain.BalanceUpdate{}, false
	}
	return c.render(b), true
}

// Messages renders every record.
func (c *Cache) Messages() []domain.Message {
	snap := c.Snapshot()
	out := make([]domain.Message, 0, len(snap))
	for _, b := range snap {
		out = append(out, c.render(b))
	}
	return out
}

func (c *Cache) render(b domain.Balance) domain.BalanceUpdate {
	msg := domain.NewBalanceUpdate(c.exchange, c.quote, b)
	if c.refs == nil {
		return msg
	}
	if ref, at, ok := c.refs.ReferencePrice(c.exchange, b.Asset); ok {
		msg = msg.WithReference(ref, at)
	}
	return msg
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
