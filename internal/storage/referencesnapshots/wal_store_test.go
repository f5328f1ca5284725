package referencesnapshots

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/accountmirror/internal/domain"
)

func snapshotAt(ts time.Time, btc string) domain.ReferenceSnapshot {
	return domain.ReferenceSnapshot{
		Time: ts,
		Prices: map[string]map[string]decimal.Decimal{
			"binance": {"BTC": decimal.RequireFromString(btc)},
		},
	}
}

func TestLatestOnEmptyStore(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Latest()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLatest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewWALStore(dir)
	require.NoError(t, err)

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(snapshotAt(first, "40000")))
	require.NoError(t, store.Save(snapshotAt(first.Add(time.Hour), "42000")))

	got, ok, err := store.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	price, found := got.Price("binance", "BTC")
	require.True(t, found)
	assert.True(t, price.Equal(decimal.NewFromInt(42000)))
	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err = reopened.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Time.Equal(first.Add(time.Hour)))
}

func TestSaveRejectsEmptySnapshot(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Save(domain.ReferenceSnapshot{}))
}

func TestNilStore(t *testing.T) {
	var s *WALStore
	_, _, err := s.Latest()
	assert.Error(t, err)
	assert.Error(t, s.Save(snapshotAt(time.Now(), "1")))
}
