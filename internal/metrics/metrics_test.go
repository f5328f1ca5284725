package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StreamReconnect("binance", "balance")
		m.StreamState("binance", "balance", 1)
		m.WatcherRestart("binance")
		m.TrackedAssets("binance", 3)
		m.CacheSizes("binance", 1, 2)
		m.DroppedEvent("binance", "invalid")
		m.Observers(2)
		m.BroadcastDrop()
	})
	assert.Nil(t, m.Registry())
}

func TestCollectors(t *testing.T) {
	m := New()
	m.StreamReconnect("binance", "orders")
	m.StreamReconnect("binance", "orders")
	m.TrackedAssets("bybit", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamReconnects.WithLabelValues("binance", "orders")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.trackedAssets.WithLabelValues("bybit")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "accountmirror_stream_reconnects_total"))
}
