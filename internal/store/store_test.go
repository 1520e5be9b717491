package store

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/config"
	"streamlease/internal/domain"
)

// --- helpers ---

func newTestLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})
}

func newTestStore(cfg config.StoreConfig) *Store {
	return New(newTestLogger(), cfg)
}

func swapAt(at time.Time, pool string, notional float64) domain.SwapEvent {
	return domain.SwapEvent{
		Stream:      domain.StreamSwapQuotes,
		Pool:        pool,
		Side:        domain.SideBuy,
		NotionalUSD: notional,
		At:          at,
	}
}

func tickAt(at time.Time, pair string, price float64) domain.TickerEvent {
	return domain.TickerEvent{Stream: domain.StreamPriceTicker, Pair: pair, Price: price, At: at}
}

// --- tests ---

func TestRingEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	r := NewRing[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Push(4) // evicts 1

	assert.Equal(t, []int{2, 3, 4}, r.Items(), "first element must be the original second item")
	assert.Equal(t, 3, r.Len())
	assert.LessOrEqual(t, r.Len(), r.Cap())

	r.Push(5)
	r.Push(6)
	assert.Equal(t, []int{4, 5, 6}, r.Items())
	assert.Equal(t, 3, r.Len(), "length never exceeds capacity")
}

func TestRingPartiallyFilled(t *testing.T) {
	t.Parallel()

	r := NewRing[string](8)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"a", "b"}, r.Items())
	assert.Equal(t, 2, r.Len())
}

func TestRateWindowBoundaryExcludesAgedEntries(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w := NewRateWindow(time.Minute, 16)

	w.Observe(base)
	w.Observe(base.Add(30 * time.Second))

	// At t+61s the first entry is 61s old (outside), the second 31s (inside).
	assert.Equal(t, 1, w.Count(base.Add(61*time.Second)))

	// Exactly window-aged entries no longer count.
	assert.Equal(t, 0, w.Count(base.Add(90*time.Second)))

	assert.Equal(t, 2, w.Count(base.Add(30*time.Second)))
}

func TestRateWindowRecountOnInsert(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w := NewRateWindow(time.Minute, 16)

	assert.Equal(t, 1, w.Observe(base))
	assert.Equal(t, 2, w.Observe(base.Add(10*time.Second)))
	assert.Equal(t, 1, w.Observe(base.Add(2*time.Minute)), "stale entries drop out of the recount")
}

func TestPriceChangePct(t *testing.T) {
	t.Parallel()

	s := newTestStore(config.StoreConfig{})
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	patch := s.Apply(tickAt(base, "SOL/USDC", 100))
	require.NotNil(t, patch)
	assert.Nil(t, patch.ChangePct, "no prior price -> undefined change")

	patch = s.Apply(tickAt(base.Add(time.Second), "SOL/USDC", 110))
	require.NotNil(t, patch)
	require.NotNil(t, patch.ChangePct)
	assert.InDelta(t, 10.0, *patch.ChangePct, 1e-9)

	// A zero previous price never divides.
	s.Apply(tickAt(base, "DUST/USDC", 0))
	patch = s.Apply(tickAt(base.Add(time.Second), "DUST/USDC", 50))
	require.NotNil(t, patch)
	assert.Nil(t, patch.ChangePct, "zero prior price -> undefined change")

	snap := s.Snapshot(base.Add(2 * time.Second))
	require.Len(t, snap.Prices, 2)
}

func TestSwapAggregatesSkipNonFiniteNotional(t *testing.T) {
	t.Parallel()

	s := newTestStore(config.StoreConfig{})
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	s.Apply(swapAt(base, "pool1", 100))
	s.Apply(swapAt(base.Add(time.Second), "pool1", math.Inf(1)))
	s.Apply(swapAt(base.Add(2*time.Second), "pool1", math.NaN()))
	s.Apply(swapAt(base.Add(3*time.Second), "pool2", 50))

	snap := s.Snapshot(base.Add(4 * time.Second))
	assert.EqualValues(t, 4, snap.TotalSwaps, "non-finite notional still counts as a swap")
	assert.InDelta(t, 150.0, snap.NotionalUSD, 1e-9)
	assert.InDelta(t, 100.0, snap.LargestNotionalUSD, 1e-9)
	assert.Equal(t, 4, snap.SwapsPerMin)
	assert.Len(t, snap.RecentSwaps, 4)
}

func TestAlertAggregates(t *testing.T) {
	t.Parallel()

	s := newTestStore(config.StoreConfig{})
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	patch := s.Apply(domain.AlertEvent{Stream: domain.StreamSwapAlerts, Pool: "pool1", Rule: "whale", At: base})
	require.NotNil(t, patch)
	require.NotNil(t, patch.AlertsPerMin)
	assert.Equal(t, 1, *patch.AlertsPerMin)

	snap := s.Snapshot(base.Add(time.Second))
	assert.EqualValues(t, 1, snap.TotalAlerts)
	assert.Len(t, snap.RecentAlerts, 1)
}

func TestReservesLatestWins(t *testing.T) {
	t.Parallel()

	s := newTestStore(config.StoreConfig{})
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	s.Apply(domain.PoolReservesEvent{Stream: domain.StreamPoolReserves, Pool: "pool1", BaseReserve: 10, At: base})
	s.Apply(domain.PoolReservesEvent{Stream: domain.StreamPoolReserves, Pool: "pool1", BaseReserve: 20, At: base.Add(time.Second)})
	s.Apply(domain.PoolReservesEvent{Stream: domain.StreamPoolReserves, Pool: "pool2", BaseReserve: 5, At: base})

	snap := s.Snapshot(base.Add(2 * time.Second))
	require.Len(t, snap.Reserves, 2)
	assert.InDelta(t, 20.0, snap.Reserves[0].BaseReserve, 1e-9, "latest snapshot wins per pool")
}

func TestStoreCapacityBounds(t *testing.T) {
	t.Parallel()

	s := newTestStore(config.StoreConfig{SwapCapacity: 4, PriceHistoryCap: 2})
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		s.Apply(swapAt(base.Add(time.Duration(i)*time.Second), "pool1", float64(i)))
	}

	snap := s.Snapshot(base.Add(time.Minute))
	assert.Len(t, snap.RecentSwaps, 4)
	assert.InDelta(t, 6.0, snap.RecentSwaps[0].NotionalUSD, 1e-9, "oldest evicted first")
	assert.EqualValues(t, 10, snap.TotalSwaps, "totals outlive ring eviction")

	for i := 0; i < 3; i++ {
		s.Apply(tickAt(base.Add(time.Duration(i)*time.Second), "SOL/USDC", 100+float64(i)))
	}
	hist := s.PriceHistory("SOL/USDC")
	require.Len(t, hist, 2, "history capacity independent of the live price map")
	assert.InDelta(t, 101.0, hist[0].Price, 1e-9)
	assert.InDelta(t, 102.0, hist[1].Price, 1e-9)
	assert.Nil(t, s.PriceHistory("GHOST/USDC"))
}

func TestApplyIgnoresNonStoreEvents(t *testing.T) {
	t.Parallel()

	s := newTestStore(config.StoreConfig{})
	assert.Nil(t, s.Apply(domain.StatusEvent{Stream: domain.StreamPriceTicker, State: "lagging"}))
	assert.Nil(t, s.Apply(domain.LeaseEvent{Stream: domain.StreamPriceTicker, Op: domain.LeaseHello}))
}
