// Package store is the bounded in-memory aggregation of the live event flow.
// Everything is capacity-evicted, nothing is persisted; a restart starts
// counting from zero.
package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/config"
	"streamlease/internal/domain"
)

type PricePoint struct {
	Price float64   `json:"price"`
	At    time.Time `json:"ts"`
}

// LastPrice is the latest tick for a pair. ChangePct is nil when undefined:
// first tick ever, or previous price was zero.
type LastPrice struct {
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	At        time.Time `json:"ts"`
	ChangePct *float64  `json:"change_pct,omitempty"`
}

type Store struct {
	log logger.Logger

	mu         sync.RWMutex
	swaps      *Ring[domain.SwapEvent]
	alerts     *Ring[domain.AlertEvent]
	pools      *Ring[domain.PoolCreatedEvent]
	reserves   map[string]domain.PoolReservesEvent
	prices     map[string]LastPrice
	history    map[string]*Ring[PricePoint]
	historyCap int

	swapTimes  *RateWindow
	alertTimes *RateWindow

	totalSwaps         uint64
	totalAlerts        uint64
	notionalUSD        float64
	largestNotionalUSD float64
}

func New(log logger.Logger, cfg config.StoreConfig) *Store {
	swapCap := cfg.SwapCapacity
	if swapCap < 1 {
		swapCap = 512
	}
	alertCap := cfg.AlertCapacity
	if alertCap < 1 {
		alertCap = 256
	}
	poolCap := cfg.PoolCapacity
	if poolCap < 1 {
		poolCap = 128
	}
	historyCap := cfg.PriceHistoryCap
	if historyCap < 1 {
		historyCap = 120
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}

	return &Store{
		log:        log,
		swaps:      NewRing[domain.SwapEvent](swapCap),
		alerts:     NewRing[domain.AlertEvent](alertCap),
		pools:      NewRing[domain.PoolCreatedEvent](poolCap),
		reserves:   make(map[string]domain.PoolReservesEvent),
		prices:     make(map[string]LastPrice),
		history:    make(map[string]*Ring[PricePoint]),
		historyCap: historyCap,
		swapTimes:  NewRateWindow(window, 4096),
		alertTimes: NewRateWindow(window, 1024),
	}
}

// Apply folds one event in and returns the fan-out patch, or nil when the
// event kind carries nothing the store aggregates.
func (s *Store) Apply(ev domain.Event) *domain.StorePatch {
	switch e := ev.(type) {
	case domain.TickerEvent:
		return s.applyTicker(e)
	case domain.SwapEvent:
		return s.applySwap(e)
	case domain.AlertEvent:
		return s.applyAlert(e)
	case domain.PoolCreatedEvent:
		return s.applyPoolCreated(e)
	case domain.PoolReservesEvent:
		return s.applyReserves(e)
	}
	return nil
}

func (s *Store) applyTicker(e domain.TickerEvent) *domain.StorePatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changePct *float64
	if prev, ok := s.prices[e.Pair]; ok && prev.Price != 0 {
		pct := (e.Price - prev.Price) / prev.Price * 100
		changePct = &pct
	}

	s.prices[e.Pair] = LastPrice{Pair: e.Pair, Price: e.Price, At: e.At, ChangePct: changePct}

	h, ok := s.history[e.Pair]
	if !ok {
		h = NewRing[PricePoint](s.historyCap)
		s.history[e.Pair] = h
	}
	h.Push(PricePoint{Price: e.Price, At: e.At})

	price := e.Price
	return &domain.StorePatch{
		Topic:       "price:" + e.Pair,
		Stream:      e.Stream,
		GeneratedAt: e.At,
		Pair:        e.Pair,
		LastPrice:   &price,
		ChangePct:   changePct,
	}
}

func (s *Store) applySwap(e domain.SwapEvent) *domain.StorePatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.swaps.Push(e)
	s.totalSwaps++

	// Non-finite notionals still count as swaps, but never move the money
	// aggregates.
	if !math.IsNaN(e.NotionalUSD) && !math.IsInf(e.NotionalUSD, 0) {
		s.notionalUSD += e.NotionalUSD
		if e.NotionalUSD > s.largestNotionalUSD {
			s.largestNotionalUSD = e.NotionalUSD
		}
	}

	rate := s.swapTimes.Observe(e.At)
	return &domain.StorePatch{
		Topic:       "swaps",
		Stream:      e.Stream,
		GeneratedAt: e.At,
		Pool:        e.Pool,
		SwapsPerMin: &rate,
		TotalSwaps:  s.totalSwaps,
		NotionalUSD: s.notionalUSD,
	}
}

func (s *Store) applyAlert(e domain.AlertEvent) *domain.StorePatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts.Push(e)
	s.totalAlerts++

	rate := s.alertTimes.Observe(e.At)
	return &domain.StorePatch{
		Topic:        "alerts",
		Stream:       e.Stream,
		GeneratedAt:  e.At,
		Pool:         e.Pool,
		AlertsPerMin: &rate,
	}
}

func (s *Store) applyPoolCreated(e domain.PoolCreatedEvent) *domain.StorePatch {
	s.mu.Lock()
	s.pools.Push(e)
	s.mu.Unlock()

	return &domain.StorePatch{
		Topic:       "pools",
		Stream:      e.Stream,
		GeneratedAt: e.At,
		Pool:        e.Pool,
	}
}

func (s *Store) applyReserves(e domain.PoolReservesEvent) *domain.StorePatch {
	s.mu.Lock()
	s.reserves[e.Pool] = e
	s.mu.Unlock()

	return &domain.StorePatch{
		Topic:       "reserves:" + e.Pool,
		Stream:      e.Stream,
		GeneratedAt: e.At,
		Pool:        e.Pool,
	}
}

type Snapshot struct {
	TotalSwaps         uint64                     `json:"total_swaps"`
	TotalAlerts        uint64                     `json:"total_alerts"`
	NotionalUSD        float64                    `json:"notional_usd"`
	LargestNotionalUSD float64                    `json:"largest_notional_usd"`
	SwapsPerMin        int                        `json:"swaps_per_min"`
	AlertsPerMin       int                        `json:"alerts_per_min"`
	Prices             []LastPrice                `json:"prices"`
	RecentSwaps        []domain.SwapEvent         `json:"recent_swaps"`
	RecentAlerts       []domain.AlertEvent        `json:"recent_alerts"`
	RecentPools        []domain.PoolCreatedEvent  `json:"recent_pools"`
	Reserves           []domain.PoolReservesEvent `json:"reserves"`
}

func (s *Store) Snapshot(now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make([]LastPrice, 0, len(s.prices))
	for _, p := range s.prices {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Pair < prices[j].Pair })

	reserves := make([]domain.PoolReservesEvent, 0, len(s.reserves))
	for _, r := range s.reserves {
		reserves = append(reserves, r)
	}
	sort.Slice(reserves, func(i, j int) bool { return reserves[i].Pool < reserves[j].Pool })

	return Snapshot{
		TotalSwaps:         s.totalSwaps,
		TotalAlerts:        s.totalAlerts,
		NotionalUSD:        s.notionalUSD,
		LargestNotionalUSD: s.largestNotionalUSD,
		SwapsPerMin:        s.swapTimes.Count(now),
		AlertsPerMin:       s.alertTimes.Count(now),
		Prices:             prices,
		RecentSwaps:        s.swaps.Items(),
		RecentAlerts:       s.alerts.Items(),
		RecentPools:        s.pools.Items(),
		Reserves:           reserves,
	}
}

// PriceHistory returns the sampled tick history for one pair, oldest first.
func (s *Store) PriceHistory(pair string) []PricePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.history[pair]
	if !ok {
		return nil
	}
	return h.Items()
}
