// Package ledger tracks confirmed lease spend per stream. Amounts live as
// big integers in the asset's smallest unit; the human-facing value is
// derived on read so repeated additions never accumulate rounding drift.
package ledger

import (
	"math/big"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/config"
	"streamlease/internal/domain"
	"streamlease/internal/metrics"
)

type charge struct {
	amount *big.Int
	asset  string
}

type Ledger struct {
	log      logger.Logger
	decimals map[string]int // asset -> decimal scale, frozen at construction

	mu      sync.Mutex
	pending map[domain.StreamKind]charge
	totals  map[domain.StreamKind]map[string]*big.Int
}

func New(log logger.Logger, cfg config.LedgerConfig) *Ledger {
	decimals := make(map[string]int, len(cfg.AssetDecimals))
	for asset, scale := range cfg.AssetDecimals {
		decimals[asset] = scale
	}
	return &Ledger{
		log:      log,
		decimals: decimals,
		pending:  make(map[domain.StreamKind]charge),
		totals:   make(map[domain.StreamKind]map[string]*big.Int),
	}
}

// Observe consumes lease-control events. Price hints become the stream's
// pending charge (latest hint wins); a renewed confirmation moves pending
// into the confirmed total. A renewed with nothing pending is a no-op.
func (l *Ledger) Observe(ev domain.LeaseEvent) {
	switch ev.Op {
	case domain.LeaseReminder, domain.LeasePaymentRequired:
		if ev.Amount == "" {
			return
		}
		amt, ok := new(big.Int).SetString(ev.Amount, 10)
		if !ok {
			// Discard outright: recording zero would silently under-report.
			l.log.Warnf("Stream %s: unparseable charge hint %q dropped", ev.Stream, ev.Amount)
			return
		}
		l.mu.Lock()
		l.pending[ev.Stream] = charge{amount: amt, asset: ev.Asset}
		l.mu.Unlock()

	case domain.LeaseRenewed:
		l.mu.Lock()
		defer l.mu.Unlock()

		c, ok := l.pending[ev.Stream]
		if !ok {
			return
		}
		delete(l.pending, ev.Stream)

		byAsset, ok := l.totals[ev.Stream]
		if !ok {
			byAsset = make(map[string]*big.Int)
			l.totals[ev.Stream] = byAsset
		}
		total, ok := byAsset[c.asset]
		if !ok {
			total = new(big.Int)
			byAsset[c.asset] = total
		}
		total.Add(total, c.amount)
		metrics.SpendConfirmedTotal.WithLabelValues(string(ev.Stream), c.asset).Inc()
	}
}

// SpendTotal is one stream/asset confirmed total. Units is the exact integer
// in smallest units; Amount is the display value scaled by the asset's
// decimals.
type SpendTotal struct {
	Stream domain.StreamKind `json:"stream"`
	Asset  string            `json:"asset"`
	Units  string            `json:"units"`
	Amount string            `json:"amount"`
}

func (l *Ledger) Totals() []SpendTotal {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []SpendTotal
	for stream, byAsset := range l.totals {
		for asset, units := range byAsset {
			out = append(out, SpendTotal{
				Stream: stream,
				Asset:  asset,
				Units:  units.String(),
				Amount: l.display(units, asset),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stream != out[j].Stream {
			return out[i].Stream < out[j].Stream
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// PendingHint reports the not-yet-confirmed charge for a stream, if any.
func (l *Ledger) PendingHint(kind domain.StreamKind) (string, string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.pending[kind]
	if !ok {
		return "", "", false
	}
	return c.amount.String(), c.asset, true
}

func (l *Ledger) display(units *big.Int, asset string) string {
	scale, ok := l.decimals[asset]
	if !ok || scale == 0 {
		return units.String()
	}
	return decimal.NewFromBigInt(new(big.Int).Set(units), int32(-scale)).String()
}
