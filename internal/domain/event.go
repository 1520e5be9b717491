package domain

import "time"

// Event is anything a stream session hands to the manager: market data,
// lease control activity, status notes and session-level failures.
type Event interface {
	Origin() StreamKind
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type TickerEvent struct {
	Stream StreamKind `json:"stream"`
	Slot   uint64     `json:"slot"`
	Pair   string     `json:"pair"`
	Price  float64    `json:"price"`
	At     time.Time  `json:"ts"`
}

type SwapEvent struct {
	Stream      StreamKind `json:"stream"`
	Slot        uint64     `json:"slot"`
	Signature   string     `json:"signature"`
	Pool        string     `json:"pool"`
	BaseMint    string     `json:"base_mint"`
	QuoteMint   string     `json:"quote_mint"`
	Side        Side       `json:"side"`
	Price       float64    `json:"price"`
	BaseAmount  float64    `json:"base_amount"`
	NotionalUSD float64    `json:"notional_usd"`
	At          time.Time  `json:"ts"`
}

type AlertEvent struct {
	Stream      StreamKind `json:"stream"`
	Slot        uint64     `json:"slot"`
	Pool        string     `json:"pool"`
	Rule        string     `json:"rule"`
	Message     string     `json:"message"`
	NotionalUSD float64    `json:"notional_usd"`
	At          time.Time  `json:"ts"`
}

type PoolCreatedEvent struct {
	Stream    StreamKind `json:"stream"`
	Slot      uint64     `json:"slot"`
	Pool      string     `json:"pool"`
	Dex       string     `json:"dex"`
	BaseMint  string     `json:"base_mint"`
	QuoteMint string     `json:"quote_mint"`
	At        time.Time  `json:"ts"`
}

type PoolReservesEvent struct {
	Stream       StreamKind `json:"stream"`
	Slot         uint64     `json:"slot"`
	Pool         string     `json:"pool"`
	BaseReserve  float64    `json:"base_reserve"`
	QuoteReserve float64    `json:"quote_reserve"`
	At           time.Time  `json:"ts"`
}

// StatusEvent carries upstream operational notes (lag, resubscribe hints).
type StatusEvent struct {
	Stream StreamKind `json:"stream"`
	Slot   uint64     `json:"slot"`
	State  string     `json:"state"`
	Detail string     `json:"detail"`
	At     time.Time  `json:"ts"`
}

type LeaseOp string

const (
	LeaseHello           LeaseOp = "hello"
	LeaseReminder        LeaseOp = "renewal_reminder"
	LeasePaymentRequired LeaseOp = "payment_required"
	LeaseRenewed         LeaseOp = "renewed"
	LeaseError           LeaseOp = "error"
)

// LeaseEvent reports lease-control traffic. Amount is the integer price hint
// in the asset's smallest unit, kept as a string so precision survives until
// the ledger parses it.
type LeaseEvent struct {
	Stream       StreamKind `json:"stream"`
	Op           LeaseOp    `json:"op"`
	Token        string     `json:"token,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at,omitempty"`
	SliceSeconds int        `json:"slice_seconds,omitempty"`
	Amount       string     `json:"amount,omitempty"`
	Asset        string     `json:"asset,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	At           time.Time  `json:"ts"`
}

// SessionErrorEvent surfaces a session-level failure without tearing down the
// consumer side; the session decides separately whether it stays usable.
type SessionErrorEvent struct {
	Stream StreamKind `json:"stream"`
	Stage  string     `json:"stage"`
	Err    error      `json:"-"`
	At     time.Time  `json:"ts"`
}

func (e TickerEvent) Origin() StreamKind       { return e.Stream }
func (e SwapEvent) Origin() StreamKind         { return e.Stream }
func (e AlertEvent) Origin() StreamKind        { return e.Stream }
func (e PoolCreatedEvent) Origin() StreamKind  { return e.Stream }
func (e PoolReservesEvent) Origin() StreamKind { return e.Stream }
func (e StatusEvent) Origin() StreamKind       { return e.Stream }
func (e LeaseEvent) Origin() StreamKind        { return e.Stream }
func (e SessionErrorEvent) Origin() StreamKind { return e.Stream }

// StorePatch is the fan-out digest emitted after the in-memory store absorbs
// an event. Only the fields the event actually moved are set.
type StorePatch struct {
	Topic        string     `json:"topic"`
	Stream       StreamKind `json:"stream"`
	GeneratedAt  time.Time  `json:"ts"`
	Pair         string     `json:"pair,omitempty"`
	Pool         string     `json:"pool,omitempty"`
	LastPrice    *float64   `json:"last_price,omitempty"`
	ChangePct    *float64   `json:"change_pct,omitempty"`
	SwapsPerMin  *int       `json:"swaps_per_min,omitempty"`
	AlertsPerMin *int       `json:"alerts_per_min,omitempty"`
	TotalSwaps   uint64     `json:"total_swaps,omitempty"`
	NotionalUSD  float64    `json:"notional_usd,omitempty"`
}
