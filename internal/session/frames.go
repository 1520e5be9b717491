package session

import (
	"encoding/json"
	"fmt"
	"time"

	"streamlease/internal/domain"
	"streamlease/internal/x402"
)

// Outbound socket ops.
const (
	opRenewToken     = "renew_token"
	opRenewInband    = "renew_inband"
	opSetAccounts    = "setAccounts"
	opAddAccounts    = "addAccounts"
	opRemoveAccounts = "removeAccounts"
	opSetMints       = "setMints"
	opAddMints       = "addMints"
	opRemoveMints    = "removeMints"
	opSetOptions     = "setOptions"
	opGetState       = "getState"
)

// outboundFrame covers every client-to-server message; unset fields stay off
// the wire.
type outboundFrame struct {
	Op          string          `json:"op"`
	Token       string          `json:"token,omitempty"`
	Accounts    []string        `json:"accounts,omitempty"`
	Mints       []string        `json:"mints,omitempty"`
	Options     map[string]any  `json:"options,omitempty"`
	Requirement json.RawMessage `json:"requirement,omitempty"`
	Payload     *x402.Payload   `json:"payload,omitempty"`
}

// inboundFrame is the decode probe for every server-to-client message. The
// superset of fields is flat on the wire, so one unmarshal feeds the whole
// classification.
type inboundFrame struct {
	Op   string `json:"op"`
	Type string `json:"type"`

	// lease control
	Token        string            `json:"token"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	SliceSeconds int               `json:"sliceSeconds"`
	Amount       string            `json:"amount"`
	Asset        string            `json:"asset"`
	X402Version  int               `json:"x402Version"`
	Accepts      []json.RawMessage `json:"accepts"`
	Message      string            `json:"message"`

	// status + market data
	Slot         uint64  `json:"slot"`
	State        string  `json:"state"`
	Detail       string  `json:"detail"`
	Pair         string  `json:"pair"`
	Price        float64 `json:"price"`
	Signature    string  `json:"signature"`
	Pool         string  `json:"pool"`
	Dex          string  `json:"dex"`
	BaseMint     string  `json:"baseMint"`
	QuoteMint    string  `json:"quoteMint"`
	Side         string  `json:"side"`
	BaseAmount   float64 `json:"baseAmount"`
	AmountUSD    float64 `json:"amountUsd"`
	Rule         string  `json:"rule"`
	BaseReserve  float64 `json:"baseReserve"`
	QuoteReserve float64 `json:"quoteReserve"`
	TS           int64   `json:"ts"` // unix millis
}

// Wire type tags for market-data frames.
const (
	typeStatus       = "status"
	typePrice        = "price"
	typeSwap         = "swap"
	typeAlert        = "alert"
	typePoolCreated  = "pool_created"
	typePoolReserves = "pool_reserves"
)

var leaseOps = map[string]domain.LeaseOp{
	string(domain.LeaseHello):           domain.LeaseHello,
	string(domain.LeaseReminder):        domain.LeaseReminder,
	string(domain.LeasePaymentRequired): domain.LeasePaymentRequired,
	string(domain.LeaseRenewed):         domain.LeaseRenewed,
	string(domain.LeaseError):           domain.LeaseError,
}

// classify turns one raw frame into a typed event. Priority is fixed: an op
// tag makes it lease control, then the status type, then known market-data
// types. Unknown ops and types return (nil, nil), dropped without noise so a
// newer server can't break us. Only undecodable or shape-violating frames
// return an error, and the caller drops those too.
func classify(kind domain.StreamKind, data []byte) (domain.Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &domain.ShapeError{Subject: "socket frame", Err: err}
	}

	if f.Op != "" {
		op, ok := leaseOps[f.Op]
		if !ok {
			return nil, nil
		}
		return leaseEvent(kind, op, &f), nil
	}

	switch f.Type {
	case typeStatus:
		return domain.StatusEvent{Stream: kind, Slot: f.Slot, State: f.State, Detail: f.Detail, At: frameTime(f.TS)}, nil

	case typePrice:
		if f.Pair == "" {
			return nil, &domain.ShapeError{Subject: "price frame", Err: fmt.Errorf("missing pair")}
		}
		return domain.TickerEvent{Stream: kind, Slot: f.Slot, Pair: f.Pair, Price: f.Price, At: frameTime(f.TS)}, nil

	case typeSwap:
		if f.Pool == "" {
			return nil, &domain.ShapeError{Subject: "swap frame", Err: fmt.Errorf("missing pool")}
		}
		return domain.SwapEvent{
			Stream:      kind,
			Slot:        f.Slot,
			Signature:   f.Signature,
			Pool:        f.Pool,
			BaseMint:    f.BaseMint,
			QuoteMint:   f.QuoteMint,
			Side:        domain.Side(f.Side),
			Price:       f.Price,
			BaseAmount:  f.BaseAmount,
			NotionalUSD: f.AmountUSD,
			At:          frameTime(f.TS),
		}, nil

	case typeAlert:
		if f.Pool == "" {
			return nil, &domain.ShapeError{Subject: "alert frame", Err: fmt.Errorf("missing pool")}
		}
		return domain.AlertEvent{
			Stream:      kind,
			Slot:        f.Slot,
			Pool:        f.Pool,
			Rule:        f.Rule,
			Message:     f.Message,
			NotionalUSD: f.AmountUSD,
			At:          frameTime(f.TS),
		}, nil

	case typePoolCreated:
		if f.Pool == "" {
			return nil, &domain.ShapeError{Subject: "pool_created frame", Err: fmt.Errorf("missing pool")}
		}
		return domain.PoolCreatedEvent{
			Stream:    kind,
			Slot:      f.Slot,
			Pool:      f.Pool,
			Dex:       f.Dex,
			BaseMint:  f.BaseMint,
			QuoteMint: f.QuoteMint,
			At:        frameTime(f.TS),
		}, nil

	case typePoolReserves:
		if f.Pool == "" {
			return nil, &domain.ShapeError{Subject: "pool_reserves frame", Err: fmt.Errorf("missing pool")}
		}
		return domain.PoolReservesEvent{
			Stream:       kind,
			Slot:         f.Slot,
			Pool:         f.Pool,
			BaseReserve:  f.BaseReserve,
			QuoteReserve: f.QuoteReserve,
			At:           frameTime(f.TS),
		}, nil
	}

	return nil, nil
}

// leaseEvent fills the control event, falling back to the first decodable
// accepts entry when a payment_required frame carries its price hint there
// instead of in flat amount/asset fields.
func leaseEvent(kind domain.StreamKind, op domain.LeaseOp, f *inboundFrame) domain.LeaseEvent {
	ev := domain.LeaseEvent{
		Stream:       kind,
		Op:           op,
		Token:        f.Token,
		ExpiresAt:    f.ExpiresAt,
		SliceSeconds: f.SliceSeconds,
		Amount:       f.Amount,
		Asset:        f.Asset,
		Detail:       f.Message,
		At:           frameTime(f.TS),
	}
	if ev.Amount == "" && op == domain.LeasePaymentRequired {
		for _, raw := range f.Accepts {
			r, err := x402.DecodeRequirement(raw)
			if err != nil {
				continue
			}
			ev.Amount, ev.Asset = r.Amount, r.Asset
			break
		}
	}
	return ev
}

func frameTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
