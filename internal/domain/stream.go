package domain

import (
	"fmt"
	"time"
)

// StreamKind identifies one paid upstream feed.
type StreamKind string

const (
	StreamPriceTicker   StreamKind = "price-ticker"
	StreamSwapQuotes    StreamKind = "swap-quotes"
	StreamSwapAlerts    StreamKind = "swap-alerts"
	StreamPoolCreations StreamKind = "pool-creations"
	StreamPoolReserves  StreamKind = "pool-reserves"
)

var streamKinds = map[StreamKind]struct{}{
	StreamPriceTicker:   {},
	StreamSwapQuotes:    {},
	StreamSwapAlerts:    {},
	StreamPoolCreations: {},
	StreamPoolReserves:  {},
}

func ParseStreamKind(s string) (StreamKind, error) {
	k := StreamKind(s)
	if _, ok := streamKinds[k]; !ok {
		return "", &ConfigError{Reason: fmt.Sprintf("unknown stream kind %q", s)}
	}
	return k, nil
}

// RenewalMode selects how a lease slice is re-bought once it nears expiry.
type RenewalMode string

const (
	RenewHTTP   RenewalMode = "http"   // paid POST, then renew_token over the socket
	RenewInBand RenewalMode = "inband" // 402 challenge signed and answered over the socket
)

func ParseRenewalMode(s string) (RenewalMode, error) {
	switch RenewalMode(s) {
	case RenewHTTP, RenewInBand:
		return RenewalMode(s), nil
	case "":
		return RenewHTTP, nil
	}
	return "", &ConfigError{Reason: fmt.Sprintf("unknown renewal mode %q", s)}
}

// StreamDescriptor pins down one subscription: which feed, which x402 wire
// version the gateway speaks for it, and the renewal strategy.
type StreamDescriptor struct {
	Kind     StreamKind
	Protocol int // 1 or 2
	Renewal  RenewalMode
}

func (d StreamDescriptor) Validate() error {
	if _, ok := streamKinds[d.Kind]; !ok {
		return &ConfigError{Reason: fmt.Sprintf("unknown stream kind %q", d.Kind)}
	}
	if d.Protocol != 1 && d.Protocol != 2 {
		return &ConfigError{Reason: fmt.Sprintf("stream %s: unsupported protocol version %d", d.Kind, d.Protocol)}
	}
	// In-band renewal answers a 402 over the socket; the v1 schema never
	// carries the fields that makes that exchange decodable.
	if d.Renewal == RenewInBand && d.Protocol != 2 {
		return &ConfigError{Reason: fmt.Sprintf("stream %s: in-band renewal requires protocol 2", d.Kind)}
	}
	return nil
}

// LeaseToken is the opaque access grant for one stream. Renewal replaces the
// whole value; the previous token must never be reused once swapped out.
type LeaseToken struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	SliceSeconds int       `json:"slice_seconds"`
}

func (t LeaseToken) Zero() bool { return t.Token == "" }

func (t LeaseToken) ExpiresIn(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}
