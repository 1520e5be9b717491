package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"streamlease/internal/domain"
)

// Header names used by the challenge/retry exchange.
const (
	HeaderPayment         = "X-Payment"          // outbound: base64 payment payload
	HeaderPaymentRequired = "X-Payment-Required" // inbound: base64 challenge, body fallback
)

// Challenge is the 402 envelope: a top-level version, the accepted payment
// options, and an optional server-side error note.
type Challenge struct {
	X402Version int               `json:"x402Version"`
	Accepts     []json.RawMessage `json:"accepts"`
	Error       string            `json:"error,omitempty"`
}

// DecodeChallenge normalizes a challenge body into requirements. Entries that
// fit no known shape, or whose shape-derived version contradicts the envelope
// tag, are skipped; only a challenge yielding nothing usable is an error.
func DecodeChallenge(body []byte) ([]Requirement, error) {
	var ch Challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, &domain.ShapeError{Subject: "payment challenge", Err: err}
	}
	if len(ch.Accepts) == 0 {
		return nil, &domain.ShapeError{Subject: "payment challenge", Err: fmt.Errorf("empty accepts set")}
	}

	out := make([]Requirement, 0, len(ch.Accepts))
	for _, raw := range ch.Accepts {
		r, err := DecodeRequirement(raw)
		if err != nil {
			continue
		}
		if ch.X402Version != 0 && int(r.Version) != ch.X402Version {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, &domain.ShapeError{Subject: "payment challenge", Err: fmt.Errorf("no decodable requirement among %d accepts", len(ch.Accepts))}
	}
	return out, nil
}

// DecodeChallengeHeader handles the header-carried variant: the same envelope
// JSON, base64-encoded to survive header transport.
func DecodeChallengeHeader(h string) ([]Requirement, error) {
	b, err := base64.StdEncoding.DecodeString(h)
	if err != nil {
		return nil, &domain.ShapeError{Subject: "payment challenge header", Err: err}
	}
	return DecodeChallenge(b)
}
