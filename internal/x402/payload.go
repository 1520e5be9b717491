package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"streamlease/internal/domain"
)

// Payload is the signed proof answering one Requirement. Its version must
// match the requirement it targets; the gateway rejects cross-version proofs
// and so do we, before anything reaches the wire.
type Payload struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Payload     PayloadBody `json:"payload"`
}

// PayloadBody carries the signature material, all base64: the signature, the
// signer's public key, and the exact message bytes that were signed.
type PayloadBody struct {
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	SignedAt  int64  `json:"signedAt"`
}

func (p Payload) Version() Version { return Version(p.X402Version) }

// Matches reports whether this payload answers the given requirement.
func (p Payload) Matches(r Requirement) bool {
	return p.Version() == r.Version && p.Scheme == r.Scheme && p.Network == r.Network
}

// Header renders the payload for the X-Payment request header.
func (p Payload) Header() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodePayloadHeader is the inverse of Header, used in tests and by gateway
// tooling that inspects presented payments.
func DecodePayloadHeader(h string) (Payload, error) {
	b, err := base64.StdEncoding.DecodeString(h)
	if err != nil {
		return Payload{}, &domain.ShapeError{Subject: "payment header", Err: err}
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, &domain.ShapeError{Subject: "payment header", Err: err}
	}
	if p.X402Version != int(V1) && p.X402Version != int(V2) {
		return Payload{}, &domain.ShapeError{Subject: "payment header", Err: fmt.Errorf("unknown version %d", p.X402Version)}
	}
	return p, nil
}
