// Package signer holds the signing capability the payment layer delegates
// to. The protocol code never touches key material; it hands over message
// bytes and gets a signature back.
package signer

import "context"

type Request struct {
	Scheme  string
	Network string
	Message []byte
}

type Signature struct {
	Signature []byte
	PublicKey []byte
	Algo      string
}

// Signer produces payment signatures. Supports lets the caller pick the
// first requirement out of a challenge that this key can actually answer.
type Signer interface {
	Supports(scheme, network string) bool
	Sign(ctx context.Context, req Request) (Signature, error)
}
