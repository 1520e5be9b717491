package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Ed25519 signs for solana-family networks with a locally held key.
type Ed25519 struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewEd25519(priv ed25519.PrivateKey) *Ed25519 {
	return &Ed25519{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// LoadEd25519 reads a key file in either of the formats wallets hand out:
// a JSON byte array (64-byte expanded key or 32-byte seed) or the same raw
// bytes base64-encoded.
func LoadEd25519(path string) (*Ed25519, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	raw, err := decodeKeyBytes(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}

	switch len(raw) {
	case ed25519.PrivateKeySize:
		return NewEd25519(ed25519.PrivateKey(raw)), nil
	case ed25519.SeedSize:
		return NewEd25519(ed25519.NewKeyFromSeed(raw)), nil
	}
	return nil, fmt.Errorf("key file %s: unexpected key length %d", path, len(raw))
}

func decodeKeyBytes(s string) ([]byte, error) {
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("parse json key array: %w", err)
		}
		raw := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("json key array: byte %d out of range at index %d", v, i)
			}
			raw[i] = byte(v)
		}
		return raw, nil
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 key: %w", err)
	}
	return raw, nil
}

func (s *Ed25519) PublicKey() ed25519.PublicKey { return s.pub }

// Supports accepts solana networks in both spellings: the bare v1 name and
// the v2 composite with a solana namespace.
func (s *Ed25519) Supports(scheme, network string) bool {
	if network == "" {
		return false
	}
	if ns, _, ok := strings.Cut(network, ":"); ok {
		return ns == "solana"
	}
	return strings.HasPrefix(network, "solana")
}

func (s *Ed25519) Sign(_ context.Context, req Request) (Signature, error) {
	if !s.Supports(req.Scheme, req.Network) {
		return Signature{}, fmt.Errorf("no key for network %q", req.Network)
	}
	return Signature{
		Signature: ed25519.Sign(s.priv, req.Message),
		PublicKey: s.pub,
		Algo:      "ed25519",
	}, nil
}
