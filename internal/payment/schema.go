package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"streamlease/internal/domain"
	"streamlease/internal/x402"
)

// Schema is the paid schema endpoint's success body. The websocket endpoint
// already carries the initial lease token in its t query parameter.
type Schema struct {
	WebsocketEndpoint string         `json:"websocketEndpoint"`
	Pricing           string         `json:"pricing,omitempty"`
	PaymentDetails    PaymentDetails `json:"paymentDetails"`
	Stream            StreamInfo     `json:"stream"`
}

type PaymentDetails struct {
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	SliceSeconds      int    `json:"sliceSeconds,omitempty"`
}

type StreamInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// FetchSchema buys access to one stream: a payment-wrapped GET whose success
// body names the socket to dial.
func (a *Authority) FetchSchema(ctx context.Context, d domain.StreamDescriptor) (*Schema, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.SchemaURL(d), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.FetchWithPayment(ctx, req)
	if err != nil {
		return nil, &domain.AuthError{Stream: d.Kind, Stage: "schema", Reason: "schema fetch failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.AuthError{Stream: d.Kind, Stage: "schema", Reason: fmt.Sprintf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.TransientError{Op: "read schema body", Err: err}
	}
	var schema Schema
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, &domain.ShapeError{Subject: "stream schema", Err: err}
	}
	if schema.WebsocketEndpoint == "" {
		return nil, &domain.ShapeError{Subject: "stream schema", Err: fmt.Errorf("missing websocketEndpoint")}
	}
	return &schema, nil
}

type renewalResponse struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expiresAt"`
	SliceSeconds int       `json:"sliceSeconds"`
}

// RenewViaHTTP buys the next lease slice in one shot: the POST itself goes
// through the payment-wrapped fetch, so no separate challenge round trip.
func (a *Authority) RenewViaHTTP(ctx context.Context, d domain.StreamDescriptor, current domain.LeaseToken) (domain.LeaseToken, error) {
	body, err := json.Marshal(map[string]string{"token": current.Token})
	if err != nil {
		return domain.LeaseToken{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.RenewURL(d), bytes.NewReader(body))
	if err != nil {
		return domain.LeaseToken{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.FetchWithPayment(ctx, req)
	if err != nil {
		return domain.LeaseToken{}, &domain.AuthError{Stream: d.Kind, Stage: "renewal", Reason: "renewal fetch failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.LeaseToken{}, &domain.AuthError{Stream: d.Kind, Stage: "renewal", Reason: fmt.Sprintf("unexpected status %s", resp.Status)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.LeaseToken{}, &domain.TransientError{Op: "read renewal body", Err: err}
	}
	var rr renewalResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return domain.LeaseToken{}, &domain.ShapeError{Subject: "renewal response", Err: err}
	}
	if rr.Token == "" {
		return domain.LeaseToken{}, &domain.ShapeError{Subject: "renewal response", Err: fmt.Errorf("missing token")}
	}
	return domain.LeaseToken{Token: rr.Token, ExpiresAt: rr.ExpiresAt, SliceSeconds: rr.SliceSeconds}, nil
}

// RequestChallenge runs the in-band renewal probe: an unpaid POST of the
// current token that must come back as a 402 whose challenge we hand to the
// caller for signing. Any other status is a malformed exchange.
func (a *Authority) RequestChallenge(ctx context.Context, d domain.StreamDescriptor, current domain.LeaseToken) ([]x402.Requirement, error) {
	body, err := json.Marshal(map[string]string{"token": current.Token})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.RenewURL(d), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Op: "renewal challenge " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, &domain.ShapeError{Subject: "renewal challenge", Err: fmt.Errorf("expected 402, got %s", resp.Status)}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.TransientError{Op: "read renewal challenge", Err: err}
	}
	return challengeFromResponse(resp, raw)
}
