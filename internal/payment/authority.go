// Package payment implements the x402 client side: charge previews, payload
// signing and the sign-and-retry-once fetch that answers 402 challenges.
package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	logger "gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/config"
	"streamlease/internal/domain"
	"streamlease/internal/signer"
	"streamlease/internal/x402"
)

const maxBodyBytes = 1 << 20

type Authority struct {
	lg      logger.Logger
	hc      *http.Client
	signer  signer.Signer
	baseURL string
}

func NewAuthority(lg logger.Logger, cfg config.UpstreamConfig, sg signer.Signer) *Authority {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Authority{
		lg:      lg,
		hc:      &http.Client{Timeout: timeout},
		signer:  sg,
		baseURL: cfg.BaseURL,
	}
}

func (a *Authority) SchemaURL(d domain.StreamDescriptor) string {
	return fmt.Sprintf("%s/v%d/schema/stream/%s", a.baseURL, d.Protocol, d.Kind)
}

func (a *Authority) RenewURL(d domain.StreamDescriptor) string {
	return fmt.Sprintf("%s/v%d/renew/stream/%s", a.baseURL, d.Protocol, d.Kind)
}

// PreviewCharge probes the schema endpoint without paying and reports what a
// slice would cost. The estimate is advisory: any failure along the way
// yields (nil, "") instead of an error so startup never hangs on it.
func (a *Authority) PreviewCharge(ctx context.Context, d domain.StreamDescriptor) (*big.Int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.SchemaURL(d), nil)
	if err != nil {
		return nil, ""
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		a.lg.Warnf("preview %s: probe failed: %v", d.Kind, err)
		return nil, ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, ""
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		reqs, err := challengeFromResponse(resp, body)
		if err != nil {
			a.lg.Debugf("preview %s: undecodable challenge: %v", d.Kind, err)
			return nil, ""
		}
		return parseAmount(reqs[0].Amount, reqs[0].Asset)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.lg.Warnf("preview %s: unexpected status %s", d.Kind, resp.Status)
		return nil, ""
	}

	var schema Schema
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, ""
	}
	return parseAmount(schema.PaymentDetails.MaxAmountRequired, schema.PaymentDetails.Asset)
}

// parseAmount insists on a clean base-10 integer. Anything else discards the
// estimate entirely so a bad string can never read as a zero charge.
func parseAmount(amount, asset string) (*big.Int, string) {
	if amount == "" {
		return nil, ""
	}
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, ""
	}
	return n, asset
}

// BuildPayload signs one requirement. Network identifiers are validated per
// version before the signer is consulted.
func (a *Authority) BuildPayload(ctx context.Context, r x402.Requirement) (x402.Payload, error) {
	switch r.Version {
	case x402.V1:
		if r.Network == "" {
			return x402.Payload{}, &domain.SigningError{Scheme: r.Scheme, Network: r.Network, Reason: "v1 requirement with empty network"}
		}
	case x402.V2:
		if _, _, err := x402.ParseNetwork(r.Network); err != nil {
			return x402.Payload{}, &domain.SigningError{Scheme: r.Scheme, Network: r.Network, Reason: err.Error()}
		}
	default:
		return x402.Payload{}, &domain.SigningError{Scheme: r.Scheme, Network: r.Network, Reason: fmt.Sprintf("unknown requirement version %d", r.Version)}
	}

	nonce := uuid.NewString()
	signedAt := time.Now().Unix()
	msg, err := canonicalMessage(r, nonce, signedAt)
	if err != nil {
		return x402.Payload{}, &domain.SigningError{Scheme: r.Scheme, Network: r.Network, Reason: err.Error()}
	}

	sig, err := a.signer.Sign(ctx, signer.Request{Scheme: r.Scheme, Network: r.Network, Message: msg})
	if err != nil {
		return x402.Payload{}, &domain.SigningError{Scheme: r.Scheme, Network: r.Network, Reason: err.Error()}
	}

	return x402.Payload{
		X402Version: int(r.Version),
		Scheme:      r.Scheme,
		Network:     r.Network,
		Payload: x402.PayloadBody{
			Signature: base64.StdEncoding.EncodeToString(sig.Signature),
			Signer:    base64.StdEncoding.EncodeToString(sig.PublicKey),
			Message:   base64.StdEncoding.EncodeToString(msg),
			Nonce:     nonce,
			SignedAt:  signedAt,
		},
	}, nil
}

// canonicalMessage fixes the byte layout the signature covers. Field order
// matters: the gateway re-derives these bytes to verify.
func canonicalMessage(r x402.Requirement, nonce string, signedAt int64) ([]byte, error) {
	return json.Marshal(struct {
		Scheme   string `json:"scheme"`
		Network  string `json:"network"`
		Amount   string `json:"amount"`
		Asset    string `json:"asset"`
		PayTo    string `json:"payTo"`
		Resource string `json:"resource"`
		Nonce    string `json:"nonce"`
		SignedAt int64  `json:"signedAt"`
	}{r.Scheme, r.Network, r.Amount, r.Asset, r.PayTo, r.Resource, nonce, signedAt})
}

// FetchWithPayment performs req; on a 402 it signs the first supported
// requirement and retries exactly once with the payment attached. A second
// 402 is final: no further retries, the caller gets PaymentRejectedError.
func (a *Authority) FetchWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Op: "fetch " + req.URL.Path, Err: err}
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()

	reqs, err := challengeFromResponse(resp, body)
	if err != nil {
		return nil, err
	}
	chosen, ok := a.ChooseRequirement(reqs)
	if !ok {
		return nil, &domain.AuthError{Stage: "payment", Reason: fmt.Sprintf("no supported requirement among %d accepted", len(reqs))}
	}

	payload, err := a.BuildPayload(ctx, chosen)
	if err != nil {
		return nil, err
	}
	hdr, err := payload.Header()
	if err != nil {
		return nil, err
	}

	retry, err := cloneRequest(req)
	if err != nil {
		return nil, fmt.Errorf("rebuild request for paid retry: %w", err)
	}
	retry.Header.Set(x402.HeaderPayment, hdr)

	a.lg.Debugf("402 on %s, retrying with %s payment (%s %s)", req.URL.Path, chosen.Scheme, chosen.Amount, chosen.Asset)

	resp2, err := a.hc.Do(retry)
	if err != nil {
		return nil, &domain.TransientError{Op: "paid fetch " + req.URL.Path, Err: err}
	}
	if resp2.StatusCode == http.StatusPaymentRequired {
		detail := challengeDetail(resp2)
		resp2.Body.Close()
		return nil, &domain.PaymentRejectedError{Resource: req.URL.String(), Detail: detail}
	}
	return resp2, nil
}

// ChooseRequirement returns the first accepted requirement the configured
// signer can satisfy, in the order the gateway listed them.
func (a *Authority) ChooseRequirement(reqs []x402.Requirement) (x402.Requirement, bool) {
	for _, r := range reqs {
		if a.signer.Supports(r.Scheme, r.Network) {
			return r, true
		}
	}
	return x402.Requirement{}, false
}

// challengeFromResponse prefers the body; gateways that keep 402 bodies empty
// put the same envelope in the X-Payment-Required header instead.
func challengeFromResponse(resp *http.Response, body []byte) ([]x402.Requirement, error) {
	if len(body) > 0 {
		if reqs, err := x402.DecodeChallenge(body); err == nil {
			return reqs, nil
		}
	}
	if h := resp.Header.Get(x402.HeaderPaymentRequired); h != "" {
		return x402.DecodeChallengeHeader(h)
	}
	return nil, &domain.ShapeError{Subject: "payment challenge", Err: fmt.Errorf("no decodable challenge in body or %s header", x402.HeaderPaymentRequired)}
}

func challengeDetail(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	var ch x402.Challenge
	if err := json.Unmarshal(body, &ch); err == nil && ch.Error != "" {
		return ch.Error
	}
	return resp.Status
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody == nil {
		return out, nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	out.Body = rc
	return out, nil
}
