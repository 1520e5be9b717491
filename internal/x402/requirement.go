// Package x402 implements the payment-challenge wire codec for the two
// deployed protocol versions. Version 1 requirements are flat objects with
// the amount under maxAmountRequired; version 2 nests the resource descriptor
// and renames the amount field. Amounts stay strings end to end; parsing to
// integers is the caller's business, so no precision is lost in transit.
package x402

import (
	"encoding/json"
	"fmt"

	"streamlease/internal/domain"
)

type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

// Requirement is the normalized form of one accepted payment option. Wire
// shape differences are absorbed at decode time; Version records which shape
// the entry arrived in, because signing and re-encoding branch on it.
type Requirement struct {
	Version           Version
	Scheme            string
	Network           string // v1: bare name; v2: namespace:reference
	Amount            string // integer string in the asset's smallest unit
	Asset             string
	PayTo             string
	Resource          string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	Extra             map[string]any
}

type reqV1 struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Asset             string         `json:"asset,omitempty"`
	PayTo             string         `json:"payTo,omitempty"`
	Resource          string         `json:"resource,omitempty"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

type resourceV2 struct {
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type reqV2 struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Amount            string         `json:"amount"`
	Asset             string         `json:"asset,omitempty"`
	PayTo             string         `json:"payTo,omitempty"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Resource          *resourceV2    `json:"resource,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// DecodeRequirement discriminates the two shapes by their amount field. An
// entry carrying both or neither amount key fits no known variant.
func DecodeRequirement(raw []byte) (Requirement, error) {
	var probe struct {
		MaxAmountRequired *string `json:"maxAmountRequired"`
		Amount            *string `json:"amount"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Requirement{}, &domain.ShapeError{Subject: "payment requirement", Err: err}
	}

	switch {
	case probe.MaxAmountRequired != nil && probe.Amount != nil:
		return Requirement{}, &domain.ShapeError{Subject: "payment requirement", Err: fmt.Errorf("both v1 and v2 amount fields present")}
	case probe.MaxAmountRequired != nil:
		return decodeV1(raw)
	case probe.Amount != nil:
		return decodeV2(raw)
	}
	return Requirement{}, &domain.ShapeError{Subject: "payment requirement", Err: fmt.Errorf("no amount field, fits no known version")}
}

func decodeV1(raw []byte) (Requirement, error) {
	var w reqV1
	if err := json.Unmarshal(raw, &w); err != nil {
		return Requirement{}, &domain.ShapeError{Subject: "v1 payment requirement", Err: err}
	}
	return Requirement{
		Version:           V1,
		Scheme:            w.Scheme,
		Network:           w.Network,
		Amount:            w.MaxAmountRequired,
		Asset:             w.Asset,
		PayTo:             w.PayTo,
		Resource:          w.Resource,
		Description:       w.Description,
		MimeType:          w.MimeType,
		MaxTimeoutSeconds: w.MaxTimeoutSeconds,
		Extra:             w.Extra,
	}, nil
}

func decodeV2(raw []byte) (Requirement, error) {
	var w reqV2
	if err := json.Unmarshal(raw, &w); err != nil {
		return Requirement{}, &domain.ShapeError{Subject: "v2 payment requirement", Err: err}
	}
	r := Requirement{
		Version:           V2,
		Scheme:            w.Scheme,
		Network:           w.Network,
		Amount:            w.Amount,
		Asset:             w.Asset,
		PayTo:             w.PayTo,
		MaxTimeoutSeconds: w.MaxTimeoutSeconds,
		Extra:             w.Extra,
	}
	if w.Resource != nil {
		r.Resource = w.Resource.URL
		r.Description = w.Resource.Description
		r.MimeType = w.Resource.MimeType
	}
	return r, nil
}

// EncodeRequirement emits the wire shape matching r.Version, so a decoded
// entry round-trips without dropping its version tag or amount string.
func EncodeRequirement(r Requirement) ([]byte, error) {
	switch r.Version {
	case V1:
		return json.Marshal(reqV1{
			Scheme:            r.Scheme,
			Network:           r.Network,
			MaxAmountRequired: r.Amount,
			Asset:             r.Asset,
			PayTo:             r.PayTo,
			Resource:          r.Resource,
			Description:       r.Description,
			MimeType:          r.MimeType,
			MaxTimeoutSeconds: r.MaxTimeoutSeconds,
			Extra:             r.Extra,
		})
	case V2:
		w := reqV2{
			Scheme:            r.Scheme,
			Network:           r.Network,
			Amount:            r.Amount,
			Asset:             r.Asset,
			PayTo:             r.PayTo,
			MaxTimeoutSeconds: r.MaxTimeoutSeconds,
			Extra:             r.Extra,
		}
		if r.Resource != "" || r.Description != "" || r.MimeType != "" {
			w.Resource = &resourceV2{URL: r.Resource, Description: r.Description, MimeType: r.MimeType}
		}
		return json.Marshal(w)
	}
	return nil, &domain.ShapeError{Subject: "payment requirement", Err: fmt.Errorf("unknown version %d", r.Version)}
}
