package domain

import "fmt"

// Failure classes callers branch on with errors.As. Anything not covered
// below stays a plain wrapped error.

// ConfigError is a mistake in local configuration; retrying cannot fix it.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// AuthError covers authentication and payment failures while establishing or
// renewing access to a stream.
type AuthError struct {
	Stream StreamKind
	Stage  string // schema|renewal|lookup
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s/%s: %s: %v", e.Stream, e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s/%s: %s", e.Stream, e.Stage, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PaymentRejectedError means the gateway answered 402 again after payment was
// presented. There is no second retry.
type PaymentRejectedError struct {
	Resource string
	Detail   string
}

func (e *PaymentRejectedError) Error() string {
	return fmt.Sprintf("payment rejected for %s: %s", e.Resource, e.Detail)
}

// SigningError means a payment payload could not be produced for a
// requirement, usually because its network identifier is malformed or the
// signer holds no key for it.
type SigningError struct {
	Scheme  string
	Network string
	Reason  string
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing %s/%s: %s", e.Scheme, e.Network, e.Reason)
}

// ShapeError flags wire payloads that decode but violate the expected shape.
type ShapeError struct {
	Subject string
	Err     error
}

func (e *ShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s: %v", e.Subject, e.Err)
	}
	return "malformed " + e.Subject
}

func (e *ShapeError) Unwrap() error { return e.Err }

// TransientError wraps network-level failures that a later attempt could
// plausibly clear.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient %s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// LookupError marks a failed pair resolution. Callers degrade (skip the pair)
// instead of failing the session.
type LookupError struct {
	Query string
	Err   error
}

func (e *LookupError) Error() string { return fmt.Sprintf("lookup %q: %v", e.Query, e.Err) }

func (e *LookupError) Unwrap() error { return e.Err }
