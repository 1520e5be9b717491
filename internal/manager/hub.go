package manager

import (
	"context"
	"errors"
	"sync"
)

var errHubClosed = errors.New("shutting down before a lease token arrived")

// TokenHub hands the freshest lease token to consumers that need one for
// their own calls (the pool-lookup client). Sessions own their tokens; the
// hub only ever sees read-only copies, published by the manager as lease
// events flow through it.
type TokenHub struct {
	mu      sync.Mutex
	current string

	ready     chan struct{} // closed once the first token lands
	done      chan struct{} // closed at shutdown so pending waits resolve
	closeOnce sync.Once
}

func NewTokenHub() *TokenHub {
	return &TokenHub{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (h *TokenHub) Publish(token string) {
	if token == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	first := h.current == ""
	h.current = token
	if first {
		close(h.ready)
	}
}

func (h *TokenHub) Current() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.current != ""
}

// Wait blocks until a token exists. A wait outstanding at shutdown resolves
// with an error instead of hanging the caller.
func (h *TokenHub) Wait(ctx context.Context) (string, error) {
	if tok, ok := h.Current(); ok {
		return tok, nil
	}
	select {
	case <-h.ready:
		tok, _ := h.Current()
		return tok, nil
	case <-h.done:
		return "", errHubClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *TokenHub) Shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
}
