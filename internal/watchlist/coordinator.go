// Package watchlist reconciles what each stream session should watch. The
// coordinator owns label resolution and pair lookup; sessions only ever see
// concrete identifiers.
package watchlist

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/domain"
)

// PoolResolver is the lookup side of pair resolution.
type PoolResolver interface {
	LookupPools(ctx context.Context, baseMint, quoteMint string) ([]string, error)
}

// Target is the session surface the coordinator pushes deltas into.
type Target interface {
	AddAccounts(ctx context.Context, ids []string) error
	RemoveAccounts(ctx context.Context, ids []string) error
	AddMints(ctx context.Context, mints []string) error
	RemoveMints(ctx context.Context, mints []string) error
}

type Coordinator struct {
	log      logger.Logger
	labels   map[string]string // symbolic label -> canonical mint, frozen at construction
	resolver PoolResolver

	mu       sync.RWMutex
	sessions map[domain.StreamKind]Target
}

func NewCoordinator(log logger.Logger, labels map[string]string, resolver PoolResolver) *Coordinator {
	frozen := make(map[string]string, len(labels))
	for k, v := range labels {
		frozen[strings.ToUpper(k)] = v
	}
	return &Coordinator{
		log:      log,
		labels:   frozen,
		resolver: resolver,
		sessions: make(map[domain.StreamKind]Target),
	}
}

func (c *Coordinator) Register(kind domain.StreamKind, t Target) {
	c.mu.Lock()
	c.sessions[kind] = t
	c.mu.Unlock()
}

func (c *Coordinator) target(kind domain.StreamKind) (Target, error) {
	c.mu.RLock()
	t, ok := c.sessions[kind]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no session registered for stream %s", kind)
	}
	return t, nil
}

// ResolveMint maps a symbolic label to its canonical mint; anything not in
// the label table is assumed to already be canonical.
func (c *Coordinator) ResolveMint(label string) string {
	if mint, ok := c.labels[strings.ToUpper(label)]; ok {
		return mint
	}
	return label
}

// ResolvePairs turns pairs into pool identifiers. A pair the lookup can't
// match contributes nothing: absence of liquidity is normal, and lookup
// failures degrade the same way after a log line.
func (c *Coordinator) ResolvePairs(ctx context.Context, pairs []Pair) []string {
	var out []string
	seen := make(map[string]struct{})

	for _, p := range pairs {
		base, quote := c.ResolveMint(p.Base), c.ResolveMint(p.Quote)
		pools, err := c.resolver.LookupPools(ctx, base, quote)
		if err != nil {
			c.log.Warnf("Pair %s/%s resolution failed, treating as no match: %v", p.Base, p.Quote, err)
			continue
		}
		for _, pool := range pools {
			if _, ok := seen[pool]; ok {
				continue
			}
			seen[pool] = struct{}{}
			out = append(out, pool)
		}
	}
	return out
}

// AddWatch accepts mixed values (raw ids and pairs) and pushes the resolved
// additions to the stream's session.
func (c *Coordinator) AddWatch(ctx context.Context, kind domain.StreamKind, values []string) error {
	t, err := c.target(kind)
	if err != nil {
		return err
	}

	ids, pairs := SplitInputs(values)
	ids = append(ids, c.ResolvePairs(ctx, pairs)...)
	if len(ids) == 0 {
		return nil
	}
	return t.AddAccounts(ctx, ids)
}

func (c *Coordinator) RemoveWatch(ctx context.Context, kind domain.StreamKind, values []string) error {
	t, err := c.target(kind)
	if err != nil {
		return err
	}

	ids, pairs := SplitInputs(values)
	ids = append(ids, c.ResolvePairs(ctx, pairs)...)
	if len(ids) == 0 {
		return nil
	}
	return t.RemoveAccounts(ctx, ids)
}

func (c *Coordinator) AddMints(ctx context.Context, kind domain.StreamKind, labels []string) error {
	t, err := c.target(kind)
	if err != nil {
		return err
	}
	mints := c.canonicalMints(labels)
	if len(mints) == 0 {
		return nil
	}
	return t.AddMints(ctx, mints)
}

func (c *Coordinator) RemoveMints(ctx context.Context, kind domain.StreamKind, labels []string) error {
	t, err := c.target(kind)
	if err != nil {
		return err
	}
	mints := c.canonicalMints(labels)
	if len(mints) == 0 {
		return nil
	}
	return t.RemoveMints(ctx, mints)
}

func (c *Coordinator) canonicalMints(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		mint := c.ResolveMint(l)
		if _, ok := seen[mint]; ok {
			continue
		}
		seen[mint] = struct{}{}
		out = append(out, mint)
	}
	return out
}
