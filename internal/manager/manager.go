package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/domain"
	"streamlease/internal/ledger"
	"streamlease/internal/metrics"
	"streamlease/internal/pubsub"
	"streamlease/internal/session"
	"streamlease/internal/store"
	"streamlease/internal/stores/clickhouse"
)

// Stream is the session surface the manager drains. *session.Session
// satisfies it; tests substitute stubs.
type Stream interface {
	Kind() domain.StreamKind
	State() session.State
	Events() <-chan domain.Event
	CurrentToken() (domain.LeaseToken, bool)
	Close() error
}

// EventArchive is the durable sink port; the clickhouse writer satisfies it.
// Archiving is best effort: a failed enqueue costs one row, not the stream.
type EventArchive interface {
	Enqueue(row clickhouse.StreamEventRow) error
	Health(ctx context.Context) error
}

// Manager is the single orchestration point: every session's events flow
// through it into the store, the ledger, and the optional sinks. It also
// relays fresh lease tokens to the hub so the lookup client always signs
// its calls with a live one.
type Manager struct {
	log         logger.Logger
	store       *store.Store
	ledger      *ledger.Ledger
	hub         *TokenHub
	broadcaster pubsub.Broadcaster // optional
	archive     EventArchive       // optional

	mu       sync.Mutex
	sessions map[domain.StreamKind]Stream
	wg       sync.WaitGroup
	stopOnce sync.Once

	runCtx context.Context
	cancel context.CancelFunc
}

func New(log logger.Logger, st *store.Store, led *ledger.Ledger, hub *TokenHub, broadcaster pubsub.Broadcaster, archive EventArchive) *Manager {
	m := &Manager{
		log:         log,
		store:       st,
		ledger:      led,
		hub:         hub,
		broadcaster: broadcaster,
		archive:     archive,
		sessions:    make(map[domain.StreamKind]Stream),
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Attach registers one session and starts draining its events. The session
// should already be connected; its current token seeds the hub so lookups
// can start before the first lease frame arrives.
func (m *Manager) Attach(s Stream) error {
	m.mu.Lock()
	if _, exists := m.sessions[s.Kind()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("stream %s is already attached", s.Kind())
	}
	m.sessions[s.Kind()] = s
	m.wg.Add(1)
	m.mu.Unlock()

	if tok, ok := s.CurrentToken(); ok {
		m.hub.Publish(tok.Token)
	}

	go m.drain(s)
	return nil
}

func (m *Manager) drain(s Stream) {
	defer m.wg.Done()
	for ev := range s.Events() {
		m.process(ev)
	}
	m.log.Infof("Stream %s drained, channel closed", s.Kind())
}

func (m *Manager) process(ev domain.Event) {
	metrics.EventsTotal.WithLabelValues(string(ev.Origin()), eventKind(ev)).Inc()

	switch e := ev.(type) {
	case domain.LeaseEvent:
		m.ledger.Observe(e)
		if e.Token != "" {
			m.hub.Publish(e.Token)
		}
		m.archiveEvent(ev)

	case domain.SessionErrorEvent:
		m.log.Errorf("Stream %s failed at %s: %v", e.Stream, e.Stage, e.Err)

	default:
		if patch := m.store.Apply(ev); patch != nil {
			m.publish(patch)
		}
		m.archiveEvent(ev)
	}
}

// publish fans a patch out to subscribers. Broadcast errors are not critical:
// the next patch on the topic supersedes the lost one.
func (m *Manager) publish(patch *domain.StorePatch) {
	if m.broadcaster == nil {
		return
	}
	if err := m.broadcaster.Publish(m.runCtx, patch.Topic, patch); err != nil {
		m.log.Errorf("Failed to broadcast patch for %s: %v", patch.Topic, err)
	}
}

func (m *Manager) archiveEvent(ev domain.Event) {
	if m.archive == nil {
		return
	}
	row, ok := clickhouse.RowFromEvent(ev)
	if !ok {
		return
	}
	if err := m.archive.Enqueue(row); err != nil {
		m.log.Errorf("Failed to archive %s event: %v", row.Kind, err)
	}
}

func eventKind(ev domain.Event) string {
	switch ev.(type) {
	case domain.TickerEvent:
		return "price"
	case domain.SwapEvent:
		return "swap"
	case domain.AlertEvent:
		return "alert"
	case domain.PoolCreatedEvent:
		return "pool_created"
	case domain.PoolReservesEvent:
		return "pool_reserves"
	case domain.StatusEvent:
		return "status"
	case domain.LeaseEvent:
		return "lease"
	case domain.SessionErrorEvent:
		return "session_error"
	}
	return "unknown"
}

// Hub exposes the token distribution point for wiring into the lookup client.
func (m *Manager) Hub() *TokenHub { return m.hub }

func (m *Manager) Snapshot() store.Snapshot {
	return m.store.Snapshot(time.Now())
}

func (m *Manager) PriceHistory(pair string) []store.PricePoint {
	return m.store.PriceHistory(pair)
}

func (m *Manager) SpendTotals() []ledger.SpendTotal {
	return m.ledger.Totals()
}

// StreamStatus is the per-session view served by the stats API. The token
// itself never leaves the session; only its schedule does.
type StreamStatus struct {
	Stream         domain.StreamKind `json:"stream"`
	State          string            `json:"state"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	SliceSeconds   int               `json:"slice_seconds"`
	PendingAmount  string            `json:"pending_amount,omitempty"`
	PendingAsset   string            `json:"pending_asset,omitempty"`
}

func (m *Manager) Streams() []StreamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StreamStatus, 0, len(m.sessions))
	for kind, s := range m.sessions {
		st := StreamStatus{Stream: kind, State: s.State().String()}
		if tok, ok := s.CurrentToken(); ok {
			st.LeaseExpiresAt = tok.ExpiresAt
			st.SliceSeconds = tok.SliceSeconds
		}
		if amount, asset, ok := m.ledger.PendingHint(kind); ok {
			st.PendingAmount, st.PendingAsset = amount, asset
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// CheckDependency reports the readiness of the optional sinks and of the
// stream fleet itself.
func (m *Manager) CheckDependency(ctx context.Context) error {
	errDependency := make([]string, 0, 3)

	if m.broadcaster != nil {
		if err := m.broadcaster.Health(ctx); err != nil {
			errDependency = append(errDependency, fmt.Sprintf("NATS: %v", err))
		}
	}
	if m.archive != nil {
		if err := m.archive.Health(ctx); err != nil {
			errDependency = append(errDependency, fmt.Sprintf("ClickHouse: %v", err))
		}
	}

	m.mu.Lock()
	open := 0
	for _, s := range m.sessions {
		if st := s.State(); st == session.StateOpen || st == session.StateRenewing {
			open++
		}
	}
	total := len(m.sessions)
	m.mu.Unlock()
	if total > 0 && open == 0 {
		errDependency = append(errDependency, "streams: no open sessions")
	}

	if len(errDependency) > 0 {
		return fmt.Errorf("dependency check failed: %v", strings.Join(errDependency, "; "))
	}

	m.log.Debugf("All dependency check passed")
	return nil
}

// Stop closes every session, waits for their channels to drain, and resolves
// any pending token waits. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.hub.Shutdown()
		m.cancel()

		m.mu.Lock()
		sessions := make([]Stream, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mu.Unlock()

		for _, s := range sessions {
			if err := s.Close(); err != nil {
				m.log.Errorf("Failed to close stream %s: %v", s.Kind(), err)
			}
		}
		m.wg.Wait()
	})
}
