package lookup

import (
	"context"
	"sync"
	"time"

	"gitlab.com/nevasik7/alerting/logger"
)

// Cache holds resolved pool sets per pair key. Purely advisory: a miss or a
// backend failure just means the lookup service gets asked again.
type Cache interface {
	Get(ctx context.Context, key string) ([]string, bool)
	Set(ctx context.Context, key string, pools []string)
}

type memEntry struct {
	pools    []string
	expireAt int64 // unix nano
}

type MemoryCache struct {
	log     logger.Logger
	ttl     time.Duration
	mu      sync.RWMutex
	items   map[string]memEntry
	stopCh  chan struct{}
	stopped bool
}

// ttl-how long a resolved pair stays warm;
// janitorEvery-how often expired keys are collected; 0-> don't run collector
func NewMemoryCache(log logger.Logger, ttl, janitorEvery time.Duration) *MemoryCache {
	m := &MemoryCache{
		log:    log,
		ttl:    ttl,
		items:  make(map[string]memEntry, 256),
		stopCh: make(chan struct{}),
	}

	if janitorEvery > 0 {
		go m.janitor(janitorEvery)
	}

	return m
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]string, bool) {
	now := time.Now().UnixNano()

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.items[key]
	if !ok || e.expireAt <= now {
		return nil, false
	}
	return e.pools, true
}

func (m *MemoryCache) Set(_ context.Context, key string, pools []string) {
	exp := time.Now().UnixNano() + m.ttl.Nanoseconds()

	m.mu.Lock()
	m.items[key] = memEntry{pools: pools, expireAt: exp}
	m.mu.Unlock()

	m.log.Debugf("Cached %d pools for pair key=%s", len(pools), key)
}

func (m *MemoryCache) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			now := time.Now().UnixNano()
			m.mu.Lock()
			for k, e := range m.items {
				if e.expireAt <= now {
					m.log.Debugf("Removing expired pair key=%s", k)
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the collector(if running)
func (m *MemoryCache) Close() {
	m.mu.Lock()
	if !m.stopped {
		close(m.stopCh)
		m.stopped = true
	}
	m.mu.Unlock()
}
