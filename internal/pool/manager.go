package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dbgateway/dbgateway/internal/backend"
	"github.com/dbgateway/dbgateway/internal/config"
)

// StatsCallback is called periodically with stats for one endpoint's pool.
type StatsCallback func(stats Stats)

// Manager owns one Pool per BackendEndpoint, lazily created on first use and
// torn down explicitly when a backend drops out of a tenant's topology.
type Manager struct {
	mu              sync.RWMutex
	pools           map[string]*Pool // keyed by backend.Endpoint.Key()
	defaults        config.PoolDefaults
	onPoolExhausted OnPoolExhausted
	onRecycle       OnRecycleOutcome
	statsStopCh     chan struct{}
	closeOnce       sync.Once
}

// NewManager creates a pool manager using defaults for any pool it creates.
func NewManager(defaults config.PoolDefaults) *Manager {
	return &Manager{
		pools:       make(map[string]*Pool),
		defaults:    defaults,
		statsStopCh: make(chan struct{}),
	}
}

// SetOnPoolExhausted sets the callback invoked when any pool is exhausted.
// Must be called before any pools are created.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
}

// SetOnRecycle sets the callback invoked after every pooled connection
// return with its recycle outcome. Must be called before any pools are
// created.
func (m *Manager) SetOnRecycle(cb OnRecycleOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecycle = cb
}

// StartStatsLoop starts a goroutine that calls cb with every pool's stats on
// each tick of interval.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// GetOrCreate returns the pool for ep, creating it lazily under creds if it
// doesn't exist yet.
func (m *Manager) GetOrCreate(ep backend.Endpoint, creds Credentials) *Pool {
	key := ep.Key()

	m.mu.RLock()
	if p, ok := m.pools[key]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return p
	}

	p := New(ep, creds, m.defaults)
	p.onPoolExhausted = m.onPoolExhausted
	p.onRecycle = m.onRecycle
	m.pools[key] = p
	slog.Info("created pool", "endpoint", ep.Addr, "cluster", ep.Cluster)
	return p
}

// Get returns the pool for ep if it already exists.
func (m *Manager) Get(ep backend.Endpoint) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[ep.Key()]
	return p, ok
}

// Remove closes and removes the pool for ep, if one exists.
func (m *Manager) Remove(ep backend.Endpoint) bool {
	key := ep.Key()
	m.mu.Lock()
	p, ok := m.pools[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, key)
	m.mu.Unlock()

	p.Close()
	slog.Info("removed pool", "endpoint", ep.Addr)
	return true
}

// DrainEndpoint drains the pool for ep without removing it, if one exists.
func (m *Manager) DrainEndpoint(ep backend.Endpoint) bool {
	m.mu.RLock()
	p, ok := m.pools[ep.Key()]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	p.Drain()
	return true
}

// AllStats returns stats for every pool currently managed.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// UpdateDefaults updates the defaults applied to pools created after this
// call; existing pools keep their original settings.
func (m *Manager) UpdateDefaults(defaults config.PoolDefaults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = defaults
}

// Close shuts down every pool and stops the stats loop. Safe to call once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.statsStopCh) })

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
