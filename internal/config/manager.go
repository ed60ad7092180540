package config

import (
	"log"
	"sync"
	"time"
)

// DefaultRouteTTL bounds how long route and field-mapping config is served
// before re-resolution.
const DefaultRouteTTL = time.Hour

// Manager owns the process-wide config and serves route/field-mapping
// lookups through a TTL cache with an explicit invalidation hook. It is the
// composition root's replacement for module-level config globals.
type Manager struct {
	mu         sync.RWMutex
	cfg        *Config
	path       string
	ttl        time.Duration
	resolvedAt time.Time
	logger     *log.Logger
}

// NewManager wraps an already-loaded config. path is kept for TTL
// re-resolution; empty path disables reloads.
func NewManager(cfg *Config, path string) *Manager {
	return &Manager{
		cfg:        cfg,
		path:       path,
		ttl:        DefaultRouteTTL,
		resolvedAt: time.Now(),
		logger:     log.New(log.Writer(), "[CONFIG] ", log.LstdFlags),
	}
}

// SetTTL overrides the route-cache TTL (tests use short values).
func (m *Manager) SetTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl = ttl
}

// Config returns the current effective config.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Routes returns the route config, re-resolving from disk and env when the
// cached copy is older than the TTL. A failed reload keeps serving the last
// good config.
func (m *Manager) Routes() RoutesConfig {
	m.mu.RLock()
	fresh := time.Since(m.resolvedAt) < m.ttl
	routes := m.cfg.Routes
	m.mu.RUnlock()

	if fresh || m.path == "" {
		return routes
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if time.Since(m.resolvedAt) < m.ttl {
		return m.cfg.Routes
	}
	next, err := Load(m.path)
	if err != nil {
		m.logger.Printf("⚠️ route config reload failed, keeping cached copy: %v", err)
		m.resolvedAt = time.Now()
		return m.cfg.Routes
	}
	m.cfg = next
	m.resolvedAt = time.Now()
	return m.cfg.Routes
}

// FieldMappings returns the active field-mapping list.
func (m *Manager) FieldMappings() []FieldMapping {
	return m.Routes().Fields
}

// Invalidate forces the next Routes call to re-resolve.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvedAt = time.Time{}
}
