package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxbridge/internal/esl"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/ratelimit"
	"github.com/MrWong99/voxbridge/pkg/history"
)

// Concurrency defaults.
const (
	defaultTenantCap = 10
	defaultGlobalCap = 100
)

var (
	// ErrDuplicateCall means a session for the call ID already exists.
	ErrDuplicateCall = errors.New("session: duplicate call id")

	// ErrTenantCapacity means the tenant's concurrent-call cap is reached.
	ErrTenantCapacity = errors.New("session: tenant capacity reached")

	// ErrGlobalCapacity means the bridge-wide concurrent-call cap is reached.
	ErrGlobalCapacity = errors.New("session: global capacity reached")

	// ErrNotFound means no session exists for the call ID.
	ErrNotFound = errors.New("session: not found")

	// ErrRateLimited means the tenant's session quota is exhausted.
	ErrRateLimited = errors.New("session: tenant rate limited")
)

// Gate admits quota-spending operations. *ratelimit.Limiter satisfies it.
type Gate interface {
	Allow(tenant string, kind ratelimit.Kind) ratelimit.Decision
}

// ManagerConfig tunes the session manager.
type ManagerConfig struct {
	// TenantCap limits concurrent sessions per tenant. Default 10.
	TenantCap int

	// GlobalCap limits concurrent sessions across all tenants. Default 100.
	GlobalCap int

	// Limiter, when set, meters session creation per tenant on top of the
	// concurrency caps.
	Limiter Gate
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	Active       int
	PerTenant    map[string]int
	TotalCreated int64
}

// Manager tracks the live sessions and enforces the concurrency caps.
type Manager struct {
	cfg     ManagerConfig
	conn    Connector
	store   history.Store
	hooks   Hooks
	metrics *observe.Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	sessions     map[string]*Session
	tenantCounts map[string]int
	totalCreated int64
}

// NewManager builds a manager. The store and metrics may be nil; the hooks
// are shared by every session it creates.
func NewManager(cfg ManagerConfig, conn Connector, store history.Store, hooks Hooks, metrics *observe.Metrics, logger *slog.Logger) *Manager {
	if cfg.TenantCap <= 0 {
		cfg.TenantCap = defaultTenantCap
	}
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = defaultGlobalCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		conn:         conn,
		store:        store,
		hooks:        hooks,
		metrics:      metrics,
		logger:       logger.With("component", "session_manager"),
		sessions:     map[string]*Session{},
		tenantCounts: map[string]int{},
	}
}

// Create admits one call: the caps and the duplicate check happen under one
// lock and the slot is reserved before the provider connect, so a burst of
// arrivals cannot overshoot. The slot is released again if the connect
// fails.
func (m *Manager) Create(ctx context.Context, cfg Config, out MediaOut) (*Session, error) {
	if cfg.CallID == "" || cfg.Tenant == "" {
		return nil, fmt.Errorf("session: tenant and call id are required")
	}
	if m.cfg.Limiter != nil {
		if d := m.cfg.Limiter.Allow(cfg.Tenant, ratelimit.KindSessions); !d.Allowed {
			return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, d.RetryAfter)
		}
	}

	m.mu.Lock()
	if _, ok := m.sessions[cfg.CallID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, cfg.CallID)
	}
	if len(m.sessions) >= m.cfg.GlobalCap {
		m.mu.Unlock()
		return nil, ErrGlobalCapacity
	}
	if m.tenantCounts[cfg.Tenant] >= m.cfg.TenantCap {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTenantCapacity, cfg.Tenant)
	}

	s := newSession(cfg, m.conn, out, m.store, m.sessionHooks(), m.metrics, m.logger)
	m.sessions[cfg.CallID] = s
	m.tenantCounts[cfg.Tenant]++
	m.totalCreated++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
		m.metrics.Calls.Add(ctx, 1, metric.WithAttributes(
			observe.Attr("tenant", cfg.Tenant),
			observe.Attr("provider", cfg.Provider),
		))
	}

	if err := s.start(ctx); err != nil {
		m.Remove(cfg.CallID)
		return nil, err
	}
	return s, nil
}

// sessionHooks wraps the configured hooks so the manager releases the slot
// when a session ends, regardless of who stopped it.
func (m *Manager) sessionHooks() Hooks {
	h := m.hooks
	userOnEnded := h.OnEnded
	h.OnEnded = func(callID, reason string) {
		m.Remove(callID)
		if userOnEnded != nil {
			userOnEnded(callID, reason)
		}
	}
	return h
}

// Get returns the session for a call ID.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Remove forgets a session and releases its tenant slot. It is the single
// place the counters decrement, so double removal is harmless.
func (m *Manager) Remove(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if ok {
		delete(m.sessions, callID)
		if n := m.tenantCounts[s.Tenant()]; n <= 1 {
			delete(m.tenantCounts, s.Tenant())
		} else {
			m.tenantCounts[s.Tenant()] = n - 1
		}
	}
	m.mu.Unlock()
	if ok && m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Stop ends one call with the given reason.
func (m *Manager) Stop(callID, reason string) error {
	s, ok := m.Get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	s.Stop(reason)
	return nil
}

// StopAll ends every live call, used at shutdown. It blocks until all
// sessions have fully ended.
func (m *Manager) StopAll(reason string) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Stop(reason)
	}
	for _, s := range all {
		<-s.Done()
	}
}

// CleanupExpired stops sessions whose idle or max-duration timers have
// lapsed. The per-session watchdog normally handles this; the sweep is a
// backstop for sessions whose watchdog died. Returns the number stopped.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	var expired []*Session
	var reasons []string
	for _, s := range m.sessions {
		if reason := s.expiryReason(); reason != "" {
			expired = append(expired, s)
			reasons = append(reasons, reason)
		}
	}
	m.mu.Unlock()

	for i, s := range expired {
		s.Stop(reasons[i])
	}
	return len(expired)
}

// RouteAudio forwards one caller PCM frame to its session.
func (m *Manager) RouteAudio(callID string, pcm []byte) error {
	s, ok := m.Get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return s.HandleAudio(pcm)
}

// RouteEvent forwards a FreeSWITCH channel event to its session. Events for
// unknown calls are dropped silently since hangup races teardown.
func (m *Manager) RouteEvent(callID string, ev esl.Event) {
	s, ok := m.Get(callID)
	if !ok {
		return
	}
	switch ev.Name() {
	case esl.EventChannelHangup, esl.EventChannelHangupComplete:
		s.Stop("caller_hangup")
	case esl.EventDTMF:
		s.HandleDTMF(ev.DTMFDigit())
	}
}

// Stats snapshots the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	per := make(map[string]int, len(m.tenantCounts))
	for k, v := range m.tenantCounts {
		per[k] = v
	}
	return Stats{
		Active:       len(m.sessions),
		PerTenant:    per,
		TotalCreated: m.totalCreated,
	}
}
