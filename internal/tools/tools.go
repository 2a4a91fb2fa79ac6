// Package tools hosts the external MCP tools a tenant's secretaries may
// offer to the model. Servers come from the secretary's tool_servers list;
// their tool catalogues are merged per tenant, contributed to the provider
// session config and invoked when a function call falls outside the
// built-in vocabulary. Without configured servers the host is inert.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/provider/llm"
)

// reservedNames are the built-in functions the session resolves itself. A
// server tool with one of these names is skipped so built-ins always win.
var reservedNames = map[string]bool{
	"transfer_call":   true,
	"end_call":        true,
	"request_handoff": true,
}

// connector dials one MCP server. The production implementation wraps the
// official SDK client; tests inject fakes.
type connector interface {
	connect(ctx context.Context, url string) (toolSession, error)
}

// toolSession is one live MCP server connection.
type toolSession interface {
	list(ctx context.Context) ([]llm.ToolDefinition, error)
	// call returns the concatenated text content and whether the tool
	// reported an application-level error.
	call(ctx context.Context, name, args string) (content string, isError bool, err error)
	close() error
}

// toolRef binds a merged tool name to the session serving it.
type toolRef struct {
	session toolSession
	def     llm.ToolDefinition
	server  string
}

// tenantTools is the merged catalogue of one tenant.
type tenantTools struct {
	sessions []toolSession
	byName   map[string]toolRef
	defs     []llm.ToolDefinition
}

func (t *tenantTools) closeAll() {
	for _, s := range t.sessions {
		s.close()
	}
}

// Host manages per-tenant MCP connections and the merged tool catalogues.
type Host struct {
	dial    connector
	metrics *observe.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	tenants map[string]*tenantTools
}

// NewHost builds a host using the official MCP SDK over streamable HTTP.
// metrics may be nil.
func NewHost(metrics *observe.Metrics, logger *slog.Logger) *Host {
	return newHost(newSDKConnector(), metrics, logger)
}

func newHost(dial connector, metrics *observe.Metrics, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		dial:    dial,
		metrics: metrics,
		logger:  logger.With("component", "tools"),
		tenants: map[string]*tenantTools{},
	}
}

// Register connects the tenant's tool servers and imports their catalogues,
// replacing any previous registration. An empty url list clears the tenant.
// A server that fails to connect or list fails the whole registration and
// leaves the previous catalogue in place.
func (h *Host) Register(ctx context.Context, tenant string, urls []string) error {
	fresh := &tenantTools{byName: map[string]toolRef{}}
	for _, url := range urls {
		sess, err := h.dial.connect(ctx, url)
		if err != nil {
			fresh.closeAll()
			return fmt.Errorf("tools: connect %s: %w", url, err)
		}
		fresh.sessions = append(fresh.sessions, sess)

		defs, err := sess.list(ctx)
		if err != nil {
			fresh.closeAll()
			return fmt.Errorf("tools: list %s: %w", url, err)
		}
		for _, def := range defs {
			if reservedNames[def.Name] {
				h.logger.Warn("server tool shadows a built-in, skipped",
					"tenant", tenant, "server", url, "tool", def.Name)
				continue
			}
			if _, dup := fresh.byName[def.Name]; dup {
				h.logger.Warn("duplicate tool name, first server wins",
					"tenant", tenant, "server", url, "tool", def.Name)
				continue
			}
			fresh.byName[def.Name] = toolRef{session: sess, def: def, server: url}
			fresh.defs = append(fresh.defs, def)
		}
	}

	h.mu.Lock()
	old := h.tenants[tenant]
	if len(urls) == 0 {
		delete(h.tenants, tenant)
	} else {
		h.tenants[tenant] = fresh
	}
	h.mu.Unlock()

	if old != nil {
		old.closeAll()
	}
	h.logger.Info("tenant tools registered",
		"tenant", tenant, "servers", len(urls), "tools", len(fresh.defs))
	return nil
}

// Definitions returns the tenant's merged tool catalogue for the provider
// session config. Unregistered tenants get nil.
func (h *Host) Definitions(tenant string) []llm.ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tenants[tenant]
	if !ok {
		return nil
	}
	return append([]llm.ToolDefinition(nil), t.defs...)
}

// Call invokes a tenant tool. It matches the session's tool-dispatch hook:
// the returned string goes back to the provider verbatim. Application-level
// tool errors come back as Go errors so the session reports them uniformly.
func (h *Host) Call(ctx context.Context, tenant, name, args string) (string, error) {
	h.mu.Lock()
	t, ok := h.tenants[tenant]
	var ref toolRef
	if ok {
		ref, ok = t.byName[name]
	}
	h.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q for tenant %s", name, tenant)
	}

	start := time.Now()
	content, isError, err := ref.session.call(ctx, name, args)
	if h.metrics != nil {
		h.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("tools: call %q: %w", name, err)
	}
	if isError {
		return "", fmt.Errorf("tools: %q failed: %s", name, content)
	}
	return content, nil
}

// Forget drops a tenant's registration and closes its connections.
func (h *Host) Forget(tenant string) {
	h.mu.Lock()
	t := h.tenants[tenant]
	delete(h.tenants, tenant)
	h.mu.Unlock()
	if t != nil {
		t.closeAll()
	}
}

// Close shuts down every tenant connection.
func (h *Host) Close() error {
	h.mu.Lock()
	all := h.tenants
	h.tenants = map[string]*tenantTools{}
	h.mu.Unlock()
	for _, t := range all {
		t.closeAll()
	}
	return nil
}
