package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/directory"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/session"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
)

// connectTimeout bounds one provider connect attempt, including the
// credential lookup.
const connectTimeout = 10 * time.Second

// credentialSource resolves tenant provider records. *directory.Loader
// satisfies it.
type credentialSource interface {
	CredentialsFor(ctx context.Context, tenant, credType, name string) (*directory.Credentials, error)
}

// connector implements [session.Connector] over the provider registry and
// the tenant credential records. Every (tenant, provider) pair gets its own
// circuit breaker, so a provider that keeps failing is skipped process-wide
// while the breaker is open and the session falls through to its fallbacks
// immediately.
type connector struct {
	registry *realtime.Registry
	creds    credentialSource
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

var _ session.Connector = (*connector)(nil)

func newConnector(registry *realtime.Registry, creds credentialSource, logger *slog.Logger) *connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &connector{
		registry: registry,
		creds:    creds,
		logger:   logger.With("component", "connector"),
		breakers: map[string]*resilience.CircuitBreaker{},
	}
}

func (c *connector) breaker(tenant, provider string) *resilience.CircuitBreaker {
	key := tenant + "/" + provider
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[key]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: key})
		c.breakers[key] = cb
	}
	return cb
}

// Connect resolves the tenant's credential record for the named provider,
// builds the provider through the registry and opens the session, all under
// the (tenant, provider) circuit breaker and the connect timeout.
func (c *connector) Connect(ctx context.Context, tenant, provider string, cfg realtime.SessionConfig) (realtime.Session, realtime.Capabilities, error) {
	if c.creds == nil {
		return nil, realtime.Capabilities{}, fmt.Errorf("app: no credential source configured")
	}

	var (
		sess realtime.Session
		caps realtime.Capabilities
	)
	err := c.breaker(tenant, provider).Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		rec, err := c.creds.CredentialsFor(ctx, tenant, "realtime", provider)
		if err != nil {
			return fmt.Errorf("app: credentials %s/%s: %w", tenant, provider, err)
		}
		creds := realtime.Credentials{Provider: rec.Provider, Config: stampTenant(rec.Config, tenant)}
		if creds.Provider == "" {
			creds.Provider = provider
		}

		p, err := c.registry.Create(creds)
		if err != nil {
			return err
		}
		sess, err = p.Connect(ctx, cfg)
		if err != nil {
			return fmt.Errorf("app: connect %s/%s: %w", tenant, provider, err)
		}
		caps = p.Capabilities()
		return nil
	})
	if err != nil {
		return nil, realtime.Capabilities{}, err
	}
	return sess, caps, nil
}

// stampTenant copies the record config with the owning tenant added, so
// factories that meter per-tenant quota (the pipeline) know whose quota to
// spend. The stored record is never mutated.
func stampTenant(config map[string]string, tenant string) map[string]string {
	out := make(map[string]string, len(config)+1)
	for k, v := range config {
		out[k] = v
	}
	out["tenant"] = tenant
	return out
}
