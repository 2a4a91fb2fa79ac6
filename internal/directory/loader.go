package directory

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Cache kinds accepted by [Loader.Invalidate].
const (
	KindSecretary   = "secretary"
	KindCredentials = "credentials"
	KindRules       = "rules"
)

const (
	defaultTTL             = 300 * time.Second
	defaultMaxEntries      = 1024
	defaultCleanupInterval = time.Minute
)

// LoaderOption configures a [Loader].
type LoaderOption func(*Loader)

// WithTTL overrides the default 300 s cache TTL.
func WithTTL(ttl time.Duration) LoaderOption {
	return func(l *Loader) {
		l.ttl = ttl
	}
}

// WithMaxEntries overrides the per-cache LRU size cap.
func WithMaxEntries(n int) LoaderOption {
	return func(l *Loader) {
		l.maxEntries = n
	}
}

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = logger
	}
}

// Loader wraps a [Store] with TTL caches for the three directory views so
// call setup never waits on the database for a record resolved recently.
// Negative results are not cached: a missing secretary is retried on the
// next call.
type Loader struct {
	store      Store
	log        *slog.Logger
	ttl        time.Duration
	maxEntries int

	secretaries *ttlCache[string, *Secretary]
	credentials *ttlCache[string, *Credentials]
	rules       *ttlCache[string, []TransferRule]
}

// NewLoader creates a Loader over store with a 300 s TTL unless overridden.
func NewLoader(store Store, opts ...LoaderOption) *Loader {
	l := &Loader{
		store:      store,
		log:        slog.Default().With("component", "directory"),
		ttl:        defaultTTL,
		maxEntries: defaultMaxEntries,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.secretaries = newTTLCache[string, *Secretary](l.ttl, l.maxEntries, defaultCleanupInterval)
	l.credentials = newTTLCache[string, *Credentials](l.ttl, l.maxEntries, defaultCleanupInterval)
	l.rules = newTTLCache[string, []TransferRule](l.ttl, l.maxEntries, defaultCleanupInterval)
	return l
}

// SecretaryByExtension resolves a secretary by extension, serving from cache
// when fresh.
func (l *Loader) SecretaryByExtension(ctx context.Context, tenant, extension string) (*Secretary, error) {
	key := cacheKey(tenant, "ext", extension)
	if sec, ok := l.secretaries.Get(key); ok {
		return sec, nil
	}
	sec, err := l.store.SecretaryByExtension(ctx, tenant, extension)
	if err != nil {
		return nil, err
	}
	l.secretaries.Set(key, sec)
	l.secretaries.Set(cacheKey(tenant, "id", sec.ID), sec)
	return sec, nil
}

// SecretaryByID resolves a secretary by id, serving from cache when fresh.
func (l *Loader) SecretaryByID(ctx context.Context, tenant, id string) (*Secretary, error) {
	key := cacheKey(tenant, "id", id)
	if sec, ok := l.secretaries.Get(key); ok {
		return sec, nil
	}
	sec, err := l.store.SecretaryByID(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	l.secretaries.Set(key, sec)
	l.secretaries.Set(cacheKey(tenant, "ext", sec.Extension), sec)
	return sec, nil
}

// CredentialsFor resolves a credential record, serving from cache when fresh.
func (l *Loader) CredentialsFor(ctx context.Context, tenant, credType, name string) (*Credentials, error) {
	key := cacheKey(tenant, credType, name)
	if c, ok := l.credentials.Get(key); ok {
		return c, nil
	}
	c, err := l.store.CredentialsFor(ctx, tenant, credType, name)
	if err != nil {
		return nil, err
	}
	l.credentials.Set(key, c)
	return c, nil
}

// RulesFor resolves a secretary's transfer rules, serving from cache when
// fresh.
func (l *Loader) RulesFor(ctx context.Context, tenant, secretaryID string) ([]TransferRule, error) {
	key := cacheKey(tenant, "rules", secretaryID)
	if rules, ok := l.rules.Get(key); ok {
		return rules, nil
	}
	rules, err := l.store.RulesFor(ctx, tenant, secretaryID)
	if err != nil {
		return nil, err
	}
	l.rules.Set(key, rules)
	return rules, nil
}

// Invalidate drops every cached record of the given kind for one tenant. An
// empty kind drops all three views. Unknown kinds are ignored.
func (l *Loader) Invalidate(tenant, kind string) {
	matchTenant := func(key string) bool {
		return strings.HasPrefix(key, tenant+"\x00")
	}
	switch kind {
	case KindSecretary:
		l.secretaries.DeleteFunc(matchTenant)
	case KindCredentials:
		l.credentials.DeleteFunc(matchTenant)
	case KindRules:
		l.rules.DeleteFunc(matchTenant)
	case "":
		l.secretaries.DeleteFunc(matchTenant)
		l.credentials.DeleteFunc(matchTenant)
		l.rules.DeleteFunc(matchTenant)
	default:
		l.log.Warn("invalidate for unknown cache kind", "kind", kind, "tenant", tenant)
		return
	}
	l.log.Debug("directory cache invalidated", "tenant", tenant, "kind", kind)
}

// Close stops the cache cleanup goroutines. The underlying store is not
// closed.
func (l *Loader) Close() {
	l.secretaries.Close()
	l.credentials.Close()
	l.rules.Close()
}

func cacheKey(tenant string, parts ...string) string {
	return tenant + "\x00" + strings.Join(parts, "\x00")
}
