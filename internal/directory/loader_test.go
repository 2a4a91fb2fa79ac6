package directory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/directory"
	"github.com/MrWong99/voxbridge/internal/directory/mock"
)

func testSecretary(tenant, id, extension string) *directory.Secretary {
	return &directory.Secretary{
		Tenant:    tenant,
		ID:        id,
		Extension: extension,
		Mode:      directory.ModeAuto,
		Provider:  "openai",
	}
}

func TestLoaderCachesSecretaryLookups(t *testing.T) {
	t.Parallel()

	store := &mock.Store{Secretaries: []*directory.Secretary{testSecretary("acme", "sec-1", "2000")}}
	loader := directory.NewLoader(store)
	defer loader.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sec, err := loader.SecretaryByExtension(ctx, "acme", "2000")
		if err != nil {
			t.Fatalf("SecretaryByExtension call %d: %v", i, err)
		}
		if sec.ID != "sec-1" {
			t.Fatalf("secretary id = %q; want sec-1", sec.ID)
		}
	}
	if got := len(store.SecretaryByExtensionCalls); got != 1 {
		t.Errorf("store lookups = %d; want 1 (cached after first)", got)
	}

	// The extension lookup primed the id view too.
	if _, err := loader.SecretaryByID(ctx, "acme", "sec-1"); err != nil {
		t.Fatalf("SecretaryByID: %v", err)
	}
	if got := len(store.SecretaryByIDCalls); got != 0 {
		t.Errorf("SecretaryByID store lookups = %d; want 0", got)
	}
}

func TestLoaderDoesNotCacheMisses(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	loader := directory.NewLoader(store)
	defer loader.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := loader.SecretaryByExtension(ctx, "acme", "9999"); !errors.Is(err, directory.ErrNotFound) {
			t.Fatalf("call %d: err = %v; want ErrNotFound", i, err)
		}
	}
	if got := len(store.SecretaryByExtensionCalls); got != 2 {
		t.Errorf("store lookups = %d; want 2 (misses not cached)", got)
	}
}

func TestLoaderTTLExpiry(t *testing.T) {
	t.Parallel()

	store := &mock.Store{Secretaries: []*directory.Secretary{testSecretary("acme", "sec-1", "2000")}}
	loader := directory.NewLoader(store, directory.WithTTL(30*time.Millisecond))
	defer loader.Close()

	ctx := context.Background()
	if _, err := loader.SecretaryByExtension(ctx, "acme", "2000"); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := loader.SecretaryByExtension(ctx, "acme", "2000"); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if got := len(store.SecretaryByExtensionCalls); got != 2 {
		t.Errorf("store lookups = %d; want 2 after TTL expiry", got)
	}
}

func TestLoaderInvalidate(t *testing.T) {
	t.Parallel()

	store := &mock.Store{
		Secretaries: []*directory.Secretary{
			testSecretary("acme", "sec-1", "2000"),
			testSecretary("globex", "sec-9", "3000"),
		},
		Credentials: []*directory.Credentials{
			{Tenant: "acme", Name: "main", Type: "realtime", Provider: "openai", Enabled: true},
		},
		Rules: []directory.TransferRule{
			{Tenant: "acme", Department: "vendas", DestinationID: "1001", Enabled: true},
		},
	}
	loader := directory.NewLoader(store)
	defer loader.Close()

	ctx := context.Background()
	prime := func() {
		t.Helper()
		if _, err := loader.SecretaryByExtension(ctx, "acme", "2000"); err != nil {
			t.Fatalf("prime secretary: %v", err)
		}
		if _, err := loader.SecretaryByExtension(ctx, "globex", "3000"); err != nil {
			t.Fatalf("prime other tenant: %v", err)
		}
		if _, err := loader.CredentialsFor(ctx, "acme", "realtime", ""); err != nil {
			t.Fatalf("prime credentials: %v", err)
		}
		if _, err := loader.RulesFor(ctx, "acme", "sec-1"); err != nil {
			t.Fatalf("prime rules: %v", err)
		}
	}
	prime()
	store.Reset()

	// A kind-scoped invalidate drops only that view for that tenant.
	loader.Invalidate("acme", directory.KindSecretary)
	prime()
	if got := len(store.SecretaryByExtensionCalls); got != 1 {
		t.Errorf("secretary lookups after invalidate = %d; want 1 (acme only)", got)
	}
	if got := len(store.CredentialsForCalls); got != 0 {
		t.Errorf("credentials lookups = %d; want 0 (still cached)", got)
	}
	store.Reset()

	// An empty kind drops every view for the tenant.
	loader.Invalidate("acme", "")
	prime()
	if got := len(store.CredentialsForCalls); got != 1 {
		t.Errorf("credentials lookups = %d; want 1", got)
	}
	if got := len(store.RulesForCalls); got != 1 {
		t.Errorf("rules lookups = %d; want 1", got)
	}

	// Other tenants are untouched throughout.
	for _, call := range store.SecretaryByExtensionCalls {
		if call.Tenant == "globex" {
			t.Errorf("globex entry was invalidated: %+v", call)
		}
	}
}

func TestLoaderLRUEviction(t *testing.T) {
	t.Parallel()

	var secretaries []*directory.Secretary
	for i := 0; i < 4; i++ {
		secretaries = append(secretaries, testSecretary("acme", fmt.Sprintf("sec-%d", i), fmt.Sprintf("%d", 2000+i)))
	}
	store := &mock.Store{Secretaries: secretaries}
	// Cap of 4: each hit primes both the extension and the id view, so two
	// secretaries fill the cache and the third evicts the oldest pair.
	loader := directory.NewLoader(store, directory.WithMaxEntries(4))
	defer loader.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := loader.SecretaryByExtension(ctx, "acme", fmt.Sprintf("%d", 2000+i)); err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
	}
	store.Reset()

	// The oldest entry (extension 2000) was evicted and hits the store again.
	if _, err := loader.SecretaryByExtension(ctx, "acme", "2000"); err != nil {
		t.Fatalf("re-lookup: %v", err)
	}
	if got := len(store.SecretaryByExtensionCalls); got != 1 {
		t.Errorf("store lookups = %d; want 1 (evicted entry reloaded)", got)
	}

	// The most recent entry is still cached.
	store.Reset()
	if _, err := loader.SecretaryByExtension(ctx, "acme", "2002"); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if got := len(store.SecretaryByExtensionCalls); got != 0 {
		t.Errorf("store lookups = %d; want 0 (still cached)", got)
	}
}

func TestLoaderCredentialsDefaultSelection(t *testing.T) {
	t.Parallel()

	store := &mock.Store{Credentials: []*directory.Credentials{
		{Tenant: "acme", Name: "primary", Type: "realtime", Provider: "openai", Enabled: true, Default: true},
		{Tenant: "acme", Name: "backup", Type: "realtime", Provider: "gemini", Enabled: true},
	}}
	loader := directory.NewLoader(store)
	defer loader.Close()

	ctx := context.Background()
	c, err := loader.CredentialsFor(ctx, "acme", "realtime", "")
	if err != nil {
		t.Fatalf("CredentialsFor: %v", err)
	}
	if c.Name != "primary" {
		t.Errorf("default credential = %q; want primary", c.Name)
	}

	// A named lookup is cached under its own key.
	c, err = loader.CredentialsFor(ctx, "acme", "realtime", "backup")
	if err != nil {
		t.Fatalf("CredentialsFor(backup): %v", err)
	}
	if c.Provider != "gemini" {
		t.Errorf("backup provider = %q; want gemini", c.Provider)
	}
	if got := len(store.CredentialsForCalls); got != 2 {
		t.Errorf("store lookups = %d; want 2", got)
	}
}

func TestLoaderStoreErrorsPropagate(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("connection refused")
	store := &mock.Store{RulesErr: wantErr}
	loader := directory.NewLoader(store)
	defer loader.Close()

	if _, err := loader.RulesFor(context.Background(), "acme", "sec-1"); !errors.Is(err, wantErr) {
		t.Errorf("RulesFor err = %v; want %v", err, wantErr)
	}
}
