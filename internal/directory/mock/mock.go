// Package mock provides a test double for the directory.Store interface.
//
// Populate the Secretaries, Credentials and Rules fields with canned records
// and inspect the *Calls slices to verify lookups. Unmatched lookups return
// directory.ErrNotFound like the real store.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/internal/directory"
)

// SecretaryCall records a single secretary lookup.
type SecretaryCall struct {
	// Tenant and Key are the lookup arguments; Key is the extension or the
	// id depending on the method called.
	Tenant string
	Key    string
}

// CredentialsCall records a single invocation of CredentialsFor.
type CredentialsCall struct {
	Tenant string
	Type   string
	Name   string
}

// RulesCall records a single invocation of RulesFor.
type RulesCall struct {
	Tenant      string
	SecretaryID string
}

// Store is a mock implementation of directory.Store.
type Store struct {
	mu sync.Mutex

	// Secretaries are returned by the secretary lookups, matched on tenant
	// plus extension or id.
	Secretaries []*directory.Secretary

	// Credentials are returned by CredentialsFor, matched on tenant and
	// type. A lookup with an empty name returns the first enabled match.
	Credentials []*directory.Credentials

	// Rules are returned by RulesFor, filtered on tenant and secretary
	// scope.
	Rules []directory.TransferRule

	// Errs, if non-nil, are returned by the corresponding method instead of
	// a lookup.
	SecretaryErr   error
	CredentialsErr error
	RulesErr       error

	// --- Call records ---

	SecretaryByExtensionCalls []SecretaryCall
	SecretaryByIDCalls        []SecretaryCall
	CredentialsForCalls       []CredentialsCall
	RulesForCalls             []RulesCall
}

// SecretaryByExtension records the call and returns the matching secretary.
func (s *Store) SecretaryByExtension(_ context.Context, tenant, extension string) (*directory.Secretary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SecretaryByExtensionCalls = append(s.SecretaryByExtensionCalls, SecretaryCall{Tenant: tenant, Key: extension})
	if s.SecretaryErr != nil {
		return nil, s.SecretaryErr
	}
	for _, sec := range s.Secretaries {
		if sec.Tenant == tenant && sec.Extension == extension {
			return sec, nil
		}
	}
	return nil, directory.ErrNotFound
}

// SecretaryByID records the call and returns the matching secretary.
func (s *Store) SecretaryByID(_ context.Context, tenant, id string) (*directory.Secretary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SecretaryByIDCalls = append(s.SecretaryByIDCalls, SecretaryCall{Tenant: tenant, Key: id})
	if s.SecretaryErr != nil {
		return nil, s.SecretaryErr
	}
	for _, sec := range s.Secretaries {
		if sec.Tenant == tenant && sec.ID == id {
			return sec, nil
		}
	}
	return nil, directory.ErrNotFound
}

// CredentialsFor records the call and returns the matching credential record.
func (s *Store) CredentialsFor(_ context.Context, tenant, credType, name string) (*directory.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CredentialsForCalls = append(s.CredentialsForCalls, CredentialsCall{Tenant: tenant, Type: credType, Name: name})
	if s.CredentialsErr != nil {
		return nil, s.CredentialsErr
	}
	for _, c := range s.Credentials {
		if c.Tenant != tenant || c.Type != credType || !c.Enabled {
			continue
		}
		if name == "" || c.Name == name {
			return c, nil
		}
	}
	return nil, directory.ErrNotFound
}

// RulesFor records the call and returns the matching rules.
func (s *Store) RulesFor(_ context.Context, tenant, secretaryID string) ([]directory.TransferRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RulesForCalls = append(s.RulesForCalls, RulesCall{Tenant: tenant, SecretaryID: secretaryID})
	if s.RulesErr != nil {
		return nil, s.RulesErr
	}
	var out []directory.TransferRule
	for _, r := range s.Rules {
		if r.Tenant != tenant || !r.Enabled {
			continue
		}
		if r.SecretaryID == "" || r.SecretaryID == secretaryID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Reset clears all recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SecretaryByExtensionCalls = nil
	s.SecretaryByIDCalls = nil
	s.CredentialsForCalls = nil
	s.RulesForCalls = nil
}

// Ensure Store implements directory.Store at compile time.
var _ directory.Store = (*Store)(nil)
