package directory

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("directory: not found")

// Store provides read access to the tenant directory. Implementations must
// be safe for concurrent use.
type Store interface {
	// SecretaryByExtension resolves the secretary answering the given
	// extension. Returns ErrNotFound when no secretary matches.
	SecretaryByExtension(ctx context.Context, tenant, extension string) (*Secretary, error)

	// SecretaryByID resolves a secretary by its identifier. Returns
	// ErrNotFound when no secretary matches.
	SecretaryByID(ctx context.Context, tenant, id string) (*Secretary, error)

	// CredentialsFor resolves an enabled credential record of the given
	// type. name selects a specific record; when empty the tenant's default
	// record (or the lowest-priority enabled one) is returned. Returns
	// ErrNotFound when no record matches.
	CredentialsFor(ctx context.Context, tenant, credType, name string) (*Credentials, error)

	// RulesFor returns the enabled transfer rules visible to a secretary:
	// rules scoped to secretaryID plus the tenant's global rules, ordered by
	// (priority asc, department asc). An empty secretaryID returns only the
	// global rules.
	RulesFor(ctx context.Context, tenant, secretaryID string) ([]TransferRule, error)
}
