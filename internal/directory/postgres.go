package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the directory tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS secretaries (
    tenant                 TEXT NOT NULL,
    id                     TEXT NOT NULL,
    extension              TEXT NOT NULL,
    display_name           TEXT NOT NULL DEFAULT '',
    system_prompt          TEXT NOT NULL DEFAULT '',
    greeting               TEXT NOT NULL DEFAULT '',
    farewell               TEXT NOT NULL DEFAULT '',
    mode                   TEXT NOT NULL DEFAULT 'auto',
    provider               TEXT NOT NULL DEFAULT 'openai',
    fallback_providers     JSONB NOT NULL DEFAULT '[]',
    voice_id               TEXT NOT NULL DEFAULT '',
    language               TEXT NOT NULL DEFAULT '',
    idle_timeout_s         INT NOT NULL DEFAULT 0,
    max_duration_s         INT NOT NULL DEFAULT 0,
    transfer_context       TEXT NOT NULL DEFAULT '',
    transfer_caller_name   TEXT NOT NULL DEFAULT '',
    transfer_caller_number TEXT NOT NULL DEFAULT '',
    audio                  JSONB NOT NULL DEFAULT '{}',
    tool_servers           JSONB NOT NULL DEFAULT '[]',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_secretaries_extension ON secretaries(tenant, extension);

CREATE TABLE IF NOT EXISTS provider_credentials (
    tenant     TEXT NOT NULL,
    name       TEXT NOT NULL,
    type       TEXT NOT NULL,
    provider   TEXT NOT NULL,
    config     JSONB NOT NULL DEFAULT '{}',
    enabled    BOOLEAN NOT NULL DEFAULT true,
    is_default BOOLEAN NOT NULL DEFAULT false,
    priority   INT NOT NULL DEFAULT 100,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant, type, name)
);

CREATE TABLE IF NOT EXISTS transfer_rules (
    tenant              TEXT NOT NULL,
    secretary_id        TEXT NOT NULL DEFAULT '',
    department          TEXT NOT NULL,
    intent_keywords     TEXT NOT NULL DEFAULT '',
    synonyms            JSONB NOT NULL DEFAULT '[]',
    destination_id      TEXT NOT NULL,
    destination_type    TEXT NOT NULL DEFAULT 'user',
    destination_context TEXT NOT NULL DEFAULT '',
    priority            INT NOT NULL DEFAULT 100,
    message             TEXT NOT NULL DEFAULT '',
    enabled             BOOLEAN NOT NULL DEFAULT true,
    ring_timeout_s      INT NOT NULL DEFAULT 0,
    max_retries         INT NOT NULL DEFAULT 0,
    working_hours       TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant, secretary_id, department)
);
CREATE INDEX IF NOT EXISTS idx_transfer_rules_tenant ON transfer_rules(tenant);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore over the given connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate] to
// ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("directory: migrate: %w", err)
	}
	return nil
}

const secretaryColumns = `
    tenant, id, extension, display_name, system_prompt, greeting, farewell,
    mode, provider, fallback_providers, voice_id, language,
    idle_timeout_s, max_duration_s,
    transfer_context, transfer_caller_name, transfer_caller_number,
    audio, tool_servers, created_at, updated_at`

// SecretaryByExtension resolves the secretary answering the given extension.
func (s *PostgresStore) SecretaryByExtension(ctx context.Context, tenant, extension string) (*Secretary, error) {
	query := `SELECT` + secretaryColumns + `
        FROM secretaries WHERE tenant = $1 AND extension = $2`
	return s.scanSecretary(s.db.QueryRow(ctx, query, tenant, extension))
}

// SecretaryByID resolves a secretary by its identifier.
func (s *PostgresStore) SecretaryByID(ctx context.Context, tenant, id string) (*Secretary, error) {
	query := `SELECT` + secretaryColumns + `
        FROM secretaries WHERE tenant = $1 AND id = $2`
	return s.scanSecretary(s.db.QueryRow(ctx, query, tenant, id))
}

func (s *PostgresStore) scanSecretary(row pgx.Row) (*Secretary, error) {
	var sec Secretary
	var fallbackJSON, audioJSON, toolsJSON []byte
	var idleS, maxS int

	err := row.Scan(
		&sec.Tenant, &sec.ID, &sec.Extension, &sec.DisplayName, &sec.SystemPrompt,
		&sec.Greeting, &sec.Farewell, &sec.Mode, &sec.Provider, &fallbackJSON,
		&sec.VoiceID, &sec.Language, &idleS, &maxS,
		&sec.TransferContext, &sec.TransferCallerName, &sec.TransferCallerNumber,
		&audioJSON, &toolsJSON, &sec.CreatedAt, &sec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: secretary: %w", err)
	}
	sec.IdleTimeout = time.Duration(idleS) * time.Second
	sec.MaxDuration = time.Duration(maxS) * time.Second
	if err := json.Unmarshal(fallbackJSON, &sec.FallbackProviders); err != nil {
		return nil, fmt.Errorf("directory: unmarshal fallback_providers: %w", err)
	}
	if err := json.Unmarshal(audioJSON, &sec.Audio); err != nil {
		return nil, fmt.Errorf("directory: unmarshal audio: %w", err)
	}
	if err := json.Unmarshal(toolsJSON, &sec.ToolServers); err != nil {
		return nil, fmt.Errorf("directory: unmarshal tool_servers: %w", err)
	}
	return &sec, nil
}

// CredentialsFor resolves an enabled credential record of the given type.
func (s *PostgresStore) CredentialsFor(ctx context.Context, tenant, credType, name string) (*Credentials, error) {
	const base = `
        SELECT tenant, name, type, provider, config, enabled, is_default, priority,
               created_at, updated_at
        FROM provider_credentials
        WHERE tenant = $1 AND type = $2 AND enabled`

	var row pgx.Row
	if name != "" {
		row = s.db.QueryRow(ctx, base+` AND name = $3`, tenant, credType, name)
	} else {
		row = s.db.QueryRow(ctx, base+` ORDER BY is_default DESC, priority ASC LIMIT 1`, tenant, credType)
	}

	var c Credentials
	var configJSON []byte
	err := row.Scan(
		&c.Tenant, &c.Name, &c.Type, &c.Provider, &configJSON,
		&c.Enabled, &c.Default, &c.Priority, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: credentials: %w", err)
	}
	if err := json.Unmarshal(configJSON, &c.Config); err != nil {
		return nil, fmt.Errorf("directory: unmarshal config: %w", err)
	}
	return &c, nil
}

// RulesFor returns the enabled transfer rules visible to a secretary.
func (s *PostgresStore) RulesFor(ctx context.Context, tenant, secretaryID string) ([]TransferRule, error) {
	const query = `
        SELECT tenant, secretary_id, department, intent_keywords, synonyms,
               destination_id, destination_type, destination_context,
               priority, message, enabled, ring_timeout_s, max_retries,
               working_hours, created_at, updated_at
        FROM transfer_rules
        WHERE tenant = $1 AND enabled AND (secretary_id = $2 OR secretary_id = '')
        ORDER BY priority ASC, department ASC`

	rows, err := s.db.Query(ctx, query, tenant, secretaryID)
	if err != nil {
		return nil, fmt.Errorf("directory: rules: %w", err)
	}
	defer rows.Close()

	var rules []TransferRule
	for rows.Next() {
		var r TransferRule
		var keywordsRaw any
		var synonymsJSON []byte
		var ringS int

		if err := rows.Scan(
			&r.Tenant, &r.SecretaryID, &r.Department, &keywordsRaw, &synonymsJSON,
			&r.DestinationID, &r.DestinationType, &r.DestinationContext,
			&r.Priority, &r.Message, &r.Enabled, &ringS, &r.MaxRetries,
			&r.WorkingHours, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("directory: rules scan: %w", err)
		}
		r.RingTimeout = time.Duration(ringS) * time.Second
		if r.IntentKeywords, err = ParseIntentKeywords(keywordsRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(synonymsJSON, &r.Synonyms); err != nil {
			return nil, fmt.Errorf("directory: unmarshal synonyms: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: rules: %w", err)
	}
	return rules, nil
}
