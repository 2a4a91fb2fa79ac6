// Package postgres implements history.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voxbridge/pkg/history"
)

// Schema is the SQL DDL for the conversation tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    tenant          TEXT NOT NULL,
    call_id         TEXT NOT NULL,
    secretary_id    TEXT NOT NULL DEFAULT '',
    caller_id       TEXT NOT NULL DEFAULT '',
    provider        TEXT NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ NOT NULL,
    ended_at        TIMESTAMPTZ NOT NULL,
    end_reason      TEXT NOT NULL DEFAULT '',
    turns           INT NOT NULL DEFAULT 0,
    barge_ins       INT NOT NULL DEFAULT 0,
    audio_bytes_in  BIGINT NOT NULL DEFAULT 0,
    audio_bytes_out BIGINT NOT NULL DEFAULT 0,
    health_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant, call_id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations(tenant, started_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    tenant    TEXT NOT NULL,
    call_id   TEXT NOT NULL,
    seq       INT NOT NULL,
    role      TEXT NOT NULL,
    text      TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant, call_id, seq),
    FOREIGN KEY (tenant, call_id) REFERENCES conversations(tenant, call_id) ON DELETE CASCADE
);
`

// DB is the database interface used by [Store]. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [history.Store] backed by a PostgreSQL database.
type Store struct {
	db DB
}

// Compile-time interface check.
var _ history.Store = (*Store)(nil)

// NewStore creates a Store over the given connection pool. Call
// [Store.Migrate] once to ensure the schema exists.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Persist implements [history.Store]. The conversation row and its messages
// are written in one transaction; re-persisting a call replaces the previous
// record, messages included.
func (s *Store) Persist(ctx context.Context, conv history.Conversation, messages []history.Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
        INSERT INTO conversations
            (tenant, call_id, secretary_id, caller_id, provider,
             started_at, ended_at, end_reason, turns, barge_ins,
             audio_bytes_in, audio_bytes_out, health_score)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (tenant, call_id) DO UPDATE SET
            secretary_id = EXCLUDED.secretary_id,
            caller_id = EXCLUDED.caller_id,
            provider = EXCLUDED.provider,
            started_at = EXCLUDED.started_at,
            ended_at = EXCLUDED.ended_at,
            end_reason = EXCLUDED.end_reason,
            turns = EXCLUDED.turns,
            barge_ins = EXCLUDED.barge_ins,
            audio_bytes_in = EXCLUDED.audio_bytes_in,
            audio_bytes_out = EXCLUDED.audio_bytes_out,
            health_score = EXCLUDED.health_score`

	if _, err := tx.Exec(ctx, upsert,
		conv.Tenant, conv.CallID, conv.SecretaryID, conv.CallerID, conv.Provider,
		conv.StartedAt, conv.EndedAt, conv.EndReason, conv.Turns, conv.BargeIns,
		conv.AudioBytesIn, conv.AudioBytesOut, conv.HealthScore,
	); err != nil {
		return fmt.Errorf("history: upsert conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE tenant = $1 AND call_id = $2`,
		conv.Tenant, conv.CallID,
	); err != nil {
		return fmt.Errorf("history: clear messages: %w", err)
	}

	for i, m := range messages {
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (tenant, call_id, seq, role, text, timestamp)
             VALUES ($1, $2, $3, $4, $5, $6)`,
			conv.Tenant, conv.CallID, i, m.Role, m.Text, m.Timestamp,
		); err != nil {
			return fmt.Errorf("history: insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

const conversationColumns = `
    tenant, call_id, secretary_id, caller_id, provider,
    started_at, ended_at, end_reason, turns, barge_ins,
    audio_bytes_in, audio_bytes_out, health_score`

// Conversation implements [history.Store].
func (s *Store) Conversation(ctx context.Context, tenant, callID string) (*history.Conversation, error) {
	query := `SELECT` + conversationColumns + `
        FROM conversations WHERE tenant = $1 AND call_id = $2`

	var conv history.Conversation
	err := s.db.QueryRow(ctx, query, tenant, callID).Scan(
		&conv.Tenant, &conv.CallID, &conv.SecretaryID, &conv.CallerID, &conv.Provider,
		&conv.StartedAt, &conv.EndedAt, &conv.EndReason, &conv.Turns, &conv.BargeIns,
		&conv.AudioBytesIn, &conv.AudioBytesOut, &conv.HealthScore,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, history.ErrNotFound
		}
		return nil, fmt.Errorf("history: conversation: %w", err)
	}
	return &conv, nil
}

// Messages implements [history.Store].
func (s *Store) Messages(ctx context.Context, tenant, callID string) ([]history.Message, error) {
	const query = `
        SELECT role, text, timestamp
        FROM messages
        WHERE tenant = $1 AND call_id = $2
        ORDER BY seq`

	rows, err := s.db.Query(ctx, query, tenant, callID)
	if err != nil {
		return nil, fmt.Errorf("history: messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Message, error) {
		var m history.Message
		err := row.Scan(&m.Role, &m.Text, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan messages: %w", err)
	}
	if messages == nil {
		messages = []history.Message{}
	}
	return messages, nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context, tenant string, opts history.QueryOpts) ([]history.Conversation, error) {
	args := []any{tenant}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"tenant = $1"}
	if opts.SecretaryID != "" {
		conditions = append(conditions, "secretary_id = "+next(opts.SecretaryID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "started_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "started_at < "+next(opts.Before))
	}

	query := "SELECT" + conversationColumns + "\n" +
		"FROM conversations\n" +
		"WHERE " + strings.Join(conditions, " AND ") + "\n" +
		"ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	conversations, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Conversation, error) {
		var conv history.Conversation
		err := row.Scan(
			&conv.Tenant, &conv.CallID, &conv.SecretaryID, &conv.CallerID, &conv.Provider,
			&conv.StartedAt, &conv.EndedAt, &conv.EndReason, &conv.Turns, &conv.BargeIns,
			&conv.AudioBytesIn, &conv.AudioBytesOut, &conv.HealthScore,
		)
		return conv, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan conversations: %w", err)
	}
	if conversations == nil {
		conversations = []history.Conversation{}
	}
	return conversations, nil
}
