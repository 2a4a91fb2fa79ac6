// Package history persists finished call conversations: one summary row per
// call plus its ordered transcript messages. The bridge writes a call exactly
// once, when the session reaches its ending phase, in a single transaction so
// a crash never leaves a conversation without its messages.
//
// The public surface is the [Store] interface; the reference implementation
// lives in the postgres subpackage.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match no persisted call.
var ErrNotFound = errors.New("history: not found")

// Role values for transcript messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one transcript line of a finished call.
type Message struct {
	// Role is who produced the line (user, assistant, system, tool).
	Role string

	// Text is the spoken or generated content.
	Text string

	// Timestamp is when the line was recorded. Messages are ordered by the
	// sequence they were appended in, not by this wall-clock value.
	Timestamp time.Time
}

// Conversation is the summary row for one finished call.
type Conversation struct {
	// Tenant identifies the owning company.
	Tenant string

	// CallID is the FreeSWITCH call UUID, unique per tenant.
	CallID string

	// SecretaryID is the persona that answered.
	SecretaryID string

	// CallerID is the presented caller number, possibly empty.
	CallerID string

	// Provider is the realtime provider that served the final portion of
	// the call.
	Provider string

	// StartedAt and EndedAt bound the call.
	StartedAt time.Time
	EndedAt   time.Time

	// EndReason describes why the call ended ("caller_hangup",
	// "idle_timeout", "transferred", "handoff", "provider_exhausted", ...).
	EndReason string

	// Turns counts completed assistant responses; BargeIns counts caller
	// interruptions of assistant speech.
	Turns    int
	BargeIns int

	// AudioBytesIn and AudioBytesOut total the PCM moved in each direction.
	AudioBytesIn  int64
	AudioBytesOut int64

	// HealthScore is the session health score at end of call, in [0, 1].
	HealthScore float64
}

// QueryOpts refines a conversation listing. All non-zero fields are applied
// as AND conditions.
type QueryOpts struct {
	// SecretaryID restricts results to one persona.
	SecretaryID string

	// After filters conversations that started after this instant.
	After time.Time

	// Before filters conversations that started before this instant.
	Before time.Time

	// Limit caps the number of results. Zero lets the implementation apply
	// its own default.
	Limit int
}

// Store persists finished calls.
type Store interface {
	// Persist writes the conversation row and its messages atomically.
	// Writing the same (tenant, call id) twice replaces the previous record.
	Persist(ctx context.Context, conv Conversation, messages []Message) error

	// Conversation returns the summary row for one call, or ErrNotFound.
	Conversation(ctx context.Context, tenant, callID string) (*Conversation, error)

	// Messages returns the ordered transcript of one call. A persisted call
	// with no messages yields an empty (non-nil) slice.
	Messages(ctx context.Context, tenant, callID string) ([]Message, error)

	// List returns a tenant's conversations, newest first, refined by opts.
	List(ctx context.Context, tenant string, opts QueryOpts) ([]Conversation, error)
}
