// Package directory provides the tenant configuration the bridge answers
// calls with. A [Secretary] is the full declarative configuration for one
// answering persona — prompt, greeting, provider selection, voice, timeouts
// and audio tuning — keyed by tenant and extension. [Credentials] hold the
// tenant's provider API records and [TransferRule] maps spoken intents onto
// transfer destinations.
//
// The primary abstraction is the [Store] interface; the reference
// implementation [PostgresStore] reads the three tables over pgx. [Loader]
// wraps a Store with TTL caches so the per-call hot path never waits on the
// database for a record it resolved recently.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProcessingMode selects how a secretary converses.
type ProcessingMode string

const (
	// ModeTurnBased runs the local VAD-segmented pipeline.
	ModeTurnBased ProcessingMode = "turn_based"

	// ModeRealtime streams continuously to a cloud realtime provider.
	ModeRealtime ProcessingMode = "realtime"

	// ModeAuto lets the bridge pick based on the configured provider's
	// capabilities.
	ModeAuto ProcessingMode = "auto"
)

// IsValid reports whether m is a known mode. The empty string is accepted
// and treated as ModeAuto.
func (m ProcessingMode) IsValid() bool {
	switch m {
	case "", ModeTurnBased, ModeRealtime, ModeAuto:
		return true
	}
	return false
}

// AudioTuning holds the per-secretary knobs of the audio plane. Zero values
// mean the engine defaults.
type AudioTuning struct {
	// WarmupMs is the synthesis warmup buffer window.
	WarmupMs int `json:"warmup_ms"`

	// JitterMinMs, JitterMaxMs and JitterTargetMs shape the RTP jitter
	// buffer.
	JitterMinMs    int `json:"jitter_min_ms"`
	JitterMaxMs    int `json:"jitter_max_ms"`
	JitterTargetMs int `json:"jitter_target_ms"`

	// StreamBufferMs sizes the outbound media chunking.
	StreamBufferMs int `json:"stream_buffer_ms"`

	// EchoCancel enables line-echo suppression on the RTP plane.
	EchoCancel bool `json:"echo_cancel"`

	// FuzzyCutoff is the minimum Jaro-Winkler similarity for transfer
	// destination matching. Zero means the default 0.5.
	FuzzyCutoff float64 `json:"fuzzy_cutoff"`
}

// Secretary is the full declarative configuration for one answering persona.
type Secretary struct {
	// Tenant identifies the owning company.
	Tenant string `json:"tenant"`

	// ID is the unique identifier within the tenant.
	ID string `json:"id"`

	// Extension is the dialplan extension routed to this secretary.
	Extension string `json:"extension"`

	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name"`

	// SystemPrompt defines the persona's behaviour.
	SystemPrompt string `json:"system_prompt"`

	// Greeting is spoken when the call is answered; Farewell before hangup.
	Greeting string `json:"greeting"`
	Farewell string `json:"farewell"`

	// Mode selects the processing mode.
	Mode ProcessingMode `json:"mode"`

	// Provider is the realtime provider name ("openai", "elevenlabs",
	// "gemini", "pipeline").
	Provider string `json:"provider"`

	// FallbackProviders are tried in order when Provider fails mid-call.
	FallbackProviders []string `json:"fallback_providers"`

	// VoiceID is the provider-specific voice; Language is a BCP-47 tag.
	VoiceID  string `json:"voice_id"`
	Language string `json:"language"`

	// IdleTimeout ends the call after caller silence; MaxDuration caps the
	// whole call. Zero means the engine defaults (30 s / 600 s).
	IdleTimeout time.Duration `json:"idle_timeout"`
	MaxDuration time.Duration `json:"max_duration"`

	// TransferContext is the dialplan context transfers originate in;
	// TransferCallerName/Number override the presented caller id.
	TransferContext      string `json:"transfer_context"`
	TransferCallerName   string `json:"transfer_caller_name"`
	TransferCallerNumber string `json:"transfer_caller_number"`

	// Audio holds the per-secretary audio plane tuning.
	Audio AudioTuning `json:"audio"`

	// ToolServers lists MCP server URLs whose tools this secretary offers.
	ToolServers []string `json:"tool_servers"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the secretary for logical consistency. It returns a joined
// error describing every violation found, or nil.
func (s *Secretary) Validate() error {
	var errs []error
	if s.Tenant == "" {
		errs = append(errs, fmt.Errorf("directory: tenant must not be empty"))
	}
	if s.ID == "" {
		errs = append(errs, fmt.Errorf("directory: id must not be empty"))
	}
	if s.Extension == "" {
		errs = append(errs, fmt.Errorf("directory: extension must not be empty"))
	}
	if !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("directory: mode must be %q, %q or %q, got %q",
			ModeTurnBased, ModeRealtime, ModeAuto, s.Mode))
	}
	if s.Audio.FuzzyCutoff < 0 || s.Audio.FuzzyCutoff > 1 {
		errs = append(errs, fmt.Errorf("directory: fuzzy_cutoff must be in [0, 1], got %g", s.Audio.FuzzyCutoff))
	}
	if s.Audio.JitterMinMs > s.Audio.JitterMaxMs && s.Audio.JitterMaxMs != 0 {
		errs = append(errs, fmt.Errorf("directory: jitter_min_ms %d exceeds jitter_max_ms %d",
			s.Audio.JitterMinMs, s.Audio.JitterMaxMs))
	}
	return errors.Join(errs...)
}

// Credentials is one tenant provider record.
type Credentials struct {
	// Tenant identifies the owning company.
	Tenant string `json:"tenant"`

	// Name is the record name, unique per (tenant, type).
	Name string `json:"name"`

	// Type is the credential kind ("realtime", "stt", "tts", "llm").
	Type string `json:"type"`

	// Provider is the backend the record configures.
	Provider string `json:"provider"`

	// Config holds provider-specific settings (api_key, model, agent_id...).
	Config map[string]string `json:"config"`

	// Enabled gates the record; Default marks the record used when no name
	// is requested; Priority orders fallback candidates (lower first).
	Enabled  bool `json:"enabled"`
	Default  bool `json:"default"`
	Priority int  `json:"priority"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransferRule maps spoken intents onto one transfer destination.
type TransferRule struct {
	// Tenant identifies the owning company.
	Tenant string `json:"tenant"`

	// SecretaryID scopes the rule to one secretary; empty means global.
	SecretaryID string `json:"secretary_id"`

	// Department is the destination's spoken name ("vendas", "suporte").
	Department string `json:"department"`

	// IntentKeywords are the utterance fragments that select this rule.
	IntentKeywords []string `json:"intent_keywords"`

	// Synonyms are alternative spoken names for the department.
	Synonyms []string `json:"synonyms"`

	// DestinationID, DestinationType and DestinationContext form the dial
	// target. DestinationType is one of "user", "group", "fifo",
	// "voicemail" or "gateway".
	DestinationID      string `json:"destination_id"`
	DestinationType    string `json:"destination_type"`
	DestinationContext string `json:"destination_context"`

	// Priority orders rules (lower first) when several match.
	Priority int `json:"priority"`

	// Message is spoken to the caller before transferring.
	Message string `json:"message"`

	// Enabled gates the rule.
	Enabled bool `json:"enabled"`

	// RingTimeout bounds the b-leg ring; MaxRetries caps BUSY retries.
	RingTimeout time.Duration `json:"ring_timeout"`
	MaxRetries  int           `json:"max_retries"`

	// WorkingHours is a schedule expression like "mon-fri 09:00-18:00";
	// empty means always open.
	WorkingHours string `json:"working_hours"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseIntentKeywords decodes an intent_keywords column value. Deployments
// have stored the list as a PG text array, a JSON array string, or a plain
// comma-separated string; all three are accepted.
func ParseIntentKeywords(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return trimAll(val), nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("directory: intent_keywords element %T is not a string", item)
			}
			out = append(out, s)
		}
		return trimAll(out), nil
	case string:
		return parseKeywordString(val)
	case []byte:
		return parseKeywordString(string(val))
	default:
		return nil, fmt.Errorf("directory: unsupported intent_keywords type %T", v)
	}
}

func parseKeywordString(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "[") {
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("directory: intent_keywords JSON: %w", err)
		}
		return trimAll(out), nil
	}
	return trimAll(strings.Split(s, ",")), nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
