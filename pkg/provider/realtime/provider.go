// Package realtime defines the Provider interface for conversational voice AI
// backends.
//
// A realtime provider wraps a cloud speech-to-speech service (OpenAI Realtime,
// ElevenLabs Conversational, Gemini Live) or a locally composed
// VAD → STT → LLM → TTS pipeline behind one surface: open a session, stream
// caller PCM in, and consume a normalised event stream of synthesised audio,
// transcripts, speech boundaries and function calls coming back.
//
// The central abstraction is Session: a bidirectional, multiplexed connection
// whose receive loop owns the Events channel and closes it when the session
// ends. Send methods are safe to call concurrently with the receive loop.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/llm"
)

// ErrSessionClosed is returned by send methods after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// TurnDetectionMode selects how the provider decides the caller stopped
// speaking.
type TurnDetectionMode string

const (
	// TurnDetectionServerVAD uses silence-based detection tuned with
	// threshold, prefix padding and silence duration.
	TurnDetectionServerVAD TurnDetectionMode = "server_vad"

	// TurnDetectionSemantic lets the model judge utterance completeness,
	// tuned with an eagerness level.
	TurnDetectionSemantic TurnDetectionMode = "semantic_vad"

	// TurnDetectionNone disables provider-side turn detection; the caller
	// drives turns explicitly (push-to-talk).
	TurnDetectionNone TurnDetectionMode = "none"
)

// TurnDetection configures the provider's voice activity handling. The zero
// value means the provider default (server VAD with its own tuning).
type TurnDetection struct {
	Mode TurnDetectionMode

	// Threshold is the server-VAD activation level in [0.0, 1.0].
	Threshold float64

	// PrefixPaddingMs is audio retained before detected speech start.
	PrefixPaddingMs int

	// SilenceDurationMs is the silence span that ends a turn.
	SilenceDurationMs int

	// Eagerness tunes semantic VAD: "low", "medium" or "high".
	Eagerness string
}

// SessionConfig is the immutable configuration a session is opened with. It
// is built once from the secretary snapshot and reused unchanged across
// provider fallback.
type SessionConfig struct {
	// Instructions is the system prompt defining the assistant's behaviour.
	Instructions string

	// Greeting, when non-empty, is spoken by the assistant as its opening
	// turn before any caller audio arrives.
	Greeting string

	// Voice is the provider-specific voice identifier.
	Voice string

	// Language is a BCP-47 tag hinting transcription and synthesis language.
	Language string

	// Temperature controls output randomness; zero means provider default.
	Temperature float64

	// MaxOutputTokens caps response length; zero means provider default.
	MaxOutputTokens int

	// Tools is the set of functions offered to the model. Invocations arrive
	// as EventFunctionCall events; results go back via SendFunctionResult.
	Tools []llm.ToolDefinition

	// TurnDetection configures provider-side speech boundary detection.
	TurnDetection TurnDetection
}

// Capabilities describes static properties of a provider. The session owner
// composes its resampler pair from the declared rates.
type Capabilities struct {
	// InputSampleRate is the PCM rate SendAudio expects, in Hz.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of EventAudioDelta payloads, in Hz.
	OutputSampleRate int

	// MaxSessionDuration is the provider-imposed session ceiling. Sessions
	// emit EventSessionExpiring shortly before it lapses. Zero means no
	// documented limit.
	MaxSessionDuration time.Duration

	// SupportsTools indicates native function calling support.
	SupportsTools bool
}

// Session is one open provider connection for one call. Implementations run
// a single receive-loop goroutine that owns the Events channel: it closes the
// channel when the connection ends, after which Err reports the cause when
// the ending was not clean.
//
// Send methods must be safe to call while the receive loop runs and must
// return quickly; they may fail with ErrSessionClosed after Close.
type Session interface {
	// SendAudio delivers one chunk of 16-bit LE mono PCM at the provider's
	// declared input rate.
	SendAudio(pcm []byte) error

	// SendText injects a text message the assistant should speak, used for
	// greetings and system announcements mid-call.
	SendText(text string) error

	// Interrupt cancels the in-flight response and discards audio the
	// provider has not yet sent. Used on barge-in.
	Interrupt() error

	// SendFunctionResult returns the outcome of a function call to the
	// model. result is a JSON-encoded value; callID correlates with the
	// EventFunctionCall that requested it.
	SendFunctionResult(name, callID, result string) error

	// Events returns the normalised event stream. The channel is closed by
	// the receive loop when the session ends; drain it promptly to avoid
	// stalling the provider connection.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil when it
	// ended cleanly. Valid after the Events channel closes.
	Err() error

	// Close terminates the session and releases the connection. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over any realtime voice backend.
//
// Connect dials and fully configures a session: the returned Session accepts
// audio immediately. Implementations must be safe for concurrent use; the
// bridge opens one session per active call.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
	Capabilities() Capabilities
}
