package realtime

// EventType enumerates the normalised, provider-independent event kinds.
type EventType string

const (
	// EventAudioDelta carries one chunk of synthesised PCM in Audio.
	EventAudioDelta EventType = "audio_delta"

	// EventAudioDone marks the end of audio for the current response.
	EventAudioDone EventType = "audio_done"

	// EventTranscriptDelta carries an incremental assistant transcript
	// fragment in Text.
	EventTranscriptDelta EventType = "transcript_delta"

	// EventTranscriptDone carries the complete assistant transcript for the
	// finished turn in Text.
	EventTranscriptDone EventType = "transcript_done"

	// EventUserTranscript carries the recognised caller utterance in Text.
	EventUserTranscript EventType = "user_transcript"

	// EventSpeechStarted signals the provider detected caller speech.
	EventSpeechStarted EventType = "speech_started"

	// EventSpeechStopped signals the provider detected caller silence.
	EventSpeechStopped EventType = "speech_stopped"

	// EventResponseStarted signals the model began generating a response.
	EventResponseStarted EventType = "response_started"

	// EventResponseDone signals the response finished; Status carries the
	// provider's completion status.
	EventResponseDone EventType = "response_done"

	// EventFunctionCall requests a tool invocation: Name, Args (JSON) and
	// CallID identify it.
	EventFunctionCall EventType = "function_call"

	// EventInterrupt signals the provider itself cut the response short,
	// typically because it detected barge-in.
	EventInterrupt EventType = "interrupt"

	// EventRateLimited signals throttling; Info carries provider detail.
	EventRateLimited EventType = "rate_limited"

	// EventError carries a provider error in Code and Message. Fatal unless
	// the session also keeps producing events.
	EventError EventType = "error"

	// EventSessionExpiring warns that the provider's session ceiling is
	// about to lapse, giving the owner time to reconnect.
	EventSessionExpiring EventType = "session_expiring"

	// EventSessionEnded signals the provider closed the session; Reason
	// explains why ("closed" when the socket dropped without notice).
	EventSessionEnded EventType = "session_ended"
)

// Event is one normalised provider event. Only the fields relevant to Type
// are populated.
type Event struct {
	Type EventType

	// Audio is the PCM payload of EventAudioDelta.
	Audio []byte

	// Text is the transcript payload of transcript and user-transcript
	// events.
	Text string

	// Status is the completion status of EventResponseDone.
	Status string

	// Name, Args and CallID describe an EventFunctionCall.
	Name   string
	Args   string
	CallID string

	// Code and Message describe an EventError.
	Code    string
	Message string

	// Info carries rate-limit detail for EventRateLimited.
	Info string

	// Reason explains an EventSessionEnded.
	Reason string
}

// Fatal reports whether the event ends the session unless a fallback
// provider takes over.
func (e Event) Fatal() bool {
	switch e.Type {
	case EventRateLimited, EventError, EventSessionEnded:
		return true
	}
	return false
}
