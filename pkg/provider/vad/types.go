package vad

// VADEvent classifies one caller audio frame. The media loop feeds 20 ms
// PCM frames through a detector and gates the pipeline on the resulting
// events: speech start is the barge-in signal, speech end arms the
// utterance endpoint for transcription.
type VADEvent struct {
	// Type is the detection result for the frame.
	Type VADEventType

	// Probability is the detector's speech confidence for the frame,
	// from 0.0 (certain silence) to 1.0 (certain speech).
	Probability float64
}

// VADEventType is the frame classification emitted by a detector.
type VADEventType int

const (
	// VADSpeechStart marks the first speech frame after silence. On a
	// live call this interrupts assistant playback.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue marks a speech frame inside an utterance. Pauses
	// shorter than the detector's hangover window stay in this state.
	VADSpeechContinue

	// VADSpeechEnd marks the frame that closes an utterance, once the
	// hangover window of silence has elapsed.
	VADSpeechEnd

	// VADSilence marks a frame outside any utterance.
	VADSilence
)

// String returns the event name used in logs and transcripts.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
