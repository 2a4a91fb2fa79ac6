// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine surfaces a frame-level speech detector as a stateful,
// per-stream session. The speech pipeline runs one session per call leg to
// segment the caller's audio into utterances: the frames between a speech-start
// and a speech-end event form the buffer handed to STT. Each session maintains
// its own internal state (smoothing history, hangover counters) so concurrent
// call legs are processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for low-latency pipeline stages that
// gate STT input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Common values: 8000 (telephony), 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match this
	// size. Defaults to 20 ms when zero.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Higher values reduce false positives at the
	// cost of increased speech start latency. Defaults to 0.5 when zero.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts towards
	// ending an active speech segment. Range: [0.0, 1.0]. Must be ≤
	// SpeechThreshold; the gap between the two is the hysteresis band that
	// keeps quiet speech from flickering the detector. Defaults to 0.35 when
	// zero.
	SilenceThreshold float64

	// HangoverMs is the consecutive silence duration (in milliseconds) after
	// speech before the segment is considered ended. Short pauses inside an
	// utterance shorter than this are bridged. Defaults to 500 ms when zero.
	HangoverMs int
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply scripted detectors without a
// live engine. Each session maintains its own detection state; Reset clears
// this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw 16-bit little-endian mono PCM at the
	// SampleRate and FrameSizeMs configured when the session was created.
	// Returns an error if the frame size is wrong or if the engine encounters
	// an internal failure.
	//
	// This method is called synchronously in the audio pipeline loop; it must
	// not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state (speech flags, hangover
	// counters) without closing the session. Use this when the audio stream is
	// interrupted or restarted so stale state from the previous segment does
	// not affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns an error and Reset is a no-op. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (e.g., missing sample
	// rate, thresholds out of range) or if the engine cannot allocate
	// resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
