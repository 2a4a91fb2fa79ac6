// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider transcribes one complete utterance per call. Utterance
// segmentation happens upstream: the speech pipeline runs a VAD over the
// caller's audio and hands each buffered utterance to Transcribe once the
// speaker falls silent. Keeping providers batch-shaped means a local
// whisper.cpp model and a hosted transcription API plug into the same slot
// without either having to fake streaming semantics.
//
// Implementations must be safe for concurrent use; the bridge transcribes
// utterances from many calls in parallel.
package stt

import "context"

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts a single spoken utterance to text. pcm must be raw
	// 16-bit signed little-endian mono samples at sampleRate Hz. language is a
	// BCP-47 code (e.g. "en", "pt"); when empty the provider applies its
	// configured default or auto-detects if the backend supports it.
	//
	// An empty pcm slice yields an empty transcript and no backend call.
	// Implementations honour ctx cancellation for the underlying inference or
	// network request.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)
}
