// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled transcripts to consumers and to inspect the
// utterances that were submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{Results: []string{"quero falar com o suporte"}}
//	text, _ := p.Transcribe(ctx, pcm, 8000, "pt")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
	// SampleRate is the sample rate passed to Transcribe.
	SampleRate int
	// Language is the language code passed to Transcribe.
	Language string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Results is a queue of transcripts returned by successive Transcribe calls.
	// When exhausted (or empty), Result is returned instead.
	Results []string

	// Result is the transcript returned once Results is exhausted.
	Result string

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	next int
}

// Transcribe records the call and returns the next queued transcript (or
// Result), Err.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{
		Ctx:        ctx,
		PCM:        cp,
		SampleRate: sampleRate,
		Language:   language,
	})
	if p.Err != nil {
		return "", p.Err
	}
	if p.next < len(p.Results) {
		text := p.Results[p.next]
		p.next++
		return text, nil
	}
	return p.Result, nil
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) TranscribeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls and rewinds the Results queue. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.next = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
