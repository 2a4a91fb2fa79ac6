package audio

// WarmupBuffer delays playback at the start of each provider response until a
// configured window of audio has accumulated, absorbing provider-side jitter
// before the first byte reaches the caller. Once the window fills, writes pass
// straight through.
//
// The buffer is owned by a single session and is not safe for concurrent use.
type WarmupBuffer struct {
	threshold int // bytes that must accumulate before release
	buf       []byte
	warmed    bool
}

// NewWarmupBuffer creates a buffer that releases audio once windowMS
// milliseconds at the given sample rate have accumulated. A window of zero
// disables warmup entirely.
func NewWarmupBuffer(windowMS, sampleRate int) *WarmupBuffer {
	threshold := sampleRate * 2 * windowMS / 1000
	return &WarmupBuffer{
		threshold: threshold,
		warmed:    threshold == 0,
	}
}

// Write offers PCM to the buffer. While warming up it returns nil and retains
// the bytes; the write that crosses the threshold returns everything
// accumulated so far. After warmup, input is returned unchanged.
func (w *WarmupBuffer) Write(pcm []byte) []byte {
	if w.warmed {
		return pcm
	}
	w.buf = append(w.buf, pcm...)
	if len(w.buf) < w.threshold {
		return nil
	}
	w.warmed = true
	out := w.buf
	w.buf = nil
	return out
}

// Reset rearms the buffer for a new response turn, discarding anything still
// held. Call at every response start so each utterance warms up independently.
func (w *WarmupBuffer) Reset() {
	w.buf = nil
	w.warmed = w.threshold == 0
}

// Flush returns any audio still held without rearming. Call at end of turn so
// short responses that never filled the window still reach the caller.
func (w *WarmupBuffer) Flush() []byte {
	out := w.buf
	w.buf = nil
	return out
}

// Buffered reports how many bytes are currently held back.
func (w *WarmupBuffer) Buffered() int { return len(w.buf) }

// Warmed reports whether the buffer is in pass-through mode.
func (w *WarmupBuffer) Warmed() bool { return w.warmed }
