package audio

// EchoCanceller removes played-back assistant audio that leaks into the
// caller's microphone path, in the style of the Speex acoustic echo
// canceller: a normalized LMS adaptive filter driven by a ring of recently
// played output frames as the far-end reference.
//
// Frames are 20 ms; input that is not a whole multiple of the frame size has
// its residual bytes passed through untouched. The canceller is owned by a
// single session and is not safe for concurrent use.
type EchoCanceller struct {
	frameBytes int

	// refRing holds queued far-end (played output) frames awaiting their
	// matching near-end frame. Oldest is dropped when the ring is full.
	refRing  [][]byte
	ringCap  int
	silence  []byte
	hist     []float64 // far-end sample history, filter length
	histPos  int
	histPow  float64 // running sum of squares over hist
	weights  []float64
	stepSize float64
}

const (
	aecFrameMS  = 20
	aecFilterMS = 128
	aecRingCap  = 50 // one second of queued reference frames
	aecStep     = 0.5
	aecEpsilon  = 1e3
)

// NewEchoCanceller creates a canceller for the given sample rate.
func NewEchoCanceller(sampleRate int) *EchoCanceller {
	frameSamples := sampleRate * aecFrameMS / 1000
	filterLen := sampleRate * aecFilterMS / 1000
	return &EchoCanceller{
		frameBytes: frameSamples * 2,
		ringCap:    aecRingCap,
		silence:    make([]byte, frameSamples*2),
		hist:       make([]float64, filterLen),
		weights:    make([]float64, filterLen),
		stepSize:   aecStep,
	}
}

// BufferFarEnd queues played output audio as the echo reference. The PCM is
// split on frame boundaries; a trailing partial frame is padded with silence.
func (e *EchoCanceller) BufferFarEnd(pcm []byte) {
	for off := 0; off < len(pcm); off += e.frameBytes {
		end := off + e.frameBytes
		frame := make([]byte, e.frameBytes)
		if end > len(pcm) {
			copy(frame, pcm[off:])
		} else {
			copy(frame, pcm[off:end])
		}
		if len(e.refRing) >= e.ringCap {
			e.refRing = e.refRing[1:]
		}
		e.refRing = append(e.refRing, frame)
	}
}

// Process cancels echo from caller audio frame by frame, consuming one queued
// reference frame per input frame. With no reference queued, silence is used
// and the input passes through nearly unchanged.
func (e *EchoCanceller) Process(pcm []byte) []byte {
	whole := len(pcm) / e.frameBytes * e.frameBytes
	if whole == 0 {
		return pcm
	}

	out := make([]byte, len(pcm))
	for off := 0; off < whole; off += e.frameBytes {
		ref := e.silence
		if len(e.refRing) > 0 {
			ref = e.refRing[0]
			e.refRing = e.refRing[1:]
		}
		e.cancelFrame(out[off:off+e.frameBytes], pcm[off:off+e.frameBytes], ref)
	}
	// Residual bytes that do not fill a frame pass through untouched.
	copy(out[whole:], pcm[whole:])
	return out
}

// cancelFrame runs NLMS over one frame: predict the echo from the far-end
// history, subtract it, and adapt the filter toward the residual.
func (e *EchoCanceller) cancelFrame(dst, mic, ref []byte) {
	n := len(mic) / 2
	l := len(e.weights)
	for i := range n {
		far := float64(int16(ref[i*2]) | int16(ref[i*2+1])<<8)
		near := float64(int16(mic[i*2]) | int16(mic[i*2+1])<<8)

		// Slide the history ring and keep the power sum current.
		old := e.hist[e.histPos]
		e.histPow += far*far - old*old
		if e.histPow < 0 {
			e.histPow = 0
		}
		e.hist[e.histPos] = far

		// Echo estimate over the filter span, newest sample first.
		var est float64
		pos := e.histPos
		for j := range l {
			est += e.weights[j] * e.hist[pos]
			pos--
			if pos < 0 {
				pos = l - 1
			}
		}

		residual := near - est

		// Normalized update.
		g := e.stepSize * residual / (aecEpsilon + e.histPow)
		pos = e.histPos
		for j := range l {
			e.weights[j] += g * e.hist[pos]
			pos--
			if pos < 0 {
				pos = l - 1
			}
		}

		e.histPos++
		if e.histPos == l {
			e.histPos = 0
		}

		s := int(residual)
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
}
