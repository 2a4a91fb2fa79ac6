// Package audio provides the PCM primitives used on the media path of a call:
// rate conversion between the media server and provider sample rates, playback
// warmup buffering, and acoustic echo cancellation.
//
// All functions operate on interleaved 16-bit signed little-endian mono PCM,
// the only format exchanged with the media server and the realtime providers.
package audio

import (
	"fmt"
	"math"
)

// Resampler converts 16-bit LE mono PCM between two sample rates using a
// polyphase rational filter. Each Process call is independent; no state is
// carried across chunks, so a Resampler may be reused after a stream gap
// without flushing.
type Resampler struct {
	inRate  int
	outRate int

	// up/down are the reduced rational factors outRate/g and inRate/g.
	up   int
	down int

	// taps holds the windowed-sinc prototype filter, length phaseLen*up,
	// indexed as taps[phase+j*up] for the polyphase branches.
	taps     []float64
	phaseLen int
}

// phaseTaps is the per-branch filter length. Eight zero crossings per side
// keeps round-trip RMS error below 2% for band-limited speech.
const phaseTaps = 16

// NewResampler creates a resampler from inRate to outRate Hz. Equal rates
// yield a pass-through resampler.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", inRate, outRate)
	}
	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}
	g := gcd(inRate, outRate)
	r.up = outRate / g
	r.down = inRate / g
	r.phaseLen = phaseTaps
	r.taps = designLowpass(r.up, r.down, r.phaseLen)
	return r, nil
}

// InRate returns the input sample rate in Hz.
func (r *Resampler) InRate() int { return r.inRate }

// OutRate returns the output sample rate in Hz.
func (r *Resampler) OutRate() int { return r.outRate }

// Process resamples one chunk of PCM. A trailing odd byte is ignored. The
// returned slice is freshly allocated unless the resampler is pass-through,
// in which case the input is returned unchanged.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.inRate == r.outRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(r.up) / int64(r.down))
	if dstSamples == 0 {
		return nil
	}

	src := make([]float64, srcSamples)
	for i := range src {
		src[i] = float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}

	// Center-tap alignment: each output sample is the filter applied around
	// its source position, so the chunk incurs no group delay. Samples
	// outside the chunk are treated as silence.
	center := r.phaseLen / 2
	out := make([]byte, dstSamples*2)
	for m := range dstSamples {
		n := m * r.down
		phase := n % r.up
		base := n / r.up

		var acc float64
		for j := range r.phaseLen {
			k := base - j + center
			if k < 0 || k >= srcSamples {
				continue
			}
			acc += r.taps[phase+j*r.up] * src[k]
		}

		s := int(math.Round(acc))
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[m*2] = byte(s)
		out[m*2+1] = byte(s >> 8)
	}
	return out
}

// designLowpass builds the polyphase prototype: a Blackman-windowed sinc with
// cutoff at the narrower of the two Nyquist frequencies, scaled by up to
// compensate the zero-stuffing gain loss.
func designLowpass(up, down, phaseLen int) []float64 {
	n := phaseLen * up
	fc := 1.0 / (2.0 * float64(max(up, down)))
	center := float64(n-1) / 2.0

	taps := make([]float64, n)
	for i := range taps {
		x := float64(i) - center
		taps[i] = 2 * fc * sinc(2*fc*x) * blackman(i, n) * float64(up)
	}
	return taps
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

func blackman(i, n int) float64 {
	if n <= 1 {
		return 1
	}
	t := 2 * math.Pi * float64(i) / float64(n-1)
	return 0.42 - 0.5*math.Cos(t) + 0.08*math.Cos(2*t)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ResamplerPair bundles the two directions of a call's audio path: caller
// media resampled up to the provider's input rate, and provider output
// resampled back down to the media rate. Provider rates may differ per
// direction (Gemini consumes 16 kHz but produces 24 kHz).
type ResamplerPair struct {
	in  *Resampler // media rate -> provider input rate
	out *Resampler // provider output rate -> media rate
}

// NewResamplerPair composes resamplers for a media rate and the provider's
// declared input/output rates.
func NewResamplerPair(mediaRate, providerIn, providerOut int) (*ResamplerPair, error) {
	in, err := NewResampler(mediaRate, providerIn)
	if err != nil {
		return nil, fmt.Errorf("audio: input leg: %w", err)
	}
	out, err := NewResampler(providerOut, mediaRate)
	if err != nil {
		return nil, fmt.Errorf("audio: output leg: %w", err)
	}
	return &ResamplerPair{in: in, out: out}, nil
}

// ToProvider resamples caller audio to the provider's input rate.
func (p *ResamplerPair) ToProvider(pcm []byte) []byte { return p.in.Process(pcm) }

// ToMedia resamples provider audio back to the media rate.
func (p *ResamplerPair) ToMedia(pcm []byte) []byte { return p.out.Process(pcm) }

// MediaRate returns the media-server side sample rate.
func (p *ResamplerPair) MediaRate() int { return p.in.InRate() }
