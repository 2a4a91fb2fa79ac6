package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// makeSine renders a full-scale-ish sine as 16-bit LE mono PCM.
func makeSine(freqHz float64, rate, samples int, amplitude float64) []byte {
	pcm := make([]byte, samples*2)
	for i := range samples {
		v := int16(amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(rate)))
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

func decodeSamples(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestResampler_PassThroughSameRate(t *testing.T) {
	t.Parallel()

	r, err := audio.NewResampler(16000, 16000)
	if err != nil {
		t.Fatalf("NewResampler: unexpected error: %v", err)
	}
	in := makeSine(440, 16000, 160, 10000)
	out := r.Process(in)
	if &out[0] != &in[0] {
		t.Error("same-rate resampler should return the input slice unchanged")
	}
}

func TestResampler_InvalidRates(t *testing.T) {
	t.Parallel()

	if _, err := audio.NewResampler(0, 16000); err == nil {
		t.Error("expected error for zero input rate, got nil")
	}
	if _, err := audio.NewResampler(16000, -1); err == nil {
		t.Error("expected error for negative output rate, got nil")
	}
}

func TestResampler_OutputLength(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		inRate     int
		outRate    int
		srcSamples int
		want       int
	}{
		{"8k to 16k doubles", 8000, 16000, 800, 1600},
		{"16k to 8k halves", 16000, 8000, 1600, 800},
		{"16k to 24k", 16000, 24000, 1600, 2400},
		{"24k to 16k", 24000, 16000, 2400, 1600},
		{"24k to 8k", 24000, 8000, 2400, 800},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, err := audio.NewResampler(tc.inRate, tc.outRate)
			if err != nil {
				t.Fatalf("NewResampler: unexpected error: %v", err)
			}
			out := r.Process(makeSine(440, tc.inRate, tc.srcSamples, 8000))
			if got := len(out) / 2; got != tc.want {
				t.Errorf("output samples: want %d, got %d", tc.want, got)
			}
		})
	}
}

// TestResampler_RoundTrip verifies the round-trip law: a band-limited signal
// resampled up and back down matches the original within a small RMS bound.
func TestResampler_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		mediaHz  int
		providHz int
	}{
		{"16k via 24k", 16000, 24000},
		{"8k via 16k", 8000, 16000},
		{"16k via 48k", 16000, 48000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			up, err := audio.NewResampler(tc.mediaHz, tc.providHz)
			if err != nil {
				t.Fatalf("NewResampler up: %v", err)
			}
			down, err := audio.NewResampler(tc.providHz, tc.mediaHz)
			if err != nil {
				t.Fatalf("NewResampler down: %v", err)
			}

			src := makeSine(440, tc.mediaHz, tc.mediaHz/2, 12000) // 500 ms
			got := down.Process(up.Process(src))

			want := decodeSamples(src)
			have := decodeSamples(got)
			if len(have) != len(want) {
				t.Fatalf("round-trip length: want %d samples, got %d", len(want), len(have))
			}

			// Skip chunk edges where the filter sees silence.
			lo, hi := 200, len(want)-200
			diff := make([]float64, 0, hi-lo)
			for i := lo; i < hi; i++ {
				diff = append(diff, want[i]-have[i])
			}
			signal := rms(want[lo:hi])
			if e := rms(diff); e > 0.02*signal {
				t.Errorf("round-trip RMS error %.1f exceeds 2%% of signal RMS %.1f", e, signal)
			}
		})
	}
}

// TestResampler_ClipsInsteadOfWrapping drives a full-scale signal through the
// filter; passband ripple overshoot must clip at the int16 bounds, never wrap
// sign.
func TestResampler_ClipsInsteadOfWrapping(t *testing.T) {
	t.Parallel()

	r, err := audio.NewResampler(16000, 24000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	// Full-scale DC: any overshoot beyond 32767 must clamp, and a wrap
	// would show up as a large negative sample.
	src := make([]byte, 3200)
	for i := 0; i < len(src); i += 2 {
		src[i] = 0xFF
		src[i+1] = 0x7F
	}
	out := decodeSamples(r.Process(src))
	for i := 100; i < len(out)-100; i++ {
		if out[i] < 30000 {
			t.Fatalf("sample %d: want near full scale, got %.0f (wrapped overshoot?)", i, out[i])
		}
	}
}

func TestResampler_ShortInput(t *testing.T) {
	t.Parallel()

	r, err := audio.NewResampler(16000, 24000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	if out := r.Process(nil); len(out) != 0 {
		t.Errorf("nil input: want empty output, got %d bytes", len(out))
	}
	if out := r.Process([]byte{0x01}); len(out) != 1 {
		t.Errorf("single odd byte: want input passed back, got %d bytes", len(out))
	}
}

func TestResamplerPair_AsymmetricRates(t *testing.T) {
	t.Parallel()

	// Gemini profile: provider consumes 16 kHz, produces 24 kHz.
	pair, err := audio.NewResamplerPair(16000, 16000, 24000)
	if err != nil {
		t.Fatalf("NewResamplerPair: %v", err)
	}
	if got := pair.MediaRate(); got != 16000 {
		t.Errorf("MediaRate: want 16000, got %d", got)
	}

	in := makeSine(300, 16000, 320, 8000)
	if out := pair.ToProvider(in); &out[0] != &in[0] {
		t.Error("16k to 16k input leg should pass through")
	}

	provOut := makeSine(300, 24000, 480, 8000)
	media := pair.ToMedia(provOut)
	if got := len(media) / 2; got != 320 {
		t.Errorf("ToMedia samples: want 320, got %d", got)
	}
}
