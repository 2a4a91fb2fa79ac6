// Package energy implements vad.Engine with a short-term energy detector.
//
// Each frame's RMS level is mapped onto a pseudo-probability via a fixed
// dBFS ramp, smoothed with an exponential moving average and run through the
// hysteresis state machine configured on the session. It needs no model files
// and costs a few microseconds per frame, which makes it the default detector
// for the composed speech pipeline; heavier engines can replace it behind the
// same interface.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/vad"
)

var _ vad.Engine = (*Engine)(nil)
var _ vad.SessionHandle = (*session)(nil)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy: session closed")

const (
	// The dBFS ramp mapping RMS level to probability: floorDB and below is
	// 0.0, ceilDB and above is 1.0. Telephony speech typically sits between
	// -35 and -15 dBFS.
	floorDB = -60.0
	ceilDB  = -20.0

	// smoothingAlpha is the EMA weight of the newest frame.
	smoothingAlpha = 0.3

	defaultFrameSizeMs      = 20
	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
	defaultHangoverMs       = 500
)

// Engine creates energy-based VAD sessions.
type Engine struct{}

// New returns a ready-to-use Engine.
func New() *Engine {
	return &Engine{}
}

// NewSession validates cfg, applies defaults and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs == 0 {
		cfg.FrameSizeMs = defaultFrameSizeMs
	}
	if cfg.FrameSizeMs < 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold out of range: %v", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold must be in [0, %v], got %v", cfg.SpeechThreshold, cfg.SilenceThreshold)
	}
	if cfg.HangoverMs == 0 {
		cfg.HangoverMs = defaultHangoverMs
	}

	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
	}, nil
}

type session struct {
	mu  sync.Mutex
	cfg vad.Config

	// frameBytes is the required ProcessFrame input length.
	frameBytes int

	smoothed  float64
	inSpeech  bool
	silenceMs int
	closed    bool
}

// ProcessFrame classifies one 16-bit LE mono PCM frame.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := probability(frame)
	s.smoothed = smoothingAlpha*p + (1-smoothingAlpha)*s.smoothed
	ev := vad.VADEvent{Probability: s.smoothed}

	if !s.inSpeech {
		if s.smoothed >= s.cfg.SpeechThreshold {
			s.inSpeech = true
			s.silenceMs = 0
			ev.Type = vad.VADSpeechStart
		} else {
			ev.Type = vad.VADSilence
		}
		return ev, nil
	}

	if s.smoothed > s.cfg.SilenceThreshold {
		s.silenceMs = 0
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}
	s.silenceMs += s.cfg.FrameSizeMs
	if s.silenceMs >= s.cfg.HangoverMs {
		s.inSpeech = false
		s.silenceMs = 0
		ev.Type = vad.VADSpeechEnd
	} else {
		// Pause shorter than the hangover is bridged as ongoing speech.
		ev.Type = vad.VADSpeechContinue
	}
	return ev, nil
}

// Reset clears smoothing and segment state.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.smoothed = 0
	s.inSpeech = false
	s.silenceMs = 0
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// probability maps the frame's RMS level onto [0, 1] along the dBFS ramp.
func probability(frame []byte) float64 {
	var sum float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		sample := float64(int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8))
		sum += sample * sample
	}
	rms := math.Sqrt(sum/float64(n)) / 32768.0
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - floorDB) / (ceilDB - floorDB)
	return math.Max(0, math.Min(1, p))
}
