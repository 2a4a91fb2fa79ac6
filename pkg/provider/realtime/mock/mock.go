// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the normalised event stream and inspect which methods the
// session owner invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by Connect. If nil, Connect returns a
	// new default Session.
	Session realtime.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities realtime.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() realtime.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// PCM is a copy of the audio bytes passed to SendAudio.
	PCM []byte
}

// SendTextCall records a single invocation of Session.SendText.
type SendTextCall struct {
	// Text is the string passed to SendText.
	Text string
}

// FunctionResultCall records a single invocation of Session.SendFunctionResult.
type FunctionResultCall struct {
	Name   string
	CallID string
	Result string
}

// Session is a mock implementation of realtime.Session. Use Emit to feed
// events to the consumer and CloseEvents to signal end-of-session.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). NewSession creates it
	// buffered; close it via CloseEvents, not directly.
	EventsCh chan realtime.Event

	// ErrVal is returned by Err.
	ErrVal error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// FunctionResultErr, if non-nil, is returned by every SendFunctionResult call.
	FunctionResultErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// FunctionResultCalls records every call to SendFunctionResult in order.
	FunctionResultCalls []FunctionResultCall

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closeOnce sync.Once
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan realtime.Event, 64)}
}

// Emit delivers one event to the consumer. It blocks if the channel is full.
func (s *Session) Emit(ev realtime.Event) {
	s.EventsCh <- ev
}

// CloseEvents closes the events channel. Safe to call more than once.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.EventsCh) })
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{PCM: cp})
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, SendTextCall{Text: text})
	return s.SendTextErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return s.InterruptErr
}

// SendFunctionResult records the call and returns FunctionResultErr.
func (s *Session) SendFunctionResult(name, callID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FunctionResultCalls = append(s.FunctionResultCalls, FunctionResultCall{
		Name:   name,
		CallID: callID,
		Result: result,
	})
	return s.FunctionResultErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event {
	return s.EventsCh
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call, closes the events channel and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.CloseEvents()
	return err
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTextCalls = nil
	s.FunctionResultCalls = nil
	s.InterruptCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
