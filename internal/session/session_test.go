package session_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/esl"
	"github.com/MrWong99/voxbridge/internal/ratelimit"
	"github.com/MrWong99/voxbridge/internal/session"
	"github.com/MrWong99/voxbridge/pkg/history"
	historymock "github.com/MrWong99/voxbridge/pkg/history/mock"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
	rtmock "github.com/MrWong99/voxbridge/pkg/provider/realtime/mock"
)

// fakeConnector hands out prepared mock sessions per provider name, in
// order, and records the connect sequence.
type fakeConnector struct {
	mu       sync.Mutex
	sessions map[string][]*rtmock.Session
	errs     map[string]error
	caps     realtime.Capabilities
	connects []string
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		sessions: map[string][]*rtmock.Session{},
		errs:     map[string]error{},
		caps:     realtime.Capabilities{InputSampleRate: 16000, OutputSampleRate: 16000},
	}
}

func (c *fakeConnector) add(provider string, s *rtmock.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[provider] = append(c.sessions[provider], s)
}

func (c *fakeConnector) Connect(_ context.Context, _, provider string, _ realtime.SessionConfig) (realtime.Session, realtime.Capabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, provider)
	if err := c.errs[provider]; err != nil {
		return nil, realtime.Capabilities{}, err
	}
	queue := c.sessions[provider]
	if len(queue) == 0 {
		return nil, realtime.Capabilities{}, errors.New("no session prepared for " + provider)
	}
	s := queue[0]
	c.sessions[provider] = queue[1:]
	return s, c.caps, nil
}

func (c *fakeConnector) connectOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.connects...)
}

// fakeOut records outbound PCM writes.
type fakeOut struct {
	mu     sync.Mutex
	writes [][]byte
}

func (o *fakeOut) WriteAudio(_ context.Context, pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	o.writes = append(o.writes, cp)
	return nil
}

func (o *fakeOut) frames() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.writes...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(callID string) session.Config {
	return session.Config{
		Tenant:       "acme",
		CallID:       callID,
		CallerID:     "+4912345678",
		SecretaryID:  "front-desk",
		Provider:     "openai",
		Session:      realtime.SessionConfig{Instructions: "be brief"},
		MediaRate:    16000,
		WarmupMs:     1, // 32 bytes
		EndCallGrace: 20 * time.Millisecond,
	}
}

func newManager(conn session.Connector, store history.Store, hooks session.Hooks) *session.Manager {
	return session.NewManager(session.ManagerConfig{}, conn, store, hooks, nil, testLogger())
}

func startSession(t *testing.T, conn *fakeConnector, store history.Store, hooks session.Hooks, cfg session.Config) (*session.Manager, *session.Session, *fakeOut) {
	t.Helper()
	out := &fakeOut{}
	mgr := newManager(conn, store, hooks)
	s, err := mgr.Create(context.Background(), cfg, out)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		s.Stop("test_cleanup")
		<-s.Done()
	})
	return mgr, s, out
}

func awaitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session never ended")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreateConnectsPrimaryProvider(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	conn.add("openai", rtmock.NewSession())
	_, s, _ := startSession(t, conn, nil, session.Hooks{}, testConfig("call-1"))

	if got := s.State(); got != session.StateActive {
		t.Errorf("state = %v; want active", got)
	}
	if got := s.ProviderName(); got != "openai" {
		t.Errorf("provider = %q; want openai", got)
	}
}

func TestCreateRejectsDuplicateCallID(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	conn.add("openai", rtmock.NewSession())
	mgr, _, _ := startSession(t, conn, nil, session.Hooks{}, testConfig("call-dup"))

	conn.add("openai", rtmock.NewSession())
	_, err := mgr.Create(context.Background(), testConfig("call-dup"), &fakeOut{})
	if !errors.Is(err, session.ErrDuplicateCall) {
		t.Errorf("err = %v; want ErrDuplicateCall", err)
	}
}

func TestCreateEnforcesTenantCap(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	mgr := session.NewManager(session.ManagerConfig{TenantCap: 2},
		conn, nil, session.Hooks{}, nil, testLogger())

	for i := 0; i < 2; i++ {
		conn.add("openai", rtmock.NewSession())
		cfg := testConfig("cap-call-" + string(rune('a'+i)))
		s, err := mgr.Create(context.Background(), cfg, &fakeOut{})
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		defer func() { s.Stop("test_cleanup"); <-s.Done() }()
	}

	conn.add("openai", rtmock.NewSession())
	_, err := mgr.Create(context.Background(), testConfig("cap-call-c"), &fakeOut{})
	if !errors.Is(err, session.ErrTenantCapacity) {
		t.Errorf("err = %v; want ErrTenantCapacity", err)
	}

	// A different tenant still gets in.
	other := testConfig("cap-call-d")
	other.Tenant = "globex"
	conn.add("openai", rtmock.NewSession())
	s, err := mgr.Create(context.Background(), other, &fakeOut{})
	if err != nil {
		t.Fatalf("other tenant rejected: %v", err)
	}
	s.Stop("test_cleanup")
	<-s.Done()
}

func TestCreateEnforcesGlobalCap(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	mgr := session.NewManager(session.ManagerConfig{GlobalCap: 1},
		conn, nil, session.Hooks{}, nil, testLogger())

	conn.add("openai", rtmock.NewSession())
	s, err := mgr.Create(context.Background(), testConfig("glob-a"), &fakeOut{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer func() { s.Stop("test_cleanup"); <-s.Done() }()

	cfg := testConfig("glob-b")
	cfg.Tenant = "globex"
	_, err = mgr.Create(context.Background(), cfg, &fakeOut{})
	if !errors.Is(err, session.ErrGlobalCapacity) {
		t.Errorf("err = %v; want ErrGlobalCapacity", err)
	}
}

// denyGate denies every tenant with a fixed retry-after.
type denyGate struct{}

func (denyGate) Allow(string, ratelimit.Kind) ratelimit.Decision {
	return ratelimit.Decision{Allowed: false, RetryAfter: 17 * time.Second, Window: "minute"}
}

func TestCreateDeniedByRateLimiter(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	mgr := session.NewManager(session.ManagerConfig{Limiter: denyGate{}},
		conn, nil, session.Hooks{}, nil, testLogger())

	conn.add("openai", rtmock.NewSession())
	_, err := mgr.Create(context.Background(), testConfig("rl-a"), &fakeOut{})
	if !errors.Is(err, session.ErrRateLimited) {
		t.Fatalf("err = %v; want ErrRateLimited", err)
	}
	if !strings.Contains(err.Error(), "17s") {
		t.Errorf("err = %v; want retry-after in message", err)
	}
	if got := mgr.Stats().Active; got != 0 {
		t.Errorf("active = %d after denial; want 0", got)
	}
	if len(conn.connectOrder()) != 0 {
		t.Error("provider connected despite rate-limit denial")
	}
}

func TestSlotReleasedWhenSessionEnds(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	mgr := session.NewManager(session.ManagerConfig{TenantCap: 1},
		conn, nil, session.Hooks{}, nil, testLogger())

	conn.add("openai", rtmock.NewSession())
	s, err := mgr.Create(context.Background(), testConfig("slot-a"), &fakeOut{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Stop("caller_hangup")
	awaitDone(t, s)

	conn.add("openai", rtmock.NewSession())
	s2, err := mgr.Create(context.Background(), testConfig("slot-b"), &fakeOut{})
	if err != nil {
		t.Fatalf("slot not released: %v", err)
	}
	s2.Stop("test_cleanup")
	<-s2.Done()

	if got := mgr.Stats().Active; got != 0 {
		t.Errorf("active = %d; want 0", got)
	}
}

func TestConnectFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	conn.errs["openai"] = errors.New("upstream down")
	mgr := newManager(conn, nil, session.Hooks{})

	_, err := mgr.Create(context.Background(), testConfig("fail-a"), &fakeOut{})
	if err == nil {
		t.Fatal("Create succeeded with failing provider")
	}
	if got := mgr.Stats().Active; got != 0 {
		t.Errorf("active = %d; want 0", got)
	}
	if got := mgr.Stats().PerTenant["acme"]; got != 0 {
		t.Errorf("tenant count = %d; want 0", got)
	}
}

func TestCallerAudioReachesProviderUnchanged(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	mgr, _, _ := startSession(t, conn, nil, session.Hooks{}, testConfig("audio-2"))

	frame := bytes.Repeat([]byte{7, 0}, 320)
	if err := mgr.RouteAudio("audio-2", frame); err != nil {
		t.Fatalf("RouteAudio: %v", err)
	}

	if len(rt.SendAudioCalls) != 1 || !bytes.Equal(rt.SendAudioCalls[0].PCM, frame) {
		t.Errorf("SendAudio calls = %d; want 1 matching frame", len(rt.SendAudioCalls))
	}
}

func TestAssistantAudioWarmsUpBeforeEmitting(t *testing.T) {
	t.Parallel()

	cfg := testConfig("warm-1")
	cfg.WarmupMs = 10 // 320 bytes at 16 kHz

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, _, out := startSession(t, conn, nil, session.Hooks{}, cfg)

	rt.Emit(realtime.Event{Type: realtime.EventResponseStarted})
	rt.Emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: make([]byte, 100)})
	rt.Emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: make([]byte, 100)})
	rt.Emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: make([]byte, 200)})
	rt.Emit(realtime.Event{Type: realtime.EventAudioDone})

	eventually(t, func() bool { return len(out.frames()) > 0 }, "no audio emitted")

	frames := out.frames()
	// The first two deltas stay buffered; the third crosses the window and
	// releases all 400 bytes at once.
	if got := len(frames[0]); got != 400 {
		t.Errorf("first emitted frame = %d bytes; want 400", got)
	}
}

func TestShortResponseFlushedOnAudioDone(t *testing.T) {
	t.Parallel()

	cfg := testConfig("warm-2")
	cfg.WarmupMs = 100 // 3200 bytes, never reached

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, _, out := startSession(t, conn, nil, session.Hooks{}, cfg)

	rt.Emit(realtime.Event{Type: realtime.EventResponseStarted})
	rt.Emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: make([]byte, 64)})
	rt.Emit(realtime.Event{Type: realtime.EventAudioDone})

	eventually(t, func() bool { return len(out.frames()) > 0 }, "flush never emitted")
	if got := len(out.frames()[0]); got != 64 {
		t.Errorf("flushed frame = %d bytes; want 64", got)
	}
}

func TestBargeInInterruptsAssistant(t *testing.T) {
	t.Parallel()

	var broke []string
	var brokeMu sync.Mutex
	hooks := session.Hooks{
		BreakPlayback: func(callID string) {
			brokeMu.Lock()
			defer brokeMu.Unlock()
			broke = append(broke, callID)
		},
	}

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, _, _ = startSession(t, conn, nil, hooks, testConfig("barge-1"))

	rt.Emit(realtime.Event{Type: realtime.EventResponseStarted})
	rt.Emit(realtime.Event{Type: realtime.EventAudioDelta, Audio: make([]byte, 64)})
	rt.Emit(realtime.Event{Type: realtime.EventSpeechStarted})

	eventually(t, func() bool {
		brokeMu.Lock()
		defer brokeMu.Unlock()
		return len(broke) == 1
	}, "BreakPlayback never called")
	if rt.InterruptCallCount != 1 {
		t.Errorf("Interrupt calls = %d; want 1", rt.InterruptCallCount)
	}
	brokeMu.Lock()
	if broke[0] != "barge-1" {
		t.Errorf("broke call = %q; want barge-1", broke[0])
	}
	brokeMu.Unlock()
}

func TestSpeechStartedWithoutAssistantSpeechDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	interrupted := false
	hooks := session.Hooks{BreakPlayback: func(string) { interrupted = true }}

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, hooks, testConfig("barge-2"))

	rt.Emit(realtime.Event{Type: realtime.EventSpeechStarted})
	rt.Emit(realtime.Event{Type: realtime.EventSpeechStopped})
	rt.Emit(realtime.Event{Type: realtime.EventUserTranscript, Text: "hello"})

	eventually(t, func() bool { return len(s.Transcript()) == 1 }, "transcript never committed")
	if rt.InterruptCallCount != 0 {
		t.Errorf("Interrupt calls = %d; want 0", rt.InterruptCallCount)
	}
	if interrupted {
		t.Error("BreakPlayback called without assistant speech")
	}
}

func TestTranscriptAccumulatesDeltas(t *testing.T) {
	t.Parallel()

	var entries []session.TranscriptEntry
	var mu sync.Mutex
	hooks := session.Hooks{
		OnTranscript: func(_ string, e session.TranscriptEntry) {
			mu.Lock()
			defer mu.Unlock()
			entries = append(entries, e)
		},
	}

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, hooks, testConfig("script-1"))

	rt.Emit(realtime.Event{Type: realtime.EventUserTranscript, Text: "what are your hours"})
	rt.Emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: "We are open "})
	rt.Emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: "9 to 5."})
	rt.Emit(realtime.Event{Type: realtime.EventTranscriptDone})

	eventually(t, func() bool { return len(s.Transcript()) == 2 }, "transcript incomplete")

	got := s.Transcript()
	if got[0].Role != history.RoleUser || got[0].Text != "what are your hours" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Role != history.RoleAssistant || got[1].Text != "We are open 9 to 5." {
		t.Errorf("entry 1 = %+v", got[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(entries) != 2 {
		t.Errorf("OnTranscript fired %d times; want 2", len(entries))
	}
}

func TestTranscriptDonePrefersFinalText(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, session.Hooks{}, testConfig("script-2"))

	rt.Emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: "partia"})
	rt.Emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: "the full sentence"})

	eventually(t, func() bool { return len(s.Transcript()) == 1 }, "transcript never committed")
	if got := s.Transcript()[0].Text; got != "the full sentence" {
		t.Errorf("text = %q; want final text", got)
	}
}

func TestStopPersistsConversation(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{}
	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, store, session.Hooks{}, testConfig("persist-1"))

	rt.Emit(realtime.Event{Type: realtime.EventUserTranscript, Text: "hi"})
	rt.Emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: "hello there"})
	eventually(t, func() bool { return len(s.Transcript()) == 2 }, "transcript incomplete")

	s.Stop("caller_hangup")
	awaitDone(t, s)

	calls := store.PersistCalls
	if len(calls) != 1 {
		t.Fatalf("Persist calls = %d; want 1", len(calls))
	}
	conv := calls[0].Conv
	if conv.Tenant != "acme" || conv.CallID != "persist-1" {
		t.Errorf("conv = %+v", conv)
	}
	if conv.EndReason != "caller_hangup" {
		t.Errorf("end reason = %q", conv.EndReason)
	}
	if conv.Provider != "openai" {
		t.Errorf("provider = %q", conv.Provider)
	}
	if conv.Turns != 1 {
		t.Errorf("turns = %d; want 1", conv.Turns)
	}
	msgs := calls[0].Messages
	if len(msgs) != 2 || msgs[0].Role != history.RoleUser || msgs[1].Role != history.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}
	if conv.HealthScore <= 0 || conv.HealthScore > 1 {
		t.Errorf("health score = %v; want (0, 1]", conv.HealthScore)
	}
}

func TestPersistFailureDoesNotBlockShutdown(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{PersistErr: errors.New("db down")}
	conn := newFakeConnector()
	conn.add("openai", rtmock.NewSession())
	_, s, _ := startSession(t, conn, store, session.Hooks{}, testConfig("persist-2"))

	s.Stop("caller_hangup")
	awaitDone(t, s)
	if got := s.State(); got != session.StateEnded {
		t.Errorf("state = %v; want ended", got)
	}
}

func TestEndCallFunctionEndsAfterGrace(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, session.Hooks{}, testConfig("fn-end"))

	rt.Emit(realtime.Event{
		Type: realtime.EventFunctionCall, Name: "end_call", CallID: "fc-1", Args: "{}",
	})

	eventually(t, func() bool { return len(rt.FunctionResultCalls) == 1 }, "no function result")
	fr := rt.FunctionResultCalls[0]
	if fr.Name != "end_call" || fr.CallID != "fc-1" {
		t.Errorf("result = %+v", fr)
	}
	if !strings.Contains(fr.Result, "ending") {
		t.Errorf("result payload = %q; want ending status", fr.Result)
	}
	if got := s.State(); got == session.StateEnded {
		t.Error("session ended before grace elapsed")
	}

	awaitDone(t, s)
	if got := s.EndReason(); got != "completed" {
		t.Errorf("end reason = %q; want completed", got)
	}
}

func TestTransferFunctionDispatchesHook(t *testing.T) {
	t.Parallel()

	var gotArgs session.TransferArgs
	hooks := session.Hooks{
		Transfer: func(_ context.Context, _ *session.Session, args session.TransferArgs) session.FunctionOutcome {
			gotArgs = args
			return session.FunctionOutcome{
				Result:    map[string]any{"status": "transferred"},
				EndReason: "transferred",
			}
		},
	}

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, hooks, testConfig("fn-transfer"))

	rt.Emit(realtime.Event{
		Type: realtime.EventFunctionCall, Name: "transfer_call", CallID: "fc-2",
		Args: `{"destination":"1002","department":"billing","reason":"invoice question"}`,
	})

	awaitDone(t, s)
	if gotArgs.Destination != "1002" || gotArgs.Department != "billing" {
		t.Errorf("args = %+v", gotArgs)
	}
	if got := s.EndReason(); got != "transferred" {
		t.Errorf("end reason = %q; want transferred", got)
	}
	if len(rt.FunctionResultCalls) != 1 || !strings.Contains(rt.FunctionResultCalls[0].Result, "transferred") {
		t.Errorf("function result = %+v", rt.FunctionResultCalls)
	}
}

func TestUnknownFunctionGoesToToolHost(t *testing.T) {
	t.Parallel()

	hooks := session.Hooks{
		Tools: func(_ context.Context, tenant, name, args string) (string, error) {
			if tenant != "acme" || name != "lookup_order" {
				return "", errors.New("unexpected dispatch")
			}
			return `{"order":"42"}`, nil
		},
	}

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	startSession(t, conn, nil, hooks, testConfig("fn-tool"))

	rt.Emit(realtime.Event{
		Type: realtime.EventFunctionCall, Name: "lookup_order", CallID: "fc-3",
		Args: `{"order_id":"42"}`,
	})

	eventually(t, func() bool { return len(rt.FunctionResultCalls) == 1 }, "no function result")
	if got := rt.FunctionResultCalls[0].Result; got != `{"order":"42"}` {
		t.Errorf("result = %q", got)
	}
}

func TestUserCallbackTakesPrecedence(t *testing.T) {
	t.Parallel()

	hooks := session.Hooks{
		OnFunctionCall: func(_ context.Context, name, _ string) (string, bool) {
			if name == "transfer_call" {
				return `{"intercepted":true}`, true
			}
			return "", false
		},
		Transfer: func(context.Context, *session.Session, session.TransferArgs) session.FunctionOutcome {
			return session.FunctionOutcome{EndReason: "transferred"}
		},
	}

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, hooks, testConfig("fn-user"))

	rt.Emit(realtime.Event{
		Type: realtime.EventFunctionCall, Name: "transfer_call", CallID: "fc-4", Args: "{}",
	})

	eventually(t, func() bool { return len(rt.FunctionResultCalls) == 1 }, "no function result")
	if got := rt.FunctionResultCalls[0].Result; got != `{"intercepted":true}` {
		t.Errorf("result = %q; want intercepted payload", got)
	}
	if got := s.State(); got != session.StateActive {
		t.Errorf("state = %v; built-in ran despite user callback", got)
	}
}

func TestUnknownFunctionWithoutToolHostReportsError(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	startSession(t, conn, nil, session.Hooks{}, testConfig("fn-none"))

	rt.Emit(realtime.Event{
		Type: realtime.EventFunctionCall, Name: "nonexistent", CallID: "fc-5", Args: "{}",
	})

	eventually(t, func() bool { return len(rt.FunctionResultCalls) == 1 }, "no function result")
	if got := rt.FunctionResultCalls[0].Result; !strings.Contains(got, "error") {
		t.Errorf("result = %q; want error payload", got)
	}
}

func TestFatalEventFallsBackToNextProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig("fb-1")
	cfg.Fallbacks = []string{"elevenlabs"}

	conn := newFakeConnector()
	primary := rtmock.NewSession()
	backup := rtmock.NewSession()
	conn.add("openai", primary)
	conn.add("elevenlabs", backup)
	mgr, s, _ := startSession(t, conn, nil, session.Hooks{}, cfg)

	primary.Emit(realtime.Event{Type: realtime.EventError, Code: "server_error", Message: "boom"})

	eventually(t, func() bool { return s.ProviderName() == "elevenlabs" }, "fallback never engaged")
	if primary.CloseCallCount == 0 {
		t.Error("primary session never closed")
	}
	if got := conn.connectOrder(); len(got) != 2 || got[1] != "elevenlabs" {
		t.Errorf("connect order = %v", got)
	}

	// The session keeps serving audio through the new provider.
	frame := bytes.Repeat([]byte{3, 3}, 160)
	if err := mgr.RouteAudio("fb-1", frame); err != nil {
		t.Fatalf("RouteAudio after fallback: %v", err)
	}
	if len(backup.SendAudioCalls) != 1 {
		t.Errorf("backup SendAudio calls = %d; want 1", len(backup.SendAudioCalls))
	}
}

// gatedConnector blocks fallback dials until the test releases the gate,
// holding the session in its provider-less window.
type gatedConnector struct {
	*fakeConnector
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (c *gatedConnector) Connect(ctx context.Context, tenant, provider string, cfg realtime.SessionConfig) (realtime.Session, realtime.Capabilities, error) {
	if provider != "openai" {
		c.once.Do(func() { close(c.entered) })
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, realtime.Capabilities{}, ctx.Err()
		}
	}
	return c.fakeConnector.Connect(ctx, tenant, provider, cfg)
}

func TestAudioDuringFailoverIsDropped(t *testing.T) {
	t.Parallel()

	cfg := testConfig("fb-gate")
	cfg.Fallbacks = []string{"elevenlabs"}

	inner := newFakeConnector()
	primary := rtmock.NewSession()
	backup := rtmock.NewSession()
	inner.add("openai", primary)
	inner.add("elevenlabs", backup)
	conn := &gatedConnector{
		fakeConnector: inner,
		entered:       make(chan struct{}),
		gate:          make(chan struct{}),
	}

	mgr := newManager(conn, nil, session.Hooks{})
	s, err := mgr.Create(context.Background(), cfg, &fakeOut{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		s.Stop("test_cleanup")
		<-s.Done()
	})

	primary.Emit(realtime.Event{Type: realtime.EventError, Code: "server_error", Message: "boom"})
	select {
	case <-conn.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("fallback dial never started")
	}

	// The old provider is gone and the replacement is still dialing; frames
	// arriving now are dropped, not fatal.
	frame := bytes.Repeat([]byte{9, 0}, 160)
	if err := mgr.RouteAudio("fb-gate", frame); err != nil {
		t.Fatalf("RouteAudio during failover: %v", err)
	}

	close(conn.gate)
	eventually(t, func() bool { return s.ProviderName() == "elevenlabs" }, "fallback never engaged")

	if err := mgr.RouteAudio("fb-gate", frame); err != nil {
		t.Fatalf("RouteAudio after fallback: %v", err)
	}
	// Only the post-fallback frame reaches the new provider.
	if got := len(backup.SendAudioCalls); got != 1 {
		t.Errorf("backup SendAudio calls = %d; want 1", got)
	}
}

func TestFallbackSkipsFailedCandidates(t *testing.T) {
	t.Parallel()

	cfg := testConfig("fb-2")
	cfg.Fallbacks = []string{"gemini", "elevenlabs"}

	conn := newFakeConnector()
	primary := rtmock.NewSession()
	backup := rtmock.NewSession()
	conn.add("openai", primary)
	conn.errs["gemini"] = errors.New("quota exceeded")
	conn.add("elevenlabs", backup)
	_, s, _ := startSession(t, conn, nil, session.Hooks{}, cfg)

	primary.Emit(realtime.Event{Type: realtime.EventRateLimited, Info: "tps"})

	eventually(t, func() bool { return s.ProviderName() == "elevenlabs" }, "second fallback never engaged")
	if got := conn.connectOrder(); len(got) != 3 || got[1] != "gemini" || got[2] != "elevenlabs" {
		t.Errorf("connect order = %v", got)
	}
}

func TestFallbackExhaustedEndsSession(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, session.Hooks{}, testConfig("fb-3"))

	rt.Emit(realtime.Event{Type: realtime.EventError, Code: "server_error", Message: "boom"})

	awaitDone(t, s)
	if got := s.EndReason(); got != "provider_error" {
		t.Errorf("end reason = %q; want provider_error", got)
	}
}

func TestProviderDisconnectWithoutFallbackEndsSession(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, session.Hooks{}, testConfig("fb-4"))

	rt.CloseEvents()

	awaitDone(t, s)
	if got := s.EndReason(); got != "provider_disconnected" {
		t.Errorf("end reason = %q; want provider_disconnected", got)
	}
}

func TestHandoffPolicyTriggersOnce(t *testing.T) {
	t.Parallel()

	var handoffs []string
	var mu sync.Mutex
	hooks := session.Hooks{
		HandoffPolicy: func(text string, _ int) (string, bool) {
			if strings.Contains(text, "human") {
				return "keyword", true
			}
			return "", false
		},
		Handoff: func(_ context.Context, _ *session.Session, reason string) session.FunctionOutcome {
			mu.Lock()
			defer mu.Unlock()
			handoffs = append(handoffs, reason)
			return session.FunctionOutcome{Result: map[string]any{"outcome": "ticket"}}
		},
	}

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, hooks, testConfig("ho-1"))

	rt.Emit(realtime.Event{Type: realtime.EventUserTranscript, Text: "I want a human"})
	rt.Emit(realtime.Event{Type: realtime.EventUserTranscript, Text: "a human please"})

	eventually(t, func() bool { return len(s.Transcript()) == 2 }, "transcripts never committed")
	mu.Lock()
	defer mu.Unlock()
	if len(handoffs) != 1 || handoffs[0] != "keyword" {
		t.Errorf("handoffs = %v; want one keyword handoff", handoffs)
	}
}

func TestRequestHandoffFunction(t *testing.T) {
	t.Parallel()

	hooks := session.Hooks{
		Handoff: func(_ context.Context, _ *session.Session, reason string) session.FunctionOutcome {
			return session.FunctionOutcome{
				Result:    map[string]any{"outcome": "transfer"},
				EndReason: "handoff",
			}
		},
	}

	conn := newFakeConnector()
	rt := rtmock.NewSession()
	conn.add("openai", rt)
	_, s, _ := startSession(t, conn, nil, hooks, testConfig("ho-2"))

	rt.Emit(realtime.Event{
		Type: realtime.EventFunctionCall, Name: "request_handoff", CallID: "fc-6",
		Args: `{"reason":"angry caller"}`,
	})

	awaitDone(t, s)
	if got := s.EndReason(); got != "handoff" {
		t.Errorf("end reason = %q; want handoff", got)
	}
}

func TestRouteEventHangupStopsSession(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	conn.add("openai", rtmock.NewSession())
	mgr, s, _ := startSession(t, conn, nil, session.Hooks{}, testConfig("esl-1"))

	mgr.RouteEvent("esl-1", esl.Event{"Event-Name": "CHANNEL_HANGUP"})

	awaitDone(t, s)
	if got := s.EndReason(); got != "caller_hangup" {
		t.Errorf("end reason = %q; want caller_hangup", got)
	}
}

func TestRouteEventForUnknownCallIsIgnored(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	mgr := newManager(conn, nil, session.Hooks{})
	// Must not panic.
	mgr.RouteEvent("ghost", esl.Event{"Event-Name": "CHANNEL_HANGUP"})
}

func TestCleanupExpiredStopsIdleSessions(t *testing.T) {
	t.Parallel()

	cfg := testConfig("idle-1")
	cfg.IdleTimeout = 20 * time.Millisecond

	conn := newFakeConnector()
	conn.add("openai", rtmock.NewSession())
	mgr, s, _ := startSession(t, conn, nil, session.Hooks{}, cfg)

	time.Sleep(50 * time.Millisecond)
	if got := mgr.CleanupExpired(); got != 1 {
		t.Errorf("CleanupExpired = %d; want 1", got)
	}
	awaitDone(t, s)
	if got := s.EndReason(); got != "idle_timeout" {
		t.Errorf("end reason = %q; want idle_timeout", got)
	}
}

func TestCleanupExpiredReportsMaxDuration(t *testing.T) {
	t.Parallel()

	cfg := testConfig("dur-1")
	cfg.MaxDuration = 20 * time.Millisecond
	cfg.IdleTimeout = time.Hour

	conn := newFakeConnector()
	conn.add("openai", rtmock.NewSession())
	mgr, s, _ := startSession(t, conn, nil, session.Hooks{}, cfg)

	time.Sleep(50 * time.Millisecond)
	if got := mgr.CleanupExpired(); got != 1 {
		t.Errorf("CleanupExpired = %d; want 1", got)
	}
	awaitDone(t, s)
	if got := s.EndReason(); got != "max_duration" {
		t.Errorf("end reason = %q; want max_duration", got)
	}
}

func TestStopAllEndsEverySession(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	mgr := newManager(conn, nil, session.Hooks{})
	var sessions []*session.Session
	for _, id := range []string{"all-a", "all-b", "all-c"} {
		conn.add("openai", rtmock.NewSession())
		cfg := testConfig(id)
		s, err := mgr.Create(context.Background(), cfg, &fakeOut{})
		if err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
		sessions = append(sessions, s)
	}

	mgr.StopAll("shutdown")
	for _, s := range sessions {
		if got := s.State(); got != session.StateEnded {
			t.Errorf("%s state = %v; want ended", s.CallID(), got)
		}
		if got := s.EndReason(); got != "shutdown" {
			t.Errorf("%s reason = %q; want shutdown", s.CallID(), got)
		}
	}
	if got := mgr.Stats().Active; got != 0 {
		t.Errorf("active = %d; want 0", got)
	}
}
