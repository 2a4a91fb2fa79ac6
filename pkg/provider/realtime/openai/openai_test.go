package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that immediately announces
// session.created and then runs handler with the accepted conn.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		writeJSON(t, conn, map[string]string{"type": "session.created"})
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent waits for the next event or fails the test.
func nextEvent(t *testing.T, sess realtime.Session) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return realtime.Event{}
}

// ── Connect / configure ───────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	update := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		update <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{
		Instructions: "be helpful",
		Voice:        "alloy",
		Language:     "pt",
		TurnDetection: realtime.TurnDetection{
			Mode:              realtime.TurnDetectionServerVAD,
			Threshold:         0.6,
			SilenceDurationMs: 400,
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	raw := <-update
	if raw["type"] != "session.update" {
		t.Fatalf("first message type = %v; want session.update", raw["type"])
	}
	sp, _ := raw["session"].(map[string]any)
	if sp["voice"] != "alloy" {
		t.Errorf("voice = %v; want alloy", sp["voice"])
	}
	if sp["instructions"] != "be helpful" {
		t.Errorf("instructions = %v; want be helpful", sp["instructions"])
	}
	if sp["input_audio_format"] != "pcm16" || sp["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v; want pcm16", sp["input_audio_format"], sp["output_audio_format"])
	}
	tr, _ := sp["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Errorf("transcription model = %v; want whisper-1", tr["model"])
	}
	td, _ := sp["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection type = %v; want server_vad", td["type"])
	}
	if td["threshold"] != 0.6 {
		t.Errorf("threshold = %v; want 0.6", td["threshold"])
	}
}

func TestConnect_PushToTalkDisablesTurnDetection(t *testing.T) {
	t.Parallel()

	update := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		update <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{
		TurnDetection: realtime.TurnDetection{Mode: realtime.TurnDetectionNone},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	raw := <-update
	sp, _ := raw["session"].(map[string]any)
	td, present := sp["turn_detection"]
	if !present {
		t.Fatal("turn_detection absent; want explicit null")
	}
	if td != nil {
		t.Errorf("turn_detection = %v; want null", td)
	}
}

func TestConnect_SemanticVAD(t *testing.T) {
	t.Parallel()

	update := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		update <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{
		TurnDetection: realtime.TurnDetection{Mode: realtime.TurnDetectionSemantic, Eagerness: "high"},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	raw := <-update
	sp, _ := raw["session"].(map[string]any)
	td, _ := sp["turn_detection"].(map[string]any)
	if td["type"] != "semantic_vad" || td["eagerness"] != "high" {
		t.Errorf("turn_detection = %v; want semantic_vad/high", td)
	}
}

func TestConnect_NoSessionCreatedFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded without session.created; want error")
	}
}

// ── Event mapping ─────────────────────────────────────────────────────────

func TestEventMapping(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{
			"type":  "response.output_audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "olá"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "quero ajuda",
		})
		writeJSON(t, conn, map[string]any{
			"type":     "response.done",
			"response": map[string]any{"status": "completed"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []realtime.EventType{
		realtime.EventResponseStarted,
		realtime.EventAudioDelta,
		realtime.EventTranscriptDelta,
		realtime.EventTranscriptDone,
		realtime.EventSpeechStarted,
		realtime.EventUserTranscript,
		realtime.EventResponseDone,
	}
	for i, wt := range want {
		ev := nextEvent(t, sess)
		if ev.Type != wt {
			t.Fatalf("event[%d].Type = %s; want %s", i, ev.Type, wt)
		}
		switch wt {
		case realtime.EventAudioDelta:
			if string(ev.Audio) != string(pcm) {
				t.Errorf("audio = %v; want %v", ev.Audio, pcm)
			}
		case realtime.EventTranscriptDone:
			if ev.Text != "olá" {
				t.Errorf("transcript = %q; want olá", ev.Text)
			}
		case realtime.EventUserTranscript:
			if ev.Text != "quero ajuda" {
				t.Errorf("user transcript = %q; want quero ajuda", ev.Text)
			}
		}
	}
}

func TestBenignErrorsSuppressed(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"code": "response_cancel_not_active", "message": "nothing active"},
		})
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	// The benign error must be swallowed: the first observable event is the
	// response.created that followed it.
	ev := nextEvent(t, sess)
	if ev.Type != realtime.EventResponseStarted {
		t.Fatalf("event type = %s; want %s", ev.Type, realtime.EventResponseStarted)
	}
}

func TestServerCloseEmitsSessionEnded(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Type != realtime.EventSessionEnded {
		t.Fatalf("event type = %s; want %s", ev.Type, realtime.EventSessionEnded)
	}
	if ev.Reason != "closed" {
		t.Errorf("reason = %q; want closed", ev.Reason)
	}
}

// ── Sends ─────────────────────────────────────────────────────────────────

func TestSendAudio_AppendsBase64(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 2)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for range 2 {
			var raw map[string]any
			readJSON(t, conn, &raw)
			frames <- raw
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	<-frames // session.update
	pcm := []byte{10, 20, 30}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	raw := <-frames
	if raw["type"] != "input_audio_buffer.append" {
		t.Fatalf("type = %v; want input_audio_buffer.append", raw["type"])
	}
	got, _ := base64.StdEncoding.DecodeString(raw["audio"].(string))
	if string(got) != string(pcm) {
		t.Errorf("audio = %v; want %v", got, pcm)
	}
}

func TestSendFunctionResult_CreatesOutputItem(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 3)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for range 3 {
			var raw map[string]any
			readJSON(t, conn, &raw)
			frames <- raw
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	<-frames // session.update
	if err := sess.SendFunctionResult("transfer_call", "call-1", `{"status":"ok"}`); err != nil {
		t.Fatalf("SendFunctionResult: %v", err)
	}
	item := <-frames
	if item["type"] != "conversation.item.create" {
		t.Fatalf("type = %v; want conversation.item.create", item["type"])
	}
	inner, _ := item["item"].(map[string]any)
	if inner["type"] != "function_call_output" || inner["call_id"] != "call-1" {
		t.Errorf("item = %v; want function_call_output/call-1", inner)
	}
	next := <-frames
	if next["type"] != "response.create" {
		t.Errorf("follow-up type = %v; want response.create", next["type"])
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v; want nil", err)
	}
	if err := sess.SendAudio([]byte{1}); err == nil {
		t.Error("SendAudio after Close succeeded; want error")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := openai.New("key").Capabilities()
	if caps.InputSampleRate != 24000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d; want 24000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if caps.MaxSessionDuration != 60*time.Minute {
		t.Errorf("ceiling = %s; want 60m", caps.MaxSessionDuration)
	}
}
