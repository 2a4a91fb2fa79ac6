package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that reads the setup frame,
// answers setupComplete and then runs handler.
func startServer(t *testing.T, setup chan<- map[string]any, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		var raw map[string]any
		readJSON(t, conn, &raw)
		if setup != nil {
			setup <- raw
		}
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
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

// ── Connect / setup ───────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	setup := make(chan map[string]any, 1)
	key := make(chan string, 1)
	srv := startServer(t, setup, func(conn *websocket.Conn, r *http.Request) {
		key <- r.URL.Query().Get("key")
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("models/test-live"))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{
		Instructions: "be brief",
		Voice:        "Aoede",
		Language:     "pt-BR",
		Tools: []llm.ToolDefinition{
			{Name: "end_call", Description: "hang up"},
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	raw := <-setup
	sp, _ := raw["setup"].(map[string]any)
	if sp == nil {
		t.Fatalf("first message = %v; want setup", raw)
	}
	if sp["model"] != "models/test-live" {
		t.Errorf("model = %v; want models/test-live", sp["model"])
	}
	gc, _ := sp["generationConfig"].(map[string]any)
	mods, _ := gc["responseModalities"].([]any)
	if len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", mods)
	}
	speech, _ := gc["speechConfig"].(map[string]any)
	if speech["languageCode"] != "pt-BR" {
		t.Errorf("languageCode = %v; want pt-BR", speech["languageCode"])
	}
	vc, _ := speech["voiceConfig"].(map[string]any)
	pvc, _ := vc["prebuiltVoiceConfig"].(map[string]any)
	if pvc["voiceName"] != "Aoede" {
		t.Errorf("voiceName = %v; want Aoede", pvc["voiceName"])
	}
	si, _ := sp["systemInstruction"].(map[string]any)
	parts, _ := si["parts"].([]any)
	if len(parts) != 1 {
		t.Fatalf("systemInstruction parts = %v; want one", parts)
	}
	tools, _ := sp["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v; want one block", tools)
	}
	if _, ok := sp["inputAudioTranscription"]; !ok {
		t.Error("inputAudioTranscription absent from setup")
	}
	if got := <-key; got != "secret" {
		t.Errorf("key = %q; want secret", got)
	}
}

func TestConnect_NoSetupCompleteFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded without setupComplete; want error")
	}
}

// ── Event mapping ─────────────────────────────────────────────────────────

func TestEventMapping(t *testing.T) {
	t.Parallel()

	pcm := []byte{5, 6, 7, 8}
	srv := startServer(t, nil, func(conn *websocket.Conn, r *http.Request) {
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "Olá, "},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "tudo bem?"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "preciso de ajuda"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []any{
					map[string]any{"id": "fc-1", "name": "transfer_call", "args": map[string]any{"destination": "vendas"}},
				},
			},
		})
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Type != realtime.EventAudioDelta || string(ev.Audio) != string(pcm) {
		t.Fatalf("event = %+v; want audio_delta with %v", ev, pcm)
	}
	ev = nextEvent(t, sess)
	if ev.Type != realtime.EventTranscriptDelta || ev.Text != "Olá, " {
		t.Fatalf("event = %+v; want transcript_delta", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Type != realtime.EventTranscriptDelta || ev.Text != "tudo bem?" {
		t.Fatalf("event = %+v; want transcript_delta", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Type != realtime.EventUserTranscript || ev.Text != "preciso de ajuda" {
		t.Fatalf("event = %+v; want user_transcript", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Type != realtime.EventTranscriptDone || ev.Text != "Olá, tudo bem?" {
		t.Fatalf("event = %+v; want accumulated transcript_done", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Type != realtime.EventResponseDone {
		t.Fatalf("event = %+v; want response_done", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Type != realtime.EventFunctionCall || ev.Name != "transfer_call" || ev.CallID != "fc-1" {
		t.Fatalf("event = %+v; want function_call transfer_call/fc-1", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Type != realtime.EventSessionExpiring {
		t.Fatalf("event = %+v; want session_expiring", ev)
	}
}

func TestInterruptedEmitsInterrupt(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil, func(conn *websocket.Conn, r *http.Request) {
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Type != realtime.EventInterrupt {
		t.Fatalf("event = %+v; want interrupt", ev)
	}
}

// ── Sends ─────────────────────────────────────────────────────────────────

func TestSendAudio_RealtimeInput(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 1)
	srv := startServer(t, nil, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		frames <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	pcm := []byte{1, 2, 3, 4}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	raw := <-frames
	ri, _ := raw["realtimeInput"].(map[string]any)
	audio, _ := ri["audio"].(map[string]any)
	if audio["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %v; want audio/pcm;rate=16000", audio["mimeType"])
	}
	got, _ := base64.StdEncoding.DecodeString(audio["data"].(string))
	if string(got) != string(pcm) {
		t.Errorf("audio = %v; want %v", got, pcm)
	}
}

func TestInterrupt_ActivityEnd(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 1)
	srv := startServer(t, nil, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		frames <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	raw := <-frames
	ri, _ := raw["realtimeInput"].(map[string]any)
	if _, ok := ri["activityEnd"]; !ok {
		t.Fatalf("frame = %v; want realtimeInput.activityEnd", raw)
	}
}

func TestSendFunctionResult_WrapsBareString(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 1)
	srv := startServer(t, nil, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		frames <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendFunctionResult("end_call", "fc-9", "done"); err != nil {
		t.Fatalf("SendFunctionResult: %v", err)
	}
	raw := <-frames
	tr, _ := raw["toolResponse"].(map[string]any)
	frs, _ := tr["functionResponses"].([]any)
	if len(frs) != 1 {
		t.Fatalf("functionResponses = %v; want one", frs)
	}
	fr, _ := frs[0].(map[string]any)
	if fr["id"] != "fc-9" || fr["name"] != "end_call" {
		t.Errorf("response = %v; want fc-9/end_call", fr)
	}
	resp, _ := fr["response"].(map[string]any)
	if resp["result"] != "done" {
		t.Errorf("response payload = %v; want wrapped {result: done}", resp)
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil, func(conn *websocket.Conn, r *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1}); err == nil {
		t.Error("SendAudio after Close succeeded; want error")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("secret").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d; want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if !caps.SupportsTools {
		t.Error("SupportsTools = false; want true")
	}
}
