package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// inferenceRequest captures one POST /inference call as seen by the mock server.
type inferenceRequest struct {
	language string
	model    string
	wav      []byte
}

// newMockServer creates a test server that parses POST /inference multipart
// bodies, records them, and responds with a JSON body containing responseText.
func newMockServer(t *testing.T, responseText string) (*httptest.Server, func() []inferenceRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []inferenceRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "bad multipart", http.StatusBadRequest)
			return
		}
		req := inferenceRequest{
			language: r.FormValue("language"),
			model:    r.FormValue("model"),
		}
		if f, _, err := r.FormFile("file"); err == nil {
			req.wav, _ = io.ReadAll(f)
			f.Close()
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	return srv, func() []inferenceRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]inferenceRequest, len(reqs))
		copy(out, reqs)
		return out
	}
}

// makeSpeechPCM generates a 440 Hz sine-wave PCM buffer with `samples` 16-bit
// little-endian signed samples, loud enough to represent speech.
func makeSpeechPCM(samples int) []byte {
	const amplitude = 10_000.0
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_EmptyPCM_NoRequest(t *testing.T) {
	srv, requests := newMockServer(t, "unexpected")
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	text, err := p.Transcribe(context.Background(), nil, 16000, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty for empty PCM", text)
	}
	if n := len(requests()); n != 0 {
		t.Errorf("server received %d requests, want 0", n)
	}
}

func TestTranscribe_InvalidSampleRate_ReturnsError(t *testing.T) {
	p, _ := whisper.New("http://localhost:8080")
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(100), 0, ""); err == nil {
		t.Fatal("expected error for zero sample rate, got nil")
	}
}

func TestTranscribe_SendsWAVAndFields(t *testing.T) {
	srv, requests := newMockServer(t, "  olá, quem fala?  ")
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithModel("base"))
	text, err := p.Transcribe(context.Background(), makeSpeechPCM(1600), 16000, "pt")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "olá, quem fala?" {
		t.Errorf("text = %q, want trimmed %q", text, "olá, quem fala?")
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	if reqs[0].language != "pt" {
		t.Errorf("language field = %q, want %q", reqs[0].language, "pt")
	}
	if reqs[0].model != "base" {
		t.Errorf("model field = %q, want %q", reqs[0].model, "base")
	}

	info, err := audio.ParseWAV(reqs[0].wav)
	if err != nil {
		t.Fatalf("uploaded file is not valid WAV: %v", err)
	}
	if info.SampleRate != 16000 {
		t.Errorf("uploaded WAV sample rate = %d, want 16000", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("uploaded WAV channels = %d, want 1", info.Channels)
	}
	if info.DataSize != 1600*2 {
		t.Errorf("uploaded WAV data size = %d, want %d", info.DataSize, 1600*2)
	}
}

func TestTranscribe_ResamplesTo16k(t *testing.T) {
	srv, requests := newMockServer(t, "ok")
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	// 800 samples at 8 kHz = 100 ms; resampled to 16 kHz that is 1600 samples.
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(800), 8000, ""); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	info, err := audio.ParseWAV(reqs[0].wav)
	if err != nil {
		t.Fatalf("uploaded file is not valid WAV: %v", err)
	}
	if info.SampleRate != 16000 {
		t.Errorf("uploaded WAV sample rate = %d, want 16000", info.SampleRate)
	}
	if info.DataSize != 1600*2 {
		t.Errorf("uploaded WAV data size = %d, want %d after 1:2 upsample", info.DataSize, 1600*2)
	}
}

func TestTranscribe_DefaultLanguageApplied(t *testing.T) {
	srv, requests := newMockServer(t, "ok")
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithLanguage("de"))
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(160), 16000, ""); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	if reqs[0].language != "de" {
		t.Errorf("language field = %q, want provider default %q", reqs[0].language, "de")
	}
}

func TestTranscribe_ServerError_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model busy", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(160), 16000, ""); err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
}

func TestTranscribe_BadJSON_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(160), 16000, ""); err == nil {
		t.Fatal("expected error for malformed JSON response, got nil")
	}
}

func TestTranscribe_CancelledContext_ReturnsError(t *testing.T) {
	srv, _ := newMockServer(t, "ok")
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Transcribe(ctx, makeSpeechPCM(160), 16000, ""); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
