// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Synthesis requests use the raw PCM response format, which the API delivers as
// 24 kHz 16-bit little-endian mono samples without a container header. Callers
// that feed telephony equipment are expected to resample to their target rate.
//
// Unlike the local Coqui provider there is no request lookahead: sentences are
// synthesised one at a time and the HTTP response body is streamed straight
// into the audio channel, so playback of a sentence can begin while the API is
// still generating its tail.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// OutputSampleRate is the sample rate of the PCM audio emitted by
// SynthesizeStream. The OpenAI speech API produces 24 kHz mono 16-bit PCM when
// the pcm response format is requested.
const OutputSampleRate = 24000

const (
	defaultModel = "gpt-4o-mini-tts"

	audioChanBuf = 64
	pcmChunkSize = 4096
)

// config holds optional configuration for the provider.
type config struct {
	model        string
	instructions string
	baseURL      string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel overrides the speech model. Defaults to gpt-4o-mini-tts.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithInstructions sets speaking-style instructions passed with every request.
// Only gpt-4o-mini-tts honours them; older tts-1 models ignore the field.
func WithInstructions(instructions string) Option {
	return func(c *config) {
		c.instructions = instructions
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client       oai.Client
	model        string
	instructions string
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        cfg.model,
		instructions: cfg.instructions,
	}, nil
}

// SynthesizeStream consumes text fragments, assembles them into sentences and
// synthesises each sentence with a separate speech API call. PCM from the
// response body is forwarded on the returned channel as it arrives.
//
// voice.ID must name an OpenAI voice (e.g. "alloy", "nova", "onyx").
// voice.SpeedFactor, when non-zero, maps to the API speed parameter.
//
// The returned channel is closed once all text has been synthesised, on the
// first request failure, or when ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai: voice.ID must not be empty")
	}

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		var buf strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// Flush whatever partial sentence is left.
					if rest := strings.TrimSpace(buf.String()); rest != "" {
						_ = p.speak(ctx, rest, voice, audioCh)
					}
					return
				}
				buf.WriteString(fragment)
				for {
					sentence, rest, found := nextSentence(buf.String())
					if !found {
						break
					}
					buf.Reset()
					buf.WriteString(rest)
					if sentence == "" {
						continue
					}
					if err := p.speak(ctx, sentence, voice, audioCh); err != nil {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// speak issues one speech request for sentence and streams the PCM response
// body into out in fixed-size chunks.
func (p *Provider) speak(ctx context.Context, sentence string, voice tts.VoiceProfile, out chan<- []byte) error {
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          sentence,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		params.Speed = param.NewOpt(voice.SpeedFactor)
	}
	if p.instructions != "" {
		params.Instructions = param.NewOpt(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai: speech request: %w", err)
	}
	defer resp.Body.Close()

	chunk := make([]byte, pcmChunkSize)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			pcm := make([]byte, n)
			copy(pcm, chunk[:n])
			select {
			case out <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai: read speech response: %w", err)
		}
	}
}

// nextSentence splits s at the first '.', '!' or '?' that ends the string or is
// followed by whitespace. It reports the trimmed sentence, the remainder, and
// whether a boundary was found. Punctuation inside tokens like "3.14" does not
// count as a boundary.
func nextSentence(s string) (sentence, rest string, found bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
			return strings.TrimSpace(s[:i+1]), s[i+1:], true
		}
	}
	return "", s, false
}
