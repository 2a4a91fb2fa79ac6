package app

import (
	"fmt"

	"github.com/MrWong99/voxbridge/internal/ratelimit"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/provider/llm"
	llmanyllm "github.com/MrWong99/voxbridge/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/voxbridge/pkg/provider/llm/openai"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime"
	rtelevenlabs "github.com/MrWong99/voxbridge/pkg/provider/realtime/elevenlabs"
	rtgemini "github.com/MrWong99/voxbridge/pkg/provider/realtime/gemini"
	rtopenai "github.com/MrWong99/voxbridge/pkg/provider/realtime/openai"
	"github.com/MrWong99/voxbridge/pkg/provider/realtime/pipeline"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	sttopenai "github.com/MrWong99/voxbridge/pkg/provider/stt/openai"
	sttwhisper "github.com/MrWong99/voxbridge/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	ttscoqui "github.com/MrWong99/voxbridge/pkg/provider/tts/coqui"
	ttselevenlabs "github.com/MrWong99/voxbridge/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/voxbridge/pkg/provider/tts/openai"
	"github.com/MrWong99/voxbridge/pkg/provider/vad/energy"
)

// defaultPipelineModel is the chat model used when the credential record
// does not name one.
const defaultPipelineModel = "gpt-4o-mini"

// RegisterBuiltins installs the four built-in provider factories. limiter
// may be nil; when set, the pipeline factory meters its STT, LLM and TTS
// stages against the owning tenant's quota.
func RegisterBuiltins(r *realtime.Registry, limiter *ratelimit.Limiter) {
	r.Register("openai", rtopenai.FromCredentials)
	r.Register("elevenlabs", rtelevenlabs.FromCredentials)
	r.Register("gemini", rtgemini.FromCredentials)
	r.Register("pipeline", func(creds realtime.Credentials) (realtime.Provider, error) {
		return pipelineFromCredentials(creds, limiter)
	})
}

// pipelineFromCredentials composes the local VAD, STT, LLM and TTS stages
// from one credential record. Recognised keys:
//
//	stt_provider  "whisper" or "openai"; defaults to whisper when stt_url
//	              is set, openai otherwise
//	stt_url       whisper server URL
//	stt_model     model override for either STT backend
//	llm_provider  "openai" (default) or any name any-llm supports
//	llm_model     chat model, default gpt-4o-mini
//	tts_provider  "openai" (default), "elevenlabs" or "coqui"
//	tts_url       coqui server URL
//	voice         provider-specific voice id
//	api_key       shared key; stt_api_key / llm_api_key / tts_api_key
//	              override it per stage
//	stt_fallback, llm_fallback, tts_fallback
//	              name a second backend for the stage; the pipeline fails
//	              over to it when the primary errors or its breaker opens
func pipelineFromCredentials(creds realtime.Credentials, limiter *ratelimit.Limiter) (realtime.Provider, error) {
	sttP, err := pipelineSTT(creds, sttName(creds))
	if err != nil {
		return nil, err
	}
	if fb := creds.Get("stt_fallback", ""); fb != "" {
		alt, err := pipelineSTT(creds, fb)
		if err != nil {
			return nil, fmt.Errorf("pipeline: stt_fallback: %w", err)
		}
		group := resilience.NewSTTFallback(sttP, sttName(creds), resilience.FallbackConfig{})
		group.AddFallback(fb, alt)
		sttP = group
	}

	llmP, err := pipelineLLM(creds, creds.Get("llm_provider", "openai"))
	if err != nil {
		return nil, err
	}
	if fb := creds.Get("llm_fallback", ""); fb != "" {
		alt, err := pipelineLLM(creds, fb)
		if err != nil {
			return nil, fmt.Errorf("pipeline: llm_fallback: %w", err)
		}
		group := resilience.NewLLMFallback(llmP, creds.Get("llm_provider", "openai"), resilience.FallbackConfig{})
		group.AddFallback(fb, alt)
		llmP = group
	}

	ttsP, err := pipelineTTS(creds, creds.Get("tts_provider", "openai"))
	if err != nil {
		return nil, err
	}
	if fb := creds.Get("tts_fallback", ""); fb != "" {
		alt, err := pipelineTTS(creds, fb)
		if err != nil {
			return nil, fmt.Errorf("pipeline: tts_fallback: %w", err)
		}
		group := resilience.NewTTSFallback(ttsP, creds.Get("tts_provider", "openai"), resilience.FallbackConfig{})
		group.AddFallback(fb, alt)
		ttsP = group
	}

	var opts []pipeline.Option
	if voice := creds.Get("voice", ""); voice != "" {
		opts = append(opts, pipeline.WithVoice(tts.VoiceProfile{ID: voice}))
	}
	if tenant := creds.Get("tenant", ""); limiter != nil && tenant != "" {
		opts = append(opts, pipeline.WithQuota(func(op string) error {
			d := limiter.Allow(tenant, ratelimit.Kind(op))
			if !d.Allowed {
				return fmt.Errorf("pipeline: tenant %s out of %s quota, retry after %s", tenant, op, d.RetryAfter)
			}
			return nil
		}))
	}
	return pipeline.New(energy.New(), sttP, llmP, ttsP, opts...), nil
}

// sttName resolves the primary STT backend: an explicit stt_provider wins,
// otherwise a configured whisper server implies whisper.
func sttName(creds realtime.Credentials) string {
	if name := creds.Get("stt_provider", ""); name != "" {
		return name
	}
	if creds.Get("stt_url", "") != "" {
		return "whisper"
	}
	return "openai"
}

func pipelineSTT(creds realtime.Credentials, name string) (stt.Provider, error) {
	url := creds.Get("stt_url", "")
	switch name {
	case "whisper":
		if url == "" {
			return nil, fmt.Errorf("pipeline: whisper STT needs stt_url")
		}
		var opts []sttwhisper.Option
		if model := creds.Get("stt_model", ""); model != "" {
			opts = append(opts, sttwhisper.WithModel(model))
		}
		return sttwhisper.New(url, opts...)
	case "openai":
		key := creds.Get("stt_api_key", creds.Get("api_key", ""))
		if key == "" {
			return nil, fmt.Errorf("pipeline: OpenAI STT needs api_key")
		}
		var opts []sttopenai.Option
		if model := creds.Get("stt_model", ""); model != "" {
			opts = append(opts, sttopenai.WithModel(model))
		}
		return sttopenai.New(key, opts...)
	default:
		return nil, fmt.Errorf("pipeline: unknown stt_provider %q", name)
	}
}

func pipelineLLM(creds realtime.Credentials, name string) (llm.Provider, error) {
	model := creds.Get("llm_model", defaultPipelineModel)
	if name == "openai" {
		key := creds.Get("llm_api_key", creds.Get("api_key", ""))
		if key == "" {
			return nil, fmt.Errorf("pipeline: OpenAI LLM needs api_key")
		}
		return llmopenai.New(key, model)
	}
	return llmanyllm.New(name, model)
}

func pipelineTTS(creds realtime.Credentials, name string) (tts.Provider, error) {
	switch name {
	case "openai":
		key := creds.Get("tts_api_key", creds.Get("api_key", ""))
		if key == "" {
			return nil, fmt.Errorf("pipeline: OpenAI TTS needs api_key")
		}
		return ttsopenai.New(key)
	case "elevenlabs":
		key := creds.Get("tts_api_key", creds.Get("api_key", ""))
		if key == "" {
			return nil, fmt.Errorf("pipeline: ElevenLabs TTS needs api_key")
		}
		return ttselevenlabs.New(key)
	case "coqui":
		url := creds.Get("tts_url", "")
		if url == "" {
			return nil, fmt.Errorf("pipeline: Coqui TTS needs tts_url")
		}
		return ttscoqui.New(url)
	default:
		return nil, fmt.Errorf("pipeline: unknown tts_provider %q", name)
	}
}
