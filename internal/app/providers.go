package app

import (
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/resilience"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/llm/anyllm"
	"github.com/parleyvoice/parley/pkg/provider/llm/openai"
	"github.com/parleyvoice/parley/pkg/provider/stt"
	aaistt "github.com/parleyvoice/parley/pkg/provider/stt/assemblyai"
	"github.com/parleyvoice/parley/pkg/provider/tts"
	aaitts "github.com/parleyvoice/parley/pkg/provider/tts/assemblyai"
)

// Providers holds one interface value per provider slot. All three are
// required; tests populate them with mocks.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider
}

// BuildProviders constructs the speech and language vendors from config and
// the resolved environment secrets.
func BuildProviders(cfg *config.Config, secrets *config.Secrets) (*Providers, error) {
	sttProvider, err := buildSTT(cfg.Providers.STT, secrets)
	if err != nil {
		return nil, fmt.Errorf("app: build stt provider: %w", err)
	}
	ttsProvider, err := buildTTS(cfg.Providers.TTS, secrets)
	if err != nil {
		return nil, fmt.Errorf("app: build tts provider: %w", err)
	}
	llmProvider, err := buildLLM(cfg.Providers.LLM, secrets)
	if err != nil {
		return nil, fmt.Errorf("app: build llm provider: %w", err)
	}

	return &Providers{
		STT: sttProvider,
		TTS: ttsProvider,
		LLM: llmProvider,
	}, nil
}

// buildSTT constructs the transcription provider, wrapped in a failover
// group when a fallback endpoint is configured.
func buildSTT(cfg config.STTConfig, secrets *config.Secrets) (stt.Provider, error) {
	primary, err := buildSTTEndpoint(cfg, cfg.Endpoint, secrets)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackEndpoint == "" {
		return primary, nil
	}

	fallback, err := buildSTTEndpoint(cfg, cfg.FallbackEndpoint, secrets)
	if err != nil {
		return nil, fmt.Errorf("fallback endpoint: %w", err)
	}
	group := resilience.NewSTTFailover(primary, "assemblyai", resilience.GroupConfig{})
	group.AddFallback(cfg.FallbackEndpoint, fallback)
	return group, nil
}

func buildSTTEndpoint(cfg config.STTConfig, endpoint string, secrets *config.Secrets) (stt.Provider, error) {
	opts := []aaistt.Option{
		aaistt.WithFormattedTurns(cfg.FormattedTurns),
	}
	if endpoint != "" {
		opts = append(opts, aaistt.WithEndpoint(endpoint))
	}
	return aaistt.New(secrets.AssemblyAIKey, opts...)
}

// buildTTS constructs the synthesis provider, wrapped in a failover group
// when a fallback endpoint is configured.
func buildTTS(cfg config.TTSConfig, secrets *config.Secrets) (tts.Provider, error) {
	primary, err := buildTTSEndpoint(cfg, cfg.Endpoint, secrets)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackEndpoint == "" {
		return primary, nil
	}

	fallback, err := buildTTSEndpoint(cfg, cfg.FallbackEndpoint, secrets)
	if err != nil {
		return nil, fmt.Errorf("fallback endpoint: %w", err)
	}
	group := resilience.NewTTSFailover(primary, "assemblyai", resilience.GroupConfig{})
	group.AddFallback(cfg.FallbackEndpoint, fallback)
	return group, nil
}

func buildTTSEndpoint(cfg config.TTSConfig, endpoint string, secrets *config.Secrets) (tts.Provider, error) {
	opts := []aaitts.Option{
		aaitts.WithSampleRate(cfg.SampleRate),
	}
	if endpoint != "" {
		opts = append(opts, aaitts.WithEndpoint(endpoint))
	}
	return aaitts.New(secrets.AssemblyAITTSKey, opts...)
}

// buildLLM constructs the chat provider, wrapped in a failover group when a
// fallback model is configured.
func buildLLM(cfg config.LLMConfig, secrets *config.Secrets) (llm.Provider, error) {
	primary, err := buildModel(cfg, cfg.Model, secrets)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackModel == "" {
		return primary, nil
	}

	fallback, err := buildModel(cfg, cfg.FallbackModel, secrets)
	if err != nil {
		return nil, fmt.Errorf("fallback model: %w", err)
	}
	group := resilience.NewLLMFailover(primary, cfg.Model, resilience.GroupConfig{})
	group.AddFallback(cfg.FallbackModel, fallback)
	return group, nil
}

// buildModel routes plain model names ("gpt-4o-mini") to the OpenAI adapter
// and "provider/model" names ("anthropic/claude-sonnet-4-5") through the
// any-llm adapter, which resolves the vendor key from its conventional
// environment variable.
func buildModel(cfg config.LLMConfig, model string, secrets *config.Secrets) (llm.Provider, error) {
	if providerName, bare, ok := strings.Cut(model, "/"); ok {
		var opts []anyllmlib.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.New(providerName, bare, opts...)
	}

	if secrets.OpenAIKey == "" {
		return nil, fmt.Errorf("%s is required for model %q", config.EnvOpenAIKey, model)
	}
	var opts []openai.Option
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(secrets.OpenAIKey, model, opts...)
}
