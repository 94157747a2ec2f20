package config

import (
	"strings"
	"testing"
)

func TestLoadSecrets_AllSet(t *testing.T) {
	t.Setenv(EnvAssemblyAIKey, "stt-key")
	t.Setenv(EnvAssemblyAITTSKey, "tts-key")
	t.Setenv(EnvOpenAIKey, "sk-test")
	t.Setenv(EnvLLMModel, "anthropic/claude-sonnet-4-5")
	t.Setenv(EnvTTSWSSURL, "wss://tts.example.com/stream")

	s, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.AssemblyAIKey != "stt-key" || s.AssemblyAITTSKey != "tts-key" {
		t.Errorf("keys = %q / %q", s.AssemblyAIKey, s.AssemblyAITTSKey)
	}
	if s.OpenAIKey != "sk-test" {
		t.Errorf("openai key = %q", s.OpenAIKey)
	}
	if s.LLMModel != "anthropic/claude-sonnet-4-5" {
		t.Errorf("llm model = %q", s.LLMModel)
	}
	if s.TTSEndpoint != "wss://tts.example.com/stream" {
		t.Errorf("tts endpoint = %q", s.TTSEndpoint)
	}
}

func TestLoadSecrets_MissingRequiredListsAll(t *testing.T) {
	t.Setenv(EnvAssemblyAIKey, "")
	t.Setenv(EnvAssemblyAITTSKey, "")

	_, err := LoadSecrets()
	if err == nil {
		t.Fatal("LoadSecrets accepted missing required keys")
	}
	if !strings.Contains(err.Error(), EnvAssemblyAIKey) || !strings.Contains(err.Error(), EnvAssemblyAITTSKey) {
		t.Errorf("error does not name both keys: %q", err)
	}
}

func TestLoadSecrets_OptionalKeysMayBeEmpty(t *testing.T) {
	t.Setenv(EnvAssemblyAIKey, "stt-key")
	t.Setenv(EnvAssemblyAITTSKey, "tts-key")
	t.Setenv(EnvOpenAIKey, "")
	t.Setenv(EnvLLMModel, "")
	t.Setenv(EnvTTSWSSURL, "")

	s, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.LLMModel != "" || s.TTSEndpoint != "" {
		t.Errorf("optional overrides = %q / %q, want empty", s.LLMModel, s.TTSEndpoint)
	}
}

func TestSecrets_ApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.Providers.LLM.Model = "gpt-4o-mini"
	cfg.Providers.TTS.Endpoint = "wss://default.example.com"

	s := &Secrets{LLMModel: "gpt-4o", TTSEndpoint: "wss://override.example.com"}
	s.Apply(cfg)

	if cfg.Providers.LLM.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Providers.LLM.Model)
	}
	if cfg.Providers.TTS.Endpoint != "wss://override.example.com" {
		t.Errorf("endpoint = %q", cfg.Providers.TTS.Endpoint)
	}
}

func TestSecrets_ApplyEmptyLeavesConfig(t *testing.T) {
	cfg := Default()
	cfg.Providers.LLM.Model = "gpt-4o-mini"

	(&Secrets{}).Apply(cfg)

	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want unchanged", cfg.Providers.LLM.Model)
	}
}
