package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names consumed by the server.
const (
	// EnvAssemblyAIKey authenticates the STT vendor. Required.
	EnvAssemblyAIKey = "ASSEMBLYAI_API_KEY"

	// EnvAssemblyAITTSKey authenticates the TTS vendor. Required.
	EnvAssemblyAITTSKey = "ASSEMBLYAI_TTS_API_KEY"

	// EnvOpenAIKey authenticates the LLM vendor. Required unless the model
	// is routed to a vendor with its own key variable.
	EnvOpenAIKey = "OPENAI_API_KEY"

	// EnvLLMModel overrides providers.llm.model. Optional.
	EnvLLMModel = "LLM_MODEL"

	// EnvTTSWSSURL overrides providers.tts.endpoint. Optional.
	EnvTTSWSSURL = "ASSEMBLYAI_TTS_WSS_URL"
)

// RequiredSecrets lists the platform secrets every deployed agent bundle
// must carry in its env, and which the server itself requires at startup.
var RequiredSecrets = []string{EnvAssemblyAIKey, EnvAssemblyAITTSKey}

// Secrets holds the credentials and overrides resolved from the process
// environment. They are kept out of [Config] so a dumped config never leaks
// a key.
type Secrets struct {
	AssemblyAIKey    string
	AssemblyAITTSKey string
	OpenAIKey        string

	// LLMModel is non-empty only when LLM_MODEL is set; it overrides the
	// configured model.
	LLMModel string

	// TTSEndpoint is non-empty only when ASSEMBLYAI_TTS_WSS_URL is set; it
	// overrides the configured TTS endpoint.
	TTSEndpoint string
}

// LoadSecrets resolves [Secrets] from the environment. A .env file in the
// working directory is loaded first when present (development convenience;
// real deployments set real environment variables). Missing required keys
// fail with one joined error naming all of them.
func LoadSecrets() (*Secrets, error) {
	// godotenv never overrides variables that are already set.
	_ = godotenv.Load()

	s := &Secrets{
		AssemblyAIKey:    os.Getenv(EnvAssemblyAIKey),
		AssemblyAITTSKey: os.Getenv(EnvAssemblyAITTSKey),
		OpenAIKey:        os.Getenv(EnvOpenAIKey),
		LLMModel:         os.Getenv(EnvLLMModel),
		TTSEndpoint:      os.Getenv(EnvTTSWSSURL),
	}

	var errs []error
	if s.AssemblyAIKey == "" {
		errs = append(errs, fmt.Errorf("config: required environment variable %s is not set", EnvAssemblyAIKey))
	}
	if s.AssemblyAITTSKey == "" {
		errs = append(errs, fmt.Errorf("config: required environment variable %s is not set", EnvAssemblyAITTSKey))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply folds the environment overrides into cfg.
func (s *Secrets) Apply(cfg *Config) {
	if s.LLMModel != "" {
		cfg.Providers.LLM.Model = s.LLMModel
	}
	if s.TTSEndpoint != "" {
		cfg.Providers.TTS.Endpoint = s.TTSEndpoint
	}
}
