package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills the zero fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.STT.SampleRate == 0 {
		cfg.Providers.STT.SampleRate = 16000
	}
	if cfg.Providers.TTS.SampleRate == 0 {
		cfg.Providers.TTS.SampleRate = 24000
	}
	if cfg.Providers.LLM.Model == "" {
		cfg.Providers.LLM.Model = "gpt-4o-mini"
	}
	if cfg.Deploy.BundleDir == "" {
		cfg.Deploy.BundleDir = "bundles"
	}
	if cfg.Deploy.Index.Backend == "" {
		cfg.Deploy.Index.Backend = IndexMemory
	}
	if cfg.Deploy.Index.KeyPrefix == "" {
		cfg.Deploy.Index.KeyPrefix = "parley"
	}
	if cfg.Agent.Slug == "" {
		cfg.Agent.Slug = "default"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Providers.STT.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("providers.stt.sample_rate %d is below 8000 Hz", cfg.Providers.STT.SampleRate))
	}
	if cfg.Providers.TTS.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("providers.tts.sample_rate %d is below 8000 Hz", cfg.Providers.TTS.SampleRate))
	}

	if !cfg.Deploy.Index.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("deploy.index.backend %q is invalid; valid values: memory, postgres, redis", cfg.Deploy.Index.Backend))
	}
	if cfg.Deploy.Index.Backend == IndexPostgres && cfg.Deploy.Index.PostgresDSN == "" {
		errs = append(errs, errors.New("deploy.index.postgres_dsn is required when backend is postgres"))
	}
	if cfg.Deploy.Index.Backend == IndexRedis && cfg.Deploy.Index.RedisAddr == "" {
		errs = append(errs, errors.New("deploy.index.redis_addr is required when backend is redis"))
	}

	return errors.Join(errs...)
}
