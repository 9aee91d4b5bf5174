package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "deepgram"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path, applies the environment
// overlay and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, applies the environment
// overlay and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from the environment alone, for deployments that
// run without a config file.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Set variables win over
// file values; unset variables leave the field alone. Malformed numeric and
// boolean values are collected into a joined error.
func ApplyEnv(cfg *Config) error {
	var errs []error

	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not a boolean", name, v))
			return
		}
		*dst = b
	}
	setInt := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", name, v))
			return
		}
		*dst = n
	}
	setInt64 := func(name string, dst *int64) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", name, v))
			return
		}
		*dst = n
	}
	setFloat := func(name string, dst *float64) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not a number", name, v))
			return
		}
		*dst = f
	}

	setString("AUTH_TOKEN", &cfg.Server.AuthToken)
	setInt64("MAX_BODY_BYTES", &cfg.Limits.MaxBodyBytes)
	setString("DATABASE_URL", &cfg.Database.URL)

	setString("STT_DEFAULT_URL", &cfg.Providers.STT.BaseURL)
	setString("STT_DEFAULT_MODEL", &cfg.Providers.STT.Model)
	setBool("STT_VAD_ENABLED", &cfg.STT.VADEnabled)
	setFloat("STT_VAD_MIN_SECONDS", &cfg.STT.VADMinSeconds)
	setFloat("STT_VAD_MAX_SECONDS", &cfg.STT.VADMaxSeconds)
	setInt("STT_VAD_SILENCE_MS", &cfg.STT.VADSilenceMs)
	setBool("STT_HTTP_POOL_ENABLED", &cfg.STT.PoolEnabled)

	setString("LLM_DEFAULT_URL", &cfg.Providers.LLM.BaseURL)
	setString("LLM_DEFAULT_MODEL", &cfg.Providers.LLM.Model)
	setInt("LLM_REQUEST_TIMEOUT_SECONDS", &cfg.LLM.RequestTimeoutSeconds)

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found;
// advisory conditions are logged instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if cfg.Server.AuthToken == "" {
		slog.Warn("server.auth_token is empty; ingress endpoints accept unauthenticated connections")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("stt", cfg.Providers.STTFallback.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Provider availability warnings
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; sessions only accept client-supplied transcript events")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; conversation graph analysis is disabled")
	}
	if cfg.Providers.STTFallback.Name != "" && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallback is set but providers.stt is empty"))
	}
	if cfg.Providers.LLMFallback.Name != "" && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallback is set but providers.llm is empty"))
	}

	// STT flush policy
	if cfg.STT.VADMinSeconds < 0 {
		errs = append(errs, fmt.Errorf("stt.vad_min_seconds %.2f must not be negative", cfg.STT.VADMinSeconds))
	}
	if cfg.STT.VADMaxSeconds < 0 {
		errs = append(errs, fmt.Errorf("stt.vad_max_seconds %.2f must not be negative", cfg.STT.VADMaxSeconds))
	}
	if cfg.STT.VADMinSeconds > 0 && cfg.STT.VADMaxSeconds > 0 && cfg.STT.VADMaxSeconds <= cfg.STT.VADMinSeconds {
		errs = append(errs, fmt.Errorf("stt.vad_max_seconds %.2f must be greater than stt.vad_min_seconds %.2f", cfg.STT.VADMaxSeconds, cfg.STT.VADMinSeconds))
	}
	if cfg.STT.VADSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("stt.vad_silence_ms %d must not be negative", cfg.STT.VADSilenceMs))
	}
	if cfg.STT.FixedIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("stt.fixed_interval_seconds %.2f must not be negative", cfg.STT.FixedIntervalSeconds))
	}
	if cfg.STT.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("stt.timeout_seconds %d must not be negative", cfg.STT.TimeoutSeconds))
	}
	if cfg.STT.FileTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("stt.file_timeout_seconds %d must not be negative", cfg.STT.FileTimeoutSeconds))
	}

	// LLM policy
	if cfg.LLM.RequestTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("llm.request_timeout_seconds %d must not be negative", cfg.LLM.RequestTimeoutSeconds))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.PromptTokenBudget < 0 {
		errs = append(errs, fmt.Errorf("llm.prompt_token_budget %d must not be negative", cfg.LLM.PromptTokenBudget))
	}

	// Database availability
	if cfg.Database.URL == "" {
		slog.Warn("database.url is empty; running on the in-memory store, nothing survives a restart")
	}

	// Session timings
	if cfg.Session.ReconnectGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect_grace_seconds %d must not be negative", cfg.Session.ReconnectGraceSeconds))
	}
	if cfg.Session.IdleFlushSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.idle_flush_seconds %.2f must not be negative", cfg.Session.IdleFlushSeconds))
	}
	if cfg.Session.DrainTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.drain_timeout_seconds %.2f must not be negative", cfg.Session.DrainTimeoutSeconds))
	}
	if cfg.Session.AudioBufferSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.audio_buffer_seconds %.2f must not be negative", cfg.Session.AudioBufferSeconds))
	}

	// Transcript chunking
	if cfg.Transcript.ChunkTargetWords < 0 {
		errs = append(errs, fmt.Errorf("transcript.chunk_target_words %d must not be negative", cfg.Transcript.ChunkTargetWords))
	}
	if cfg.Transcript.ChunkOverlapWords < 0 {
		errs = append(errs, fmt.Errorf("transcript.chunk_overlap_words %d must not be negative", cfg.Transcript.ChunkOverlapWords))
	}
	if cfg.Transcript.ChunkTargetWords > 0 && cfg.Transcript.ChunkOverlapWords >= cfg.Transcript.ChunkTargetWords {
		errs = append(errs, fmt.Errorf("transcript.chunk_overlap_words %d must be smaller than chunk_target_words %d", cfg.Transcript.ChunkOverlapWords, cfg.Transcript.ChunkTargetWords))
	}

	// Limits
	if cfg.Limits.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("limits.max_body_bytes %d must not be negative", cfg.Limits.MaxBodyBytes))
	}
	if cfg.Limits.HTTPConcurrency < 0 {
		errs = append(errs, fmt.Errorf("limits.http_concurrency %d must not be negative", cfg.Limits.HTTPConcurrency))
	}
	if cfg.Limits.LLMConcurrency < 0 {
		errs = append(errs, fmt.Errorf("limits.llm_concurrency %d must not be negative", cfg.Limits.LLMConcurrency))
	}
	if cfg.Limits.HTTPConcurrency > 0 && cfg.Limits.LLMConcurrency > cfg.Limits.HTTPConcurrency {
		slog.Warn("limits.llm_concurrency exceeds limits.http_concurrency; analysis requests will queue on the HTTP cap",
			"llm", cfg.Limits.LLMConcurrency,
			"http", cfg.Limits.HTTPConcurrency,
		)
	}
	if cfg.Limits.SubscriberQueue < 0 {
		errs = append(errs, fmt.Errorf("limits.subscriber_queue %d must not be negative", cfg.Limits.SubscriberQueue))
	}
	if cfg.Limits.ReplayRetention < 0 {
		errs = append(errs, fmt.Errorf("limits.replay_retention %d must not be negative", cfg.Limits.ReplayRetention))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
