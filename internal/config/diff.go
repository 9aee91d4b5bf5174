package config

import (
	"fmt"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: provider defaults
// and per-request policies picked up by new sessions, transcript settings,
// session timings and the log level. Listen address, TLS, database and the
// limits block require a restart and are deliberately ignored here.
type ConfigDiff struct {
	LogLevelChanged   bool
	NewLogLevel       LogLevel
	STTChanged        bool // providers.stt entry or the stt policy block
	LLMChanged        bool // providers.llm entry or the llm policy block
	VADChanged        bool
	TranscriptChanged bool
	SessionChanged    bool

	// Fields lists every changed field in dotted form, e.g.
	// "providers.stt.model" or "session.idle_flush_seconds".
	Fields []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return len(d.Fields) == 0 && !d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
		d.Fields = append(d.Fields, "server.log_level")
	}

	if fields := diffEntry("providers.stt", old.Providers.STT, new.Providers.STT); len(fields) > 0 {
		d.STTChanged = true
		d.Fields = append(d.Fields, fields...)
	}
	if fields := diffEntry("providers.stt_fallback", old.Providers.STTFallback, new.Providers.STTFallback); len(fields) > 0 {
		d.STTChanged = true
		d.Fields = append(d.Fields, fields...)
	}
	if fields := diffSTTPolicy(old.STT, new.STT); len(fields) > 0 {
		d.STTChanged = true
		d.Fields = append(d.Fields, fields...)
	}

	if fields := diffEntry("providers.llm", old.Providers.LLM, new.Providers.LLM); len(fields) > 0 {
		d.LLMChanged = true
		d.Fields = append(d.Fields, fields...)
	}
	if fields := diffEntry("providers.llm_fallback", old.Providers.LLMFallback, new.Providers.LLMFallback); len(fields) > 0 {
		d.LLMChanged = true
		d.Fields = append(d.Fields, fields...)
	}
	if fields := diffLLMPolicy(old.LLM, new.LLM); len(fields) > 0 {
		d.LLMChanged = true
		d.Fields = append(d.Fields, fields...)
	}

	if fields := diffEntry("providers.vad", old.Providers.VAD, new.Providers.VAD); len(fields) > 0 {
		d.VADChanged = true
		d.Fields = append(d.Fields, fields...)
	}

	if fields := diffTranscript(old.Transcript, new.Transcript); len(fields) > 0 {
		d.TranscriptChanged = true
		d.Fields = append(d.Fields, fields...)
	}

	if fields := diffSession(old.Session, new.Session); len(fields) > 0 {
		d.SessionChanged = true
		d.Fields = append(d.Fields, fields...)
	}

	return d
}

// SnapshotDiff lists the fields of a session's effective provider snapshot
// that differ from the server defaults, in the same dotted form [Diff] uses.
// Sessions log this at start so per-session overrides are visible in one place.
func SnapshotDiff(defaults, effective Snapshot) []string {
	var fields []string
	fields = append(fields, diffEntry("stt", defaults.STT, effective.STT)...)
	fields = append(fields, diffSTTPolicyPrefixed("stt", defaults.STTPolicy, effective.STTPolicy)...)
	fields = append(fields, diffEntry("llm", defaults.LLM, effective.LLM)...)
	fields = append(fields, diffLLMPolicyPrefixed("llm", defaults.LLMPolicy, effective.LLMPolicy)...)
	return fields
}

func diffEntry(prefix string, old, new ProviderEntry) []string {
	var fields []string
	if old.Name != new.Name {
		fields = append(fields, prefix+".name")
	}
	if old.APIKey != new.APIKey {
		fields = append(fields, prefix+".api_key")
	}
	if old.BaseURL != new.BaseURL {
		fields = append(fields, prefix+".base_url")
	}
	if old.Model != new.Model {
		fields = append(fields, prefix+".model")
	}
	if !reflect.DeepEqual(old.Options, new.Options) {
		fields = append(fields, prefix+".options")
	}
	return fields
}

func diffSTTPolicy(old, new STTConfig) []string {
	return diffSTTPolicyPrefixed("stt", old, new)
}

func diffSTTPolicyPrefixed(prefix string, old, new STTConfig) []string {
	var fields []string
	add := func(name string) { fields = append(fields, fmt.Sprintf("%s.%s", prefix, name)) }
	if old.Language != new.Language {
		add("language")
	}
	if old.VADEnabled != new.VADEnabled {
		add("vad_enabled")
	}
	if old.VADMinSeconds != new.VADMinSeconds {
		add("vad_min_seconds")
	}
	if old.VADMaxSeconds != new.VADMaxSeconds {
		add("vad_max_seconds")
	}
	if old.VADSilenceMs != new.VADSilenceMs {
		add("vad_silence_ms")
	}
	if old.FixedIntervalSeconds != new.FixedIntervalSeconds {
		add("fixed_interval_seconds")
	}
	if old.TimeoutSeconds != new.TimeoutSeconds {
		add("timeout_seconds")
	}
	if old.FileTimeoutSeconds != new.FileTimeoutSeconds {
		add("file_timeout_seconds")
	}
	if old.PoolEnabled != new.PoolEnabled {
		add("pool_enabled")
	}
	return fields
}

func diffLLMPolicy(old, new LLMConfig) []string {
	return diffLLMPolicyPrefixed("llm", old, new)
}

func diffLLMPolicyPrefixed(prefix string, old, new LLMConfig) []string {
	var fields []string
	add := func(name string) { fields = append(fields, fmt.Sprintf("%s.%s", prefix, name)) }
	if old.RequestTimeoutSeconds != new.RequestTimeoutSeconds {
		add("request_timeout_seconds")
	}
	if old.Temperature != new.Temperature {
		add("temperature")
	}
	if old.MaxTokens != new.MaxTokens {
		add("max_tokens")
	}
	if old.PromptTokenBudget != new.PromptTokenBudget {
		add("prompt_token_budget")
	}
	return fields
}

func diffTranscript(old, new TranscriptConfig) []string {
	var fields []string
	if !slices.Equal(old.Glossary, new.Glossary) {
		fields = append(fields, "transcript.glossary")
	}
	if old.ChunkTargetWords != new.ChunkTargetWords {
		fields = append(fields, "transcript.chunk_target_words")
	}
	if old.ChunkOverlapWords != new.ChunkOverlapWords {
		fields = append(fields, "transcript.chunk_overlap_words")
	}
	return fields
}

func diffSession(old, new SessionConfig) []string {
	var fields []string
	if old.ReconnectGraceSeconds != new.ReconnectGraceSeconds {
		fields = append(fields, "session.reconnect_grace_seconds")
	}
	if old.IdleFlushSeconds != new.IdleFlushSeconds {
		fields = append(fields, "session.idle_flush_seconds")
	}
	if old.DrainTimeoutSeconds != new.DrainTimeoutSeconds {
		fields = append(fields, "session.drain_timeout_seconds")
	}
	if old.AudioBufferSeconds != new.AudioBufferSeconds {
		fields = append(fields, "session.audio_buffer_seconds")
	}
	return fields
}
