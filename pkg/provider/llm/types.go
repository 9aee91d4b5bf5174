package llm

import "strings"

// Message is one turn of the prompt sent to a completion backend.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// ModelCapabilities is static metadata about the configured model. Values are
// best-effort lookups by model name; unknown models get conservative defaults.
type ModelCapabilities struct {
	// ContextWindow is the combined input and output token limit.
	ContextWindow int

	// MaxOutputTokens bounds the length of a single completion.
	MaxOutputTokens int

	// SupportsStreaming reports whether the backend streams natively rather
	// than emulating chunks from a blocking call.
	SupportsStreaming bool
}

// CapabilitiesFor returns the capabilities of a known model name, matched by
// prefix or family substring. The table covers the models the built-in
// backends are typically configured with; everything else falls back to a
// 128k window with 4k output, which is safe for prompt budgeting because the
// budget only ever trims down.
func CapabilitiesFor(model string) ModelCapabilities {
	caps := ModelCapabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}

	name := strings.ToLower(model)
	switch {
	case strings.HasPrefix(name, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(name, "gpt-4-turbo"):
		// defaults
	case strings.HasPrefix(name, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(name, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(name, "o1-mini"):
		caps.MaxOutputTokens = 65_536
	case strings.HasPrefix(name, "o1"), strings.HasPrefix(name, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
	case strings.Contains(name, "claude-3-opus"):
		caps.ContextWindow = 200_000
	case strings.HasPrefix(name, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
	case strings.Contains(name, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
	case strings.Contains(name, "gemini-2.0-flash"), strings.Contains(name, "gemini-1.5-flash"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(name, "gemini"):
		caps.MaxOutputTokens = 8_192
	}
	return caps
}
