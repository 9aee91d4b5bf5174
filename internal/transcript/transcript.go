// Package transcript corrects final speech-to-text output against a
// per-session glossary before the text reaches the accumulator.
//
// STT output is rarely perfect for proper nouns: product names, acronyms
// and participant names are frequently misheard ("jason" for "JSON",
// "gravana" for "Grafana"). The [Corrector] scans n-gram windows of the
// transcript, aligns them against the glossary through a [PhoneticMatcher]
// and substitutes the canonical glossary spelling. Every substitution is
// reported as a [Correction] so callers can record it in event metadata;
// the transcript log itself stays append-only, so a substitution happens
// exactly once, before the event is written.
//
// Correction runs in-process with no network calls. A [Corrector] built
// from an empty glossary is disabled and passes text through unchanged.
package transcript

import "encoding/json"

// MetadataCorrections is the event metadata key under which applied
// corrections are recorded, JSON-encoded.
const MetadataCorrections = "corrections"

// Correction captures a single substitution made by the corrector.
type Correction struct {
	// Original is the window text as produced by the STT provider,
	// without trailing punctuation.
	Original string `json:"original"`

	// Corrected is the glossary term that replaced it.
	Corrected string `json:"corrected"`

	// Confidence is the match confidence in (0.0, 1.0].
	Confidence float64 `json:"confidence"`
}

// PhoneticMatcher resolves a word or phrase to a known glossary term based
// on pronunciation similarity. It must be fast enough for the live path:
// no network calls, no blocking.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the term from terms that is most phonetically
	// similar to word.
	//
	// Return values:
	//
	//	corrected  - the best-matching term from terms.
	//	confidence - similarity score in [0.0, 1.0].
	//	matched    - true when a sufficiently similar term was found.
	//
	// When matched is false, corrected must equal word unchanged and
	// confidence must be 0.
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}

// RecordCorrections writes corrections into md under [MetadataCorrections]
// and returns md, allocating it when nil. An empty correction list leaves
// md untouched.
func RecordCorrections(md map[string]string, corrections []Correction) map[string]string {
	if len(corrections) == 0 {
		return md
	}
	if md == nil {
		md = make(map[string]string, 1)
	}
	b, _ := json.Marshal(corrections)
	md[MetadataCorrections] = string(b)
	return md
}
