package transcript

import (
	"strings"

	"github.com/MrWong99/threadloom/internal/transcript/phonetic"
)

// trailingPunct are the characters stripped from the end of a window before
// matching and re-attached after substitution, so sentence boundaries
// survive correction.
const trailingPunct = `.,!?;:'")]`

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher. Passing a
// [*phonetic.Matcher] keeps the prepared-glossary fast path; any other
// [PhoneticMatcher] implementation is called per window against the raw
// glossary.
func WithMatcher(m PhoneticMatcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector substitutes canonical glossary spellings into transcript text.
//
// The glossary is fixed at construction, matching the session lifecycle:
// per-session configuration is frozen when the session starts. A Corrector
// is read-only after construction and safe for concurrent use.
type Corrector struct {
	matcher   PhoneticMatcher
	glossary  []string
	prepared  *phonetic.PreparedTerms
	maxWindow int
}

// Ensure the default matcher satisfies the interface at compile time.
var _ PhoneticMatcher = (*phonetic.Matcher)(nil)

// NewCorrector builds a [Corrector] over glossary. Blank glossary entries
// are dropped; when nothing remains the corrector is disabled.
func NewCorrector(glossary []string, opts ...Option) *Corrector {
	c := &Corrector{}
	for _, g := range glossary {
		if g = strings.TrimSpace(g); g != "" {
			c.glossary = append(c.glossary, g)
		}
	}
	for _, o := range opts {
		o(c)
	}
	if c.matcher == nil {
		c.matcher = phonetic.New()
	}
	if len(c.glossary) == 0 {
		return c
	}
	if _, ok := c.matcher.(*phonetic.Matcher); ok {
		c.prepared = phonetic.PrepareTerms(c.glossary)
		c.maxWindow = c.prepared.MaxWords()
	} else {
		c.maxWindow = maxWordCount(c.glossary)
	}
	return c
}

// Enabled reports whether the corrector will alter text. A corrector built
// from an empty glossary is permanently disabled.
func (c *Corrector) Enabled() bool {
	return c.maxWindow > 0
}

// Correct scans text with n-gram windows up to the longest glossary term,
// longest window first so multi-word terms take precedence over partial
// single-word matches, and substitutes matched terms. It returns the
// corrected text and the substitutions applied, in order.
//
// A window that already equals its glossary term is consumed without being
// recorded, so repeated mentions of a correctly transcribed term do not
// accumulate no-op corrections in event metadata.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if !c.Enabled() {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	matchFn := func(window string) (string, float64, bool) {
		return c.matcher.Match(window, c.glossary)
	}
	if pm, ok := c.matcher.(*phonetic.Matcher); ok {
		matchFn = func(window string) (string, float64, bool) {
			return pm.MatchPrepared(window, c.prepared)
		}
	}

	var (
		out         []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		// Clamp window size to remaining tokens.
		maxN := c.maxWindow
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			core := strings.TrimRight(window, trailingPunct)
			if core == "" {
				continue
			}
			punct := window[len(core):]

			term, conf, ok := matchFn(core)
			if !ok {
				continue
			}

			if term == core {
				out = append(out, tokens[i:i+n]...)
			} else {
				out = append(out, strings.Fields(term)...)
				if punct != "" {
					out[len(out)-1] += punct
				}
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  term,
					Confidence: conf,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any glossary term. Returns 1 when glossary is empty.
func maxWordCount(glossary []string) int {
	max := 1
	for _, g := range glossary {
		if n := len(strings.Fields(g)); n > max {
			max = n
		}
	}
	return max
}
