// Package phonetic matches spoken words against a glossary of known terms
// using Double Metaphone encoding combined with Jaro-Winkler string
// similarity.
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     every word of the input and of each glossary term. A term becomes a
//     phonetic candidate when each word on the shorter side shares a code
//     with some word on the other side.
//
//  2. Jaro-Winkler ranking: among phonetic candidates the term with the
//     highest similarity wins, provided it exceeds the phonetic threshold
//     (default 0.70). When no phonetic candidate exists, a fallback pass
//     accepts pure string similarity above a stricter fuzzy threshold
//     (default 0.85).
//
// Similarity considers both the strings as spoken and their concatenated
// forms, so a term split across words ("thread loom") still reaches its
// glossary spelling ("Threadloom"). Terms whose concatenated length differs
// too much from the input are never candidates; Winkler's prefix boost
// would otherwise promote bare prefixes of long terms past the threshold.
//
// A [Matcher] is read-only after construction and safe for concurrent use.
// Callers that scan transcripts window by window should prepare the
// glossary once with [PrepareTerms] and use [Matcher.MatchPrepared].
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minTermLengthRatio bounds how much shorter one side may be, measured
	// on the concatenated rune counts.
	minTermLengthRatio = 0.75
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic glossary matcher. It implements the transcript
// package's PhoneticMatcher interface and is safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// PreparedTerms holds a glossary with token splits and Double Metaphone
// codes computed once. Prepare a glossary with [PrepareTerms] and reuse the
// value across [Matcher.MatchPrepared] calls; it is read-only afterwards
// and safe for concurrent use.
type PreparedTerms struct {
	terms    []preparedTerm
	maxWords int
}

type preparedTerm struct {
	original   string
	lower      string
	concat     string
	tokens     []string
	tokenCodes []map[string]struct{}
}

// PrepareTerms precomputes match data for every term. Empty and
// whitespace-only terms are dropped.
func PrepareTerms(terms []string) *PreparedTerms {
	p := &PreparedTerms{}
	for _, term := range terms {
		tokens := strings.Fields(strings.ToLower(term))
		if len(tokens) == 0 {
			continue
		}
		p.terms = append(p.terms, preparedTerm{
			original:   strings.TrimSpace(term),
			lower:      strings.Join(tokens, " "),
			concat:     strings.Join(tokens, ""),
			tokens:     tokens,
			tokenCodes: codesPerToken(tokens),
		})
		if len(tokens) > p.maxWords {
			p.maxWords = len(tokens)
		}
	}
	return p
}

// Len returns the number of prepared terms.
func (p *PreparedTerms) Len() int { return len(p.terms) }

// MaxWords returns the token count of the longest prepared term, or 0 when
// no terms were prepared.
func (p *PreparedTerms) MaxWords() int { return p.maxWords }

// Match attempts to find the term from terms that is most phonetically
// similar to word. It prepares terms on every call; callers matching many
// windows against a fixed glossary should use [PrepareTerms] once together
// with [Matcher.MatchPrepared] instead.
//
// word may be a single word or a space-separated phrase (n-gram).
//
// Return values:
//
//	corrected  - the best-matching term, in its glossary casing.
//	confidence - similarity score in [0.0, 1.0].
//	matched    - true when a sufficiently similar term was found.
//
// When matched is false, corrected equals word unchanged and confidence
// is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, PrepareTerms(terms))
}

// MatchPrepared is [Matcher.Match] against a precomputed [PreparedTerms].
// It avoids re-deriving token splits and phonetic codes for the glossary on
// every call, which matters when a transcript is scanned window by window.
func (m *Matcher) MatchPrepared(word string, terms *PreparedTerms) (corrected string, confidence float64, matched bool) {
	if terms == nil || len(terms.terms) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordTokens := strings.Fields(strings.ToLower(word))
	wordLower := strings.Join(wordTokens, " ")
	wordConcat := strings.Join(wordTokens, "")
	wordCodes := codesPerToken(wordTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, t := range terms.terms {
		if lengthRatio(wordConcat, t.concat) < minTermLengthRatio {
			continue
		}

		phoneticMatch := aligned(wordCodes, t.tokenCodes)
		jwScore := bestJWScore(wordLower, wordConcat, t.lower, t.concat)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: t.original, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: t.original, score: jwScore, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesPerToken returns the Double Metaphone codes of each token. Codes the
// encoder leaves empty (digits, very short tokens) are excluded, so a
// token's set may be empty.
func codesPerToken(tokens []string) []map[string]struct{} {
	codes := make([]map[string]struct{}, len(tokens))
	for i, t := range tokens {
		codes[i] = make(map[string]struct{}, 2)
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[i][p] = struct{}{}
		}
		if s != "" {
			codes[i][s] = struct{}{}
		}
	}
	return codes
}

// aligned reports whether every token on the shorter side shares a Double
// Metaphone code with some token on the other side. A token without codes
// cannot align.
func aligned(a, b []map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for _, ta := range a {
		ok := false
		for _, tb := range b {
			if overlaps(ta, tb) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// overlaps returns true if the two code sets share at least one code.
func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the higher Jaro-Winkler similarity of two views:
// the strings as spoken ("post gress" vs "postgres") and the concatenated
// forms with spaces removed ("postgress" vs "postgres"). Ranking is on
// whole strings only; a single shared token must not carry a multi-word
// window over the threshold.
func bestJWScore(inputFull, inputConcat, termFull, termConcat string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)
	if inputConcat != inputFull || termConcat != termFull {
		if s := matchr.JaroWinkler(inputConcat, termConcat, false); s > score {
			score = s
		}
	}
	return score
}

// lengthRatio returns the rune-count ratio of the shorter string to the
// longer, in [0.0, 1.0].
func lengthRatio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la > lb {
		la, lb = lb, la
	}
	if lb == 0 {
		return 0
	}
	return float64(la) / float64(lb)
}
