// Package transcript corrects recognised turn text against an agent's known
// vocabulary before the text reaches the model.
//
// Streaming STT reliably garbles rare proper nouns — product names, tool
// names, coined words an agent cares about. The corrector aligns each word
// (and small n-grams) of a finished turn against the agent's keyword list
// using Double Metaphone phonetic codes filtered by Jaro-Winkler similarity,
// and substitutes the canonical spelling when the match is confident.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// maxNGram bounds the multi-word window tested against multi-word
	// keywords ("tower of whispers" style entities).
	maxNGram = 3
)

// Correction records one substitution the corrector made.
type Correction struct {
	// Original is the span as recognised by the STT vendor.
	Original string

	// Corrected is the canonical keyword that replaced it.
	Corrected string

	// Confidence is the Jaro-Winkler score of the accepted match.
	Confidence float64
}

// Option is a functional option for Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the corrector falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector matches transcript spans against a keyword vocabulary. Read-only
// after construction; safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Corrector with the supplied options.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct rewrites text by substituting confident keyword matches and
// returns the corrected text plus the substitutions made. With no keywords,
// text is returned unchanged.
//
// Longer n-grams are tried first so a multi-word keyword wins over a
// single-word partial match covering the same span.
func (c *Corrector) Correct(text string, keywords []string) (string, []Correction) {
	if len(keywords) == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	words := strings.Fields(text)
	var corrections []Correction

	for n := maxNGram; n >= 1; n-- {
		for i := 0; i+n <= len(words); i++ {
			span := strings.Join(words[i:i+n], " ")
			corrected, score, matched := c.match(span, keywords)
			if !matched || equalFold(span, corrected) {
				continue
			}
			// Replace the span in place and restart scanning past it.
			words = append(words[:i], append(strings.Fields(corrected), words[i+n:]...)...)
			corrections = append(corrections, Correction{
				Original:   span,
				Corrected:  corrected,
				Confidence: score,
			})
		}
	}

	return strings.Join(words, " "), corrections
}

// match finds the keyword most phonetically similar to span. A phonetic
// candidate (shared Double Metaphone code) is accepted at the phonetic
// threshold; without phonetic overlap, only a high pure-similarity score is
// accepted.
func (c *Corrector) match(span string, keywords []string) (corrected string, confidence float64, matched bool) {
	spanLower := strings.ToLower(strings.TrimSpace(span))
	if spanLower == "" {
		return span, 0, false
	}
	spanTokens := strings.Fields(spanLower)
	spanCodes := codesForTokens(spanTokens)

	type candidate struct {
		keyword  string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, kw := range keywords {
		kwLower := strings.ToLower(strings.TrimSpace(kw))
		if kwLower == "" {
			continue
		}
		kwTokens := strings.Fields(kwLower)

		phonetic := codesOverlap(spanCodes, codesForTokens(kwTokens))
		score := bestJWScore(spanTokens, kwTokens, spanLower, kwLower)

		if phonetic {
			if score >= c.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{keyword: kw, score: score, phonetic: true}
			}
		} else if !best.phonetic && score >= c.fuzzyThreshold && score > best.score {
			best = candidate{keyword: kw, score: score, phonetic: false}
		}
	}

	if best.keyword != "" {
		return best.keyword, best.score, true
	}
	return span, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
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

// bestJWScore computes the highest Jaro-Winkler similarity between the span
// and the keyword: full strings, space-stripped strings, and the best
// pairwise token comparison. longTolerance is false for standard scoring.
func bestJWScore(spanTokens, kwTokens []string, spanFull, kwFull string) float64 {
	best := matchr.JaroWinkler(spanFull, kwFull, false)

	stripped := matchr.JaroWinkler(
		strings.ReplaceAll(spanFull, " ", ""),
		strings.ReplaceAll(kwFull, " ", ""),
		false,
	)
	if stripped > best {
		best = stripped
	}

	for _, st := range spanTokens {
		for _, kt := range kwTokens {
			if s := matchr.JaroWinkler(st, kt, false); s > best {
				best = s
			}
		}
	}
	return best
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
