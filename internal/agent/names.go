package agent

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// soundsLikeThreshold is the Jaro-Winkler score a name that shares a
	// Double Metaphone code with the input needs.
	soundsLikeThreshold = 0.70

	// spelledLikeThreshold is the score any other name needs.
	spelledLikeThreshold = 0.85
)

// nameMatcher resolves misheard or misspelt agent names. Names that sound
// like the input (shared Double Metaphone code) are preferred over names
// that are merely spelled alike, and need a lower similarity.
type nameMatcher struct {
	soundsLike  float64
	spelledLike float64
}

func newNameMatcher() nameMatcher {
	return nameMatcher{soundsLike: soundsLikeThreshold, spelledLike: spelledLikeThreshold}
}

// match returns the best name for input with its score. ok is false when no
// name is close enough.
func (m nameMatcher) match(input string, names []string) (name string, score float64, ok bool) {
	in := nameTokens(input)
	if len(in) == 0 {
		return "", 0, false
	}
	common := sharedTokens(names)
	inCodes := metaphones(in, common)

	var (
		best      string
		bestScore float64
		bestSound bool
	)
	for _, n := range names {
		tok := nameTokens(n)
		if len(tok) == 0 {
			continue
		}
		s := similarity(in, tok)
		sounds := overlaps(inCodes, metaphones(tok, common))
		switch {
		case sounds && s >= m.soundsLike:
			if !bestSound || s > bestScore {
				best, bestScore, bestSound = n, s, true
			}
		case !bestSound && s >= m.spelledLike && s > bestScore:
			best, bestScore = n, s
		}
	}
	return best, bestScore, best != ""
}

// nameTokens lowercases s and splits it on anything that is not a letter or
// digit, so "coast_agent" and "Coast Agent" tokenize alike.
func nameTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// sharedTokens returns the tokens every name carries, such as a common
// "agent" suffix. They say nothing about which name was meant.
func sharedTokens(names []string) map[string]struct{} {
	if len(names) < 2 {
		return nil
	}
	shared := make(map[string]struct{})
	for _, t := range nameTokens(names[0]) {
		shared[t] = struct{}{}
	}
	for _, n := range names[1:] {
		seen := make(map[string]struct{})
		for _, t := range nameTokens(n) {
			seen[t] = struct{}{}
		}
		for t := range shared {
			if _, ok := seen[t]; !ok {
				delete(shared, t)
			}
		}
	}
	return shared
}

// metaphones returns the Double Metaphone codes of tokens, skipping those
// in skip.
func metaphones(tokens []string, skip map[string]struct{}) map[string]struct{} {
	codes := make(map[string]struct{}, 2*len(tokens))
	for _, t := range tokens {
		if _, ok := skip[t]; ok {
			continue
		}
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

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the better Jaro-Winkler score of the joined token strings
// with and without separators.
func similarity(a, b []string) float64 {
	score := matchr.JaroWinkler(strings.Join(a, " "), strings.Join(b, " "), false)
	if s := matchr.JaroWinkler(strings.Join(a, ""), strings.Join(b, ""), false); s > score {
		score = s
	}
	return score
}
