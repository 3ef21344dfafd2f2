package dispatch

import (
	"errors"
	"strings"
)

var (
	errEmptyCompletion   = errors.New("completion empty after shaping")
	errTooShort          = errors.New("completion too short")
	errRefusal           = errors.New("completion contains a refusal phrase")
	errDuplicateResponse = errors.New("completion repeats a recent reply")
)

// DefaultRefusalPhrases mark completions that are not worth posting.
var DefaultRefusalPhrases = []string{"i am an ai", "i cannot", "i don't know", "sorry, i can't"}

// QualityConfig rejects completions that should fall back to another try.
type QualityConfig struct {
	MinLength      int      // trimmed characters (default 2)
	RefusalPhrases []string // case-insensitive substrings
	RecentWindow   int      // bot replies checked for repeats (default 10)
}

func (q QualityConfig) withDefaults() QualityConfig {
	if q.MinLength <= 0 {
		q.MinLength = 2
	}
	if q.RefusalPhrases == nil {
		q.RefusalPhrases = DefaultRefusalPhrases
	}
	if q.RecentWindow <= 0 {
		q.RecentWindow = 10
	}
	return q
}

// check returns nil when text may be posted. recent holds the scope's latest
// bot replies.
func (q QualityConfig) check(text string, recent []string) error {
	t := strings.TrimSpace(text)
	if t == "" {
		return errEmptyCompletion
	}
	if len([]rune(t)) < q.MinLength {
		return errTooShort
	}
	lower := strings.ToLower(t)
	for _, p := range q.RefusalPhrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return errRefusal
		}
	}
	for _, r := range recent {
		if strings.EqualFold(strings.TrimSpace(r), t) {
			return errDuplicateResponse
		}
	}
	return nil
}
