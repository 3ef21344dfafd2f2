package dispatch

import "strings"

// Candidate is a completion after length shaping.
type Candidate struct {
	Raw       string `json:"raw"`
	Text      string `json:"text"`
	Sentences int    `json:"sentences"`
	Words     int    `json:"words"`
	Truncated bool   `json:"truncated"`
}

type span struct {
	start, end int
	terminated bool
}

// Shape applies the sentence and word caps to raw (0 disables a cap).
// Text within both caps passes through trimmed but otherwise unchanged.
// Otherwise the longest prefix of complete sentences within both caps is
// kept; Text is empty when not even the first sentence fits.
// Shape(Shape(x).Text) returns the same Text.
func Shape(raw string, maxSentences, maxWords int) Candidate {
	text := strings.TrimSpace(raw)
	spans := sentenceSpans(text)

	c := Candidate{Raw: raw, Text: text, Sentences: len(spans), Words: countWords(text)}
	if within(c.Sentences, maxSentences) && within(c.Words, maxWords) {
		return c
	}

	end, sentences, words := 0, 0, 0
	for _, sp := range spans {
		if !sp.terminated {
			break
		}
		w := countWords(text[sp.start:sp.end])
		if !within(sentences+1, maxSentences) || !within(words+w, maxWords) {
			break
		}
		end = sp.end
		sentences++
		words += w
	}

	return Candidate{
		Raw:       raw,
		Text:      strings.TrimSpace(text[:end]),
		Sentences: sentences,
		Words:     words,
		Truncated: true,
	}
}

func within(n, limit int) bool { return limit <= 0 || n <= limit }

func countWords(s string) int { return len(strings.Fields(s)) }

// sentenceSpans splits text into sentences. A sentence ends after a run of
// '.', '!' or '?', plus any closing quotes or brackets, when followed by
// whitespace or the end of text. A trailing fragment without a terminator is
// returned as an unterminated span.
func sentenceSpans(text string) []span {
	var spans []span
	start := 0
	var (
		rs   []rune
		offs []int // byte offset of each rune, plus len(text)
	)
	for off, r := range text {
		rs = append(rs, r)
		offs = append(offs, off)
	}
	offs = append(offs, len(text))

	i := 0
	for i < len(rs) {
		if !isTerminator(rs[i]) {
			i++
			continue
		}
		j := i
		for j < len(rs) && isTerminator(rs[j]) {
			j++
		}
		for j < len(rs) && isCloser(rs[j]) {
			j++
		}
		if j == len(rs) || isSpace(rs[j]) {
			if s := strings.TrimSpace(text[offs[start]:offs[j]]); s != "" {
				spans = append(spans, span{start: offs[start], end: offs[j], terminated: true})
			}
			for j < len(rs) && isSpace(rs[j]) {
				j++
			}
			start = j
		}
		i = j
	}
	if start < len(rs) && strings.TrimSpace(text[offs[start]:]) != "" {
		spans = append(spans, span{start: offs[start], end: len(text)})
	}
	return spans
}

func isTerminator(r rune) bool { return r == '.' || r == '!' || r == '?' }

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»':
		return true
	}
	return false
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
