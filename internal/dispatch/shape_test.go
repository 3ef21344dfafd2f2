package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		maxS      int
		maxW      int
		want      string
		truncated bool
	}{
		{"fallback example", "Hello there. How are you? Anyway.", 2, 30, "Hello there. How are you?", true},
		{"within caps passes through", "Short reply. Second one!", 2, 30, "Short reply. Second one!", false},
		{"trims surrounding space", "  Hi.  ", 2, 30, "Hi.", false},
		{"unterminated under caps passes", "no punctuation here", 2, 30, "no punctuation here", false},
		{"word cap stops early", "One two three. Four five six. Seven.", 5, 4, "One two three.", true},
		{"first sentence too long", "This sentence has far too many words in it.", 2, 3, "", true},
		{"decimal is not a boundary", "Pi is 3.14 roughly. Yes. No.", 2, 30, "Pi is 3.14 roughly. Yes.", true},
		{"closing quote stays", `He said "stop!" Then left. Bye.`, 2, 30, `He said "stop!" Then left.`, true},
		{"ellipsis run", "Well... maybe. Sure. Ok.", 2, 30, "Well... maybe.", true},
		{"drops trailing fragment", "Done. Then more words without end", 1, 30, "Done.", true},
		{"no caps", "A. B. C. D.", 0, 0, "A. B. C. D.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Shape(tt.raw, tt.maxS, tt.maxW)
			require.Equal(t, tt.want, c.Text)
			require.Equal(t, tt.truncated, c.Truncated)
			require.Equal(t, tt.raw, c.Raw)
		})
	}
}

func TestShapeIsIdempotent(t *testing.T) {
	inputs := []string{
		"Hello there. How are you? Anyway.",
		"One two three. Four five six. Seven.",
		`He said "stop!" Then left. Bye.`,
		"Well... maybe. Sure. Ok.",
		"plain text with no end",
		"Ünïcödé sentences work. Ça va? Oui!",
	}
	for _, in := range inputs {
		first := Shape(in, 2, 5)
		second := Shape(first.Text, 2, 5)
		require.Equal(t, first.Text, second.Text, in)
		require.False(t, second.Truncated, in)
	}
}

func TestShapeOutputEndsAtTerminator(t *testing.T) {
	c := Shape("First one here. Second one there. Third.", 2, 5)
	require.Equal(t, "First one here.", c.Text)
	require.Equal(t, 1, c.Sentences)
	require.Equal(t, 3, c.Words)
}
