package telegram

import (
	"strings"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
)

func TestSplitMessagePrefersNewlineBoundaries(t *testing.T) {
	text := strings.Repeat("line one\n", 20)
	chunks := splitMessage(text, 50)

	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 50)
		// Every chunk ends on a whole line, never mid-word.
		assert.True(t, strings.HasSuffix(c, "one"), "chunk %q split mid-line", c)
	}
	assert.Equal(t, strings.TrimRight(text, "\n"), strings.Join(chunks, "\n"))
}

func TestSplitMessageHardCutsWithoutNewlines(t *testing.T) {
	text := strings.Repeat("x", 120)
	chunks := splitMessage(text, 50)
	assert.Equal(t, []string{strings.Repeat("x", 50), strings.Repeat("x", 50), strings.Repeat("x", 20)}, chunks)
}

func TestSplitMessageShortTextPassesThrough(t *testing.T) {
	chunks := splitMessage("hello", 50)
	assert.Equal(t, []string{"hello"}, chunks)
}

func TestSenderAllowed(t *testing.T) {
	b := &Bot{allowed: map[string]bool{"42": true, "alice": true}}

	assert.True(t, b.senderAllowed(&telego.User{ID: 42}))
	assert.True(t, b.senderAllowed(&telego.User{ID: 7, Username: "Alice"}))
	assert.False(t, b.senderAllowed(&telego.User{ID: 7, Username: "mallory"}))
	assert.False(t, b.senderAllowed(nil))

	// Empty allowlist admits nobody.
	closed := &Bot{allowed: map[string]bool{}}
	assert.False(t, closed.senderAllowed(&telego.User{ID: 42}))
}
