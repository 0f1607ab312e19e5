package session

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo", 10))
	assert.Equal(t, "", truncate("", 5))

	// An odd byte budget would land inside the two-byte é.
	s := strings.Repeat("é", 120)
	got := truncate(s, 201)
	assert.Equal(t, 200, len(got))
	assert.True(t, utf8.ValidString(got))

	emoji := "report \U0001F600 done"
	for n := range len(emoji) {
		assert.True(t, utf8.ValidString(truncate(emoji, n)), "cut at %d", n)
	}
}
