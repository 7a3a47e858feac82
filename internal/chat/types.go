package chat

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oferchen/arena/internal/session"
)

// MaxLineLen is the longest chat line relayed, in bytes.
const MaxLineLen = 200

// Line is one chat message waiting to be delivered.
type Line struct {
	From       string
	Text       string
	To         []*session.Session
	ReceivedAt time.Time
}

// Sanitize trims text, drops control characters and cuts it to max bytes
// without splitting a rune. It returns "" for lines with nothing printable.
func Sanitize(text string, max int) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)
	if max > 0 && len(text) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = strings.TrimSpace(text[:cut])
	}
	return text
}
