// Package extract pulls forwarded-mail metadata out of free-text bodies.
package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const previewLimit = 50

// Fields holds everything extractable from a forwarded message body. Address
// and SentAt may be absent; BodyPreview is always present, possibly empty.
type Fields struct {
	Name        string
	Address     string
	SentAt      time.Time
	HasSentAt   bool
	BodyPreview string
}

// Label patterns are tried in order, first match wins. The emphasis-wrapped
// form is listed before the plain form: the plain pattern also fires inside
// `**label:**` text and would capture the trailing asterisks with the value,
// so the wrapped pattern must get the first shot. Each pattern captures
// exactly one group.
var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\*{1,2}転送元の名前:\*{1,2}\s*([^\n]+)`),
		regexp.MustCompile(`転送元の名前:\s*([^\n]+)`),
	}
	addressPatterns = []*regexp.Regexp{
		regexp.MustCompile(`転送元アドレス:\s*([^\s]+@[^\s]+)`),
	}
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\*{1,2}日時:\*{1,2}\s*([^\n]+)`),
		regexp.MustCompile(`日時:\s*([^\n]+)`),
	}
)

// Extract pulls all forwarded-mail metadata from body.
func Extract(body string) Fields {
	f := Fields{
		Name:        ForwardedName(body),
		Address:     ForwardedAddress(body),
		BodyPreview: BodyPreview(body),
	}
	if t, ok := ForwardedTimestamp(body); ok {
		f.SentAt = t
		f.HasSentAt = true
	}
	return f
}

// ForwardedName returns the forwarded sender's display name, or "" when the
// label is missing.
func ForwardedName(body string) string {
	return firstMatch(namePatterns, body)
}

// ForwardedAddress returns the forwarded sender's address, or "" when the
// label is missing or followed by an empty token.
func ForwardedAddress(body string) string {
	return firstMatch(addressPatterns, body)
}

// ForwardedTimestamp parses the 日時 label into a timestamp. The captured
// text is free-form, so parsing is delegated to dateparse which accepts the
// common locale layouts the forwarding clients produce.
func ForwardedTimestamp(body string) (time.Time, bool) {
	raw := firstMatch(datePatterns, body)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// BodyPreview returns at most 50 characters of preview text. When a "---"
// rule exists the preview starts right after it, skipping leading
// whitespace; newlines are collapsed to single spaces.
func BodyPreview(body string) string {
	if idx := strings.Index(body, "---"); idx != -1 {
		body = strings.TrimLeft(body[idx+3:], " \t\r\n")
	}

	runes := []rune(body)
	if len(runes) > previewLimit {
		runes = runes[:previewLimit]
	}

	preview := string(runes)
	preview = strings.ReplaceAll(preview, "\r\n", " ")
	preview = strings.ReplaceAll(preview, "\n", " ")
	preview = strings.ReplaceAll(preview, "\r", " ")
	return preview
}

func firstMatch(patterns []*regexp.Regexp, body string) string {
	for _, re := range patterns {
		m := re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		if v := strings.TrimSpace(m[1]); v != "" {
			return v
		}
	}
	return ""
}
