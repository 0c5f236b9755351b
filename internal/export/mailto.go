package export

import (
	"strings"
)

// BuildMailtoURL renders a mailto link with subject and body. Line breaks in
// the body are sent as CRLF.
func BuildMailtoURL(to, subject, body string) string {
	var b strings.Builder
	b.WriteString("mailto:")
	b.WriteString(encodeComponent(strings.TrimSpace(to)))
	b.WriteString("?subject=")
	b.WriteString(encodeComponent(subject))
	b.WriteString("&body=")
	body = strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(encodeComponent(strings.ReplaceAll(body, "\n", "\r\n")))
	return b.String()
}

// encodeComponent percent-encodes everything outside the URI unreserved set.
func encodeComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) || c == '@' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&15])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '~':
		return true
	}
	return false
}
