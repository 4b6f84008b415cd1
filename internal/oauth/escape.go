package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// Escape percent-encodes s using the RFC 3986 unreserved set required by
// OAuth 1.0: everything except A-Z a-z 0-9 - . _ ~ is encoded, including '/'.
func Escape(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	t := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			t = append(t, '%', upperhex[c>>4], upperhex[c&15])
		} else {
			t = append(t, c)
		}
	}
	return string(t)
}

// Unescape reverses Escape. Unlike url.QueryUnescape it leaves '+' alone,
// so values containing '+' round-trip exactly.
func Unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	// PathUnescape decodes %XX and does not treat '+' as a space.
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", fmt.Errorf("oauth: invalid percent-encoding %q: %w", s, err)
	}
	return out, nil
}

func shouldEscape(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return false
	case c == '-', c == '.', c == '_', c == '~':
		return false
	}
	return true
}
