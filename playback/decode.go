// Package playback schedules inbound agent speech for gapless output.
package playback

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/bt-bridge/voice-session/shared"
)

var paddedBase64 = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// DecodePayload turns an inbound audio string into bytes. Plain base64,
// base64url and data URIs are accepted; whitespace and stray characters are
// ignored and missing padding is restored.
func DecodePayload(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, &shared.DecodeError{Reason: "empty payload", Err: shared.ErrEmptyPayload}
	}
	if strings.HasPrefix(s, "data:") {
		_, after, _ := strings.Cut(s, ",")
		s = after
	}

	var b strings.Builder
	b.Grow(len(s) + 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-':
			b.WriteByte('+')
		case c == '_':
			b.WriteByte('/')
		case isBase64Byte(c):
			b.WriteByte(c)
		}
	}
	if b.Len() == 0 {
		return nil, &shared.DecodeError{Reason: "empty payload", Err: shared.ErrEmptyPayload}
	}
	if pad := (4 - b.Len()%4) % 4; pad > 0 {
		b.WriteString(strings.Repeat("=", pad))
	}

	normalized := b.String()
	if !paddedBase64.MatchString(normalized) {
		return nil, &shared.DecodeError{Reason: "invalid alphabet", Err: shared.ErrInvalidBase64}
	}
	out, err := base64.StdEncoding.DecodeString(normalized)
	if err != nil {
		return nil, &shared.DecodeError{Reason: "invalid base64", Err: err}
	}
	return out, nil
}

func isBase64Byte(c byte) bool {
	return c >= 'A' && c <= 'Z' ||
		c >= 'a' && c <= 'z' ||
		c >= '0' && c <= '9' ||
		c == '+' || c == '/' || c == '='
}
