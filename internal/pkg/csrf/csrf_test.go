package csrf

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestService_IssueValidate(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	s := New("csrf-secret", time.Hour, func() time.Time { return now })

	tok := s.Issue("session-1")

	assert.True(t, s.Validate(tok, "session-1"))
	assert.False(t, s.Validate(tok, "session-2"))
	assert.False(t, s.Validate(tok, ""))
}

func TestService_Expiry(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	s := New("csrf-secret", time.Hour, func() time.Time { return now })
	tok := s.Issue("session-1")

	now = now.Add(59*time.Minute + 59*time.Second)
	assert.True(t, s.Validate(tok, "session-1"))

	now = now.Add(time.Second)
	assert.False(t, s.Validate(tok, "session-1"))
}

func TestService_FutureIssuedAt(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	s := New("csrf-secret", time.Hour, func() time.Time { return now })
	tok := s.Issue("session-1")

	now = now.Add(-time.Minute)
	assert.False(t, s.Validate(tok, "session-1"))
}

func TestService_Tampering(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	s := New("csrf-secret", time.Hour, func() time.Time { return now })
	other := New("other-secret", time.Hour, func() time.Time { return now })

	tok := s.Issue("session-1")
	parts := strings.Split(tok, ".")

	cases := map[string]string{
		"empty":          "",
		"two parts":      parts[0] + "." + parts[1],
		"bad base64":     "!!!." + parts[1] + "." + parts[2],
		"bad timestamp":  parts[0] + ".abc." + parts[2],
		"moved forward":  parts[0] + "." + "9999999999" + "." + parts[2],
		"other secret":   other.Issue("session-1"),
		"truncated sig":  parts[0] + "." + parts[1] + "." + parts[2][:10],
		"extra segments": tok + ".x",
	}
	for name, c := range cases {
		assert.False(t, s.Validate(c, "session-1"), name)
	}
}
