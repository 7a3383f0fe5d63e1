// Package csrf issues and validates session-bound CSRF tokens for
// cookie-authenticated requests.
//
// Token layout: base64url(session_id) "." issued_at_unix "." base64url(mac)
// where mac = HMAC-SHA256(secret, session_id "|" issued_at_unix).
package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

const DefaultTTL = time.Hour

type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret string, ttl time.Duration, now func() time.Time) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: now}
}

func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) Issue(sessionID string) string {
	issuedAt := strconv.FormatInt(s.now().Unix(), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(sessionID)) +
		"." + issuedAt +
		"." + base64.RawURLEncoding.EncodeToString(s.mac(sessionID, issuedAt))
}

// Validate rejects malformed tokens, tokens bound to another session,
// forged signatures and tokens at least ttl old.
func (s *Service) Validate(token, sessionID string) bool {
	if token == "" || sessionID == "" {
		return false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}

	rawSession, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	if !hmac.Equal(rawSession, []byte(sessionID)) {
		return false
	}

	issuedUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	if !hmac.Equal(sig, s.mac(sessionID, parts[1])) {
		return false
	}

	age := s.now().Sub(time.Unix(issuedUnix, 0))
	return age >= 0 && age < s.ttl
}

func (s *Service) mac(sessionID, issuedAt string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(sessionID))
	m.Write([]byte("|"))
	m.Write([]byte(issuedAt))
	return m.Sum(nil)
}
