package jwt

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrExpired      = errors.New("token expired")
	ErrBadSignature = errors.New("token signature invalid")
	ErrWrongType    = errors.New("token type mismatch")
	ErrMalformed    = errors.New("token malformed")
)

// Claims is the full claim set. Extra is the only open-ended part and is
// limited to string values.
type Claims struct {
	Type   TokenType         `json:"type"`
	Handle string            `json:"rth,omitempty"`
	Extra  map[string]string `json:"ext,omitempty"`
	jwtlib.RegisteredClaims
}

type Options struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

type Service struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func New(opts Options) *Service {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		secret:     []byte(opts.Secret),
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		now:        opts.Now,
	}
}

func (s *Service) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccessToken signs a short-lived access token for subject.
func (s *Service) IssueAccessToken(subject string, extra map[string]string) (string, error) {
	return s.sign(Claims{
		Type:             TypeAccess,
		Extra:            copyExtra(extra),
		RegisteredClaims: s.registered(subject, s.accessTTL),
	})
}

// IssueRefreshToken signs a refresh token carrying the opaque revocation
// handle. The handle, not the signature, decides whether it is usable.
func (s *Service) IssueRefreshToken(subject, handle string, extra map[string]string) (string, error) {
	if handle == "" {
		return "", fmt.Errorf("issue refresh token: empty handle")
	}
	return s.sign(Claims{
		Type:             TypeRefresh,
		Handle:           handle,
		Extra:            copyExtra(extra),
		RegisteredClaims: s.registered(subject, s.refreshTTL),
	})
}

// Verify checks signature, expiry, issuer, audience and token type.
func (s *Service) Verify(tokenStr string, expected TokenType) (*Claims, error) {
	claims := &Claims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(s.issuer),
		jwtlib.WithAudience(s.audience),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, ErrMalformed
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}
	if claims.Type != expected {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, claims.Type, expected)
	}
	if expected == TypeRefresh && claims.Handle == "" {
		return nil, fmt.Errorf("%w: missing handle", ErrMalformed)
	}
	return claims, nil
}

func (s *Service) registered(subject string, ttl time.Duration) jwtlib.RegisteredClaims {
	now := s.now()
	return jwtlib.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    s.issuer,
		Audience:  jwtlib.ClaimStrings{s.audience},
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Service) sign(claims Claims) (string, error) {
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", claims.Type, err)
	}
	return signed, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwtlib.ErrTokenSignatureInvalid),
		errors.Is(err, jwtlib.ErrTokenUnverifiable),
		errors.Is(err, jwtlib.ErrSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func copyExtra(extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}
