package auth

import (
	"context"
	"time"

	"pantry/internal/domain"
	"pantry/internal/pkg/jwt"
	"pantry/internal/pkg/ratelimit"
)

// UserRepository lists only the methods the auth service uses.
type UserRepository interface {
	Create(ctx context.Context, u *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, hash string) error
	MarkVerified(ctx context.Context, id string) error
}

// RefreshTokenRepository stores refresh token handles.
type RefreshTokenRepository interface {
	Create(ctx context.Context, t *domain.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error)
	Generation(ctx context.Context, userID string) (int64, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeFamily(ctx context.Context, familyID string, at time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	Rotate(ctx context.Context, old, next *domain.RefreshToken, at time.Time) error
	DeleteExpired(ctx context.Context, now, revokedBefore time.Time) (int64, error)
}

// VerificationTokenRepository stores email verification and password reset tokens.
type VerificationTokenRepository interface {
	Create(ctx context.Context, t *domain.VerificationToken) error
	GetByHash(ctx context.Context, hash string) (*domain.VerificationToken, error)
	IncrementAttempts(ctx context.Context, id string) (*domain.VerificationToken, error)
	MarkVerified(ctx context.Context, id string, at time.Time) error
	Latest(ctx context.Context, userID string, kind domain.VerificationKind) (*domain.VerificationToken, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// LoginThrottle counts failed credential checks per client. Reserve takes a
// slot up front; release hands it back when the attempt turns out not to be
// a credential failure.
type LoginThrottle interface {
	Reserve(key string, bucket ratelimit.Bucket) (ratelimit.Decision, func())
	Reset(key string, bucket ratelimit.Bucket)
}

type tokenCodec interface {
	IssueAccessToken(subject string, extra map[string]string) (string, error)
	IssueRefreshToken(subject, handle string, extra map[string]string) (string, error)
	Verify(token string, expected jwt.TokenType) (*jwt.Claims, error)
	AccessTTL() time.Duration
	RefreshTTL() time.Duration
}

type passwordHasher interface {
	Hash(plain string) (string, error)
	Verify(plain, hash string) bool
	VerifyDummy(plain string)
}
