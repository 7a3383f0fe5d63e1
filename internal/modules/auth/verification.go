package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pantry/internal/domain"
)

// VerificationService issues and consumes single-use tokens for email
// verification and password reset.
type VerificationService struct {
	repo   VerificationTokenRepository
	pepper string
	ttl    time.Duration
	now    func() time.Time
}

func NewVerificationService(repo VerificationTokenRepository, pepper string, ttl time.Duration, now func() time.Time) *VerificationService {
	if now == nil {
		now = time.Now
	}
	return &VerificationService{repo: repo, pepper: pepper, ttl: ttl, now: now}
}

// Create stores a new token for userID and returns its raw value. Earlier
// tokens of the same kind stay valid; callers use Latest for cooldowns.
func (s *VerificationService) Create(ctx context.Context, userID, email string, kind domain.VerificationKind) (string, error) {
	raw, hash, err := generateOpaqueToken(s.pepper)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	err = s.repo.Create(ctx, &domain.VerificationToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		TokenHash:   hash,
		Email:       normalizeEmail(email),
		Kind:        kind,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}

// Consume spends one attempt on the token before judging it, so the counter
// moves even when the call fails or the caller goes away.
func (s *VerificationService) Consume(ctx context.Context, token string, kind domain.VerificationKind) (*domain.VerificationToken, error) {
	if token == "" {
		return nil, ErrVerificationNotFound
	}
	rec, err := s.repo.GetByHash(ctx, hashTokenWithPepper(token, s.pepper))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, err
	}

	rec, err = s.repo.IncrementAttempts(ctx, rec.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	switch {
	case rec.Kind != kind:
		return nil, ErrVerificationNotFound
	case rec.Attempts > domain.MaxVerificationAttempts:
		return nil, ErrVerificationTooManyAttempts
	case rec.VerifiedAt != nil:
		return nil, ErrVerificationAlreadyUsed
	case !now.Before(rec.ExpiresAt):
		return nil, ErrVerificationExpired
	}

	if err := s.repo.MarkVerified(ctx, rec.ID, now); err != nil {
		if errors.Is(err, domain.ErrStale) {
			return nil, ErrVerificationAlreadyUsed
		}
		return nil, err
	}
	rec.VerifiedAt = &now
	return rec, nil
}

// Latest returns the canonical token of kind for userID.
func (s *VerificationService) Latest(ctx context.Context, userID string, kind domain.VerificationKind) (*domain.VerificationToken, error) {
	return s.repo.Latest(ctx, userID, kind)
}

func (s *VerificationService) Sweep(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now().UTC())
}
