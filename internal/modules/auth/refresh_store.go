package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pantry/internal/domain"
)

const refreshHandleBytes = 32

// RefreshStore is the authority on whether a refresh token handle may still
// be used. Unknown handles and failed lookups count as revoked.
type RefreshStore struct {
	repo   RefreshTokenRepository
	pepper string
	ttl    time.Duration
	now    func() time.Time
}

func NewRefreshStore(repo RefreshTokenRepository, pepper string, ttl time.Duration, now func() time.Time) *RefreshStore {
	if now == nil {
		now = time.Now
	}
	return &RefreshStore{repo: repo, pepper: pepper, ttl: ttl, now: now}
}

// Issue creates a new token family for userID and returns the raw handle.
func (s *RefreshStore) Issue(ctx context.Context, userID string, device map[string]string) (string, *domain.RefreshToken, error) {
	return s.issue(ctx, userID, uuid.NewString(), device, nil)
}

func (s *RefreshStore) issue(ctx context.Context, userID, familyID string, device map[string]string, old *domain.RefreshToken) (string, *domain.RefreshToken, error) {
	raw, hash, err := generateOpaqueToken(s.pepper)
	if err != nil {
		return "", nil, err
	}
	now := s.now().UTC()
	rec := &domain.RefreshToken{
		ID:         uuid.NewString(),
		UserID:     userID,
		TokenHash:  hash,
		FamilyID:   familyID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		DeviceInfo: device,
	}
	if old == nil {
		err = s.repo.Create(ctx, rec)
	} else {
		err = s.repo.Rotate(ctx, old, rec, now)
	}
	if err != nil {
		return "", nil, err
	}
	return raw, rec, nil
}

// Lookup returns the row behind handle, or domain.ErrNotFound.
func (s *RefreshStore) Lookup(ctx context.Context, handle string) (*domain.RefreshToken, error) {
	if handle == "" {
		return nil, domain.ErrNotFound
	}
	return s.repo.GetByHash(ctx, hashTokenWithPepper(handle, s.pepper))
}

// IsValid reports whether handle exists, is not revoked, has not expired and
// was issued under the owner's current generation.
func (s *RefreshStore) IsValid(ctx context.Context, handle string) bool {
	rec, err := s.Lookup(ctx, handle)
	if err != nil {
		return false
	}
	ok, err := s.usable(ctx, rec)
	return err == nil && ok
}

func (s *RefreshStore) usable(ctx context.Context, rec *domain.RefreshToken) (bool, error) {
	if !rec.IsUsable(s.now()) {
		return false, nil
	}
	gen, err := s.repo.Generation(ctx, rec.UserID)
	if err != nil {
		return false, err
	}
	return rec.Generation == gen, nil
}

// Revoke is idempotent; unknown handles are ignored.
func (s *RefreshStore) Revoke(ctx context.Context, handle string) error {
	rec, err := s.Lookup(ctx, handle)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.repo.Revoke(ctx, rec.ID, s.now().UTC())
}

func (s *RefreshStore) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.repo.RevokeFamily(ctx, familyID, s.now().UTC())
	return err
}

// RevokeAllForUser invalidates every refresh token the user holds, including
// ones being issued concurrently.
func (s *RefreshStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return s.repo.RevokeAllForUser(ctx, userID, s.now().UTC())
}

// Rotate swaps rec for a fresh handle in the same family. Presenting a handle
// that was already rotated revokes the whole family and returns
// ErrRefreshTokenReused.
func (s *RefreshStore) Rotate(ctx context.Context, rec *domain.RefreshToken, device map[string]string) (string, *domain.RefreshToken, error) {
	if rec.IsRevoked {
		return "", nil, s.rejectRevoked(ctx, rec)
	}
	ok, err := s.usable(ctx, rec)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, ErrInvalidToken
	}

	if device == nil {
		device = rec.DeviceInfo
	}
	raw, next, err := s.issue(ctx, rec.UserID, rec.FamilyID, device, rec)
	if errors.Is(err, domain.ErrStale) {
		// Lost a race with another rotation or a revoke.
		current, lookupErr := s.repo.GetByHash(ctx, rec.TokenHash)
		if lookupErr != nil {
			return "", nil, ErrInvalidToken
		}
		return "", nil, s.rejectRevoked(ctx, current)
	}
	if err != nil {
		return "", nil, err
	}
	return raw, next, nil
}

func (s *RefreshStore) rejectRevoked(ctx context.Context, rec *domain.RefreshToken) error {
	if rec.ReplacedByID == nil {
		return ErrInvalidToken
	}
	if err := s.RevokeFamily(ctx, rec.FamilyID); err != nil {
		return fmt.Errorf("revoke family after reuse: %w", err)
	}
	return ErrRefreshTokenReused
}

// Sweep deletes expired rows and rows revoked more than retention ago.
func (s *RefreshStore) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	now := s.now().UTC()
	return s.repo.DeleteExpired(ctx, now, now.Add(-retention))
}

func generateOpaqueToken(pepper string) (raw string, hash string, err error) {
	buf := make([]byte, refreshHandleBytes)
	if _, err = rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	hash = hashTokenWithPepper(raw, pepper)
	return raw, hash, nil
}

func hashTokenWithPepper(raw, pepper string) string {
	sum := sha256.Sum256([]byte(raw + pepper))
	return hex.EncodeToString(sum[:])
}
