package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"pantry/internal/domain"
)

type VerificationTokenRepository struct {
	db *gorm.DB
}

func NewVerificationTokenRepository(db *gorm.DB) *VerificationTokenRepository {
	return &VerificationTokenRepository{db: db}
}

func (r *VerificationTokenRepository) Create(ctx context.Context, t *domain.VerificationToken) error {
	return translate(r.db.WithContext(ctx).Create(t).Error)
}

func (r *VerificationTokenRepository) GetByHash(ctx context.Context, hash string) (*domain.VerificationToken, error) {
	var t domain.VerificationToken
	if err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

// IncrementAttempts bumps the counter with a single UPDATE and returns the
// row as it stands afterwards.
func (r *VerificationTokenRepository) IncrementAttempts(ctx context.Context, id string) (*domain.VerificationToken, error) {
	var t domain.VerificationToken
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.VerificationToken{}).
			Where("id = ?", id).
			Update("attempts", gorm.Expr("attempts + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Where("id = ?", id).First(&t).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

// MarkVerified sets verified_at unless another request already did.
func (r *VerificationTokenRepository) MarkVerified(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.VerificationToken{}).
		Where("id = ? AND verified_at IS NULL", id).
		Update("verified_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStale
	}
	return nil
}

// Latest returns the most recently requested token of the given kind.
func (r *VerificationTokenRepository) Latest(ctx context.Context, userID string, kind domain.VerificationKind) (*domain.VerificationToken, error) {
	var t domain.VerificationToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND kind = ?", userID, kind).
		Order("requested_at DESC").
		First(&t).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *VerificationTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.VerificationToken{})
	return tx.RowsAffected, tx.Error
}
