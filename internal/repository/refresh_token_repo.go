package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pantry/internal/domain"
)

// RefreshTokenRepository provides DB access for refresh tokens and the
// per-user generation counter that backs revoke-all.
type RefreshTokenRepository struct {
	db *gorm.DB
}

func NewRefreshTokenRepository(db *gorm.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create stamps the row with the owner's current generation and inserts it
// in the same transaction.
func (r *RefreshTokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		gen, err := generation(tx, t.UserID)
		if err != nil {
			return err
		}
		t.Generation = gen
		return translate(tx.Create(t).Error)
	})
}

func (r *RefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	if err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

// Generation returns the user's current revocation generation (0 if the user
// never revoked everything).
func (r *RefreshTokenRepository) Generation(ctx context.Context, userID string) (int64, error) {
	return generation(r.db.WithContext(ctx), userID)
}

// Revoke flags a single row. Revoking an already revoked row is a no-op.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("id = ? AND is_revoked = ?", id, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": at}).Error
}

func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string, at time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("family_id = ? AND is_revoked = ?", familyID, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": at})
	return tx.RowsAffected, tx.Error
}

// RevokeAllForUser bumps the user's generation and flags every live row in
// one transaction. Rows inserted concurrently with an older generation are
// dead on arrival because validity compares generations.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	var revoked int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bump := tx.Model(&domain.RefreshTokenGeneration{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"generation": gorm.Expr("generation + 1"), "updated_at": at})
		if bump.Error != nil {
			return bump.Error
		}
		if bump.RowsAffected == 0 {
			row := domain.RefreshTokenGeneration{UserID: userID, Generation: 1, UpdatedAt: at}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"generation": gorm.Expr("refresh_token_generations.generation + 1"),
					"updated_at": at,
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}

		res := tx.Model(&domain.RefreshToken{}).
			Where("user_id = ? AND is_revoked = ?", userID, false).
			Updates(map[string]any{"is_revoked": true, "revoked_at": at})
		revoked = res.RowsAffected
		return res.Error
	})
	return revoked, err
}

// Rotate revokes old and inserts next as its successor. If old was already
// revoked the transaction is rolled back and domain.ErrStale is returned.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, old *domain.RefreshToken, next *domain.RefreshToken, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		gen, err := generation(tx, next.UserID)
		if err != nil {
			return err
		}
		next.Generation = gen
		if err := tx.Create(next).Error; err != nil {
			return translate(err)
		}

		res := tx.Model(&domain.RefreshToken{}).
			Where("id = ? AND is_revoked = ?", old.ID, false).
			Updates(map[string]any{"is_revoked": true, "revoked_at": at, "replaced_by_id": next.ID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrStale
		}
		return nil
	})
}

// DeleteExpired removes expired rows and revoked rows revoked before
// revokedBefore.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now, revokedBefore time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("expires_at <= ? OR (is_revoked = ? AND revoked_at < ?)", now, true, revokedBefore).
		Delete(&domain.RefreshToken{})
	return tx.RowsAffected, tx.Error
}

func generation(db *gorm.DB, userID string) (int64, error) {
	var g domain.RefreshTokenGeneration
	err := db.Where("user_id = ?", userID).Take(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return g.Generation, nil
}
