package domain

import "time"

// RefreshToken stores refresh token handles for users.
//
// Security notes:
//   - The opaque handle is never stored, only sha256(handle + pepper) in TokenHash.
//   - The handle is not the JWT, so revocation does not depend on signature validity.
//   - Generation must match the owner's current RefreshTokenGeneration; bumping the
//     generation revokes every token issued before the bump, including in-flight ones.
type RefreshToken struct {
	ID     string `json:"id" gorm:"primaryKey;size:36"`
	UserID string `json:"user_id" gorm:"size:36;index;not null"`

	TokenHash  string `json:"-" gorm:"size:64;uniqueIndex;not null"`
	FamilyID   string `json:"family_id" gorm:"size:36;index;not null"`
	Generation int64  `json:"-" gorm:"not null;default:0"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"index;not null"`
	IsRevoked bool       `json:"is_revoked" gorm:"not null;default:false"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`

	ReplacedByID *string `json:"replaced_by_id,omitempty" gorm:"size:36"`

	DeviceInfo map[string]string `json:"device_info,omitempty" gorm:"type:text;serializer:json"`
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsUsable is the row-level half of the validity check; the generation
// comparison is done by the store.
func (t *RefreshToken) IsUsable(now time.Time) bool {
	return !t.IsRevoked && !t.IsExpired(now)
}

// RefreshTokenGeneration is a per-user counter bumped by revoke-all.
type RefreshTokenGeneration struct {
	UserID     string    `gorm:"primaryKey;size:36"`
	Generation int64     `gorm:"not null;default:0"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}
