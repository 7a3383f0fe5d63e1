package domain

import "time"

type VerificationKind string

const (
	KindEmailVerify   VerificationKind = "email_verify"
	KindPasswordReset VerificationKind = "password_reset"
)

// MaxVerificationAttempts bounds how many times a single token may be
// presented. Once reached the token is dead even before it expires.
const MaxVerificationAttempts = 5

// VerificationToken backs the email verification and password reset flows.
// Email is a snapshot taken at request time so that an email change
// invalidates outstanding verification links.
type VerificationToken struct {
	ID          string           `json:"id" gorm:"primaryKey;size:36"`
	UserID      string           `json:"user_id" gorm:"size:36;index;not null"`
	TokenHash   string           `json:"-" gorm:"size:64;uniqueIndex;not null"`
	Email       string           `json:"email" gorm:"size:320;not null"`
	Kind        VerificationKind `json:"kind" gorm:"size:32;index;not null"`
	RequestedAt time.Time        `json:"requested_at" gorm:"index;not null"`
	VerifiedAt  *time.Time       `json:"verified_at,omitempty"`
	ExpiresAt   time.Time        `json:"expires_at" gorm:"index;not null"`
	Attempts    int              `json:"attempts" gorm:"not null;default:0"`
}

func (t *VerificationToken) IsValid(now time.Time) bool {
	return t.VerifiedAt == nil && now.Before(t.ExpiresAt) && t.Attempts < MaxVerificationAttempts
}
