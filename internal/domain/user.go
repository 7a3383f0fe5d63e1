package domain

import "time"

// User is the household account record. The auth core only reads and
// mutates the fields below; everything else about a household lives in
// other modules.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email" validate:"required,email"`
	PasswordHash *string    `json:"-"`
	IsActive     bool       `json:"is_active"`
	IsVerified   bool       `json:"is_verified"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasPassword reports whether the account can sign in with a password.
// Accounts created through an external identity provider have no hash.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}
