package auth

import (
	"time"

	"pantry/internal/domain"
)

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,strongpassword"`
}

type LoginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	CookieMode bool   `json:"cookie_mode"`
	DeviceName string `json:"device_name" validate:"max=100"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,strongpassword"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,strongpassword"`
}

type VerifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

// ClientMeta describes the caller. IP and UserAgent end up in refresh token
// device info and in security logs; SessionID is bound into cookie-mode
// access tokens.
type ClientMeta struct {
	IP        string
	UserAgent string
	Label     string
	SessionID string
}

func (m ClientMeta) device() map[string]string {
	out := make(map[string]string, 3)
	if m.IP != "" {
		out["ip"] = m.IP
	}
	if m.UserAgent != "" {
		out["user_agent"] = m.UserAgent
	}
	if m.Label != "" {
		out["label"] = m.Label
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (m ClientMeta) claims() map[string]string {
	if m.SessionID == "" {
		return nil
	}
	return map[string]string{ClaimSessionID: m.SessionID}
}

// ClaimSessionID is the access token Extra key holding the cookie session id.
const ClaimSessionID = "sid"

type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
}

type LoginResult struct {
	User   *domain.User
	Tokens *TokenPair
}

type UserPublic struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	IsActive   bool       `json:"is_active"`
	IsVerified bool       `json:"is_verified"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func toUserPublic(u *domain.User) UserPublic {
	return UserPublic{
		ID:         u.ID,
		Email:      u.Email,
		IsActive:   u.IsActive,
		IsVerified: u.IsVerified,
		LastLogin:  u.LastLogin,
		CreatedAt:  u.CreatedAt,
	}
}

type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}
