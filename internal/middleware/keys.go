package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by Authenticator.
const (
	ContextUserID     = "user_id"
	ContextAuthMethod = "auth_method"
	ContextSessionID  = "session_id"
	ContextPrincipal  = "principal"
)

const (
	AuthMethodBearer = "bearer"
	AuthMethodCookie = "cookie"
)

// Cookie names used in cookie mode. Only the CSRF cookie is readable by
// client script.
const (
	CookieAccessToken  = "access_token"
	CookieRefreshToken = "refresh_token"
	CookieSessionID    = "session_id"
	CookieCSRF         = "csrf_token"

	HeaderCSRF = "X-CSRF-Token"
)

// Principal is the authenticated caller attached to the request.
type Principal struct {
	UserID     string
	AuthMethod string
	SessionID  string
	TokenID    string
	ExpiresAt  time.Time
}

func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func SessionID(c *gin.Context) string {
	return c.GetString(ContextSessionID)
}

func AuthMethod(c *gin.Context) string {
	return c.GetString(ContextAuthMethod)
}

func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(ContextPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
