package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pantry/internal/metrics"
	"pantry/internal/pkg/jwt"
	"pantry/internal/pkg/ratelimit"
	"pantry/internal/pkg/response"
)

// DefaultPublicPaths need no access token.
var DefaultPublicPaths = []string{
	"/health",
	"/metrics",
	"/api/v1/auth/register",
	"/api/v1/auth/login",
	"/api/v1/auth/refresh",
	"/api/v1/auth/logout",
	"/api/v1/auth/password/reset/request",
	"/api/v1/auth/password/reset/confirm",
	"/api/v1/auth/verify-email/request",
	"/api/v1/auth/verify-email/confirm",
	"/api/v1/auth/csrf",
}

// DefaultCSRFExemptPaths are mutating endpoints that cannot carry a CSRF
// token yet because no session exists, or that are proven by a token the
// attacker cannot know.
var DefaultCSRFExemptPaths = []string{
	"/api/v1/auth/register",
	"/api/v1/auth/login",
	"/api/v1/auth/password/reset/request",
	"/api/v1/auth/password/reset/confirm",
	"/api/v1/auth/verify-email/request",
	"/api/v1/auth/verify-email/confirm",
}

const defaultAuthPrefix = "/api/v1/auth/"

type accessVerifier interface {
	Verify(token string, expected jwt.TokenType) (*jwt.Claims, error)
}

type csrfValidator interface {
	Validate(token, sessionID string) bool
}

type AuthOptions struct {
	PublicPaths     []string
	CSRFExemptPaths []string
	// AuthPrefix selects the auth rate-limit bucket.
	AuthPrefix string
	// SessionClaim is the access token Extra key carrying the cookie session id.
	SessionClaim string
}

// Authenticator is the per-request gate: rate limiting, credential
// extraction, CSRF enforcement for cookie sessions and access token checks.
type Authenticator struct {
	tokens  accessVerifier
	csrf    csrfValidator
	limiter *ratelimit.Limiter
	log     *zap.Logger
	metrics *metrics.Metrics

	public       map[string]struct{}
	csrfExempt   map[string]struct{}
	authPrefix   string
	sessionClaim string
}

func NewAuthenticator(
	tokens accessVerifier,
	csrfTokens csrfValidator,
	limiter *ratelimit.Limiter,
	log *zap.Logger,
	m *metrics.Metrics,
	opts AuthOptions,
) *Authenticator {
	if opts.PublicPaths == nil {
		opts.PublicPaths = DefaultPublicPaths
	}
	if opts.CSRFExemptPaths == nil {
		opts.CSRFExemptPaths = DefaultCSRFExemptPaths
	}
	if opts.AuthPrefix == "" {
		opts.AuthPrefix = defaultAuthPrefix
	}
	if opts.SessionClaim == "" {
		opts.SessionClaim = "sid"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{
		tokens:       tokens,
		csrf:         csrfTokens,
		limiter:      limiter,
		log:          log,
		metrics:      m,
		public:       toSet(opts.PublicPaths),
		csrfExempt:   toSet(opts.CSRFExemptPaths),
		authPrefix:   opts.AuthPrefix,
		sessionClaim: opts.SessionClaim,
	}
}

func (a *Authenticator) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if !a.rateLimit(c, path) {
			return
		}

		// Unmatched routes fall through to the 404 handler.
		if c.FullPath() == "" {
			c.Next()
			return
		}

		method, token := credentials(c)

		if method == AuthMethodCookie && isMutating(c.Request.Method) && !a.isCSRFExempt(path) {
			if !a.checkCSRF(c) {
				return
			}
		}

		if a.isPublic(path) {
			c.Next()
			return
		}

		if token == "" {
			response.Abort(c, http.StatusUnauthorized, response.CodeAuthentication, "Authentication required")
			return
		}

		claims, err := a.tokens.Verify(token, jwt.TypeAccess)
		if err != nil {
			a.log.Debug("access token rejected", zap.String("client_ip", c.ClientIP()), zap.Error(err))
			response.Abort(c, http.StatusUnauthorized, response.CodeAuthentication, "Invalid or expired token")
			return
		}

		var sessionID string
		if method == AuthMethodCookie {
			sessionID, _ = c.Cookie(CookieSessionID)
			if sessionID == "" || claims.Extra[a.sessionClaim] != sessionID {
				a.securityEvent(c, "session binding mismatch")
				response.Abort(c, http.StatusUnauthorized, response.CodeAuthentication, "Invalid or expired token")
				return
			}
		}

		principal := &Principal{
			UserID:     claims.Subject,
			AuthMethod: method,
			SessionID:  sessionID,
			TokenID:    claims.ID,
		}
		if claims.ExpiresAt != nil {
			principal.ExpiresAt = claims.ExpiresAt.Time
		}

		c.Set(ContextUserID, principal.UserID)
		c.Set(ContextAuthMethod, method)
		c.Set(ContextSessionID, sessionID)
		c.Set(ContextPrincipal, principal)
		c.Next()
	}
}

func (a *Authenticator) rateLimit(c *gin.Context, path string) bool {
	bucket := ratelimit.BucketGeneral
	if strings.HasPrefix(path, a.authPrefix) {
		bucket = ratelimit.BucketAuth
	}

	d := a.limiter.Allow(c.ClientIP(), bucket)
	h := c.Writer.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(d.ResetAfterSeconds()))
	h.Set("X-RateLimit-Type", string(bucket))

	if d.Allowed {
		return true
	}
	a.metrics.Limited(string(bucket))
	a.securityEvent(c, "rate limit exceeded", zap.String("bucket", string(bucket)))
	response.RateLimited(c, d.RetryAfterSeconds(), "Too many requests")
	return false
}

func (a *Authenticator) checkCSRF(c *gin.Context) bool {
	header := c.GetHeader(HeaderCSRF)
	cookie, _ := c.Cookie(CookieCSRF)
	sessionID, _ := c.Cookie(CookieSessionID)

	if header != "" &&
		subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) == 1 &&
		a.csrf.Validate(header, sessionID) {
		return true
	}

	a.metrics.CSRFFailure()
	a.securityEvent(c, "csrf check failed", zap.Bool("header_present", header != ""))
	response.Abort(c, http.StatusForbidden, response.CodeCSRF, "Missing or invalid CSRF token")
	return false
}

func (a *Authenticator) securityEvent(c *gin.Context, msg string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("client_ip", c.ClientIP()),
		zap.String("user_agent", c.Request.UserAgent()),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Time("at", time.Now().UTC()),
	}
	a.log.Warn(msg, append(base, fields...)...)
}

func (a *Authenticator) isPublic(path string) bool {
	_, ok := a.public[path]
	return ok
}

func (a *Authenticator) isCSRFExempt(path string) bool {
	_, ok := a.csrfExempt[path]
	return ok
}

// credentials picks bearer mode when an Authorization header is present and
// cookie mode when any session cookie is.
func credentials(c *gin.Context) (method, token string) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return AuthMethodBearer, strings.TrimSpace(parts[1])
		}
		return AuthMethodBearer, ""
	}

	access, _ := c.Cookie(CookieAccessToken)
	if access != "" || hasCookie(c, CookieRefreshToken) || hasCookie(c, CookieSessionID) {
		return AuthMethodCookie, access
	}
	return "", ""
}

func hasCookie(c *gin.Context, name string) bool {
	v, err := c.Cookie(name)
	return err == nil && v != ""
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
