package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantry/internal/pkg/csrf"
	"pantry/internal/pkg/jwt"
	"pantry/internal/pkg/ratelimit"
)

type gateFixture struct {
	router *gin.Engine
	tokens *jwt.Service
	csrf   *csrf.Service
}

func newGate(t *testing.T, policies map[ratelimit.Bucket]ratelimit.Policy) *gateFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if policies == nil {
		policies = ratelimit.DefaultPolicies()
	}
	tokens := jwt.New(jwt.Options{Secret: "test-secret-123", Issuer: "pantry-test", Audience: "pantry-app"})
	csrfTokens := csrf.New("csrf-secret-456", time.Hour, nil)
	limiter := ratelimit.New(policies, nil)

	gate := NewAuthenticator(tokens, csrfTokens, limiter, nil, nil, AuthOptions{})

	router := gin.New()
	router.Use(gate.Handler())

	echo := func(c *gin.Context) {
		p, _ := PrincipalFrom(c)
		body := gin.H{
			"user_id":     UserID(c),
			"auth_method": AuthMethod(c),
			"session_id":  SessionID(c),
		}
		if p != nil {
			body["token_id"] = p.TokenID
		}
		c.JSON(http.StatusOK, body)
	}
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/users/me", echo)
	router.POST("/api/v1/pantry/items", echo)
	router.POST("/api/v1/auth/login", echo)
	router.POST("/api/v1/auth/refresh", echo)

	return &gateFixture{router: router, tokens: tokens, csrf: csrfTokens}
}

func (f *gateFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func cookieRequest(method, path, access, sessionID, csrfToken string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.AddCookie(&http.Cookie{Name: CookieAccessToken, Value: access})
	req.AddCookie(&http.Cookie{Name: CookieSessionID, Value: sessionID})
	if csrfToken != "" {
		req.AddCookie(&http.Cookie{Name: CookieCSRF, Value: csrfToken})
	}
	return req
}

func TestAuthenticator_BearerValidToken(t *testing.T) {
	f := newGate(t, nil)
	token, err := f.tokens.IssueAccessToken("user-42", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"user-42"`)
	assert.Contains(t, w.Body.String(), `"auth_method":"bearer"`)
	assert.Equal(t, "general", w.Header().Get("X-RateLimit-Type"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestAuthenticator_InvalidToken(t *testing.T) {
	f := newGate(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer invalid-jwt-here")
	w := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", errorCode(t, w))
}

func TestAuthenticator_RefreshTokenRejectedAsAccess(t *testing.T) {
	f := newGate(t, nil)
	refresh, err := f.tokens.IssueRefreshToken("user-42", "handle", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	w := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticator_NoToken(t *testing.T) {
	f := newGate(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", errorCode(t, w))
	assert.Equal(t, "general", w.Header().Get("X-RateLimit-Type"))
}

func TestAuthenticator_PublicPathPassesThrough(t *testing.T) {
	f := newGate(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "auth", w.Header().Get("X-RateLimit-Type"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
}

func TestAuthenticator_RateLimited(t *testing.T) {
	f := newGate(t, map[ratelimit.Bucket]ratelimit.Policy{
		ratelimit.BucketGeneral: {Limit: 2, Window: time.Minute},
		ratelimit.BucketAuth:    {Limit: 1, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", errorCode(t, w))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// The auth bucket is counted separately.
	w = f.do(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "auth", w.Header().Get("X-RateLimit-Type"))
}

func TestAuthenticator_CookieModeRequiresCSRF(t *testing.T) {
	f := newGate(t, nil)
	sid := "session-1"
	access, err := f.tokens.IssueAccessToken("user-42", map[string]string{"sid": sid})
	require.NoError(t, err)
	token := f.csrf.Issue(sid)

	// Reads need no CSRF token.
	w := f.do(cookieRequest(http.MethodGet, "/api/v1/users/me", access, sid, ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"auth_method":"cookie"`)
	assert.Contains(t, w.Body.String(), `"session_id":"session-1"`)

	w = f.do(cookieRequest(http.MethodPost, "/api/v1/pantry/items", access, sid, token))
	assert.Equal(t, http.StatusForbidden, w.Code, "missing header")
	assert.Equal(t, "csrf_error", errorCode(t, w))

	req := cookieRequest(http.MethodPost, "/api/v1/pantry/items", access, sid, token)
	req.Header.Set(HeaderCSRF, f.csrf.Issue("other-session"))
	w = f.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code, "header bound to another session")

	req = cookieRequest(http.MethodPost, "/api/v1/pantry/items", access, sid, token)
	req.Header.Set(HeaderCSRF, token)
	w = f.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthenticator_CookieModePublicMutationNeedsCSRF(t *testing.T) {
	f := newGate(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: CookieRefreshToken, Value: "r"})
	req.AddCookie(&http.Cookie{Name: CookieSessionID, Value: "s"})
	w := f.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Login is exempt: there is no session to bind a token to yet.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.AddCookie(&http.Cookie{Name: CookieSessionID, Value: "stale"})
	w = f.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthenticator_BearerExemptFromCSRF(t *testing.T) {
	f := newGate(t, nil)
	access, err := f.tokens.IssueAccessToken("user-42", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pantry/items", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	req.AddCookie(&http.Cookie{Name: CookieSessionID, Value: "ignored"})
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthenticator_CookieSessionMismatch(t *testing.T) {
	f := newGate(t, nil)
	access, err := f.tokens.IssueAccessToken("user-42", map[string]string{"sid": "session-1"})
	require.NoError(t, err)

	w := f.do(cookieRequest(http.MethodGet, "/api/v1/users/me", access, "session-2", ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticator_UnknownRouteIsNotFound(t *testing.T) {
	f := newGate(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/does-not-exist", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "general", w.Header().Get("X-RateLimit-Type"), "unknown routes are still counted")
}
