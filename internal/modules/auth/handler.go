package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pantry/internal/middleware"
	"pantry/internal/pkg/csrf"
	"pantry/internal/pkg/response"
)

// CookieConfig controls the attributes of cookie-mode session cookies.
type CookieConfig struct {
	Secure      bool
	SameSite    http.SameSite
	RefreshPath string
}

// ParseSameSite maps the configured value onto http.SameSite, defaulting to Strict.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// Handler manages all HTTP interactions for authentication
type Handler struct {
	service *Service
	csrf    *csrf.Service
	cookies CookieConfig
	log     *zap.Logger
}

func NewHandler(service *Service, csrfTokens *csrf.Service, cookies CookieConfig, log *zap.Logger) *Handler {
	if cookies.RefreshPath == "" {
		cookies.RefreshPath = "/api/v1/auth"
	}
	if cookies.SameSite == 0 {
		cookies.SameSite = http.SameSiteStrictMode
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{service: service, csrf: csrfTokens, cookies: cookies, log: log}
}

func (h *Handler) RegisterPublicRoutes(v1 *gin.RouterGroup) {
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
		authGroup.POST("/logout", h.Logout)
		authGroup.POST("/password/reset/request", h.RequestPasswordReset)
		authGroup.POST("/password/reset/confirm", h.ResetPassword)
		authGroup.POST("/verify-email/request", h.RequestEmailVerification)
		authGroup.POST("/verify-email/confirm", h.VerifyEmail)
		authGroup.GET("/csrf", h.CSRFToken)
	}
}

func (h *Handler) RegisterProtectedRoutes(protected *gin.RouterGroup) {
	authGroup := protected.Group("/auth")
	{
		authGroup.POST("/logout-all", h.LogoutAll)
		authGroup.POST("/password/change", h.ChangePassword)
	}

	userGroup := protected.Group("/users")
	{
		userGroup.GET("/me", h.GetMe)
	}
}

// Register creates a household account.
// @Summary		Register
// @Tags		Auth
// @Param		request	body	RegisterRequest	true	"email and password"
// @Success		201	{object}	map[string]interface{}	"account created, verification email queued"
// @Failure		400	{object}	map[string]interface{}	"validation_error"
// @Failure		409	{object}	map[string]interface{}	"email already registered"
// @Router		/auth/register [POST]
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"user": toUserPublic(user)})
}

// Login signs the user in. With cookie_mode the tokens travel only in
// HttpOnly cookies and the body carries the CSRF token instead.
// @Summary		Login
// @Tags		Auth
// @Param		request	body	LoginRequest	true	"credentials"
// @Success		200	{object}	map[string]interface{}	"tokens issued"
// @Failure		401	{object}	map[string]interface{}	"authentication_error"
// @Failure		429	{object}	map[string]interface{}	"rate_limited"
// @Router		/auth/login [POST]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	meta := clientMeta(c)
	if req.CookieMode {
		meta.SessionID = uuid.NewString()
	}

	result, err := h.service.Login(c.Request.Context(), req, meta)
	if err != nil {
		h.fail(c, err)
		return
	}

	data := gin.H{"user": toUserPublic(result.User)}
	h.writeTokens(c, data, result.Tokens, req.CookieMode)
	response.Success(c, http.StatusOK, data)
}

// Refresh exchanges a refresh token (body or cookie) for a new pair.
// @Summary		Refresh tokens
// @Tags		Auth
// @Param		request	body	RefreshRequest	false	"refresh token; omitted in cookie mode"
// @Success		200	{object}	map[string]interface{}	"tokens rotated"
// @Failure		401	{object}	map[string]interface{}	"authentication_error"
// @Router		/auth/refresh [POST]
func (h *Handler) Refresh(c *gin.Context) {
	token, cookieMode, ok := h.refreshTokenFrom(c)
	if !ok {
		return
	}

	meta := clientMeta(c)
	if cookieMode {
		meta.SessionID, _ = c.Cookie(middleware.CookieSessionID)
	}

	pair, err := h.service.Refresh(c.Request.Context(), token, meta)
	if err != nil {
		if cookieMode && (errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrRefreshTokenReused)) {
			h.clearCookies(c)
		}
		h.fail(c, err)
		return
	}

	data := gin.H{}
	h.writeTokens(c, data, pair, cookieMode && pair.SessionID != "")
	response.Success(c, http.StatusOK, data)
}

// Logout revokes the presented refresh token.
// @Summary		Logout
// @Tags		Auth
// @Param		request	body	RefreshRequest	false	"refresh token; omitted in cookie mode"
// @Success		200	{object}	map[string]interface{}	"logged out"
// @Router		/auth/logout [POST]
func (h *Handler) Logout(c *gin.Context) {
	token, cookieMode, ok := h.refreshTokenFrom(c)
	if !ok {
		return
	}

	if err := h.service.Logout(c.Request.Context(), token); err != nil {
		h.fail(c, err)
		return
	}
	if cookieMode {
		h.clearCookies(c)
	}
	response.Success(c, http.StatusOK, gin.H{"message": "logged out"})
}

func (h *Handler) LogoutAll(c *gin.Context) {
	if err := h.service.LogoutAll(c.Request.Context(), middleware.UserID(c)); err != nil {
		h.fail(c, err)
		return
	}
	if middleware.AuthMethod(c) == middleware.AuthMethodCookie {
		h.clearCookies(c)
	}
	response.Success(c, http.StatusOK, gin.H{"message": "all sessions revoked"})
}

// ChangePassword replaces the password and signs out every other device.
// @Summary		Change password
// @Tags		Auth
// @Security	BearerAuth
// @Param		request	body	ChangePasswordRequest	true	"current and new password"
// @Success		200	{object}	map[string]interface{}	"password changed, new tokens for this device"
// @Failure		401	{object}	map[string]interface{}	"authentication_error"
// @Router		/auth/password/change [POST]
func (h *Handler) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if !bindJSON(c, &req) {
		return
	}

	meta := clientMeta(c)
	cookieMode := middleware.AuthMethod(c) == middleware.AuthMethodCookie
	if cookieMode {
		meta.SessionID = middleware.SessionID(c)
	}

	pair, err := h.service.ChangePassword(c.Request.Context(), middleware.UserID(c), req, meta)
	if err != nil {
		h.fail(c, err)
		return
	}

	data := gin.H{"message": "password changed"}
	h.writeTokens(c, data, pair, cookieMode)
	response.Success(c, http.StatusOK, data)
}

// CSRFToken issues a fresh CSRF token for the current cookie session. The
// refresh and session cookies are enough, so a client whose access token and
// CSRF cookie have both lapsed can still get back to /auth/refresh.
func (h *Handler) CSRFToken(c *gin.Context) {
	sessionID, _ := c.Cookie(middleware.CookieSessionID)
	if sessionID == "" {
		response.Error(c, http.StatusBadRequest, response.CodeValidation, "CSRF tokens are only used with cookie sessions")
		return
	}
	refreshToken, _ := c.Cookie(middleware.CookieRefreshToken)

	if err := h.service.CheckCookieSession(c.Request.Context(), refreshToken, sessionID); err != nil {
		h.clearCookies(c)
		h.fail(c, err)
		return
	}

	token := h.csrf.Issue(sessionID)
	h.setCSRFCookie(c, token)
	response.Success(c, http.StatusOK, gin.H{
		"csrf_token": token,
		"expires_in": int(h.csrf.TTL().Seconds()),
	})
}

func (h *Handler) GetMe(c *gin.Context) {
	user, err := h.service.CurrentUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"user": toUserPublic(user)})
}

func (h *Handler) RequestPasswordReset(c *gin.Context) {
	var req EmailRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) ResetPassword(c *gin.Context) {
	var req ResetPasswordRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.ResetPassword(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "password updated"})
}

func (h *Handler) RequestEmailVerification(c *gin.Context) {
	var req EmailRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.RequestEmailVerification(c.Request.Context(), req.Email); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) VerifyEmail(c *gin.Context) {
	var req VerifyEmailRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.service.VerifyEmail(c.Request.Context(), req.Token); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "email verified"})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var validationErr *ValidationError
	var rateErr *RateLimitError

	switch {
	case errors.As(err, &validationErr):
		response.ErrorWithDetails(c, http.StatusBadRequest, response.CodeValidation, "Validation failed", validationErr.Fields)
	case errors.As(err, &rateErr):
		response.RateLimited(c, rateErr.RetryAfterSeconds(), "Too many attempts, try again later")
	case errors.Is(err, ErrEmailAlreadyExists):
		response.Error(c, http.StatusConflict, response.CodeValidation, "This email is already registered")
	case errors.Is(err, ErrInvalidCredentials):
		response.Error(c, http.StatusUnauthorized, response.CodeAuthentication, "Invalid email or password")
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrRefreshTokenReused):
		response.Error(c, http.StatusUnauthorized, response.CodeAuthentication, "Invalid or expired token")
	case errors.Is(err, ErrEmailNotVerified):
		response.Error(c, http.StatusForbidden, response.CodeAccount, "Email address is not verified")
	case errors.Is(err, ErrAccountInactive):
		response.Error(c, http.StatusForbidden, response.CodeAccount, "Account is inactive")
	case errors.Is(err, ErrVerificationNotFound):
		verificationError(c, "not_found", "Verification token is invalid")
	case errors.Is(err, ErrVerificationExpired):
		verificationError(c, "expired", "Verification token has expired")
	case errors.Is(err, ErrVerificationAlreadyUsed):
		verificationError(c, "already_used", "Verification token has already been used")
	case errors.Is(err, ErrVerificationTooManyAttempts):
		verificationError(c, "too_many_attempts", "Verification token is no longer usable")
	default:
		_ = c.Error(err)
		h.log.Error("auth request failed",
			zap.String("path", c.FullPath()),
			zap.String("client_ip", c.ClientIP()),
			zap.Error(err),
		)
		response.Error(c, http.StatusInternalServerError, response.CodeInternal, "Internal server error")
	}
}

func verificationError(c *gin.Context, reason, message string) {
	response.ErrorWithDetails(c, http.StatusBadRequest, response.CodeValidation, message, gin.H{"reason": reason})
}

// writeTokens puts the pair either into cookies (plus a CSRF token in the
// body) or into the body as bearer tokens.
func (h *Handler) writeTokens(c *gin.Context, data gin.H, pair *TokenPair, cookieMode bool) {
	expiresIn := int(pair.AccessExpiresAt.Sub(h.service.now()).Seconds())
	data["expires_in"] = expiresIn

	if !cookieMode {
		data["access_token"] = pair.AccessToken
		data["refresh_token"] = pair.RefreshToken
		data["token_type"] = "Bearer"
		return
	}

	refreshMaxAge := int(pair.RefreshExpiresAt.Sub(h.service.now()).Seconds())
	h.setCookie(c, middleware.CookieAccessToken, pair.AccessToken, "/", expiresIn, true)
	h.setCookie(c, middleware.CookieRefreshToken, pair.RefreshToken, h.cookies.RefreshPath, refreshMaxAge, true)
	h.setCookie(c, middleware.CookieSessionID, pair.SessionID, "/", refreshMaxAge, true)

	token := h.csrf.Issue(pair.SessionID)
	h.setCSRFCookie(c, token)
	data["csrf_token"] = token
	data["token_type"] = "Cookie"
}

func (h *Handler) setCSRFCookie(c *gin.Context, token string) {
	h.setCookie(c, middleware.CookieCSRF, token, "/", int(h.csrf.TTL().Seconds()), false)
}

func (h *Handler) clearCookies(c *gin.Context) {
	h.setCookie(c, middleware.CookieAccessToken, "", "/", -1, true)
	h.setCookie(c, middleware.CookieRefreshToken, "", h.cookies.RefreshPath, -1, true)
	h.setCookie(c, middleware.CookieSessionID, "", "/", -1, true)
	h.setCookie(c, middleware.CookieCSRF, "", "/", -1, false)
}

func (h *Handler) setCookie(c *gin.Context, name, value, path string, maxAge int, httpOnly bool) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		Secure:   h.cookies.Secure,
		HttpOnly: httpOnly,
		SameSite: h.cookies.SameSite,
	})
}

// refreshTokenFrom prefers the JSON body and falls back to the refresh cookie.
func (h *Handler) refreshTokenFrom(c *gin.Context) (token string, cookieMode bool, ok bool) {
	var req RefreshRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeValidation, "Invalid request body")
			return "", false, false
		}
	}
	if token = strings.TrimSpace(req.RefreshToken); token != "" {
		return token, false, true
	}
	if cookie, err := c.Cookie(middleware.CookieRefreshToken); err == nil && cookie != "" {
		return cookie, true, true
	}
	response.Error(c, http.StatusUnauthorized, response.CodeAuthentication, "Refresh token is required")
	return "", false, false
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeValidation, "Invalid request body")
		return false
	}
	return true
}

func clientMeta(c *gin.Context) ClientMeta {
	return ClientMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
