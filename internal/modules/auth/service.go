package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pantry/internal/domain"
	"pantry/internal/metrics"
	"pantry/internal/pkg/jwt"
	"pantry/internal/pkg/ratelimit"
	"pantry/internal/pkg/validator"
)

const defaultPersistenceTimeout = 3 * time.Second

// Config holds the service knobs that come from the environment.
type Config struct {
	PersistenceTimeout   time.Duration
	RequireVerifiedEmail bool
	VerifyResendCooldown time.Duration
	Now                  func() time.Time
}

// Service contains all business logic for authentication
type Service struct {
	users        UserRepository
	refresh      *RefreshStore
	verification *VerificationService
	tokens       tokenCodec
	hasher       passwordHasher
	throttle     LoginThrottle
	mailer       Mailer
	log          *zap.Logger
	metrics      *metrics.Metrics
	cfg          Config
}

func NewService(
	users UserRepository,
	refresh *RefreshStore,
	verification *VerificationService,
	tokens tokenCodec,
	hasher passwordHasher,
	throttle LoginThrottle,
	mailer Mailer,
	log *zap.Logger,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	if cfg.PersistenceTimeout <= 0 {
		cfg.PersistenceTimeout = defaultPersistenceTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		users:        users,
		refresh:      refresh,
		verification: verification,
		tokens:       tokens,
		hasher:       hasher,
		throttle:     throttle,
		mailer:       mailer,
		log:          log,
		metrics:      m,
		cfg:          cfg,
	}
}

// Register creates an unverified account and sends an email verification token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	req.Email = normalizeEmail(req.Email)
	if fields := validator.Validate(req); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := s.users.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return nil, ErrEmailAlreadyExists
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &domain.User{
		Email:        req.Email,
		PasswordHash: &hash,
		IsActive:     true,
		IsVerified:   false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := s.sendToken(ctx, user, domain.KindEmailVerify); err != nil {
		return nil, err
	}

	s.log.Info("user registered", zap.String("user_id", user.ID))
	return sanitize(user), nil
}

// Login checks credentials and issues an access/refresh pair. Every failure
// that could reveal whether the account exists collapses into
// ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req LoginRequest, meta ClientMeta) (*LoginResult, error) {
	req.Email = normalizeEmail(req.Email)
	if fields := validator.Validate(req); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}

	// The failure slot is held from here on; concurrent attempts share it.
	d, release := s.throttle.Reserve(meta.IP, ratelimit.BucketAuthFailure)
	if !d.Allowed {
		s.metrics.Login("throttled")
		s.metrics.Limited(string(ratelimit.BucketAuthFailure))
		s.securityEvent("login throttled", meta, zap.Duration("retry_after", d.RetryAfter))
		return nil, &RateLimitError{RetryAfter: d.RetryAfter}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		release()
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	switch {
	case user == nil:
		s.hasher.VerifyDummy(req.Password)
		return nil, s.loginFailed(meta, "unknown_email")
	case !user.IsActive:
		s.hasher.VerifyDummy(req.Password)
		return nil, s.loginFailed(meta, "inactive")
	case !user.HasPassword():
		s.hasher.VerifyDummy(req.Password)
		return nil, s.loginFailed(meta, "no_password")
	case !s.hasher.Verify(req.Password, *user.PasswordHash):
		return nil, s.loginFailed(meta, "password_mismatch")
	}

	if s.cfg.RequireVerifiedEmail && !user.IsVerified {
		release()
		s.metrics.Login("unverified")
		return nil, ErrEmailNotVerified
	}

	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		release()
		return nil, fmt.Errorf("update last login: %w", err)
	}
	user.LastLogin = &now

	meta.Label = strings.TrimSpace(req.DeviceName)
	pair, err := s.issuePair(ctx, user.ID, meta)
	if err != nil {
		release()
		return nil, err
	}

	s.throttle.Reset(meta.IP, ratelimit.BucketAuthFailure)
	s.metrics.Login("success")
	s.log.Info("login succeeded", zap.String("user_id", user.ID), zap.String("client_ip", meta.IP))

	return &LoginResult{User: sanitize(user), Tokens: pair}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented handle is
// rotated; replaying an already rotated handle revokes its whole family.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*TokenPair, error) {
	claims, err := s.tokens.Verify(refreshToken, jwt.TypeRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := s.refresh.Lookup(ctx, claims.Handle)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	if rec.UserID != claims.Subject {
		s.securityEvent("refresh token subject mismatch", meta, zap.String("user_id", claims.Subject))
		return nil, ErrInvalidToken
	}

	user, err := s.users.GetByID(ctx, rec.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.IsActive {
		if err := s.refresh.RevokeFamily(ctx, rec.FamilyID); err != nil {
			return nil, err
		}
		return nil, ErrAccountInactive
	}

	if meta.SessionID == "" {
		meta.SessionID = claims.Extra[ClaimSessionID]
	}

	var device map[string]string
	if d := meta.device(); d != nil {
		if label := rec.DeviceInfo["label"]; label != "" {
			d["label"] = label
		}
		device = d
	}

	handle, next, err := s.refresh.Rotate(ctx, rec, device)
	if errors.Is(err, ErrRefreshTokenReused) {
		s.metrics.Reuse()
		s.securityEvent("refresh token reuse detected", meta,
			zap.String("user_id", rec.UserID),
			zap.String("family_id", rec.FamilyID),
		)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	return s.signPair(user.ID, handle, next, meta)
}

// Logout revokes the handle inside refreshToken. Expired tokens and unknown
// handles succeed since there is nothing left to revoke.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.Verify(refreshToken, jwt.TypeRefresh)
	if errors.Is(err, jwt.ErrExpired) {
		return nil
	}
	if err != nil {
		return ErrInvalidToken
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.refresh.Revoke(ctx, claims.Handle); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// LogoutAll revokes every refresh token of userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.refresh.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke all: %w", err)
	}
	s.metrics.RevokeAll()
	s.log.Info("revoked all refresh tokens", zap.String("user_id", userID), zap.Int64("revoked", n))
	return nil
}

// ChangePassword replaces the password, revokes every refresh token of the
// user and returns a fresh pair for the calling device.
func (s *Service) ChangePassword(ctx context.Context, userID string, req ChangePasswordRequest, meta ClientMeta) (*TokenPair, error) {
	if fields := validator.Validate(req); fields != nil {
		return nil, &ValidationError{Fields: fields}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.HasPassword() || !s.hasher.Verify(req.CurrentPassword, *user.PasswordHash) {
		s.securityEvent("password change rejected", meta, zap.String("user_id", userID))
		return nil, ErrInvalidCredentials
	}

	if err := s.setPassword(ctx, user.ID, req.NewPassword); err != nil {
		return nil, err
	}
	return s.issuePair(ctx, user.ID, meta)
}

// RequestPasswordReset always succeeds from the caller's point of view; a
// token is only created for an active account with a password.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !validator.Var(email, "required,email") {
		return &ValidationError{Fields: map[string]string{"Email": "email"}}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Info("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if !user.IsActive || !user.HasPassword() {
		return nil
	}

	if wait, err := s.cooldown(ctx, user.ID, domain.KindPasswordReset); err != nil {
		return err
	} else if wait > 0 {
		return nil
	}

	return s.sendToken(ctx, user, domain.KindPasswordReset)
}

// ResetPassword spends a password reset token and sets the new password.
// The new password is validated first so a weak one does not burn the token.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if fields := validator.Validate(req); fields != nil {
		return &ValidationError{Fields: fields}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := s.verification.Consume(ctx, req.Token, domain.KindPasswordReset)
	if err != nil {
		return err
	}

	user, err := s.tokenOwner(ctx, rec)
	if err != nil {
		return err
	}
	if err := s.setPassword(ctx, user.ID, req.NewPassword); err != nil {
		return err
	}
	s.log.Info("password reset completed", zap.String("user_id", user.ID))
	return nil
}

// RequestEmailVerification sends a new email verification token unless the
// last one is still inside the resend cooldown. Like RequestPasswordReset it
// answers the same way for unknown, verified and cooling-down accounts.
func (s *Service) RequestEmailVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !validator.Var(email, "required,email") {
		return &ValidationError{Fields: map[string]string{"Email": "email"}}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if user.IsVerified || !user.IsActive {
		return nil
	}

	wait, err := s.cooldown(ctx, user.ID, domain.KindEmailVerify)
	if err != nil {
		return err
	}
	if wait > 0 {
		s.log.Debug("verification resend inside cooldown", zap.String("user_id", user.ID), zap.Duration("wait", wait))
		return nil
	}

	return s.sendToken(ctx, user, domain.KindEmailVerify)
}

// VerifyEmail spends an email verification token and marks the account
// verified. Tokens issued for an address the account no longer uses are
// treated as unknown.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := s.verification.Consume(ctx, token, domain.KindEmailVerify)
	if err != nil {
		return err
	}

	user, err := s.tokenOwner(ctx, rec)
	if err != nil {
		return err
	}
	if err := s.users.MarkVerified(ctx, user.ID); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	s.log.Info("email verified", zap.String("user_id", user.ID))
	return nil
}

// CheckCookieSession reports whether sessionID is still backed by the
// presented refresh token. It lets a cookie client that has been idle past
// its access and CSRF lifetimes obtain a new CSRF token.
func (s *Service) CheckCookieSession(ctx context.Context, refreshToken, sessionID string) error {
	if sessionID == "" || refreshToken == "" {
		return ErrInvalidToken
	}
	claims, err := s.tokens.Verify(refreshToken, jwt.TypeRefresh)
	if err != nil {
		return ErrInvalidToken
	}
	if claims.Extra[ClaimSessionID] != sessionID {
		return ErrInvalidToken
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if !s.refresh.IsValid(ctx, claims.Handle) {
		return ErrInvalidToken
	}
	return nil
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (*domain.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return sanitize(user), nil
}

func (s *Service) issuePair(ctx context.Context, userID string, meta ClientMeta) (*TokenPair, error) {
	handle, rec, err := s.refresh.Issue(ctx, userID, meta.device())
	if err != nil {
		return nil, fmt.Errorf("issue refresh handle: %w", err)
	}
	return s.signPair(userID, handle, rec, meta)
}

func (s *Service) signPair(userID, handle string, rec *domain.RefreshToken, meta ClientMeta) (*TokenPair, error) {
	extra := meta.claims()
	access, err := s.tokens.IssueAccessToken(userID, extra)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefreshToken(userID, handle, extra)
	if err != nil {
		return nil, err
	}
	s.metrics.TokenIssued(string(jwt.TypeAccess))
	s.metrics.TokenIssued(string(jwt.TypeRefresh))

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  s.now().Add(s.tokens.AccessTTL()),
		RefreshExpiresAt: rec.ExpiresAt,
		SessionID:        meta.SessionID,
	}, nil
}

// setPassword stores a new hash and then revokes every refresh token the
// user holds. Tokens issued after this returns are unaffected.
func (s *Service) setPassword(ctx context.Context, userID, plain string) error {
	hash, err := s.hasher.Hash(plain)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, err := s.refresh.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke all: %w", err)
	}
	s.metrics.RevokeAll()
	s.log.Info("password changed, sessions revoked", zap.String("user_id", userID), zap.Int64("revoked", n))
	return nil
}

func (s *Service) tokenOwner(ctx context.Context, rec *domain.VerificationToken) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, rec.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if normalizeEmail(user.Email) != rec.Email {
		return nil, ErrVerificationNotFound
	}
	return user, nil
}

func (s *Service) sendToken(ctx context.Context, user *domain.User, kind domain.VerificationKind) error {
	token, err := s.verification.Create(ctx, user.ID, user.Email, kind)
	if err != nil {
		return fmt.Errorf("create %s token: %w", kind, err)
	}
	if err := s.mailer.SendVerificationToken(ctx, user.Email, kind, token); err != nil {
		// The user can ask for another token; a mail outage must not fail the flow.
		s.log.Warn("send verification token failed",
			zap.String("user_id", user.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return nil
}

// cooldown returns how long the user must wait before another token of kind
// is sent.
func (s *Service) cooldown(ctx context.Context, userID string, kind domain.VerificationKind) (time.Duration, error) {
	if s.cfg.VerifyResendCooldown <= 0 {
		return 0, nil
	}
	latest, err := s.verification.Latest(ctx, userID, kind)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest %s token: %w", kind, err)
	}
	elapsed := s.now().Sub(latest.RequestedAt)
	if elapsed >= s.cfg.VerifyResendCooldown {
		return 0, nil
	}
	return s.cfg.VerifyResendCooldown - elapsed, nil
}

// loginFailed keeps the failure slot reserved by Login.
func (s *Service) loginFailed(meta ClientMeta, reason string) error {
	s.metrics.Login("failure")
	s.securityEvent("login failed", meta, zap.String("reason", reason))
	return ErrInvalidCredentials
}

func (s *Service) securityEvent(msg string, meta ClientMeta, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("client_ip", meta.IP),
		zap.String("user_agent", meta.UserAgent),
		zap.Time("at", s.now()),
	}
	s.log.Warn(msg, append(base, fields...)...)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.PersistenceTimeout)
}

func (s *Service) now() time.Time {
	return s.cfg.Now().UTC()
}

func sanitize(u *domain.User) *domain.User {
	out := *u
	out.PasswordHash = nil
	return &out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
