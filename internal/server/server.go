// Package server assembles the auth core into an HTTP application.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"pantry/internal/config"
	"pantry/internal/metrics"
	"pantry/internal/middleware"
	"pantry/internal/modules/auth"
	"pantry/internal/pkg/csrf"
	"pantry/internal/pkg/jwt"
	"pantry/internal/pkg/password"
	"pantry/internal/pkg/ratelimit"
	"pantry/internal/pkg/response"
	"pantry/internal/repository"
)

// Options overrides collaborators that tests and tools need to control.
type Options struct {
	Mailer auth.Mailer
	Now    func() time.Time
}

// App is the wired application. Limiter must be swept by the caller
// (Limiter.Run) for the lifetime of the process.
type App struct {
	Router       *gin.Engine
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics
	Auth         *auth.Service
	Refresh      *auth.RefreshStore
	Verification *auth.VerificationService
}

// NewApp builds services and routes on top of an already migrated db.
func NewApp(cfg *config.AuthRuntimeConfig, db *gorm.DB, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mailer == nil {
		opts.Mailer = auth.NewDevConsoleMailer(log)
	}

	m := metrics.New()

	// Repositories
	userRepo := repository.NewUserRepository(db)
	refreshRepo := repository.NewRefreshTokenRepository(db)
	verificationRepo := repository.NewVerificationTokenRepository(db)

	// Token primitives
	tokens := jwt.New(jwt.Options{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.JWTAccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Now:        opts.Now,
	})
	csrfTokens := csrf.New(cfg.CSRFSecret, cfg.CSRFTTL, opts.Now)
	limiter := ratelimit.New(nil, opts.Now)

	refreshStore := auth.NewRefreshStore(refreshRepo, cfg.RefreshTokenPepper, cfg.RefreshTTL, opts.Now)
	verification := auth.NewVerificationService(verificationRepo, cfg.VerificationTokenPepper, cfg.VerificationTokenTTL, opts.Now)

	authService := auth.NewService(
		userRepo,
		refreshStore,
		verification,
		tokens,
		password.NewHasher(cfg.PasswordCost),
		limiter,
		opts.Mailer,
		log.Named("auth"),
		m,
		auth.Config{
			PersistenceTimeout:   cfg.PersistenceTimeout,
			RequireVerifiedEmail: cfg.RequireVerifiedEmail,
			VerifyResendCooldown: cfg.VerifyResendCooldown,
			Now:                  opts.Now,
		},
	)
	authHandler := auth.NewHandler(authService, csrfTokens, auth.CookieConfig{
		Secure:      cfg.CookieSecure,
		SameSite:    auth.ParseSameSite(cfg.CookieSameSite),
		RefreshPath: cfg.CookiePath,
	}, log.Named("auth"))

	gate := middleware.NewAuthenticator(tokens, csrfTokens, limiter, log.Named("gate"), m, middleware.AuthOptions{
		SessionClaim: auth.ClaimSessionID,
	})

	if config.IsProdLike(cfg.AppEnv) {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(middleware.ErrorLogger(log))
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(gate.Handler())

	r.NoRoute(func(c *gin.Context) {
		response.Error(c, http.StatusNotFound, response.CodeNotFound, "Route not found")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := r.Group("/api/v1")
	{
		authHandler.RegisterPublicRoutes(v1)
		authHandler.RegisterProtectedRoutes(v1)
	}

	return &App{
		Router:       r,
		Limiter:      limiter,
		Metrics:      m,
		Auth:         authService,
		Refresh:      refreshStore,
		Verification: verification,
	}, nil
}
