package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultRefreshTokenPepper      = "change-me-refresh-pepper"
	defaultVerificationTokenPepper = "change-me-verification-pepper"
	minSecretLength                = 32
)

var ErrSecretsShared = errors.New("JWT_SECRET and CSRF_SECRET must differ")

type AuthRuntimeConfig struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"pantry.db"`

	JWTSecret    string        `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer    string        `env:"JWT_ISSUER" envDefault:"pantry-api"`
	JWTAudience  string        `env:"JWT_AUDIENCE" envDefault:"pantry-app"`
	JWTAccessTTL time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL   time.Duration `env:"REFRESH_TTL" envDefault:"168h"`

	CSRFSecret string        `env:"CSRF_SECRET,required,notEmpty"`
	CSRFTTL    time.Duration `env:"CSRF_TTL" envDefault:"1h"`

	RefreshTokenPepper      string        `env:"REFRESH_TOKEN_PEPPER" envDefault:"change-me-refresh-pepper"`
	VerificationTokenPepper string        `env:"VERIFICATION_TOKEN_PEPPER" envDefault:"change-me-verification-pepper"`
	VerificationTokenTTL    time.Duration `env:"VERIFICATION_TOKEN_TTL" envDefault:"24h"`
	VerifyResendCooldown    time.Duration `env:"VERIFY_RESEND_COOLDOWN" envDefault:"60s"`
	RequireVerifiedEmail    bool          `env:"REQUIRE_VERIFIED_EMAIL" envDefault:"false"`
	PasswordCost            int           `env:"PASSWORD_COST" envDefault:"12"`

	CookieSecure   bool   `env:"COOKIE_SECURE" envDefault:"true"`
	CookieSameSite string `env:"COOKIE_SAMESITE" envDefault:"Strict"`
	CookiePath     string `env:"COOKIE_PATH" envDefault:"/api/v1/auth"`

	PersistenceTimeout     time.Duration `env:"PERSISTENCE_TIMEOUT" envDefault:"3s"`
	RateLimitSweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"1m"`
	TrustedProxies         []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	CORSAllowedOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// LoadAuthRuntimeConfig reads .env (if present) and the process environment.
// A missing JWT_SECRET or CSRF_SECRET is an error; callers treat it as fatal.
func LoadAuthRuntimeConfig() (*AuthRuntimeConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(env.Options{})
}

// LoadFromMap parses configuration from the given variables only.
func LoadFromMap(vars map[string]string) (*AuthRuntimeConfig, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*AuthRuntimeConfig, error) {
	cfg := &AuthRuntimeConfig{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.CSRFSecret = strings.TrimSpace(cfg.CSRFSecret)
	cfg.RefreshTokenPepper = strings.TrimSpace(cfg.RefreshTokenPepper)
	cfg.VerificationTokenPepper = strings.TrimSpace(cfg.VerificationTokenPepper)
	cfg.CookieSameSite = strings.TrimSpace(cfg.CookieSameSite)
	cfg.CookiePath = strings.TrimSpace(cfg.CookiePath)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *AuthRuntimeConfig) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if cfg.CSRFSecret == "" {
		return fmt.Errorf("CSRF_SECRET must not be empty")
	}
	if cfg.JWTSecret == cfg.CSRFSecret {
		return ErrSecretsShared
	}
	if cfg.JWTAccessTTL <= 0 {
		return fmt.Errorf("JWT_ACCESS_TTL must be > 0")
	}
	if cfg.RefreshTTL <= 0 {
		return fmt.Errorf("REFRESH_TTL must be > 0")
	}
	if cfg.CSRFTTL <= 0 {
		return fmt.Errorf("CSRF_TTL must be > 0")
	}
	if cfg.VerificationTokenTTL <= 0 {
		return fmt.Errorf("VERIFICATION_TOKEN_TTL must be > 0")
	}
	if cfg.VerifyResendCooldown <= 0 {
		return fmt.Errorf("VERIFY_RESEND_COOLDOWN must be > 0")
	}
	if cfg.PersistenceTimeout <= 0 {
		return fmt.Errorf("PERSISTENCE_TIMEOUT must be > 0")
	}
	if cfg.CookiePath == "" {
		return fmt.Errorf("COOKIE_PATH must not be empty")
	}
	if cfg.CookieSameSite == "" {
		return fmt.Errorf("COOKIE_SAMESITE must not be empty")
	}
	sameSite := strings.ToLower(cfg.CookieSameSite)
	if sameSite != "lax" && sameSite != "none" && sameSite != "strict" {
		return fmt.Errorf("COOKIE_SAMESITE must be one of: Lax, None, Strict")
	}
	if sameSite == "none" && !cfg.CookieSecure {
		return fmt.Errorf("COOKIE_SECURE must be true when COOKIE_SAMESITE=None")
	}

	if IsProdLike(cfg.AppEnv) {
		if len(cfg.JWTSecret) < minSecretLength {
			return fmt.Errorf("in prod/release JWT_SECRET must be at least %d characters", minSecretLength)
		}
		if len(cfg.CSRFSecret) < minSecretLength {
			return fmt.Errorf("in prod/release CSRF_SECRET must be at least %d characters", minSecretLength)
		}
		if isEmptyOrDefault(cfg.RefreshTokenPepper, defaultRefreshTokenPepper) {
			return fmt.Errorf("in prod/release REFRESH_TOKEN_PEPPER must be set and not default")
		}
		if isEmptyOrDefault(cfg.VerificationTokenPepper, defaultVerificationTokenPepper) {
			return fmt.Errorf("in prod/release VERIFICATION_TOKEN_PEPPER must be set and not default")
		}
		if !cfg.CookieSecure {
			return fmt.Errorf("in prod/release COOKIE_SECURE must be true")
		}
	}

	return nil
}

func IsProdLike(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}
