package auth

import (
	"context"

	"go.uber.org/zap"

	"pantry/internal/domain"
)

// Mailer delivers verification and password reset tokens.
type Mailer interface {
	SendVerificationToken(ctx context.Context, email string, kind domain.VerificationKind, token string) error
}

// DevConsoleMailer stands in for a real mail provider during development.
// It records that a message would have been sent; the token itself never
// reaches the log.
type DevConsoleMailer struct {
	log *zap.Logger
}

func NewDevConsoleMailer(log *zap.Logger) *DevConsoleMailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &DevConsoleMailer{log: log}
}

func (m *DevConsoleMailer) SendVerificationToken(_ context.Context, email string, kind domain.VerificationKind, _ string) error {
	m.log.Info("dev mailer: token email queued",
		zap.String("recipient", email),
		zap.String("kind", string(kind)),
	)
	return nil
}
