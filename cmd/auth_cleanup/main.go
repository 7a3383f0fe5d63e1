package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pantry/internal/config"
	"pantry/internal/database"
	"pantry/internal/logger"
	"pantry/internal/modules/auth"
	"pantry/internal/repository"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		revokedRetention time.Duration
		timeout          time.Duration
	)

	cmd := &cobra.Command{
		Use:   "auth_cleanup",
		Short: "Delete expired refresh and verification tokens",
		Long: `auth_cleanup removes refresh tokens that have expired or were revoked
longer ago than --revoked-retention, and verification tokens past their
expiry. It is meant to run from cron next to the API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), revokedRetention, timeout)
		},
	}

	cmd.Flags().DurationVar(&revokedRetention, "revoked-retention", 30*24*time.Hour, "Keep revoked refresh tokens this long for reuse detection")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall deadline for the cleanup")

	return cmd
}

func run(ctx context.Context, revokedRetention, timeout time.Duration) error {
	cfg, err := config.LoadAuthRuntimeConfig()
	if err != nil {
		return err
	}

	zl, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	db, err := database.Connect(cfg.DatabaseURL, zl)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	refresh := auth.NewRefreshStore(repository.NewRefreshTokenRepository(db), cfg.RefreshTokenPepper, cfg.RefreshTTL, nil)
	verification := auth.NewVerificationService(repository.NewVerificationTokenRepository(db), cfg.VerificationTokenPepper, cfg.VerificationTokenTTL, nil)

	refreshDeleted, err := refresh.Sweep(ctx, revokedRetention)
	if err != nil {
		return fmt.Errorf("cleanup refresh tokens: %w", err)
	}
	verificationDeleted, err := verification.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("cleanup verification tokens: %w", err)
	}

	zl.Info("auth cleanup completed",
		zap.Int64("refresh_tokens", refreshDeleted),
		zap.Int64("verification_tokens", verificationDeleted),
	)
	return nil
}
