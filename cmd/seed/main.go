package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pantry/internal/config"
	"pantry/internal/database"
	"pantry/internal/domain"
	"pantry/internal/logger"
	"pantry/internal/pkg/password"
	"pantry/internal/repository"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var email, plain string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a verified demo account for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), email, plain)
		},
	}

	cmd.Flags().StringVar(&email, "email", "demo@pantry.local", "Demo account email")
	cmd.Flags().StringVar(&plain, "password", "Demo12345", "Demo account password")

	return cmd
}

func run(ctx context.Context, email, plain string) error {
	cfg, err := config.LoadAuthRuntimeConfig()
	if err != nil {
		return err
	}
	if config.IsProdLike(cfg.AppEnv) {
		return errors.New("refusing to seed a prod-like environment")
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

	users := repository.NewUserRepository(db)
	email = strings.ToLower(strings.TrimSpace(email))

	exists, err := users.ExistsByEmail(ctx, email)
	if err != nil {
		return err
	}
	if exists {
		zl.Info("demo account already present", zap.String("email", email))
		return nil
	}

	hash, err := password.NewHasher(cfg.PasswordCost).Hash(plain)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user := &domain.User{
		Email:        email,
		PasswordHash: &hash,
		IsActive:     true,
		IsVerified:   true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := users.Create(ctx, user); err != nil {
		return fmt.Errorf("create demo user: %w", err)
	}

	zl.Info("demo account created", zap.String("email", email), zap.String("user_id", user.ID))
	return nil
}
