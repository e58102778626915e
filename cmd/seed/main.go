// Package main implements a one-shot seed command that creates a registered
// agent directly in the FleetGlass database and prints its key, skipping the
// interactive code flow. It lives inside the server module so it can access
// internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed --user 1 --grace-period 120
//
// Environment variables:
//
//	FLEETGLASS_DB_DSN          SQLite file path or Postgres DSN (default: ./fleetglass.db)
//	FLEETGLASS_SECRET_KEY      Master encryption secret, must match the server
//	FLEETGLASS_SESSION_SECRET  When set, a session token for --user is printed too
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	userID := flag.Int64("user", 0, "Owner user ID (required)")
	gracePeriod := flag.Int("grace-period", 120, "Agent grace period in seconds")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of the printed session token")
	flag.Parse()

	if *userID <= 0 {
		return fmt.Errorf("--user is required and must be positive")
	}

	dsn := envOrDefault("FLEETGLASS_DB_DSN", "./fleetglass.db")

	secretKey := os.Getenv("FLEETGLASS_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"FLEETGLASS_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  registration credentials will be unreadable later.",
		)
	}

	// Same derivation the server uses; the stored agent key must decrypt
	// there.
	derived := sha256.Sum256([]byte(secretKey))
	if err := db.InitEncryption(derived[:]); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// Walk the real registration flow end to end so the seeded agent is
	// indistinguishable from one registered interactively.
	ctx := context.Background()
	s := store.New(database, clockwork.NewRealClock(), logger)

	reg, err := s.CreateRegistration(ctx, time.Minute)
	if err != nil {
		return fmt.Errorf("create registration: %w", err)
	}
	agent, err := s.ClaimRegistration(ctx, reg.Code, *userID, *gracePeriod)
	if err != nil {
		return fmt.Errorf("claim registration: %w", err)
	}
	agent, err = s.FinalizeRegistration(ctx, agent.Key, "127.0.0.1")
	if err != nil {
		return fmt.Errorf("finalize registration: %w", err)
	}
	if err := s.DeleteRegistration(ctx, reg.ID); err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}

	fmt.Printf("✓ Agent created\n")
	fmt.Printf("  ID:    %s\n", agent.ID)
	fmt.Printf("  Name:  %s\n", agent.Name)
	fmt.Printf("  Owner: %d\n", agent.OwnerID)
	fmt.Printf("  Key:   %s\n", agent.Key)

	if sessionSecret := os.Getenv("FLEETGLASS_SESSION_SECRET"); sessionSecret != "" {
		issuer := envOrDefault("FLEETGLASS_SESSION_ISSUER", "fleetglass")
		resolver := auth.NewSessionResolver([]byte(sessionSecret), issuer)
		token, err := resolver.IssueToken(*userID, *tokenTTL)
		if err != nil {
			return fmt.Errorf("issue session token: %w", err)
		}
		fmt.Printf("  Token: %s\n", token)
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
