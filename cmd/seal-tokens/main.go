// Command seal-tokens encrypts OAuth tokens that were stored before
// ENCRYPTION_KEY was configured.
//
// Usage:
//
//	seal-tokens [--dry-run] [--provider youtube]
//
// DB_DSN and ENCRYPTION_KEY (base64, 32 bytes) are required; ENCRYPTION_KEY_ID
// names the key written next to each sealed row.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/db"
)

// tokenStore is the part of db.TokenStore the command uses.
type tokenStore interface {
	PlaintextProviders(ctx context.Context) ([]string, error)
	LoadToken(ctx context.Context, provider string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, provider string, tok *oauth2.Token) error
}

func main() {
	dryRun := flag.Bool("dry-run", false, "list plaintext tokens without changing them")
	provider := flag.String("provider", "", "seal only this provider (default: all)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	if os.Getenv("ENCRYPTION_KEY") == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("err", err))
		os.Exit(1)
	}

	store, err := db.NewTokenStore(database)
	if err != nil {
		slog.Error("failed to initialize token store", slog.Any("err", err))
		os.Exit(1)
	}

	n, err := sealTokens(ctx, store, *provider, *dryRun)
	if err != nil {
		slog.Error("sealing failed", slog.Int("sealed", n), slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("sealing completed", slog.Int("sealed", n), slog.Bool("dry_run", *dryRun))
}

// sealTokens re-saves every plaintext token through store, which encrypts on
// write. It returns how many tokens were (or in dry-run mode would be) sealed.
func sealTokens(ctx context.Context, store tokenStore, only string, dryRun bool) (int, error) {
	providers, err := store.PlaintextProviders(ctx)
	if err != nil {
		return 0, err
	}
	if len(providers) == 0 {
		slog.Info("no plaintext tokens found")
		return 0, nil
	}

	var (
		sealed int
		errs   []error
	)
	for _, p := range providers {
		if only != "" && p != only {
			continue
		}
		logger := slog.With(slog.String("provider", p))
		if dryRun {
			logger.Info("would seal token (dry-run)")
			sealed++
			continue
		}
		tok, err := store.LoadToken(ctx, p)
		if err != nil {
			logger.Error("failed to load token", slog.Any("err", err))
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if err := store.SaveToken(ctx, p, tok); err != nil {
			logger.Error("failed to seal token", slog.Any("err", err))
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		logger.Info("sealed token")
		sealed++
	}
	return sealed, errors.Join(errs...)
}
