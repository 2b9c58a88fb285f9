package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	gmailv1 "google.golang.org/api/gmail/v1"
	sheetsv4 "google.golang.org/api/sheets/v4"

	"MailRouter/internal/app"
	"MailRouter/internal/config"
	"MailRouter/internal/infrastructure/googleauth"
	"MailRouter/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)

	if len(os.Args) > 1 && os.Args[1] == "authorize" {
		if err := runAuthorize(cfg, os.Args[2:]); err != nil {
			logger.Error("authorization failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		logger.Error("application stopped", "error", err)
		os.Exit(1)
	}
}

// runAuthorize performs the one-time OAuth exchange. Without a code argument
// it prints the consent URL; with one it caches the token.
func runAuthorize(cfg config.Config, args []string) error {
	authCfg := googleauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		TokenFile:    cfg.OAuth.TokenFile,
	}
	scopes := []string{gmailv1.GmailReadonlyScope, sheetsv4.SpreadsheetsScope}

	if len(args) == 0 {
		fmt.Println("Visit the URL below, grant access, then rerun with the code:")
		fmt.Println(googleauth.AuthURL(authCfg, scopes...))
		fmt.Println("  mailrouter authorize <code>")
		return nil
	}

	if err := googleauth.Authorize(context.Background(), authCfg, args[0], scopes...); err != nil {
		return err
	}
	fmt.Printf("Token cached at %s\n", cfg.OAuth.TokenFile)
	return nil
}
