package app

import (
	"context"
	"fmt"
	"log/slog"

	gmailv1 "google.golang.org/api/gmail/v1"
	sheetsv4 "google.golang.org/api/sheets/v4"

	"MailRouter/internal/config"
	"MailRouter/internal/infrastructure/gmailapi"
	"MailRouter/internal/infrastructure/googleauth"
	"MailRouter/internal/infrastructure/scheduler"
	"MailRouter/internal/infrastructure/sheets"
	"MailRouter/internal/infrastructure/state"
	"MailRouter/internal/infrastructure/telegram"
	"MailRouter/internal/logging"
	"MailRouter/internal/ports"
	"MailRouter/internal/usecase"
)

// Scopes requested for the shared Google OAuth client.
var googleScopes = []string{gmailv1.GmailReadonlyScope, sheetsv4.SpreadsheetsScope}

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	scheduler *usecase.Scheduler
	store     *state.PostgresStore
	logger    *slog.Logger
}

// New builds a runnable application instance from configuration.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	httpClient, err := googleauth.NewClient(ctx, googleauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		TokenFile:    cfg.OAuth.TokenFile,
	}, googleScopes...)
	if err != nil {
		return nil, fmt.Errorf("google auth: %w", err)
	}

	mail, err := gmailapi.NewClient(ctx, httpClient, baseLogger.With("component", "gmail"))
	if err != nil {
		return nil, err
	}

	sheetStore, err := sheets.NewStore(ctx, httpClient, cfg.Spreadsheet.ID, cfg.Spreadsheet.Principal,
		baseLogger.With("component", "sheets"))
	if err != nil {
		return nil, err
	}

	stateStore, err := state.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	var notifier ports.Notifier
	if cfg.Notifications.Telegram.BotToken != "" {
		notifier = telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID)
	}

	engine := usecase.NewEngine(usecase.EngineDeps{
		Mail:         mail,
		Sheets:       sheetStore,
		Config:       sheetStore,
		State:        stateStore,
		Notifier:     notifier,
		GroupBaseURL: cfg.Mailbox.GroupBaseURL,
		Logger:       baseLogger.With("component", "engine"),
	})

	driver := scheduler.NewIntervalScheduler(cfg.Scheduler.Interval)
	sched := usecase.NewScheduler(driver, engine, baseLogger.With("component", "scheduler"))

	return &Application{
		cfg:       cfg,
		scheduler: sched,
		store:     stateStore,
		logger:    baseLogger,
	}, nil
}

// Run starts the schedule and blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if a.scheduler == nil {
		return nil
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started", "interval", a.cfg.Scheduler.Interval)

	<-ctx.Done()

	stopCtx := context.Background()
	if err := a.scheduler.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}

// Close releases held resources.
func (a *Application) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
