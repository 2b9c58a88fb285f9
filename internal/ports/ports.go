package ports

import (
	"context"
	"time"

	"MailRouter/internal/domain"
)

// MailSearcher lists candidate threads for a mailbox query.
type MailSearcher interface {
	Search(ctx context.Context, query string, offset, limit int64) ([]domain.Thread, error)
}

// SheetStore persists rows into named destination sheets.
type SheetStore interface {
	// ReadColumn returns all values of one managed column (0-based offset
	// inside the managed block), excluding the header row.
	ReadColumn(ctx context.Context, destination string, columnOffset int) ([]string, error)
	// AppendRowsAtTop inserts rows directly under the header row.
	AppendRowsAtTop(ctx context.Context, destination string, rows []domain.Row) error
	// EnsureDestinationExists creates the sheet with the fixed header schema
	// when absent and restricts the managed columns to the service principal.
	EnsureDestinationExists(ctx context.Context, destination string) error
}

// ConfigSource exposes the human-maintained destination/domain table.
type ConfigSource interface {
	ConfigRows(ctx context.Context) ([]domain.ConfigRow, error)
}

// StateStore is the small key-value store used for watermark and history
// persistence between runs.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Notifier publishes run summaries to an external channel.
type Notifier interface {
	PublishSummary(ctx context.Context, summary string) error
}

// Scheduler controls when ingestion runs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
