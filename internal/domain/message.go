package domain

import "time"

// Thread is a candidate mail thread returned by the mailbox search.
// Messages are ordered oldest to newest, the way the provider returns them.
type Thread struct {
	ID           string
	LastUpdateMs int64
	Messages     []Message
}

// Message is a single mail inside a thread, immutable once fetched.
type Message struct {
	ID            string
	Body          string
	Subject       string
	From          string
	HasAttachment bool
}

// Row is one appended record in a destination sheet. Rows are buffered per
// destination during a run and written as a single batch.
type Row struct {
	SentAt           time.Time
	Sender           string
	Subject          string
	BodyPreview      string
	AttachmentMarker string
	ThreadID         string
	MessageID        string
}

// ConfigRow is one (destination, domain) pair from the classification
// management sheet, in table row order.
type ConfigRow struct {
	Destination string
	Domain      string
}

// RunStats summarizes a single ingestion run.
type RunStats struct {
	ThreadCount    int
	Saved          int
	SkippedHistory int
	Elapsed        time.Duration
}
