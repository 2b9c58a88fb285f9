// Package ledger tracks the cross-run watermark and the recent-message-id
// history that make repeated ingestion runs idempotent.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"MailRouter/internal/ports"
)

const (
	// SafetyMargin re-admits threads updated slightly before the previous
	// watermark that the mail index had not yet surfaced at last run.
	SafetyMargin = 10 * time.Minute

	// HistoryLimit bounds the recent-message-id history; oldest inserted
	// ids are evicted first.
	HistoryLimit = 5000

	watermarkKey = "last_processed_thread_time"
	historyKey   = "message_id_history"
)

// Ledger is the dedup state of one run: loaded from the state store at run
// start, mutated in memory, persisted at run end. It is passed explicitly;
// nothing else reads the underlying store during a run.
type Ledger struct {
	watermarkMs int64
	pendingMs   int64
	history     []string
	historySet  map[string]struct{}
}

// Load reads the persisted ledger. A missing watermark bootstraps to
// now − SafetyMargin so the first run scans a bounded window instead of
// unbounded history.
func Load(ctx context.Context, store ports.StateStore, now time.Time) (*Ledger, error) {
	l := &Ledger{historySet: make(map[string]struct{})}

	raw, ok, err := store.Get(ctx, watermarkKey)
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	if ok {
		ms, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			return nil, fmt.Errorf("parse watermark %q: %w", raw, convErr)
		}
		l.watermarkMs = ms
	} else {
		l.watermarkMs = now.UnixMilli() - SafetyMargin.Milliseconds()
	}
	l.pendingMs = l.watermarkMs

	raw, ok, err = store.Get(ctx, historyKey)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if ok && raw != "" {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		for _, id := range ids {
			l.append(id)
		}
	}

	return l, nil
}

// WatermarkMs returns the watermark the run started from.
func (l *Ledger) WatermarkMs() int64 {
	return l.watermarkMs
}

// SearchFloor returns the lower bound for the mailbox search in ms, the
// watermark backed off by the safety margin, clamped at zero.
func (l *Ledger) SearchFloor() int64 {
	floor := l.watermarkMs - SafetyMargin.Milliseconds()
	if floor < 0 {
		return 0
	}
	return floor
}

// ObserveThread raises the pending watermark to the thread's last update
// time, independent of whether its messages are ultimately accepted.
func (l *Ledger) ObserveThread(lastUpdateMs int64) {
	if lastUpdateMs > l.pendingMs {
		l.pendingMs = lastUpdateMs
	}
}

// Seen reports whether the id is in the recent history.
func (l *Ledger) Seen(id string) bool {
	_, ok := l.historySet[id]
	return ok
}

// RecordSeen adds a visited message id to the history, evicting the oldest
// entries beyond HistoryLimit. Accepted and rejected messages are recorded
// alike so rejects are not re-evaluated every run.
func (l *Ledger) RecordSeen(id string) {
	if l.Seen(id) {
		return
	}
	l.append(id)
	if excess := len(l.history) - HistoryLimit; excess > 0 {
		for _, old := range l.history[:excess] {
			delete(l.historySet, old)
		}
		l.history = l.history[excess:]
	}
}

// HistoryLen reports the current history size.
func (l *Ledger) HistoryLen() int {
	return len(l.history)
}

// Commit persists the advanced watermark and the history. It runs
// unconditionally at the end of a successful run, even when no rows were
// accepted; the watermark never moves backwards.
func (l *Ledger) Commit(ctx context.Context, store ports.StateStore) error {
	if l.pendingMs > l.watermarkMs {
		l.watermarkMs = l.pendingMs
	}

	if err := store.Set(ctx, watermarkKey, strconv.FormatInt(l.watermarkMs, 10)); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}

	encoded, err := json.Marshal(l.history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := store.Set(ctx, historyKey, string(encoded)); err != nil {
		return fmt.Errorf("set history: %w", err)
	}

	return nil
}

func (l *Ledger) append(id string) {
	if _, ok := l.historySet[id]; ok {
		return
	}
	l.history = append(l.history, id)
	l.historySet[id] = struct{}{}
}
