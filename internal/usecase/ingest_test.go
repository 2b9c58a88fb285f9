package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailRouter/internal/domain"
	"MailRouter/internal/usecase"
)

type mailMock struct {
	SearchFunc func(ctx context.Context, query string, offset, limit int64) ([]domain.Thread, error)
	queries    []string
}

func (m *mailMock) Search(ctx context.Context, query string, offset, limit int64) ([]domain.Thread, error) {
	m.queries = append(m.queries, query)
	return m.SearchFunc(ctx, query, offset, limit)
}

type sheetsMock struct {
	ReadColumnFunc func(ctx context.Context, destination string, columnOffset int) ([]string, error)
	AppendErr      error
	appended       map[string][]domain.Row
	ensured        []string
}

func (m *sheetsMock) ReadColumn(ctx context.Context, destination string, columnOffset int) ([]string, error) {
	if m.ReadColumnFunc != nil {
		return m.ReadColumnFunc(ctx, destination, columnOffset)
	}
	return nil, nil
}

func (m *sheetsMock) AppendRowsAtTop(_ context.Context, destination string, rows []domain.Row) error {
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.appended == nil {
		m.appended = map[string][]domain.Row{}
	}
	m.appended[destination] = append(m.appended[destination], rows...)
	return nil
}

func (m *sheetsMock) EnsureDestinationExists(_ context.Context, destination string) error {
	m.ensured = append(m.ensured, destination)
	return nil
}

type configMock struct {
	rows []domain.ConfigRow
	err  error
}

func (m *configMock) ConfigRows(context.Context) ([]domain.ConfigRow, error) {
	return m.rows, m.err
}

type stateMock struct {
	values map[string]string
	sets   int
}

func newStateMock() *stateMock { return &stateMock{values: map[string]string{}} }

func (m *stateMock) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *stateMock) Set(_ context.Context, key, value string) error {
	m.sets++
	m.values[key] = value
	return nil
}

var runClock = time.Date(2024, time.January, 5, 12, 0, 0, 0, time.UTC)

func forwardedBody(address, sentAt string) string {
	return fmt.Sprintf("転送元の名前: 山田 太郎\n転送元アドレス: %s\n日時: %s\n---\n本文のプレビューです。", address, sentAt)
}

func salesThread(threadID, msgID string) domain.Thread {
	return domain.Thread{
		ID:           threadID,
		LastUpdateMs: runClock.UnixMilli(),
		Messages: []domain.Message{
			{
				ID:            msgID,
				Body:          forwardedBody("a@example.com", "2024-01-05 10:00"),
				Subject:       "お問い合わせ",
				From:          "forwarder@corp.example",
				HasAttachment: false,
			},
		},
	}
}

func newEngine(mail *mailMock, sheets *sheetsMock, cfg *configMock, state *stateMock) *usecase.Engine {
	return usecase.NewEngine(usecase.EngineDeps{
		Mail:         mail,
		Sheets:       sheets,
		Config:       cfg,
		State:        state,
		GroupBaseURL: "https://groups.example.com/search?q=",
	})
}

func TestRunRoutesForwardedMessage(t *testing.T) {
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{salesThread("t-1", "m-1")}, nil
	}}
	sheets := &sheetsMock{}
	cfg := &configMock{rows: []domain.ConfigRow{
		{Destination: "Sales", Domain: "example.com"},
		{Destination: "Support", Domain: "other.example"},
	}}
	state := newStateMock()

	stats, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Saved)
	require.Len(t, sheets.appended["Sales"], 1)
	assert.Empty(t, sheets.appended["Support"])

	row := sheets.appended["Sales"][0]
	assert.Equal(t, "m-1", row.MessageID)
	assert.Equal(t, "t-1", row.ThreadID)
	assert.Equal(t, "山田 太郎", row.Sender)
	assert.Equal(t, "本文のプレビューです。", row.BodyPreview)
	assert.Equal(t, "なし", row.AttachmentMarker)
	assert.True(t, row.SentAt.Equal(time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC)))
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{salesThread("t-1", "m-1")}, nil
	}}
	sheets := &sheetsMock{}
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}
	state := newStateMock()

	engine := newEngine(mail, sheets, cfg, state)
	ctx := context.Background()

	stats, err := engine.Run(ctx, runClock)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Saved)

	// Identical mailbox state: the history hit must suppress the rewrite.
	stats, err = engine.Run(ctx, runClock.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Saved)
	assert.Equal(t, 1, stats.SkippedHistory)
	assert.Len(t, sheets.appended["Sales"], 1)
}

func TestRunSeenIDSafetyNet(t *testing.T) {
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{salesThread("t-1", "m-1")}, nil
	}}
	sheets := &sheetsMock{ReadColumnFunc: func(_ context.Context, destination string, offset int) ([]string, error) {
		assert.Equal(t, 6, offset, "seen ids come from the message-id column")
		if destination == "Sales" {
			return []string{"m-1"}, nil
		}
		return nil, nil
	}}
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}
	// Fresh state store: the in-memory history was lost or reset.
	state := newStateMock()

	stats, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Saved)
	assert.Empty(t, sheets.appended)
	// The watermark still advances to the thread's last update.
	assert.Equal(t, fmt.Sprint(runClock.UnixMilli()), state.values["last_processed_thread_time"])
}

func TestRunSkipsUnextractableButRecordsSeen(t *testing.T) {
	thread := domain.Thread{
		ID:           "t-1",
		LastUpdateMs: runClock.UnixMilli(),
		Messages: []domain.Message{
			{ID: "m-1", Body: "転送ヘッダーのない普通のメールです。", Subject: "雑談"},
		},
	}
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{thread}, nil
	}}
	sheets := &sheetsMock{}
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}
	state := newStateMock()

	stats, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Saved)
	assert.Empty(t, sheets.appended)
	assert.Contains(t, state.values["message_id_history"], "m-1",
		"rejected messages are still recorded as seen")
}

func TestRunHistoryHitStopsThreadWalk(t *testing.T) {
	// Newest message already in history; the older acceptable message below
	// it must not be inspected.
	thread := domain.Thread{
		ID:           "t-1",
		LastUpdateMs: runClock.UnixMilli(),
		Messages: []domain.Message{
			{ID: "m-old", Body: forwardedBody("a@example.com", "2024-01-04 09:00"), Subject: "旧件"},
			{ID: "m-new", Body: "メタデータなし", Subject: "新件"},
		},
	}
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{thread}, nil
	}}
	sheets := &sheetsMock{}
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}
	state := newStateMock()
	state.values["message_id_history"] = `["m-new"]`
	state.values["last_processed_thread_time"] = fmt.Sprint(runClock.Add(-time.Hour).UnixMilli())

	stats, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Saved)
	assert.Equal(t, 1, stats.SkippedHistory)
	assert.Empty(t, sheets.appended)
	assert.NotContains(t, state.values["message_id_history"], "m-old",
		"messages below a history hit are not visited")
}

func TestRunWatermarkAdvancesOnEmptyRun(t *testing.T) {
	newest := runClock.UnixMilli()
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{{ID: "t-1", LastUpdateMs: newest}}, nil
	}}
	sheets := &sheetsMock{}
	cfg := &configMock{}
	state := newStateMock()
	state.values["last_processed_thread_time"] = fmt.Sprint(runClock.Add(-time.Hour).UnixMilli())

	stats, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Saved)
	assert.Equal(t, fmt.Sprint(newest), state.values["last_processed_thread_time"])
}

func TestRunSortsBatchDescending(t *testing.T) {
	thread := domain.Thread{
		ID:           "t-1",
		LastUpdateMs: runClock.UnixMilli(),
		Messages: []domain.Message{
			{ID: "m-1", Body: forwardedBody("a@example.com", "2024-01-03 10:00"), Subject: "一通目"},
			{ID: "m-2", Body: forwardedBody("b@example.com", "2024-01-05 10:00"), Subject: "二通目"},
			{ID: "m-3", Body: forwardedBody("c@example.com", "2024-01-04 10:00"), Subject: "三通目"},
		},
	}
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{thread}, nil
	}}
	sheets := &sheetsMock{}
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}
	state := newStateMock()

	_, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	rows := sheets.appended["Sales"]
	require.Len(t, rows, 3)
	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i-1].SentAt.Before(rows[i].SentAt),
			"rows must be ordered newest first")
	}
}

func TestRunSkipsThreadsBelowFloor(t *testing.T) {
	stale := salesThread("t-stale", "m-stale")
	stale.LastUpdateMs = runClock.Add(-2 * time.Hour).UnixMilli()

	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{stale}, nil
	}}
	sheets := &sheetsMock{}
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}
	state := newStateMock()
	state.values["last_processed_thread_time"] = fmt.Sprint(runClock.Add(-30 * time.Minute).UnixMilli())

	stats, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Saved)
	assert.NotContains(t, state.values["message_id_history"], "m-stale",
		"messages of pre-floor threads are not walked")
}

func TestRunAttachmentMarker(t *testing.T) {
	thread := salesThread("t-1", "m-1")
	thread.Messages[0].HasAttachment = true
	thread.Messages[0].Subject = "請求書 送付"

	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{thread}, nil
	}}
	sheets := &sheetsMock{}
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}
	state := newStateMock()

	_, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	require.Len(t, sheets.appended["Sales"], 1)
	marker := sheets.appended["Sales"][0].AttachmentMarker
	assert.Contains(t, marker, `=HYPERLINK("https://groups.example.com/search?q=`)
	assert.Contains(t, marker, `"あり"`)
}

func TestRunSearchQueryUsesFloorSeconds(t *testing.T) {
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return nil, nil
	}}
	state := newStateMock()
	state.values["last_processed_thread_time"] = "1700000600000"

	_, err := newEngine(mail, &sheetsMock{}, &configMock{}, state).Run(context.Background(), runClock)
	require.NoError(t, err)

	require.Len(t, mail.queries, 1)
	assert.Equal(t, "in:inbox after:1700000000", mail.queries[0])
}

func TestRunMailFailureAbortsBeforeCommit(t *testing.T) {
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return nil, errors.New("mailbox unreachable")
	}}
	state := newStateMock()

	_, err := newEngine(mail, &sheetsMock{}, &configMock{}, state).Run(context.Background(), runClock)
	require.Error(t, err)
	assert.Zero(t, state.sets, "ledger must stay uncommitted on collaborator failure")
}

func TestRunAppendFailureAbortsBeforeCommit(t *testing.T) {
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{salesThread("t-1", "m-1")}, nil
	}}
	sheets := &sheetsMock{AppendErr: errors.New("storage unavailable")}
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}
	state := newStateMock()

	_, err := newEngine(mail, sheets, cfg, state).Run(context.Background(), runClock)
	require.Error(t, err)
	assert.Zero(t, state.sets)
}

// The engine models no mutual exclusion between runs: the per-destination
// seen-id sets are loaded once per run, so when both the history and the
// destination column are lost or stale, a rewrite is possible. The scheduler
// guaranteeing non-overlapping runs is an external invariant.
func TestRunDoubleWriteWhenBothSafetyNetsLost(t *testing.T) {
	mail := &mailMock{SearchFunc: func(context.Context, string, int64, int64) ([]domain.Thread, error) {
		return []domain.Thread{salesThread("t-1", "m-1")}, nil
	}}
	sheets := &sheetsMock{} // ReadColumn never reflects earlier appends
	cfg := &configMock{rows: []domain.ConfigRow{{Destination: "Sales", Domain: "example.com"}}}

	ctx := context.Background()
	_, err := newEngine(mail, sheets, cfg, newStateMock()).Run(ctx, runClock)
	require.NoError(t, err)

	// Second run with a wiped state store and a stale (empty) seen-id view.
	_, err = newEngine(mail, sheets, cfg, newStateMock()).Run(ctx, runClock)
	require.NoError(t, err)

	assert.Len(t, sheets.appended["Sales"], 2,
		"without either safety net the same message is written twice")
}
