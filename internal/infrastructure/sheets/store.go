// Package sheets implements the destination store and the configuration
// source on the Google Sheets API.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"MailRouter/internal/domain"
	"MailRouter/internal/ports"
)

const (
	configSheetName = "シート分類管理"
	// Header row of the configuration sheet; rows 1..5 hold the usage
	// guide, row 6 stays blank, data starts at row 8.
	configHeaderRow = 7

	protectedDescription       = "Auto Mail Data Protected"
	configProtectedDescription = "Category Management Sheet Protected"
)

// managedHeaders is the block of columns this job owns. Its first header is
// the marker used to locate the block inside an existing sheet.
var managedHeaders = []string{"送信日時", "送信者", "件名", "本文", "添付の有無", "スレッドID", "メッセージID"}

// manualHeaders precede the managed block on freshly created sheets and are
// left to human editors.
var manualHeaders = []string{"対応確認", "備考", "対応者"}

var configHeaders = []string{"シート名", "ドメイン名"}

var configGuideLines = []string{
	"【使い方ガイド】",
	"・本シートでは、メールの送信元ドメインに対応する「出力先シート名」を設定します。8行目以降にシート名とドメイン名を1行1組で入力してください。",
	"・ドメイン名は1行に1つ入力します。同じシート名・ドメイン名の重複行は読み込み時に無視されます。",
	"・「シート名・ドメイン名」の行を削除すると、次回実行以降はそのドメインのメールはどのシートにも書かれずスキップされます。",
	"・背景が灰色のエリアは編集禁止です。（行、列の追加も禁止）",
}

// ErrManagedHeaderMissing reports a non-empty destination sheet whose first
// row does not contain the managed block marker. Writing into such a sheet
// would clobber human data, so the run fails instead.
var ErrManagedHeaderMissing = errors.New("managed header block not found")

// Store reads and writes one spreadsheet. It implements both the
// destination store and the configuration source.
type Store struct {
	svc           *sheets.Service
	spreadsheetID string
	principal     string
	logger        *slog.Logger

	mu       sync.Mutex
	sheetIDs map[string]int64
}

var (
	_ ports.SheetStore   = (*Store)(nil)
	_ ports.ConfigSource = (*Store)(nil)
)

// NewStore builds a Sheets client on an authenticated HTTP client. principal
// is the account that keeps edit rights on protected ranges.
func NewStore(ctx context.Context, httpClient *http.Client, spreadsheetID, principal string, logger *slog.Logger) (*Store, error) {
	svc, err := sheets.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		principal:     principal,
		logger:        logger,
		sheetIDs:      make(map[string]int64),
	}, nil
}

// ReadColumn returns the non-empty values of one managed column, excluding
// the header row. A missing sheet yields no values, not an error.
func (s *Store) ReadColumn(ctx context.Context, destination string, columnOffset int) ([]string, error) {
	_, ok, err := s.sheetID(ctx, destination)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	start, err := s.managedBlockStart(ctx, destination)
	if err != nil {
		return nil, err
	}

	col := columnLetter(start + columnOffset)
	readRange := fmt.Sprintf("'%s'!%s2:%s", destination, col, col)
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read column %s of %s: %w", col, destination, err)
	}

	var values []string
	for _, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if v, ok := row[0].(string); ok && v != "" {
			values = append(values, v)
		}
	}
	return values, nil
}

// AppendRowsAtTop inserts rows directly under the header row, pushing
// existing data down, and fills the managed block with the row values.
func (s *Store) AppendRowsAtTop(ctx context.Context, destination string, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}

	id, ok, err := s.sheetID(ctx, destination)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("append to %s: sheet does not exist", destination)
	}

	start, err := s.managedBlockStart(ctx, destination)
	if err != nil {
		return err
	}

	insert := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			InsertDimension: &sheets.InsertDimensionRequest{
				Range: &sheets.DimensionRange{
					SheetId:    id,
					Dimension:  "ROWS",
					StartIndex: 1,
					EndIndex:   int64(1 + len(rows)),
				},
				InheritFromBefore: false,
			},
		}},
	}
	if _, err := s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, insert).Context(ctx).Do(); err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(rows), destination, err)
	}

	values := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		values = append(values, rowValues(r))
	}

	writeRange := fmt.Sprintf("'%s'!%s2", destination, columnLetter(start))
	_, err = s.svc.Spreadsheets.Values.Update(s.spreadsheetID, writeRange, &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("write %d rows into %s: %w", len(rows), destination, err)
	}

	s.logger.Debug("rows written", "destination", destination, "count", len(rows))
	return nil
}

// EnsureDestinationExists creates the sheet with the full header schema when
// absent and repairs the managed headers on an existing sheet that lacks
// them. Freshly created sheets get a frozen header row and a protected
// managed block.
func (s *Store) EnsureDestinationExists(ctx context.Context, destination string) error {
	id, ok, err := s.sheetID(ctx, destination)
	if err != nil {
		return err
	}

	if !ok {
		id, err = s.addSheet(ctx, destination)
		if err != nil {
			return err
		}
	}

	headers, err := s.headerRow(ctx, destination)
	if err != nil {
		return err
	}

	switch {
	case len(headers) == 0:
		full := append(append([]string{}, manualHeaders...), managedHeaders...)
		if err := s.writeHeaders(ctx, destination, 0, full); err != nil {
			return err
		}
		if err := s.finishManagedBlock(ctx, destination, id, len(manualHeaders)); err != nil {
			return err
		}
		s.logger.Info("destination sheet initialized", "destination", destination)
	case findManagedStart(headers) == -1:
		if err := s.writeHeaders(ctx, destination, len(headers), managedHeaders); err != nil {
			return err
		}
		if err := s.finishManagedBlock(ctx, destination, id, len(headers)); err != nil {
			return err
		}
		s.logger.Info("managed headers appended", "destination", destination)
	}

	return nil
}

// ConfigRows returns the destination/domain pairs from the configuration
// sheet, bootstrapping the sheet on first use. Blank-sided rows are skipped;
// trimming and case folding belong to the classification index.
func (s *Store) ConfigRows(ctx context.Context) ([]domain.ConfigRow, error) {
	if err := s.ensureConfigSheet(ctx); err != nil {
		return nil, err
	}

	readRange := fmt.Sprintf("'%s'!A%d:B", configSheetName, configHeaderRow+1)
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read configuration rows: %w", err)
	}

	var rows []domain.ConfigRow
	for _, row := range resp.Values {
		if len(row) < 2 {
			continue
		}
		dest, _ := row[0].(string)
		dom, _ := row[1].(string)
		if dest == "" || dom == "" {
			continue
		}
		rows = append(rows, domain.ConfigRow{Destination: dest, Domain: dom})
	}
	return rows, nil
}

func (s *Store) ensureConfigSheet(ctx context.Context) error {
	id, ok, err := s.sheetID(ctx, configSheetName)
	if err != nil {
		return err
	}

	if ok {
		marker, err := s.cellValue(ctx, configSheetName, configHeaderRow, 0)
		if err != nil {
			return err
		}
		if marker == configHeaders[0] {
			return nil
		}
	} else {
		id, err = s.addSheet(ctx, configSheetName)
		if err != nil {
			return err
		}
	}

	values := make([][]interface{}, 0, configHeaderRow)
	for _, line := range configGuideLines {
		values = append(values, []interface{}{line})
	}
	values = append(values, []interface{}{""})
	values = append(values, []interface{}{configHeaders[0], configHeaders[1]})

	writeRange := fmt.Sprintf("'%s'!A1", configSheetName)
	_, err = s.svc.Spreadsheets.Values.Update(s.spreadsheetID, writeRange, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("write configuration guide: %w", err)
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				UpdateSheetProperties: &sheets.UpdateSheetPropertiesRequest{
					Properties: &sheets.SheetProperties{
						SheetId: id,
						GridProperties: &sheets.GridProperties{
							FrozenRowCount: configHeaderRow,
						},
					},
					Fields: "gridProperties.frozenRowCount",
				},
			},
			{
				RepeatCell: &sheets.RepeatCellRequest{
					Range: &sheets.GridRange{
						SheetId:       id,
						StartRowIndex: 0,
						EndRowIndex:   configHeaderRow,
					},
					Cell: &sheets.CellData{
						UserEnteredFormat: &sheets.CellFormat{
							BackgroundColor: guideGray(),
						},
					},
					Fields: "userEnteredFormat.backgroundColor",
				},
			},
			{
				AddProtectedRange: &sheets.AddProtectedRangeRequest{
					ProtectedRange: &sheets.ProtectedRange{
						Range: &sheets.GridRange{
							SheetId:          id,
							StartColumnIndex: 0,
							EndColumnIndex:   int64(len(configHeaders)),
						},
						Description: configProtectedDescription,
						WarningOnly: false,
						Editors:     s.editors(),
					},
				},
			},
		},
	}
	if _, err := s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("format configuration sheet: %w", err)
	}

	s.logger.Info("configuration sheet initialized", "sheet", configSheetName)
	return nil
}

// managedBlockStart locates the managed block in the header row and returns
// its 0-based start column.
func (s *Store) managedBlockStart(ctx context.Context, destination string) (int, error) {
	headers, err := s.headerRow(ctx, destination)
	if err != nil {
		return 0, err
	}
	start := findManagedStart(headers)
	if start == -1 {
		return 0, fmt.Errorf("%w in sheet %s", ErrManagedHeaderMissing, destination)
	}
	return start, nil
}

func (s *Store) headerRow(ctx context.Context, destination string) ([]string, error) {
	readRange := fmt.Sprintf("'%s'!1:1", destination)
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read header row of %s: %w", destination, err)
	}
	if len(resp.Values) == 0 {
		return nil, nil
	}

	headers := make([]string, 0, len(resp.Values[0]))
	for _, v := range resp.Values[0] {
		str, _ := v.(string)
		headers = append(headers, str)
	}
	return headers, nil
}

func (s *Store) cellValue(ctx context.Context, sheet string, rowIdx, colIdx int) (string, error) {
	cell := fmt.Sprintf("'%s'!%s%d", sheet, columnLetter(colIdx), rowIdx)
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, cell).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("read cell %s: %w", cell, err)
	}
	if len(resp.Values) == 0 || len(resp.Values[0]) == 0 {
		return "", nil
	}
	v, _ := resp.Values[0][0].(string)
	return v, nil
}

func (s *Store) writeHeaders(ctx context.Context, destination string, startCol int, headers []string) error {
	row := make([]interface{}, 0, len(headers))
	for _, h := range headers {
		row = append(row, h)
	}

	writeRange := fmt.Sprintf("'%s'!%s1", destination, columnLetter(startCol))
	_, err := s.svc.Spreadsheets.Values.Update(s.spreadsheetID, writeRange, &sheets.ValueRange{Values: [][]interface{}{row}}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("write headers of %s: %w", destination, err)
	}
	return nil
}

// finishManagedBlock freezes the header row, grays the managed columns and
// restricts them to the service principal.
func (s *Store) finishManagedBlock(ctx context.Context, destination string, sheetID int64, start int) error {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				UpdateSheetProperties: &sheets.UpdateSheetPropertiesRequest{
					Properties: &sheets.SheetProperties{
						SheetId: sheetID,
						GridProperties: &sheets.GridProperties{
							FrozenRowCount: 1,
						},
					},
					Fields: "gridProperties.frozenRowCount",
				},
			},
			{
				RepeatCell: &sheets.RepeatCellRequest{
					Range: &sheets.GridRange{
						SheetId:          sheetID,
						StartColumnIndex: int64(start),
						EndColumnIndex:   int64(start + len(managedHeaders)),
					},
					Cell: &sheets.CellData{
						UserEnteredFormat: &sheets.CellFormat{
							BackgroundColor: guideGray(),
						},
					},
					Fields: "userEnteredFormat.backgroundColor",
				},
			},
			{
				AddProtectedRange: &sheets.AddProtectedRangeRequest{
					ProtectedRange: &sheets.ProtectedRange{
						Range: &sheets.GridRange{
							SheetId:          sheetID,
							StartColumnIndex: int64(start),
							EndColumnIndex:   int64(start + len(managedHeaders)),
						},
						Description: protectedDescription,
						WarningOnly: false,
						Editors:     s.editors(),
					},
				},
			},
		},
	}
	if _, err := s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("protect managed block of %s: %w", destination, err)
	}
	return nil
}

func (s *Store) addSheet(ctx context.Context, title string) (int64, error) {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: title},
			},
		}},
	}
	resp, err := s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("create sheet %s: %w", title, err)
	}

	var id int64
	for _, r := range resp.Replies {
		if r.AddSheet != nil && r.AddSheet.Properties != nil {
			id = r.AddSheet.Properties.SheetId
		}
	}

	s.mu.Lock()
	s.sheetIDs[title] = id
	s.mu.Unlock()
	return id, nil
}

// sheetID resolves a sheet title to its numeric id, refreshing the cache on
// a miss so sheets created by other actors are still found.
func (s *Store) sheetID(ctx context.Context, title string) (int64, bool, error) {
	s.mu.Lock()
	id, ok := s.sheetIDs[title]
	s.mu.Unlock()
	if ok {
		return id, true, nil
	}

	meta, err := s.svc.Spreadsheets.Get(s.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, false, fmt.Errorf("get spreadsheet metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range meta.Sheets {
		if sh.Properties != nil {
			s.sheetIDs[sh.Properties.Title] = sh.Properties.SheetId
		}
	}
	id, ok = s.sheetIDs[title]
	return id, ok, nil
}

func (s *Store) editors() *sheets.Editors {
	if s.principal == "" {
		return nil
	}
	return &sheets.Editors{Users: []string{s.principal}}
}

// findManagedStart returns the 0-based index of the managed block marker in
// the header row, or -1.
func findManagedStart(headers []string) int {
	for i, h := range headers {
		if h == managedHeaders[0] {
			return i
		}
	}
	return -1
}

// rowValues lays a row out in managed-header order. The timestamp uses a
// spreadsheet-parsable format and the attachment marker may be a formula,
// so writes go through USER_ENTERED.
func rowValues(r domain.Row) []interface{} {
	return []interface{}{
		r.SentAt.Format("2006/01/02 15:04:05"),
		r.Sender,
		r.Subject,
		r.BodyPreview,
		r.AttachmentMarker,
		r.ThreadID,
		r.MessageID,
	}
}

// columnLetter converts a 0-based column index to A1 notation.
func columnLetter(idx int) string {
	var sb strings.Builder
	n := idx
	for {
		sb.WriteByte(byte('A' + n%26))
		n = n/26 - 1
		if n < 0 {
			break
		}
	}
	runes := []rune(sb.String())
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func guideGray() *sheets.Color {
	return &sheets.Color{Red: 0.953, Green: 0.953, Blue: 0.953}
}
