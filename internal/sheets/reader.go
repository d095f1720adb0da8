package sheets

import (
	"context"
	"log/slog"

	"formulai/engine/internal/logging"
)

// Reader serves descriptor reads through the cache and raw value reads
// directly. The cache is best-effort: a miss or cold start always falls
// through to a live call.
type Reader struct {
	client *Client
	cache  *Cache
	logger *slog.Logger
}

func NewReader(client *Client, cache *Cache, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Reader{client: client, cache: cache, logger: logger}
}

// ReadSheet fetches a SheetDescriptor for the named sheet, falling back to
// the first sheet when the requested title does not exist.
func (r *Reader) ReadSheet(ctx context.Context, accessToken, spreadsheetID, sheetTitle string) (SheetDescriptor, error) {
	key := CacheKey{SpreadsheetID: spreadsheetID, SheetTitle: sheetTitle}
	if cached, ok := r.cache.Get(key); ok {
		r.logger.Debug("sheets.cache_hit", "spreadsheet_id", spreadsheetID, "sheet_title", sheetTitle)
		return cached, nil
	}
	info, err := r.client.GetSpreadsheet(ctx, accessToken, spreadsheetID)
	if err != nil {
		return SheetDescriptor{}, err
	}
	if len(info.Sheets) == 0 {
		return SheetDescriptor{}, ErrNotFound
	}
	resolved := info.Sheets[0]
	if sheetTitle != "" {
		found := false
		for _, sheet := range info.Sheets {
			if sheet.Title == sheetTitle {
				resolved = sheet
				found = true
				break
			}
		}
		if !found {
			r.logger.Warn("sheets.sheet_not_found_fallback", "spreadsheet_id", spreadsheetID, "requested", sheetTitle, "fallback", resolved.Title)
		}
	}
	grid, err := r.client.ValuesGet(ctx, accessToken, spreadsheetID, RangeRef(resolved.Title, BoundedReadRange))
	if err != nil {
		return SheetDescriptor{}, err
	}
	descriptor := ExtractDescriptor(spreadsheetID, info.Title, resolved.Title, grid)
	for _, sheet := range info.Sheets {
		descriptor.SheetTitles = append(descriptor.SheetTitles, sheet.Title)
	}
	r.cache.Put(key, descriptor)
	return descriptor, nil
}

// RawValues reads a range without touching the cache; used for undo
// snapshots, which must observe the live sheet.
func (r *Reader) RawValues(ctx context.Context, accessToken, spreadsheetID, sheetTitle, rangeA1 string) ([][]string, error) {
	return r.client.ValuesGet(ctx, accessToken, spreadsheetID, RangeRef(sheetTitle, rangeA1))
}

// SheetID resolves a sheet title to its numeric id for structural updates.
func (r *Reader) SheetID(ctx context.Context, accessToken, spreadsheetID, sheetTitle string) (int64, error) {
	info, err := r.client.GetSpreadsheet(ctx, accessToken, spreadsheetID)
	if err != nil {
		return 0, err
	}
	for _, sheet := range info.Sheets {
		if sheet.Title == sheetTitle {
			return sheet.SheetID, nil
		}
	}
	return 0, ErrNotFound
}

// Invalidate drops the cached descriptor for a sheet after a mutation so the
// next read reflects the applied change.
func (r *Reader) Invalidate(spreadsheetID, sheetTitle string) {
	r.cache.Invalidate(CacheKey{SpreadsheetID: spreadsheetID, SheetTitle: sheetTitle})
	if sheetTitle != "" {
		r.cache.Invalidate(CacheKey{SpreadsheetID: spreadsheetID, SheetTitle: ""})
	}
}
