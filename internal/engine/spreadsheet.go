package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"formulai/engine/internal/action"
	"formulai/engine/internal/diff"
	"formulai/engine/internal/errinfo"
	"formulai/engine/internal/forecast"
	"formulai/engine/internal/history"
	"formulai/engine/internal/interpret"
	"formulai/engine/internal/llm"
	"formulai/engine/internal/sheets"
	"formulai/engine/internal/undo"
)

type sheetParams struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetTitle    string `json:"sheet_title,omitempty"`
}

type analyzeParams struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetTitle    string `json:"sheet_title,omitempty"`
	Prompt        string `json:"prompt"`
}

type changeSet struct {
	Action         string          `json:"action"`
	Implementation json.RawMessage `json:"implementation"`
	Range          string          `json:"range,omitempty"`
}

type applyParams struct {
	SpreadsheetID string    `json:"spreadsheet_id"`
	SheetTitle    string    `json:"sheet_title"`
	Changes       changeSet `json:"changes"`
}

type undoParams struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetTitle    string `json:"sheet_title"`
	Range         string `json:"range,omitempty"`
}

type historyListParams struct {
	Limit int `json:"limit,omitempty"`
}

type forecastParams struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetTitle    string `json:"sheet_title,omitempty"`
	Column        string `json:"column"`
	Periods       int    `json:"periods,omitempty"`
}

// SheetsGetData returns the cached structural descriptor of a sheet.
func (e *Engine) SheetsGetData(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p sheetParams
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.SpreadsheetID) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseRead, "spreadsheet_id is required")
	}
	token, errInfo := e.accessToken(ctx, errinfo.PhaseRead)
	if errInfo != nil {
		return nil, errInfo
	}
	descriptor, err := e.reader.ReadSheet(ctx, token, p.SpreadsheetID, p.SheetTitle)
	if err != nil {
		return nil, e.sheetsError(errinfo.PhaseRead, err, p.SpreadsheetID, p.SheetTitle)
	}
	return descriptor, nil
}

// SheetsListSheets lists the sheets of a spreadsheet with their numeric ids.
func (e *Engine) SheetsListSheets(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p sheetParams
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.SpreadsheetID) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseRead, "spreadsheet_id is required")
	}
	token, errInfo := e.accessToken(ctx, errinfo.PhaseRead)
	if errInfo != nil {
		return nil, errInfo
	}
	info, err := e.sheetsAPI.GetSpreadsheet(ctx, token, p.SpreadsheetID)
	if err != nil {
		return nil, e.sheetsError(errinfo.PhaseRead, err, p.SpreadsheetID, "")
	}
	items := make([]map[string]any, 0, len(info.Sheets))
	for _, sheet := range info.Sheets {
		items = append(items, map[string]any{"sheet_id": sheet.SheetID, "title": sheet.Title})
	}
	return map[string]any{"title": info.Title, "sheets": items}, nil
}

// SpreadsheetAnalyze interprets a natural-language request against the
// sheet's structure and returns the proposed action without applying it.
func (e *Engine) SpreadsheetAnalyze(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p analyzeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAnalyze, "invalid params")
	}
	if strings.TrimSpace(p.SpreadsheetID) == "" || strings.TrimSpace(p.Prompt) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAnalyze, "spreadsheet_id and prompt are required")
	}
	token, errInfo := e.accessToken(ctx, errinfo.PhaseAnalyze)
	if errInfo != nil {
		return nil, errInfo
	}
	apiKey, err := e.secrets.GetOpenAIKey()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseAnalyze, err.Error())
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errinfo.UpstreamUnavailable(errinfo.PhaseAnalyze, "AI provider is not configured")
	}
	model, err := e.openAIModel()
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAnalyze, err.Error())
	}
	descriptor, err := e.reader.ReadSheet(ctx, token, p.SpreadsheetID, p.SheetTitle)
	if err != nil {
		return nil, e.sheetsError(errinfo.PhaseAnalyze, err, p.SpreadsheetID, p.SheetTitle)
	}
	result, err := e.interpreter.Interpret(ctx, apiKey, model, descriptor, descriptor.SheetTitles, p.Prompt)
	if err != nil {
		return nil, e.interpretError(err)
	}
	supported := true
	if _, parseErr := action.Parse(result.ActionKind, result.Implementation, result.Range); parseErr != nil {
		supported = false
	}
	e.history.Append(history.Entry{
		SpreadsheetID: p.SpreadsheetID,
		SheetTitle:    descriptor.SheetTitle,
		Prompt:        p.Prompt,
		ActionKind:    result.ActionKind,
		Range:         result.Range,
		Summary:       result.Analysis,
	})
	return map[string]any{
		"analysis":         result.Analysis,
		"action":           result.ActionKind,
		"implementation":   result.Implementation,
		"preview":          result.Preview,
		"range":            result.Range,
		"additional_steps": result.AdditionalSteps,
		"supported":        supported,
	}, nil
}

func (e *Engine) interpretError(err error) *errinfo.ErrorInfo {
	switch {
	case errors.Is(err, interpret.ErrMalformed):
		return errinfo.MalformedResponse(errinfo.PhaseAnalyze, err.Error())
	case errors.Is(err, llm.ErrNotConfigured):
		return errinfo.UpstreamUnavailable(errinfo.PhaseAnalyze, "AI provider is not configured")
	case errors.Is(err, llm.ErrUnauthorized):
		return errinfo.ValidationFailed(errinfo.PhaseAnalyze, "api key rejected")
	case errors.Is(err, llm.ErrRateLimited):
		return errinfo.RateLimited(errinfo.PhaseAnalyze)
	case errors.Is(err, llm.ErrEgressBlocked):
		return errinfo.EgressBlocked(errinfo.PhaseAnalyze, "api.openai.com")
	default:
		return errinfo.UpstreamUnavailable(errinfo.PhaseAnalyze, err.Error())
	}
}

// SpreadsheetApply snapshots the target range, dispatches the change, and
// returns the result with a diff preview where one can be computed.
func (e *Engine) SpreadsheetApply(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p applyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseApply, "invalid params")
	}
	if strings.TrimSpace(p.SpreadsheetID) == "" || strings.TrimSpace(p.SheetTitle) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseApply, "spreadsheet_id and sheet_title are required")
	}
	act, err := action.Parse(p.Changes.Action, p.Changes.Implementation, p.Changes.Range)
	if err != nil {
		if errors.Is(err, action.ErrUnsupportedKind) {
			return nil, errinfo.UnsupportedAction(errinfo.PhaseApply, fmt.Sprintf("action %q is not supported", act.Kind))
		}
		return nil, errinfo.ValidationFailed(errinfo.PhaseApply, err.Error())
	}
	token, errInfo := e.accessToken(ctx, errinfo.PhaseApply)
	if errInfo != nil {
		return nil, errInfo
	}

	lock := e.applyLock(p.SpreadsheetID, p.SheetTitle)
	lock.Lock()
	defer lock.Unlock()

	switch act.Kind {
	case action.KindFormula:
		return e.applyFormula(ctx, token, p, act)
	case action.KindChart:
		return e.applyChart(ctx, token, p, act)
	default:
		return nil, errinfo.UnsupportedAction(errinfo.PhaseApply, fmt.Sprintf("action %q is not supported", act.Kind))
	}
}

func (e *Engine) applyFormula(ctx context.Context, token string, p applyParams, act action.Action) (any, *errinfo.ErrorInfo) {
	// The model sometimes qualifies the range with a sheet title; the
	// request's sheet wins, and double-qualifying the reference would make
	// it invalid.
	_, targetRange := sheets.SplitRange(act.Formula.Range)

	before, readErr := e.reader.RawValues(ctx, token, p.SpreadsheetID, p.SheetTitle, targetRange)
	snapshotUnavailable := readErr != nil
	if readErr != nil {
		e.logger.Warn("apply.snapshot_read_failed", "spreadsheet_id", p.SpreadsheetID, "range", targetRange, "error", readErr.Error())
	}

	result, err := e.sheetsAPI.ValuesUpdate(ctx, token, p.SpreadsheetID, sheets.RangeRef(p.SheetTitle, targetRange), [][]string{{act.Formula.Formula}})
	if err != nil {
		return nil, e.sheetsError(errinfo.PhaseApply, err, p.SpreadsheetID, p.SheetTitle)
	}
	snapshot := e.ledger.Record(p.SpreadsheetID, p.SheetTitle, targetRange, before, snapshotUnavailable)
	e.reader.Invalidate(p.SpreadsheetID, p.SheetTitle)
	e.logger.Info("apply.formula",
		"spreadsheet_id", p.SpreadsheetID,
		"sheet_title", p.SheetTitle,
		"range", targetRange,
		"updated_cells", result.UpdatedCells,
	)

	var preview []diff.Line
	if after, err := e.reader.RawValues(ctx, token, p.SpreadsheetID, p.SheetTitle, targetRange); err == nil {
		preview = diff.GridDiff(before, after)
	}
	return map[string]any{
		"success":     true,
		"message":     "Changes applied successfully",
		"result":      result,
		"snapshot_id": snapshot.ID,
		"preview":     preview,
		"timestamp":   e.now().UTC().Format(time.RFC3339),
	}, nil
}

func (e *Engine) applyChart(ctx context.Context, token string, p applyParams, act action.Action) (any, *errinfo.ErrorInfo) {
	chart := act.Chart
	sheetID, err := e.reader.SheetID(ctx, token, p.SpreadsheetID, p.SheetTitle)
	if err != nil {
		return nil, e.sheetsError(errinfo.PhaseApply, err, p.SpreadsheetID, p.SheetTitle)
	}
	cfg := sheets.ChartConfig{
		Type:         chart.Type,
		Title:        chart.Title,
		XAxisTitle:   chart.XAxisTitle,
		YAxisTitle:   chart.YAxisTitle,
		StartRow:     chart.StartRow,
		EndRow:       chart.EndRow,
		DomainColumn: chart.DomainColumn,
		AnchorCol:    3,
	}
	for _, s := range chart.Series {
		cfg.SeriesCols = append(cfg.SeriesCols, s.Column)
	}
	if chart.Position != nil {
		cfg.AnchorRow = chart.Position.Row
		cfg.AnchorCol = chart.Position.Column
	}
	if err := e.sheetsAPI.AddChart(ctx, token, p.SpreadsheetID, sheets.BuildAddChartRequest(sheetID, cfg)); err != nil {
		return nil, e.sheetsError(errinfo.PhaseApply, err, p.SpreadsheetID, p.SheetTitle)
	}
	// Chart insertions have no prior cell values to capture; undo can only
	// report the limitation.
	snapshotRange := chart.DataRange
	if snapshotRange == "" {
		snapshotRange = "chart"
	}
	snapshot := e.ledger.Record(p.SpreadsheetID, p.SheetTitle, snapshotRange, nil, true)
	e.reader.Invalidate(p.SpreadsheetID, p.SheetTitle)
	e.logger.Info("apply.chart",
		"spreadsheet_id", p.SpreadsheetID,
		"sheet_title", p.SheetTitle,
		"chart_type", chart.Type,
	)
	return map[string]any{
		"success":     true,
		"message":     "Changes applied successfully",
		"snapshot_id": snapshot.ID,
		"timestamp":   e.now().UTC().Format(time.RFC3339),
	}, nil
}

// SpreadsheetUndo restores the snapshot for a target and consumes it. With no
// range it restores the most recent change on the sheet.
func (e *Engine) SpreadsheetUndo(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p undoParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseUndo, "invalid params")
	}
	if strings.TrimSpace(p.SpreadsheetID) == "" || strings.TrimSpace(p.SheetTitle) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseUndo, "spreadsheet_id and sheet_title are required")
	}
	token, errInfo := e.accessToken(ctx, errinfo.PhaseUndo)
	if errInfo != nil {
		return nil, errInfo
	}
	snapshot, err := e.ledger.Take(p.SpreadsheetID, p.SheetTitle, p.Range)
	if err != nil {
		if errors.Is(err, undo.ErrNothingToUndo) {
			return nil, errinfo.NothingToUndo(errinfo.PhaseUndo)
		}
		return nil, errinfo.ValidationFailed(errinfo.PhaseUndo, err.Error())
	}
	if snapshot.Unavailable {
		return nil, errinfo.UnsupportedAction(errinfo.PhaseUndo, "previous values for this change were not captured")
	}
	values := snapshot.Values
	if len(values) == 0 {
		// Target was empty before the change; clear its first cell.
		values = [][]string{{""}}
	}
	if _, err := e.sheetsAPI.ValuesUpdate(ctx, token, p.SpreadsheetID, sheets.RangeRef(p.SheetTitle, snapshot.Range), values); err != nil {
		// Put the snapshot back so a retry can still restore it.
		e.ledger.Record(snapshot.SpreadsheetID, snapshot.SheetTitle, snapshot.Range, snapshot.Values, snapshot.Unavailable)
		return nil, e.sheetsError(errinfo.PhaseUndo, err, p.SpreadsheetID, p.SheetTitle)
	}
	e.reader.Invalidate(p.SpreadsheetID, p.SheetTitle)
	e.history.MarkUndone(p.SpreadsheetID, p.SheetTitle, snapshot.Range)
	e.logger.Info("undo.restored",
		"spreadsheet_id", p.SpreadsheetID,
		"sheet_title", p.SheetTitle,
		"range", snapshot.Range,
	)
	return map[string]any{
		"success":        true,
		"restored_range": snapshot.Range,
		"timestamp":      e.now().UTC().Format(time.RFC3339),
	}, nil
}

// HistoryList returns recent analyze requests, newest first.
func (e *Engine) HistoryList(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p historyListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params")
		}
	}
	return map[string]any{"entries": e.history.List(p.Limit)}, nil
}

// ForecastColumn fits a linear regression over a named column and projects it
// forward.
func (e *Engine) ForecastColumn(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p forecastParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseForecast, "invalid params")
	}
	if strings.TrimSpace(p.SpreadsheetID) == "" || strings.TrimSpace(p.Column) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseForecast, "spreadsheet_id and column are required")
	}
	token, errInfo := e.accessToken(ctx, errinfo.PhaseForecast)
	if errInfo != nil {
		return nil, errInfo
	}
	descriptor, err := e.reader.ReadSheet(ctx, token, p.SpreadsheetID, p.SheetTitle)
	if err != nil {
		return nil, e.sheetsError(errinfo.PhaseForecast, err, p.SpreadsheetID, p.SheetTitle)
	}
	columnIndex := -1
	for i, header := range descriptor.Headers {
		if strings.EqualFold(strings.TrimSpace(header), strings.TrimSpace(p.Column)) {
			columnIndex = i
			break
		}
	}
	if columnIndex < 0 {
		return nil, errinfo.ValidationFailed(errinfo.PhaseForecast, fmt.Sprintf("column %q not found", p.Column))
	}
	letter := string(rune('A' + columnIndex))
	grid, err := e.reader.RawValues(ctx, token, p.SpreadsheetID, descriptor.SheetTitle, fmt.Sprintf("%s2:%s1000", letter, letter))
	if err != nil {
		return nil, e.sheetsError(errinfo.PhaseForecast, err, p.SpreadsheetID, descriptor.SheetTitle)
	}
	cells := make([]string, 0, len(grid))
	for _, row := range grid {
		if len(row) > 0 {
			cells = append(cells, row[0])
		}
	}
	result, err := forecast.Column(descriptor.Headers[columnIndex], cells, p.Periods)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseForecast, err.Error())
	}
	return result, nil
}
