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
	"formulai/engine/internal/undo"
	"formulai/engine/internal/workbook"
)

type workbookParams struct {
	Path       string `json:"path"`
	SheetTitle string `json:"sheet_title,omitempty"`
}

type workbookApplyParams struct {
	Path       string    `json:"path"`
	SheetTitle string    `json:"sheet_title,omitempty"`
	Changes    changeSet `json:"changes"`
}

type workbookUndoParams struct {
	Path       string `json:"path"`
	SheetTitle string `json:"sheet_title"`
	Range      string `json:"range,omitempty"`
}

// WorkbookDescribe extracts the structural descriptor from a local XLSX or
// CSV file.
func (e *Engine) WorkbookDescribe(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p workbookParams
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.Path) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkbook, "path is required")
	}
	wb, err := workbook.Open(p.Path)
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseWorkbook, err.Error())
	}
	defer wb.Close()
	descriptor, err := wb.Describe(p.SheetTitle)
	if err != nil {
		return nil, e.workbookError(err)
	}
	descriptor.SheetTitles = wb.SheetTitles()
	return descriptor, nil
}

// WorkbookApply runs the same snapshot-then-dispatch flow as SpreadsheetApply
// against a local file.
func (e *Engine) WorkbookApply(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p workbookApplyParams
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.Path) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkbook, "path is required")
	}
	act, err := action.Parse(p.Changes.Action, p.Changes.Implementation, p.Changes.Range)
	if err != nil {
		if errors.Is(err, action.ErrUnsupportedKind) {
			return nil, errinfo.UnsupportedAction(errinfo.PhaseWorkbook, fmt.Sprintf("action %q is not supported", act.Kind))
		}
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkbook, err.Error())
	}

	lock := e.applyLock(p.Path, p.SheetTitle)
	lock.Lock()
	defer lock.Unlock()

	wb, err := workbook.Open(p.Path)
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseWorkbook, err.Error())
	}
	defer wb.Close()
	descriptor, err := wb.Describe(p.SheetTitle)
	if err != nil {
		return nil, e.workbookError(err)
	}
	sheetTitle := descriptor.SheetTitle

	switch act.Kind {
	case action.KindFormula:
		targetRange := act.Formula.Range
		before, readErr := wb.ReadRange(sheetTitle, targetRange)
		if readErr != nil {
			return nil, e.workbookError(readErr)
		}
		if err := wb.ApplyFormula(sheetTitle, targetRange, act.Formula.Formula); err != nil {
			return nil, errinfo.FileWriteFailed(errinfo.PhaseWorkbook, err.Error())
		}
		savedPath, err := wb.Save()
		if err != nil {
			return nil, errinfo.FileWriteFailed(errinfo.PhaseWorkbook, err.Error())
		}
		snapshot := e.ledger.Record(p.Path, sheetTitle, targetRange, before, false)
		var preview []diff.Line
		if after, err := wb.ReadRange(sheetTitle, targetRange); err == nil {
			preview = diff.GridDiff(before, after)
		}
		e.logger.Info("workbook.apply_formula", "path", p.Path, "sheet_title", sheetTitle, "range", targetRange)
		return map[string]any{
			"success":     true,
			"path":        savedPath,
			"snapshot_id": snapshot.ID,
			"preview":     preview,
			"timestamp":   e.now().UTC().Format(time.RFC3339),
		}, nil
	case action.KindChart:
		if err := wb.AddChart(sheetTitle, *act.Chart); err != nil {
			return nil, errinfo.FileWriteFailed(errinfo.PhaseWorkbook, err.Error())
		}
		savedPath, err := wb.Save()
		if err != nil {
			return nil, errinfo.FileWriteFailed(errinfo.PhaseWorkbook, err.Error())
		}
		snapshotRange := act.Chart.DataRange
		if snapshotRange == "" {
			snapshotRange = "chart"
		}
		snapshot := e.ledger.Record(p.Path, sheetTitle, snapshotRange, nil, true)
		e.logger.Info("workbook.apply_chart", "path", p.Path, "sheet_title", sheetTitle, "chart_type", act.Chart.Type)
		return map[string]any{
			"success":     true,
			"path":        savedPath,
			"snapshot_id": snapshot.ID,
			"timestamp":   e.now().UTC().Format(time.RFC3339),
		}, nil
	default:
		return nil, errinfo.UnsupportedAction(errinfo.PhaseWorkbook, fmt.Sprintf("action %q is not supported", act.Kind))
	}
}

// WorkbookUndo restores the snapshot recorded by the last WorkbookApply on
// the target and consumes it.
func (e *Engine) WorkbookUndo(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p workbookUndoParams
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.Path) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkbook, "path is required")
	}
	snapshot, err := e.ledger.Take(p.Path, p.SheetTitle, p.Range)
	if err != nil {
		if errors.Is(err, undo.ErrNothingToUndo) {
			return nil, errinfo.NothingToUndo(errinfo.PhaseWorkbook)
		}
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkbook, err.Error())
	}
	if snapshot.Unavailable {
		return nil, errinfo.UnsupportedAction(errinfo.PhaseWorkbook, "previous values for this change were not captured")
	}
	wb, err := workbook.Open(p.Path)
	if err != nil {
		e.ledger.Record(snapshot.SpreadsheetID, snapshot.SheetTitle, snapshot.Range, snapshot.Values, snapshot.Unavailable)
		return nil, errinfo.FileReadFailed(errinfo.PhaseWorkbook, err.Error())
	}
	defer wb.Close()
	values := snapshot.Values
	if len(values) == 0 {
		values = [][]string{{""}}
	}
	if err := wb.WriteRange(snapshot.SheetTitle, snapshot.Range, values); err != nil {
		e.ledger.Record(snapshot.SpreadsheetID, snapshot.SheetTitle, snapshot.Range, snapshot.Values, snapshot.Unavailable)
		return nil, errinfo.FileWriteFailed(errinfo.PhaseWorkbook, err.Error())
	}
	if _, err := wb.Save(); err != nil {
		e.ledger.Record(snapshot.SpreadsheetID, snapshot.SheetTitle, snapshot.Range, snapshot.Values, snapshot.Unavailable)
		return nil, errinfo.FileWriteFailed(errinfo.PhaseWorkbook, err.Error())
	}
	e.logger.Info("workbook.undo", "path", p.Path, "sheet_title", snapshot.SheetTitle, "range", snapshot.Range)
	return map[string]any{
		"success":        true,
		"restored_range": snapshot.Range,
		"timestamp":      e.now().UTC().Format(time.RFC3339),
	}, nil
}

func (e *Engine) workbookError(err error) *errinfo.ErrorInfo {
	if errors.Is(err, workbook.ErrSheetNotFound) {
		return errinfo.TargetNotFound(errinfo.PhaseWorkbook, err.Error())
	}
	return errinfo.FileReadFailed(errinfo.PhaseWorkbook, err.Error())
}
