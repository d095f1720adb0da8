package sheets

import "strings"

// ChartConfig holds the fields needed to build an addChart batchUpdate
// request; column indices are zero-based within the source sheet.
type ChartConfig struct {
	Type         string
	Title        string
	XAxisTitle   string
	YAxisTitle   string
	StartRow     int
	EndRow       int
	DomainColumn int
	SeriesCols   []int
	AnchorRow    int
	AnchorCol    int
}

// BuildAddChartRequest shapes the addChart payload: a basic chart with a
// bottom-axis domain sourced from the domain column and one left-axis series
// per series column, anchored at the configured cell.
func BuildAddChartRequest(sheetID int64, cfg ChartConfig) map[string]any {
	chartType := strings.ToUpper(strings.TrimSpace(cfg.Type))
	if chartType == "" {
		chartType = "COLUMN"
	}
	title := cfg.Title
	if title == "" {
		title = "Chart"
	}
	endRow := cfg.EndRow
	if endRow <= cfg.StartRow {
		endRow = cfg.StartRow + 10
	}
	sourceRange := func(column int) map[string]any {
		return map[string]any{
			"sources": []any{
				map[string]any{
					"sheetId":          sheetID,
					"startRowIndex":    cfg.StartRow,
					"endRowIndex":      endRow,
					"startColumnIndex": column,
					"endColumnIndex":   column + 1,
				},
			},
		}
	}
	series := make([]any, 0, len(cfg.SeriesCols))
	for _, column := range cfg.SeriesCols {
		series = append(series, map[string]any{
			"series":     map[string]any{"sourceRange": sourceRange(column)},
			"targetAxis": "LEFT_AXIS",
		})
	}
	return map[string]any{
		"chart": map[string]any{
			"spec": map[string]any{
				"title": title,
				"basicChart": map[string]any{
					"chartType":      chartType,
					"legendPosition": "RIGHT_LEGEND",
					"axis": []any{
						map[string]any{"position": "BOTTOM_AXIS", "title": cfg.XAxisTitle},
						map[string]any{"position": "LEFT_AXIS", "title": cfg.YAxisTitle},
					},
					"domains": []any{
						map[string]any{
							"domain": map[string]any{"sourceRange": sourceRange(cfg.DomainColumn)},
						},
					},
					"series": series,
				},
			},
			"position": map[string]any{
				"overlayPosition": map[string]any{
					"anchorCell": map[string]any{
						"sheetId":     sheetID,
						"rowIndex":    cfg.AnchorRow,
						"columnIndex": cfg.AnchorCol,
					},
				},
			},
		},
	}
}
