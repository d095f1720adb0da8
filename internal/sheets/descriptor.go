package sheets

import (
	"regexp"
	"strconv"
	"strings"
)

// Reads are bounded to this window; a full-sheet scan is never issued.
const BoundedReadRange = "A1:Z1000"

const maxSampleRows = 5

const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
)

// SheetDescriptor is an immutable snapshot of a sheet's shape. It is never
// mutated in place, only replaced wholesale by a fresh read.
type SheetDescriptor struct {
	SpreadsheetID    string     `json:"spreadsheet_id"`
	SpreadsheetTitle string     `json:"spreadsheet_title"`
	SheetTitle       string     `json:"sheet_title"`
	SheetTitles      []string   `json:"sheet_titles,omitempty"`
	Headers          []string   `json:"headers"`
	InferredTypes    []string   `json:"inferred_types"`
	SampleRows       [][]string `json:"sample_rows"`
}

var datePattern = regexp.MustCompile(`^\d{1,4}[/-]\d{1,2}[/-]\d{1,4}$`)

// ExtractDescriptor derives headers, per-column types, and a bounded sample
// from a raw value grid. The first row is the header row; types are decided
// by majority vote over the sampled data rows so a single atypical first row
// does not misclassify a column.
func ExtractDescriptor(spreadsheetID, spreadsheetTitle, sheetTitle string, grid [][]string) SheetDescriptor {
	desc := SheetDescriptor{
		SpreadsheetID:    spreadsheetID,
		SpreadsheetTitle: spreadsheetTitle,
		SheetTitle:       sheetTitle,
		Headers:          []string{},
		InferredTypes:    []string{},
		SampleRows:       [][]string{},
	}
	if len(grid) == 0 {
		return desc
	}
	desc.Headers = append(desc.Headers, grid[0]...)

	rows := grid[1:]
	if len(rows) > maxSampleRows {
		rows = rows[:maxSampleRows]
	}
	for _, row := range rows {
		sample := make([]string, len(row))
		copy(sample, row)
		desc.SampleRows = append(desc.SampleRows, sample)
	}
	desc.InferredTypes = inferColumnTypes(len(desc.Headers), desc.SampleRows)
	return desc
}

func inferColumnTypes(columns int, rows [][]string) []string {
	types := make([]string, columns)
	for col := 0; col < columns; col++ {
		votes := map[string]int{}
		order := []string{}
		for _, row := range rows {
			if col >= len(row) {
				continue
			}
			value := strings.TrimSpace(row[col])
			if value == "" {
				continue
			}
			kind := classifyValue(value)
			if votes[kind] == 0 {
				order = append(order, kind)
			}
			votes[kind]++
		}
		best := TypeString
		bestVotes := 0
		for _, kind := range order {
			if votes[kind] > bestVotes {
				best = kind
				bestVotes = votes[kind]
			}
		}
		types[col] = best
	}
	return types
}

func classifyValue(value string) string {
	if _, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", ""), 64); err == nil {
		return TypeNumber
	}
	lower := strings.ToLower(value)
	if lower == "true" || lower == "false" {
		return TypeBoolean
	}
	if datePattern.MatchString(value) {
		return TypeDate
	}
	return TypeString
}
