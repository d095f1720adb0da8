package sheets

import (
	"regexp"
	"strings"
)

var plainSheetTitle = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// RangeRef builds a fully qualified A1 reference like "Sheet1!A1:B10",
// quoting the sheet title when it contains characters the API requires
// quoted.
func RangeRef(sheetTitle, rangeA1 string) string {
	if sheetTitle == "" {
		return rangeA1
	}
	title := sheetTitle
	if !plainSheetTitle.MatchString(title) {
		title = "'" + strings.ReplaceAll(title, "'", "''") + "'"
	}
	return title + "!" + rangeA1
}

// FirstCell reduces an A1 range to its leading cell: "B1:C5" -> "B1".
func FirstCell(rangeA1 string) string {
	cleaned := strings.TrimSpace(rangeA1)
	if idx := strings.Index(cleaned, "!"); idx >= 0 {
		cleaned = cleaned[idx+1:]
	}
	if idx := strings.Index(cleaned, ":"); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	return cleaned
}

// SplitRange separates an optional sheet-qualified A1 reference into its
// sheet title and bare range.
func SplitRange(ref string) (string, string) {
	cleaned := strings.TrimSpace(ref)
	idx := strings.Index(cleaned, "!")
	if idx < 0 {
		return "", cleaned
	}
	title := strings.Trim(cleaned[:idx], "'")
	return title, cleaned[idx+1:]
}
