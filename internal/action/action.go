// Package action models the operations the interpreter can propose against a
// sheet. Actions form a tagged union keyed by kind: parsing dispatches on the
// kind and populates exactly one variant.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindFormula    Kind = "formula"
	KindChart      Kind = "chart"
	KindPivot      Kind = "pivot"
	KindFilter     Kind = "filter"
	KindFormatting Kind = "formatting"
)

var (
	// ErrUnsupportedKind marks kinds the model may propose but the applier
	// does not implement (pivot, filter, formatting).
	ErrUnsupportedKind = errors.New("action kind not supported")
	// ErrUnknownKind marks kinds outside the recognized vocabulary.
	ErrUnknownKind = errors.New("unknown action kind")
	// ErrInvalid marks a recognized action missing required fields.
	ErrInvalid = errors.New("invalid action")
)

// FormulaAction writes a formula (or literal value) into a target range.
type FormulaAction struct {
	Range   string `json:"range"`
	Formula string `json:"formula"`
}

// ChartSeries names one source column of a chart, zero-based.
type ChartSeries struct {
	Column int `json:"column"`
}

// ChartPosition is the anchor cell for an inserted chart.
type ChartPosition struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

// ChartAction inserts a chart fed from sheet columns. Row and column indices
// are zero-based; DataRange is informational A1 notation when the model
// provides one.
type ChartAction struct {
	Type         string         `json:"type"`
	Title        string         `json:"title,omitempty"`
	XAxisTitle   string         `json:"xAxisTitle,omitempty"`
	YAxisTitle   string         `json:"yAxisTitle,omitempty"`
	DataRange    string         `json:"dataRange,omitempty"`
	StartRow     int            `json:"startRow,omitempty"`
	EndRow       int            `json:"endRow,omitempty"`
	DomainColumn int            `json:"domainColumn,omitempty"`
	Series       []ChartSeries  `json:"series"`
	Position     *ChartPosition `json:"position,omitempty"`
}

// Action is the parsed union; exactly one variant is non-nil, matching Kind.
type Action struct {
	Kind    Kind           `json:"kind"`
	Formula *FormulaAction `json:"formula,omitempty"`
	Chart   *ChartAction   `json:"chart,omitempty"`
}

// Parse builds an Action from the interpreter output: the kind string, the
// raw implementation (a bare formula string for formula actions, a config
// object for charts), and the top-level target range. Recognized but
// unimplemented kinds return ErrUnsupportedKind so callers can report them
// distinctly from garbage input.
func Parse(kind string, implementation json.RawMessage, targetRange string) (Action, error) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(kind)))
	switch normalized {
	case KindFormula:
		formula, err := parseFormula(implementation, targetRange)
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: KindFormula, Formula: formula}, nil
	case KindChart:
		chart, err := parseChart(implementation)
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: KindChart, Chart: chart}, nil
	case KindPivot, KindFilter, KindFormatting:
		return Action{Kind: normalized}, fmt.Errorf("%w: %s", ErrUnsupportedKind, normalized)
	case "":
		return Action{}, fmt.Errorf("%w: missing action kind", ErrUnknownKind)
	default:
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func parseFormula(implementation json.RawMessage, targetRange string) (*FormulaAction, error) {
	formula := FormulaAction{Range: strings.TrimSpace(targetRange)}

	// The model usually emits the formula as a bare string; some responses
	// wrap it in an object with its own range.
	var text string
	if err := json.Unmarshal(implementation, &text); err == nil {
		formula.Formula = strings.TrimSpace(text)
	} else {
		var obj FormulaAction
		if err := json.Unmarshal(implementation, &obj); err != nil {
			return nil, fmt.Errorf("%w: formula implementation: %v", ErrInvalid, err)
		}
		formula.Formula = strings.TrimSpace(obj.Formula)
		if r := strings.TrimSpace(obj.Range); r != "" {
			formula.Range = r
		}
	}
	if formula.Formula == "" {
		return nil, fmt.Errorf("%w: formula action missing formula", ErrInvalid)
	}
	if formula.Range == "" {
		formula.Range = "A1"
	}
	return &formula, nil
}

func parseChart(implementation json.RawMessage) (*ChartAction, error) {
	var chart ChartAction
	if err := json.Unmarshal(implementation, &chart); err != nil {
		return nil, fmt.Errorf("%w: chart implementation: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(chart.Type) == "" {
		return nil, fmt.Errorf("%w: chart action missing type", ErrInvalid)
	}
	if len(chart.Series) == 0 {
		return nil, fmt.Errorf("%w: chart action missing series", ErrInvalid)
	}
	return &chart, nil
}

// TargetRange reports the A1 range an action touches, used for undo
// snapshots. Chart insertions return the data range when the model named one.
func (a Action) TargetRange() string {
	switch a.Kind {
	case KindFormula:
		if a.Formula != nil {
			return a.Formula.Range
		}
	case KindChart:
		if a.Chart != nil {
			return a.Chart.DataRange
		}
	}
	return ""
}
