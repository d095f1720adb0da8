// Package interpret turns a natural-language request plus a sheet descriptor
// into a structured action proposal by calling the chat model in JSON mode.
package interpret

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"formulai/engine/internal/llm"
	"formulai/engine/internal/logging"
	"formulai/engine/internal/sheets"
)

// ErrMalformed marks a model response that is not the expected JSON object or
// is missing required fields. Callers may retry; the model is not
// deterministic.
var ErrMalformed = errors.New("malformed model response")

// ChatClient is the slice of the OpenAI client the interpreter needs.
type ChatClient interface {
	ChatJSON(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error)
}

// Result is the validated model proposal. Implementation stays raw: formula
// actions carry a bare string, chart actions a config object, and the action
// package owns that dispatch.
type Result struct {
	Analysis        string          `json:"analysis"`
	ActionKind      string          `json:"action"`
	Implementation  json.RawMessage `json:"implementation"`
	Preview         string          `json:"preview,omitempty"`
	Range           string          `json:"range,omitempty"`
	AdditionalSteps []string        `json:"additionalSteps,omitempty"`
}

type Interpreter struct {
	client ChatClient
	logger *slog.Logger
}

func New(client ChatClient, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Interpreter{client: client, logger: logger}
}

// Interpret sends the request with full sheet context and validates the
// response. sheetTitles lists every sheet in the spreadsheet so the model can
// reference columns outside the current one.
func (i *Interpreter) Interpret(ctx context.Context, apiKey, model string, desc sheets.SheetDescriptor, sheetTitles []string, prompt string) (Result, error) {
	system, err := buildSystemPrompt(desc, sheetTitles)
	if err != nil {
		return Result{}, err
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: fmt.Sprintf("I'm working with the sheet %q and I want to: %s", desc.SheetTitle, prompt)},
	}
	content, err := i.client.ChatJSON(ctx, apiKey, model, messages)
	if err != nil {
		return Result{}, err
	}
	result, err := parseResult(content)
	if err != nil {
		i.logger.Warn("interpret.malformed_response", "error", err.Error())
		return Result{}, err
	}
	i.logger.Info("interpret.proposal",
		"action", result.ActionKind,
		"range", result.Range,
		"spreadsheet_id", desc.SpreadsheetID,
		"sheet_title", desc.SheetTitle,
	)
	return result, nil
}

type sheetStructure struct {
	Title        string     `json:"title"`
	Sheets       []string   `json:"sheets"`
	CurrentSheet string     `json:"currentSheet"`
	Headers      []string   `json:"headers"`
	DataTypes    []string   `json:"dataTypes"`
	SampleData   [][]string `json:"sampleData"`
}

const promptSampleRows = 3

func buildSystemPrompt(desc sheets.SheetDescriptor, sheetTitles []string) (string, error) {
	sample := desc.SampleRows
	if len(sample) > promptSampleRows {
		sample = sample[:promptSampleRows]
	}
	structure, err := json.MarshalIndent(sheetStructure{
		Title:        desc.SpreadsheetTitle,
		Sheets:       sheetTitles,
		CurrentSheet: desc.SheetTitle,
		Headers:      desc.Headers,
		DataTypes:    desc.InferredTypes,
		SampleData:   sample,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("You are FormulAi, an advanced AI assistant specialized in spreadsheet analysis and formula generation for Google Sheets.\n\n")
	b.WriteString("SPREADSHEET STRUCTURE:\n")
	b.Write(structure)
	b.WriteString("\n\nYour task is to analyze the user's request and generate the appropriate Google Sheets actions, formulas, or visualization code.\n\n")
	b.WriteString(`IMPORTANT GUIDELINES:
1. For formulas, use valid Google Sheets syntax
2. For charts, specify the chart type and data range
3. Consider the data types when suggesting formulas
4. For any cell references, use A1 notation
5. If you need to create a pivot table, specify the source data range and pivot fields
6. If suggesting data filtering, specify the column and filter criteria

Output a JSON object with these fields:
- "analysis": A concise explanation of what you understood from the request
- "action": The type of action to take (one of: "formula", "chart", "pivot", "filter", "formatting")
- "implementation": The specific formula, chart configuration, or other settings (provide complete Google Sheets syntax)
- "preview": A description of what the result will look like
- "range": The target cell or range where this should be applied (in A1 notation)
- "additionalSteps": [Optional] Array of follow-up steps if this is a multi-step process

For charts, include these additional fields in implementation:
- "type": The chart type (e.g., "BAR", "PIE", "LINE")
- "dataRange": The data range for the chart
- "title": Chart title
- "series": Array of {"column": <zero-based index>} objects for the plotted columns
- "domainColumn": Zero-based index of the category column

BE PRECISE: Users will directly apply your suggestions to their spreadsheets.`)
	return b.String(), nil
}

func parseResult(content string) (Result, error) {
	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(result.Analysis) == "" {
		return Result{}, fmt.Errorf("%w: missing analysis", ErrMalformed)
	}
	if strings.TrimSpace(result.ActionKind) == "" {
		return Result{}, fmt.Errorf("%w: missing action", ErrMalformed)
	}
	if emptyJSON(result.Implementation) {
		return Result{}, fmt.Errorf("%w: missing implementation", ErrMalformed)
	}
	return result, nil
}

func emptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`))
}
