package engine

import (
	"context"
	"fmt"
	"strings"

	"formulai/engine/internal/llm"
)

const (
	fakeInvalidKeyMarker = "invalid"
	fakeChartMarker      = "chart"
	fakeMalformedMarker  = "[malformed]"
)

// fakeOpenAI stands in for the provider when FORMULAI_FAKE_OPENAI is set:
// deterministic proposals for local UI development without burning tokens.
type fakeOpenAI struct{}

func newFakeOpenAI() LLMClient {
	return &fakeOpenAI{}
}

func (f *fakeOpenAI) ValidateKey(_ context.Context, apiKey string) error {
	if strings.Contains(apiKey, fakeInvalidKeyMarker) {
		return llm.ErrUnauthorized
	}
	return nil
}

func (f *fakeOpenAI) ChatJSON(_ context.Context, apiKey, _ string, messages []llm.Message) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", llm.ErrNotConfigured
	}
	if strings.Contains(apiKey, fakeInvalidKeyMarker) {
		return "", llm.ErrUnauthorized
	}
	prompt := joinMessages(messages)
	if strings.Contains(prompt, fakeMalformedMarker) {
		return `{"analysis":"missing the rest"}`, nil
	}
	if strings.Contains(strings.ToLower(prompt), fakeChartMarker) {
		return `{
			"analysis": "Plot the second column against the first.",
			"action": "chart",
			"implementation": {"type": "COLUMN", "title": "Chart", "startRow": 0, "endRow": 10, "domainColumn": 0, "series": [{"column": 1}]},
			"preview": "A column chart anchored next to the data.",
			"range": "A1:B10"
		}`, nil
	}
	return fmt.Sprintf(`{
		"analysis": "Sum the second column below the data.",
		"action": "formula",
		"implementation": %q,
		"preview": "The total appears in B100.",
		"range": "B100"
	}`, "=SUM(B2:B99)"), nil
}

func joinMessages(messages []llm.Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}
