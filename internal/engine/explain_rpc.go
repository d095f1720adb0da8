package engine

import (
	"context"
	"encoding/json"
	"strings"

	"formulai/engine/internal/errinfo"
	"formulai/engine/internal/explain"
)

type explainParams struct {
	Formula string `json:"formula"`
}

// ExplainFormula describes a formula in plain language. No remote calls and
// no credentials involved.
func (e *Engine) ExplainFormula(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p explainParams
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.Formula) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseExplain, "formula is required")
	}
	return explain.Formula(strings.TrimSpace(p.Formula)), nil
}
