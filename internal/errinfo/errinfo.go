package errinfo

// ErrorInfo is the structured error payload carried on RPC error responses.
type ErrorInfo struct {
	ErrorCode     string   `json:"error_code"`
	Phase         string   `json:"phase,omitempty"`
	Retryable     bool     `json:"retryable"`
	Actions       []string `json:"actions,omitempty"`
	SpreadsheetID string   `json:"spreadsheet_id,omitempty"`
	SheetTitle    string   `json:"sheet_title,omitempty"`
	Status        int      `json:"status,omitempty"`
	Detail        string   `json:"detail,omitempty"`
}

const (
	CodeNotAuthenticated    = "NOT_AUTHENTICATED"
	CodeRefreshFailed       = "REFRESH_FAILED"
	CodeAuthExpired         = "AUTH_EXPIRED"
	CodeNotFound            = "NOT_FOUND"
	CodeTargetNotFound      = "TARGET_NOT_FOUND"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeRemoteError         = "REMOTE_ERROR"
	CodeMalformedResponse   = "MALFORMED_RESPONSE"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUnsupportedAction   = "UNSUPPORTED_ACTION"
	CodeNothingToUndo       = "NOTHING_TO_UNDO"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeFileReadFailed      = "FILE_READ_FAILED"
	CodeFileWriteFailed     = "FILE_WRITE_FAILED"
	CodeEgressBlocked       = "EGRESS_BLOCKED_BY_POLICY"
)

const (
	ActionRetry       = "retry"
	ActionReconnect   = "reconnect"
	ActionOpenSettings = "open_settings"
	ActionWaitRetry   = "wait_and_retry"
)

const (
	PhaseAuth     = "auth"
	PhaseRead     = "read"
	PhaseAnalyze  = "analyze"
	PhaseApply    = "apply"
	PhaseUndo     = "undo"
	PhaseForecast = "forecast"
	PhaseExplain  = "explain"
	PhaseWorkbook = "workbook"
	PhaseSettings = "settings"
)

func NotAuthenticated(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeNotAuthenticated,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionReconnect},
	}
}

func RefreshFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeRefreshFailed,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionReconnect},
		Detail:    detail,
	}
}

func AuthExpired(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeAuthExpired,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionReconnect},
	}
}

func NotFound(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeNotFound,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func TargetNotFound(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeTargetNotFound,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func PermissionDenied(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodePermissionDenied,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func RateLimited(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeRateLimited,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionWaitRetry},
	}
}

func RemoteError(phase string, status int, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeRemoteError,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Status:    status,
		Detail:    detail,
	}
}

func MalformedResponse(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeMalformedResponse,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func UpstreamUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUpstreamUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func UnsupportedAction(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUnsupportedAction,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func NothingToUndo(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeNothingToUndo,
		Phase:     phase,
		Retryable: false,
	}
}

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func FileReadFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeFileReadFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func FileWriteFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeFileWriteFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func EgressBlocked(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEgressBlocked,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}
