package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"formulai/engine/internal/errinfo"
	"formulai/engine/internal/explain"
	"formulai/engine/internal/googleauth"
	"formulai/engine/internal/interpret"
	"formulai/engine/internal/llm"
	"formulai/engine/internal/secrets"
	"formulai/engine/internal/sheets"
)

type testChat struct {
	validateErr error
	content     string
	chatErr     error
	calls       int
}

func (f *testChat) ValidateKey(ctx context.Context, apiKey string) error {
	return f.validateErr
}

func (f *testChat) ChatJSON(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error) {
	f.calls++
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return f.content, nil
}

// fakeSheets emulates the spreadsheet service: per-range value storage,
// metadata for a single "Sales" sheet, and call counters.
type fakeSheets struct {
	mu           sync.Mutex
	values       map[string][][]string
	metaCalls    int
	valueGets    int
	valueUpdates int
	chartCalls   int
	lastBatch    string
}

func newFakeSheets() *fakeSheets {
	return &fakeSheets{values: map[string][][]string{
		"Sales!A1:Z1000": {
			{"Name", "Revenue"},
			{"Acme", "1000"},
			{"Globex", "2500"},
		},
	}}
}

func jsonResponse(status int, payload any) *http.Response {
	raw, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(raw)),
		Header:     make(http.Header),
	}
}

func (f *fakeSheets) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, _ := url.PathUnescape(req.URL.Path)
	switch {
	case strings.Contains(path, "/values/"):
		rangeA1 := path[strings.LastIndex(path, "/values/")+len("/values/"):]
		if req.Method == http.MethodPut {
			f.valueUpdates++
			var body struct {
				Values [][]string `json:"values"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			f.values[rangeA1] = body.Values
			return jsonResponse(http.StatusOK, map[string]any{
				"updatedRange": rangeA1,
				"updatedRows":  len(body.Values),
				"updatedCells": len(body.Values),
			}), nil
		}
		f.valueGets++
		return jsonResponse(http.StatusOK, map[string]any{"values": f.values[rangeA1]}), nil
	case strings.HasSuffix(path, ":batchUpdate"):
		f.chartCalls++
		raw, _ := io.ReadAll(req.Body)
		f.lastBatch = string(raw)
		return jsonResponse(http.StatusOK, map[string]any{}), nil
	default:
		f.metaCalls++
		return jsonResponse(http.StatusOK, map[string]any{
			"properties": map[string]any{"title": "Book"},
			"sheets": []any{
				map[string]any{"properties": map[string]any{"sheetId": 7, "title": "Sales"}},
			},
		}), nil
	}
}

func (f *fakeSheets) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls + f.valueGets + f.valueUpdates + f.chartCalls
}

func (f *fakeSheets) rangeValues(rangeA1 string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[rangeA1]
}

func newTestEngine(t *testing.T, remote *fakeSheets, chat LLMClient) *Engine {
	t.Helper()
	t.Setenv("FORMULAI_DATA_DIR", t.TempDir())
	eng, err := New()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if chat != nil {
		eng.llm = chat
		eng.interpreter = interpret.New(chat, nil)
	}
	if remote != nil {
		client := sheets.NewClientWithHTTP(&http.Client{Transport: remote})
		eng.sheetsAPI = client
		eng.reader = sheets.NewReader(client, sheets.NewCache(10*time.Minute), nil)
	}
	return eng
}

func seedCredential(t *testing.T, eng *Engine) {
	t.Helper()
	err := eng.secrets.SetGoogleCredential(&secrets.GoogleCredential{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func seedAPIKey(t *testing.T, eng *Engine) {
	t.Helper()
	if err := eng.secrets.SetOpenAIKey("sk-test"); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestEngineGetInfo(t *testing.T) {
	eng := newTestEngine(t, nil, nil)
	result, errInfo := eng.EngineGetInfo(context.Background(), nil)
	if errInfo != nil {
		t.Fatalf("get info: %v", errInfo)
	}
	info := result.(map[string]any)
	if info["api_version"] != APIVersion {
		t.Fatalf("unexpected info: %v", info)
	}
}

func TestProvidersKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, &testChat{})

	if _, errInfo := eng.ProvidersValidate(ctx, nil); errInfo == nil || errInfo.ErrorCode != errinfo.CodeValidationFailed {
		t.Fatalf("expected validation failure without key, got %v", errInfo)
	}
	if _, errInfo := eng.ProvidersSetApiKey(ctx, mustJSON(t, map[string]any{"api_key": "sk-test"})); errInfo != nil {
		t.Fatalf("set key: %v", errInfo)
	}
	if _, errInfo := eng.ProvidersValidate(ctx, nil); errInfo != nil {
		t.Fatalf("validate: %v", errInfo)
	}
	result, errInfo := eng.ProvidersGetStatus(ctx, nil)
	if errInfo != nil {
		t.Fatalf("status: %v", errInfo)
	}
	if configured := result.(map[string]any)["configured"]; configured != true {
		t.Fatalf("expected configured, got %v", configured)
	}
	if _, errInfo := eng.ProvidersClearApiKey(ctx, nil); errInfo != nil {
		t.Fatalf("clear: %v", errInfo)
	}
	if _, errInfo := eng.ProvidersValidate(ctx, nil); errInfo == nil {
		t.Fatalf("expected validation failure after clear")
	}
}

func TestAuthStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, nil, nil)

	result, errInfo := eng.AuthStatus(ctx, nil)
	if errInfo != nil {
		t.Fatalf("status: %v", errInfo)
	}
	if result.(map[string]any)["connected"] != false {
		t.Fatalf("expected disconnected, got %v", result)
	}

	seedCredential(t, eng)
	result, errInfo = eng.AuthStatus(ctx, nil)
	if errInfo != nil {
		t.Fatalf("status: %v", errInfo)
	}
	status := result.(map[string]any)
	if status["connected"] != true || status["expired"] != false {
		t.Fatalf("expected fresh connection, got %v", status)
	}

	if _, errInfo := eng.AuthDisconnect(ctx, nil); errInfo != nil {
		t.Fatalf("disconnect: %v", errInfo)
	}
	result, _ = eng.AuthStatus(ctx, nil)
	if result.(map[string]any)["connected"] != false {
		t.Fatalf("expected disconnected after disconnect, got %v", result)
	}
}

type stubOAuth struct {
	refreshErr error
	cred       googleauth.Credential
	refreshed  bool
}

func (s *stubOAuth) BuildAuthorizeURL(state string) (string, error) { return "https://auth", nil }
func (s *stubOAuth) ParseRedirectURL(redirectURL string) (string, string, error) {
	return "", "", nil
}
func (s *stubOAuth) ExchangeAuthorizationCode(ctx context.Context, code string) (googleauth.Credential, error) {
	return s.cred, nil
}
func (s *stubOAuth) RefreshIfNeeded(ctx context.Context, cred googleauth.Credential) (googleauth.Credential, bool, error) {
	if s.refreshErr != nil {
		return googleauth.Credential{}, true, s.refreshErr
	}
	if s.refreshed {
		return s.cred, true, nil
	}
	return cred, false, nil
}

func TestRejectedRefreshClearsCredential(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, newFakeSheets(), nil)
	seedCredential(t, eng)
	eng.oauth = &stubOAuth{refreshErr: googleauth.ErrRefreshFailed}

	_, errInfo := eng.SheetsGetData(ctx, mustJSON(t, map[string]any{"spreadsheet_id": "sid"}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeRefreshFailed {
		t.Fatalf("expected refresh failure, got %v", errInfo)
	}
	stored, err := eng.secrets.GetGoogleCredential()
	if err != nil {
		t.Fatalf("read credential: %v", err)
	}
	if stored != nil {
		t.Fatalf("expected credential cleared after rejected refresh")
	}
}

func TestSheetsGetDataNotAuthenticated(t *testing.T) {
	eng := newTestEngine(t, newFakeSheets(), nil)
	_, errInfo := eng.SheetsGetData(context.Background(), mustJSON(t, map[string]any{"spreadsheet_id": "sid"}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeNotAuthenticated {
		t.Fatalf("expected NOT_AUTHENTICATED, got %v", errInfo)
	}
}

func TestSheetsGetDataUsesCache(t *testing.T) {
	ctx := context.Background()
	remote := newFakeSheets()
	eng := newTestEngine(t, remote, nil)
	seedCredential(t, eng)

	params := mustJSON(t, map[string]any{"spreadsheet_id": "sid", "sheet_title": "Sales"})
	if _, errInfo := eng.SheetsGetData(ctx, params); errInfo != nil {
		t.Fatalf("first read: %v", errInfo)
	}
	cold := remote.remoteCalls()
	if _, errInfo := eng.SheetsGetData(ctx, params); errInfo != nil {
		t.Fatalf("second read: %v", errInfo)
	}
	if remote.remoteCalls() != cold {
		t.Fatalf("expected cache hit, got %d extra calls", remote.remoteCalls()-cold)
	}
}

func TestSpreadsheetAnalyzeProposal(t *testing.T) {
	ctx := context.Background()
	chat := &testChat{content: `{
		"analysis": "Sum the revenue column.",
		"action": "formula",
		"implementation": "=SUM(B2:B3)",
		"preview": "Total in B4.",
		"range": "B4"
	}`}
	eng := newTestEngine(t, newFakeSheets(), chat)
	seedCredential(t, eng)
	seedAPIKey(t, eng)

	result, errInfo := eng.SpreadsheetAnalyze(ctx, mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"prompt":         "total revenue",
	}))
	if errInfo != nil {
		t.Fatalf("analyze: %v", errInfo)
	}
	proposal := result.(map[string]any)
	if proposal["action"] != "formula" || proposal["range"] != "B4" || proposal["supported"] != true {
		t.Fatalf("unexpected proposal: %v", proposal)
	}

	listed, errInfo := eng.HistoryList(ctx, nil)
	if errInfo != nil {
		t.Fatalf("history: %v", errInfo)
	}
	entries := listed.(map[string]any)["entries"]
	raw := mustJSON(t, entries)
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 1 || decoded[0]["prompt"] != "total revenue" {
		t.Fatalf("expected one history entry, got %v", decoded)
	}
}

func TestSpreadsheetAnalyzeMissingKey(t *testing.T) {
	eng := newTestEngine(t, newFakeSheets(), &testChat{})
	seedCredential(t, eng)
	_, errInfo := eng.SpreadsheetAnalyze(context.Background(), mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"prompt":         "total",
	}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE without key, got %v", errInfo)
	}
}

func TestSpreadsheetAnalyzeMalformedResponse(t *testing.T) {
	remote := newFakeSheets()
	chat := &testChat{content: `{"analysis": "only analysis"}`}
	eng := newTestEngine(t, remote, chat)
	seedCredential(t, eng)
	seedAPIKey(t, eng)

	_, errInfo := eng.SpreadsheetAnalyze(context.Background(), mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"prompt":         "total",
	}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeMalformedResponse {
		t.Fatalf("expected MALFORMED_RESPONSE, got %v", errInfo)
	}
	// A malformed proposal must never reach the sheet.
	remote.mu.Lock()
	updates := remote.valueUpdates
	remote.mu.Unlock()
	if updates != 0 {
		t.Fatalf("expected no writes after malformed response, got %d", updates)
	}
}

func TestApplyFormulaUndoRoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := newFakeSheets()
	remote.values["Sales!B4"] = [][]string{{"old"}}
	eng := newTestEngine(t, remote, nil)
	seedCredential(t, eng)

	result, errInfo := eng.SpreadsheetApply(ctx, mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"changes": map[string]any{
			"action":         "formula",
			"implementation": "=SUM(B2:B3)",
			"range":          "B4",
		},
	}))
	if errInfo != nil {
		t.Fatalf("apply: %v", errInfo)
	}
	applied := result.(map[string]any)
	if applied["success"] != true || applied["snapshot_id"] == "" {
		t.Fatalf("unexpected apply result: %v", applied)
	}
	if got := remote.rangeValues("Sales!B4"); len(got) != 1 || got[0][0] != "=SUM(B2:B3)" {
		t.Fatalf("expected formula written, got %v", got)
	}

	result, errInfo = eng.SpreadsheetUndo(ctx, mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"range":          "B4",
	}))
	if errInfo != nil {
		t.Fatalf("undo: %v", errInfo)
	}
	if result.(map[string]any)["restored_range"] != "B4" {
		t.Fatalf("unexpected undo result: %v", result)
	}
	if got := remote.rangeValues("Sales!B4"); len(got) != 1 || got[0][0] != "old" {
		t.Fatalf("expected prior value restored, got %v", got)
	}

	_, errInfo = eng.SpreadsheetUndo(ctx, mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"range":          "B4",
	}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeNothingToUndo {
		t.Fatalf("expected NOTHING_TO_UNDO on second undo, got %v", errInfo)
	}
}

func TestApplyFormulaStripsSheetQualifier(t *testing.T) {
	ctx := context.Background()
	remote := newFakeSheets()
	remote.values["Sales!B4"] = [][]string{{"old"}}
	eng := newTestEngine(t, remote, nil)
	seedCredential(t, eng)

	_, errInfo := eng.SpreadsheetApply(ctx, mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"changes": map[string]any{
			"action":         "formula",
			"implementation": "=SUM(B2:B3)",
			"range":          "Sales!B4",
		},
	}))
	if errInfo != nil {
		t.Fatalf("apply: %v", errInfo)
	}
	if got := remote.rangeValues("Sales!B4"); len(got) != 1 || got[0][0] != "=SUM(B2:B3)" {
		t.Fatalf("expected write to Sales!B4, got %v (all: %v)", got, remote.values)
	}
	if _, ok := remote.values["Sales!Sales!B4"]; ok {
		t.Fatalf("reference was double-qualified")
	}

	result, errInfo := eng.SpreadsheetUndo(ctx, mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"range":          "B4",
	}))
	if errInfo != nil {
		t.Fatalf("undo: %v", errInfo)
	}
	if result.(map[string]any)["restored_range"] != "B4" {
		t.Fatalf("unexpected undo result: %v", result)
	}
}

func TestApplyRejectsUnsupportedAction(t *testing.T) {
	remote := newFakeSheets()
	eng := newTestEngine(t, remote, nil)
	seedCredential(t, eng)

	_, errInfo := eng.SpreadsheetApply(context.Background(), mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"changes":        map[string]any{"action": "pivot", "implementation": map[string]any{}},
	}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeUnsupportedAction {
		t.Fatalf("expected UNSUPPORTED_ACTION, got %v", errInfo)
	}
	if remote.remoteCalls() != 0 {
		t.Fatalf("expected no remote calls for rejected action, got %d", remote.remoteCalls())
	}
}

func TestApplyChartThenUndoReportsLimitation(t *testing.T) {
	ctx := context.Background()
	remote := newFakeSheets()
	eng := newTestEngine(t, remote, nil)
	seedCredential(t, eng)

	_, errInfo := eng.SpreadsheetApply(ctx, mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"changes": map[string]any{
			"action": "chart",
			"implementation": map[string]any{
				"type":         "bar",
				"title":        "Revenue",
				"startRow":     0,
				"endRow":       3,
				"domainColumn": 0,
				"series":       []map[string]any{{"column": 1}},
			},
			"range": "A1:B3",
		},
	}))
	if errInfo != nil {
		t.Fatalf("apply chart: %v", errInfo)
	}
	remote.mu.Lock()
	batch := remote.lastBatch
	remote.mu.Unlock()
	if !strings.Contains(batch, "addChart") || !strings.Contains(batch, "BAR") {
		t.Fatalf("unexpected batch request: %s", batch)
	}

	_, errInfo = eng.SpreadsheetUndo(ctx, mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
	}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeUnsupportedAction {
		t.Fatalf("expected undo limitation for chart, got %v", errInfo)
	}
}

func TestExplainFormula(t *testing.T) {
	eng := newTestEngine(t, nil, nil)

	result, errInfo := eng.ExplainFormula(context.Background(), mustJSON(t, map[string]any{
		"formula": "=SUM(B2:B10)",
	}))
	if errInfo != nil {
		t.Fatalf("explain: %v", errInfo)
	}
	explanation := result.(explain.Explanation)
	if explanation.Complexity != explain.ComplexitySimple {
		t.Fatalf("expected simple complexity, got %q", explanation.Complexity)
	}
	if !strings.Contains(explanation.PlainLanguage, "uses the SUM function") {
		t.Fatalf("unexpected narrative: %q", explanation.PlainLanguage)
	}

	_, errInfo = eng.ExplainFormula(context.Background(), mustJSON(t, map[string]any{"formula": "  "}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeValidationFailed {
		t.Fatalf("expected validation failure for empty formula, got %v", errInfo)
	}
}

func TestForecastColumn(t *testing.T) {
	remote := newFakeSheets()
	remote.values["Sales!A1:Z1000"] = [][]string{
		{"Month", "Revenue"},
		{"1", "10"}, {"2", "20"}, {"3", "30"}, {"4", "40"}, {"5", "50"},
		{"6", "60"}, {"7", "70"}, {"8", "80"}, {"9", "90"}, {"10", "100"},
	}
	remote.values["Sales!B2:B1000"] = [][]string{
		{"10"}, {"20"}, {"30"}, {"40"}, {"50"},
		{"60"}, {"70"}, {"80"}, {"90"}, {"100"},
	}
	eng := newTestEngine(t, remote, nil)
	seedCredential(t, eng)

	result, errInfo := eng.ForecastColumn(context.Background(), mustJSON(t, map[string]any{
		"spreadsheet_id": "sid",
		"sheet_title":    "Sales",
		"column":         "Revenue",
		"periods":        2,
	}))
	if errInfo != nil {
		t.Fatalf("forecast: %v", errInfo)
	}
	raw := mustJSON(t, result)
	var decoded struct {
		Predictions []float64 `json:"predictions"`
		Trend       string    `json:"trend"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Predictions) != 2 || decoded.Trend != "increasing" {
		t.Fatalf("unexpected forecast: %+v", decoded)
	}
}
