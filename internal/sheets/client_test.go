package sheets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type mockRT struct {
	roundTrip func(req *http.Request) (*http.Response, error)
}

func (m *mockRT) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.roundTrip(req)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func testSheetsClient(rt http.RoundTripper) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		client:  &http.Client{Transport: rt},
	}
}

func TestValuesGetStringifiesCells(t *testing.T) {
	client := testSheetsClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			if !strings.Contains(req.URL.Path, "/values/") {
				t.Fatalf("expected values path, got %s", req.URL.Path)
			}
			return response(http.StatusOK, `{"values":[["Name","Revenue"],["Acme",1000.5],["Globex",true]]}`), nil
		},
	})
	got, err := client.ValuesGet(context.Background(), "at", "sid", "Sheet1!A1:B3")
	if err != nil {
		t.Fatalf("values get: %v", err)
	}
	want := [][]string{{"Name", "Revenue"}, {"Acme", "1000.5"}, {"Globex", "TRUE"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestValuesUpdateUsesUserEntered(t *testing.T) {
	client := testSheetsClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			if req.Method != http.MethodPut {
				t.Fatalf("expected PUT, got %s", req.Method)
			}
			if got := req.URL.Query().Get("valueInputOption"); got != "USER_ENTERED" {
				t.Fatalf("expected USER_ENTERED, got %q", got)
			}
			body, _ := io.ReadAll(req.Body)
			if !strings.Contains(string(body), "=SUM(A1:A10)") {
				t.Fatalf("expected formula in body, got %s", body)
			}
			return response(http.StatusOK, `{"updatedRange":"Sheet1!B1","updatedRows":1,"updatedCells":1}`), nil
		},
	})
	result, err := client.ValuesUpdate(context.Background(), "at", "sid", "Sheet1!B1", [][]string{{"=SUM(A1:A10)"}})
	if err != nil {
		t.Fatalf("values update: %v", err)
	}
	if result.UpdatedCells != 1 || result.UpdatedRange != "Sheet1!B1" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuthExpired},
		{http.StatusForbidden, ErrPermissionDenied},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
	}
	for _, tc := range cases {
		client := testSheetsClient(&mockRT{
			roundTrip: func(req *http.Request) (*http.Response, error) {
				return response(tc.status, `{"error":{"message":"nope"}}`), nil
			},
		})
		_, err := client.ValuesGet(context.Background(), "at", "sid", "Sheet1!A1:B2")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestRemoteErrorCarriesStatusAndMessage(t *testing.T) {
	client := testSheetsClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			return response(http.StatusConflict, `{"error":{"message":"backend weirdness","status":"ABORTED"}}`), nil
		},
	})
	_, err := client.ValuesGet(context.Background(), "at", "sid", "Sheet1!A1:B2")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Status != http.StatusConflict || remote.Message != "backend weirdness" {
		t.Fatalf("unexpected remote error: %#v", remote)
	}
}

func TestReaderCachesDescriptorReads(t *testing.T) {
	remoteCalls := 0
	client := testSheetsClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			remoteCalls++
			if strings.Contains(req.URL.Path, "/values/") {
				return response(http.StatusOK, `{"values":[["Name","Revenue","Date"],["Acme",1000,"2023-01-15"]]}`), nil
			}
			return response(http.StatusOK, `{"properties":{"title":"Book"},"sheets":[{"properties":{"sheetId":7,"title":"Sales"}}]}`), nil
		},
	})
	reader := NewReader(client, NewCache(10*time.Minute), nil)

	first, err := reader.ReadSheet(context.Background(), "at", "sid", "Sales")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	callsAfterFirst := remoteCalls
	if callsAfterFirst == 0 {
		t.Fatalf("expected remote calls on cold read")
	}
	second, err := reader.ReadSheet(context.Background(), "at", "sid", "Sales")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if remoteCalls != callsAfterFirst {
		t.Fatalf("expected cache hit to issue no remote calls, got %d extra", remoteCalls-callsAfterFirst)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("cached descriptor differs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"string", "number", "date"}, first.InferredTypes); diff != "" {
		t.Fatalf("types mismatch (-want +got):\n%s", diff)
	}
}

func TestReaderFallsBackToFirstSheet(t *testing.T) {
	client := testSheetsClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			if strings.Contains(req.URL.Path, "/values/") {
				unescaped, _ := url.PathUnescape(req.URL.Path)
				if !strings.Contains(unescaped, "Sales!") {
					t.Fatalf("expected fallback to first sheet range, got %s", unescaped)
				}
				return response(http.StatusOK, `{"values":[["Name"],["Acme"]]}`), nil
			}
			return response(http.StatusOK, `{"properties":{"title":"Book"},"sheets":[{"properties":{"sheetId":7,"title":"Sales"}}]}`), nil
		},
	})
	reader := NewReader(client, NewCache(10*time.Minute), nil)
	desc, err := reader.ReadSheet(context.Background(), "at", "sid", "Missing")
	if err != nil {
		t.Fatalf("read with missing title: %v", err)
	}
	if desc.SheetTitle != "Sales" {
		t.Fatalf("expected fallback title Sales, got %q", desc.SheetTitle)
	}
}

func TestA1Helpers(t *testing.T) {
	if got := FirstCell("B1:C5"); got != "B1" {
		t.Fatalf("FirstCell(B1:C5) = %q", got)
	}
	if got := FirstCell("Sheet1!B2"); got != "B2" {
		t.Fatalf("FirstCell(Sheet1!B2) = %q", got)
	}
	if got := RangeRef("Sheet1", "A1:B2"); got != "Sheet1!A1:B2" {
		t.Fatalf("RangeRef plain = %q", got)
	}
	if got := RangeRef("Q1 Sales", "A1"); got != "'Q1 Sales'!A1" {
		t.Fatalf("RangeRef quoted = %q", got)
	}
	title, bare := SplitRange("'Q1 Sales'!A1:B2")
	if title != "Q1 Sales" || bare != "A1:B2" {
		t.Fatalf("SplitRange = %q %q", title, bare)
	}
}

func TestBuildAddChartRequestShape(t *testing.T) {
	request := BuildAddChartRequest(7, ChartConfig{
		Type:         "bar",
		Title:        "Revenue by Region",
		StartRow:     0,
		EndRow:       20,
		DomainColumn: 0,
		SeriesCols:   []int{1, 2},
	})
	chart := request["chart"].(map[string]any)
	spec := chart["spec"].(map[string]any)
	basic := spec["basicChart"].(map[string]any)
	if basic["chartType"] != "BAR" {
		t.Fatalf("expected BAR chart type, got %v", basic["chartType"])
	}
	series := basic["series"].([]any)
	if len(series) != 2 {
		t.Fatalf("expected 2 series, got %d", len(series))
	}
	if spec["title"] != "Revenue by Region" {
		t.Fatalf("unexpected title: %v", spec["title"])
	}
}
