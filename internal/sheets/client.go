package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"formulai/engine/internal/egress"
	"formulai/engine/internal/llm"
)

const defaultBaseURL = "https://sheets.googleapis.com"
const maxErrorBodyBytes = 2048

var (
	ErrAuthExpired      = errors.New("sheets auth expired")
	ErrPermissionDenied = errors.New("sheets permission denied")
	ErrNotFound         = errors.New("sheets not found")
	ErrRateLimited      = errors.New("sheets rate limited")
)

// RemoteError carries the provider status and message for failures outside
// the four mapped categories.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sheets remote error: %d %s", e.Status, e.Message)
}

// Client is a minimal Google Sheets v4 REST wrapper.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient() *Client {
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{"sheets.googleapis.com"})
	return NewClientWithHTTP(&http.Client{
		Timeout:   15 * time.Second,
		Transport: transport,
	})
}

// NewClientWithHTTP wires a caller-supplied HTTP client; used by tests to
// substitute a stub transport.
func NewClientWithHTTP(httpClient *http.Client) *Client {
	return &Client{baseURL: defaultBaseURL, client: httpClient}
}

type SpreadsheetInfo struct {
	SpreadsheetID string
	Title         string
	Sheets        []SheetInfo
}

type SheetInfo struct {
	SheetID int64
	Title   string
}

type UpdateResult struct {
	UpdatedRange string `json:"updatedRange"`
	UpdatedRows  int    `json:"updatedRows"`
	UpdatedCells int    `json:"updatedCells"`
}

// GetSpreadsheet fetches the spreadsheet title and per-sheet metadata.
func (c *Client) GetSpreadsheet(ctx context.Context, accessToken, spreadsheetID string) (*SpreadsheetInfo, error) {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s?fields=properties.title,sheets.properties", c.baseURL, url.PathEscape(spreadsheetID))
	var payload struct {
		Properties struct {
			Title string `json:"title"`
		} `json:"properties"`
		Sheets []struct {
			Properties struct {
				SheetID int64  `json:"sheetId"`
				Title   string `json:"title"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := c.getJSON(ctx, accessToken, endpoint, &payload); err != nil {
		return nil, err
	}
	info := &SpreadsheetInfo{SpreadsheetID: spreadsheetID, Title: payload.Properties.Title}
	for _, sheet := range payload.Sheets {
		info.Sheets = append(info.Sheets, SheetInfo{SheetID: sheet.Properties.SheetID, Title: sheet.Properties.Title})
	}
	return info, nil
}

// ValuesGet reads the raw values of an A1 range, e.g. "Sheet1!A1:Z1000".
func (c *Client) ValuesGet(ctx context.Context, accessToken, spreadsheetID, rangeA1 string) ([][]string, error) {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s", c.baseURL, url.PathEscape(spreadsheetID), url.PathEscape(rangeA1))
	var payload struct {
		Values [][]any `json:"values"`
	}
	if err := c.getJSON(ctx, accessToken, endpoint, &payload); err != nil {
		return nil, err
	}
	values := make([][]string, len(payload.Values))
	for i, row := range payload.Values {
		values[i] = make([]string, len(row))
		for j, cell := range row {
			values[i][j] = stringifyCell(cell)
		}
	}
	return values, nil
}

// ValuesUpdate writes values into an A1 range with USER_ENTERED semantics:
// formulas are evaluated by the remote service, not stored literally.
func (c *Client) ValuesUpdate(ctx context.Context, accessToken, spreadsheetID, rangeA1 string, values [][]string) (*UpdateResult, error) {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?valueInputOption=USER_ENTERED", c.baseURL, url.PathEscape(spreadsheetID), url.PathEscape(rangeA1))
	body := map[string]any{"values": values}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := decodeError(resp); err != nil {
		return nil, err
	}
	var result UpdateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddChart issues a batchUpdate with a single addChart request.
func (c *Client) AddChart(ctx context.Context, accessToken, spreadsheetID string, request map[string]any) error {
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s:batchUpdate", c.baseURL, url.PathEscape(spreadsheetID))
	body := map[string]any{"requests": []any{map[string]any{"addChart": request}}}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := decodeError(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := decodeError(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return nil, llm.ErrEgressBlocked
		}
		return nil, err
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	message := providerMessage(resp)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusForbidden:
		return ErrPermissionDenied
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &RemoteError{Status: resp.StatusCode, Message: message}
	}
}

func providerMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func stringifyCell(cell any) string {
	switch value := cell.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		if value {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprint(value)
	}
}
