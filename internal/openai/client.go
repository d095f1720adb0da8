package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"formulai/engine/internal/egress"
	"formulai/engine/internal/llm"
)

const defaultBaseURL = "https://api.openai.com"
const maxErrorBodyBytes = 2048

// Client implements a minimal OpenAI chat-completions API wrapper.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient() *Client {
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{"api.openai.com"})
	return &Client{
		baseURL: defaultBaseURL,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

func (c *Client) ValidateKey(ctx context.Context, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return llm.ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return llm.ErrEgressBlocked
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return llm.ErrUnauthorized
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return llm.ErrRateLimited
	}
	if resp.StatusCode >= 500 {
		return llm.ErrUnavailable
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("validation failed: %s", resp.Status)
	}
	return nil
}

// ChatJSON sends a completion request with the JSON-object response format and
// returns the raw assistant content. The content is expected, not guaranteed,
// to parse as a single JSON object; callers own that validation.
func (c *Client) ChatJSON(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", llm.ErrNotConfigured
	}
	payload := chatCompletionRequest{
		Model:          model,
		Messages:       toChatMessages(messages),
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	return c.sendChatCompletion(ctx, apiKey, payload)
}

func (c *Client) Chat(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", llm.ErrNotConfigured
	}
	payload := chatCompletionRequest{
		Model:    model,
		Messages: toChatMessages(messages),
	}
	return c.sendChatCompletion(ctx, apiKey, payload)
}

func (c *Client) sendChatCompletion(ctx context.Context, apiKey string, payload chatCompletionRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return "", llm.ErrEgressBlocked
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", llm.ErrUnauthorized
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", llm.ErrRateLimited
	}
	if resp.StatusCode >= 500 {
		return "", llm.ErrUnavailable
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", fmt.Errorf("openai error: %s - %s", resp.Status, string(errorBody))
	}
	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("openai empty response")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("openai empty response")
	}
	return content, nil
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatResponseMessage `json:"message"`
}

type chatResponseMessage struct {
	Content string `json:"content"`
}

func toChatMessages(messages []llm.Message) []chatMessage {
	result := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		result = append(result, chatMessage{
			Role:    normalizeRole(msg.Role),
			Content: msg.Content,
		})
	}
	return result
}

func normalizeRole(role string) string {
	switch strings.TrimSpace(role) {
	case "assistant", "user", "system":
		return strings.TrimSpace(role)
	default:
		return "user"
	}
}
