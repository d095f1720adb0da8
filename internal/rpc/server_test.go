package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, input string, register func(*Server)) []Response {
	t.Helper()
	var out bytes.Buffer
	server := NewServer("1", strings.NewReader(input), &out, nil)
	register(server)
	if err := server.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	// Handlers run on their own goroutines; wait for the responses to land.
	deadline := time.Now().Add(2 * time.Second)
	expected := strings.Count(input, "\"id\"")
	for time.Now().Before(deadline) {
		if strings.Count(out.String(), "\n") >= expected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	var responses []Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestServeDispatchesHandler(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"Ping"}` + "\n"
	responses := serve(t, input, func(s *Server) {
		s.Register("Ping", func(ctx context.Context, params json.RawMessage) (any, *Error) {
			return map[string]string{"pong": "ok"}, nil
		})
	})
	if len(responses) != 1 || responses[0].Error != nil {
		t.Fatalf("unexpected responses: %+v", responses)
	}
}

func TestServeMethodNotFound(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"Nope"}` + "\n"
	responses := serve(t, input, func(s *Server) {})
	if len(responses) != 1 || responses[0].Error == nil {
		t.Fatalf("expected error response, got %+v", responses)
	}
	if !strings.Contains(responses[0].Error.Message, "method not found") {
		t.Fatalf("unexpected error message: %q", responses[0].Error.Message)
	}
}

func TestServeRejectsWrongAPIVersion(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"Ping","api_version":"99"}` + "\n"
	responses := serve(t, input, func(s *Server) {
		s.Register("Ping", func(ctx context.Context, params json.RawMessage) (any, *Error) {
			return nil, nil
		})
	})
	if len(responses) != 1 || responses[0].Error == nil {
		t.Fatalf("expected version error, got %+v", responses)
	}
}

func TestServeRejectsInvalidJSON(t *testing.T) {
	responses := serve(t, "not json\n", func(s *Server) {})
	if len(responses) != 1 || responses[0].Error == nil {
		t.Fatalf("expected invalid json error, got %+v", responses)
	}
}

func TestHandlerErrorCarriesData(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":7,"method":"Fail"}` + "\n"
	responses := serve(t, input, func(s *Server) {
		s.Register("Fail", func(ctx context.Context, params json.RawMessage) (any, *Error) {
			return nil, &Error{Message: "boom", Data: map[string]string{"error_code": "REMOTE_ERROR"}}
		})
	})
	if len(responses) != 1 || responses[0].Error == nil {
		t.Fatalf("expected error response, got %+v", responses)
	}
	if responses[0].Error.Message != "boom" || responses[0].Error.Data == nil {
		t.Fatalf("unexpected error payload: %+v", responses[0].Error)
	}
}
