package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"deptgate/internal/domain"
)

func sseServer(t *testing.T, events []string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer test-key", auth)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"upstream says no"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprintf(w, "data: %s\n\n", event)
			flusher.Flush()
		}
	}))
}

func testModelConfig(endpoint string) *domain.ModelConfig {
	return &domain.ModelConfig{
		ID:                 "cfg-test",
		Provider:           domain.ProviderOpenAICompat,
		ModelName:          "gpt-4o",
		Endpoint:           endpoint,
		MaxTokens:          100,
		StreamingSupported: true,
		Enabled:            true,
	}
}

func testRequest() domain.ChatRequest {
	return domain.ChatRequest{
		ModelConfigID: "cfg-test",
		Messages: []domain.Message{
			{Role: "user", Content: "Hello"},
		},
	}
}

func drain(t *testing.T, s interface {
	Recv() (domain.Chunk, error)
	Close() error
}) (string, *domain.TokenUsage, error) {
	t.Helper()
	defer s.Close()

	var content strings.Builder
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return content.String(), nil, nil
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if chunk.Err != nil {
			return content.String(), nil, chunk.Err
		}
		if chunk.Done != nil {
			return content.String(), chunk.Done, nil
		}
		content.WriteString(chunk.Content)
	}
}

func TestStream_RelaysDeltasAndUsage(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`,
		`[DONE]`,
	}, http.StatusOK)
	defer srv.Close()

	adapter := New("test-key", srv.Client())
	s, err := adapter.Stream(context.Background(), testRequest(), testModelConfig(srv.URL))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	content, usage, chunkErr := drain(t, s)
	if chunkErr != nil {
		t.Fatalf("stream returned error chunk: %v", chunkErr)
	}
	if content != "Hello world" {
		t.Errorf("content = %q, want %q", content, "Hello world")
	}
	if usage == nil {
		t.Fatal("expected terminal usage chunk")
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 7 {
		t.Errorf("usage = %d/%d, want 12/7", usage.InputTokens, usage.OutputTokens)
	}
	if usage.Estimated {
		t.Error("usage marked estimated despite provider-reported figures")
	}
}

func TestStream_EstimatesUsageWhenNotReported(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"12345678"}}]}`,
		`[DONE]`,
	}, http.StatusOK)
	defer srv.Close()

	adapter := New("test-key", srv.Client())
	s, err := adapter.Stream(context.Background(), testRequest(), testModelConfig(srv.URL))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	_, usage, chunkErr := drain(t, s)
	if chunkErr != nil {
		t.Fatalf("stream returned error chunk: %v", chunkErr)
	}
	if usage == nil {
		t.Fatal("expected terminal usage chunk")
	}
	if !usage.Estimated {
		t.Error("fallback usage not marked estimated")
	}
	if usage.OutputTokens != 2 {
		t.Errorf("OutputTokens = %d, want 2 (8 chars / 4)", usage.OutputTokens)
	}
}

func TestStream_SkipsMalformedEvents(t *testing.T) {
	srv := sseServer(t, []string{
		`not json at all`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`[DONE]`,
	}, http.StatusOK)
	defer srv.Close()

	adapter := New("test-key", srv.Client())
	s, err := adapter.Stream(context.Background(), testRequest(), testModelConfig(srv.URL))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	content, _, chunkErr := drain(t, s)
	if chunkErr != nil {
		t.Fatalf("stream returned error chunk: %v", chunkErr)
	}
	if content != "ok" {
		t.Errorf("content = %q, want %q", content, "ok")
	}
}

func TestStream_TruncatedStreamIsTransportError(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"partial"}}]}`,
	}, http.StatusOK)
	defer srv.Close()

	adapter := New("test-key", srv.Client())
	s, err := adapter.Stream(context.Background(), testRequest(), testModelConfig(srv.URL))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	content, _, chunkErr := drain(t, s)
	if content != "partial" {
		t.Errorf("content = %q, want %q", content, "partial")
	}
	if !errors.Is(chunkErr, domain.ErrProviderTransport) {
		t.Errorf("error = %v, want ErrProviderTransport", chunkErr)
	}
}

func TestStream_UpstreamRejection(t *testing.T) {
	srv := sseServer(t, nil, http.StatusUnauthorized)
	defer srv.Close()

	adapter := New("test-key", srv.Client())
	_, err := adapter.Stream(context.Background(), testRequest(), testModelConfig(srv.URL))
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Errorf("error = %v, want ErrProviderRejected", err)
	}
}

func TestStream_UpstreamServerError(t *testing.T) {
	srv := sseServer(t, nil, http.StatusBadGateway)
	defer srv.Close()

	adapter := New("test-key", srv.Client())
	_, err := adapter.Stream(context.Background(), testRequest(), testModelConfig(srv.URL))
	if !errors.Is(err, domain.ErrProviderTransport) {
		t.Errorf("error = %v, want ErrProviderTransport", err)
	}
}

func TestStream_UnreachableEndpoint(t *testing.T) {
	adapter := New("test-key", &http.Client{})
	_, err := adapter.Stream(context.Background(), testRequest(), testModelConfig("http://127.0.0.1:1"))
	if !errors.Is(err, domain.ErrProviderTransport) {
		t.Errorf("error = %v, want ErrProviderTransport", err)
	}
}
