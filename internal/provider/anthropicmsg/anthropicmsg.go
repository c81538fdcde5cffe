// Package anthropicmsg is the messages-style adapter family. It translates
// between the normalized chat request and the Anthropic messages wire
// format, where the system prompt is a top-level field and usage arrives
// incrementally across stream events.
package anthropicmsg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"deptgate/internal/domain"
	"deptgate/internal/provider"
)

const apiVersion = "2023-06-01"

type Adapter struct {
	apiKey string
	client *http.Client
}

func New(apiKey string, client *http.Client) *Adapter {
	return &Adapter{apiKey: apiKey, client: client}
}

func (a *Adapter) Family() domain.Provider {
	return domain.ProviderAnthropic
}

func (a *Adapter) Stream(ctx context.Context, req domain.ChatRequest, cfg *domain.ModelConfig) (provider.ChunkStream, error) {
	wireReq := toWireRequest(req, cfg)
	wireReq.Stream = true

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: status=%d body=%s", domain.ErrProviderRejected, resp.StatusCode, string(bodyBytes))
		}
		return nil, fmt.Errorf("%w: status=%d body=%s", domain.ErrProviderTransport, resp.StatusCode, string(bodyBytes))
	}

	return &stream{
		body:    resp.Body,
		decoder: provider.NewSSEDecoder(resp.Body),
	}, nil
}

type stream struct {
	body    io.ReadCloser
	decoder *provider.SSEDecoder

	mu       sync.Mutex
	closed   bool
	finished bool
	usage    domain.TokenUsage
}

func (s *stream) Recv() (domain.Chunk, error) {
	if s.finished {
		return domain.Chunk{}, io.EOF
	}

	for {
		data, err := s.decoder.Next()
		if err != nil {
			s.finished = true
			if err == io.EOF {
				return domain.Chunk{Err: fmt.Errorf("%w: stream ended without message_stop", domain.ErrProviderTransport)}, nil
			}
			return domain.Chunk{Err: fmt.Errorf("%w: read stream: %v", domain.ErrProviderTransport, err)}, nil
		}

		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				s.usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				return domain.Chunk{Content: event.Delta.Text}, nil
			}
		case "message_delta":
			// Output token count is cumulative on message_delta events.
			if event.Usage != nil {
				s.usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			s.finished = true
			usage := s.usage
			return domain.Chunk{Done: &usage}, nil
		case "error":
			s.finished = true
			msg := "unknown provider error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return domain.Chunk{Err: fmt.Errorf("%w: %s", domain.ErrProviderRejected, msg)}, nil
		}
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

type wireRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream,omitempty"`
	System    string        `json:"system,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamEvent struct {
	Type    string        `json:"type"`
	Message *eventMessage `json:"message,omitempty"`
	Delta   *eventDelta   `json:"delta,omitempty"`
	Usage   *eventUsage   `json:"usage,omitempty"`
	Error   *eventError   `json:"error,omitempty"`
}

type eventMessage struct {
	ID    string     `json:"id"`
	Usage eventUsage `json:"usage"`
}

type eventDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type eventUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type eventError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func toWireRequest(req domain.ChatRequest, cfg *domain.ModelConfig) wireRequest {
	var systemPrompt string
	messages := make([]wireMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			systemPrompt = m.Content
			continue
		}
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := 4096
	if cfg.MaxTokens > 0 {
		maxTokens = cfg.MaxTokens
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return wireRequest{
		Model:     cfg.ModelName,
		Messages:  messages,
		MaxTokens: maxTokens,
		System:    systemPrompt,
	}
}
