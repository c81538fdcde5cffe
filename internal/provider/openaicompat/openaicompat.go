// Package openaicompat is the completions-style adapter family. It speaks
// the OpenAI chat-completions wire format, which a number of upstreams
// (OpenAI itself, Azure deployments, local inference servers) share.
package openaicompat

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

type Adapter struct {
	apiKey string
	client *http.Client
}

func New(apiKey string, client *http.Client) *Adapter {
	return &Adapter{apiKey: apiKey, client: client}
}

func (a *Adapter) Family() domain.Provider {
	return domain.ProviderOpenAICompat
}

func (a *Adapter) Stream(ctx context.Context, req domain.ChatRequest, cfg *domain.ModelConfig) (provider.ChunkStream, error) {
	wireReq := wireRequest{
		Model:         cfg.ModelName,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Temperature:   req.Temperature,
	}
	if req.MaxTokens != nil {
		wireReq.MaxTokens = req.MaxTokens
	} else if cfg.MaxTokens > 0 {
		wireReq.MaxTokens = &cfg.MaxTokens
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
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
	usage    *domain.TokenUsage
	outChars int
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
				return s.terminalErr(fmt.Errorf("%w: stream ended without completion", domain.ErrProviderTransport))
			}
			return s.terminalErr(fmt.Errorf("%w: read stream: %v", domain.ErrProviderTransport, err))
		}

		if string(data) == "[DONE]" {
			s.finished = true
			return domain.Chunk{Done: s.finalUsage()}, nil
		}

		var event wireChunk
		if err := json.Unmarshal(data, &event); err != nil {
			// Skip malformed keepalive payloads rather than killing the stream.
			continue
		}

		if event.Usage != nil {
			s.usage = &domain.TokenUsage{
				InputTokens:  event.Usage.PromptTokens,
				OutputTokens: event.Usage.CompletionTokens,
			}
		}

		if len(event.Choices) > 0 && event.Choices[0].Delta != nil && event.Choices[0].Delta.Content != "" {
			content := event.Choices[0].Delta.Content
			s.outChars += len(content)
			return domain.Chunk{Content: content}, nil
		}
	}
}

// finalUsage prefers the provider-reported figure; if the upstream never sent
// one, fall back to an estimate from the accumulated output so the ledger
// still commits something sane.
func (s *stream) finalUsage() *domain.TokenUsage {
	if s.usage != nil {
		return s.usage
	}
	return &domain.TokenUsage{
		OutputTokens: s.outChars / 4,
		Estimated:    true,
	}
}

func (s *stream) terminalErr(err error) (domain.Chunk, error) {
	return domain.Chunk{Err: err}, nil
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
	Model         string           `json:"model"`
	Messages      []domain.Message `json:"messages"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireChunk struct {
	ID      string       `json:"id"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

type wireChoice struct {
	Index        int        `json:"index"`
	Delta        *wireDelta `json:"delta,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type wireDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
