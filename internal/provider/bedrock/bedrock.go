// Package bedrock adapts AWS Bedrock model invocation to the normalized
// chunk stream. Bedrock hosts Anthropic-format models behind the AWS event
// stream protocol, so chunk payloads follow the messages wire shape while
// transport is the SDK's response stream.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"deptgate/internal/domain"
	"deptgate/internal/provider"
)

type Adapter struct {
	client *bedrockruntime.Client
}

func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Adapter {
	return &Adapter{client: bedrockruntime.NewFromConfig(cfg)}
}

func (a *Adapter) Family() domain.Provider {
	return domain.ProviderBedrock
}

func (a *Adapter) Stream(ctx context.Context, req domain.ChatRequest, cfg *domain.ModelConfig) (provider.ChunkStream, error) {
	wireReq := toWireRequest(req, cfg)

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(cfg.ModelName),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := a.client.InvokeModelWithResponseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: invoke model stream: %v", domain.ErrProviderTransport, err)
	}

	return &stream{events: output.GetStream()}, nil
}

type stream struct {
	events   *bedrockruntime.InvokeModelWithResponseStreamEventStream
	finished bool
	usage    domain.TokenUsage
}

func (s *stream) Recv() (domain.Chunk, error) {
	if s.finished {
		return domain.Chunk{}, io.EOF
	}

	for event := range s.events.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}

		var payload streamPayload
		if err := json.Unmarshal(chunk.Value.Bytes, &payload); err != nil {
			continue
		}

		switch payload.Type {
		case "message_start":
			if payload.Message != nil {
				s.usage.InputTokens = payload.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if payload.Delta != nil && payload.Delta.Text != "" {
				return domain.Chunk{Content: payload.Delta.Text}, nil
			}
		case "message_delta":
			if payload.Usage != nil {
				s.usage.OutputTokens = payload.Usage.OutputTokens
			}
		case "message_stop":
			s.finished = true
			usage := s.usage
			return domain.Chunk{Done: &usage}, nil
		}
	}

	s.finished = true
	if err := s.events.Err(); err != nil {
		return domain.Chunk{Err: fmt.Errorf("%w: event stream: %v", domain.ErrProviderTransport, err)}, nil
	}
	return domain.Chunk{Err: fmt.Errorf("%w: stream ended without message_stop", domain.ErrProviderTransport)}, nil
}

func (s *stream) Close() error {
	return s.events.Close()
}

type wireRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []wireMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamPayload struct {
	Type    string          `json:"type"`
	Message *payloadMessage `json:"message,omitempty"`
	Delta   *payloadDelta   `json:"delta,omitempty"`
	Usage   *payloadUsage   `json:"usage,omitempty"`
}

type payloadMessage struct {
	Usage payloadUsage `json:"usage"`
}

type payloadDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type payloadUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toWireRequest(req domain.ChatRequest, cfg *domain.ModelConfig) wireRequest {
	var systemPrompt string
	var messages []wireMessage

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
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           systemPrompt,
	}
}
