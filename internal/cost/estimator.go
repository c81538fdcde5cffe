// Package cost turns token counts into dollars. Estimates gate admission
// control before dispatch; reconciled figures come from provider-reported
// usage after the stream completes.
package cost

import (
	"deptgate/internal/domain"
)

// charsPerToken is the rough prompt-size heuristic used for pre-flight
// estimates: one token per four characters of prompt text.
const charsPerToken = 4

// defaultMaxTokens caps the output estimate when neither the request nor the
// model config specifies a limit.
const defaultMaxTokens = 1000

type Estimator struct{}

func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate produces the pre-flight usage figure for a request. Output tokens
// are unknowable before dispatch; the estimate assumes the response will not
// exceed the smaller of the token cap and the prompt size itself.
func (e *Estimator) Estimate(req domain.ChatRequest, cfg *domain.ModelConfig) domain.TokenUsage {
	totalChars := 0
	for _, msg := range req.Messages {
		totalChars += len(msg.Content)
	}

	inputTokens := totalChars / charsPerToken
	if inputTokens == 0 && totalChars > 0 {
		inputTokens = 1
	}

	maxTokens := defaultMaxTokens
	if cfg.MaxTokens > 0 {
		maxTokens = cfg.MaxTokens
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	outputTokens := inputTokens
	if maxTokens < outputTokens {
		outputTokens = maxTokens
	}

	usage := domain.TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Estimated:    true,
	}
	usage.CostUSD = price(usage, cfg)
	return usage
}

// Reconcile replaces an estimate with the authoritative usage the provider
// reported, pricing it against the same model config.
func (e *Estimator) Reconcile(actual domain.TokenUsage, cfg *domain.ModelConfig) domain.TokenUsage {
	actual.Estimated = false
	actual.CostUSD = price(actual, cfg)
	return actual
}

func price(usage domain.TokenUsage, cfg *domain.ModelConfig) float64 {
	inputCost := float64(usage.InputTokens) / 1000 * cfg.InputPer1K
	outputCost := float64(usage.OutputTokens) / 1000 * cfg.OutputPer1K
	return inputCost + outputCost
}
