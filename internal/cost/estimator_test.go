package cost

import (
	"math"
	"strings"
	"testing"

	"deptgate/internal/domain"
)

func floatEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEstimate_PromptTokensFromChars(t *testing.T) {
	e := NewEstimator()
	cfg := &domain.ModelConfig{InputPer1K: 0.01, OutputPer1K: 0.03, MaxTokens: 4096}

	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: strings.Repeat("a", 400)},
			{Role: domain.RoleUser, Content: strings.Repeat("b", 400)},
		},
	}

	usage := e.Estimate(req, cfg)

	if usage.InputTokens != 200 {
		t.Errorf("InputTokens = %d, want 200", usage.InputTokens)
	}
	// Output estimate mirrors the prompt size when under the cap.
	if usage.OutputTokens != 200 {
		t.Errorf("OutputTokens = %d, want 200", usage.OutputTokens)
	}
	if !usage.Estimated {
		t.Error("Estimated should be true")
	}

	wantCost := 200.0/1000*0.01 + 200.0/1000*0.03
	if !floatEq(usage.CostUSD, wantCost) {
		t.Errorf("CostUSD = %v, want %v", usage.CostUSD, wantCost)
	}
}

func TestEstimate_OutputCappedByMaxTokens(t *testing.T) {
	e := NewEstimator()
	cfg := &domain.ModelConfig{InputPer1K: 0.01, OutputPer1K: 0.03, MaxTokens: 50}

	req := domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: strings.Repeat("x", 4000)}},
	}

	usage := e.Estimate(req, cfg)
	if usage.InputTokens != 1000 {
		t.Errorf("InputTokens = %d, want 1000", usage.InputTokens)
	}
	if usage.OutputTokens != 50 {
		t.Errorf("OutputTokens = %d, want 50", usage.OutputTokens)
	}
}

func TestEstimate_RequestMaxTokensOverridesConfig(t *testing.T) {
	e := NewEstimator()
	cfg := &domain.ModelConfig{InputPer1K: 0.01, OutputPer1K: 0.03, MaxTokens: 4096}

	maxTokens := 10
	req := domain.ChatRequest{
		MaxTokens: &maxTokens,
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: strings.Repeat("x", 400)}},
	}

	usage := e.Estimate(req, cfg)
	if usage.OutputTokens != 10 {
		t.Errorf("OutputTokens = %d, want 10", usage.OutputTokens)
	}
}

func TestEstimate_TinyPromptCountsAtLeastOneToken(t *testing.T) {
	e := NewEstimator()
	cfg := &domain.ModelConfig{InputPer1K: 0.01, OutputPer1K: 0.03}

	req := domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	}

	usage := e.Estimate(req, cfg)
	if usage.InputTokens != 1 {
		t.Errorf("InputTokens = %d, want 1", usage.InputTokens)
	}
}

func TestReconcile_UsesActualTokens(t *testing.T) {
	e := NewEstimator()
	cfg := &domain.ModelConfig{InputPer1K: 0.003, OutputPer1K: 0.015}

	actual := domain.TokenUsage{InputTokens: 1200, OutputTokens: 800, Estimated: true}
	usage := e.Reconcile(actual, cfg)

	if usage.Estimated {
		t.Error("Estimated should be false after reconcile")
	}
	wantCost := 1200.0/1000*0.003 + 800.0/1000*0.015
	if !floatEq(usage.CostUSD, wantCost) {
		t.Errorf("CostUSD = %v, want %v", usage.CostUSD, wantCost)
	}
	if usage.TotalTokens() != 2000 {
		t.Errorf("TotalTokens = %d, want 2000", usage.TotalTokens())
	}
}
