package domain

import "time"

// Provider identifies an upstream adapter family. Adapters are registered
// under one of these tags and resolved at config load time.
type Provider string

const (
	ProviderOpenAICompat Provider = "openai_compat"
	ProviderAnthropic    Provider = "anthropic"
	ProviderBedrock      Provider = "bedrock"
)

// ModelConfig is an administratively managed model entry. The gateway only
// reads it; edits happen elsewhere and bump UpdatedAt, which invalidates any
// cached adapter bound to the previous revision.
type ModelConfig struct {
	ID                 string
	Name               string
	Provider           Provider
	ModelName          string
	Endpoint           string
	CredentialRef      string
	InputPer1K         float64
	OutputPer1K        float64
	MaxTokens          int
	StreamingSupported bool
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Department struct {
	ID               string
	Name             string
	MonthlyBudgetUSD float64
	RequestsPerMin   int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Principal is the already-authenticated caller, resolved by the external
// auth layer before a request reaches the gateway.
type Principal struct {
	UserID       string
	DepartmentID string
}

type Message struct {
	Role          string   `json:"role"`
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is a per-call value object; it is never mutated after dispatch.
type ChatRequest struct {
	ModelConfigID  string    `json:"model_config_id"`
	Messages       []Message `json:"messages"`
	AttachmentIDs  []string  `json:"attachment_ids,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MaxTokens      *int      `json:"max_tokens,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
}

// Chunk is the normalized unit of streamed provider output. Exactly one of
// Content, Done, Err is set. Within one stream chunks arrive in provider
// order, a successful stream ends with a single Done chunk carrying
// authoritative usage, and a transport failure ends with a single Err chunk.
type Chunk struct {
	Content string
	Done    *TokenUsage
	Err     error
}

// TokenUsage starts life as a pre-flight estimate and is replaced by the
// provider-reported actual once the stream completes.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Estimated    bool
}

func (u TokenUsage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

type ReservationState string

const (
	ReservationReserved  ReservationState = "reserved"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a provisional hold against a department budget. It
// transitions reserved->committed or reserved->released exactly once.
type Reservation struct {
	ID           string
	DepartmentID string
	AmountUSD    float64
	State        ReservationState
	CreatedAt    time.Time
}

// UsageEvent is the append-only record of one completed or failed request.
type UsageEvent struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	UserID        string    `json:"user_id"`
	DepartmentID  string    `json:"department_id"`
	ModelConfigID string    `json:"model_config_id"`
	Model         string    `json:"model"`
	Provider      Provider  `json:"provider"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	LatencyMs     int64     `json:"latency_ms"`
	Success       bool      `json:"success"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Conversation owns its messages; deleting a conversation cascades. The
// stored message count is the reconciler's watermark.
type Conversation struct {
	ID            string
	UserID        string
	Title         string
	ModelConfigID string
	MessageCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type StoredMessage struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	AttachmentIDs  []string
	CreatedAt      time.Time
}
