// Package gateway drives one streaming chat request end to end: admission
// control, budget reservation, provider dispatch, token relay, cost
// reconciliation, and conversation persistence.
//
// The request moves through a fixed progression: validate, reserve,
// dispatch, stream, reconcile. Failures map to a terminal event whose kind
// tells the client whether retrying is sensible, and the budget reservation
// taken before dispatch is resolved exactly once on every path, including
// panics in the relay loop, client disconnects, and timeouts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"deptgate/internal/circuitbreaker"
	"deptgate/internal/conversation"
	"deptgate/internal/cost"
	"deptgate/internal/domain"
	"deptgate/internal/metrics"
	"deptgate/internal/provider"
	"deptgate/internal/quota"
	"deptgate/internal/ratelimit"
	"deptgate/internal/registry"
	"deptgate/internal/telemetry"
	"deptgate/internal/usage"
)

// Completion is the terminal payload of a successful stream.
type Completion struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	ConversationID string  `json:"conversation_id,omitempty"`
}

// StreamError is the terminal payload of a failed stream.
type StreamError struct {
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
}

// RateLimitedError carries the window position of a rejected request so the
// API layer can emit backoff headers.
type RateLimitedError struct {
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per minute, window resets at %s", e.Limit, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error { return domain.ErrRateLimitExceeded }

// Event is one element of the ordered stream a client consumes. Exactly one
// of Content, Done, Err is set; Done or Err is always last.
type Event struct {
	Content string
	Done    *Completion
	Err     *StreamError
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Registry      *registry.Registry
	Ledger        quota.Ledger
	Departments   quota.DepartmentStore
	Estimator     *cost.Estimator
	Usage         usage.Sink
	Conversations *conversation.Reconciler
	Limiter       ratelimit.RateLimiter
	Breakers      *circuitbreaker.Manager
}

type Config struct {
	MaxMessageBytes int
	StreamTimeout   time.Duration
}

type Orchestrator struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// dispatched carries everything the relay goroutine needs after the
// synchronous admission phase has succeeded.
type dispatched struct {
	requestID   string
	principal   domain.Principal
	req         domain.ChatRequest
	adapter     provider.Adapter
	modelCfg    *domain.ModelConfig
	breaker     *circuitbreaker.CircuitBreaker
	reservation *domain.Reservation
	storedCount int
	started     time.Time
}

// Stream runs one chat request. Admission failures (validation, rate limit,
// unknown config, quota) are returned synchronously and leave no reservation
// behind. Once a reservation is placed, Stream returns an event channel and
// every subsequent outcome, success or failure, arrives as the channel's
// terminal event.
func (o *Orchestrator) Stream(ctx context.Context, principal domain.Principal, req domain.ChatRequest) (<-chan Event, error) {
	requestID := uuid.New().String()
	started := time.Now()

	if err := o.validate(req); err != nil {
		return nil, err
	}

	dept, err := o.deps.Departments.GetDepartment(ctx, principal.DepartmentID)
	if err != nil {
		return nil, err
	}

	if o.deps.Limiter != nil && dept.RequestsPerMin > 0 {
		allowed, _, resetAt, err := o.deps.Limiter.Allow(ctx, dept.ID, dept.RequestsPerMin)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "error", err)
		} else if !allowed {
			metrics.RecordRateLimitHit(dept.ID)
			return nil, &RateLimitedError{Limit: dept.RequestsPerMin, ResetAt: resetAt}
		}
	}

	modelCfg, err := o.deps.Registry.Config(ctx, req.ModelConfigID)
	if err != nil {
		return nil, err
	}
	if !modelCfg.StreamingSupported {
		return nil, fmt.Errorf("%w: %s does not support streaming", domain.ErrProviderUnsupported, modelCfg.ID)
	}

	breaker := o.deps.Breakers.Get(modelCfg.ID)
	if err := breaker.Allow(ctx); err != nil {
		return nil, err
	}

	// Read the conversation watermark before dispatching so the save after
	// the stream is a pure compare-and-append.
	storedCount := 0
	if req.ConversationID != "" {
		storedCount, err = o.deps.Conversations.StoredCount(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
	}

	estimate := o.deps.Estimator.Estimate(req, modelCfg)

	reservation, err := o.deps.Ledger.Reserve(ctx, dept.ID, estimate.CostUSD)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			metrics.RecordQuotaRejection(dept.ID)
			o.emitEvent(requestID, principal, modelCfg, domain.TokenUsage{}, started, domain.ErrKindQuotaExceeded)
		}
		return nil, err
	}

	// Bind the adapter only after the budget hold is in place; binding can
	// be slow on a cold credential cache and must not run for requests the
	// ledger would reject anyway.
	adapter, modelCfg, err := o.deps.Registry.Resolve(ctx, req.ModelConfigID)
	if err != nil {
		if rerr := o.deps.Ledger.Release(context.Background(), reservation); rerr != nil && !errors.Is(rerr, domain.ErrReservationResolved) {
			slog.Error("failed to release reservation", "request_id", requestID, "reservation_id", reservation.ID, "error", rerr)
		}
		return nil, err
	}

	slog.Info("request admitted",
		"request_id", requestID,
		"department_id", dept.ID,
		"model_config_id", modelCfg.ID,
		"estimated_cost_usd", estimate.CostUSD,
	)

	events := make(chan Event, 16)
	d := &dispatched{
		requestID:   requestID,
		principal:   principal,
		req:         req,
		adapter:     adapter,
		modelCfg:    modelCfg,
		breaker:     breaker,
		reservation: reservation,
		storedCount: storedCount,
		started:     started,
	}
	go o.run(ctx, d, events)

	return events, nil
}

func (o *Orchestrator) validate(req domain.ChatRequest) error {
	if req.ModelConfigID == "" {
		return fmt.Errorf("%w: model_config_id is required", domain.ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", domain.ErrInvalidRequest)
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem, domain.RoleUser, domain.RoleAssistant:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", domain.ErrInvalidRequest, i, msg.Role)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return fmt.Errorf("%w: message %d is empty", domain.ErrInvalidRequest, i)
		}
		if len(msg.Content) > o.cfg.MaxMessageBytes {
			return fmt.Errorf("%w: message %d exceeds %d bytes", domain.ErrInvalidRequest, i, o.cfg.MaxMessageBytes)
		}
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", domain.ErrInvalidRequest)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", domain.ErrInvalidRequest)
	}
	return nil
}

// run relays provider chunks into the event channel and drives the terminal
// bookkeeping. It owns the reservation from here on.
func (o *Orchestrator) run(ctx context.Context, d *dispatched, events chan Event) {
	defer close(events)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.StreamTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "gateway.stream")
	defer span.End()
	telemetry.AddRequestAttributes(span, d.principal.DepartmentID, string(d.modelCfg.Provider), d.modelCfg.ModelName, d.requestID)
	telemetry.AddReservationAttribute(span, d.reservation.ID, d.reservation.AmountUSD)

	// The reservation must be resolved exactly once no matter how the relay
	// exits. Commit marks it resolved; this backstop releases it otherwise.
	resolved := false
	defer func() {
		if resolved {
			return
		}
		if err := o.deps.Ledger.Release(context.Background(), d.reservation); err != nil && !errors.Is(err, domain.ErrReservationResolved) {
			slog.Error("failed to release reservation",
				"request_id", d.requestID,
				"reservation_id", d.reservation.ID,
				"error", err,
			)
		}
	}()

	var assistant strings.Builder
	relayed := false

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			slog.Info("retrying provider dispatch", "request_id", d.requestID, "attempt", attempt+1)
		}

		result, reported := o.relay(ctx, d, events, &assistant, &relayed)
		switch result {
		case outcomeDone:
			resolved = o.finish(ctx, d, events, reported, assistant.String(), span)
			return
		case outcomeCancelled:
			o.fail(ctx, d, events, span, domain.ErrKindCancelled, "request cancelled")
			return
		case outcomeRetryable:
			if !relayed && attempt == 0 {
				continue
			}
			o.fail(ctx, d, events, span, domain.ErrKindProviderTransport, "provider transport failure")
			return
		case outcomeRejected:
			o.fail(ctx, d, events, span, domain.ErrKindProviderRejected, "provider rejected request")
			return
		}
	}

	o.fail(ctx, d, events, span, domain.ErrKindProviderTransport, "provider transport failure")
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeCancelled
	outcomeRetryable
	outcomeRejected
)

// relay runs one dispatch attempt against the provider and forwards content
// chunks. It reports how the attempt ended and, on success, the provider's
// reported usage.
func (o *Orchestrator) relay(ctx context.Context, d *dispatched, events chan Event, assistant *strings.Builder, relayed *bool) (outcome, domain.TokenUsage) {
	stream, err := d.adapter.Stream(ctx, d.req, d.modelCfg)
	if err != nil {
		return o.classify(ctx, d, err), domain.TokenUsage{}
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err != nil {
			// io.EOF before a terminal chunk means the provider hung up.
			return o.classify(ctx, d, fmt.Errorf("%w: stream ended without terminal chunk", domain.ErrProviderTransport)), domain.TokenUsage{}
		}

		switch {
		case chunk.Err != nil:
			return o.classify(ctx, d, chunk.Err), domain.TokenUsage{}

		case chunk.Done != nil:
			d.breaker.RecordSuccess(ctx)
			return outcomeDone, *chunk.Done

		default:
			select {
			case events <- Event{Content: chunk.Content}:
				*relayed = true
				assistant.WriteString(chunk.Content)
			case <-ctx.Done():
				return outcomeCancelled, domain.TokenUsage{}
			}
		}
	}
}

// classify maps a dispatch-phase error to an attempt outcome and feeds the
// circuit breaker. Client cancellation takes precedence: an adapter surfaces
// a dead context as a transport error, which must not count against the
// provider's health or trigger a retry.
func (o *Orchestrator) classify(ctx context.Context, d *dispatched, err error) outcome {
	if ctx.Err() != nil {
		return outcomeCancelled
	}

	kind := domain.KindOf(err)
	metrics.RecordProviderError(string(d.modelCfg.Provider), string(kind))
	slog.Warn("provider stream failed",
		"request_id", d.requestID,
		"model_config_id", d.modelCfg.ID,
		"kind", kind,
		"error", err,
	)

	if kind == domain.ErrKindProviderRejected {
		return outcomeRejected
	}
	d.breaker.RecordFailure(ctx)
	return outcomeRetryable
}

// finish commits the reconciled cost, persists the conversation, emits the
// usage event, and sends the terminal Done event. All bookkeeping runs on a
// background context: a client that disconnects right at the end must not
// be able to skip the commit. Returns whether the reservation was resolved;
// a failed commit leaves it reserved and the caller's backstop releases it.
func (o *Orchestrator) finish(ctx context.Context, d *dispatched, events chan Event, reported domain.TokenUsage, assistantContent string, span trace.Span) bool {
	final := o.deps.Estimator.Reconcile(reported, d.modelCfg)

	resolved := true
	if err := o.deps.Ledger.Commit(context.Background(), d.reservation, final.CostUSD); err != nil {
		resolved = errors.Is(err, domain.ErrReservationResolved)
		slog.Error("failed to commit reservation",
			"request_id", d.requestID,
			"reservation_id", d.reservation.ID,
			"error", err,
		)
	}

	conversationID := d.req.ConversationID
	result, err := o.deps.Conversations.Save(context.Background(), conversation.SaveRequest{
		ConversationID: d.req.ConversationID,
		UserID:         d.principal.UserID,
		ModelConfigID:  d.modelCfg.ID,
		Messages:       messagesForSave(d.req, assistantContent),
		StoredCount:    d.storedCount,
	})
	if err != nil {
		// The response already streamed; losing the transcript is logged,
		// not surfaced.
		slog.Error("failed to persist conversation",
			"request_id", d.requestID,
			"conversation_id", d.req.ConversationID,
			"error", err,
		)
	} else {
		conversationID = result.ConversationID
	}

	telemetry.AddTokenAttributes(span, final.InputTokens, final.OutputTokens)
	telemetry.AddCostAttribute(span, final.CostUSD)

	deptID := d.principal.DepartmentID
	providerName := string(d.modelCfg.Provider)
	elapsed := time.Since(d.started)
	metrics.RecordRequest(deptID, providerName, d.modelCfg.ModelName, "success", elapsed.Seconds())
	metrics.RecordTokens(deptID, providerName, d.modelCfg.ModelName, final.InputTokens, final.OutputTokens)
	metrics.RecordCost(deptID, providerName, d.modelCfg.ModelName, final.CostUSD)

	o.emitEvent(d.requestID, d.principal, d.modelCfg, final, d.started, domain.ErrKindNone)

	slog.Info("stream completed",
		"request_id", d.requestID,
		"trace_id", telemetry.GetTraceID(ctx),
		"department_id", deptID,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"cost_usd", final.CostUSD,
		"latency_ms", elapsed.Milliseconds(),
	)

	select {
	case events <- Event{Done: &Completion{
		InputTokens:    final.InputTokens,
		OutputTokens:   final.OutputTokens,
		CostUSD:        final.CostUSD,
		ConversationID: conversationID,
	}}:
	case <-ctx.Done():
	}

	return resolved
}

// messagesForSave builds the transcript to persist: the request history with
// its attachments pinned to the user message that carried them, plus the
// streamed assistant reply.
func messagesForSave(req domain.ChatRequest, assistantContent string) []domain.Message {
	msgs := append([]domain.Message{}, req.Messages...)
	if len(req.AttachmentIDs) > 0 {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == domain.RoleUser {
				msgs[i].AttachmentIDs = req.AttachmentIDs
				break
			}
		}
	}
	return append(msgs, domain.Message{Role: domain.RoleAssistant, Content: assistantContent})
}

// fail emits the terminal error event and usage record. The deferred
// backstop in run releases the reservation.
func (o *Orchestrator) fail(ctx context.Context, d *dispatched, events chan Event, span trace.Span, kind domain.ErrorKind, message string) {
	telemetry.AddErrorAttribute(span, errors.New(message))

	metrics.RecordRequest(d.principal.DepartmentID, string(d.modelCfg.Provider), d.modelCfg.ModelName, string(kind), time.Since(d.started).Seconds())
	o.emitEvent(d.requestID, d.principal, d.modelCfg, domain.TokenUsage{}, d.started, kind)

	ev := Event{Err: &StreamError{Kind: kind, Message: message, Retryable: kind.Retryable()}}

	// A stream timeout leaves the consumer alive even though ctx is done, so
	// prefer delivering the terminal event; give up only when the consumer
	// has stopped draining.
	select {
	case events <- ev:
	default:
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
}

// emitEvent appends one usage record. Sink failures are logged; accounting
// loss must not affect the client-visible outcome.
func (o *Orchestrator) emitEvent(requestID string, principal domain.Principal, modelCfg *domain.ModelConfig, u domain.TokenUsage, started time.Time, kind domain.ErrorKind) {
	event := domain.UsageEvent{
		ID:            uuid.New().String(),
		RequestID:     requestID,
		UserID:        principal.UserID,
		DepartmentID:  principal.DepartmentID,
		ModelConfigID: modelCfg.ID,
		Model:         modelCfg.ModelName,
		Provider:      modelCfg.Provider,
		InputTokens:   u.InputTokens,
		OutputTokens:  u.OutputTokens,
		CostUSD:       u.CostUSD,
		LatencyMs:     time.Since(started).Milliseconds(),
		Success:       kind == domain.ErrKindNone,
		ErrorKind:     kind,
		CreatedAt:     time.Now().UTC(),
	}
	if err := o.deps.Usage.Append(context.Background(), event); err != nil {
		slog.Error("failed to append usage event", "request_id", requestID, "error", err)
	}
}
