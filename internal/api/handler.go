package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deptgate/internal/circuitbreaker"
	"deptgate/internal/domain"
	"deptgate/internal/gateway"
)

type HandlerConfig struct {
	Orchestrator *gateway.Orchestrator
	Breakers     *circuitbreaker.Manager
}

// Handler serves the streaming chat endpoint. Authentication happens
// upstream; the handler trusts the identity headers the auth proxy injects.
type Handler struct {
	orchestrator *gateway.Orchestrator
	breakers     *circuitbreaker.Manager
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		orchestrator: cfg.Orchestrator,
		breakers:     cfg.Breakers,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/stream", h.handleChatStream)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	principal := extractPrincipal(r)
	if principal.UserID == "" || principal.DepartmentID == "" {
		writeError(w, http.StatusUnauthorized, "missing identity headers")
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	events, err := h.orchestrator.Stream(ctx, principal, req)
	if err != nil {
		var limited *gateway.RateLimitedError
		if errors.As(err, &limited) {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limited.Limit))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", limited.ResetAt.Format(time.RFC3339))
		}
		status, message := admissionStatus(err)
		slog.Warn("request rejected at admission",
			"department_id", principal.DepartmentID,
			"status", status,
			"error", err,
		)
		writeError(w, status, message)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Terminal event already written, or the stream was torn
				// down without one (cancelled client).
				slog.Info("streaming request finished",
					"department_id", principal.DepartmentID,
					"latency_ms", time.Since(start).Milliseconds(),
				)
				return
			}

			switch {
			case ev.Done != nil:
				writeSSE(w, flusher, map[string]any{
					"done":            true,
					"input_tokens":    ev.Done.InputTokens,
					"output_tokens":   ev.Done.OutputTokens,
					"cost_usd":        ev.Done.CostUSD,
					"conversation_id": ev.Done.ConversationID,
				})
				w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()
				return

			case ev.Err != nil:
				writeSSE(w, flusher, map[string]any{
					"error": map[string]any{
						"kind":      ev.Err.Kind,
						"message":   ev.Err.Message,
						"retryable": ev.Err.Retryable,
					},
				})
				return

			default:
				writeSSE(w, flusher, map[string]any{"content": ev.Content})
			}

		case <-ctx.Done():
			// The orchestrator observes the same context and resolves the
			// reservation; nothing left to write to a gone client.
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write([]byte("data: " + string(data) + "\n\n"))
	flusher.Flush()
}

// admissionStatus maps a synchronous admission failure to an HTTP status.
func admissionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "department budget exhausted"
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, domain.ErrConfigNotFound), errors.Is(err, domain.ErrConversationNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrDepartmentNotFound):
		return http.StatusForbidden, "unknown department"
	case errors.Is(err, domain.ErrProviderUnsupported):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "provider temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":           "healthy",
		"version":          "0.1.0",
		"circuit_breakers": h.breakers.States(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// extractPrincipal reads the identity the auth proxy attached upstream.
func extractPrincipal(r *http.Request) domain.Principal {
	return domain.Principal{
		UserID:       r.Header.Get("X-User-ID"),
		DepartmentID: r.Header.Get("X-Department-ID"),
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
