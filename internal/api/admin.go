package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"deptgate/internal/domain"
	"deptgate/internal/quota"
	"deptgate/internal/registry"
)

// WritableConfigStore is the admin-side view of the model config store.
type WritableConfigStore interface {
	registry.ConfigStore
	Put(ctx context.Context, cfg *domain.ModelConfig) error
	Delete(ctx context.Context, id string) error
}

// QuotaReader exposes department budget snapshots. Both ledger backends
// implement it.
type QuotaReader interface {
	Snapshot(ctx context.Context, departmentID string) (*quota.Snapshot, error)
}

// AdminHandler manages model configurations and exposes budget positions.
// It binds to a separate listener so the admin surface is never reachable
// through the user-facing port.
type AdminHandler struct {
	configs  WritableConfigStore
	registry *registry.Registry
	quotas   QuotaReader
	mux      *http.ServeMux
}

func NewAdminHandler(configs WritableConfigStore, reg *registry.Registry, quotas QuotaReader) *AdminHandler {
	h := &AdminHandler{
		configs:  configs,
		registry: reg,
		quotas:   quotas,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/models", h.listModels)
	h.mux.HandleFunc("POST /admin/models", h.upsertModel)
	h.mux.HandleFunc("GET /admin/models/{id}", h.getModel)
	h.mux.HandleFunc("DELETE /admin/models/{id}", h.deleteModel)
	h.mux.HandleFunc("GET /admin/departments/{id}/quota", h.departmentQuota)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listModels(w http.ResponseWriter, r *http.Request) {
	configs, err := h.configs.ListModelConfigs(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list model configs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"models": toModelViews(configs),
		"count":  len(configs),
	})
}

func (h *AdminHandler) upsertModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpsertModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" || req.Provider == "" || req.ModelName == "" {
		writeAdminError(w, http.StatusBadRequest, "name, provider and model_name are required")
		return
	}

	cfg := &domain.ModelConfig{
		ID:                 req.ID,
		Name:               req.Name,
		Provider:           domain.Provider(req.Provider),
		ModelName:          req.ModelName,
		Endpoint:           req.Endpoint,
		CredentialRef:      req.CredentialRef,
		InputPer1K:         req.InputPer1K,
		OutputPer1K:        req.OutputPer1K,
		MaxTokens:          req.MaxTokens,
		StreamingSupported: req.StreamingSupported,
		Enabled:            req.Enabled,
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	if err := h.configs.Put(ctx, cfg); err != nil {
		slog.Error("failed to upsert model config", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to save model config")
		return
	}

	// In-flight streams keep their binding; new requests pick up the edit.
	h.registry.Invalidate(cfg.ID)

	slog.Info("model config saved", "config_id", cfg.ID, "provider", cfg.Provider)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toModelView(cfg))
}

func (h *AdminHandler) getModel(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.GetModelConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "model config not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toModelView(cfg))
}

func (h *AdminHandler) deleteModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.configs.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusNotFound, "model config not found")
		return
	}

	h.registry.Invalidate(id)

	slog.Info("model config deleted", "config_id", id)

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) departmentQuota(w http.ResponseWriter, r *http.Request) {
	snap, err := h.quotas.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrDepartmentNotFound) {
			writeAdminError(w, http.StatusNotFound, "department not found")
			return
		}
		slog.Error("failed to read quota snapshot", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read quota")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

type UpsertModelRequest struct {
	ID                 string  `json:"id,omitempty"`
	Name               string  `json:"name"`
	Provider           string  `json:"provider"`
	ModelName          string  `json:"model_name"`
	Endpoint           string  `json:"endpoint,omitempty"`
	CredentialRef      string  `json:"credential_ref,omitempty"`
	InputPer1K         float64 `json:"input_per_1k"`
	OutputPer1K        float64 `json:"output_per_1k"`
	MaxTokens          int     `json:"max_tokens,omitempty"`
	StreamingSupported bool    `json:"streaming_supported"`
	Enabled            bool    `json:"enabled"`
}

// ModelView is the admin response shape. Credential references are masked:
// the admin API never echoes secret material or its location.
type ModelView struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Provider           string  `json:"provider"`
	ModelName          string  `json:"model_name"`
	Endpoint           string  `json:"endpoint,omitempty"`
	HasCredential      bool    `json:"has_credential"`
	InputPer1K         float64 `json:"input_per_1k"`
	OutputPer1K        float64 `json:"output_per_1k"`
	MaxTokens          int     `json:"max_tokens,omitempty"`
	StreamingSupported bool    `json:"streaming_supported"`
	Enabled            bool    `json:"enabled"`
}

func toModelView(cfg *domain.ModelConfig) ModelView {
	return ModelView{
		ID:                 cfg.ID,
		Name:               cfg.Name,
		Provider:           string(cfg.Provider),
		ModelName:          cfg.ModelName,
		Endpoint:           cfg.Endpoint,
		HasCredential:      cfg.CredentialRef != "",
		InputPer1K:         cfg.InputPer1K,
		OutputPer1K:        cfg.OutputPer1K,
		MaxTokens:          cfg.MaxTokens,
		StreamingSupported: cfg.StreamingSupported,
		Enabled:            cfg.Enabled,
	}
}

func toModelViews(configs []*domain.ModelConfig) []ModelView {
	views := make([]ModelView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, toModelView(cfg))
	}
	return views
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
