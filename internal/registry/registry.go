// Package registry maps model configurations to bound adapter instances.
// Adapters are cached per config revision; an administrative edit bumps the
// config's UpdatedAt and the stale binding is rebuilt on the next resolve.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"deptgate/internal/crypto"
	"deptgate/internal/domain"
	"deptgate/internal/provider"
	"deptgate/internal/secrets"
)

// ConfigStore reads model configurations. The gateway never writes through
// this interface except on the admin path.
type ConfigStore interface {
	GetModelConfig(ctx context.Context, id string) (*domain.ModelConfig, error)
	ListModelConfigs(ctx context.Context) ([]*domain.ModelConfig, error)
}

// Factory builds an adapter bound to one model config, given the resolved
// credential material.
type Factory func(cfg *domain.ModelConfig, credential string) (provider.Adapter, error)

type Registry struct {
	store     ConfigStore
	resolver  secrets.Resolver
	encryptor *crypto.Encryptor
	factories map[domain.Provider]Factory

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	adapter   provider.Adapter
	updatedAt time.Time
}

func New(store ConfigStore, resolver secrets.Resolver, encryptor *crypto.Encryptor, factories map[domain.Provider]Factory) *Registry {
	return &Registry{
		store:     store,
		resolver:  resolver,
		encryptor: encryptor,
		factories: factories,
		cache:     make(map[string]cacheEntry),
	}
}

// Config returns the enabled model configuration without binding an adapter.
// Admission checks that only need pricing and capability flags use this so
// credential resolution is deferred until the request is actually dispatched.
func (r *Registry) Config(ctx context.Context, configID string) (*domain.ModelConfig, error) {
	cfg, err := r.store.GetModelConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", domain.ErrConfigNotFound, configID)
	}
	return cfg, nil
}

// Resolve returns the adapter bound to the given model config. The config is
// always read fresh; only the adapter binding is cached, keyed on the
// config's revision, so administrative edits take effect without a restart.
func (r *Registry) Resolve(ctx context.Context, configID string) (provider.Adapter, *domain.ModelConfig, error) {
	cfg, err := r.Config(ctx, configID)
	if err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	entry, ok := r.cache[configID]
	r.mu.RUnlock()
	if ok && entry.updatedAt.Equal(cfg.UpdatedAt) {
		return entry.adapter, cfg, nil
	}

	factory, ok := r.factories[cfg.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrProviderUnsupported, cfg.Provider)
	}

	credential, err := r.credentialFor(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve credential for %s: %w", configID, err)
	}

	adapter, err := factory(cfg, credential)
	if err != nil {
		return nil, nil, fmt.Errorf("bind adapter for %s: %w", configID, err)
	}

	r.mu.Lock()
	r.cache[configID] = cacheEntry{adapter: adapter, updatedAt: cfg.UpdatedAt}
	r.mu.Unlock()

	return adapter, cfg, nil
}

// credentialFor decrypts an enc: reference first, then resolves whatever
// scheme remains (env:, aws-sm:, or literal material).
func (r *Registry) credentialFor(ctx context.Context, cfg *domain.ModelConfig) (string, error) {
	ref := cfg.CredentialRef
	if strings.HasPrefix(ref, "enc:") {
		if r.encryptor == nil {
			return "", fmt.Errorf("encrypted credential but no encryption key configured")
		}
		plain, err := r.encryptor.Decrypt(strings.TrimPrefix(ref, "enc:"))
		if err != nil {
			return "", fmt.Errorf("decrypt credential: %w", err)
		}
		ref = plain
	}
	if r.resolver == nil {
		return ref, nil
	}
	return r.resolver.Resolve(ctx, ref)
}

// Invalidate drops the cached binding for one config.
func (r *Registry) Invalidate(configID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, configID)
}

// InvalidateAll drops every cached binding.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}
