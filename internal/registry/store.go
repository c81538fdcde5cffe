package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deptgate/internal/domain"
)

// InMemoryConfigStore holds model configs in memory. Used in tests and for
// bootstrap configs loaded from the environment.
type InMemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]*domain.ModelConfig
}

func NewInMemoryConfigStore() *InMemoryConfigStore {
	return &InMemoryConfigStore{
		configs: make(map[string]*domain.ModelConfig),
	}
}

func (s *InMemoryConfigStore) GetModelConfig(ctx context.Context, id string) (*domain.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, id)
	}
	copied := *cfg
	return &copied, nil
}

func (s *InMemoryConfigStore) ListModelConfigs(ctx context.Context) ([]*domain.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	configs := make([]*domain.ModelConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		copied := *cfg
		configs = append(configs, &copied)
	}
	return configs, nil
}

// Put inserts or replaces a config, bumping UpdatedAt so cached adapter
// bindings are rebuilt.
func (s *InMemoryConfigStore) Put(ctx context.Context, cfg *domain.ModelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *cfg
	now := time.Now()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now
	s.configs[copied.ID] = &copied
	return nil
}

func (s *InMemoryConfigStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrConfigNotFound, id)
	}
	delete(s.configs, id)
	return nil
}
