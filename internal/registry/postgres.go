package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"deptgate/internal/domain"
)

// PostgresConfigStore reads model configs from the administrative database.
type PostgresConfigStore struct {
	db *sql.DB
}

func NewPostgresConfigStore(db *sql.DB) *PostgresConfigStore {
	return &PostgresConfigStore{db: db}
}

const configColumns = `id, name, provider, model_name, endpoint, credential_ref,
	input_per_1k, output_per_1k, max_tokens, streaming_supported, enabled, created_at, updated_at`

func (s *PostgresConfigStore) GetModelConfig(ctx context.Context, id string) (*domain.ModelConfig, error) {
	query := `SELECT ` + configColumns + ` FROM model_configs WHERE id = $1`

	cfg, err := scanConfig(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query model config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresConfigStore) ListModelConfigs(ctx context.Context) ([]*domain.ModelConfig, error) {
	query := `SELECT ` + configColumns + ` FROM model_configs ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query model configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.ModelConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *PostgresConfigStore) Put(ctx context.Context, cfg *domain.ModelConfig) error {
	query := `
		INSERT INTO model_configs (` + configColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, provider = EXCLUDED.provider,
			model_name = EXCLUDED.model_name, endpoint = EXCLUDED.endpoint,
			credential_ref = EXCLUDED.credential_ref,
			input_per_1k = EXCLUDED.input_per_1k, output_per_1k = EXCLUDED.output_per_1k,
			max_tokens = EXCLUDED.max_tokens,
			streaming_supported = EXCLUDED.streaming_supported,
			enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, query,
		cfg.ID,
		cfg.Name,
		string(cfg.Provider),
		cfg.ModelName,
		cfg.Endpoint,
		cfg.CredentialRef,
		cfg.InputPer1K,
		cfg.OutputPer1K,
		cfg.MaxTokens,
		cfg.StreamingSupported,
		cfg.Enabled,
		createdAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert model config: %w", err)
	}
	return nil
}

func (s *PostgresConfigStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM model_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete model config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete model config: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfigNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*domain.ModelConfig, error) {
	var cfg domain.ModelConfig
	var providerName string

	err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&providerName,
		&cfg.ModelName,
		&cfg.Endpoint,
		&cfg.CredentialRef,
		&cfg.InputPer1K,
		&cfg.OutputPer1K,
		&cfg.MaxTokens,
		&cfg.StreamingSupported,
		&cfg.Enabled,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.Provider = domain.Provider(providerName)
	return &cfg, nil
}
