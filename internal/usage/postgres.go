package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"deptgate/internal/domain"
)

type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Append(ctx context.Context, event domain.UsageEvent) error {
	query := `
		INSERT INTO usage_events (id, request_id, user_id, department_id, model_config_id, model, provider,
		                          input_tokens, output_tokens, cost_usd, latency_ms, success, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RequestID,
		event.UserID,
		event.DepartmentID,
		event.ModelConfigID,
		event.Model,
		string(event.Provider),
		event.InputTokens,
		event.OutputTokens,
		event.CostUSD,
		event.LatencyMs,
		event.Success,
		string(event.ErrorKind),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// DepartmentTotalCost sums event cost for a department since a point in
// time. The admin API uses it to report spend alongside the ledger snapshot.
func (s *PostgresSink) DepartmentTotalCost(ctx context.Context, departmentID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_events
		WHERE department_id = $1 AND created_at >= $2
	`

	var total float64
	if err := s.db.QueryRowContext(ctx, query, departmentID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query department cost: %w", err)
	}
	return total, nil
}
