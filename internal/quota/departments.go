package quota

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"deptgate/internal/domain"
)

type InMemoryDepartmentStore struct {
	mu          sync.RWMutex
	departments map[string]*domain.Department
}

func NewInMemoryDepartmentStore() *InMemoryDepartmentStore {
	return &InMemoryDepartmentStore{
		departments: make(map[string]*domain.Department),
	}
}

func (s *InMemoryDepartmentStore) GetDepartment(ctx context.Context, id string) (*domain.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dept, ok := s.departments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDepartmentNotFound, id)
	}
	copied := *dept
	return &copied, nil
}

func (s *InMemoryDepartmentStore) ListDepartments(ctx context.Context) ([]*domain.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depts := make([]*domain.Department, 0, len(s.departments))
	for _, dept := range s.departments {
		copied := *dept
		depts = append(depts, &copied)
	}
	return depts, nil
}

func (s *InMemoryDepartmentStore) Put(dept *domain.Department) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *dept
	s.departments[copied.ID] = &copied
}

type PostgresDepartmentStore struct {
	db *sql.DB
}

func NewPostgresDepartmentStore(db *sql.DB) *PostgresDepartmentStore {
	return &PostgresDepartmentStore{db: db}
}

func (s *PostgresDepartmentStore) GetDepartment(ctx context.Context, id string) (*domain.Department, error) {
	query := `
		SELECT id, name, monthly_budget_usd, requests_per_min, created_at, updated_at
		FROM departments
		WHERE id = $1
	`

	var dept domain.Department
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&dept.ID,
		&dept.Name,
		&dept.MonthlyBudgetUSD,
		&dept.RequestsPerMin,
		&dept.CreatedAt,
		&dept.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrDepartmentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query department: %w", err)
	}

	return &dept, nil
}

func (s *PostgresDepartmentStore) ListDepartments(ctx context.Context) ([]*domain.Department, error) {
	query := `
		SELECT id, name, monthly_budget_usd, requests_per_min, created_at, updated_at
		FROM departments
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query departments: %w", err)
	}
	defer rows.Close()

	var depts []*domain.Department
	for rows.Next() {
		var dept domain.Department
		err := rows.Scan(
			&dept.ID,
			&dept.Name,
			&dept.MonthlyBudgetUSD,
			&dept.RequestsPerMin,
			&dept.CreatedAt,
			&dept.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		depts = append(depts, &dept)
	}
	return depts, rows.Err()
}
