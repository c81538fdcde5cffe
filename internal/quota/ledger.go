// Package quota tracks department budget consumption over a rolling monthly
// period and enforces admission control through reserve/commit/release.
//
// Reserve places a provisional hold against the remaining budget before any
// provider call is made. Commit replaces the hold with the reconciled actual
// cost once the stream completes; Release refunds it when the call failed
// before producing usage. All three are linearizable per department: an
// in-memory ledger serializes on a per-department lock, the Redis ledger on
// Lua scripts.
package quota

import (
	"context"
	"time"

	"deptgate/internal/domain"
)

type Ledger interface {
	// Reserve places a hold of amount against the department's remaining
	// budget. Returns domain.ErrQuotaExceeded when the remaining budget
	// cannot cover the amount or the department is flagged over budget.
	Reserve(ctx context.Context, departmentID string, amountUSD float64) (*domain.Reservation, error)

	// Commit resolves a reservation with the actual cost. The actual is
	// applied to the consumed total even when it exceeds the hold; going
	// over the hard limit flags the department so future reserves fail.
	Commit(ctx context.Context, res *domain.Reservation, actualUSD float64) error

	// Release resolves a reservation by refunding the full held amount.
	Release(ctx context.Context, res *domain.Reservation) error
}

// DepartmentStore supplies budget limits. Persistence of department records
// is owned elsewhere; the ledger only reads them.
type DepartmentStore interface {
	GetDepartment(ctx context.Context, id string) (*domain.Department, error)
}

// Snapshot reports a department's position within the current period.
type Snapshot struct {
	DepartmentID string    `json:"department_id"`
	LimitUSD     float64   `json:"limit_usd"`
	CommittedUSD float64   `json:"committed_usd"`
	ReservedUSD  float64   `json:"reserved_usd"`
	AvailableUSD float64   `json:"available_usd"`
	OverBudget   bool      `json:"over_budget"`
	PeriodStart  time.Time `json:"period_start"`
}

// periodStart truncates to the start of the current calendar month in UTC.
func periodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
