package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"deptgate/internal/domain"
)

// MemoryLedger keeps per-department accounting in memory. Suitable for a
// single gateway instance; multi-instance deployments use the Redis ledger.
type MemoryLedger struct {
	deps DepartmentStore

	mu     sync.Mutex
	states map[string]*deptState

	now func() time.Time
}

// deptState carries its own lock so departments never contend with each
// other; the outer mutex only guards map access.
type deptState struct {
	mu           sync.Mutex
	periodStart  time.Time
	committed    float64
	reserved     float64
	overBudget   bool
	reservations map[string]*domain.Reservation
}

func NewMemoryLedger(deps DepartmentStore) *MemoryLedger {
	return &MemoryLedger{
		deps:   deps,
		states: make(map[string]*deptState),
		now:    time.Now,
	}
}

func (l *MemoryLedger) state(departmentID string) *deptState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[departmentID]
	if !ok {
		st = &deptState{
			periodStart:  periodStart(l.now()),
			reservations: make(map[string]*domain.Reservation),
		}
		l.states[departmentID] = st
	}
	return st
}

// rollPeriod resets consumption when the calendar month has rolled over.
// Caller holds st.mu.
func (l *MemoryLedger) rollPeriod(st *deptState) {
	current := periodStart(l.now())
	if st.periodStart.Equal(current) {
		return
	}
	st.periodStart = current
	st.committed = 0
	st.reserved = 0
	st.overBudget = false
	st.reservations = make(map[string]*domain.Reservation)
}

func (l *MemoryLedger) Reserve(ctx context.Context, departmentID string, amountUSD float64) (*domain.Reservation, error) {
	if amountUSD < 0 {
		return nil, fmt.Errorf("negative reservation amount %v", amountUSD)
	}

	dept, err := l.deps.GetDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}

	st := l.state(departmentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	l.rollPeriod(st)

	if st.overBudget {
		return nil, fmt.Errorf("%w: department %s is over budget", domain.ErrQuotaExceeded, departmentID)
	}

	available := dept.MonthlyBudgetUSD - st.committed - st.reserved
	if available < amountUSD {
		return nil, fmt.Errorf("%w: available %.4f, requested %.4f", domain.ErrQuotaExceeded, available, amountUSD)
	}

	res := &domain.Reservation{
		ID:           uuid.New().String(),
		DepartmentID: departmentID,
		AmountUSD:    amountUSD,
		State:        domain.ReservationReserved,
		CreatedAt:    l.now(),
	}
	st.reserved += amountUSD
	st.reservations[res.ID] = res

	copied := *res
	return &copied, nil
}

func (l *MemoryLedger) Commit(ctx context.Context, res *domain.Reservation, actualUSD float64) error {
	dept, err := l.deps.GetDepartment(ctx, res.DepartmentID)
	if err != nil {
		return err
	}

	st := l.state(res.DepartmentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	l.rollPeriod(st)

	stored, ok := st.reservations[res.ID]
	if !ok || stored.State != domain.ReservationReserved {
		return domain.ErrReservationResolved
	}

	stored.State = domain.ReservationCommitted
	st.reserved -= stored.AmountUSD
	st.committed += actualUSD
	if st.committed > dept.MonthlyBudgetUSD {
		st.overBudget = true
	}

	res.State = domain.ReservationCommitted
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, res *domain.Reservation) error {
	st := l.state(res.DepartmentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	l.rollPeriod(st)

	stored, ok := st.reservations[res.ID]
	if !ok || stored.State != domain.ReservationReserved {
		return domain.ErrReservationResolved
	}

	stored.State = domain.ReservationReleased
	st.reserved -= stored.AmountUSD

	res.State = domain.ReservationReleased
	return nil
}

// Snapshot reports the department's current position, for the admin API.
func (l *MemoryLedger) Snapshot(ctx context.Context, departmentID string) (*Snapshot, error) {
	dept, err := l.deps.GetDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}

	st := l.state(departmentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	l.rollPeriod(st)

	return &Snapshot{
		DepartmentID: departmentID,
		LimitUSD:     dept.MonthlyBudgetUSD,
		CommittedUSD: st.committed,
		ReservedUSD:  st.reserved,
		AvailableUSD: dept.MonthlyBudgetUSD - st.committed - st.reserved,
		OverBudget:   st.overBudget,
		PeriodStart:  st.periodStart,
	}, nil
}
