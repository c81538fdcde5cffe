// Package alert watches department budget consumption and raises threshold
// notifications as spend crosses the warning, critical, and exceeded levels.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"deptgate/internal/domain"
	"deptgate/internal/quota"
)

type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelExceeded Level = "exceeded"
)

type Alert struct {
	DepartmentID string
	Level        Level
	BudgetUSD    float64
	CurrentUSD   float64
	Percentage   float64
	Timestamp    time.Time
}

type Handler func(alert Alert)

// Snapshotter reports a department's spend within the current period.
// Both quota ledger backends provide it.
type Snapshotter interface {
	Snapshot(ctx context.Context, departmentID string) (*quota.Snapshot, error)
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor compares committed spend against the monthly budget and fires
// handlers when a department crosses a threshold it has not already been
// alerted at.
type Monitor struct {
	mu         sync.Mutex
	ledger     Snapshotter
	dedup      Deduplicator
	thresholds Thresholds
	handlers   []Handler
}

func NewMonitor(ledger Snapshotter, dedup Deduplicator, thresholds Thresholds) *Monitor {
	return &Monitor{
		ledger:     ledger,
		dedup:      dedup,
		thresholds: thresholds,
		handlers:   make([]Handler, 0),
	}
}

func (m *Monitor) OnAlert(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Check evaluates the department's current position. Returns the alert that
// was dispatched, or nil when no threshold is crossed or the alert was
// already sent at this level.
func (m *Monitor) Check(ctx context.Context, dept *domain.Department) (*Alert, error) {
	if dept.MonthlyBudgetUSD <= 0 {
		return nil, nil
	}

	snap, err := m.ledger.Snapshot(ctx, dept.ID)
	if err != nil {
		return nil, err
	}

	percentage := snap.CommittedUSD / dept.MonthlyBudgetUSD

	var level Level
	switch {
	case snap.OverBudget || percentage >= 1.0:
		level = LevelExceeded
	case percentage >= m.thresholds.Critical:
		level = LevelCritical
	case percentage >= m.thresholds.Warning:
		level = LevelWarning
	default:
		m.dedup.ClearAlert(ctx, dept.ID)
		return nil, nil
	}

	if !m.dedup.ShouldAlert(ctx, dept.ID, level) {
		return nil, nil
	}

	alert := &Alert{
		DepartmentID: dept.ID,
		Level:        level,
		BudgetUSD:    dept.MonthlyBudgetUSD,
		CurrentUSD:   snap.CommittedUSD,
		Percentage:   percentage * 100,
		Timestamp:    time.Now(),
	}

	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

func LogHandler(alert Alert) {
	slog.Warn("budget alert",
		"department_id", alert.DepartmentID,
		"level", alert.Level,
		"budget_usd", alert.BudgetUSD,
		"current_usd", alert.CurrentUSD,
		"percentage", alert.Percentage,
	)
}
