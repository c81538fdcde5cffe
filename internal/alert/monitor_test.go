package alert

import (
	"context"
	"testing"

	"deptgate/internal/domain"
	"deptgate/internal/quota"
)

func setupMonitor(t *testing.T, budgetUSD float64) (*Monitor, *quota.MemoryLedger, *domain.Department) {
	t.Helper()

	dept := &domain.Department{ID: "dept-eng", Name: "Engineering", MonthlyBudgetUSD: budgetUSD}
	deps := quota.NewInMemoryDepartmentStore()
	deps.Put(dept)
	ledger := quota.NewMemoryLedger(deps)

	m := NewMonitor(ledger, NewInMemoryDeduplicator(), DefaultThresholds())
	return m, ledger, dept
}

func spend(t *testing.T, ledger *quota.MemoryLedger, departmentID string, amountUSD float64) {
	t.Helper()
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, departmentID, 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.Commit(ctx, res, amountUSD); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestMonitor_NoAlertBelowWarning(t *testing.T) {
	m, ledger, dept := setupMonitor(t, 100)
	spend(t, ledger, dept.ID, 50)

	alert, err := m.Check(context.Background(), dept)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert != nil {
		t.Errorf("expected no alert at 50%%, got %v", alert.Level)
	}
}

func TestMonitor_WarningThreshold(t *testing.T) {
	m, ledger, dept := setupMonitor(t, 100)
	spend(t, ledger, dept.ID, 85)

	alert, err := m.Check(context.Background(), dept)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert == nil {
		t.Fatal("expected warning alert at 85%")
	}
	if alert.Level != LevelWarning {
		t.Errorf("Level = %v, want %v", alert.Level, LevelWarning)
	}
	if alert.CurrentUSD != 85 {
		t.Errorf("CurrentUSD = %v, want 85", alert.CurrentUSD)
	}
}

func TestMonitor_ExceededThreshold(t *testing.T) {
	m, ledger, dept := setupMonitor(t, 100)
	spend(t, ledger, dept.ID, 120)

	alert, err := m.Check(context.Background(), dept)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert == nil {
		t.Fatal("expected exceeded alert")
	}
	if alert.Level != LevelExceeded {
		t.Errorf("Level = %v, want %v", alert.Level, LevelExceeded)
	}
}

func TestMonitor_DeduplicatesSameLevel(t *testing.T) {
	m, ledger, dept := setupMonitor(t, 100)
	spend(t, ledger, dept.ID, 85)

	first, _ := m.Check(context.Background(), dept)
	if first == nil {
		t.Fatal("expected first alert")
	}

	second, _ := m.Check(context.Background(), dept)
	if second != nil {
		t.Error("expected no repeat alert at the same level")
	}
}

func TestMonitor_EscalatesLevel(t *testing.T) {
	m, ledger, dept := setupMonitor(t, 100)
	spend(t, ledger, dept.ID, 85)

	if alert, _ := m.Check(context.Background(), dept); alert == nil || alert.Level != LevelWarning {
		t.Fatalf("expected warning alert first, got %v", alert)
	}

	spend(t, ledger, dept.ID, 11)

	alert, _ := m.Check(context.Background(), dept)
	if alert == nil {
		t.Fatal("expected critical alert after escalation")
	}
	if alert.Level != LevelCritical {
		t.Errorf("Level = %v, want %v", alert.Level, LevelCritical)
	}
}

func TestMonitor_HandlersReceiveAlert(t *testing.T) {
	m, ledger, dept := setupMonitor(t, 100)
	spend(t, ledger, dept.ID, 96)

	var got []Alert
	m.OnAlert(func(a Alert) { got = append(got, a) })

	m.Check(context.Background(), dept)

	if len(got) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(got))
	}
	if got[0].Level != LevelCritical {
		t.Errorf("Level = %v, want %v", got[0].Level, LevelCritical)
	}
}

func TestMonitor_ZeroBudgetSkipped(t *testing.T) {
	m, _, dept := setupMonitor(t, 0)

	alert, err := m.Check(context.Background(), dept)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert != nil {
		t.Error("expected no alert for department without a budget")
	}
}

func TestNotifyHandler_SendsNotification(t *testing.T) {
	m, ledger, dept := setupMonitor(t, 100)
	spend(t, ledger, dept.ID, 120)

	notifier := NewInMemoryNotifier()
	m.OnAlert(NotifyHandler(notifier))

	m.Check(context.Background(), dept)

	sent := notifier.Notifications()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if sent[0].Type != "budget_exceeded" {
		t.Errorf("Type = %q, want %q", sent[0].Type, "budget_exceeded")
	}
	if sent[0].DepartmentID != dept.ID {
		t.Errorf("DepartmentID = %q, want %q", sent[0].DepartmentID, dept.ID)
	}
}
