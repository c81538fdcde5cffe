//go:build integration

package quota

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"deptgate/internal/domain"
)

func getTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("failed to parse REDIS_URL: %v", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return client
}

func TestRedisLedger_ReserveCommitRelease(t *testing.T) {
	client := getTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	deptID := "it-" + uuid.New().String()
	deps := NewInMemoryDepartmentStore()
	deps.Put(&domain.Department{ID: deptID, Name: "Integration", MonthlyBudgetUSD: 10})

	ledger := NewRedisLedgerWithClient(client, deps)

	res, err := ledger.Reserve(ctx, deptID, 2.0)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := ledger.Commit(ctx, res, 1.5); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	snap, err := ledger.Snapshot(ctx, deptID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.CommittedUSD != 1.5 {
		t.Errorf("CommittedUSD = %v, want 1.5", snap.CommittedUSD)
	}
	if snap.ReservedUSD != 0 {
		t.Errorf("ReservedUSD = %v, want 0", snap.ReservedUSD)
	}

	res2, err := ledger.Reserve(ctx, deptID, 3.0)
	if err != nil {
		t.Fatalf("second Reserve() error = %v", err)
	}
	if err := ledger.Release(ctx, res2); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := ledger.Release(ctx, res2); err != domain.ErrReservationResolved {
		t.Errorf("second Release() error = %v, want ErrReservationResolved", err)
	}

	snap, _ = ledger.Snapshot(ctx, deptID)
	if snap.ReservedUSD != 0 {
		t.Errorf("ReservedUSD after release = %v, want 0", snap.ReservedUSD)
	}
}

func TestRedisLedger_CommitAcrossPeriodRollover(t *testing.T) {
	client := getTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	deptID := "it-" + uuid.New().String()
	deps := NewInMemoryDepartmentStore()
	deps.Put(&domain.Department{ID: deptID, Name: "Integration", MonthlyBudgetUSD: 10})

	ledger := NewRedisLedgerWithClient(client, deps)

	now := time.Date(2026, 1, 31, 23, 59, 58, 0, time.UTC)
	ledger.now = func() time.Time { return now }

	res, err := ledger.Reserve(ctx, deptID, 2.0)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	// The stream finishes after midnight; the hold settles into January,
	// not February.
	now = time.Date(2026, 2, 1, 0, 0, 5, 0, time.UTC)

	if err := ledger.Commit(ctx, res, 1.5); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	snap, err := ledger.Snapshot(ctx, deptID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.CommittedUSD != 0 || snap.ReservedUSD != 0 {
		t.Errorf("february snapshot = committed %v reserved %v, want 0/0", snap.CommittedUSD, snap.ReservedUSD)
	}

	january, err := client.HGetAll(ctx, ledger.deptKey(deptID, res.CreatedAt)).Result()
	if err != nil {
		t.Fatalf("read january key: %v", err)
	}
	if got := parseAmount(january["committed"]); got != 1.5 {
		t.Errorf("january committed = %v, want 1.5", got)
	}
	if got := parseAmount(january["reserved"]); got != 0 {
		t.Errorf("january reserved = %v, want 0", got)
	}
}
