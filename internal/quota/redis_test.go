package quota

import (
	"testing"
	"time"
)

func TestRedisLedger_DeptKeyAddressesReservationPeriod(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 5, 0, time.UTC)
	ledger := &RedisLedger{now: func() time.Time { return now }}

	// A hold taken just before midnight on January 31 must settle against
	// January's key even though the clock has rolled into February.
	createdAt := time.Date(2026, 1, 31, 23, 59, 58, 0, time.UTC)

	if got, want := ledger.deptKey("eng", createdAt), "quota:dept:eng:2026-01"; got != want {
		t.Errorf("deptKey(createdAt) = %q, want %q", got, want)
	}
	if got, want := ledger.deptKey("eng", now), "quota:dept:eng:2026-02"; got != want {
		t.Errorf("deptKey(now) = %q, want %q", got, want)
	}
}
