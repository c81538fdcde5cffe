package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"deptgate/internal/domain"
)

// RedisLedger shares quota state across gateway instances. Each operation is
// a single Lua script so the read-check-write is atomic; two concurrent
// reserves against a budget large enough for one can never both succeed.
type RedisLedger struct {
	client *redis.Client
	deps   DepartmentStore
	now    func() time.Time
}

// Keys expire well past the period boundary; a new month uses new keys.
const keyTTL = 40 * 24 * time.Hour

var reserveScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])

if redis.call('HGET', KEYS[1], 'over_budget') == '1' then
	return 0
end
local committed = tonumber(redis.call('HGET', KEYS[1], 'committed') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
if limit - committed - reserved < amount then
	return 0
end

redis.call('HINCRBYFLOAT', KEYS[1], 'reserved', amount)
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('HSET', KEYS[2], 'department', ARGV[3], 'amount', ARGV[2], 'state', 'reserved')
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`)

var commitScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[2], 'state')
if state ~= 'reserved' then
	return 0
end
local amount = tonumber(redis.call('HGET', KEYS[2], 'amount'))

redis.call('HSET', KEYS[2], 'state', 'committed')
redis.call('HINCRBYFLOAT', KEYS[1], 'reserved', -amount)
local committed = tonumber(redis.call('HINCRBYFLOAT', KEYS[1], 'committed', ARGV[1]))
if committed > tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'over_budget', '1')
end
return 1
`)

var releaseScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[2], 'state')
if state ~= 'reserved' then
	return 0
end
local amount = tonumber(redis.call('HGET', KEYS[2], 'amount'))

redis.call('HSET', KEYS[2], 'state', 'released')
redis.call('HINCRBYFLOAT', KEYS[1], 'reserved', -amount)
return 1
`)

func NewRedisLedger(redisURL string, deps DepartmentStore) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisLedgerWithClient(client, deps), nil
}

func NewRedisLedgerWithClient(client *redis.Client, deps DepartmentStore) *RedisLedger {
	return &RedisLedger{client: client, deps: deps, now: time.Now}
}

// deptKey addresses one department's accounting for the period containing
// at. Commit and Release pass the reservation's creation time so a stream
// that spans a month rollover settles against the period that took the hold,
// never the new month's untouched key.
func (l *RedisLedger) deptKey(departmentID string, at time.Time) string {
	return fmt.Sprintf("quota:dept:%s:%s", departmentID, periodStart(at).Format("2006-01"))
}

func (l *RedisLedger) resKey(reservationID string) string {
	return "quota:res:" + reservationID
}

func (l *RedisLedger) Reserve(ctx context.Context, departmentID string, amountUSD float64) (*domain.Reservation, error) {
	if amountUSD < 0 {
		return nil, fmt.Errorf("negative reservation amount %v", amountUSD)
	}

	dept, err := l.deps.GetDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}

	res := &domain.Reservation{
		ID:           uuid.New().String(),
		DepartmentID: departmentID,
		AmountUSD:    amountUSD,
		State:        domain.ReservationReserved,
		CreatedAt:    l.now(),
	}

	ok, err := reserveScript.Run(ctx, l.client,
		[]string{l.deptKey(departmentID, res.CreatedAt), l.resKey(res.ID)},
		formatAmount(dept.MonthlyBudgetUSD),
		formatAmount(amountUSD),
		departmentID,
		int(keyTTL.Seconds()),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("reserve script: %w", err)
	}
	if ok == 0 {
		return nil, fmt.Errorf("%w: department %s", domain.ErrQuotaExceeded, departmentID)
	}

	return res, nil
}

func (l *RedisLedger) Commit(ctx context.Context, res *domain.Reservation, actualUSD float64) error {
	dept, err := l.deps.GetDepartment(ctx, res.DepartmentID)
	if err != nil {
		return err
	}

	ok, err := commitScript.Run(ctx, l.client,
		[]string{l.deptKey(res.DepartmentID, res.CreatedAt), l.resKey(res.ID)},
		formatAmount(actualUSD),
		formatAmount(dept.MonthlyBudgetUSD),
	).Int()
	if err != nil {
		return fmt.Errorf("commit script: %w", err)
	}
	if ok == 0 {
		return domain.ErrReservationResolved
	}

	res.State = domain.ReservationCommitted
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, res *domain.Reservation) error {
	ok, err := releaseScript.Run(ctx, l.client,
		[]string{l.deptKey(res.DepartmentID, res.CreatedAt), l.resKey(res.ID)},
	).Int()
	if err != nil {
		return fmt.Errorf("release script: %w", err)
	}
	if ok == 0 {
		return domain.ErrReservationResolved
	}

	res.State = domain.ReservationReleased
	return nil
}

// Snapshot reads the shared position, for the admin API.
func (l *RedisLedger) Snapshot(ctx context.Context, departmentID string) (*Snapshot, error) {
	dept, err := l.deps.GetDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}

	fields, err := l.client.HGetAll(ctx, l.deptKey(departmentID, l.now())).Result()
	if err != nil {
		return nil, fmt.Errorf("read quota state: %w", err)
	}

	committed := parseAmount(fields["committed"])
	reserved := parseAmount(fields["reserved"])

	return &Snapshot{
		DepartmentID: departmentID,
		LimitUSD:     dept.MonthlyBudgetUSD,
		CommittedUSD: committed,
		ReservedUSD:  reserved,
		AvailableUSD: dept.MonthlyBudgetUSD - committed - reserved,
		OverBudget:   fields["over_budget"] == "1",
		PeriodStart:  periodStart(l.now()),
	}, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseAmount(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
