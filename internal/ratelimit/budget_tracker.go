// Package ratelimit shares an RPC compute-unit budget across every process
// that talks to the chain. User-facing reads draw from a reserved pool so
// a running audit can never starve them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 500
	DefaultReservedBudget = 150
	DefaultWindowSize     = time.Second
	DefaultKeyTTL         = 2 * time.Second
	DefaultKeyPrefix      = "nftsync:cu:"
)

// Priority selects the budget pool a call draws from.
type Priority int

const (
	// PriorityHigh is for user-facing reads and relays (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for audits and backfills (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx so budget-limited calls made under it draw from
// the matching pool.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the priority carried by ctx, or def.
func PriorityFromContext(ctx context.Context, def Priority) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return def
}

// consumeScript atomically checks both the total and the pool counter for
// the current window and increments them only when both have room.
var consumeScript = redis.NewScript(`
local totalUsed = tonumber(redis.call('GET', KEYS[1]) or '0')
local poolUsed = tonumber(redis.call('GET', KEYS[2]) or '0')
local cu = tonumber(ARGV[1])
if totalUsed + cu > tonumber(ARGV[2]) or poolUsed + cu > tonumber(ARGV[3]) then
	return {0, totalUsed, poolUsed}
end
redis.call('INCRBY', KEYS[1], cu)
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('INCRBY', KEYS[2], cu)
redis.call('EXPIRE', KEYS[2], ARGV[4])
return {1, totalUsed + cu, poolUsed + cu}
`)

// BudgetTracker is a fixed-window compute-unit limiter backed by Redis.
type BudgetTracker struct {
	redis          redis.Cmdable
	prefix         string
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	Redis          redis.Cmdable
	KeyPrefix      string
	TotalBudget    int
	ReservedBudget int
	WindowSize     time.Duration
	KeyTTL         time.Duration
	Now            func() time.Time
}

// NewBudgetTracker creates a tracker, applying defaults for zero values.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.TotalBudget < 0 || cfg.ReservedBudget < 0 {
		return nil, errors.New("budgets cannot be negative")
	}

	t := &BudgetTracker{
		redis:          cfg.Redis,
		prefix:         orDefault(cfg.KeyPrefix, DefaultKeyPrefix),
		totalBudget:    orDefault(cfg.TotalBudget, DefaultTotalBudget),
		reservedBudget: orDefault(cfg.ReservedBudget, DefaultReservedBudget),
		windowSize:     orDefault(cfg.WindowSize, DefaultWindowSize),
		keyTTL:         orDefault(cfg.KeyTTL, DefaultKeyTTL),
		now:            cfg.Now,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.reservedBudget > t.totalBudget {
		return nil, fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", t.reservedBudget, t.totalBudget)
	}
	t.sharedBudget = t.totalBudget - t.reservedBudget
	return t, nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (t *BudgetTracker) window() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *BudgetTracker) keys(window time.Time) (total, reserved, shared string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return t.prefix + "total:" + ts, t.prefix + "reserved:" + ts, t.prefix + "shared:" + ts
}

// TryConsume attempts to take cu units from the pool matching priority.
// When denied it returns how long until the next window opens. Redis
// failures deny the request.
func (t *BudgetTracker) TryConsume(ctx context.Context, cu int, priority Priority) (bool, time.Duration, error) {
	if cu <= 0 {
		return true, 0, nil
	}

	window := t.window()
	totalKey, reservedKey, sharedKey := t.keys(window)
	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttl := int(t.keyTTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	res, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cu, t.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil {
		return false, t.untilNextWindow(window), fmt.Errorf("consume budget: %w", err)
	}
	if len(res) == 0 || res[0] != 1 {
		return false, t.untilNextWindow(window), nil
	}
	return true, 0, nil
}

func (t *BudgetTracker) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage is the consumption of the current window.
type Usage struct {
	TotalUsed      int
	ReservedUsed   int
	SharedUsed     int
	TotalBudget    int
	ReservedBudget int
	SharedBudget   int
	WindowStart    time.Time
}

// Usage returns consumption for the current window.
func (t *BudgetTracker) Usage(ctx context.Context) (*Usage, error) {
	window := t.window()
	totalKey, reservedKey, sharedKey := t.keys(window)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read usage: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    window,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}
