package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/ratelimit"
)

// Dialer opens a client for one endpoint. The returned func closes it.
type Dialer func(ctx context.Context, url string) (ratelimit.EthClient, func(), error)

// DialEthClient is the default Dialer.
func DialEthClient(ctx context.Context, url string) (ratelimit.EthClient, func(), error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

// WithBudget decorates a Dialer so every client it opens charges the
// shared compute-unit budget.
func WithBudget(next Dialer, tracker *ratelimit.BudgetTracker, costs *ratelimit.CostRegistry, def ratelimit.Priority) Dialer {
	return func(ctx context.Context, url string) (ratelimit.EthClient, func(), error) {
		client, closeFn, err := next(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		limited, err := ratelimit.NewRateLimitedClient(&ratelimit.RateLimitedClientConfig{
			Client:   client,
			Tracker:  tracker,
			Costs:    costs,
			Priority: def,
		})
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		return limited, closeFn, nil
	}
}

// RPCPool manages several RPC endpoints. It sticks to the current endpoint
// until it fails with a rate limit or connection error, then moves to the
// next endpoint that is not cooling down.
type RPCPool struct {
	endpoints []string
	dial      Dialer
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	current   int
	clients   []ratelimit.EthClient
	closers   []func()
	cooldowns map[int]time.Time
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	Endpoints    []string
	CooldownTime time.Duration
	Dialer       Dialer
	Now          func() time.Time
}

// NewRPCPool dials the primary endpoint; the others are dialed lazily.
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	var endpoints []string
	for _, ep := range cfg.Endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	p := &RPCPool{
		endpoints: endpoints,
		dial:      cfg.Dialer,
		cooldown:  cfg.CooldownTime,
		now:       cfg.Now,
		clients:   make([]ratelimit.EthClient, len(endpoints)),
		closers:   make([]func(), len(endpoints)),
		cooldowns: make(map[int]time.Time),
	}
	if p.dial == nil {
		p.dial = DialEthClient
	}
	if p.cooldown == 0 {
		p.cooldown = 60 * time.Second
	}
	if p.now == nil {
		p.now = time.Now
	}

	if err := p.connect(ctx, 0); err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	logging.FromContext(ctx).WithField("endpoints", len(endpoints)).Info("RPC pool initialized")
	return p, nil
}

// connect must be called with mu held or before the pool is shared.
func (p *RPCPool) connect(ctx context.Context, i int) error {
	if p.clients[i] != nil {
		return nil
	}
	client, closeFn, err := p.dial(ctx, p.endpoints[i])
	if err != nil {
		return err
	}
	p.clients[i], p.closers[i] = client, closeFn
	return nil
}

// Client returns the active client and its index.
func (p *RPCPool) Client() (ratelimit.EthClient, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[p.current], p.current
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// MarkFailed puts endpoint failed in cooldown and switches to the next
// available endpoint. It is a no-op if another caller already moved the
// pool away from failed.
func (p *RPCPool) MarkFailed(ctx context.Context, failed int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if failed != p.current {
		return nil
	}
	now := p.now()
	p.cooldowns[failed] = now
	logger := logging.FromContext(ctx).WithField("endpoint", failed)

	for i := 1; i <= len(p.endpoints); i++ {
		next := (failed + i) % len(p.endpoints)
		if since, ok := p.cooldowns[next]; ok {
			if now.Sub(since) < p.cooldown {
				continue
			}
			delete(p.cooldowns, next)
		}
		if err := p.connect(ctx, next); err != nil {
			logger.WithError(err).Warnf("Failed to dial endpoint %d", next)
			continue
		}
		p.current = next
		logger.Infof("Switched RPC endpoint to %d", next)
		return nil
	}
	return fmt.Errorf("all %d RPC endpoints are cooling down", len(p.endpoints))
}

// TryResetToPrimary moves back to endpoint 0 once its cooldown expired.
func (p *RPCPool) TryResetToPrimary(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == 0 {
		return true
	}
	if since, ok := p.cooldowns[0]; ok {
		if p.now().Sub(since) < p.cooldown {
			return false
		}
		delete(p.cooldowns, 0)
	}
	if err := p.connect(ctx, 0); err != nil {
		return false
	}
	p.current = 0
	return true
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "throttl")
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, closeFn := range p.closers {
		if closeFn != nil {
			closeFn()
		}
		p.clients[i], p.closers[i] = nil, nil
	}
}
