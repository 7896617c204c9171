package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nft-state-sync/internal/logging"
)

// DefaultMaxWait bounds how long a call may wait for budget.
const DefaultMaxWait = 10 * time.Second

// ErrMaxWaitExceeded is returned when budget did not free up within MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// EthClient is the subset of the go-ethereum client the chain source uses.
type EthClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ EthClient = (*ethclient.Client)(nil)

// RateLimitedClient charges every call against the shared budget before
// forwarding it. Calls whose context carries no priority use the client
// default.
type RateLimitedClient struct {
	underlying EthClient
	tracker    *BudgetTracker
	costs      *CostRegistry
	priority   Priority
	maxWait    time.Duration
}

// RateLimitedClientConfig holds configuration for the rate-limited client.
type RateLimitedClientConfig struct {
	Client   EthClient
	Tracker  *BudgetTracker
	Costs    *CostRegistry
	Priority Priority
	MaxWait  time.Duration
}

// NewRateLimitedClient creates a rate-limited RPC client.
func NewRateLimitedClient(cfg *RateLimitedClientConfig) (*RateLimitedClient, error) {
	if cfg == nil || cfg.Client == nil || cfg.Tracker == nil {
		return nil, errors.New("client and tracker are required")
	}
	costs := cfg.Costs
	if costs == nil {
		costs = NewCostRegistry(nil)
	}
	return &RateLimitedClient{
		underlying: cfg.Client,
		tracker:    cfg.Tracker,
		costs:      costs,
		priority:   cfg.Priority,
		maxWait:    orDefault(cfg.MaxWait, DefaultMaxWait),
	}, nil
}

func (c *RateLimitedClient) waitForBudget(ctx context.Context, method string) error {
	cu := c.costs.Cost(method)
	priority := PriorityFromContext(ctx, c.priority)
	deadline := time.Now().Add(c.maxWait)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"method":   method,
		"priority": priority.String(),
		"cu":       cu,
	})

	for {
		allowed, wait, err := c.tracker.TryConsume(ctx, cu, priority)
		if allowed {
			return nil
		}
		if err != nil {
			logger.WithError(err).Warn("Budget tracker unavailable, waiting for next window")
		}
		if time.Now().Add(wait).After(deadline) {
			logger.Warn("Rate limit wait exceeded")
			return ErrMaxWaitExceeded
		}

		logger.Debugf("Waiting %v for rate limit budget", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CallContract wraps eth_call with rate limiting.
func (c *RateLimitedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.waitForBudget(ctx, MethodEthCall); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.CallContract(ctx, msg, blockNumber)
}

// BlockNumber wraps eth_blockNumber with rate limiting.
func (c *RateLimitedClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthBlockNumber); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.BlockNumber(ctx)
}

// SendTransaction wraps eth_sendRawTransaction with rate limiting.
func (c *RateLimitedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.waitForBudget(ctx, MethodEthSendRawTransaction); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return c.underlying.SendTransaction(ctx, tx)
}
