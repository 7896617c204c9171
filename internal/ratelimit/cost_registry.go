package ratelimit

import "sync"

// RPC methods issued by the chain source.
const (
	MethodEthCall               = "eth_call"
	MethodEthBlockNumber        = "eth_blockNumber"
	MethodEthSendRawTransaction = "eth_sendRawTransaction"
	MethodEthChainID            = "eth_chainId"
)

// DefaultCost is charged for methods the registry does not know.
const DefaultCost = 20

var defaultCosts = map[string]int{
	MethodEthCall:               26,
	MethodEthBlockNumber:        10,
	MethodEthSendRawTransaction: 250,
	MethodEthChainID:            0,
}

// CostRegistry maps RPC methods to their compute-unit cost. It is safe for
// concurrent use.
type CostRegistry struct {
	mu    sync.RWMutex
	costs map[string]int
}

// NewCostRegistry returns a registry seeded with provider defaults and the
// given overrides. Negative overrides are ignored.
func NewCostRegistry(overrides map[string]int) *CostRegistry {
	costs := make(map[string]int, len(defaultCosts)+len(overrides))
	for m, c := range defaultCosts {
		costs[m] = c
	}
	for m, c := range overrides {
		if c >= 0 {
			costs[m] = c
		}
	}
	return &CostRegistry{costs: costs}
}

// Cost returns the cost of method.
func (r *CostRegistry) Cost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.costs[method]; ok {
		return c
	}
	return DefaultCost
}

// SetCost updates a method cost at runtime.
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost < 0 {
		return
	}
	r.mu.Lock()
	r.costs[method] = cost
	r.mu.Unlock()
}
