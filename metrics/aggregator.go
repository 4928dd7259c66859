// Package metrics accumulates sweep outcomes and chain health counters and
// mirrors them into Prometheus collectors.
package metrics

import (
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"sweepd/registry"
)

// ChainSnapshot is the per-chain slice of a metrics snapshot.
type ChainSnapshot struct {
	Transactions uint64            `json:"transactions"`
	Successes    uint64            `json:"successful_transactions"`
	Failures     uint64            `json:"failed_transactions"`
	GasUsed      string            `json:"gas_used"`
	Transferred  string            `json:"total_transferred"`
	RPCErrors    uint64            `json:"rpc_errors"`
	Connections  int               `json:"active_rpc_connections"`
	ByAsset      map[string]uint64 `json:"transactions_by_asset,omitempty"`
}

// Snapshot is the aggregate view served to operators and pushed to event
// subscribers. Big totals travel as decimal strings.
type Snapshot struct {
	StartedAt    time.Time                `json:"started_at"`
	Wallets      int                      `json:"total_wallets"`
	Tokens       int                      `json:"total_tokens"`
	Transactions uint64                   `json:"total_transactions"`
	Successes    uint64                   `json:"successful_transactions"`
	Failures     uint64                   `json:"failed_transactions"`
	GasUsed      string                   `json:"total_gas_used"`
	Transferred  string                   `json:"total_transferred"`
	Chains       map[string]ChainSnapshot `json:"chains"`
}

type chainTotals struct {
	counters    registry.Counters
	rpcErrors   uint64
	connections int
	byAsset     map[string]uint64
}

// Aggregator keeps purely additive counters. It can always be rebuilt from
// the persisted per-wallet counters, so restarting the daemon loses nothing.
type Aggregator struct {
	collectors *Collectors
	startedAt  time.Time

	mu      sync.Mutex
	totals  registry.Counters
	chains  map[string]*chainTotals
	wallets int
	tokens  int
}

// NewAggregator constructs an empty aggregator. collectors may be nil when
// Prometheus exposure is disabled.
func NewAggregator(collectors *Collectors) *Aggregator {
	return &Aggregator{
		collectors: collectors,
		startedAt:  time.Now(),
		totals:     registry.NewCounters(),
		chains:     make(map[string]*chainTotals),
	}
}

func (a *Aggregator) chain(key string) *chainTotals {
	ct, ok := a.chains[key]
	if !ok {
		ct = &chainTotals{counters: registry.NewCounters(), byAsset: make(map[string]uint64)}
		a.chains[key] = ct
	}
	return ct
}

// RecordOutcome folds one sweep outcome into the aggregate.
func (a *Aggregator) RecordOutcome(chain, asset string, success bool, gasUsed, amount *big.Int) {
	a.mu.Lock()
	a.totals.Add(success, gasUsed, amount)
	ct := a.chain(chain)
	ct.counters.Add(success, gasUsed, amount)
	ct.byAsset[asset]++
	a.mu.Unlock()
	if a.collectors != nil {
		a.collectors.observeOutcome(chain, asset, success, gasUsed)
	}
}

// RPCError counts one chain-level transport failure. Kept separate from the
// per-asset failure counters on purpose: a dead endpoint is not a failed
// sweep.
func (a *Aggregator) RPCError(chain string) {
	a.mu.Lock()
	a.chain(chain).rpcErrors++
	a.mu.Unlock()
	if a.collectors != nil {
		a.collectors.observeRPCError(chain)
	}
}

// SetConnections records the number of live connections for a chain.
func (a *Aggregator) SetConnections(chain string, n int) {
	a.mu.Lock()
	a.chain(chain).connections = n
	a.mu.Unlock()
	if a.collectors != nil {
		a.collectors.setConnections(chain, n)
	}
}

// SetInventory records the registry size for the snapshot.
func (a *Aggregator) SetInventory(wallets, tokens int) {
	a.mu.Lock()
	a.wallets = wallets
	a.tokens = tokens
	a.mu.Unlock()
}

// Rebuild resets the sweep totals and re-aggregates them from persisted
// wallet counters. Re-running it against the same input is idempotent.
// Chain RPC error and connection counts are runtime state and survive.
func (a *Aggregator) Rebuild(sets map[uuid.UUID]registry.CounterSet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals = registry.NewCounters()
	for _, ct := range a.chains {
		ct.counters = registry.NewCounters()
		ct.byAsset = make(map[string]uint64)
	}
	for _, set := range sets {
		a.totals.Merge(set.Totals)
		for chain, counters := range set.ByChain {
			ct := a.chain(chain)
			ct.counters.Merge(counters)
		}
		for chain, counters := range set.Native {
			a.chain(chain).byAsset["native"] += counters.Transactions
		}
		for key, counters := range set.ByToken {
			if counters.Transactions == 0 {
				continue
			}
			kind, ok := set.TokenKinds[key]
			if !ok {
				continue
			}
			a.chain(registry.TokenKeyChain(key)).byAsset[kind] += counters.Transactions
		}
	}
}

// Snapshot returns a copy of the current aggregate state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		StartedAt:    a.startedAt,
		Wallets:      a.wallets,
		Tokens:       a.tokens,
		Transactions: a.totals.Transactions,
		Successes:    a.totals.Successes,
		Failures:     a.totals.Failures,
		GasUsed:      a.totals.GasUsed.String(),
		Transferred:  a.totals.Transferred.String(),
		Chains:       make(map[string]ChainSnapshot, len(a.chains)),
	}
	for key, ct := range a.chains {
		chain := ChainSnapshot{
			Transactions: ct.counters.Transactions,
			Successes:    ct.counters.Successes,
			Failures:     ct.counters.Failures,
			GasUsed:      ct.counters.GasUsed.String(),
			Transferred:  ct.counters.Transferred.String(),
			RPCErrors:    ct.rpcErrors,
			Connections:  ct.connections,
		}
		if len(ct.byAsset) > 0 {
			chain.ByAsset = make(map[string]uint64, len(ct.byAsset))
			for asset, n := range ct.byAsset {
				chain.ByAsset[asset] = n
			}
		}
		snap.Chains[key] = chain
	}
	return snap
}
