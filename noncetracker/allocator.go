// Package noncetracker reserves transaction nonces for sweep submissions.
//
// The authoritative nonce is always the network's pending nonce read
// immediately before signing. Two assets of the same wallet can sweep
// concurrently under independent guard keys, and re-using a cached nonce
// across those paths is the classic source of "nonce too low" rejections.
// The local cache therefore only serves diagnostics.
package noncetracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"sweepd/chainpool"
)

// ConnectionSource yields a live client for a chain.
type ConnectionSource interface {
	Connection(ctx context.Context, chain string) (chainpool.Client, error)
	ReportFailure(chain string, err error)
}

type nonceKey struct {
	chain   string
	address common.Address
}

// Allocator hands out per-(chain, address) nonces.
type Allocator struct {
	conns ConnectionSource

	mu    sync.Mutex
	hints map[nonceKey]uint64
}

// New constructs an allocator.
func New(conns ConnectionSource) *Allocator {
	return &Allocator{conns: conns, hints: make(map[nonceKey]uint64)}
}

// Reserve performs a fresh pending-nonce read for the address and records
// nonce+1 as the next-nonce hint. The read is mandatory on every call.
func (a *Allocator) Reserve(ctx context.Context, chain string, address common.Address) (uint64, error) {
	client, err := a.conns.Connection(ctx, chain)
	if err != nil {
		return 0, fmt.Errorf("noncetracker: %s: %w", chain, err)
	}
	nonce, err := client.PendingNonceAt(ctx, address)
	if err != nil {
		a.conns.ReportFailure(chain, err)
		return 0, fmt.Errorf("noncetracker: pending nonce for %s on %s: %w", address.Hex(), chain, err)
	}
	a.mu.Lock()
	a.hints[nonceKey{chain: chain, address: address}] = nonce + 1
	a.mu.Unlock()
	return nonce, nil
}

// Hint returns the locally tracked next nonce. Diagnostic only; never used
// in place of a Reserve call.
func (a *Allocator) Hint(chain string, address common.Address) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hint, ok := a.hints[nonceKey{chain: chain, address: address}]
	return hint, ok
}
