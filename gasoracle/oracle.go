// Package gasoracle serves per-chain gas prices from a short-lived cache so
// each scheduler tick does not hammer the RPC endpoints.
package gasoracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"sweepd/chainpool"
)

// ConnectionSource yields a live client for a chain.
type ConnectionSource interface {
	Connection(ctx context.Context, chain string) (chainpool.Client, error)
	ReportFailure(chain string, err error)
}

type cachedPrice struct {
	price   *big.Int
	fetched time.Time
}

// Oracle caches the raw network gas price per chain with a TTL. Read errors
// propagate to the caller so the sweep attempt can be skipped; there is no
// silent default price.
type Oracle struct {
	conns ConnectionSource
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPrice
}

// New constructs an oracle with the given cache TTL.
func New(conns ConnectionSource, ttl time.Duration) *Oracle {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Oracle{
		conns: conns,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedPrice),
	}
}

// WithClock overrides the time source; used by tests.
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	if now != nil {
		o.now = now
	}
	return o
}

// Price returns the raw network gas price for a chain. Callers apply their
// own priority multiplier. The returned value is a copy and safe to mutate.
func (o *Oracle) Price(ctx context.Context, chain string) (*big.Int, error) {
	o.mu.Lock()
	if entry, ok := o.cache[chain]; ok && o.now().Sub(entry.fetched) < o.ttl {
		price := new(big.Int).Set(entry.price)
		o.mu.Unlock()
		return price, nil
	}
	o.mu.Unlock()

	client, err := o.conns.Connection(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("gasoracle: %s: %w", chain, err)
	}
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		o.conns.ReportFailure(chain, err)
		return nil, fmt.Errorf("gasoracle: read price for %s: %w", chain, err)
	}

	o.mu.Lock()
	o.cache[chain] = cachedPrice{price: new(big.Int).Set(price), fetched: o.now()}
	o.mu.Unlock()
	return price, nil
}

// Invalidate drops the cached price for a chain.
func (o *Oracle) Invalidate(chain string) {
	o.mu.Lock()
	delete(o.cache, chain)
	o.mu.Unlock()
}
