// Package sweepguard provides the short-lived mutual exclusion that keeps
// overlapping scheduler ticks from double-sweeping one asset.
package sweepguard

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultTTL is how long an acquired lock lives before it self-expires.
const DefaultTTL = 5 * time.Second

// Key identifies one lockable asset evaluation. Asset is "native" for the
// chain's base currency or the token contract address in hex.
type Key struct {
	Wallet common.Address
	Asset  string
	Chain  string
}

// NativeKey builds the lock key for a native-currency sweep.
func NativeKey(wallet common.Address, chain string) Key {
	return Key{Wallet: wallet, Asset: "native", Chain: chain}
}

// TokenKey builds the lock key for a token sweep.
func TokenKey(wallet, contract common.Address, chain string) Key {
	return Key{Wallet: wallet, Asset: contract.Hex(), Chain: chain}
}

// Lease proves ownership of an acquired lock. Release only drops the entry
// the lease was issued for, so a holder that outlives the TTL cannot free a
// lock a later holder has since taken.
type Lease struct {
	key Key
	id  uint64
}

type lockEntry struct {
	expiry time.Time
	id     uint64
}

// Guard is an advisory TTL lock map. It owns no resources: if a holder
// crashes mid-evaluation the entry simply expires and the next tick retries.
type Guard struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	locks map[Key]lockEntry
	next  uint64
}

// New constructs a guard with the given TTL; zero selects DefaultTTL.
func New(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{ttl: ttl, now: time.Now, locks: make(map[Key]lockEntry)}
}

// WithClock overrides the time source; used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	if now != nil {
		g.now = now
	}
	return g
}

// TryAcquire takes the lock unless an unexpired entry exists. Contention is
// an expected skip, not an error.
func (g *Guard) TryAcquire(key Key) (Lease, bool) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.locks[key]; ok && now.Before(entry.expiry) {
		return Lease{}, false
	}
	g.next++
	g.locks[key] = lockEntry{expiry: now.Add(g.ttl), id: g.next}
	return Lease{key: key, id: g.next}, true
}

// Release drops the lock the lease owns. A stale lease whose entry expired
// and was re-acquired is a no-op.
func (g *Guard) Release(lease Lease) {
	g.mu.Lock()
	if entry, ok := g.locks[lease.key]; ok && entry.id == lease.id {
		delete(g.locks, lease.key)
	}
	g.mu.Unlock()
}

// Purge removes expired entries and returns how many were dropped. The
// scheduler calls it opportunistically; correctness never depends on it
// because TryAcquire checks expiry itself.
func (g *Guard) Purge() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	dropped := 0
	for key, entry := range g.locks {
		if !now.Before(entry.expiry) {
			delete(g.locks, key)
			dropped++
		}
	}
	return dropped
}

// Held reports the number of live entries.
func (g *Guard) Held() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	held := 0
	for _, entry := range g.locks {
		if now.Before(entry.expiry) {
			held++
		}
	}
	return held
}
