package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome reports the result of one sweep attempt against a single asset.
// TokenKey is empty for native-currency sweeps.
type Outcome struct {
	Chain       string
	TokenKey    string
	Success     bool
	GasUsed     *big.Int
	Transferred *big.Int
	At          time.Time
}

type walletEntry struct {
	mu sync.Mutex
	w  *Wallet
}

// Ledger is the in-memory asset registry the scheduler evaluates. It is
// synchronized from the external store on startup and on reload signals;
// counter mutation funnels through RecordOutcome/Touch/SetPaused so
// concurrent evaluations cannot race on ad-hoc field writes.
type Ledger struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	wallets map[uuid.UUID]*walletEntry
}

// NewLedger constructs an empty ledger backed by the given store.
func NewLedger(store Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:   store,
		log:     log,
		now:     time.Now,
		wallets: make(map[uuid.UUID]*walletEntry),
	}
}

// Reload replaces the wallet set from the store. In-flight evaluations keep
// operating on the wallet values they already snapshotted; the new set takes
// effect on the next tick.
func (l *Ledger) Reload(ctx context.Context) error {
	if l.store == nil {
		return fmt.Errorf("registry: ledger has no store")
	}
	wallets, err := l.store.ListActiveWallets(ctx)
	if err != nil {
		return fmt.Errorf("registry: list wallets: %w", err)
	}
	next := make(map[uuid.UUID]*walletEntry, len(wallets))
	l.mu.Lock()
	for _, w := range wallets {
		if w == nil {
			continue
		}
		if prev, ok := l.wallets[w.ID]; ok {
			// Keep counters accumulated since the last persist; the store
			// copy may lag behind in-memory outcomes.
			prev.mu.Lock()
			if prev.w.Counters.Transactions > w.Counters.Transactions {
				w.Counters = prev.w.Counters.Clone()
				w.ByChain = cloneCounterMap(prev.w.ByChain)
				w.Native = cloneCounterMap(prev.w.Native)
				carryTokenCounters(prev.w, w)
			}
			prev.mu.Unlock()
		}
		ensureWalletMaps(w)
		next[w.ID] = &walletEntry{w: w}
	}
	l.wallets = next
	l.mu.Unlock()
	l.log.Info("ledger reloaded", "wallets", len(next))
	return nil
}

// Evaluable returns a snapshot of every wallet the scheduler should visit
// this tick: status active and not paused.
func (l *Ledger) Evaluable() []*Wallet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Wallet, 0, len(l.wallets))
	for _, entry := range l.wallets {
		entry.mu.Lock()
		if entry.w.Evaluable() {
			out = append(out, snapshotWallet(entry.w))
		}
		entry.mu.Unlock()
	}
	return out
}

// EvaluableOn returns the evaluable wallets that watch the given chain.
func (l *Ledger) EvaluableOn(chain string) []*Wallet {
	var out []*Wallet
	for _, w := range l.Evaluable() {
		if w.WatchesChain(chain) {
			out = append(out, w)
		}
	}
	return out
}

// SetPaused flips the pause flag for a wallet. Paused wallets stay loaded
// but are excluded from every tick until resumed.
func (l *Ledger) SetPaused(id uuid.UUID, paused bool) bool {
	l.mu.RLock()
	entry, ok := l.wallets[id]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	entry.w.Paused = paused
	entry.mu.Unlock()
	return true
}

// Touch records that a wallet was checked without any transfer attempt.
func (l *Ledger) Touch(id uuid.UUID) {
	l.mu.RLock()
	entry, ok := l.wallets[id]
	l.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.w.LastChecked = l.now()
	entry.mu.Unlock()
}

// RecordOutcome folds a sweep outcome into the wallet's counters and returns
// the counter state to persist. The bool is false when the wallet has been
// removed since the evaluation started.
func (l *Ledger) RecordOutcome(id uuid.UUID, out Outcome) (CounterSet, bool) {
	l.mu.RLock()
	entry, ok := l.wallets[id]
	l.mu.RUnlock()
	if !ok {
		return CounterSet{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	w := entry.w
	at := out.At
	if at.IsZero() {
		at = l.now()
	}

	w.Counters.Add(out.Success, out.GasUsed, out.Transferred)
	chainCounters := w.ByChain[out.Chain]
	chainCounters.Add(out.Success, out.GasUsed, out.Transferred)
	w.ByChain[out.Chain] = chainCounters
	if out.TokenKey == "" {
		native := w.Native[out.Chain]
		native.Add(out.Success, out.GasUsed, out.Transferred)
		w.Native[out.Chain] = native
	} else {
		for i := range w.Tokens {
			if w.Tokens[i].Key() == out.TokenKey {
				w.Tokens[i].Counters.Add(out.Success, out.GasUsed, out.Transferred)
				break
			}
		}
	}
	w.LastChecked = at
	w.LastActive = at
	return counterSet(w), true
}

// CounterSets returns the persisted counter view of every loaded wallet,
// used to rebuild aggregate metrics on startup.
func (l *Ledger) CounterSets() map[uuid.UUID]CounterSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[uuid.UUID]CounterSet, len(l.wallets))
	for id, entry := range l.wallets {
		entry.mu.Lock()
		out[id] = counterSet(entry.w)
		entry.mu.Unlock()
	}
	return out
}

// Size reports the number of loaded wallets and token watches.
func (l *Ledger) Size() (wallets, tokens int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, entry := range l.wallets {
		entry.mu.Lock()
		wallets++
		tokens += len(entry.w.Tokens)
		entry.mu.Unlock()
	}
	return wallets, tokens
}

func counterSet(w *Wallet) CounterSet {
	set := CounterSet{
		Totals:      w.Counters.Clone(),
		ByChain:     cloneCounterMap(w.ByChain),
		Native:      cloneCounterMap(w.Native),
		ByToken:     make(map[string]Counters, len(w.Tokens)),
		TokenKinds:  make(map[string]string, len(w.Tokens)),
		LastChecked: w.LastChecked,
		LastActive:  w.LastActive,
	}
	for _, t := range w.Tokens {
		key := t.Key()
		set.ByToken[key] = t.Counters.Clone()
		set.TokenKinds[key] = t.Kind.String()
	}
	return set
}

// carryTokenCounters keeps per-token counters accumulated since the last
// persist when a store row lags behind the in-memory view. Matching is by
// token key; watches added or removed since use the store row as-is.
func carryTokenCounters(prev, next *Wallet) {
	if len(prev.Tokens) == 0 || len(next.Tokens) == 0 {
		return
	}
	byKey := make(map[string]Counters, len(prev.Tokens))
	for _, t := range prev.Tokens {
		byKey[t.Key()] = t.Counters
	}
	for i := range next.Tokens {
		if c, ok := byKey[next.Tokens[i].Key()]; ok && c.Transactions > next.Tokens[i].Counters.Transactions {
			next.Tokens[i].Counters = c.Clone()
		}
	}
}

func cloneCounterMap(in map[string]Counters) map[string]Counters {
	out := make(map[string]Counters, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func ensureWalletMaps(w *Wallet) {
	if w.ByChain == nil {
		w.ByChain = make(map[string]Counters)
	}
	if w.Native == nil {
		w.Native = make(map[string]Counters)
	}
	if w.Counters.GasUsed == nil || w.Counters.Transferred == nil {
		w.Counters = w.Counters.Clone()
	}
}

func snapshotWallet(w *Wallet) *Wallet {
	cp := *w
	cp.Chains = append([]string(nil), w.Chains...)
	cp.Tokens = append([]TokenWatch(nil), w.Tokens...)
	cp.Counters = w.Counters.Clone()
	cp.ByChain = cloneCounterMap(w.ByChain)
	cp.Native = cloneCounterMap(w.Native)
	return &cp
}
