package registry

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// WalletStatus is the operator-controlled lifecycle state of a wallet.
type WalletStatus string

const (
	StatusActive   WalletStatus = "active"
	StatusInactive WalletStatus = "inactive"
)

// Signer abstracts custody of a wallet's secret key. The ledger never holds
// raw key material; stores attach a signer when they load a wallet and the
// executor uses it to sign exactly one transaction at a time.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// Counters accumulates sweep outcomes. Amounts use big.Int because
// transferred values routinely exceed the 64-bit range.
type Counters struct {
	Transactions uint64
	Successes    uint64
	Failures     uint64
	GasUsed      *big.Int
	Transferred  *big.Int
}

// NewCounters returns zeroed counters with allocated big.Int fields.
func NewCounters() Counters {
	return Counters{GasUsed: new(big.Int), Transferred: new(big.Int)}
}

// Clone deep-copies the counters.
func (c Counters) Clone() Counters {
	out := Counters{
		Transactions: c.Transactions,
		Successes:    c.Successes,
		Failures:     c.Failures,
		GasUsed:      new(big.Int),
		Transferred:  new(big.Int),
	}
	if c.GasUsed != nil {
		out.GasUsed.Set(c.GasUsed)
	}
	if c.Transferred != nil {
		out.Transferred.Set(c.Transferred)
	}
	return out
}

// Add folds one sweep outcome into the counters.
func (c *Counters) Add(success bool, gasUsed, transferred *big.Int) {
	c.Transactions++
	if success {
		c.Successes++
	} else {
		c.Failures++
	}
	if c.GasUsed == nil {
		c.GasUsed = new(big.Int)
	}
	if c.Transferred == nil {
		c.Transferred = new(big.Int)
	}
	if gasUsed != nil {
		c.GasUsed.Add(c.GasUsed, gasUsed)
	}
	if transferred != nil {
		c.Transferred.Add(c.Transferred, transferred)
	}
}

// Merge adds the other counters into c.
func (c *Counters) Merge(other Counters) {
	c.Transactions += other.Transactions
	c.Successes += other.Successes
	c.Failures += other.Failures
	if c.GasUsed == nil {
		c.GasUsed = new(big.Int)
	}
	if c.Transferred == nil {
		c.Transferred = new(big.Int)
	}
	if other.GasUsed != nil {
		c.GasUsed.Add(c.GasUsed, other.GasUsed)
	}
	if other.Transferred != nil {
		c.Transferred.Add(c.Transferred, other.Transferred)
	}
}

// TokenWatch is an operator-registered token to sweep for one wallet. At most
// one watch exists per (wallet, contract, chain) tuple.
type TokenWatch struct {
	ID        uuid.UUID
	Chain     string
	Contract  common.Address
	Recipient common.Address
	Kind      TokenKind
	// TokenID is only meaningful for multi-token watches.
	TokenID  *big.Int
	Counters Counters
}

// Key identifies the watch inside a wallet.
func (t TokenWatch) Key() string {
	return t.Chain + "/" + t.Contract.Hex()
}

// TokenKeyChain returns the chain component of a token watch key.
func TokenKeyChain(key string) string {
	chain, _, _ := strings.Cut(key, "/")
	return chain
}

// Wallet is the in-memory view of one monitored key-pair. The secret key
// stays behind the Signer; everything else is plain value state mutated only
// through the Ledger's mutation API.
type Wallet struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Name   string

	Address common.Address
	Signer  Signer

	// Chains the wallet watches; always a subset of the chains known to the
	// connection pool.
	Chains []string
	// NativeRecipient receives swept native currency. Wallets without one
	// skip native sweeps.
	NativeRecipient common.Address

	Status WalletStatus
	Paused bool

	Counters Counters
	// ByChain breaks the totals down per chain key.
	ByChain map[string]Counters
	// Native tracks native-currency sweeps per chain.
	Native map[string]Counters
	Tokens []TokenWatch

	LastChecked time.Time
	LastActive  time.Time
}

// Evaluable reports whether the scheduler should consider the wallet.
func (w *Wallet) Evaluable() bool {
	return w.Status == StatusActive && !w.Paused
}

// WatchesChain reports whether the wallet monitors the given chain.
func (w *Wallet) WatchesChain(chain string) bool {
	for _, c := range w.Chains {
		if c == chain {
			return true
		}
	}
	return false
}

// TokensOn returns the wallet's token watches for one chain.
func (w *Wallet) TokensOn(chain string) []TokenWatch {
	var out []TokenWatch
	for _, t := range w.Tokens {
		if t.Chain == chain {
			out = append(out, t)
		}
	}
	return out
}

// NativeCurrency describes a chain's base asset.
type NativeCurrency struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// ChainDescriptor captures everything the pool needs to serve a chain.
type ChainDescriptor struct {
	Key      string
	Name     string
	ChainID  *big.Int
	RPCURLs  []string
	Native   NativeCurrency
	Explorer string
}
