package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserConfig carries the per-user sweep knobs persisted by the operator
// layer. Zero values mean "inherit the daemon default"; the scheduler merges
// them before each evaluation.
type UserConfig struct {
	GasPriceMultiplier decimal.Decimal
	NativeMinBalance   decimal.Decimal
	NativeGasLimit     uint64
	MaxRetries         int
	RetryDelay         time.Duration
	// NativeEnabled gates native-currency sweeps; nil inherits the default.
	NativeEnabled *bool
}

// CounterSet bundles the counter state persisted for one wallet after an
// evaluation outcome.
type CounterSet struct {
	Totals  Counters
	ByChain map[string]Counters
	Native  map[string]Counters
	ByToken map[string]Counters
	// TokenKinds maps a token watch key to its kind label so aggregate
	// rebuilds can bucket token counters by asset. Derived from the wallet's
	// watches, never persisted.
	TokenKinds  map[string]string
	LastChecked time.Time
	LastActive  time.Time
}

// Store is the narrow CRUD contract the sweep engine consumes. Creation and
// deletion of wallets, tokens, chains, and users belong to the operator
// layer; the engine only reads the registry and writes counters back.
type Store interface {
	// ListActiveWallets returns every wallet with status active, signers
	// attached. Paused wallets are included; the scheduler skips them per
	// tick so a resume takes effect without a reload.
	ListActiveWallets(ctx context.Context) ([]*Wallet, error)
	// UserConfig returns the sweep overrides for one user.
	UserConfig(ctx context.Context, userID uuid.UUID) (UserConfig, error)
	// PersistCounters writes a wallet's counter state back.
	PersistCounters(ctx context.Context, walletID uuid.UUID, counters CounterSet) error
	// ListChains returns the chain registry keyed by chain key.
	ListChains(ctx context.Context) (map[string]ChainDescriptor, error)
	// ListTokenStandards maps chain key to token-type name to standard
	// identifier (erc20, bep721, ...).
	ListTokenStandards(ctx context.Context) (map[string]map[string]string, error)
}
