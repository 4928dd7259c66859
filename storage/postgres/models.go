package postgres

import (
	"time"

	"github.com/google/uuid"
)

// WalletRecord is the persisted form of a monitored wallet. Counter amounts
// are stored as decimal strings because they routinely exceed 64 bits.
type WalletRecord struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID uuid.UUID `gorm:"type:uuid;index"`
	Name   string    `gorm:"size:128"`

	Address string `gorm:"size:42;uniqueIndex"`
	// PrivateKey is the hex-encoded secp256k1 key. It never leaves the
	// storage layer; loads attach a signer and drop the raw material.
	PrivateKey string `gorm:"size:66"`

	Chains          string `gorm:"size:512"`
	NativeRecipient string `gorm:"size:42"`
	Status          string `gorm:"size:16;index"`
	Paused          bool

	Transactions uint64
	Successes    uint64
	Failures     uint64
	GasUsed      string `gorm:"size:80"`
	Transferred  string `gorm:"size:80"`

	LastChecked time.Time
	LastActive  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Scope values for ChainCounterRecord.
const (
	ScopeChain  = "chain"
	ScopeNative = "native"
)

// ChainCounterRecord breaks a wallet's totals down per chain. Scope
// distinguishes the all-asset rollup from the native-only slice.
type ChainCounterRecord struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletID uuid.UUID `gorm:"type:uuid;index:idx_chain_counter,unique"`
	Chain    string    `gorm:"size:64;index:idx_chain_counter,unique"`
	Scope    string    `gorm:"size:8;index:idx_chain_counter,unique"`

	Transactions uint64
	Successes    uint64
	Failures     uint64
	GasUsed      string `gorm:"size:80"`
	Transferred  string `gorm:"size:80"`

	UpdatedAt time.Time
}

// TokenWatchRecord is an operator-registered token to sweep for one wallet.
type TokenWatchRecord struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletID uuid.UUID `gorm:"type:uuid;index:idx_token_watch,unique"`
	Chain    string    `gorm:"size:64;index:idx_token_watch,unique"`
	Contract string    `gorm:"size:42;index:idx_token_watch,unique"`

	Recipient string `gorm:"size:42"`
	Standard  string `gorm:"size:16"`
	// TokenID is only set for multi-token and non-fungible watches.
	TokenID string `gorm:"size:80"`

	Transactions uint64
	Successes    uint64
	Failures     uint64
	GasUsed      string `gorm:"size:80"`
	Transferred  string `gorm:"size:80"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChainRecord describes one chain the daemon may connect to.
type ChainRecord struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key      string    `gorm:"size:64;uniqueIndex"`
	Name     string    `gorm:"size:128"`
	ChainID  int64     `gorm:"not null"`
	RPCURLs  string    `gorm:"size:2048"`
	Explorer string    `gorm:"size:256"`

	NativeName     string `gorm:"size:64"`
	NativeSymbol   string `gorm:"size:16"`
	NativeDecimals uint8

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenStandardRecord maps a chain-local standard alias (bep20) onto the
// canonical transfer encoding identifier (erc20).
type TokenStandardRecord struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Chain    string    `gorm:"size:64;index:idx_token_standard,unique"`
	Alias    string    `gorm:"size:32;index:idx_token_standard,unique"`
	Standard string    `gorm:"size:32"`
}

// UserConfigRecord carries per-owner sweep overrides. Zero values inherit the
// daemon defaults.
type UserConfigRecord struct {
	UserID uuid.UUID `gorm:"type:uuid;primaryKey"`

	GasPriceMultiplier string `gorm:"size:32"`
	NativeMinBalance   string `gorm:"size:80"`
	NativeGasLimit     uint64
	MaxRetries         int
	RetryDelayMS       int64
	NativeEnabled      *bool

	UpdatedAt time.Time
}
