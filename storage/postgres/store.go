// Package postgres implements the registry store on a relational database
// through gorm. The sqlite driver works too, which the tests rely on.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"sweepd/registry"
)

// Store implements registry.Store on a gorm database handle.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects to the database and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle; tests pass an in-memory sqlite one.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&WalletRecord{},
		&ChainCounterRecord{},
		&TokenWatchRecord{},
		&ChainRecord{},
		&TokenStandardRecord{},
		&UserConfigRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, log: slog.Default()}, nil
}

// WithLogger overrides the logger used for skipped-row warnings.
func (s *Store) WithLogger(log *slog.Logger) *Store {
	if log != nil {
		s.log = log
	}
	return s
}

// DB exposes the underlying handle for the operator layer.
func (s *Store) DB() *gorm.DB { return s.db }

// ListActiveWallets loads every active wallet with signers attached. Rows
// with broken configuration (bad key, unknown token standard) are skipped
// with a warning; one misconfigured wallet never blocks the rest.
func (s *Store) ListActiveWallets(ctx context.Context) ([]*registry.Wallet, error) {
	var records []WalletRecord
	if err := s.db.WithContext(ctx).Where("status = ?", string(registry.StatusActive)).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	out := make([]*registry.Wallet, 0, len(records))
	for i := range records {
		wallet, err := s.loadWallet(ctx, &records[i])
		if err != nil {
			return nil, err
		}
		if wallet == nil {
			continue
		}
		out = append(out, wallet)
	}
	return out, nil
}

// loadWallet returns (nil, nil) for wallets whose key material cannot back a
// signer; the database error path is the only one that aborts the list.
func (s *Store) loadWallet(ctx context.Context, rec *WalletRecord) (*registry.Wallet, error) {
	signer, err := registry.NewKeySigner(rec.PrivateKey)
	if err != nil {
		s.log.Warn("wallet skipped: unusable key", "wallet", rec.ID, "err", err)
		return nil, nil
	}
	wallet := &registry.Wallet{
		ID:              rec.ID,
		UserID:          rec.UserID,
		Name:            rec.Name,
		Address:         common.HexToAddress(rec.Address),
		Signer:          signer,
		Chains:          splitCSV(rec.Chains),
		NativeRecipient: common.HexToAddress(rec.NativeRecipient),
		Status:          registry.WalletStatus(rec.Status),
		Paused:          rec.Paused,
		Counters:        countersFromColumns(rec.Transactions, rec.Successes, rec.Failures, rec.GasUsed, rec.Transferred),
		ByChain:         make(map[string]registry.Counters),
		Native:          make(map[string]registry.Counters),
		LastChecked:     rec.LastChecked,
		LastActive:      rec.LastActive,
	}

	var chainRows []ChainCounterRecord
	if err := s.db.WithContext(ctx).Where("wallet_id = ?", rec.ID).Find(&chainRows).Error; err != nil {
		return nil, fmt.Errorf("wallet %s chain counters: %w", rec.ID, err)
	}
	for _, row := range chainRows {
		counters := countersFromColumns(row.Transactions, row.Successes, row.Failures, row.GasUsed, row.Transferred)
		switch row.Scope {
		case ScopeNative:
			wallet.Native[row.Chain] = counters
		default:
			wallet.ByChain[row.Chain] = counters
		}
	}

	var tokenRows []TokenWatchRecord
	if err := s.db.WithContext(ctx).Where("wallet_id = ?", rec.ID).Find(&tokenRows).Error; err != nil {
		return nil, fmt.Errorf("wallet %s tokens: %w", rec.ID, err)
	}
	for _, row := range tokenRows {
		kind, err := registry.ParseTokenKind(row.Standard)
		if err != nil {
			s.log.Warn("token watch skipped", "wallet", rec.ID, "contract", row.Contract, "err", err)
			continue
		}
		watch := registry.TokenWatch{
			ID:        row.ID,
			Chain:     row.Chain,
			Contract:  common.HexToAddress(row.Contract),
			Recipient: common.HexToAddress(row.Recipient),
			Kind:      kind,
			Counters:  countersFromColumns(row.Transactions, row.Successes, row.Failures, row.GasUsed, row.Transferred),
		}
		if row.TokenID != "" {
			id, ok := new(big.Int).SetString(row.TokenID, 10)
			if !ok {
				s.log.Warn("token watch skipped: bad token id", "wallet", rec.ID, "contract", row.Contract, "tokenId", row.TokenID)
				continue
			}
			watch.TokenID = id
		}
		wallet.Tokens = append(wallet.Tokens, watch)
	}
	return wallet, nil
}

// UserConfig returns the per-owner sweep overrides; missing rows inherit the
// daemon defaults.
func (s *Store) UserConfig(ctx context.Context, userID uuid.UUID) (registry.UserConfig, error) {
	var rec UserConfigRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return registry.UserConfig{}, nil
	}
	if err != nil {
		return registry.UserConfig{}, fmt.Errorf("user config %s: %w", userID, err)
	}
	cfg := registry.UserConfig{
		NativeGasLimit: rec.NativeGasLimit,
		MaxRetries:     rec.MaxRetries,
		RetryDelay:     time.Duration(rec.RetryDelayMS) * time.Millisecond,
		NativeEnabled:  rec.NativeEnabled,
	}
	if rec.GasPriceMultiplier != "" {
		mult, err := decimal.NewFromString(rec.GasPriceMultiplier)
		if err != nil {
			return registry.UserConfig{}, fmt.Errorf("user config %s multiplier: %w", userID, err)
		}
		cfg.GasPriceMultiplier = mult
	}
	if rec.NativeMinBalance != "" {
		minBalance, err := decimal.NewFromString(rec.NativeMinBalance)
		if err != nil {
			return registry.UserConfig{}, fmt.Errorf("user config %s min balance: %w", userID, err)
		}
		cfg.NativeMinBalance = minBalance
	}
	return cfg, nil
}

// PersistCounters writes one wallet's counter state back in a single
// transaction.
func (s *Store) PersistCounters(ctx context.Context, walletID uuid.UUID, counters registry.CounterSet) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"transactions": counters.Totals.Transactions,
			"successes":    counters.Totals.Successes,
			"failures":     counters.Totals.Failures,
			"gas_used":     bigColumn(counters.Totals.GasUsed),
			"transferred":  bigColumn(counters.Totals.Transferred),
			"last_checked": counters.LastChecked,
			"last_active":  counters.LastActive,
		}
		if err := tx.Model(&WalletRecord{}).Where("id = ?", walletID).Updates(updates).Error; err != nil {
			return fmt.Errorf("persist wallet counters: %w", err)
		}
		for chain, c := range counters.ByChain {
			if err := upsertChainCounter(tx, walletID, chain, ScopeChain, c); err != nil {
				return err
			}
		}
		for chain, c := range counters.Native {
			if err := upsertChainCounter(tx, walletID, chain, ScopeNative, c); err != nil {
				return err
			}
		}
		for key, c := range counters.ByToken {
			chain, contract, ok := splitTokenKey(key)
			if !ok {
				continue
			}
			err := tx.Model(&TokenWatchRecord{}).
				Where("wallet_id = ? AND chain = ? AND contract = ?", walletID, chain, contract).
				Updates(map[string]any{
					"transactions": c.Transactions,
					"successes":    c.Successes,
					"failures":     c.Failures,
					"gas_used":     bigColumn(c.GasUsed),
					"transferred":  bigColumn(c.Transferred),
				}).Error
			if err != nil {
				return fmt.Errorf("persist token counters: %w", err)
			}
		}
		return nil
	})
}

func upsertChainCounter(tx *gorm.DB, walletID uuid.UUID, chain, scope string, c registry.Counters) error {
	updates := map[string]any{
		"transactions": c.Transactions,
		"successes":    c.Successes,
		"failures":     c.Failures,
		"gas_used":     bigColumn(c.GasUsed),
		"transferred":  bigColumn(c.Transferred),
	}
	res := tx.Model(&ChainCounterRecord{}).
		Where("wallet_id = ? AND chain = ? AND scope = ?", walletID, chain, scope).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("persist chain counters: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	row := ChainCounterRecord{
		ID:           uuid.New(),
		WalletID:     walletID,
		Chain:        chain,
		Scope:        scope,
		Transactions: c.Transactions,
		Successes:    c.Successes,
		Failures:     c.Failures,
		GasUsed:      bigColumn(c.GasUsed),
		Transferred:  bigColumn(c.Transferred),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("persist chain counters: %w", err)
	}
	return nil
}

// ListChains returns the chain registry keyed by chain key.
func (s *Store) ListChains(ctx context.Context) (map[string]registry.ChainDescriptor, error) {
	var rows []ChainRecord
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	out := make(map[string]registry.ChainDescriptor, len(rows))
	for _, row := range rows {
		out[row.Key] = registry.ChainDescriptor{
			Key:     row.Key,
			Name:    row.Name,
			ChainID: big.NewInt(row.ChainID),
			RPCURLs: splitCSV(row.RPCURLs),
			Native: registry.NativeCurrency{
				Name:     row.NativeName,
				Symbol:   row.NativeSymbol,
				Decimals: row.NativeDecimals,
			},
			Explorer: row.Explorer,
		}
	}
	return out, nil
}

// ListTokenStandards maps chain key to standard alias to canonical standard.
func (s *Store) ListTokenStandards(ctx context.Context) (map[string]map[string]string, error) {
	var rows []TokenStandardRecord
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list token standards: %w", err)
	}
	out := make(map[string]map[string]string)
	for _, row := range rows {
		chain := strings.ToLower(row.Chain)
		if out[chain] == nil {
			out[chain] = make(map[string]string)
		}
		out[chain][strings.ToLower(row.Alias)] = strings.ToLower(row.Standard)
	}
	return out, nil
}

func countersFromColumns(txs, ok, failed uint64, gasUsed, transferred string) registry.Counters {
	c := registry.NewCounters()
	c.Transactions = txs
	c.Successes = ok
	c.Failures = failed
	if gasUsed != "" {
		if v, parsed := new(big.Int).SetString(gasUsed, 10); parsed {
			c.GasUsed = v
		}
	}
	if transferred != "" {
		if v, parsed := new(big.Int).SetString(transferred, 10); parsed {
			c.Transferred = v
		}
	}
	return c
}

func bigColumn(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitTokenKey undoes registry.TokenWatch.Key.
func splitTokenKey(key string) (chain, contract string, ok bool) {
	idx := strings.LastIndex(key, "/")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
