// Package boltstore implements the registry store on a single BoltDB file.
// It is the zero-dependency option for operators who do not run a database;
// the schema mirrors the relational store with JSON-encoded records.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"

	"sweepd/registry"
)

var (
	bucketWallets   = []byte("wallets")
	bucketUsers     = []byte("userconfigs")
	bucketChains    = []byte("chains")
	bucketStandards = []byte("standards")
)

// walletRecord is the JSON shape persisted per wallet.
type walletRecord struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"userId"`
	Name   string    `json:"name"`

	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`

	Chains          []string `json:"chains"`
	NativeRecipient string   `json:"nativeRecipient,omitempty"`
	Status          string   `json:"status"`
	Paused          bool     `json:"paused,omitempty"`

	Counters    counterRecord            `json:"counters"`
	ByChain     map[string]counterRecord `json:"byChain,omitempty"`
	Native      map[string]counterRecord `json:"native,omitempty"`
	Tokens      []tokenRecord            `json:"tokens,omitempty"`
	LastChecked time.Time                `json:"lastChecked,omitempty"`
	LastActive  time.Time                `json:"lastActive,omitempty"`
}

type counterRecord struct {
	Transactions uint64 `json:"transactions"`
	Successes    uint64 `json:"successes"`
	Failures     uint64 `json:"failures"`
	GasUsed      string `json:"gasUsed"`
	Transferred  string `json:"transferred"`
}

type tokenRecord struct {
	ID        uuid.UUID     `json:"id"`
	Chain     string        `json:"chain"`
	Contract  string        `json:"contract"`
	Recipient string        `json:"recipient"`
	Standard  string        `json:"standard"`
	TokenID   string        `json:"tokenId,omitempty"`
	Counters  counterRecord `json:"counters"`
}

type userConfigRecord struct {
	GasPriceMultiplier string `json:"gasPriceMultiplier,omitempty"`
	NativeMinBalance   string `json:"nativeMinBalance,omitempty"`
	NativeGasLimit     uint64 `json:"nativeGasLimit,omitempty"`
	MaxRetries         int    `json:"maxRetries,omitempty"`
	RetryDelayMS       int64  `json:"retryDelayMs,omitempty"`
	NativeEnabled      *bool  `json:"nativeEnabled,omitempty"`
}

type chainRecord struct {
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	ChainID        int64    `json:"chainId"`
	RPCURLs        []string `json:"rpc"`
	Explorer       string   `json:"explorer,omitempty"`
	NativeName     string   `json:"nativeName,omitempty"`
	NativeSymbol   string   `json:"nativeSymbol,omitempty"`
	NativeDecimals uint8    `json:"nativeDecimals,omitempty"`
}

// Store persists the wallet registry in a BoltDB file.
type Store struct {
	db  *bolt.DB
	log *slog.Logger
}

// Open initialises (and migrates) the BoltDB-backed store.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWallets, bucketUsers, bucketChains, bucketStandards} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate bolt store: %w", err)
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

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListActiveWallets loads every active wallet with signers attached. Records
// with broken configuration (bad key, unknown token standard) are skipped
// with a warning; one misconfigured wallet never blocks the rest.
func (s *Store) ListActiveWallets(ctx context.Context) ([]*registry.Wallet, error) {
	var out []*registry.Wallet
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWallets).ForEach(func(_, value []byte) error {
			var rec walletRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("decode wallet: %w", err)
			}
			if rec.Status != string(registry.StatusActive) {
				return nil
			}
			if wallet := s.decodeWallet(rec); wallet != nil {
				out = append(out, wallet)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decodeWallet returns nil for records whose key material cannot back a
// signer; broken token watches are dropped individually.
func (s *Store) decodeWallet(rec walletRecord) *registry.Wallet {
	signer, err := registry.NewKeySigner(rec.PrivateKey)
	if err != nil {
		s.log.Warn("wallet skipped: unusable key", "wallet", rec.ID, "err", err)
		return nil
	}
	wallet := &registry.Wallet{
		ID:              rec.ID,
		UserID:          rec.UserID,
		Name:            rec.Name,
		Address:         common.HexToAddress(rec.Address),
		Signer:          signer,
		Chains:          append([]string(nil), rec.Chains...),
		NativeRecipient: common.HexToAddress(rec.NativeRecipient),
		Status:          registry.WalletStatus(rec.Status),
		Paused:          rec.Paused,
		Counters:        decodeCounters(rec.Counters),
		ByChain:         make(map[string]registry.Counters),
		Native:          make(map[string]registry.Counters),
		LastChecked:     rec.LastChecked,
		LastActive:      rec.LastActive,
	}
	for chain, c := range rec.ByChain {
		wallet.ByChain[chain] = decodeCounters(c)
	}
	for chain, c := range rec.Native {
		wallet.Native[chain] = decodeCounters(c)
	}
	for _, t := range rec.Tokens {
		kind, err := registry.ParseTokenKind(t.Standard)
		if err != nil {
			s.log.Warn("token watch skipped", "wallet", rec.ID, "contract", t.Contract, "err", err)
			continue
		}
		watch := registry.TokenWatch{
			ID:        t.ID,
			Chain:     t.Chain,
			Contract:  common.HexToAddress(t.Contract),
			Recipient: common.HexToAddress(t.Recipient),
			Kind:      kind,
			Counters:  decodeCounters(t.Counters),
		}
		if t.TokenID != "" {
			id, ok := new(big.Int).SetString(t.TokenID, 10)
			if !ok {
				s.log.Warn("token watch skipped: bad token id", "wallet", rec.ID, "contract", t.Contract, "tokenId", t.TokenID)
				continue
			}
			watch.TokenID = id
		}
		wallet.Tokens = append(wallet.Tokens, watch)
	}
	return wallet
}

// PutWallet inserts or replaces a wallet record. The operator tooling uses
// this to seed the registry.
func (s *Store) PutWallet(wallet *registry.Wallet, privateKeyHex string) error {
	rec := walletRecord{
		ID:              wallet.ID,
		UserID:          wallet.UserID,
		Name:            wallet.Name,
		Address:         wallet.Address.Hex(),
		PrivateKey:      privateKeyHex,
		Chains:          append([]string(nil), wallet.Chains...),
		NativeRecipient: wallet.NativeRecipient.Hex(),
		Status:          string(wallet.Status),
		Paused:          wallet.Paused,
		Counters:        encodeCounters(wallet.Counters),
		ByChain:         encodeCounterMap(wallet.ByChain),
		Native:          encodeCounterMap(wallet.Native),
		LastChecked:     wallet.LastChecked,
		LastActive:      wallet.LastActive,
	}
	for _, t := range wallet.Tokens {
		token := tokenRecord{
			ID:        t.ID,
			Chain:     t.Chain,
			Contract:  t.Contract.Hex(),
			Recipient: t.Recipient.Hex(),
			Standard:  t.Kind.String(),
			Counters:  encodeCounters(t.Counters),
		}
		if t.TokenID != nil {
			token.TokenID = t.TokenID.String()
		}
		rec.Tokens = append(rec.Tokens, token)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wallet: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWallets).Put([]byte(wallet.ID.String()), payload)
	})
}

// AddToken registers a token watch on an existing wallet. Duplicate
// chain/contract pairs are replaced.
func (s *Store) AddToken(walletID uuid.UUID, watch registry.TokenWatch) error {
	token := tokenRecord{
		ID:        watch.ID,
		Chain:     watch.Chain,
		Contract:  watch.Contract.Hex(),
		Recipient: watch.Recipient.Hex(),
		Standard:  watch.Kind.String(),
		Counters:  encodeCounters(watch.Counters),
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if watch.TokenID != nil {
		token.TokenID = watch.TokenID.String()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWallets)
		key := []byte(walletID.String())
		value := bucket.Get(key)
		if value == nil {
			return fmt.Errorf("add token: wallet %s not found", walletID)
		}
		var rec walletRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode wallet: %w", err)
		}
		replaced := false
		for i := range rec.Tokens {
			if rec.Tokens[i].Chain == token.Chain && strings.EqualFold(rec.Tokens[i].Contract, token.Contract) {
				rec.Tokens[i] = token
				replaced = true
				break
			}
		}
		if !replaced {
			rec.Tokens = append(rec.Tokens, token)
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode wallet: %w", err)
		}
		return bucket.Put(key, payload)
	})
}

// UserConfig returns the per-owner sweep overrides; missing records inherit
// the daemon defaults.
func (s *Store) UserConfig(ctx context.Context, userID uuid.UUID) (registry.UserConfig, error) {
	var rec userConfigRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketUsers).Get([]byte(userID.String()))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &rec)
	})
	if err != nil {
		return registry.UserConfig{}, fmt.Errorf("user config %s: %w", userID, err)
	}
	if !found {
		return registry.UserConfig{}, nil
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

// PutUserConfig stores per-owner sweep overrides.
func (s *Store) PutUserConfig(userID uuid.UUID, cfg registry.UserConfig) error {
	rec := userConfigRecord{
		NativeGasLimit: cfg.NativeGasLimit,
		MaxRetries:     cfg.MaxRetries,
		RetryDelayMS:   cfg.RetryDelay.Milliseconds(),
		NativeEnabled:  cfg.NativeEnabled,
	}
	if !cfg.GasPriceMultiplier.IsZero() {
		rec.GasPriceMultiplier = cfg.GasPriceMultiplier.String()
	}
	if !cfg.NativeMinBalance.IsZero() {
		rec.NativeMinBalance = cfg.NativeMinBalance.String()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode user config: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(userID.String()), payload)
	})
}

// PersistCounters writes one wallet's counter state back.
func (s *Store) PersistCounters(ctx context.Context, walletID uuid.UUID, counters registry.CounterSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWallets)
		key := []byte(walletID.String())
		value := bucket.Get(key)
		if value == nil {
			return fmt.Errorf("persist counters: wallet %s not found", walletID)
		}
		var rec walletRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode wallet: %w", err)
		}
		rec.Counters = encodeCounters(counters.Totals)
		rec.ByChain = encodeCounterMap(counters.ByChain)
		rec.Native = encodeCounterMap(counters.Native)
		for i := range rec.Tokens {
			tokenKey := rec.Tokens[i].Chain + "/" + rec.Tokens[i].Contract
			if c, ok := counters.ByToken[tokenKey]; ok {
				rec.Tokens[i].Counters = encodeCounters(c)
			}
		}
		if !counters.LastChecked.IsZero() {
			rec.LastChecked = counters.LastChecked
		}
		if !counters.LastActive.IsZero() {
			rec.LastActive = counters.LastActive
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode wallet: %w", err)
		}
		return bucket.Put(key, payload)
	})
}

// ListChains returns the chain registry keyed by chain key.
func (s *Store) ListChains(ctx context.Context) (map[string]registry.ChainDescriptor, error) {
	out := make(map[string]registry.ChainDescriptor)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChains).ForEach(func(_, value []byte) error {
			var rec chainRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("decode chain: %w", err)
			}
			out[rec.Key] = registry.ChainDescriptor{
				Key:     rec.Key,
				Name:    rec.Name,
				ChainID: big.NewInt(rec.ChainID),
				RPCURLs: append([]string(nil), rec.RPCURLs...),
				Native: registry.NativeCurrency{
					Name:     rec.NativeName,
					Symbol:   rec.NativeSymbol,
					Decimals: rec.NativeDecimals,
				},
				Explorer: rec.Explorer,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutChain stores one chain descriptor.
func (s *Store) PutChain(desc registry.ChainDescriptor) error {
	rec := chainRecord{
		Key:            desc.Key,
		Name:           desc.Name,
		RPCURLs:        append([]string(nil), desc.RPCURLs...),
		Explorer:       desc.Explorer,
		NativeName:     desc.Native.Name,
		NativeSymbol:   desc.Native.Symbol,
		NativeDecimals: desc.Native.Decimals,
	}
	if desc.ChainID != nil {
		rec.ChainID = desc.ChainID.Int64()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode chain: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChains).Put([]byte(desc.Key), payload)
	})
}

// ListTokenStandards maps chain key to standard alias to canonical standard.
func (s *Store) ListTokenStandards(ctx context.Context) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStandards).ForEach(func(key, value []byte) error {
			var aliases map[string]string
			if err := json.Unmarshal(value, &aliases); err != nil {
				return fmt.Errorf("decode standards: %w", err)
			}
			out[strings.ToLower(string(key))] = aliases
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutTokenStandards stores the alias table for one chain.
func (s *Store) PutTokenStandards(chain string, aliases map[string]string) error {
	payload, err := json.Marshal(aliases)
	if err != nil {
		return fmt.Errorf("encode standards: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStandards).Put([]byte(strings.ToLower(chain)), payload)
	})
}

func decodeCounters(rec counterRecord) registry.Counters {
	c := registry.NewCounters()
	c.Transactions = rec.Transactions
	c.Successes = rec.Successes
	c.Failures = rec.Failures
	if rec.GasUsed != "" {
		if v, ok := new(big.Int).SetString(rec.GasUsed, 10); ok {
			c.GasUsed = v
		}
	}
	if rec.Transferred != "" {
		if v, ok := new(big.Int).SetString(rec.Transferred, 10); ok {
			c.Transferred = v
		}
	}
	return c
}

func encodeCounters(c registry.Counters) counterRecord {
	rec := counterRecord{
		Transactions: c.Transactions,
		Successes:    c.Successes,
		Failures:     c.Failures,
		GasUsed:      "0",
		Transferred:  "0",
	}
	if c.GasUsed != nil {
		rec.GasUsed = c.GasUsed.String()
	}
	if c.Transferred != nil {
		rec.Transferred = c.Transferred.String()
	}
	return rec
}

func encodeCounterMap(in map[string]registry.Counters) map[string]counterRecord {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]counterRecord, len(in))
	for k, v := range in {
		out[k] = encodeCounters(v)
	}
	return out
}
