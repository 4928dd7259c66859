package sweeper

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sweepd/gasoracle"
	"sweepd/registry"
	"sweepd/sweepguard"
)

// OutcomeRecorder receives interpreted sweep outcomes for aggregation.
type OutcomeRecorder interface {
	RecordOutcome(chain, asset string, success bool, gasUsed, amount *big.Int)
}

// Publisher emits fire-and-forget observability events.
type Publisher interface {
	Publish(event string, payload any)
}

// Defaults are the daemon-level sweep knobs; per-user overrides from the
// store are merged on top before each evaluation.
type Defaults struct {
	Multiplier       gasoracle.Multiplier
	NativeMinBalance decimal.Decimal
	NativeGasLimit   uint64
	MaxGasPrice      *big.Int
	MaxRetries       int
	RetryDelay       time.Duration
	NativeEnabled    bool
}

// Scheduler fans evaluation work out across wallets, chains, and assets.
// Every (wallet, chain, asset) pair is an independent unit of work: one
// failing pair never aborts the tick.
type Scheduler struct {
	defaults Defaults
	ledger   *registry.Ledger
	store    registry.Store
	conns    ConnectionSource
	exec     *Executor
	guard    *sweepguard.Guard
	outcomes OutcomeRecorder
	events   Publisher
	log      *slog.Logger

	reloadWallets chan struct{}
	reloadConfig  chan func()

	// ticksBusy drops overlapping full passes; per-asset overlap is already
	// handled by the guard, this just keeps the tick queue short.
	ticksBusy sync.Mutex
}

// NewScheduler wires the evaluation pipeline.
func NewScheduler(defaults Defaults, ledger *registry.Ledger, store registry.Store, conns ConnectionSource, exec *Executor, guard *sweepguard.Guard, outcomes OutcomeRecorder, events Publisher, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		defaults:      defaults,
		ledger:        ledger,
		store:         store,
		conns:         conns,
		exec:          exec,
		guard:         guard,
		outcomes:      outcomes,
		events:        events,
		log:           log,
		reloadWallets: make(chan struct{}, 1),
		reloadConfig:  make(chan func(), 1),
	}
}

// RequestWalletReload asks for a ledger refresh before the next tick.
// Idempotent and safe from any goroutine; in-flight evaluations finish on
// the wallet set they started with.
func (s *Scheduler) RequestWalletReload() {
	select {
	case s.reloadWallets <- struct{}{}:
	default:
	}
}

// RequestConfigUpdate swaps the sweep defaults before the next tick.
func (s *Scheduler) RequestConfigUpdate(apply func() Defaults) {
	fn := func() { s.defaults = apply() }
	select {
	case s.reloadConfig <- fn:
	default:
	}
}

// Run drives the pipeline from the trigger until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, trigger Trigger) {
	ticks := make(chan Tick, 16)
	go trigger.Run(ctx, func(t Tick) {
		select {
		case ticks <- t:
		default:
			// Evaluation is still draining the previous tick; skipping is
			// cheaper than queueing a burst of identical work.
		}
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reloadWallets:
			if err := s.ledger.Reload(ctx); err != nil {
				s.log.Error("wallet reload failed", "err", err)
			}
		case apply := <-s.reloadConfig:
			apply()
			s.log.Info("sweep configuration updated")
		case tick := <-ticks:
			s.runTick(ctx, tick)
		}
	}
}

// runTick evaluates all matching wallets concurrently and waits for the
// pass to finish.
func (s *Scheduler) runTick(ctx context.Context, tick Tick) {
	if !s.ticksBusy.TryLock() {
		return
	}
	defer s.ticksBusy.Unlock()

	var wallets []*registry.Wallet
	if tick.Chain == "" {
		wallets = s.ledger.Evaluable()
	} else {
		wallets = s.ledger.EvaluableOn(tick.Chain)
	}
	if len(wallets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, wallet := range wallets {
		wg.Add(1)
		go func(w *registry.Wallet) {
			defer wg.Done()
			s.evaluateWallet(ctx, w, tick.Chain)
		}(wallet)
	}
	wg.Wait()
	s.guard.Purge()
}

// evaluateWallet fans out over the wallet's (chain, asset) pairs.
func (s *Scheduler) evaluateWallet(ctx context.Context, wallet *registry.Wallet, onlyChain string) {
	params := s.paramsFor(ctx, wallet)
	touched := false

	var wg sync.WaitGroup
	for _, chain := range wallet.Chains {
		if onlyChain != "" && chain != onlyChain {
			continue
		}
		desc, known := s.conns.Descriptor(chain)
		if !known {
			s.log.Warn("wallet references unknown chain", "wallet", wallet.Address.Hex(), "chain", chain)
			continue
		}
		touched = true

		if params.nativeEnabled && wallet.NativeRecipient != (common.Address{}) {
			wg.Add(1)
			go func(chain string, decimals uint8) {
				defer wg.Done()
				s.evaluateNative(ctx, wallet, chain, params.forChain(decimals))
			}(chain, desc.Native.Decimals)
		}
		for _, watch := range wallet.TokensOn(chain) {
			wg.Add(1)
			go func(watch registry.TokenWatch, decimals uint8) {
				defer wg.Done()
				s.evaluateToken(ctx, wallet, watch, params.forChain(decimals))
			}(watch, desc.Native.Decimals)
		}
	}
	wg.Wait()
	if touched {
		s.ledger.Touch(wallet.ID)
	}
}

func (s *Scheduler) evaluateNative(ctx context.Context, wallet *registry.Wallet, chain string, params Params) {
	lease, ok := s.guard.TryAcquire(sweepguard.NativeKey(wallet.Address, chain))
	if !ok {
		return
	}
	defer s.guard.Release(lease)

	rcpt, err := s.exec.TransferNative(ctx, wallet, chain, params)
	s.settle(ctx, wallet, registry.Outcome{Chain: chain}, "native", rcpt, err)
}

func (s *Scheduler) evaluateToken(ctx context.Context, wallet *registry.Wallet, watch registry.TokenWatch, params Params) {
	lease, ok := s.guard.TryAcquire(sweepguard.TokenKey(wallet.Address, watch.Contract, watch.Chain))
	if !ok {
		return
	}
	defer s.guard.Release(lease)

	rcpt, err := s.exec.TransferToken(ctx, wallet, watch, params)
	s.settle(ctx, wallet, registry.Outcome{Chain: watch.Chain, TokenKey: watch.Key()}, watch.Kind.String(), rcpt, err)
}

// settle interprets one pair's result: read-class failures retry silently
// next tick, submit/receipt failures and reverts count as failed transfers,
// successes record gas and amount.
func (s *Scheduler) settle(ctx context.Context, wallet *registry.Wallet, outcome registry.Outcome, asset string, rcpt *Receipt, err error) {
	if err != nil {
		stage, ok := FailureStage(err)
		if ok && stage <= StageNonce {
			s.log.Debug("evaluation skipped", "wallet", wallet.Address.Hex(), "chain", outcome.Chain, "asset", asset, "stage", stage.String(), "err", err)
			return
		}
		s.log.Warn("transfer failed", "wallet", wallet.Address.Hex(), "chain", outcome.Chain, "asset", asset, "err", err)
		outcome.Success = false
		s.record(ctx, wallet, outcome, asset)
		return
	}
	if rcpt == nil {
		// Nothing above the reserve; only lastChecked moves.
		s.ledger.Touch(wallet.ID)
		return
	}
	outcome.Success = rcpt.Success
	outcome.GasUsed = rcpt.GasUsed
	outcome.Transferred = rcpt.Amount
	if !rcpt.Success {
		s.log.Warn("transfer reverted", "wallet", wallet.Address.Hex(), "chain", outcome.Chain, "asset", asset, "tx", rcpt.TxHash.Hex())
	} else {
		s.log.Info("sweep complete", "wallet", wallet.Address.Hex(), "chain", outcome.Chain, "asset", asset, "tx", rcpt.TxHash.Hex(), "amount", rcpt.Amount)
	}
	s.record(ctx, wallet, outcome, asset)
}

func (s *Scheduler) record(ctx context.Context, wallet *registry.Wallet, outcome registry.Outcome, asset string) {
	set, ok := s.ledger.RecordOutcome(wallet.ID, outcome)
	if !ok {
		return
	}
	if s.outcomes != nil {
		s.outcomes.RecordOutcome(outcome.Chain, asset, outcome.Success, outcome.GasUsed, outcome.Transferred)
	}
	if s.store != nil {
		if err := s.store.PersistCounters(ctx, wallet.ID, set); err != nil {
			s.log.Error("persist counters failed", "wallet", wallet.Address.Hex(), "err", err)
		}
	}
	if s.events != nil {
		s.events.Publish("sweep", map[string]any{
			"wallet":  wallet.Address.Hex(),
			"chain":   outcome.Chain,
			"asset":   asset,
			"success": outcome.Success,
		})
	}
}

// mergedParams carries the wallet's effective knobs plus the bits that need
// per-chain resolution (decimal balances scale by the chain's precision).
type mergedParams struct {
	base             Params
	nativeMinBalance decimal.Decimal
	nativeEnabled    bool
}

func (m mergedParams) forChain(decimals uint8) Params {
	out := m.base
	if !m.nativeMinBalance.IsZero() {
		out.NativeMinBalance = m.nativeMinBalance.Shift(int32(decimals)).BigInt()
	}
	return out
}

// paramsFor merges the daemon defaults with the wallet owner's overrides.
// A store error falls back to the defaults; sweeping with defaults beats
// skipping the wallet.
func (s *Scheduler) paramsFor(ctx context.Context, wallet *registry.Wallet) mergedParams {
	merged := mergedParams{
		base: Params{
			Multiplier:     s.defaults.Multiplier,
			NativeGasLimit: s.defaults.NativeGasLimit,
			MaxGasPrice:    s.defaults.MaxGasPrice,
			MaxRetries:     s.defaults.MaxRetries,
			RetryDelay:     s.defaults.RetryDelay,
		},
		nativeMinBalance: s.defaults.NativeMinBalance,
		nativeEnabled:    s.defaults.NativeEnabled,
	}
	if s.store == nil || wallet.UserID == uuid.Nil {
		return merged
	}
	user, err := s.store.UserConfig(ctx, wallet.UserID)
	if err != nil {
		s.log.Debug("user config unavailable", "wallet", wallet.Address.Hex(), "err", err)
		return merged
	}
	if !user.GasPriceMultiplier.IsZero() {
		if mult, err := gasoracle.MultiplierFromDecimal(user.GasPriceMultiplier); err == nil {
			merged.base.Multiplier = mult
		}
	}
	if !user.NativeMinBalance.IsZero() {
		merged.nativeMinBalance = user.NativeMinBalance
	}
	if user.NativeGasLimit > 0 {
		merged.base.NativeGasLimit = user.NativeGasLimit
	}
	if user.MaxRetries > 0 {
		merged.base.MaxRetries = user.MaxRetries
	}
	if user.RetryDelay > 0 {
		merged.base.RetryDelay = user.RetryDelay
	}
	if user.NativeEnabled != nil {
		merged.nativeEnabled = *user.NativeEnabled
	}
	return merged
}
