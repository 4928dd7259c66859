package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"sweepd/chainpool"
	"sweepd/gasoracle"
	"sweepd/noncetracker"
	"sweepd/registry"
)

// Stage identifies where in the transfer pipeline a failure happened. Read
// stages abort the pair silently (retried next tick); submit and receipt
// stages count as failed transactions.
type Stage uint8

const (
	StageRead Stage = iota
	StageGas
	StageNonce
	StageSign
	StageSubmit
	StageReceipt
)

// String names the stage for logs.
func (s Stage) String() string {
	switch s {
	case StageRead:
		return "read"
	case StageGas:
		return "gas"
	case StageNonce:
		return "nonce"
	case StageSign:
		return "sign"
	case StageSubmit:
		return "submit"
	case StageReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// StageError wraps a pipeline failure with its stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("sweeper: %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error { return &StageError{Stage: stage, Err: err} }

// FailureStage extracts the stage from an executor error; ok is false for
// non-pipeline errors.
func FailureStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return 0, false
}

// ErrReceiptTimeout is wrapped into StageReceipt failures when the bounded
// confirmation wait expires before the network reports the transaction.
var ErrReceiptTimeout = errors.New("sweeper: receipt wait timed out")

// ConnectionSource is the pool surface the executor consumes.
type ConnectionSource interface {
	Connection(ctx context.Context, chain string) (chainpool.Client, error)
	ReportFailure(chain string, err error)
	Descriptor(chain string) (registry.ChainDescriptor, bool)
}

// Params carries the merged (daemon defaults + user overrides) knobs for one
// transfer attempt.
type Params struct {
	Multiplier     gasoracle.Multiplier
	NativeGasLimit uint64
	// NativeMinBalance is kept in the wallet on top of the gas reserve,
	// in smallest units.
	NativeMinBalance *big.Int
	// MaxGasPrice skips the sweep when the adjusted price exceeds it;
	// nil disables the cap.
	MaxGasPrice *big.Int
	MaxRetries  int
	RetryDelay  time.Duration
}

// Receipt is the interpreted outcome of a submitted transfer.
type Receipt struct {
	TxHash  common.Hash
	Success bool
	GasUsed *big.Int
	// Amount is the value the transfer moved (native units swept or token
	// balance transferred).
	Amount *big.Int
}

// Executor builds, signs, submits, and confirms one transfer at a time.
// A nil receipt with nil error means there was nothing to sweep.
type Executor struct {
	conns  ConnectionSource
	oracle *gasoracle.Oracle
	nonces *noncetracker.Allocator
	log    *slog.Logger

	receiptTimeout time.Duration
	receiptPoll    time.Duration
}

// NewExecutor constructs a transfer executor.
func NewExecutor(conns ConnectionSource, oracle *gasoracle.Oracle, nonces *noncetracker.Allocator, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		conns:          conns,
		oracle:         oracle,
		nonces:         nonces,
		log:            log,
		receiptTimeout: 90 * time.Second,
		receiptPoll:    2 * time.Second,
	}
}

// WithReceiptWait tunes the confirmation poll; zero values keep defaults.
func (e *Executor) WithReceiptWait(timeout, poll time.Duration) *Executor {
	if timeout > 0 {
		e.receiptTimeout = timeout
	}
	if poll > 0 {
		e.receiptPoll = poll
	}
	return e
}

// TransferNative sweeps a wallet's spendable native balance on one chain to
// its native recipient, withholding the gas reserve and the configured
// minimum balance.
func (e *Executor) TransferNative(ctx context.Context, wallet *registry.Wallet, chain string, params Params) (*Receipt, error) {
	desc, ok := e.conns.Descriptor(chain)
	if !ok {
		return nil, stageErr(StageRead, fmt.Errorf("%w: %s", chainpool.ErrChainUnknown, chain))
	}
	client, err := e.conns.Connection(ctx, chain)
	if err != nil {
		return nil, stageErr(StageRead, err)
	}

	balance, err := client.BalanceAt(ctx, wallet.Address, nil)
	if err != nil {
		e.conns.ReportFailure(chain, err)
		return nil, stageErr(StageRead, err)
	}

	gasLimit := params.NativeGasLimit
	if gasLimit == 0 {
		gasLimit = 21_000
	}
	gasPrice, err := e.adjustedGasPrice(ctx, chain, params)
	if err != nil {
		return nil, err
	}
	if gasPrice == nil {
		// Price cap exceeded; wait for a cheaper block.
		return nil, nil
	}

	reserve := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	spendable := new(big.Int).Set(balance)
	if params.NativeMinBalance != nil {
		spendable.Sub(spendable, params.NativeMinBalance)
	}
	amount := new(big.Int).Sub(spendable, reserve)
	if amount.Sign() <= 0 {
		return nil, nil
	}

	nonce, err := e.nonces.Reserve(ctx, chain, wallet.Address)
	if err != nil {
		return nil, stageErr(StageNonce, err)
	}

	recipient := wallet.NativeRecipient
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    amount,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	return e.signAndSubmit(ctx, client, wallet, chain, desc.ChainID, tx, params, amount)
}

// TransferToken sweeps the full balance of a watched token to the watch's
// recipient. Gas is paid in the chain's native currency, so the token amount
// is never reduced by a reserve.
func (e *Executor) TransferToken(ctx context.Context, wallet *registry.Wallet, watch registry.TokenWatch, params Params) (*Receipt, error) {
	chain := watch.Chain
	desc, ok := e.conns.Descriptor(chain)
	if !ok {
		return nil, stageErr(StageRead, fmt.Errorf("%w: %s", chainpool.ErrChainUnknown, chain))
	}
	codec, err := codecFor(watch.Kind)
	if err != nil {
		return nil, stageErr(StageRead, err)
	}
	// A nonfungible watch needs a token id before anything is signed. It is a
	// registration mistake, so treat it like a read failure and skip quietly
	// instead of recording a failed sweep every tick.
	if watch.Kind == registry.KindNonFungible && watch.TokenID == nil {
		return nil, stageErr(StageRead, fmt.Errorf("token watch %s on %s has no token id", watch.Contract.Hex(), chain))
	}
	client, err := e.conns.Connection(ctx, chain)
	if err != nil {
		return nil, stageErr(StageRead, err)
	}

	callData, err := codec.balanceCall(wallet.Address, watch.TokenID)
	if err != nil {
		return nil, stageErr(StageRead, err)
	}
	contract := watch.Contract
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: callData}, nil)
	if err != nil {
		e.conns.ReportFailure(chain, err)
		return nil, stageErr(StageRead, err)
	}
	balance, err := codec.unpackBalance(result)
	if err != nil {
		return nil, stageErr(StageRead, err)
	}
	if balance.Sign() == 0 {
		return nil, nil
	}

	gasPrice, err := e.adjustedGasPrice(ctx, chain, params)
	if err != nil {
		return nil, err
	}
	if gasPrice == nil {
		return nil, nil
	}

	nonce, err := e.nonces.Reserve(ctx, chain, wallet.Address)
	if err != nil {
		return nil, stageErr(StageNonce, err)
	}

	data, err := codec.transferCall(wallet.Address, watch.Recipient, balance, watch.TokenID)
	if err != nil {
		return nil, stageErr(StageSign, err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    new(big.Int),
		Gas:      codec.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	return e.signAndSubmit(ctx, client, wallet, chain, desc.ChainID, tx, params, balance)
}

// adjustedGasPrice reads the oracle price and applies the multiplier and the
// optional cap. A nil price with nil error signals the cap was exceeded.
func (e *Executor) adjustedGasPrice(ctx context.Context, chain string, params Params) (*big.Int, error) {
	raw, err := e.oracle.Price(ctx, chain)
	if err != nil {
		return nil, stageErr(StageGas, err)
	}
	price := params.Multiplier.Apply(raw)
	if params.MaxGasPrice != nil && price.Cmp(params.MaxGasPrice) > 0 {
		e.log.Debug("gas price above cap", "chain", chain, "price", price, "cap", params.MaxGasPrice)
		return nil, nil
	}
	return price, nil
}

func (e *Executor) signAndSubmit(ctx context.Context, client chainpool.Client, wallet *registry.Wallet, chain string, chainID *big.Int, tx *types.Transaction, params Params, amount *big.Int) (*Receipt, error) {
	if wallet.Signer == nil {
		return nil, stageErr(StageSign, fmt.Errorf("wallet %s has no signer", wallet.Address.Hex()))
	}
	signed, err := wallet.Signer.SignTx(chainID, tx)
	if err != nil {
		return nil, stageErr(StageSign, err)
	}

	if err := e.submit(ctx, client, chain, signed, params); err != nil {
		return nil, stageErr(StageSubmit, err)
	}
	e.log.Info("transfer submitted",
		"chain", chain, "wallet", wallet.Address.Hex(), "tx", signed.Hash().Hex(), "amount", amount)

	rec, err := e.waitReceipt(ctx, client, chain, signed.Hash())
	if err != nil {
		return nil, stageErr(StageReceipt, err)
	}
	return &Receipt{
		TxHash:  signed.Hash(),
		Success: rec.Status == types.ReceiptStatusSuccessful,
		GasUsed: new(big.Int).SetUint64(rec.GasUsed),
		Amount:  new(big.Int).Set(amount),
	}, nil
}

// submit broadcasts with a bounded retry loop. Only transport-class errors
// are retried; the node rejecting the transaction outright is final.
func (e *Executor) submit(ctx context.Context, client chainpool.Client, chain string, tx *types.Transaction, params Params) error {
	attempts := params.MaxRetries
	if attempts < 0 {
		attempts = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = client.SendTransaction(ctx, tx)
		if err == nil {
			return nil
		}
		e.conns.ReportFailure(chain, err)
		if attempt >= attempts || ctx.Err() != nil {
			return err
		}
		delay := params.RetryDelay
		if delay <= 0 {
			delay = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// waitReceipt polls for the receipt with a hard deadline so a congested
// chain cannot pin the evaluation forever.
func (e *Executor) waitReceipt(ctx context.Context, client chainpool.Client, chain string, hash common.Hash) (*types.Receipt, error) {
	deadline, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()
	ticker := time.NewTicker(e.receiptPoll)
	defer ticker.Stop()
	for {
		rec, err := client.TransactionReceipt(deadline, hash)
		if err == nil && rec != nil {
			return rec, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.conns.ReportFailure(chain, err)
			return nil, err
		}
		select {
		case <-deadline.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}
