package sweeper_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"sweepd/chainpool"
	"sweepd/gasoracle"
	"sweepd/noncetracker"
	"sweepd/registry"
	"sweepd/sweeper"
)

// Well-known throwaway key; never funded anywhere that matters.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeChain struct {
	mu sync.Mutex

	balance      *big.Int
	tokenBalance *big.Int
	gasPrice     *big.Int
	nonce        uint64

	balanceErr error
	sendErr    error
	sendFails  int

	submitted     []*types.Transaction
	receiptStatus uint64
	receiptGas    uint64
	receiptDelay  int
	receiptPolls  int
	noReceipt     bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balance:       big.NewInt(0),
		tokenBalance:  big.NewInt(0),
		gasPrice:      big.NewInt(20),
		receiptStatus: types.ReceiptStatusSuccessful,
		receiptGas:    21_000,
	}
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func (c *fakeChain) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balanceErr != nil {
		return nil, c.balanceErr
	}
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return common.LeftPadBytes(c.tokenBalance.Bytes(), 32), nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil && c.sendFails != 0 {
		if c.sendFails > 0 {
			c.sendFails--
		}
		return c.sendErr
	}
	c.submitted = append(c.submitted, tx)
	c.nonce++
	return nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptPolls++
	if c.noReceipt || len(c.submitted) == 0 {
		return nil, ethereum.NotFound
	}
	if c.receiptDelay > 0 {
		c.receiptDelay--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: c.receiptStatus, GasUsed: c.receiptGas, TxHash: hash}, nil
}

func (c *fakeChain) SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeChain) Close() {}

func (c *fakeChain) submittedTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.submitted...)
}

type fakeConns struct {
	mu       sync.Mutex
	client   *fakeChain
	desc     registry.ChainDescriptor
	failures int
}

func newFakeConns(client *fakeChain) *fakeConns {
	return &fakeConns{
		client: client,
		desc: registry.ChainDescriptor{
			Key:     "ethereum",
			Name:    "Ethereum",
			ChainID: big.NewInt(1),
			Native:  registry.NativeCurrency{Symbol: "ETH", Decimals: 18},
		},
	}
}

func (f *fakeConns) Connection(ctx context.Context, chain string) (chainpool.Client, error) {
	return f.client, nil
}

func (f *fakeConns) ReportFailure(chain string, err error) {
	f.mu.Lock()
	f.failures++
	f.mu.Unlock()
}

func (f *fakeConns) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *fakeConns) Descriptor(chain string) (registry.ChainDescriptor, bool) {
	if chain != f.desc.Key {
		return registry.ChainDescriptor{}, false
	}
	return f.desc, true
}

func testWallet(t *testing.T) *registry.Wallet {
	t.Helper()
	signer, err := registry.NewKeySigner(testKeyHex)
	require.NoError(t, err)
	return &registry.Wallet{
		ID:              uuid.New(),
		Address:         signer.Address(),
		Signer:          signer,
		Chains:          []string{"ethereum"},
		NativeRecipient: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Status:          registry.StatusActive,
	}
}

func newExecutor(conns *fakeConns) *sweeper.Executor {
	oracle := gasoracle.New(conns, time.Minute)
	nonces := noncetracker.New(conns)
	return sweeper.NewExecutor(conns, oracle, nonces, nil).
		WithReceiptWait(time.Second, time.Millisecond)
}

func mustMultiplier(t *testing.T, s string) gasoracle.Multiplier {
	t.Helper()
	mult, err := gasoracle.ParseMultiplier(s)
	require.NoError(t, err)
	return mult
}

func TestNativeSweepWithholdsGasReserve(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	chain.nonce = 5
	conns := newFakeConns(chain)
	exec := newExecutor(conns)
	wallet := testWallet(t)

	rcpt, err := exec.TransferNative(context.Background(), wallet, "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
	})
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.True(t, rcpt.Success)

	txs := chain.submittedTxs()
	require.Len(t, txs, 1)
	tx := txs[0]
	// reserve = 20 * 21000 = 420000; swept = 1000000 - 420000.
	require.Equal(t, big.NewInt(580_000), tx.Value())
	require.Equal(t, big.NewInt(580_000), rcpt.Amount)
	require.Equal(t, uint64(21_000), tx.Gas())
	require.Equal(t, big.NewInt(20), tx.GasPrice())
	require.Equal(t, uint64(5), tx.Nonce())
	require.Equal(t, wallet.NativeRecipient, *tx.To())
}

func TestNativeSweepKeepsMinimumBalance(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	rcpt, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit:   21_000,
		NativeMinBalance: big.NewInt(500_000),
	})
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.Equal(t, big.NewInt(80_000), chain.submittedTxs()[0].Value())
}

func TestNativeSweepSkipsBelowReserve(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(400_000)
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	rcpt, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
	})
	require.NoError(t, err)
	require.Nil(t, rcpt)
	require.Empty(t, chain.submittedTxs())

	// An exact-reserve balance nets zero and is equally skipped.
	chain.balance = big.NewInt(420_000)
	rcpt, err = exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
	})
	require.NoError(t, err)
	require.Nil(t, rcpt)
	require.Empty(t, chain.submittedTxs())
}

func TestNativeSweepAppliesMultiplier(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	rcpt, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		Multiplier:     mustMultiplier(t, "1.5"),
		NativeGasLimit: 21_000,
	})
	require.NoError(t, err)
	require.NotNil(t, rcpt)

	tx := chain.submittedTxs()[0]
	require.Equal(t, big.NewInt(30), tx.GasPrice())
	// reserve = 30 * 21000 = 630000.
	require.Equal(t, big.NewInt(370_000), tx.Value())
}

func TestNativeSweepRespectsGasPriceCap(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	rcpt, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
		MaxGasPrice:    big.NewInt(10),
	})
	require.NoError(t, err)
	require.Nil(t, rcpt)
	require.Empty(t, chain.submittedTxs())
}

func TestRevertedTransferReportsFailureWithGas(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	chain.receiptStatus = types.ReceiptStatusFailed
	chain.receiptGas = 21_000
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	rcpt, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
	})
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.False(t, rcpt.Success)
	require.Equal(t, big.NewInt(21_000), rcpt.GasUsed)
}

func TestBalanceReadFailureIsSilentStage(t *testing.T) {
	chain := newFakeChain()
	chain.balanceErr = errors.New("connection refused")
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	_, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{})
	require.Error(t, err)
	stage, ok := sweeper.FailureStage(err)
	require.True(t, ok)
	require.Equal(t, sweeper.StageRead, stage)
	require.Equal(t, 1, conns.failureCount())
}

func TestSubmitRetriesTransportErrors(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	chain.sendErr = errors.New("i/o timeout")
	chain.sendFails = 2
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	rcpt, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.Len(t, chain.submittedTxs(), 1)
	require.Equal(t, 2, conns.failureCount())
}

func TestSubmitExhaustedRetriesFailAtSubmitStage(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	chain.sendErr = errors.New("i/o timeout")
	chain.sendFails = -1
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	_, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
	})
	require.Error(t, err)
	stage, ok := sweeper.FailureStage(err)
	require.True(t, ok)
	require.Equal(t, sweeper.StageSubmit, stage)
	require.Empty(t, chain.submittedTxs())
}

func TestReceiptTimeoutSurfacesAsReceiptStage(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	chain.noReceipt = true
	conns := newFakeConns(chain)
	oracle := gasoracle.New(conns, time.Minute)
	nonces := noncetracker.New(conns)
	exec := sweeper.NewExecutor(conns, oracle, nonces, nil).
		WithReceiptWait(30*time.Millisecond, 5*time.Millisecond)

	_, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
	})
	require.ErrorIs(t, err, sweeper.ErrReceiptTimeout)
	stage, ok := sweeper.FailureStage(err)
	require.True(t, ok)
	require.Equal(t, sweeper.StageReceipt, stage)
}

func TestReceiptPollToleratesNotFound(t *testing.T) {
	chain := newFakeChain()
	chain.balance = big.NewInt(1_000_000)
	chain.receiptDelay = 3
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	rcpt, err := exec.TransferNative(context.Background(), testWallet(t), "ethereum", sweeper.Params{
		NativeGasLimit: 21_000,
	})
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.True(t, rcpt.Success)
	require.Equal(t, 0, conns.failureCount())
}

func TestUnknownChainFailsAtReadStage(t *testing.T) {
	conns := newFakeConns(newFakeChain())
	exec := newExecutor(conns)

	_, err := exec.TransferNative(context.Background(), testWallet(t), "arbitrum", sweeper.Params{})
	require.ErrorIs(t, err, chainpool.ErrChainUnknown)
	stage, ok := sweeper.FailureStage(err)
	require.True(t, ok)
	require.Equal(t, sweeper.StageRead, stage)
}

func TestFungibleTokenSweepMovesFullBalance(t *testing.T) {
	chain := newFakeChain()
	chain.tokenBalance = big.NewInt(123_456)
	chain.receiptGas = 60_000
	conns := newFakeConns(chain)
	exec := newExecutor(conns)
	wallet := testWallet(t)

	watch := registry.TokenWatch{
		ID:        uuid.New(),
		Chain:     "ethereum",
		Contract:  common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		Recipient: common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		Kind:      registry.KindFungible,
	}
	rcpt, err := exec.TransferToken(context.Background(), wallet, watch, sweeper.Params{})
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.True(t, rcpt.Success)
	require.Equal(t, big.NewInt(123_456), rcpt.Amount)

	tx := chain.submittedTxs()[0]
	require.Equal(t, watch.Contract, *tx.To())
	require.Equal(t, big.NewInt(0), tx.Value())
	require.Equal(t, uint64(100_000), tx.Gas())
	// transfer(address,uint256) selector.
	require.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, tx.Data()[:4])
}

func TestTokenSweepSkipsZeroBalance(t *testing.T) {
	chain := newFakeChain()
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	watch := registry.TokenWatch{
		Chain:     "ethereum",
		Contract:  common.HexToAddress("0xbb"),
		Recipient: common.HexToAddress("0xcc"),
		Kind:      registry.KindFungible,
	}
	rcpt, err := exec.TransferToken(context.Background(), testWallet(t), watch, sweeper.Params{})
	require.NoError(t, err)
	require.Nil(t, rcpt)
	require.Empty(t, chain.submittedTxs())
}

func TestMultiTokenSweepRequiresTokenID(t *testing.T) {
	chain := newFakeChain()
	chain.tokenBalance = big.NewInt(9)
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	watch := registry.TokenWatch{
		Chain:     "ethereum",
		Contract:  common.HexToAddress("0xbb"),
		Recipient: common.HexToAddress("0xcc"),
		Kind:      registry.KindMultiToken,
	}
	_, err := exec.TransferToken(context.Background(), testWallet(t), watch, sweeper.Params{})
	require.Error(t, err)
	stage, ok := sweeper.FailureStage(err)
	require.True(t, ok)
	require.Equal(t, sweeper.StageRead, stage)

	watch.TokenID = big.NewInt(42)
	rcpt, err := exec.TransferToken(context.Background(), testWallet(t), watch, sweeper.Params{})
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.Equal(t, uint64(200_000), chain.submittedTxs()[0].Gas())
}

func TestNonFungibleSweepRequiresTokenID(t *testing.T) {
	chain := newFakeChain()
	chain.tokenBalance = big.NewInt(1)
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	watch := registry.TokenWatch{
		Chain:     "ethereum",
		Contract:  common.HexToAddress("0xbb"),
		Recipient: common.HexToAddress("0xcc"),
		Kind:      registry.KindNonFungible,
	}
	_, err := exec.TransferToken(context.Background(), testWallet(t), watch, sweeper.Params{})
	require.Error(t, err)
	// A missing token id is a registration mistake, not a sweep failure, so
	// it surfaces at the read stage where the scheduler skips quietly.
	stage, ok := sweeper.FailureStage(err)
	require.True(t, ok)
	require.Equal(t, sweeper.StageRead, stage)
	require.Empty(t, chain.submittedTxs())
}

func TestNonFungibleSweepUsesTransferFrom(t *testing.T) {
	chain := newFakeChain()
	chain.tokenBalance = big.NewInt(1)
	conns := newFakeConns(chain)
	exec := newExecutor(conns)

	watch := registry.TokenWatch{
		Chain:     "ethereum",
		Contract:  common.HexToAddress("0xbb"),
		Recipient: common.HexToAddress("0xcc"),
		Kind:      registry.KindNonFungible,
		TokenID:   big.NewInt(7),
	}
	rcpt, err := exec.TransferToken(context.Background(), testWallet(t), watch, sweeper.Params{})
	require.NoError(t, err)
	require.NotNil(t, rcpt)

	tx := chain.submittedTxs()[0]
	require.Equal(t, uint64(150_000), tx.Gas())
	// transferFrom(address,address,uint256) selector.
	require.Equal(t, []byte{0x23, 0xb8, 0x72, 0xdd}, tx.Data()[:4])
}
