package noncetracker_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"sweepd/chainpool"
	"sweepd/noncetracker"
)

type nonceClient struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
	err    error
	reads  int
}

func (c *nonceClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.err != nil {
		return 0, c.err
	}
	return c.nonces[account], nil
}

func (c *nonceClient) bump(account common.Address) {
	c.mu.Lock()
	c.nonces[account]++
	c.mu.Unlock()
}

func (c *nonceClient) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *nonceClient) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (c *nonceClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return nil, errors.New("not implemented")
}
func (c *nonceClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return nil, errors.New("not implemented")
}
func (c *nonceClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (c *nonceClient) SendTransaction(context.Context, *types.Transaction) error {
	return errors.New("not implemented")
}
func (c *nonceClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (c *nonceClient) SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("not implemented")
}
func (c *nonceClient) Close() {}

type nonceConns struct {
	client   chainpool.Client
	connErr  error
	failures int
}

func (s *nonceConns) Connection(ctx context.Context, chain string) (chainpool.Client, error) {
	if s.connErr != nil {
		return nil, s.connErr
	}
	return s.client, nil
}

func (s *nonceConns) ReportFailure(chain string, err error) { s.failures++ }

func TestReserveAlwaysReadsNetwork(t *testing.T) {
	account := common.HexToAddress("0x1")
	client := &nonceClient{nonces: map[common.Address]uint64{account: 7}}
	alloc := noncetracker.New(&nonceConns{client: client})

	nonce, err := alloc.Reserve(context.Background(), "ethereum", account)
	require.NoError(t, err)
	require.Equal(t, uint64(7), nonce)

	// A submission from another process bumps the network nonce; the next
	// reserve must observe it instead of trusting the local hint.
	client.bump(account)
	nonce, err = alloc.Reserve(context.Background(), "ethereum", account)
	require.NoError(t, err)
	require.Equal(t, uint64(8), nonce)
	require.Equal(t, 2, client.readCount())
}

func TestHintTracksNextNonce(t *testing.T) {
	account := common.HexToAddress("0x1")
	client := &nonceClient{nonces: map[common.Address]uint64{account: 3}}
	alloc := noncetracker.New(&nonceConns{client: client})

	_, ok := alloc.Hint("ethereum", account)
	require.False(t, ok)

	_, err := alloc.Reserve(context.Background(), "ethereum", account)
	require.NoError(t, err)

	hint, ok := alloc.Hint("ethereum", account)
	require.True(t, ok)
	require.Equal(t, uint64(4), hint)

	// Same address on another chain tracks independently.
	_, ok = alloc.Hint("bsc", account)
	require.False(t, ok)
}

func TestReserveReadErrorReportsFailure(t *testing.T) {
	readErr := errors.New("connection reset")
	conns := &nonceConns{client: &nonceClient{nonces: map[common.Address]uint64{}, err: readErr}}
	alloc := noncetracker.New(conns)

	_, err := alloc.Reserve(context.Background(), "ethereum", common.HexToAddress("0x1"))
	require.ErrorIs(t, err, readErr)
	require.Equal(t, 1, conns.failures)
}
