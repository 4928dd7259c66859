package chainpool

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Client is the subset of the Ethereum RPC surface the sweep engine uses.
// Narrowing the interface here keeps every consumer fakeable in tests.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// DialFunc opens a transport session against one endpoint.
type DialFunc func(ctx context.Context, url string) (Client, error)

// EthDial is the production DialFunc backed by go-ethereum's ethclient. It
// accepts http(s) and ws(s) endpoints alike.
func EthDial(ctx context.Context, url string) (Client, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("chainpool: empty endpoint url")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chainpool: dial %s: %w", trimmed, err)
	}
	return client, nil
}

// guardedClient wraps a Client with a per-endpoint rate limiter and circuit
// breaker. An open breaker surfaces as a transport error, which the pool
// treats as a dead endpoint.
type guardedClient struct {
	inner   Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func newGuardedClient(inner Client, limiter *rate.Limiter, breaker *gobreaker.CircuitBreaker) *guardedClient {
	return &guardedClient{inner: inner, limiter: limiter, breaker: breaker}
}

func (g *guardedClient) do(ctx context.Context, call func() (any, error)) (any, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if g.breaker != nil {
		return g.breaker.Execute(call)
	}
	return call()
}

func (g *guardedClient) BlockNumber(ctx context.Context) (uint64, error) {
	v, err := g.do(ctx, func() (any, error) { return g.inner.BlockNumber(ctx) })
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (g *guardedClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	v, err := g.do(ctx, func() (any, error) { return g.inner.BalanceAt(ctx, account, blockNumber) })
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (g *guardedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	v, err := g.do(ctx, func() (any, error) { return g.inner.PendingNonceAt(ctx, account) })
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (g *guardedClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	v, err := g.do(ctx, func() (any, error) { return g.inner.SuggestGasPrice(ctx) })
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (g *guardedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	v, err := g.do(ctx, func() (any, error) { return g.inner.CallContract(ctx, msg, blockNumber) })
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (g *guardedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := g.do(ctx, func() (any, error) { return nil, g.inner.SendTransaction(ctx, tx) })
	return err
}

func (g *guardedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	v, err := g.do(ctx, func() (any, error) { return g.inner.TransactionReceipt(ctx, txHash) })
	if err != nil {
		return nil, err
	}
	return v.(*types.Receipt), nil
}

func (g *guardedClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	// Subscriptions are long-lived; the limiter only gates the setup call.
	v, err := g.do(ctx, func() (any, error) { return g.inner.SubscribeNewHead(ctx, ch) })
	if err != nil {
		return nil, err
	}
	return v.(ethereum.Subscription), nil
}

func (g *guardedClient) Close() { g.inner.Close() }
