package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// Tick asks the scheduler to evaluate wallets. An empty Chain means "all
// chains"; a set Chain restricts the pass to wallets watching it.
type Tick struct {
	Chain string
}

// Trigger drives the evaluation pipeline. Interval polling and new-block
// subscriptions are interchangeable sources feeding the same pipeline.
type Trigger interface {
	Run(ctx context.Context, fire func(Tick))
}

// IntervalTrigger fires a full pass on a fixed period.
type IntervalTrigger struct {
	Every time.Duration
}

// Run emits ticks until the context is cancelled.
func (t IntervalTrigger) Run(ctx context.Context, fire func(Tick)) {
	every := t.Every
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire(Tick{})
		}
	}
}

// BlockTrigger fires a chain-scoped tick for every new head on each chain.
// Subscriptions are re-established after errors with a fixed backoff; a
// chain without a live websocket endpoint keeps retrying without affecting
// the others.
type BlockTrigger struct {
	Conns  ConnectionSource
	Chains []string
	// Backoff between resubscribe attempts; defaults to 5s.
	Backoff time.Duration
	Log     *slog.Logger
}

// Run blocks until the context is cancelled, one subscription loop per chain.
func (t BlockTrigger) Run(ctx context.Context, fire func(Tick)) {
	log := t.Log
	if log == nil {
		log = slog.Default()
	}
	backoff := t.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for _, chain := range t.Chains {
		go func(chain string) {
			t.watch(ctx, chain, fire, backoff, log)
		}(chain)
	}
	<-ctx.Done()
}

func (t BlockTrigger) watch(ctx context.Context, chain string, fire func(Tick), backoff time.Duration, log *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.subscribe(ctx, chain, fire); err != nil && ctx.Err() == nil {
			log.Warn("head subscription lost", "chain", chain, "err", err)
			t.Conns.ReportFailure(chain, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (t BlockTrigger) subscribe(ctx context.Context, chain string, fire func(Tick)) error {
	client, err := t.Conns.Connection(ctx, chain)
	if err != nil {
		return err
	}
	heads := make(chan *types.Header, 8)
	sub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case <-heads:
			fire(Tick{Chain: chain})
		}
	}
}
