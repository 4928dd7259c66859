package chainpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"sweepd/registry"
)

// ErrChainUnknown is returned for chains absent from the registry.
var ErrChainUnknown = errors.New("chainpool: unknown chain")

// ErrNoEndpoints is returned when every configured endpoint for a chain
// failed its liveness check. The caller skips the chain for the tick.
var ErrNoEndpoints = errors.New("chainpool: no live endpoints")

// Recorder receives chain-level connectivity signals.
type Recorder interface {
	RPCError(chain string)
	SetConnections(chain string, n int)
}

// Options tune pool behaviour.
type Options struct {
	DialTimeout     time.Duration
	LivenessTimeout time.Duration
	// RateLimit caps RPC calls per second per endpoint; zero disables.
	RateLimit rate.Limit
	RateBurst int
	// BreakerThreshold is the consecutive-failure count that opens an
	// endpoint's breaker; BreakerCooldown is how long it stays open.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.LivenessTimeout <= 0 {
		out.LivenessTimeout = 5 * time.Second
	}
	if out.BreakerThreshold == 0 {
		out.BreakerThreshold = 5
	}
	if out.BreakerCooldown <= 0 {
		out.BreakerCooldown = 30 * time.Second
	}
	if out.RateBurst <= 0 {
		out.RateBurst = 1
	}
	return out
}

type activeConn struct {
	url    string
	client Client
}

type chainState struct {
	mu     sync.Mutex
	active *activeConn
}

// Pool owns one active connection per chain, selected from the chain's
// ordered endpoint list and replaced on failure. Selection never blocks
// callers interested in other chains.
type Pool struct {
	log      *slog.Logger
	dial     DialFunc
	opts     Options
	recorder Recorder

	mu       sync.RWMutex
	chains   map[string]registry.ChainDescriptor
	states   map[string]*chainState
	breakers map[string]*gobreaker.CircuitBreaker
}

// New constructs a pool over the given chain registry.
func New(chains map[string]registry.ChainDescriptor, opts Options, recorder Recorder, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		log:      log,
		dial:     EthDial,
		opts:     opts.withDefaults(),
		recorder: recorder,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	p.SetChains(chains)
	return p
}

// WithDial overrides the dial function; used by tests and alternative
// transports.
func (p *Pool) WithDial(dial DialFunc) *Pool {
	if dial != nil {
		p.dial = dial
	}
	return p
}

// SetChains replaces the chain registry. Existing connections for chains
// that survive the swap are kept.
func (p *Pool) SetChains(chains map[string]registry.ChainDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains = make(map[string]registry.ChainDescriptor, len(chains))
	next := make(map[string]*chainState, len(chains))
	for key, desc := range chains {
		p.chains[key] = desc
		if p.states != nil {
			if st, ok := p.states[key]; ok {
				next[key] = st
				continue
			}
		}
		next[key] = &chainState{}
	}
	// Connections for removed chains are torn down.
	for key, st := range p.states {
		if _, ok := next[key]; ok {
			continue
		}
		st.mu.Lock()
		if st.active != nil {
			st.active.client.Close()
			st.active = nil
		}
		st.mu.Unlock()
	}
	p.states = next
}

// Descriptor returns the registry entry for a chain.
func (p *Pool) Descriptor(chain string) (registry.ChainDescriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	desc, ok := p.chains[chain]
	return desc, ok
}

// Chains lists the registered chain keys.
func (p *Pool) Chains() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.chains))
	for key := range p.chains {
		out = append(out, key)
	}
	return out
}

// Connection returns a live client for the chain, performing endpoint
// selection if none is active. Every endpoint that fails to open or to
// answer a block-number probe counts one chain RPC error.
func (p *Pool) Connection(ctx context.Context, chain string) (Client, error) {
	p.mu.RLock()
	desc, known := p.chains[chain]
	st := p.states[chain]
	p.mu.RUnlock()
	if !known || st == nil {
		return nil, fmt.Errorf("%w: %s", ErrChainUnknown, chain)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active != nil {
		return st.active.client, nil
	}
	for _, url := range desc.RPCURLs {
		client, err := p.open(ctx, chain, url)
		if err != nil {
			p.countError(chain)
			p.log.Warn("endpoint failed", "chain", chain, "url", url, "err", err)
			continue
		}
		st.active = &activeConn{url: url, client: client}
		if p.recorder != nil {
			p.recorder.SetConnections(chain, 1)
		}
		p.log.Info("endpoint selected", "chain", chain, "url", url)
		return client, nil
	}
	if p.recorder != nil {
		p.recorder.SetConnections(chain, 0)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, chain)
}

// ReportFailure marks the chain's active connection dead after a transport
// error. The next Connection call re-runs endpoint selection.
func (p *Pool) ReportFailure(chain string, err error) {
	p.countError(chain)
	p.mu.RLock()
	st := p.states[chain]
	p.mu.RUnlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.active != nil {
		p.log.Warn("connection marked dead", "chain", chain, "url", st.active.url, "err", err)
		st.active.client.Close()
		st.active = nil
		if p.recorder != nil {
			p.recorder.SetConnections(chain, 0)
		}
	}
	st.mu.Unlock()
}

// Shutdown closes every active connection.
func (p *Pool) Shutdown() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for chain, st := range p.states {
		st.mu.Lock()
		if st.active != nil {
			st.active.client.Close()
			st.active = nil
			if p.recorder != nil {
				p.recorder.SetConnections(chain, 0)
			}
		}
		st.mu.Unlock()
	}
}

func (p *Pool) open(ctx context.Context, chain, url string) (Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	raw, err := p.dial(dialCtx, url)
	cancel()
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if p.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(p.opts.RateLimit, p.opts.RateBurst)
	}
	client := newGuardedClient(raw, limiter, p.breaker(chain, url))

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.LivenessTimeout)
	_, err = client.BlockNumber(probeCtx)
	cancel()
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("liveness probe: %w", err)
	}
	return client, nil
}

// breaker returns the endpoint's circuit breaker, shared across reconnects
// so a flapping endpoint stays cold for the cooldown window.
func (p *Pool) breaker(chain, url string) *gobreaker.CircuitBreaker {
	key := chain + "|" + url
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[key]; ok {
		return cb
	}
	threshold := p.opts.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    key,
		Timeout: p.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A pending receipt is not an endpoint fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ethereum.NotFound)
		},
	})
	p.breakers[key] = cb
	return cb
}

func (p *Pool) countError(chain string) {
	if p.recorder != nil {
		p.recorder.RPCError(chain)
	}
}
