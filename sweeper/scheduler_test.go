package sweeper_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sweepd/chainpool"
	"sweepd/gasoracle"
	"sweepd/noncetracker"
	"sweepd/registry"
	"sweepd/sweepguard"
	"sweepd/sweeper"
)

type multiConns struct {
	mu       sync.Mutex
	clients  map[string]*fakeChain
	descs    map[string]registry.ChainDescriptor
	failures map[string]int
}

func newMultiConns(chains ...string) *multiConns {
	m := &multiConns{
		clients:  make(map[string]*fakeChain),
		descs:    make(map[string]registry.ChainDescriptor),
		failures: make(map[string]int),
	}
	for i, chain := range chains {
		m.clients[chain] = newFakeChain()
		m.descs[chain] = registry.ChainDescriptor{
			Key:     chain,
			ChainID: big.NewInt(int64(i + 1)),
			Native:  registry.NativeCurrency{Symbol: "N", Decimals: 18},
		}
	}
	return m
}

func (m *multiConns) Connection(ctx context.Context, chain string) (chainpool.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[chain]
	if !ok {
		return nil, chainpool.ErrChainUnknown
	}
	return client, nil
}

func (m *multiConns) ReportFailure(chain string, err error) {
	m.mu.Lock()
	m.failures[chain]++
	m.mu.Unlock()
}

func (m *multiConns) Descriptor(chain string) (registry.ChainDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.descs[chain]
	return desc, ok
}

type memStore struct {
	mu        sync.Mutex
	wallets   []*registry.Wallet
	configs   map[uuid.UUID]registry.UserConfig
	persisted int
}

func (s *memStore) ListActiveWallets(ctx context.Context) ([]*registry.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*registry.Wallet(nil), s.wallets...), nil
}

func (s *memStore) UserConfig(ctx context.Context, userID uuid.UUID) (registry.UserConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[userID], nil
}

func (s *memStore) PersistCounters(ctx context.Context, walletID uuid.UUID, counters registry.CounterSet) error {
	s.mu.Lock()
	s.persisted++
	s.mu.Unlock()
	return nil
}

func (s *memStore) persistCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

func (s *memStore) ListChains(ctx context.Context) (map[string]registry.ChainDescriptor, error) {
	return nil, nil
}

func (s *memStore) ListTokenStandards(ctx context.Context) (map[string]map[string]string, error) {
	return nil, nil
}

type recordedOutcome struct {
	chain   string
	asset   string
	success bool
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (r *fakeRecorder) RecordOutcome(chain, asset string, success bool, gasUsed, amount *big.Int) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, recordedOutcome{chain: chain, asset: asset, success: success})
	r.mu.Unlock()
}

func (r *fakeRecorder) recorded() []recordedOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedOutcome(nil), r.outcomes...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(event string, payload any) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// chanTrigger hands test code full control over tick timing.
type chanTrigger struct {
	ticks chan sweeper.Tick
}

func (t chanTrigger) Run(ctx context.Context, fire func(sweeper.Tick)) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-t.ticks:
			fire(tick)
		}
	}
}

type schedulerHarness struct {
	conns     *multiConns
	store     *memStore
	ledger    *registry.Ledger
	guard     *sweepguard.Guard
	recorder  *fakeRecorder
	publisher *fakePublisher
	scheduler *sweeper.Scheduler
	ticks     chan sweeper.Tick
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, defaults sweeper.Defaults, conns *multiConns, wallets ...*registry.Wallet) *schedulerHarness {
	t.Helper()
	store := &memStore{wallets: wallets, configs: make(map[uuid.UUID]registry.UserConfig)}
	ledger := registry.NewLedger(store, nil)
	require.NoError(t, ledger.Reload(context.Background()))

	oracle := gasoracle.New(conns, time.Minute)
	nonces := noncetracker.New(conns)
	exec := sweeper.NewExecutor(conns, oracle, nonces, nil).
		WithReceiptWait(time.Second, time.Millisecond)
	guard := sweepguard.New(5 * time.Second)
	recorder := &fakeRecorder{}
	publisher := &fakePublisher{}
	scheduler := sweeper.NewScheduler(defaults, ledger, store, conns, exec, guard, recorder, publisher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h := &schedulerHarness{
		conns:     conns,
		store:     store,
		ledger:    ledger,
		guard:     guard,
		recorder:  recorder,
		publisher: publisher,
		scheduler: scheduler,
		ticks:     make(chan sweeper.Tick),
		cancel:    cancel,
	}
	go scheduler.Run(ctx, chanTrigger{ticks: h.ticks})
	t.Cleanup(cancel)
	return h
}

func (h *schedulerHarness) tick(tick sweeper.Tick) {
	h.ticks <- tick
}

var walletKeys = []string{
	testKeyHex,
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
}

var walletKeyCursor atomic.Uint64

func activeWallet(t *testing.T, chains ...string) *registry.Wallet {
	t.Helper()
	key := walletKeys[walletKeyCursor.Add(1)%uint64(len(walletKeys))]
	signer, err := registry.NewKeySigner(key)
	require.NoError(t, err)
	return &registry.Wallet{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		Address:         signer.Address(),
		Signer:          signer,
		Chains:          chains,
		NativeRecipient: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Status:          registry.StatusActive,
	}
}

func defaultKnobs() sweeper.Defaults {
	return sweeper.Defaults{
		NativeGasLimit: 21_000,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
		NativeEnabled:  true,
	}
}

func TestChainFailureDoesNotBlockOtherChains(t *testing.T) {
	conns := newMultiConns("alpha", "beta")
	conns.clients["alpha"].balanceErr = errors.New("connection refused")
	conns.clients["beta"].balance = big.NewInt(1_000_000)

	h := newHarness(t, defaultKnobs(), conns, activeWallet(t, "alpha", "beta"))
	h.tick(sweeper.Tick{})

	require.Eventually(t, func() bool {
		return len(conns.clients["beta"].submittedTxs()) == 1
	}, time.Second, 5*time.Millisecond)

	outcomes := h.recorder.recorded()
	require.Len(t, outcomes, 1)
	require.Equal(t, "beta", outcomes[0].chain)
	require.True(t, outcomes[0].success)
	require.Empty(t, conns.clients["alpha"].submittedTxs())
}

func TestHeldGuardSkipsEvaluation(t *testing.T) {
	conns := newMultiConns("alpha")
	conns.clients["alpha"].balance = big.NewInt(1_000_000)
	wallet := activeWallet(t, "alpha")

	h := newHarness(t, defaultKnobs(), conns, wallet)
	lease, ok := h.guard.TryAcquire(sweepguard.NativeKey(wallet.Address, "alpha"))
	require.True(t, ok)

	h.tick(sweeper.Tick{})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, conns.clients["alpha"].submittedTxs())
	require.Empty(t, h.recorder.recorded())

	h.guard.Release(lease)
	h.tick(sweeper.Tick{})
	require.Eventually(t, func() bool {
		return len(conns.clients["alpha"].submittedTxs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPausedWalletIsSkipped(t *testing.T) {
	conns := newMultiConns("alpha")
	conns.clients["alpha"].balance = big.NewInt(1_000_000)

	paused := activeWallet(t, "alpha")
	paused.Paused = true
	sentinel := activeWallet(t, "alpha")

	h := newHarness(t, defaultKnobs(), conns, paused, sentinel)
	h.tick(sweeper.Tick{})

	require.Eventually(t, func() bool {
		return len(conns.clients["alpha"].submittedTxs()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, sentinel.Address, senderOf(t, conns.clients["alpha"].submittedTxs()[0], big.NewInt(1)))
}

func TestChainScopedTickOnlyVisitsThatChain(t *testing.T) {
	conns := newMultiConns("alpha", "beta")
	conns.clients["alpha"].balance = big.NewInt(1_000_000)
	conns.clients["beta"].balance = big.NewInt(1_000_000)

	h := newHarness(t, defaultKnobs(), conns, activeWallet(t, "alpha", "beta"))
	h.tick(sweeper.Tick{Chain: "beta"})

	require.Eventually(t, func() bool {
		return len(conns.clients["beta"].submittedTxs()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, conns.clients["alpha"].submittedTxs())
}

func TestUserOverridesApply(t *testing.T) {
	conns := newMultiConns("alpha")
	conns.clients["alpha"].balance = big.NewInt(1_000_000)
	wallet := activeWallet(t, "alpha")

	h := newHarness(t, defaultKnobs(), conns, wallet)
	h.store.mu.Lock()
	h.store.configs[wallet.UserID] = registry.UserConfig{
		GasPriceMultiplier: decimal.NewFromInt(2),
	}
	h.store.mu.Unlock()

	h.tick(sweeper.Tick{})
	require.Eventually(t, func() bool {
		return len(conns.clients["alpha"].submittedTxs()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, big.NewInt(40), conns.clients["alpha"].submittedTxs()[0].GasPrice())
}

func TestConfigUpdateAppliesOnNextTick(t *testing.T) {
	conns := newMultiConns("alpha")
	conns.clients["alpha"].balance = big.NewInt(1_000_000)

	h := newHarness(t, defaultKnobs(), conns, activeWallet(t, "alpha"))
	h.tick(sweeper.Tick{})
	require.Eventually(t, func() bool {
		return len(conns.clients["alpha"].submittedTxs()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, big.NewInt(20), conns.clients["alpha"].submittedTxs()[0].GasPrice())

	mult, err := gasoracle.ParseMultiplier("2")
	require.NoError(t, err)
	updated := defaultKnobs()
	updated.Multiplier = mult
	h.scheduler.RequestConfigUpdate(func() sweeper.Defaults { return updated })
	// Give the run loop a beat to drain the update before the next tick.
	time.Sleep(20 * time.Millisecond)

	h.tick(sweeper.Tick{})
	require.Eventually(t, func() bool {
		return len(conns.clients["alpha"].submittedTxs()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, big.NewInt(40), conns.clients["alpha"].submittedTxs()[1].GasPrice())
}

func TestNativeDisabledSkipsNativeSweeps(t *testing.T) {
	conns := newMultiConns("alpha")
	conns.clients["alpha"].balance = big.NewInt(1_000_000)
	conns.clients["alpha"].tokenBalance = big.NewInt(50)

	knobs := defaultKnobs()
	knobs.NativeEnabled = false

	wallet := activeWallet(t, "alpha")
	wallet.Tokens = []registry.TokenWatch{{
		ID:        uuid.New(),
		Chain:     "alpha",
		Contract:  common.HexToAddress("0xbb"),
		Recipient: common.HexToAddress("0xcc"),
		Kind:      registry.KindFungible,
	}}

	h := newHarness(t, knobs, conns, wallet)
	h.tick(sweeper.Tick{})

	require.Eventually(t, func() bool {
		return len(conns.clients["alpha"].submittedTxs()) == 1
	}, time.Second, 5*time.Millisecond)
	tx := conns.clients["alpha"].submittedTxs()[0]
	// Only the token moved; the native balance stays untouched.
	require.NotNil(t, tx.Data())
	require.NotEmpty(t, tx.Data())
}

func TestOutcomePersistenceAndEvents(t *testing.T) {
	conns := newMultiConns("alpha")
	conns.clients["alpha"].balance = big.NewInt(1_000_000)
	wallet := activeWallet(t, "alpha")

	h := newHarness(t, defaultKnobs(), conns, wallet)
	h.tick(sweeper.Tick{})

	require.Eventually(t, func() bool {
		return h.store.persistCalls() == 1
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, h.publisher.published(), "sweep")

	sets := h.ledger.CounterSets()
	set, ok := sets[wallet.ID]
	require.True(t, ok)
	require.Equal(t, uint64(1), set.Totals.Transactions)
	require.Equal(t, uint64(1), set.Totals.Successes)
	require.Equal(t, big.NewInt(580_000), set.Totals.Transferred)
	require.Equal(t, uint64(1), set.Native["alpha"].Transactions)
}

func TestUnknownChainIsSkippedQuietly(t *testing.T) {
	conns := newMultiConns("alpha")
	conns.clients["alpha"].balance = big.NewInt(1_000_000)

	stranger := activeWallet(t, "ghostchain")
	sentinel := activeWallet(t, "alpha")

	h := newHarness(t, defaultKnobs(), conns, stranger, sentinel)
	h.tick(sweeper.Tick{})

	require.Eventually(t, func() bool {
		return len(conns.clients["alpha"].submittedTxs()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, h.recorder.recorded(), 1)
}

func senderOf(t *testing.T, tx *types.Transaction, chainID *big.Int) common.Address {
	t.Helper()
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	require.NoError(t, err)
	return from
}
