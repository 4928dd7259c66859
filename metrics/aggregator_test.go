package metrics_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"sweepd/metrics"
	"sweepd/registry"
)

func counters(txs, ok, failed uint64, gas, moved int64) registry.Counters {
	c := registry.NewCounters()
	c.Transactions = txs
	c.Successes = ok
	c.Failures = failed
	c.GasUsed = big.NewInt(gas)
	c.Transferred = big.NewInt(moved)
	return c
}

func TestRecordOutcomeAggregates(t *testing.T) {
	agg := metrics.NewAggregator(nil)

	agg.RecordOutcome("ethereum", "native", true, big.NewInt(21_000), big.NewInt(580_000))
	agg.RecordOutcome("ethereum", "fungible", false, big.NewInt(60_000), nil)
	agg.RecordOutcome("bsc", "native", true, big.NewInt(21_000), big.NewInt(1_000))

	snap := agg.Snapshot()
	require.Equal(t, uint64(3), snap.Transactions)
	require.Equal(t, uint64(2), snap.Successes)
	require.Equal(t, uint64(1), snap.Failures)
	require.Equal(t, "102000", snap.GasUsed)
	require.Equal(t, "581000", snap.Transferred)

	eth := snap.Chains["ethereum"]
	require.Equal(t, uint64(2), eth.Transactions)
	require.Equal(t, uint64(1), eth.ByAsset["native"])
	require.Equal(t, uint64(1), eth.ByAsset["fungible"])
}

func TestRebuildIsIdempotent(t *testing.T) {
	agg := metrics.NewAggregator(nil)
	sets := map[uuid.UUID]registry.CounterSet{
		uuid.New(): {
			Totals:  counters(5, 4, 1, 105_000, 900_000),
			ByChain: map[string]registry.Counters{"ethereum": counters(5, 4, 1, 105_000, 900_000)},
			Native:  map[string]registry.Counters{"ethereum": counters(3, 3, 0, 63_000, 600_000)},
		},
		uuid.New(): {
			Totals:  counters(2, 2, 0, 42_000, 100_000),
			ByChain: map[string]registry.Counters{"bsc": counters(2, 2, 0, 42_000, 100_000)},
		},
	}

	agg.Rebuild(sets)
	first := agg.Snapshot()
	agg.Rebuild(sets)
	second := agg.Snapshot()

	require.Equal(t, first.Transactions, second.Transactions)
	require.Equal(t, first.GasUsed, second.GasUsed)
	require.Equal(t, first.Transferred, second.Transferred)
	require.Equal(t, first.Chains["ethereum"], second.Chains["ethereum"])
	require.Equal(t, uint64(7), second.Transactions)
	require.Equal(t, "147000", second.GasUsed)
	require.Equal(t, uint64(3), second.Chains["ethereum"].ByAsset["native"])
}

func TestRebuildCarriesTokenAssets(t *testing.T) {
	agg := metrics.NewAggregator(nil)
	agg.RecordOutcome("ethereum", "native", true, big.NewInt(21_000), big.NewInt(600_000))
	agg.RecordOutcome("ethereum", "fungible", true, big.NewInt(60_000), big.NewInt(100))
	agg.RecordOutcome("ethereum", "fungible", false, big.NewInt(60_000), nil)
	agg.RecordOutcome("bsc", "multitoken", true, big.NewInt(80_000), big.NewInt(9))
	live := agg.Snapshot()

	tokenKey := "ethereum/0x00000000000000000000000000000000000000Bb"
	multiKey := "bsc/0x00000000000000000000000000000000000000Cc"
	agg.Rebuild(map[uuid.UUID]registry.CounterSet{
		uuid.New(): {
			Totals: counters(4, 3, 1, 221_000, 600_109),
			ByChain: map[string]registry.Counters{
				"ethereum": counters(3, 2, 1, 141_000, 600_100),
				"bsc":      counters(1, 1, 0, 80_000, 9),
			},
			Native: map[string]registry.Counters{"ethereum": counters(1, 1, 0, 21_000, 600_000)},
			ByToken: map[string]registry.Counters{
				tokenKey: counters(2, 1, 1, 120_000, 100),
				multiKey: counters(1, 1, 0, 80_000, 9),
			},
			TokenKinds: map[string]string{
				tokenKey: "fungible",
				multiKey: "multitoken",
			},
		},
	})
	rebuilt := agg.Snapshot()

	// The rebuilt per-asset buckets match what the live counters produced.
	require.Equal(t, live.Chains["ethereum"].ByAsset, rebuilt.Chains["ethereum"].ByAsset)
	require.Equal(t, live.Chains["bsc"].ByAsset, rebuilt.Chains["bsc"].ByAsset)
	require.Equal(t, uint64(2), rebuilt.Chains["ethereum"].ByAsset["fungible"])
	require.Equal(t, uint64(1), rebuilt.Chains["bsc"].ByAsset["multitoken"])
}

func TestRebuildKeepsRuntimeChainState(t *testing.T) {
	agg := metrics.NewAggregator(nil)
	agg.RPCError("ethereum")
	agg.RPCError("ethereum")
	agg.SetConnections("ethereum", 1)

	agg.Rebuild(map[uuid.UUID]registry.CounterSet{})
	snap := agg.Snapshot()
	require.Equal(t, uint64(2), snap.Chains["ethereum"].RPCErrors)
	require.Equal(t, 1, snap.Chains["ethereum"].Connections)
	require.Equal(t, uint64(0), snap.Chains["ethereum"].Transactions)
}

func TestInventoryReflectedInSnapshot(t *testing.T) {
	agg := metrics.NewAggregator(nil)
	agg.SetInventory(12, 34)
	snap := agg.Snapshot()
	require.Equal(t, 12, snap.Wallets)
	require.Equal(t, 34, snap.Tokens)
}

func TestCollectorsMirrorOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)
	agg := metrics.NewAggregator(collectors)

	agg.RecordOutcome("ethereum", "native", true, big.NewInt(21_000), big.NewInt(1))
	agg.RecordOutcome("ethereum", "native", false, nil, nil)
	agg.RPCError("ethereum")
	agg.SetConnections("ethereum", 1)

	require.Equal(t, float64(21_000), gaugeValue(t, reg, "sweepd_sweep_gas_used_total"))
	require.Equal(t, float64(1), gaugeValue(t, reg, "sweepd_chain_rpc_errors_total"))
	require.Equal(t, float64(1), gaugeValue(t, reg, "sweepd_chain_active_connections"))
	require.Equal(t, float64(2), sumSamples(t, reg, "sweepd_sweep_transfers_total"))
}

// gaugeValue sums the samples of a single-series metric family.
func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return sumSamples(t, reg, name)
}

func sumSamples(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
		return total
	}
	t.Fatalf("metric family %s not found", name)
	return 0
}
