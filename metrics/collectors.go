package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors wraps the Prometheus instruments mirroring the aggregator.
// They register against an injected registry so tests can run any number of
// aggregators side by side.
type Collectors struct {
	transfers   *prometheus.CounterVec
	gasUsed     *prometheus.CounterVec
	rpcErrors   *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

// NewCollectors builds and registers the sweep collectors.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweepd",
			Subsystem: "sweep",
			Name:      "transfers_total",
			Help:      "Sweep transfers segmented by chain, asset kind, and outcome.",
		}, []string{"chain", "asset", "outcome"}),
		gasUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweepd",
			Subsystem: "sweep",
			Name:      "gas_used_total",
			Help:      "Gas consumed by sweep transactions per chain.",
		}, []string{"chain"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweepd",
			Subsystem: "chain",
			Name:      "rpc_errors_total",
			Help:      "Transport-level RPC failures per chain.",
		}, []string{"chain"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sweepd",
			Subsystem: "chain",
			Name:      "active_connections",
			Help:      "Live RPC connections per chain.",
		}, []string{"chain"}),
	}
	if reg != nil {
		reg.MustRegister(c.transfers, c.gasUsed, c.rpcErrors, c.connections)
	}
	return c
}

func (c *Collectors) observeOutcome(chain, asset string, success bool, gasUsed *big.Int) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.transfers.WithLabelValues(chain, asset, outcome).Inc()
	if gasUsed != nil && gasUsed.IsUint64() {
		c.gasUsed.WithLabelValues(chain).Add(float64(gasUsed.Uint64()))
	}
}

func (c *Collectors) observeRPCError(chain string) {
	c.rpcErrors.WithLabelValues(chain).Inc()
}

func (c *Collectors) setConnections(chain string, n int) {
	c.connections.WithLabelValues(chain).Set(float64(n))
}
