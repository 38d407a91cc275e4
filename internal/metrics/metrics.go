package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "crosslend"

// Metrics groups the coordinator's collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	pricePolls     *prometheus.CounterVec
	priceUSD       *prometheus.GaugeVec
	syncs          *prometheus.CounterVec
	scanSeconds    prometheus.Histogram
	atRisk         prometheus.Gauge
	decodeFailures prometheus.Counter
	transactions   *prometheus.CounterVec
	ledgerEntries  prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pricePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricefeed",
			Name:      "polls_total",
			Help:      "Price feed polls segmented by outcome.",
		}, []string{"outcome"}),
		priceUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricefeed",
			Name:      "price_usd",
			Help:      "Last accepted oracle price in USD.",
		}, []string{"symbol"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loanstate",
			Name:      "syncs_total",
			Help:      "Loan state pulls segmented by outcome.",
		}, []string{"outcome"}),
		scanSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "liquidation",
			Name:      "scan_seconds",
			Help:      "Duration of full liquidation rescans.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		atRisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "liquidation",
			Name:      "at_risk",
			Help:      "Overdue, active and funded positions found by the last scan.",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liquidation",
			Name:      "decode_failures_total",
			Help:      "LoanRequested logs skipped because they could not be decoded.",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transactions_total",
			Help:      "User-initiated transactions segmented by type and outcome.",
		}, []string{"type", "outcome"}),
		ledgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries",
			Help:      "Entries in the local transaction ledger.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pricePolls, m.priceUSD, m.syncs, m.scanSeconds, m.atRisk,
		m.decodeFailures, m.transactions, m.ledgerEntries,
	)
	return m
}

// Registry exposes the underlying registry for HTTP export.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePricePoll(outcome string) {
	if m == nil {
		return
	}
	m.pricePolls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPrice(symbol string, usd float64) {
	if m == nil {
		return
	}
	m.priceUSD.WithLabelValues(symbol).Set(usd)
}

func (m *Metrics) ObserveSync(outcome string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveScan(d time.Duration, atRisk, decodeFailures int) {
	if m == nil {
		return
	}
	m.scanSeconds.Observe(d.Seconds())
	m.atRisk.Set(float64(atRisk))
	m.decodeFailures.Add(float64(decodeFailures))
}

func (m *Metrics) ObserveTransaction(txType, outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(txType, outcome).Inc()
}

func (m *Metrics) SetLedgerEntries(n int) {
	if m == nil {
		return
	}
	m.ledgerEntries.Set(float64(n))
}
