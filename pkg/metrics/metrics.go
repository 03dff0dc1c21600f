// Package metrics exposes prometheus instrumentation for the processing
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus collectors.
type Metrics struct {
	OrdersAdmitted   *prometheus.CounterVec
	OrdersRejected   *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
	EntriesConsumed  *prometheus.CounterVec
	EntriesPublished *prometheus.CounterVec
	SequenceGaps     *prometheus.CounterVec
	Resyncs          *prometheus.CounterVec
	BookDepth        *prometheus.GaugeVec
}

// New creates the pipeline collectors and registers them on the given
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "orders_admitted_total",
			Help:      "Orders admitted by the acquiring stage.",
		}, []string{"instrument"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected before or during matching.",
		}, []string{"instrument", "reason"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "trades_executed_total",
			Help:      "Trades produced by the match stage.",
		}, []string{"instrument"}),
		EntriesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "changelog_entries_consumed_total",
			Help:      "Change log entries consumed per stage and topic.",
		}, []string{"stage", "topic"}),
		EntriesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "changelog_entries_published_total",
			Help:      "Change log entries published per stage and topic.",
		}, []string{"stage", "topic"}),
		SequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "sequence_gaps_total",
			Help:      "Sequence gaps detected on stage inputs.",
		}, []string{"stage", "topic"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "resyncs_total",
			Help:      "Resync cycles entered by stages.",
		}, []string{"stage"}),
		BookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exchange",
			Name:      "book_resting_orders",
			Help:      "Resting orders per instrument book.",
		}, []string{"instrument"}),
	}

	reg.MustRegister(
		m.OrdersAdmitted,
		m.OrdersRejected,
		m.TradesExecuted,
		m.EntriesConsumed,
		m.EntriesPublished,
		m.SequenceGaps,
		m.Resyncs,
		m.BookDepth,
	)
	return m
}

// NewUnregistered creates collectors without registering them, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
