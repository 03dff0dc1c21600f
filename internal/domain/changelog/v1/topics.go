package changelogv1

import "sync/atomic"

// Topics carrying change-log entries between stages. One instrument maps to
// one partition inside a topic when the transport is partitioned.
const (
	TopicOrderChangeLog     = "OrderChangeLog"
	TopicTradeChangeLog     = "TradeChangeLog"
	TopicBalanceChangeLog   = "BalanceChangeLog"
	TopicAggregateChangeLog = "AggregateChangeLog"
)

// AllTopics lists every change-log topic, in publication fan-out order.
func AllTopics() []string {
	return []string{
		TopicOrderChangeLog,
		TopicTradeChangeLog,
		TopicBalanceChangeLog,
		TopicAggregateChangeLog,
	}
}

// Producer names of the emitting stages.
const (
	ProducerAcquiring   = "acquiring"
	ProducerMatch       = "match"
	ProducerSettlement  = "settlement"
	ProducerAggregation = "aggregation"
)

// Sequencer issues the per-producer monotonically increasing sequence. Safe
// for concurrent use.
type Sequencer struct {
	last atomic.Uint64
}

// Next returns the next sequence value, starting at 1.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued sequence value.
func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}

// Reset rewinds the sequencer to the given watermark, for snapshot restore.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
