package snapshotv1

import orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"

// BookOrder is one resting order as captured in a snapshot.
type BookOrder struct {
	OrderID     uint64                    `json:"orderID"`
	Owner       string                    `json:"owner"`
	Side        orderbookv1.Side          `json:"side"`
	TimeInForce orderbookv1.TimeInForce   `json:"timeInForce"`
	Price       int64                     `json:"price"`
	Quantity    uint64                    `json:"quantity"`
	Remaining   uint64                    `json:"remaining"`
	Sequence    uint64                    `json:"sequence"`
	ExpireAt    int64                     `json:"expireAt,omitempty"`
	Timestamp   int64                     `json:"timestamp"`
}

// Snapshot captures one instrument's book state plus the consumption
// watermarks needed to resume or resync the owning match stage.
type Snapshot struct {
	Instrument     string     `json:"instrument"`
	Orders         []BookOrder `json:"orders"`
	LastTradePrice int64      `json:"lastTradePrice"`
	TradeSequence  uint64     `json:"tradeSequence"`
	// ProducerSequences maps an output topic to the stage's last emitted
	// sequence on it.
	ProducerSequences map[string]uint64 `json:"producerSequences"`
	// SourceWatermarks maps "topic/producer" to the last applied input
	// sequence.
	SourceWatermarks map[string]uint64 `json:"sourceWatermarks"`
	TakenAt          int64             `json:"takenAt"`
}
