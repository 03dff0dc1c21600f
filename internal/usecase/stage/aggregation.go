package stage

import (
	"context"
	"fmt"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	stagev1 "github.com/quantfabric/exchange-core/internal/domain/stage/v1"
	"github.com/quantfabric/exchange-core/internal/usecase/aggregate"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
)

// Aggregation folds the trade stream into OHLCV candles and publishes a
// candle entry whenever a bucket closes.
type Aggregation struct {
	aggregator *aggregate.Aggregator
	candleSeq  *changelogv1.Sequencer
	log        logger.Interface
	metrics    *metrics.Metrics
}

// NewAggregation builds the aggregation stage over the given intervals,
// defaulting when nil.
func NewAggregation(intervals []aggregate.Interval, log logger.Interface, m *metrics.Metrics) *Aggregation {
	return &Aggregation{
		aggregator: aggregate.NewAggregator(intervals),
		candleSeq:  &changelogv1.Sequencer{},
		log:        log,
		metrics:    m,
	}
}

func (a *Aggregation) Name() string { return "aggregation" }

// Current returns the open candle for an instrument and interval.
func (a *Aggregation) Current(instrument string, interval aggregate.Interval) (aggregate.Candle, bool) {
	return a.aggregator.Current(instrument, interval)
}

func (a *Aggregation) Handle(_ context.Context, msg channelv1.Message) ([]stagev1.Output, error) {
	entry := msg.Entry
	if entry.Producer != changelogv1.ProducerMatch || !entry.IsCreated() || entry.EntityType != changelogv1.EntityTrade {
		return nil, nil
	}
	trade, _, err := tradeFromEntry(&entry)
	if err != nil {
		return nil, nil
	}

	var outputs []stagev1.Output
	for _, candle := range a.aggregator.Apply(trade) {
		outputs = append(outputs, a.candleOutput(candle))
	}
	return outputs, nil
}

func (a *Aggregation) candleOutput(c *aggregate.Candle) stagev1.Output {
	id := fmt.Sprintf("%s/%s/%d", c.Instrument, c.Interval, c.OpenTime)
	entry := changelogv1.NewCreated(
		changelogv1.ProducerAggregation,
		changelogv1.EntityCandle,
		id,
		a.candleSeq.Next(),
		[]changelogv1.FieldChange{
			changelogv1.F(FieldInstrument, "", c.Instrument),
			changelogv1.F(FieldInterval, "", c.Interval.String()),
			changelogv1.F(FieldOpenTime, "", i64(c.OpenTime)),
			changelogv1.F(FieldOpen, "", i64(c.Open)),
			changelogv1.F(FieldHigh, "", i64(c.High)),
			changelogv1.F(FieldLow, "", i64(c.Low)),
			changelogv1.F(FieldClose, "", i64(c.Close)),
			changelogv1.F(FieldVolume, "", u64(c.Volume)),
			changelogv1.F(FieldTrades, "", i64(int64(c.Trades))),
		},
	)
	return stagev1.Output{Topic: changelogv1.TopicAggregateChangeLog, Entry: entry}
}

// Flush closes every open candle, for shutdown.
func (a *Aggregation) Flush() []stagev1.Output {
	var outputs []stagev1.Output
	for _, candle := range a.aggregator.Flush() {
		outputs = append(outputs, a.candleOutput(candle))
	}
	return outputs
}
