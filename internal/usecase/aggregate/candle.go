package aggregate

import (
	"time"

	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
)

// Interval is a candle bucket width.
type Interval time.Duration

const (
	Interval1m  = Interval(time.Minute)
	Interval5m  = Interval(5 * time.Minute)
	Interval15m = Interval(15 * time.Minute)
	Interval1h  = Interval(time.Hour)
	Interval1d  = Interval(24 * time.Hour)
)

func (i Interval) String() string {
	switch i {
	case Interval1m:
		return "1m"
	case Interval5m:
		return "5m"
	case Interval15m:
		return "15m"
	case Interval1h:
		return "1h"
	case Interval1d:
		return "1d"
	}
	return time.Duration(i).String()
}

// DefaultIntervals is the interval set the aggregation stage maintains when
// none is configured.
var DefaultIntervals = []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval1d}

// Candle is one OHLCV bucket. Prices are ticks, volume is lots. OpenTime is
// the bucket start in unix nanoseconds.
type Candle struct {
	Instrument string   `json:"instrument"`
	Interval   Interval `json:"interval"`
	OpenTime   int64    `json:"openTime"`
	Open       int64    `json:"open"`
	High       int64    `json:"high"`
	Low        int64    `json:"low"`
	Close      int64    `json:"close"`
	Volume     uint64   `json:"volume"`
	Trades     int      `json:"trades"`
}

type bucketKey struct {
	Instrument string
	Interval   Interval
}

// Aggregator folds trades into candles for a set of intervals. It is driven
// from the aggregation stage's serialized trade stream and needs no locking.
type Aggregator struct {
	intervals []Interval
	open      map[bucketKey]*Candle
}

// NewAggregator builds an aggregator over the intervals, defaulting when the
// list is empty.
func NewAggregator(intervals []Interval) *Aggregator {
	if len(intervals) == 0 {
		intervals = DefaultIntervals
	}
	return &Aggregator{
		intervals: intervals,
		open:      map[bucketKey]*Candle{},
	}
}

func bucketStart(ts int64, interval Interval) int64 {
	width := int64(interval)
	return ts - ts%width
}

// Apply folds one trade into every interval's open candle. Candles whose
// bucket the trade has moved past are closed and returned.
func (a *Aggregator) Apply(trade *orderbookv1.Trade) []*Candle {
	var closed []*Candle
	for _, interval := range a.intervals {
		key := bucketKey{Instrument: trade.Instrument, Interval: interval}
		start := bucketStart(trade.Timestamp, interval)

		cur, ok := a.open[key]
		if ok && cur.OpenTime != start {
			closed = append(closed, cur)
			ok = false
		}
		if !ok {
			a.open[key] = &Candle{
				Instrument: trade.Instrument,
				Interval:   interval,
				OpenTime:   start,
				Open:       trade.Price,
				High:       trade.Price,
				Low:        trade.Price,
				Close:      trade.Price,
				Volume:     trade.Quantity,
				Trades:     1,
			}
			continue
		}

		if trade.Price > cur.High {
			cur.High = trade.Price
		}
		if trade.Price < cur.Low {
			cur.Low = trade.Price
		}
		cur.Close = trade.Price
		cur.Volume += trade.Quantity
		cur.Trades++
	}
	return closed
}

// Current returns a copy of the open candle for the instrument and interval.
func (a *Aggregator) Current(instrument string, interval Interval) (Candle, bool) {
	cur, ok := a.open[bucketKey{Instrument: instrument, Interval: interval}]
	if !ok {
		return Candle{}, false
	}
	return *cur, true
}

// Flush closes and returns every open candle, oldest first per instrument.
func (a *Aggregator) Flush() []*Candle {
	out := make([]*Candle, 0, len(a.open))
	for key, c := range a.open {
		out = append(out, c)
		delete(a.open, key)
	}
	return out
}
