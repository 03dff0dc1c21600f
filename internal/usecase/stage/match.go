package stage

import (
	"context"
	"strconv"
	"time"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
	snapshotv1 "github.com/quantfabric/exchange-core/internal/domain/snapshot/v1"
	stagev1 "github.com/quantfabric/exchange-core/internal/domain/stage/v1"
	"github.com/quantfabric/exchange-core/internal/usecase/orderbook"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
)

const defaultSnapshotDelta = 1000

// Match owns one book per instrument and is the sole writer to all of them.
// It consumes the order change log and emits trades plus order state
// transitions. Replayed inputs are harmless: the runner drops duplicates by
// sequence before they reach Handle.
type Match struct {
	books   map[string]*orderbook.Book
	store   snapshotv1.Store
	log     logger.Interface
	metrics *metrics.Metrics

	orderOutSeq *changelogv1.Sequencer
	tradeOutSeq *changelogv1.Sequencer

	// watermarks mirrors the runner's applied positions so snapshots carry
	// them.
	watermarks map[string]uint64

	snapshotDelta int
	sinceSnapshot int
}

// MatchOption configures the match stage.
type MatchOption func(*Match)

// WithSnapshotDelta sets how many applied entries separate snapshots.
func WithSnapshotDelta(n int) MatchOption {
	return func(m *Match) {
		if n > 0 {
			m.snapshotDelta = n
		}
	}
}

// NewMatch builds the match stage with one empty book per instrument. Book
// options (self-trade policy, trade id source) apply to every book.
func NewMatch(
	instruments []string,
	store snapshotv1.Store,
	log logger.Interface,
	met *metrics.Metrics,
	bookOpts []orderbook.Option,
	opts ...MatchOption,
) *Match {
	m := &Match{
		books:         map[string]*orderbook.Book{},
		store:         store,
		log:           log,
		metrics:       met,
		orderOutSeq:   &changelogv1.Sequencer{},
		tradeOutSeq:   &changelogv1.Sequencer{},
		watermarks:    map[string]uint64{},
		snapshotDelta: defaultSnapshotDelta,
	}
	for _, instrument := range instruments {
		m.books[instrument] = orderbook.NewBook(instrument, bookOpts...)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Match) Name() string { return "match" }

// Book returns the book for an instrument, for depth queries.
func (m *Match) Book(instrument string) (*orderbook.Book, bool) {
	b, ok := m.books[instrument]
	return b, ok
}

// Handle applies one order change-log entry. Only admission entries are
// actionable; the stage's own emissions on the same topic pass through
// untouched.
func (m *Match) Handle(ctx context.Context, msg channelv1.Message) ([]stagev1.Output, error) {
	entry := msg.Entry
	var outputs []stagev1.Output
	var err error

	switch {
	case entry.Producer == changelogv1.ProducerAcquiring && entry.IsCreated() && hasStatus(&entry, StatusPending):
		outputs, err = m.submit(ctx, &entry)
	case entry.Producer == changelogv1.ProducerAcquiring && entry.IsUpdated() && hasStatus(&entry, StatusCancelRequested):
		outputs, err = m.cancel(ctx, &entry)
	default:
		// not addressed to this stage
	}
	if err != nil {
		return nil, err
	}

	m.watermarks[msg.Topic+"/"+entry.Producer] = entry.Sequence

	m.sinceSnapshot++
	if m.sinceSnapshot >= m.snapshotDelta {
		m.takeSnapshots(ctx)
		m.sinceSnapshot = 0
	}
	return outputs, nil
}

func hasStatus(entry *changelogv1.Entry, status string) bool {
	v, ok := entry.Field(FieldStatus)
	return ok && v == status
}

func (m *Match) submit(ctx context.Context, entry *changelogv1.Entry) ([]stagev1.Output, error) {
	order, err := orderFromEntry(entry)
	if err != nil {
		m.log.WarnContext(ctx, "malformed order entry",
			logger.Field{Key: "entity_id", Value: entry.EntityID},
		)
		return nil, nil
	}

	book, ok := m.books[order.Instrument]
	if !ok {
		m.metrics.OrdersRejected.WithLabelValues(order.Instrument, "unknown_instrument").Inc()
		return m.orderStatusOutputs(order, StatusRejected, "unknown_instrument"), nil
	}

	outputs := m.expireDue(book, int64(entry.TimestampNS)/int64(time.Millisecond))

	res, err := book.Submit(order)
	if err != nil {
		if errors.ErrorCodeEquals(err, errors.BookCorrupted) || err == orderbookv1.ErrBookCorrupted {
			return nil, err
		}
		m.metrics.OrdersRejected.WithLabelValues(order.Instrument, rejectReason(err)).Inc()
		outputs = append(outputs, m.orderStatusOutputs(order, StatusRejected, rejectReason(err))...)
		return outputs, nil
	}

	for _, cancelled := range res.Cancelled {
		outputs = append(outputs, m.orderStatusOutputs(cancelled, StatusCancelled, "self_trade")...)
	}

	takerPrice := order.Price
	for _, trade := range res.Trades {
		m.metrics.TradesExecuted.WithLabelValues(trade.Instrument).Inc()
		tradeEntry := changelogv1.NewCreated(
			changelogv1.ProducerMatch,
			changelogv1.EntityTrade,
			u64(trade.ID),
			m.tradeOutSeq.Next(),
			tradeFields(trade, takerPrice),
		)
		// carry the stream clock so candle buckets agree across replicas
		tradeEntry.TimestampNS = uint64(trade.Timestamp)
		outputs = append(outputs, stagev1.Output{Topic: changelogv1.TopicTradeChangeLog, Entry: tradeEntry})
	}

	switch {
	case order.IsFilled():
		outputs = append(outputs, m.orderStatusOutputs(order, StatusFilled, "")...)
	case res.Resting && len(res.Trades) > 0:
		outputs = append(outputs, m.orderStatusOutputs(order, StatusPartiallyFilled, "")...)
	case !res.Resting && order.Remaining > 0:
		// IOC and market remainders are discarded; settlement releases
		// whatever stayed frozen for them
		outputs = append(outputs, m.orderStatusOutputs(order, StatusCancelled, "unfilled_remainder")...)
	}

	m.metrics.BookDepth.WithLabelValues(order.Instrument).Set(float64(book.OrderCount()))
	return outputs, nil
}

func (m *Match) cancel(ctx context.Context, entry *changelogv1.Entry) ([]stagev1.Output, error) {
	orderID, err := strconv.ParseUint(entry.EntityID, 10, 64)
	if err != nil {
		return nil, nil
	}
	for _, book := range m.books {
		order, cancelErr := book.Cancel(orderID)
		if cancelErr == nil {
			m.metrics.BookDepth.WithLabelValues(book.Instrument()).Set(float64(book.OrderCount()))
			return m.orderStatusOutputs(order, StatusCancelled, "requested"), nil
		}
	}
	// already filled or never admitted: cancel of an unknown order is a no-op
	m.log.DebugContext(ctx, "cancel for unknown order",
		logger.Field{Key: "order_id", Value: orderID},
	)
	return nil, nil
}

// expireDue cancels resting GTD orders whose expiry lies at or before now.
// Expiry rides the input stream clock, so every replica expires the same
// orders at the same point in the log.
func (m *Match) expireDue(book *orderbook.Book, nowMillis int64) []stagev1.Output {
	var outputs []stagev1.Output
	for _, order := range book.ExpiredOrders(nowMillis) {
		if _, err := book.Cancel(order.ID); err == nil {
			outputs = append(outputs, m.orderStatusOutputs(order, StatusCancelled, "expired")...)
		}
	}
	return outputs
}

func (m *Match) orderStatusOutputs(order *orderbookv1.Order, status, reason string) []stagev1.Output {
	entry := changelogv1.NewUpdated(
		changelogv1.ProducerMatch,
		changelogv1.EntityOrder,
		u64(order.ID),
		m.orderOutSeq.Next(),
		orderStatusFields(order, status, reason),
	)
	return []stagev1.Output{{Topic: changelogv1.TopicOrderChangeLog, Entry: entry}}
}

func rejectReason(err error) string {
	switch err {
	case orderbookv1.ErrFOKUnfillable:
		return "fok_unfillable"
	case orderbookv1.ErrSelfTrade:
		return "self_trade"
	case orderbookv1.ErrDuplicateOrder:
		return "duplicate"
	case orderbookv1.ErrInvalidPrice, orderbookv1.ErrInvalidQuantity, orderbookv1.ErrPriceOutOfRange,
		orderbookv1.ErrMissingExpiry, orderbookv1.ErrInvalidType, orderbookv1.ErrInvalidTimeInForce:
		return "invalid"
	default:
		return "other"
	}
}

func (m *Match) takeSnapshots(ctx context.Context) {
	watermarks := make(map[string]uint64, len(m.watermarks))
	for k, v := range m.watermarks {
		watermarks[k] = v
	}
	produced := map[string]uint64{
		changelogv1.TopicOrderChangeLog: m.orderOutSeq.Last(),
		changelogv1.TopicTradeChangeLog: m.tradeOutSeq.Last(),
	}
	for _, book := range m.books {
		snap := book.Snapshot()
		snap.SourceWatermarks = watermarks
		snap.ProducerSequences = produced
		if err := m.store.Store(ctx, snap); err != nil {
			m.log.WarnContext(ctx, "snapshot store failed",
				logger.Field{Key: "instrument", Value: book.Instrument()},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

// Resync rebuilds every book from its latest snapshot and returns the
// watermarks consumption resumes from. Instruments without a snapshot start
// empty. A snapshot that fails the book's invariant check halts the stage
// rather than matching against corrupt state.
func (m *Match) Resync(ctx context.Context) (map[string]uint64, error) {
	merged := map[string]uint64{}
	first := true
	for instrument, book := range m.books {
		snap, err := m.store.Load(ctx, instrument)
		if err != nil {
			return nil, errors.Wrap(err, "load snapshot "+instrument)
		}
		if snap == nil {
			book.Clear()
			continue
		}
		if err := book.Restore(snap); err != nil {
			return nil, err
		}
		if err := book.CheckInvariants(); err != nil {
			return nil, err
		}

		// snapshots are taken for all books together, so their watermark
		// maps agree; the min guards the edge where they do not
		if first {
			for k, v := range snap.SourceWatermarks {
				merged[k] = v
			}
			first = false
		} else {
			for k, v := range snap.SourceWatermarks {
				if cur, ok := merged[k]; !ok || v < cur {
					merged[k] = v
				}
			}
		}
		if seq := snap.ProducerSequences[changelogv1.TopicOrderChangeLog]; seq > m.orderOutSeq.Last() {
			m.orderOutSeq.Reset(seq)
		}
		if seq := snap.ProducerSequences[changelogv1.TopicTradeChangeLog]; seq > m.tradeOutSeq.Last() {
			m.tradeOutSeq.Reset(seq)
		}
	}
	for k, v := range merged {
		m.watermarks[k] = v
	}
	m.log.InfoContext(ctx, "match stage resynced",
		logger.Field{Key: "books", Value: len(m.books)},
		logger.Field{Key: "watermarks", Value: merged},
	)
	return merged, nil
}
