package pipeline

import (
	"context"

	"github.com/shopspring/decimal"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	instrumentv1 "github.com/quantfabric/exchange-core/internal/domain/instrument/v1"
	stagev1 "github.com/quantfabric/exchange-core/internal/domain/stage/v1"
	"github.com/quantfabric/exchange-core/internal/usecase/aggregate"
	"github.com/quantfabric/exchange-core/internal/usecase/balance"
	"github.com/quantfabric/exchange-core/internal/usecase/orderbook"
	"github.com/quantfabric/exchange-core/internal/usecase/publisher"
	"github.com/quantfabric/exchange-core/internal/usecase/snapshot"
	"github.com/quantfabric/exchange-core/internal/usecase/stage"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/idgen"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
)

// SyncPipeline runs the same stages as Pipeline but inline on the caller's
// goroutine: every SubmitOrder returns only after matching, settlement,
// aggregation and publication have all applied the resulting entries. No
// channel, no runners, no redelivery. Useful for embedding and for
// deterministic tests.
type SyncPipeline struct {
	queue *queueChannel

	acquiring   *stage.Acquiring
	match       *stage.Match
	settlement  *stage.Settlement
	aggregation *stage.Aggregation
	publication *stage.Publication
	hub         *publisher.Hub
	ledger      *balance.Ledger

	// consumers maps a topic to the handlers that fold it, in stage order.
	consumers map[string][]stagev1.Handler
	offsets   map[string]int64
}

// NewSync builds a synchronous pipeline over the given instrument specs.
func NewSync(specs []instrumentv1.Spec, nodeID uint8, log logger.Interface, opts ...Option) *SyncPipeline {
	o := &options{specs: specs}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = snapshot.NewMemoryStore()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewUnregistered()
	}
	if o.nextID == nil {
		o.nextID = idgen.New(nodeID).NextID
	}

	instruments := make([]string, 0, len(o.specs))
	for _, spec := range o.specs {
		instruments = append(instruments, spec.Symbol)
	}

	queue := &queueChannel{}
	ledger := balance.NewLedger()
	hub := publisher.NewHub()
	bookOpts := append([]orderbook.Option{orderbook.WithTradeIDSource(o.nextID)}, o.bookOpts...)

	p := &SyncPipeline{
		queue:       queue,
		acquiring:   stage.NewAcquiring(queue, o.specs, ledger, o.nextID, log, o.metrics),
		match:       stage.NewMatch(instruments, o.store, log, o.metrics, bookOpts),
		settlement:  stage.NewSettlement(ledger, o.specs, log, o.metrics),
		aggregation: stage.NewAggregation(o.intervals, log, o.metrics),
		publication: stage.NewPublication(hub),
		hub:         hub,
		ledger:      ledger,
		offsets:     map[string]int64{},
	}
	p.consumers = map[string][]stagev1.Handler{
		changelogv1.TopicOrderChangeLog:     {p.match, p.settlement, p.publication},
		changelogv1.TopicTradeChangeLog:     {p.settlement, p.aggregation, p.publication},
		changelogv1.TopicBalanceChangeLog:   {p.publication},
		changelogv1.TopicAggregateChangeLog: {p.publication},
	}
	return p
}

// SubmitOrder admits one order and drives it through every stage before
// returning.
func (p *SyncPipeline) SubmitOrder(ctx context.Context, req stage.SubmitRequest) (uint64, error) {
	id, err := p.acquiring.SubmitOrder(ctx, req)
	if err != nil {
		return 0, err
	}
	return id, p.drain(ctx)
}

// CancelOrder requests a cancel and drives it through every stage.
func (p *SyncPipeline) CancelOrder(ctx context.Context, orderID uint64, owner string) error {
	if err := p.acquiring.CancelOrder(ctx, orderID, owner); err != nil {
		return err
	}
	return p.drain(ctx)
}

// Deposit credits funds and propagates the balance entry.
func (p *SyncPipeline) Deposit(ctx context.Context, owner, asset string, amount decimal.Decimal) error {
	if err := p.acquiring.Deposit(ctx, owner, asset, amount); err != nil {
		return err
	}
	return p.drain(ctx)
}

// Book returns the live book for an instrument.
func (p *SyncPipeline) Book(instrument string) (*orderbook.Book, bool) {
	return p.match.Book(instrument)
}

// Ledger returns the shared balance ledger.
func (p *SyncPipeline) Ledger() *balance.Ledger { return p.ledger }

// Hub returns the publication hub.
func (p *SyncPipeline) Hub() *publisher.Hub { return p.hub }

// Candle returns the open candle for an instrument and interval.
func (p *SyncPipeline) Candle(instrument string, interval aggregate.Interval) (aggregate.Candle, bool) {
	return p.aggregation.Current(instrument, interval)
}

// drain pops queued entries in publication order and hands each to the
// topic's consumers, queueing whatever they emit, until nothing is left.
func (p *SyncPipeline) drain(ctx context.Context) error {
	for {
		topic, entry, ok := p.queue.pop()
		if !ok {
			return nil
		}
		offset := p.offsets[topic]
		p.offsets[topic] = offset + 1
		msg := channelv1.Message{Topic: topic, Offset: offset, Entry: entry}

		for _, handler := range p.consumers[topic] {
			outputs, err := handler.Handle(ctx, msg)
			if err != nil {
				return errors.Wrap(err, handler.Name())
			}
			for _, out := range outputs {
				p.queue.push(out.Topic, out.Entry)
			}
		}
	}
}

// queueChannel is the event channel of the synchronous pipeline: Publish
// enqueues, nothing subscribes. Entries are delivered by drain.
type queueChannel struct {
	items []queued
}

type queued struct {
	topic string
	entry changelogv1.Entry
}

func (q *queueChannel) Publish(_ context.Context, topic string, entry changelogv1.Entry) error {
	q.push(topic, entry)
	return nil
}

func (q *queueChannel) Subscribe(context.Context, string, channelv1.SubscribeOptions) (channelv1.Subscription, error) {
	return nil, errors.NewTracer("synchronous pipeline does not support subscriptions")
}

func (q *queueChannel) Close() error { return nil }

func (q *queueChannel) push(topic string, entry changelogv1.Entry) {
	q.items = append(q.items, queued{topic: topic, entry: entry})
}

func (q *queueChannel) pop() (string, changelogv1.Entry, bool) {
	if len(q.items) == 0 {
		return "", changelogv1.Entry{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head.topic, head.entry, true
}
