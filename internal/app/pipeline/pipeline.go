package pipeline

import (
	"context"
	"sync"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	instrumentv1 "github.com/quantfabric/exchange-core/internal/domain/instrument/v1"
	snapshotv1 "github.com/quantfabric/exchange-core/internal/domain/snapshot/v1"
	stagev1 "github.com/quantfabric/exchange-core/internal/domain/stage/v1"
	"github.com/quantfabric/exchange-core/internal/usecase/aggregate"
	"github.com/quantfabric/exchange-core/internal/usecase/balance"
	"github.com/quantfabric/exchange-core/internal/usecase/channel"
	"github.com/quantfabric/exchange-core/internal/usecase/orderbook"
	"github.com/quantfabric/exchange-core/internal/usecase/publisher"
	"github.com/quantfabric/exchange-core/internal/usecase/snapshot"
	"github.com/quantfabric/exchange-core/internal/usecase/stage"
	"github.com/quantfabric/exchange-core/pkg/config"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/idgen"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
)

// Pipeline assembles the staged event pipeline: acquiring publishes admitted
// orders, match turns them into trades, settlement and aggregation fold the
// trade stream, publication fans everything out. Stages communicate only
// through the event channel.
type Pipeline struct {
	cfg config.Config
	log logger.Interface
	met *metrics.Metrics

	channel channelv1.EventChannel
	store   snapshotv1.Store
	ledger  *balance.Ledger
	hub     *publisher.Hub

	acquiring   *stage.Acquiring
	match       *stage.Match
	settlement  *stage.Settlement
	aggregation *stage.Aggregation
	publication *stage.Publication

	runners []*stage.Runner
}

// Option overrides a pipeline default.
type Option func(*options)

type options struct {
	channel   channelv1.EventChannel
	store     snapshotv1.Store
	specs     []instrumentv1.Spec
	bookOpts  []orderbook.Option
	intervals []aggregate.Interval
	metrics   *metrics.Metrics
	nextID    func() uint64
}

// WithChannel overrides the event channel, e.g. for the Kafka transport.
func WithChannel(ch channelv1.EventChannel) Option {
	return func(o *options) { o.channel = ch }
}

// WithSnapshotStore overrides the snapshot store, e.g. the Redis one.
func WithSnapshotStore(store snapshotv1.Store) Option {
	return func(o *options) { o.store = store }
}

// WithInstrumentSpecs overrides the specs derived from configured symbols.
func WithInstrumentSpecs(specs []instrumentv1.Spec) Option {
	return func(o *options) { o.specs = specs }
}

// WithBookOptions applies options to every instrument book.
func WithBookOptions(opts ...orderbook.Option) Option {
	return func(o *options) { o.bookOpts = opts }
}

// WithIntervals overrides the candle intervals.
func WithIntervals(intervals []aggregate.Interval) Option {
	return func(o *options) { o.intervals = intervals }
}

// WithMetrics supplies registered collectors instead of throwaway ones.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIDSource overrides the order id generator, for deterministic tests.
func WithIDSource(next func() uint64) Option {
	return func(o *options) { o.nextID = next }
}

// New builds a pipeline from configuration. Defaults: local channel,
// in-memory snapshot store, throwaway metrics, snowflake order ids.
func New(cfg config.Config, log logger.Interface, opts ...Option) *Pipeline {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.channel == nil {
		o.channel = channel.NewLocalChannel(cfg.LocalBufferSize, log)
	}
	if o.store == nil {
		o.store = snapshot.NewMemoryStore()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewUnregistered()
	}
	if len(o.specs) == 0 {
		for _, symbol := range cfg.Instruments {
			o.specs = append(o.specs, instrumentv1.DefaultSpec(symbol))
		}
	}
	if o.nextID == nil {
		o.nextID = idgen.New(cfg.NodeID).NextID
	}

	instruments := make([]string, 0, len(o.specs))
	for _, spec := range o.specs {
		instruments = append(instruments, spec.Symbol)
	}

	ledger := balance.NewLedger()
	hub := publisher.NewHub()

	p := &Pipeline{
		cfg:     cfg,
		log:     log,
		met:     o.metrics,
		channel: o.channel,
		store:   o.store,
		ledger:  ledger,
		hub:     hub,
	}
	// books share the order id source so trade ids are unique across
	// instruments; settlement dedupes on them
	bookOpts := append([]orderbook.Option{orderbook.WithTradeIDSource(o.nextID)}, o.bookOpts...)

	p.acquiring = stage.NewAcquiring(o.channel, o.specs, ledger, o.nextID, log, o.metrics)
	p.match = stage.NewMatch(instruments, o.store, log, o.metrics, bookOpts,
		stage.WithSnapshotDelta(int(cfg.SnapshotConfig.SequenceDelta)))
	p.settlement = stage.NewSettlement(ledger, o.specs, log, o.metrics)
	p.aggregation = stage.NewAggregation(o.intervals, log, o.metrics)
	p.publication = stage.NewPublication(hub)

	p.runners = []*stage.Runner{
		// match publishes order-status entries to the topic its own group
		// consumes. The local group buffer must hold every output one input
		// can emit, or the runner blocks on its own subscription; a
		// cancel-resting sweep is the worst case, bounded by the number of
		// resting orders one owner may hold.
		stage.NewRunner(p.match, o.channel, []stage.Input{
			{Topic: changelogv1.TopicOrderChangeLog, Options: channelv1.SubscribeOptions{GroupID: "match"}},
		}, log, o.metrics),
		stage.NewRunner(p.settlement, o.channel, []stage.Input{
			{Topic: changelogv1.TopicTradeChangeLog, Options: channelv1.SubscribeOptions{GroupID: "settlement"}},
			{Topic: changelogv1.TopicOrderChangeLog, Options: channelv1.SubscribeOptions{GroupID: "settlement"}},
		}, log, o.metrics),
		stage.NewRunner(p.aggregation, o.channel, []stage.Input{
			{Topic: changelogv1.TopicTradeChangeLog, Options: channelv1.SubscribeOptions{GroupID: "aggregation"}},
		}, log, o.metrics),
		stage.NewRunner(p.publication, o.channel, inputsForAll("publication"), log, o.metrics),
	}
	return p
}

func inputsForAll(group string) []stage.Input {
	topics := changelogv1.AllTopics()
	inputs := make([]stage.Input, 0, len(topics))
	for _, topic := range topics {
		inputs = append(inputs, stage.Input{
			Topic:   topic,
			Options: channelv1.SubscribeOptions{GroupID: group},
		})
	}
	return inputs
}

// Running reports whether every stage runner has subscribed and is
// consuming. Orders submitted before that can miss the local transport.
func (p *Pipeline) Running() bool {
	for _, runner := range p.runners {
		if runner.State() != stagev1.StateRunning {
			return false
		}
	}
	return true
}

// Acquiring returns the admission stage, the pipeline's order entry point.
func (p *Pipeline) Acquiring() *stage.Acquiring { return p.acquiring }

// Match returns the match stage, for depth queries.
func (p *Pipeline) Match() *stage.Match { return p.match }

// Settlement returns the settlement stage, for balance queries.
func (p *Pipeline) Settlement() *stage.Settlement { return p.settlement }

// Aggregation returns the aggregation stage, for candle queries.
func (p *Pipeline) Aggregation() *stage.Aggregation { return p.aggregation }

// Hub returns the publication hub.
func (p *Pipeline) Hub() *publisher.Hub { return p.hub }

// Ledger returns the shared balance ledger.
func (p *Pipeline) Ledger() *balance.Ledger { return p.ledger }

// Run resyncs the match stage from its snapshots, starts every stage runner
// and blocks until ctx is cancelled or a stage fails. On return the channel
// is closed.
func (p *Pipeline) Run(ctx context.Context) error {
	watermarks, err := p.match.Resync(ctx)
	if err != nil {
		return errors.Wrap(err, "initial resync")
	}
	p.runners[0].SetWatermarks(watermarks)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(p.runners))
	var wg sync.WaitGroup
	for _, runner := range p.runners {
		wg.Add(1)
		go func(r *stage.Runner) {
			defer wg.Done()
			if err := r.Run(runCtx); err != nil {
				errCh <- err
			}
		}(runner)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		p.log.ErrorContext(ctx, runErr,
			logger.Field{Key: "action", Value: "pipeline_run"},
		)
	}

	cancel()
	_ = p.channel.Close()
	wg.Wait()
	return runErr
}
