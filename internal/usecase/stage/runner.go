package stage

import (
	"context"
	"sync"
	"sync/atomic"

	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	stagev1 "github.com/quantfabric/exchange-core/internal/domain/stage/v1"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
)

// Runner drives one stage: it merges the stage's input topics into a single
// serialized stream, deduplicates and gap-checks it per producer, hands each
// entry to the handler, publishes the handler's outputs, and only then
// commits the input. Crash anywhere and the uncommitted entry is redelivered,
// which is why handlers must be idempotent.
type Runner struct {
	handler stagev1.Handler
	channel channelv1.EventChannel
	inputs  []Input
	log     logger.Interface
	metrics *metrics.Metrics

	state atomic.Int32
	// watermarks maps "topic/producer" to the last applied sequence.
	watermarks map[string]uint64
}

// Input is one topic the stage consumes, with its subscribe options.
type Input struct {
	Topic   string
	Options channelv1.SubscribeOptions
}

// NewRunner wires a handler to its channel and inputs.
func NewRunner(handler stagev1.Handler, ch channelv1.EventChannel, inputs []Input, log logger.Interface, m *metrics.Metrics) *Runner {
	r := &Runner{
		handler:    handler,
		channel:    ch,
		inputs:     inputs,
		log:        log,
		metrics:    m,
		watermarks: map[string]uint64{},
	}
	r.state.Store(int32(stagev1.StateStarting))
	return r
}

// State returns the stage's current lifecycle state.
func (r *Runner) State() stagev1.State {
	return stagev1.State(r.state.Load())
}

// SetWatermarks seeds the per-source watermarks, as done after loading a
// snapshot before the first Run.
func (r *Runner) SetWatermarks(wm map[string]uint64) {
	for k, v := range wm {
		r.watermarks[k] = v
	}
}

func watermarkKey(topic, producer string) string {
	return topic + "/" + producer
}

type fetched struct {
	sub channelv1.Subscription
	msg channelv1.Message
	err error
}

// Run consumes until ctx is cancelled or the handler fails. It returns nil
// on a clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	subs := make([]channelv1.Subscription, 0, len(r.inputs))
	defer func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
		r.state.Store(int32(stagev1.StateStopped))
	}()

	for _, input := range r.inputs {
		sub, err := r.channel.Subscribe(ctx, input.Topic, input.Options)
		if err != nil {
			return errors.Wrap(err, "subscribe "+input.Topic)
		}
		subs = append(subs, sub)
	}
	r.state.Store(int32(stagev1.StateRunning))
	r.log.InfoContext(ctx, "stage running",
		logger.Field{Key: "stage", Value: r.handler.Name()},
		logger.Field{Key: "inputs", Value: len(r.inputs)},
	)

	merged := make(chan fetched)
	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub channelv1.Subscription) {
			defer wg.Done()
			for {
				msg, err := sub.Next(fetchCtx)
				select {
				case merged <- fetched{sub: sub, msg: msg, err: err}:
				case <-fetchCtx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}(sub)
	}
	defer func() {
		stopFetch()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-merged:
			if f.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return f.err
			}
			if err := r.process(ctx, f.sub, f.msg); err != nil {
				r.log.ErrorContext(ctx, err,
					logger.Field{Key: "stage", Value: r.handler.Name()},
					logger.Field{Key: "topic", Value: f.msg.Topic},
				)
				return err
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, sub channelv1.Subscription, msg channelv1.Message) error {
	name := r.handler.Name()
	r.metrics.EntriesConsumed.WithLabelValues(name, msg.Topic).Inc()

	accept, err := r.checkSequence(ctx, msg)
	if err != nil {
		return err
	}
	if !accept {
		// duplicate of an already applied entry: acknowledge and move on
		return sub.Commit(ctx, msg)
	}

	outputs, err := r.handler.Handle(ctx, msg)
	if err != nil {
		return errors.Wrap(err, "handle "+msg.Topic)
	}

	// publish before commit: a crash in between redelivers the input, and
	// downstream dedupes the replayed outputs by sequence
	for _, out := range outputs {
		if err := r.channel.Publish(ctx, out.Topic, out.Entry); err != nil {
			return errors.Wrap(err, "publish "+out.Topic)
		}
		r.metrics.EntriesPublished.WithLabelValues(name, out.Topic).Inc()
	}

	r.watermarks[watermarkKey(msg.Topic, msg.Entry.Producer)] = msg.Entry.Sequence
	return sub.Commit(ctx, msg)
}

// checkSequence enforces per-producer ordering on each input topic. It
// reports whether the message should be applied; duplicates are skipped, and
// a gap triggers a resync when the handler supports one.
func (r *Runner) checkSequence(ctx context.Context, msg channelv1.Message) (bool, error) {
	key := watermarkKey(msg.Topic, msg.Entry.Producer)
	last, seen := r.watermarks[key]

	if seen && msg.Entry.Sequence <= last {
		return false, nil
	}
	if !seen || msg.Entry.Sequence == last+1 {
		return true, nil
	}

	// gap: at least one entry between last and this one was missed
	r.metrics.SequenceGaps.WithLabelValues(r.handler.Name(), msg.Topic).Inc()
	r.log.WarnContext(ctx, "sequence gap detected",
		logger.Field{Key: "stage", Value: r.handler.Name()},
		logger.Field{Key: "source", Value: key},
		logger.Field{Key: "last", Value: last},
		logger.Field{Key: "got", Value: msg.Entry.Sequence},
	)

	resyncer, ok := r.handler.(stagev1.Resyncer)
	if !ok {
		return false, errors.NewTracerFromCode(errors.SequenceGap)
	}

	// the snapshot may sit behind the stream because its owner has not
	// snapshotted past the hole yet; load once, and once more before
	// giving up
	for attempt := 0; attempt < 2; attempt++ {
		r.state.Store(int32(stagev1.StateResyncing))
		r.metrics.Resyncs.WithLabelValues(r.handler.Name()).Inc()
		watermarks, err := resyncer.Resync(ctx)
		if err != nil {
			return false, errors.Wrap(err, "resync")
		}
		for k, v := range watermarks {
			r.watermarks[k] = v
		}
		r.state.Store(int32(stagev1.StateRunning))

		last = r.watermarks[key]
		if msg.Entry.Sequence <= last {
			return false, nil
		}
		if msg.Entry.Sequence == last+1 {
			return true, nil
		}
	}
	// applying now would silently skip the sequences between the watermark
	// and this entry; halting keeps state replayable
	return false, errors.NewTracerFromCode(errors.SequenceGap)
}

