package stage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	stagev1 "github.com/quantfabric/exchange-core/internal/domain/stage/v1"
	"github.com/quantfabric/exchange-core/pkg/errors"
)

// scriptedChannel serves pre-loaded messages per topic and records every
// publish and commit in one shared op log, so tests can assert ordering
// across both.
type scriptedChannel struct {
	mu     sync.Mutex
	queues map[string][]channelv1.Message
	ops    []string
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{queues: map[string][]channelv1.Message{}}
}

func (c *scriptedChannel) load(topic string, entries ...changelogv1.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		offset := int64(len(c.queues[topic]))
		c.queues[topic] = append(c.queues[topic], channelv1.Message{Topic: topic, Offset: offset, Entry: entry})
	}
}

func (c *scriptedChannel) Publish(_ context.Context, topic string, entry changelogv1.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, fmt.Sprintf("publish %s %s/%d", topic, entry.Producer, entry.Sequence))
	return nil
}

func (c *scriptedChannel) Subscribe(_ context.Context, topic string, _ channelv1.SubscribeOptions) (channelv1.Subscription, error) {
	return &scriptedSub{channel: c, topic: topic}, nil
}

func (c *scriptedChannel) Close() error { return nil }

func (c *scriptedChannel) opLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

type scriptedSub struct {
	channel *scriptedChannel
	topic   string
}

func (s *scriptedSub) Next(ctx context.Context) (channelv1.Message, error) {
	for {
		s.channel.mu.Lock()
		queue := s.channel.queues[s.topic]
		if len(queue) > 0 {
			msg := queue[0]
			s.channel.queues[s.topic] = queue[1:]
			s.channel.mu.Unlock()
			return msg, nil
		}
		s.channel.mu.Unlock()
		select {
		case <-ctx.Done():
			return channelv1.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *scriptedSub) Commit(_ context.Context, msg channelv1.Message) error {
	s.channel.mu.Lock()
	defer s.channel.mu.Unlock()
	s.channel.ops = append(s.channel.ops, fmt.Sprintf("commit %s %s/%d", msg.Topic, msg.Entry.Producer, msg.Entry.Sequence))
	return nil
}

func (s *scriptedSub) Close() error { return nil }

// echoHandler records what it was handed and emits one output per entry.
type echoHandler struct {
	mu      sync.Mutex
	handled []uint64
	outSeq  changelogv1.Sequencer

	resyncWatermarks map[string]uint64
	resyncs          int
}

func (h *echoHandler) Name() string { return "echo" }

func (h *echoHandler) Handle(_ context.Context, msg channelv1.Message) ([]stagev1.Output, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, msg.Entry.Sequence)
	out := changelogv1.NewCreated("echo", changelogv1.EntityTrade, msg.Entry.EntityID, h.outSeq.Next(), nil)
	return []stagev1.Output{{Topic: changelogv1.TopicTradeChangeLog, Entry: out}}, nil
}

func (h *echoHandler) handledSeqs() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.handled...)
}

// resyncingHandler adds Resync to echoHandler. When resyncSeq is set, each
// call pops the next watermark map, as a snapshot store advancing between
// loads would produce.
type resyncingHandler struct {
	echoHandler
	resyncSeq []map[string]uint64
}

func (h *resyncingHandler) Resync(context.Context) (map[string]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resyncs++
	if len(h.resyncSeq) > 0 {
		wm := h.resyncSeq[0]
		h.resyncSeq = h.resyncSeq[1:]
		return wm, nil
	}
	return h.resyncWatermarks, nil
}

func orderEntry(seq uint64) changelogv1.Entry {
	return changelogv1.NewCreated(changelogv1.ProducerAcquiring, changelogv1.EntityOrder, u64(seq), seq, nil)
}

func runUntil(t *testing.T, r *Runner, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		select {
		case err := <-done:
			done <- err
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	cancel()
	return <-done
}

func TestRunner_ProcessesInOrderAndPublishesBeforeCommit(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(2), orderEntry(3))

	handler := &echoHandler{}
	r := NewRunner(handler, ch, []Input{{Topic: changelogv1.TopicOrderChangeLog}}, testLogger(t), testMetrics())

	err := runUntil(t, r, func() bool { return len(handler.handledSeqs()) == 3 })
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, handler.handledSeqs())

	// every publish lands before its input's commit
	ops := ch.opLog()
	require.Len(t, ops, 6)
	for i := 0; i < 3; i++ {
		assert.Contains(t, ops[2*i], "publish", "op %d: %s", 2*i, ops[2*i])
		assert.Contains(t, ops[2*i+1], "commit", "op %d: %s", 2*i+1, ops[2*i+1])
	}
	assert.Equal(t, stagev1.StateStopped, r.State())
}

func TestRunner_SkipsAndCommitsDuplicates(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(2), orderEntry(2), orderEntry(3))

	handler := &echoHandler{}
	r := NewRunner(handler, ch, []Input{{Topic: changelogv1.TopicOrderChangeLog}}, testLogger(t), testMetrics())

	err := runUntil(t, r, func() bool { return len(handler.handledSeqs()) == 3 })
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, handler.handledSeqs())

	// three applied entries commit plus one duplicate commit, no duplicate
	// publish
	var commits, publishes int
	for _, op := range ch.opLog() {
		switch op[:7] {
		case "publish":
			publishes++
		default:
			commits++
		}
	}
	assert.Equal(t, 4, commits)
	assert.Equal(t, 3, publishes)
}

func TestRunner_GapWithoutResyncerHalts(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(5))

	handler := &echoHandler{}
	r := NewRunner(handler, ch, []Input{{Topic: changelogv1.TopicOrderChangeLog}}, testLogger(t), testMetrics())

	err := runUntil(t, r, func() bool { return false })
	require.Error(t, err)
	assert.True(t, errors.ErrorCodeEquals(err, errors.SequenceGap))
	assert.Equal(t, []uint64{1}, handler.handledSeqs())
}

func TestRunner_GapTriggersResync(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(5), orderEntry(6))

	handler := &resyncingHandler{}
	// the snapshot already covers everything up to 4
	handler.resyncWatermarks = map[string]uint64{
		changelogv1.TopicOrderChangeLog + "/" + changelogv1.ProducerAcquiring: 4,
	}
	r := NewRunner(handler, ch, []Input{{Topic: changelogv1.TopicOrderChangeLog}}, testLogger(t), testMetrics())

	err := runUntil(t, r, func() bool { return len(handler.handledSeqs()) == 3 })
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 5, 6}, handler.handledSeqs())
	assert.Equal(t, 1, handler.resyncs)
}

func TestRunner_ResyncSkipsAlreadyCoveredEntries(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(5), orderEntry(6))

	handler := &resyncingHandler{}
	// the snapshot is ahead of the redelivered entry
	handler.resyncWatermarks = map[string]uint64{
		changelogv1.TopicOrderChangeLog + "/" + changelogv1.ProducerAcquiring: 5,
	}
	r := NewRunner(handler, ch, []Input{{Topic: changelogv1.TopicOrderChangeLog}}, testLogger(t), testMetrics())

	err := runUntil(t, r, func() bool { return len(handler.handledSeqs()) == 2 })
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 6}, handler.handledSeqs())
}

func TestRunner_UnclosableGapAfterResyncHalts(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(10))

	handler := &resyncingHandler{}
	// the snapshot never covers 2..9, so applying 10 would skip them
	handler.resyncWatermarks = map[string]uint64{
		changelogv1.TopicOrderChangeLog + "/" + changelogv1.ProducerAcquiring: 2,
	}
	r := NewRunner(handler, ch, []Input{{Topic: changelogv1.TopicOrderChangeLog}}, testLogger(t), testMetrics())

	err := runUntil(t, r, func() bool { return false })
	require.Error(t, err)
	assert.True(t, errors.ErrorCodeEquals(err, errors.SequenceGap))
	assert.Equal(t, []uint64{1}, handler.handledSeqs())
	assert.Equal(t, 2, handler.resyncs)
}

func TestRunner_GapClosedOnSecondResync(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(10))

	handler := &resyncingHandler{}
	key := changelogv1.TopicOrderChangeLog + "/" + changelogv1.ProducerAcquiring
	// first load is stale, the retry has caught up to 9
	handler.resyncSeq = []map[string]uint64{
		{key: 2},
		{key: 9},
	}
	r := NewRunner(handler, ch, []Input{{Topic: changelogv1.TopicOrderChangeLog}}, testLogger(t), testMetrics())

	err := runUntil(t, r, func() bool { return len(handler.handledSeqs()) == 2 })
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 10}, handler.handledSeqs())
	assert.Equal(t, 2, handler.resyncs)
}

func TestRunner_SeededWatermarksSkipReplayedEntries(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(2), orderEntry(3))

	handler := &echoHandler{}
	r := NewRunner(handler, ch, []Input{{Topic: changelogv1.TopicOrderChangeLog}}, testLogger(t), testMetrics())
	r.SetWatermarks(map[string]uint64{
		changelogv1.TopicOrderChangeLog + "/" + changelogv1.ProducerAcquiring: 2,
	})

	err := runUntil(t, r, func() bool { return len(handler.handledSeqs()) == 1 })
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, handler.handledSeqs())
}

func TestRunner_MergesMultipleInputs(t *testing.T) {
	ch := newScriptedChannel()
	ch.load(changelogv1.TopicOrderChangeLog, orderEntry(1), orderEntry(2))
	trade := changelogv1.NewCreated(changelogv1.ProducerMatch, changelogv1.EntityTrade, "9", 1, nil)
	ch.load(changelogv1.TopicTradeChangeLog, trade)

	handler := &echoHandler{}
	inputs := []Input{
		{Topic: changelogv1.TopicOrderChangeLog},
		{Topic: changelogv1.TopicTradeChangeLog},
	}
	r := NewRunner(handler, ch, inputs, testLogger(t), testMetrics())

	err := runUntil(t, r, func() bool { return len(handler.handledSeqs()) == 3 })
	require.NoError(t, err)
	assert.Len(t, handler.handledSeqs(), 3)
}
