package channel

import (
	"context"
	"fmt"
	"sync"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
)

const defaultLocalBuffer = 1024

// LocalChannel is the in-process EventChannel: bounded buffered Go channels
// per (topic, group), fan-out across groups, competition within a group.
// Entries are volatile; nothing is retained for subscribers that arrive
// after publication.
type LocalChannel struct {
	mu         sync.Mutex
	topics     map[string]*localTopic
	bufferSize int
	closed     bool
	// done releases publishers blocked on a full group buffer and
	// subscribers waiting in Next. The data channels themselves are never
	// closed: a publisher may be mid-send when Close runs.
	done chan struct{}
	log  logger.Interface
}

type localTopic struct {
	mu            sync.Mutex
	nextOffset    int64
	nextExclusive int
	groups        map[string]*localGroup
}

type localGroup struct {
	ch   chan channelv1.Message
	refs int
}

type localSubscription struct {
	parent  *LocalChannel
	topic   string
	groupID string
	ch      chan channelv1.Message

	closeOnce sync.Once
}

// NewLocalChannel returns a channel whose per-group buffers hold bufferSize
// messages. A non-positive bufferSize falls back to the default.
func NewLocalChannel(bufferSize int, log logger.Interface) *LocalChannel {
	if bufferSize <= 0 {
		bufferSize = defaultLocalBuffer
	}
	return &LocalChannel{
		topics:     map[string]*localTopic{},
		bufferSize: bufferSize,
		done:       make(chan struct{}),
		log:        log,
	}
}

func (c *LocalChannel) getTopic(name string) (*localTopic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.NewTracerFromCode(errors.ChannelClosed)
	}
	t, ok := c.topics[name]
	if !ok {
		t = &localTopic{groups: map[string]*localGroup{}}
		c.topics[name] = t
	}
	return t, nil
}

// Publish fans the entry out to every subscribed group. A full group buffer
// blocks the publisher until the group drains or ctx is done; this is the
// backpressure that keeps a slow stage from being overrun.
func (c *LocalChannel) Publish(ctx context.Context, topic string, entry changelogv1.Entry) error {
	t, err := c.getTopic(topic)
	if err != nil {
		return err
	}

	t.mu.Lock()
	offset := t.nextOffset
	t.nextOffset++
	targets := make([]chan channelv1.Message, 0, len(t.groups))
	for _, g := range t.groups {
		targets = append(targets, g.ch)
	}
	t.mu.Unlock()

	msg := channelv1.Message{Topic: topic, Offset: offset, Entry: entry}
	for _, ch := range targets {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "local publish interrupted")
		case <-c.done:
			return errors.NewTracerFromCode(errors.ChannelClosed)
		}
	}
	return nil
}

// Subscribe joins the group on the topic, creating it on first use. An empty
// group id gets a private group so the subscriber sees every message.
func (c *LocalChannel) Subscribe(_ context.Context, topic string, opts channelv1.SubscribeOptions) (channelv1.Subscription, error) {
	t, err := c.getTopic(topic)
	if err != nil {
		return nil, err
	}

	size := opts.BufferSize
	if size <= 0 {
		size = c.bufferSize
	}

	groupID := opts.GroupID
	t.mu.Lock()
	if groupID == "" {
		groupID = fmt.Sprintf("!exclusive-%d", t.nextExclusive)
		t.nextExclusive++
	}
	g, ok := t.groups[groupID]
	if !ok {
		g = &localGroup{ch: make(chan channelv1.Message, size)}
		t.groups[groupID] = g
	}
	g.refs++
	t.mu.Unlock()

	return &localSubscription{parent: c, topic: topic, groupID: groupID, ch: g.ch}, nil
}

// Close tears down all topics. Publishers blocked on a full buffer and
// subscribers waiting in Next both return ChannelClosed.
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	for _, t := range c.topics {
		t.mu.Lock()
		for id := range t.groups {
			delete(t.groups, id)
		}
		t.mu.Unlock()
	}
	return nil
}

func (s *localSubscription) Next(ctx context.Context) (channelv1.Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-ctx.Done():
		return channelv1.Message{}, errors.Wrap(ctx.Err(), "local receive interrupted")
	case <-s.parent.done:
		return channelv1.Message{}, errors.NewTracerFromCode(errors.ChannelClosed)
	}
}

// Commit is a no-op: the local channel is volatile, there is no durable
// position to record.
func (s *localSubscription) Commit(context.Context, channelv1.Message) error {
	return nil
}

func (s *localSubscription) Close() error {
	s.closeOnce.Do(func() {
		t, err := s.parent.getTopic(s.topic)
		if err != nil {
			return
		}
		t.mu.Lock()
		if g, ok := t.groups[s.groupID]; ok {
			g.refs--
			if g.refs <= 0 {
				delete(t.groups, s.groupID)
			}
		}
		t.mu.Unlock()
	})
	return nil
}
