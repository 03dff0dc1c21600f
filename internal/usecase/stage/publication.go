package stage

import (
	"context"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	stagev1 "github.com/quantfabric/exchange-core/internal/domain/stage/v1"
)

// Broadcaster pushes entries to external consumers. The websocket hub
// implements it.
type Broadcaster interface {
	Broadcast(topic string, entry changelogv1.Entry)
}

// Publication fans every change-log topic out to the broadcaster. It is the
// terminal stage: it emits nothing back into the pipeline.
type Publication struct {
	broadcaster Broadcaster
}

func NewPublication(b Broadcaster) *Publication {
	return &Publication{broadcaster: b}
}

func (p *Publication) Name() string { return "publication" }

func (p *Publication) Handle(_ context.Context, msg channelv1.Message) ([]stagev1.Output, error) {
	p.broadcaster.Broadcast(msg.Topic, msg.Entry)
	return nil, nil
}
