package stagev1

import (
	"context"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
)

// State is the lifecycle of a running stage.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateResyncing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateResyncing:
		return "resyncing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Output is an entry a handler wants published to a downstream topic.
type Output struct {
	Topic string
	Entry changelogv1.Entry
}

// Handler is the business core of a stage. The runner invokes Handle
// serially, so implementations own their state without locking.
//
//go:generate mockgen -source interface.go -destination=mock/interface_mock.go -package=stagev1_mock
type Handler interface {
	Name() string
	// Handle processes one consumed message and returns the entries to
	// publish downstream. A returned error stops the stage.
	Handle(ctx context.Context, msg channelv1.Message) ([]Output, error)
}

// Resyncer is implemented by handlers that can rebuild their state from a
// snapshot after the runner detects a sequence gap. Resync returns the
// per-source watermarks (keyed "topic/producer") consumption resumes from.
type Resyncer interface {
	Resync(ctx context.Context) (map[string]uint64, error)
}
