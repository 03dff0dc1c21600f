package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	instrumentv1 "github.com/quantfabric/exchange-core/internal/domain/instrument/v1"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
)

var errTransportDown = errors.NewTracerFromCode(errors.TransportFailure)

func testLogger(t *testing.T) logger.Interface {
	t.Helper()
	log, err := logger.NewLogger()
	require.NoError(t, err)
	return log
}

func testMetrics() *metrics.Metrics {
	return metrics.NewUnregistered()
}

func btcUSD() instrumentv1.Spec {
	return instrumentv1.DefaultSpec("BTC-USD")
}

func counterIDs() func() uint64 {
	var next uint64
	return func() uint64 {
		next++
		return next
	}
}

// recordChannel captures publishes for assertion.
type recordChannel struct {
	published []publishedEntry
	failNext  bool
}

type publishedEntry struct {
	topic string
	entry changelogv1.Entry
}

func (r *recordChannel) Publish(_ context.Context, topic string, entry changelogv1.Entry) error {
	if r.failNext {
		r.failNext = false
		return errTransportDown
	}
	r.published = append(r.published, publishedEntry{topic: topic, entry: entry})
	return nil
}

func (r *recordChannel) Subscribe(context.Context, string, channelv1.SubscribeOptions) (channelv1.Subscription, error) {
	panic("recordChannel does not subscribe")
}

func (r *recordChannel) Close() error { return nil }

// onTopic filters the captured entries by topic.
func (r *recordChannel) onTopic(topic string) []changelogv1.Entry {
	var out []changelogv1.Entry
	for _, p := range r.published {
		if p.topic == topic {
			out = append(out, p.entry)
		}
	}
	return out
}

func msgOn(topic string, entry changelogv1.Entry) channelv1.Message {
	return channelv1.Message{Topic: topic, Entry: entry}
}
