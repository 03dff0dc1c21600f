package snapshot

import (
	"context"
	"encoding/json"

	snapshotv1 "github.com/quantfabric/exchange-core/internal/domain/snapshot/v1"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/redis"
)

const defaultKeyPrefix = "exchange:snapshot"

// RedisStore persists book snapshots as JSON, one key per instrument. Only
// the latest snapshot is kept: resync never needs an older one, because the
// change-log replays everything past the snapshot's watermarks.
type RedisStore struct {
	client    redis.Client
	keyPrefix string
	log       logger.Interface
}

// NewRedisStore builds a store on the connected client. An empty keyPrefix
// uses the default.
func NewRedisStore(client redis.Client, keyPrefix string, log logger.Interface) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, log: log}
}

func (s *RedisStore) key(instrument string) string {
	return s.keyPrefix + ":" + instrument
}

// Store overwrites the instrument's snapshot.
func (s *RedisStore) Store(ctx context.Context, snap *snapshotv1.Snapshot) error {
	if snap == nil || snap.Instrument == "" {
		return errors.NewTracerFromCode(errors.SnapshotStoreError)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.NewTracerFromCode(errors.SnapshotStoreError).Wrap(err)
	}
	if err := s.client.Set(ctx, s.key(snap.Instrument), payload, 0); err != nil {
		return errors.NewTracerFromCode(errors.SnapshotStoreError).Wrap(err)
	}
	s.log.DebugContext(ctx, "snapshot stored",
		logger.Field{Key: "instrument", Value: snap.Instrument},
		logger.Field{Key: "orders", Value: len(snap.Orders)},
		logger.Field{Key: "trade_sequence", Value: snap.TradeSequence},
	)
	return nil
}

// Load returns the latest snapshot for the instrument, or nil when none has
// been taken yet.
func (s *RedisStore) Load(ctx context.Context, instrument string) (*snapshotv1.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(instrument))
	if err != nil {
		return nil, errors.NewTracerFromCode(errors.SnapshotLoadError).Wrap(err)
	}
	if raw == "" {
		return nil, nil
	}
	var snap snapshotv1.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, errors.NewTracerFromCode(errors.SnapshotLoadError).Wrap(err)
	}
	return &snap, nil
}

var _ snapshotv1.Store = (*RedisStore)(nil)
