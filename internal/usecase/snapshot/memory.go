package snapshot

import (
	"context"
	"sync"

	snapshotv1 "github.com/quantfabric/exchange-core/internal/domain/snapshot/v1"
	"github.com/quantfabric/exchange-core/pkg/errors"
)

// MemoryStore keeps the latest snapshot per instrument in memory. The local
// deployment shape uses it; losing snapshots with the process is fine there
// because the channel's history dies with the process too.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*snapshotv1.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: map[string]*snapshotv1.Snapshot{}}
}

func (s *MemoryStore) Store(_ context.Context, snap *snapshotv1.Snapshot) error {
	if snap == nil || snap.Instrument == "" {
		return errors.NewTracerFromCode(errors.SnapshotStoreError)
	}
	cp := *snap
	cp.Orders = append([]snapshotv1.BookOrder(nil), snap.Orders...)
	cp.SourceWatermarks = map[string]uint64{}
	for k, v := range snap.SourceWatermarks {
		cp.SourceWatermarks[k] = v
	}
	cp.ProducerSequences = map[string]uint64{}
	for k, v := range snap.ProducerSequences {
		cp.ProducerSequences[k] = v
	}
	s.mu.Lock()
	s.snaps[snap.Instrument] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, instrument string) (*snapshotv1.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[instrument]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

var _ snapshotv1.Store = (*MemoryStore)(nil)
