package snapshotv1

import "context"

// Store persists and loads per-instrument book snapshots.
//
//go:generate mockgen -source interface.go -destination=mock/interface_mock.go -package=snapshotv1_mock
type Store interface {
	Store(ctx context.Context, snapshot *Snapshot) error
	// Load returns nil without error when no snapshot exists.
	Load(ctx context.Context, instrument string) (*Snapshot, error)
}
