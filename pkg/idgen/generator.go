// Package idgen provides a lock-free generator of 64-bit, time-ordered,
// globally unique identifiers for orders and trades.
//
// Identifier layout (64 bits):
//   - 1 bit: sign, always zero
//   - 41 bits: milliseconds since the generator epoch
//   - 5 bits: node id (32 nodes)
//   - 12 bits: per-millisecond sequence (4096 ids per millisecond)
package idgen

import (
	"sync/atomic"
	"time"
)

const (
	nodeIDBits   = 5
	sequenceBits = 12

	// MaxNodeID is the largest configurable node id.
	MaxNodeID = (1 << nodeIDBits) - 1

	maxSequence = (1 << sequenceBits) - 1

	// epochMillis is 2024-01-01 00:00:00 UTC.
	epochMillis = int64(1704067200000)
)

// Generator issues unique, monotonically increasing identifiers. It is safe
// for concurrent use by any number of goroutines; uniqueness across processes
// requires distinct node ids.
type Generator struct {
	// tsAndSeq packs the last issued millisecond timestamp in the high 48
	// bits and the per-millisecond sequence in the low 16 bits.
	tsAndSeq atomic.Uint64
	nodeID   uint64
}

// New creates a Generator for the given node id. Node ids above MaxNodeID are
// masked into range.
func New(nodeID uint8) *Generator {
	return &Generator{
		nodeID: uint64(nodeID) & MaxNodeID,
	}
}

// NextID returns the next identifier. It never blocks except for a bounded
// spin when the sequence space of the current millisecond is exhausted, or
// briefly after a wall-clock step backwards.
func (g *Generator) NextID() uint64 {
	for {
		now := currentMillis()
		current := g.tsAndSeq.Load()
		lastTS := int64(current >> 16)
		lastSeq := current & 0xFFFF

		var newTS uint64
		var newSeq uint64
		switch {
		case now == lastTS:
			// same millisecond, advance the sequence
			newSeq = lastSeq + 1
			if newSeq > maxSequence {
				// sequence exhausted, spin until the next millisecond
				continue
			}
			newTS = uint64(now)
		case now > lastTS:
			newTS = uint64(now)
			newSeq = 0
		default:
			// clock stepped backwards; keep issuing against the stored
			// larger timestamp instead of failing
			newSeq = lastSeq + 1
			if newSeq > maxSequence {
				continue
			}
			newTS = uint64(lastTS)
		}

		newValue := newTS<<16 | newSeq
		if g.tsAndSeq.CompareAndSwap(current, newValue) {
			elapsed := uint64(int64(newTS) - epochMillis)
			return elapsed<<(nodeIDBits+sequenceBits) |
				g.nodeID<<sequenceBits |
				newSeq
		}
		// another goroutine won the CAS, retry
	}
}

// ExtractTimestamp returns the Unix millisecond timestamp packed into id.
func ExtractTimestamp(id uint64) int64 {
	return int64(id>>(nodeIDBits+sequenceBits)) + epochMillis
}

// ExtractNodeID returns the node id packed into id.
func ExtractNodeID(id uint64) uint8 {
	return uint8(id >> sequenceBits & MaxNodeID)
}

// ExtractSequence returns the per-millisecond sequence packed into id.
func ExtractSequence(id uint64) uint16 {
	return uint16(id & maxSequence)
}

func currentMillis() int64 {
	return time.Now().UnixMilli()
}
