package changelogv1

import (
	"encoding/json"
	"strconv"
	"time"
)

// Entity type names carried on the wire.
const (
	EntityOrder   = "Order"
	EntityTrade   = "Trade"
	EntityBalance = "Balance"
	EntityCandle  = "Candle"
)

// FieldChange records one field of an entity change.
type FieldChange struct {
	FieldName string `json:"field_name"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
}

// F creates a FieldChange.
func F(name, oldValue, newValue string) FieldChange {
	return FieldChange{FieldName: name, OldValue: oldValue, NewValue: newValue}
}

// Created is the change payload of a newly created entity; fields carry the
// initial state.
type Created struct {
	Fields []FieldChange `json:"fields"`
}

// Updated is the change payload of an updated entity; only changed fields are
// carried.
type Updated struct {
	ChangedFields []FieldChange `json:"changed_fields"`
}

// Deleted is the change payload of a removed entity.
type Deleted struct{}

// Change is the tagged union of the three change kinds. Exactly one member is
// non-nil.
type Change struct {
	Created *Created `json:"Created,omitempty"`
	Updated *Updated `json:"Updated,omitempty"`
	Deleted *Deleted `json:"Deleted,omitempty"`
}

// Entry is the uniform change-log event flowing between stages. Immutable
// once published. Sequence increases monotonically per producer and is the
// basis for gap detection, replay and idempotent re-application.
type Entry struct {
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	Change      Change `json:"change_type"`
	TimestampNS uint64 `json:"timestamp_ns"`
	Sequence    uint64 `json:"sequence"`
	// Producer names the emitting stage; consumers keep one sequence
	// watermark per (topic, producer) series.
	Producer string `json:"producer,omitempty"`
}

// NewCreated builds a Created entry.
func NewCreated(producer, entityType, entityID string, sequence uint64, fields []FieldChange) Entry {
	return Entry{
		EntityID:    entityID,
		EntityType:  entityType,
		Change:      Change{Created: &Created{Fields: fields}},
		TimestampNS: uint64(time.Now().UnixNano()),
		Sequence:    sequence,
		Producer:    producer,
	}
}

// NewUpdated builds an Updated entry.
func NewUpdated(producer, entityType, entityID string, sequence uint64, changed []FieldChange) Entry {
	return Entry{
		EntityID:    entityID,
		EntityType:  entityType,
		Change:      Change{Updated: &Updated{ChangedFields: changed}},
		TimestampNS: uint64(time.Now().UnixNano()),
		Sequence:    sequence,
		Producer:    producer,
	}
}

// NewDeleted builds a Deleted entry. Removal context (e.g. a cancel reason)
// travels as fields of a preceding Updated entry or not at all; the deletion
// itself carries none.
func NewDeleted(producer, entityType, entityID string, sequence uint64) Entry {
	return Entry{
		EntityID:    entityID,
		EntityType:  entityType,
		Change:      Change{Deleted: &Deleted{}},
		TimestampNS: uint64(time.Now().UnixNano()),
		Sequence:    sequence,
		Producer:    producer,
	}
}

// IsCreated reports whether the entry is a creation.
func (e *Entry) IsCreated() bool { return e.Change.Created != nil }

// IsUpdated reports whether the entry is an update.
func (e *Entry) IsUpdated() bool { return e.Change.Updated != nil }

// IsDeleted reports whether the entry is a deletion.
func (e *Entry) IsDeleted() bool { return e.Change.Deleted != nil }

// fields returns the field changes of the entry regardless of change kind.
func (e *Entry) fields() []FieldChange {
	switch {
	case e.Change.Created != nil:
		return e.Change.Created.Fields
	case e.Change.Updated != nil:
		return e.Change.Updated.ChangedFields
	default:
		return nil
	}
}

// Field returns the new value of the named field and whether it is present.
func (e *Entry) Field(name string) (string, bool) {
	for _, f := range e.fields() {
		if f.FieldName == name {
			return f.NewValue, true
		}
	}
	return "", false
}

// Uint64Field returns the named field parsed as uint64; zero when absent or
// malformed.
func (e *Entry) Uint64Field(name string) uint64 {
	v, ok := e.Field(name)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

// Int64Field returns the named field parsed as int64; zero when absent or
// malformed.
func (e *Entry) Int64Field(name string) int64 {
	v, ok := e.Field(name)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// ToBytes serializes the entry for the wire.
func (e *Entry) ToBytes() ([]byte, error) {
	return json.Marshal(e)
}

// FromBytes deserializes an entry from the wire.
func FromBytes(data []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(data, &e)
	return e, err
}
