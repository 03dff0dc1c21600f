package stage

import (
	"strconv"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
)

// Field names carried by order and trade change-log entries.
const (
	FieldInstrument  = "instrument"
	FieldSide        = "side"
	FieldType        = "type"
	FieldTimeInForce = "time_in_force"
	FieldPrice       = "price"
	FieldQuantity    = "quantity"
	FieldRemaining   = "remaining"
	FieldOwner       = "owner"
	FieldStatus      = "status"
	FieldExpireAt    = "expire_at"
	FieldReason      = "reason"

	FieldTakerOrderID = "taker_order_id"
	FieldMakerOrderID = "maker_order_id"
	FieldTakerOwner   = "taker_owner"
	FieldMakerOwner   = "maker_owner"
	FieldTakerSide    = "taker_side"
	FieldTakerPrice   = "taker_price"
	FieldTradeSeq     = "trade_seq"

	FieldAsset     = "asset"
	FieldAvailable = "available"
	FieldFrozen    = "frozen"

	FieldInterval = "interval"
	FieldOpenTime = "open_time"
	FieldOpen     = "open"
	FieldHigh     = "high"
	FieldLow      = "low"
	FieldClose    = "close"
	FieldVolume   = "volume"
	FieldTrades   = "trades"
)

// Order lifecycle statuses carried in the status field.
const (
	StatusPending         = "pending"
	StatusCancelRequested = "cancel_requested"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
)

func u64(v uint64) string { return strconv.FormatUint(v, 10) }
func i64(v int64) string  { return strconv.FormatInt(v, 10) }

// orderCreatedFields lays out a freshly admitted order for the wire.
func orderCreatedFields(o *orderbookv1.Order) []changelogv1.FieldChange {
	fields := []changelogv1.FieldChange{
		changelogv1.F(FieldInstrument, "", o.Instrument),
		changelogv1.F(FieldSide, "", string(o.Side)),
		changelogv1.F(FieldType, "", string(o.Type)),
		changelogv1.F(FieldTimeInForce, "", string(o.TimeInForce)),
		changelogv1.F(FieldPrice, "", i64(o.Price)),
		changelogv1.F(FieldQuantity, "", u64(o.Quantity)),
		changelogv1.F(FieldRemaining, "", u64(o.Remaining)),
		changelogv1.F(FieldOwner, "", o.Owner),
		changelogv1.F(FieldStatus, "", StatusPending),
	}
	if o.ExpireAt != 0 {
		fields = append(fields, changelogv1.F(FieldExpireAt, "", i64(o.ExpireAt)))
	}
	return fields
}

// orderFromEntry rebuilds the order an admission entry describes. The
// entry's own sequence becomes the order's arrival sequence.
func orderFromEntry(entry *changelogv1.Entry) (*orderbookv1.Order, error) {
	id, err := strconv.ParseUint(entry.EntityID, 10, 64)
	if err != nil {
		return nil, orderbookv1.ErrNilOrder
	}
	instrument, _ := entry.Field(FieldInstrument)
	side, _ := entry.Field(FieldSide)
	typ, _ := entry.Field(FieldType)
	tif, _ := entry.Field(FieldTimeInForce)
	owner, _ := entry.Field(FieldOwner)

	order := orderbookv1.NewOrder(
		id,
		instrument,
		orderbookv1.Side(side),
		orderbookv1.OrderType(typ),
		orderbookv1.TimeInForce(tif),
		entry.Int64Field(FieldPrice),
		entry.Uint64Field(FieldQuantity),
		owner,
		entry.Sequence,
	)
	order.ExpireAt = entry.Int64Field(FieldExpireAt)
	// the admission entry's timestamp, not the replica's clock, is the
	// order's time: replays must see identical orders
	order.Timestamp = int64(entry.TimestampNS)
	return order, nil
}

// orderStatusFields lays out a terminal or partial state transition. Price,
// side and owner ride along so settlement can release frozen funds without
// keeping its own order index.
func orderStatusFields(o *orderbookv1.Order, status, reason string) []changelogv1.FieldChange {
	fields := []changelogv1.FieldChange{
		changelogv1.F(FieldStatus, StatusPending, status),
		changelogv1.F(FieldInstrument, "", o.Instrument),
		changelogv1.F(FieldSide, "", string(o.Side)),
		changelogv1.F(FieldType, "", string(o.Type)),
		changelogv1.F(FieldPrice, "", i64(o.Price)),
		changelogv1.F(FieldRemaining, "", u64(o.Remaining)),
		changelogv1.F(FieldOwner, "", o.Owner),
	}
	if reason != "" {
		fields = append(fields, changelogv1.F(FieldReason, "", reason))
	}
	return fields
}

// tradeFields lays out an executed trade. takerPrice is the taker's limit in
// ticks, zero for market takers; settlement uses it to compute the price
// improvement refund.
func tradeFields(t *orderbookv1.Trade, takerPrice int64) []changelogv1.FieldChange {
	return []changelogv1.FieldChange{
		changelogv1.F(FieldInstrument, "", t.Instrument),
		changelogv1.F(FieldPrice, "", i64(t.Price)),
		changelogv1.F(FieldQuantity, "", u64(t.Quantity)),
		changelogv1.F(FieldTakerOrderID, "", u64(t.TakerOrderID)),
		changelogv1.F(FieldMakerOrderID, "", u64(t.MakerOrderID)),
		changelogv1.F(FieldTakerOwner, "", t.TakerOwner),
		changelogv1.F(FieldMakerOwner, "", t.MakerOwner),
		changelogv1.F(FieldTakerSide, "", string(t.TakerSide)),
		changelogv1.F(FieldTakerPrice, "", i64(takerPrice)),
		changelogv1.F(FieldTradeSeq, "", u64(t.Sequence)),
	}
}

// tradeFromEntry rebuilds the trade a match entry describes.
func tradeFromEntry(entry *changelogv1.Entry) (*orderbookv1.Trade, int64, error) {
	id, err := strconv.ParseUint(entry.EntityID, 10, 64)
	if err != nil {
		return nil, 0, orderbookv1.ErrNilOrder
	}
	instrument, _ := entry.Field(FieldInstrument)
	takerSide, _ := entry.Field(FieldTakerSide)
	takerOwner, _ := entry.Field(FieldTakerOwner)
	makerOwner, _ := entry.Field(FieldMakerOwner)
	trade := &orderbookv1.Trade{
		ID:           id,
		Instrument:   instrument,
		Price:        entry.Int64Field(FieldPrice),
		Quantity:     entry.Uint64Field(FieldQuantity),
		TakerOrderID: entry.Uint64Field(FieldTakerOrderID),
		MakerOrderID: entry.Uint64Field(FieldMakerOrderID),
		TakerOwner:   takerOwner,
		MakerOwner:   makerOwner,
		TakerSide:    orderbookv1.Side(takerSide),
		Sequence:     entry.Uint64Field(FieldTradeSeq),
		Timestamp:    int64(entry.TimestampNS),
	}
	return trade, entry.Int64Field(FieldTakerPrice), nil
}
