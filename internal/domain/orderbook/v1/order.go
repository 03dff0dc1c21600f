package orderbookv1

import (
	"errors"
	"time"
)

var (
	ErrNilOrder           = errors.New("order cannot be nil")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidType        = errors.New("unknown order type")
	ErrInvalidTimeInForce = errors.New("unknown time in force")
	ErrPriceOutOfRange    = errors.New("price out of range")
	ErrDuplicateOrder     = errors.New("order id already resting")
	ErrUnknownOrder       = errors.New("order not resting in book")
	ErrFOKUnfillable      = errors.New("fill-or-kill order cannot be fully satisfied")
	ErrSelfTrade          = errors.New("order would trade against own resting order")
	ErrMissingExpiry      = errors.New("good-till-date order requires an expiry")
	ErrBookCorrupted      = errors.New("order book invariants violated")
)

// Side is the direction of an order.
type Side string

const (
	// SideBuy bids for the base asset.
	SideBuy Side = "buy"
	// SideSell offers the base asset.
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the type of order.
type OrderType string

const (
	// OrderTypeLimit rests at its price when not immediately marketable.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket takes whatever liquidity crosses, never rests.
	OrderTypeMarket OrderType = "market"
)

// TimeInForce controls how long an order stays eligible to match.
type TimeInForce string

const (
	// TimeInForceGTC rests until fully filled or cancelled.
	TimeInForceGTC TimeInForce = "GTC"
	// TimeInForceIOC fills what it can immediately and discards the rest.
	TimeInForceIOC TimeInForce = "IOC"
	// TimeInForceFOK fills fully and immediately or not at all.
	TimeInForceFOK TimeInForce = "FOK"
	// TimeInForceGTD rests until an expiry timestamp. Expiry is enforced by
	// a cancel event fed through the order topic, not by the book itself.
	TimeInForceGTD TimeInForce = "GTD"
)

// MaxPrice bounds limit prices to keep fixed-point arithmetic from
// overflowing anywhere downstream.
const MaxPrice = int64(1) << 56

// Order is a single order owned by the match stage of its instrument.
// Prices are fixed-point ticks; quantities are lots.
type Order struct {
	ID          uint64      `json:"id"`
	Instrument  string      `json:"instrument"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	TimeInForce TimeInForce `json:"timeInForce"`
	Price       int64       `json:"price"` // zero for market orders
	Quantity    uint64      `json:"quantity"`
	Remaining   uint64      `json:"remaining"`
	Owner       string      `json:"owner"`
	// Sequence is the arrival order assigned at admission; ties at equal
	// price are broken by it.
	Sequence uint64 `json:"sequence"`
	// ExpireAt is the unix millisecond expiry of GTD orders, zero otherwise.
	ExpireAt  int64 `json:"expireAt,omitempty"`
	Timestamp int64 `json:"timestamp"`
}

// NewOrder creates an order with Remaining initialized to the full quantity.
func NewOrder(id uint64, instrument string, side Side, typ OrderType, tif TimeInForce, price int64, quantity uint64, owner string, sequence uint64) *Order {
	return &Order{
		ID:          id,
		Instrument:  instrument,
		Side:        side,
		Type:        typ,
		TimeInForce: tif,
		Price:       price,
		Quantity:    quantity,
		Remaining:   quantity,
		Owner:       owner,
		Sequence:    sequence,
		Timestamp:   time.Now().UnixNano(),
	}
}

// IsBuy reports whether the order bids.
func (o *Order) IsBuy() bool { return o.Side == SideBuy }

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool { return o.Remaining == 0 }

// Filled returns the executed quantity.
func (o *Order) Filled() uint64 { return o.Quantity - o.Remaining }

// Validate checks the order is admissible for its type.
func (o *Order) Validate() error {
	if o.Quantity == 0 {
		return ErrInvalidQuantity
	}
	switch o.Type {
	case OrderTypeLimit:
		if o.Price <= 0 {
			return ErrInvalidPrice
		}
		if o.Price >= MaxPrice {
			return ErrPriceOutOfRange
		}
	case OrderTypeMarket:
		if o.TimeInForce == TimeInForceGTC || o.TimeInForce == TimeInForceGTD {
			// a market order has no price to rest at
			return ErrInvalidPrice
		}
	default:
		return ErrInvalidType
	}
	switch o.TimeInForce {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
	case TimeInForceGTD:
		if o.ExpireAt == 0 {
			return ErrMissingExpiry
		}
	default:
		return ErrInvalidTimeInForce
	}
	return nil
}

// SelfTradePolicy decides what happens when an incoming order would match an
// order of the same owner.
type SelfTradePolicy int

const (
	// SelfTradeAllow lets the owner trade with themselves.
	SelfTradeAllow SelfTradePolicy = iota
	// SelfTradeRejectIncoming rejects the incoming order before it consumes
	// any liquidity.
	SelfTradeRejectIncoming
	// SelfTradeCancelResting cancels the owner's resting order and keeps
	// matching.
	SelfTradeCancelResting
)
