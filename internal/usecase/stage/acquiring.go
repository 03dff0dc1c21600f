package stage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	instrumentv1 "github.com/quantfabric/exchange-core/internal/domain/instrument/v1"
	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
	"github.com/quantfabric/exchange-core/internal/usecase/balance"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
)

// SubmitRequest is an order as it arrives at the admission boundary, with
// decimal price and quantity.
type SubmitRequest struct {
	Instrument  string
	Side        orderbookv1.Side
	Type        orderbookv1.OrderType
	TimeInForce orderbookv1.TimeInForce
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Owner       string
	// ExpireAt is the unix millisecond expiry, required for GTD.
	ExpireAt int64
}

// Acquiring is the admission stage. It validates incoming requests, converts
// decimals to ticks and lots, freezes the funds an order may spend, and
// publishes the admitted order to the order change log. It is the only
// producer of pending orders.
type Acquiring struct {
	channel     channelv1.EventChannel
	instruments map[string]instrumentv1.Spec
	ledger      *balance.Ledger
	orderSeq    *changelogv1.Sequencer
	balanceSeq  *changelogv1.Sequencer
	depositSeq  *changelogv1.Sequencer
	nextID      func() uint64
	log         logger.Interface
	metrics     *metrics.Metrics
}

// NewAcquiring builds the admission stage over the given instruments.
func NewAcquiring(
	ch channelv1.EventChannel,
	specs []instrumentv1.Spec,
	ledger *balance.Ledger,
	nextID func() uint64,
	log logger.Interface,
	m *metrics.Metrics,
) *Acquiring {
	instruments := make(map[string]instrumentv1.Spec, len(specs))
	for _, spec := range specs {
		instruments[spec.Symbol] = spec
	}
	return &Acquiring{
		channel:     ch,
		instruments: instruments,
		ledger:      ledger,
		orderSeq:    &changelogv1.Sequencer{},
		balanceSeq:  &changelogv1.Sequencer{},
		depositSeq:  &changelogv1.Sequencer{},
		nextID:      nextID,
		log:         log,
		metrics:     m,
	}
}

// Sequence returns the last admission sequence issued on the order topic.
func (a *Acquiring) Sequence() uint64 { return a.orderSeq.Last() }

// SubmitOrder admits one order. On success the order id is returned and a
// pending-order entry plus a balance entry for the freeze are published. On
// failure nothing was published and no funds stay frozen.
func (a *Acquiring) SubmitOrder(ctx context.Context, req SubmitRequest) (uint64, error) {
	spec, ok := a.instruments[req.Instrument]
	if !ok {
		return 0, a.reject(req.Instrument, "unknown_instrument", errors.NewTracerFromCode(errors.ValidationError))
	}

	var price int64
	if req.Type == orderbookv1.OrderTypeLimit {
		p, err := spec.PriceToTicks(req.Price)
		if err != nil {
			return 0, a.reject(req.Instrument, "bad_price", err)
		}
		price = p
	} else if !req.Price.IsZero() {
		return 0, a.reject(req.Instrument, "bad_price", orderbookv1.ErrInvalidPrice)
	}

	lots, err := spec.QuantityToLots(req.Quantity)
	if err != nil {
		return 0, a.reject(req.Instrument, "bad_quantity", err)
	}

	id := a.nextID()
	order := orderbookv1.NewOrder(id, req.Instrument, req.Side, req.Type, req.TimeInForce, price, lots, req.Owner, 0)
	order.ExpireAt = req.ExpireAt
	if err := order.Validate(); err != nil {
		return 0, a.reject(req.Instrument, "invalid_order", err)
	}

	asset, amount := freezeFor(spec, order)
	freezeKey := fmt.Sprintf("freeze/%d", id)
	if !amount.IsZero() {
		if err := a.ledger.Freeze(freezeKey, order.Owner, asset, amount); err != nil {
			return 0, a.reject(req.Instrument, "insufficient_funds", err)
		}
	}

	order.Sequence = a.orderSeq.Next()
	entry := changelogv1.NewCreated(
		changelogv1.ProducerAcquiring,
		changelogv1.EntityOrder,
		u64(id),
		order.Sequence,
		orderCreatedFields(order),
	)
	if err := a.channel.Publish(ctx, changelogv1.TopicOrderChangeLog, entry); err != nil {
		// unwind the freeze so a transport failure does not strand funds
		if !amount.IsZero() {
			_ = a.ledger.Release("unfreeze/"+freezeKey, order.Owner, asset, amount)
		}
		return 0, errors.Wrap(err, "publish admitted order")
	}
	if !amount.IsZero() {
		a.publishBalance(ctx, order.Owner, asset)
	}

	a.metrics.OrdersAdmitted.WithLabelValues(req.Instrument).Inc()
	a.log.DebugContext(ctx, "order admitted",
		logger.Field{Key: "order_id", Value: id},
		logger.Field{Key: "instrument", Value: req.Instrument},
		logger.Field{Key: "side", Value: string(req.Side)},
		logger.Field{Key: "sequence", Value: order.Sequence},
	)
	return id, nil
}

// CancelOrder publishes a cancel request for the order. The match stage
// resolves whether the order is still resting; an already filled order makes
// the request a no-op there.
func (a *Acquiring) CancelOrder(ctx context.Context, orderID uint64, owner string) error {
	entry := changelogv1.NewUpdated(
		changelogv1.ProducerAcquiring,
		changelogv1.EntityOrder,
		u64(orderID),
		a.orderSeq.Next(),
		[]changelogv1.FieldChange{
			changelogv1.F(FieldStatus, StatusPending, StatusCancelRequested),
			changelogv1.F(FieldOwner, "", owner),
		},
	)
	return a.channel.Publish(ctx, changelogv1.TopicOrderChangeLog, entry)
}

// Deposit credits an owner and publishes the resulting balance.
func (a *Acquiring) Deposit(ctx context.Context, owner, asset string, amount decimal.Decimal) error {
	key := fmt.Sprintf("deposit/%s/%s/%d", owner, asset, a.depositSeq.Next())
	if err := a.ledger.Deposit(key, owner, asset, amount); err != nil {
		return err
	}
	a.publishBalance(ctx, owner, asset)
	return nil
}

func (a *Acquiring) publishBalance(ctx context.Context, owner, asset string) {
	acc := a.ledger.Balance(owner, asset)
	entry := changelogv1.NewUpdated(
		changelogv1.ProducerAcquiring,
		changelogv1.EntityBalance,
		owner+"/"+asset,
		a.balanceSeq.Next(),
		[]changelogv1.FieldChange{
			changelogv1.F(FieldOwner, "", owner),
			changelogv1.F(FieldAsset, "", asset),
			changelogv1.F(FieldAvailable, "", acc.Available.String()),
			changelogv1.F(FieldFrozen, "", acc.Frozen.String()),
		},
	)
	if err := a.channel.Publish(ctx, changelogv1.TopicBalanceChangeLog, entry); err != nil {
		a.log.WarnContext(ctx, "balance publish failed",
			logger.Field{Key: "owner", Value: owner},
			logger.Field{Key: "asset", Value: asset},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (a *Acquiring) reject(instrument, reason string, err error) error {
	a.metrics.OrdersRejected.WithLabelValues(instrument, reason).Inc()
	return err
}

// freezeFor returns the asset and amount an order locks at admission: the
// quote notional for limit buys, the base quantity for sells. A market buy
// has no limit to price its notional, so it freezes nothing and settles from
// available balance.
func freezeFor(spec instrumentv1.Spec, order *orderbookv1.Order) (string, decimal.Decimal) {
	if order.IsBuy() {
		if order.Type == orderbookv1.OrderTypeMarket {
			return spec.QuoteAsset, decimal.Zero
		}
		return spec.QuoteAsset, spec.Notional(order.Price, order.Quantity)
	}
	return spec.BaseAsset, spec.LotsToQuantity(order.Quantity)
}
