package stage

import (
	"context"

	"github.com/shopspring/decimal"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	channelv1 "github.com/quantfabric/exchange-core/internal/domain/channel/v1"
	instrumentv1 "github.com/quantfabric/exchange-core/internal/domain/instrument/v1"
	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
	stagev1 "github.com/quantfabric/exchange-core/internal/domain/stage/v1"
	"github.com/quantfabric/exchange-core/internal/usecase/balance"
	"github.com/quantfabric/exchange-core/pkg/errors"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/metrics"
)

// Settlement applies trades and terminal order states to the balance
// ledger. Trades move frozen funds between owners; cancellations and
// rejections release what stayed frozen. Every ledger operation carries the
// source entry's id as its idempotency key, so redelivered entries settle
// exactly once.
type Settlement struct {
	ledger      *balance.Ledger
	instruments map[string]instrumentv1.Spec
	balanceSeq  *changelogv1.Sequencer
	log         logger.Interface
	metrics     *metrics.Metrics
}

// NewSettlement builds the settlement stage over the shared ledger.
func NewSettlement(
	ledger *balance.Ledger,
	specs []instrumentv1.Spec,
	log logger.Interface,
	m *metrics.Metrics,
) *Settlement {
	instruments := make(map[string]instrumentv1.Spec, len(specs))
	for _, spec := range specs {
		instruments[spec.Symbol] = spec
	}
	return &Settlement{
		ledger:      ledger,
		instruments: instruments,
		balanceSeq:  &changelogv1.Sequencer{},
		log:         log,
		metrics:     m,
	}
}

func (s *Settlement) Name() string { return "settlement" }

// Ledger exposes the ledger for balance queries.
func (s *Settlement) Ledger() *balance.Ledger { return s.ledger }

func (s *Settlement) Handle(ctx context.Context, msg channelv1.Message) ([]stagev1.Output, error) {
	entry := msg.Entry
	switch {
	case msg.Topic == changelogv1.TopicTradeChangeLog &&
		entry.Producer == changelogv1.ProducerMatch && entry.IsCreated():
		return s.settleTrade(ctx, &entry)
	case msg.Topic == changelogv1.TopicOrderChangeLog &&
		entry.Producer == changelogv1.ProducerMatch && entry.IsUpdated():
		return s.releaseTerminal(ctx, &entry)
	}
	return nil, nil
}

func (s *Settlement) settleTrade(ctx context.Context, entry *changelogv1.Entry) ([]stagev1.Output, error) {
	trade, takerPrice, err := tradeFromEntry(entry)
	if err != nil {
		s.log.WarnContext(ctx, "malformed trade entry",
			logger.Field{Key: "entity_id", Value: entry.EntityID},
		)
		return nil, nil
	}
	spec, ok := s.instruments[trade.Instrument]
	if !ok {
		s.log.WarnContext(ctx, "trade for unknown instrument",
			logger.Field{Key: "instrument", Value: trade.Instrument},
		)
		return nil, nil
	}

	quote := spec.Notional(trade.Price, trade.Quantity)
	refund := decimal.Zero
	// a buy taker froze its limit notional; the slice above the execution
	// price comes back
	if trade.TakerSide == orderbookv1.SideBuy && takerPrice > trade.Price {
		refund = spec.Notional(takerPrice-trade.Price, trade.Quantity)
	}

	settlement := balance.TradeSettlement{
		Key:              "settle/" + entry.EntityID,
		Buyer:            trade.BuyerOwner(),
		Seller:           trade.SellerOwner(),
		BaseAsset:        spec.BaseAsset,
		QuoteAsset:       spec.QuoteAsset,
		BaseQuantity:     spec.LotsToQuantity(trade.Quantity),
		QuoteAmount:      quote,
		BuyerQuoteRefund: refund,
	}
	if err := s.ledger.Settle(settlement); err != nil {
		if errors.ErrorCodeEquals(err, errors.InsufficientFunds) {
			// reachable only for market buys, which freeze nothing up front
			s.log.WarnContext(ctx, "trade settlement short of funds",
				logger.Field{Key: "trade_id", Value: entry.EntityID},
				logger.Field{Key: "buyer", Value: settlement.Buyer},
			)
			return nil, nil
		}
		return nil, err
	}

	return []stagev1.Output{
		s.balanceOutput(settlement.Buyer, spec.QuoteAsset),
		s.balanceOutput(settlement.Buyer, spec.BaseAsset),
		s.balanceOutput(settlement.Seller, spec.QuoteAsset),
		s.balanceOutput(settlement.Seller, spec.BaseAsset),
	}, nil
}

// releaseTerminal frees the frozen remainder of an order that left the book
// unfilled: explicit cancels, expiries, rejections, discarded remainders.
func (s *Settlement) releaseTerminal(ctx context.Context, entry *changelogv1.Entry) ([]stagev1.Output, error) {
	status, _ := entry.Field(FieldStatus)
	if status != StatusCancelled && status != StatusRejected {
		return nil, nil
	}
	remaining := entry.Uint64Field(FieldRemaining)
	if remaining == 0 {
		return nil, nil
	}
	instrument, _ := entry.Field(FieldInstrument)
	spec, ok := s.instruments[instrument]
	if !ok {
		return nil, nil
	}
	owner, _ := entry.Field(FieldOwner)
	side, _ := entry.Field(FieldSide)
	typ, _ := entry.Field(FieldType)

	var asset string
	var amount decimal.Decimal
	if orderbookv1.Side(side) == orderbookv1.SideBuy {
		if orderbookv1.OrderType(typ) == orderbookv1.OrderTypeMarket {
			// market buys froze nothing
			return nil, nil
		}
		asset = spec.QuoteAsset
		amount = spec.Notional(entry.Int64Field(FieldPrice), remaining)
	} else {
		asset = spec.BaseAsset
		amount = spec.LotsToQuantity(remaining)
	}

	if err := s.ledger.Release("release/"+entry.EntityID, owner, asset, amount); err != nil {
		if errors.ErrorCodeEquals(err, errors.InsufficientFunds) {
			s.log.WarnContext(ctx, "release exceeds frozen balance",
				logger.Field{Key: "order_id", Value: entry.EntityID},
				logger.Field{Key: "owner", Value: owner},
			)
			return nil, nil
		}
		return nil, err
	}
	return []stagev1.Output{s.balanceOutput(owner, asset)}, nil
}

func (s *Settlement) balanceOutput(owner, asset string) stagev1.Output {
	acc := s.ledger.Balance(owner, asset)
	entry := changelogv1.NewUpdated(
		changelogv1.ProducerSettlement,
		changelogv1.EntityBalance,
		owner+"/"+asset,
		s.balanceSeq.Next(),
		[]changelogv1.FieldChange{
			changelogv1.F(FieldOwner, "", owner),
			changelogv1.F(FieldAsset, "", asset),
			changelogv1.F(FieldAvailable, "", acc.Available.String()),
			changelogv1.F(FieldFrozen, "", acc.Frozen.String()),
		},
	)
	return stagev1.Output{Topic: changelogv1.TopicBalanceChangeLog, Entry: entry}
}
