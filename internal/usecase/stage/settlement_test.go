package stage

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	changelogv1 "github.com/quantfabric/exchange-core/internal/domain/changelog/v1"
	instrumentv1 "github.com/quantfabric/exchange-core/internal/domain/instrument/v1"
	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
	"github.com/quantfabric/exchange-core/internal/usecase/balance"
)

func newTestSettlement(t *testing.T) (*Settlement, *balance.Ledger) {
	t.Helper()
	ledger := balance.NewLedger()
	s := NewSettlement(ledger, []instrumentv1.Spec{btcUSD()}, testLogger(t), testMetrics())
	return s, ledger
}

// tradeEntry builds the change-log entry the match stage publishes for one
// executed trade. alice takes, bob makes.
func tradeEntry(seq uint64, takerSide orderbookv1.Side, price, takerPrice int64, qty uint64) changelogv1.Entry {
	trade := &orderbookv1.Trade{
		ID:           900 + seq,
		Instrument:   "BTC-USD",
		Price:        price,
		Quantity:     qty,
		TakerOrderID: 1,
		MakerOrderID: 2,
		TakerOwner:   "alice",
		MakerOwner:   "bob",
		TakerSide:    takerSide,
		Sequence:     seq,
	}
	return changelogv1.NewCreated(
		changelogv1.ProducerMatch,
		changelogv1.EntityTrade,
		u64(trade.ID),
		seq,
		tradeFields(trade, takerPrice),
	)
}

func terminalOrderEntry(seq, id uint64, side orderbookv1.Side, typ orderbookv1.OrderType, price int64, remaining uint64, status, reason string) changelogv1.Entry {
	order := orderbookv1.NewOrder(id, "BTC-USD", side, typ, orderbookv1.TimeInForceGTC, price, remaining, "alice", seq)
	order.Remaining = remaining
	return changelogv1.NewUpdated(
		changelogv1.ProducerMatch,
		changelogv1.EntityOrder,
		u64(id),
		seq,
		orderStatusFields(order, status, reason),
	)
}

func TestSettlement_TradeMovesFrozenFunds(t *testing.T) {
	s, ledger := newTestSettlement(t)
	ctx := context.Background()

	require.NoError(t, ledger.Deposit("seed1", "alice", "USD", decimal.RequireFromString("105")))
	require.NoError(t, ledger.Freeze("f1", "alice", "USD", decimal.RequireFromString("105")))
	require.NoError(t, ledger.Deposit("seed2", "bob", "BTC", decimal.RequireFromString("1")))
	require.NoError(t, ledger.Freeze("f2", "bob", "BTC", decimal.RequireFromString("1")))

	// taker bought 1 BTC at maker price 100 with a 105 limit; 5 USD of the
	// freeze comes back
	entry := tradeEntry(1, orderbookv1.SideBuy, 10000, 10500, 100000000)
	outputs, err := s.Handle(ctx, msgOn(changelogv1.TopicTradeChangeLog, entry))
	require.NoError(t, err)

	aliceUSD := ledger.Balance("alice", "USD")
	assert.True(t, aliceUSD.Frozen.IsZero())
	assert.True(t, aliceUSD.Available.Equal(decimal.RequireFromString("5")), "alice USD %s", aliceUSD.Available)
	assert.True(t, ledger.Balance("alice", "BTC").Available.Equal(decimal.RequireFromString("1")))

	bobBTC := ledger.Balance("bob", "BTC")
	assert.True(t, bobBTC.Frozen.IsZero())
	assert.True(t, bobBTC.Available.IsZero())
	assert.True(t, ledger.Balance("bob", "USD").Available.Equal(decimal.RequireFromString("100")))

	require.Len(t, outputs, 4)
	for i, out := range outputs {
		assert.Equal(t, changelogv1.TopicBalanceChangeLog, out.Topic)
		assert.Equal(t, changelogv1.ProducerSettlement, out.Entry.Producer)
		assert.Equal(t, uint64(i+1), out.Entry.Sequence)
	}
}

func TestSettlement_RedeliveredTradeSettlesOnce(t *testing.T) {
	s, ledger := newTestSettlement(t)
	ctx := context.Background()

	require.NoError(t, ledger.Deposit("seed1", "alice", "USD", decimal.RequireFromString("100")))
	require.NoError(t, ledger.Freeze("f1", "alice", "USD", decimal.RequireFromString("100")))
	require.NoError(t, ledger.Deposit("seed2", "bob", "BTC", decimal.RequireFromString("1")))
	require.NoError(t, ledger.Freeze("f2", "bob", "BTC", decimal.RequireFromString("1")))

	entry := tradeEntry(1, orderbookv1.SideBuy, 10000, 10000, 100000000)
	_, err := s.Handle(ctx, msgOn(changelogv1.TopicTradeChangeLog, entry))
	require.NoError(t, err)
	_, err = s.Handle(ctx, msgOn(changelogv1.TopicTradeChangeLog, entry))
	require.NoError(t, err)

	assert.True(t, ledger.Balance("bob", "USD").Available.Equal(decimal.RequireFromString("100")))
	assert.True(t, ledger.Balance("alice", "BTC").Available.Equal(decimal.RequireFromString("1")))
}

func TestSettlement_MarketBuySettlesFromAvailable(t *testing.T) {
	s, ledger := newTestSettlement(t)
	ctx := context.Background()

	// market buys freeze nothing; the quote comes straight from available
	require.NoError(t, ledger.Deposit("seed1", "alice", "USD", decimal.RequireFromString("150")))
	require.NoError(t, ledger.Deposit("seed2", "bob", "BTC", decimal.RequireFromString("1")))
	require.NoError(t, ledger.Freeze("f2", "bob", "BTC", decimal.RequireFromString("1")))

	entry := tradeEntry(1, orderbookv1.SideBuy, 10000, 0, 100000000)
	_, err := s.Handle(ctx, msgOn(changelogv1.TopicTradeChangeLog, entry))
	require.NoError(t, err)

	assert.True(t, ledger.Balance("alice", "USD").Available.Equal(decimal.RequireFromString("50")))
	assert.True(t, ledger.Balance("alice", "BTC").Available.Equal(decimal.RequireFromString("1")))
}

func TestSettlement_MarketBuyShortOfFundsSkips(t *testing.T) {
	s, ledger := newTestSettlement(t)
	ctx := context.Background()

	require.NoError(t, ledger.Deposit("seed2", "bob", "BTC", decimal.RequireFromString("1")))
	require.NoError(t, ledger.Freeze("f2", "bob", "BTC", decimal.RequireFromString("1")))

	entry := tradeEntry(1, orderbookv1.SideBuy, 10000, 0, 100000000)
	outputs, err := s.Handle(ctx, msgOn(changelogv1.TopicTradeChangeLog, entry))
	require.NoError(t, err)
	assert.Empty(t, outputs)

	// nothing moved
	assert.True(t, ledger.Balance("bob", "BTC").Frozen.Equal(decimal.RequireFromString("1")))
	assert.True(t, ledger.Balance("alice", "BTC").Available.IsZero())
}

func TestSettlement_CancelledBuyReleasesQuote(t *testing.T) {
	s, ledger := newTestSettlement(t)
	ctx := context.Background()

	require.NoError(t, ledger.Deposit("seed", "alice", "USD", decimal.RequireFromString("200")))
	require.NoError(t, ledger.Freeze("f", "alice", "USD", decimal.RequireFromString("200")))

	entry := terminalOrderEntry(1, 5, orderbookv1.SideBuy, orderbookv1.OrderTypeLimit, 10000, 200000000, StatusCancelled, "requested")
	outputs, err := s.Handle(ctx, msgOn(changelogv1.TopicOrderChangeLog, entry))
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	acct := ledger.Balance("alice", "USD")
	assert.True(t, acct.Frozen.IsZero())
	assert.True(t, acct.Available.Equal(decimal.RequireFromString("200")))
}

func TestSettlement_CancelledSellReleasesBase(t *testing.T) {
	s, ledger := newTestSettlement(t)
	ctx := context.Background()

	require.NoError(t, ledger.Deposit("seed", "alice", "BTC", decimal.RequireFromString("3")))
	require.NoError(t, ledger.Freeze("f", "alice", "BTC", decimal.RequireFromString("3")))

	entry := terminalOrderEntry(1, 5, orderbookv1.SideSell, orderbookv1.OrderTypeLimit, 10000, 300000000, StatusCancelled, "expired")
	_, err := s.Handle(ctx, msgOn(changelogv1.TopicOrderChangeLog, entry))
	require.NoError(t, err)

	assert.True(t, ledger.Balance("alice", "BTC").Frozen.IsZero())
}

func TestSettlement_MarketBuyCancelReleasesNothing(t *testing.T) {
	s, ledger := newTestSettlement(t)
	ctx := context.Background()

	require.NoError(t, ledger.Deposit("seed", "alice", "USD", decimal.RequireFromString("100")))

	entry := terminalOrderEntry(1, 5, orderbookv1.SideBuy, orderbookv1.OrderTypeMarket, 0, 100000000, StatusCancelled, "unfilled_remainder")
	outputs, err := s.Handle(ctx, msgOn(changelogv1.TopicOrderChangeLog, entry))
	require.NoError(t, err)
	assert.Empty(t, outputs)
	assert.True(t, ledger.Balance("alice", "USD").Available.Equal(decimal.RequireFromString("100")))
}

func TestSettlement_FilledOrderReleasesNothing(t *testing.T) {
	s, _ := newTestSettlement(t)

	entry := terminalOrderEntry(1, 5, orderbookv1.SideBuy, orderbookv1.OrderTypeLimit, 10000, 0, StatusFilled, "")
	outputs, err := s.Handle(context.Background(), msgOn(changelogv1.TopicOrderChangeLog, entry))
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestSettlement_IgnoresForeignEntries(t *testing.T) {
	s, _ := newTestSettlement(t)
	ctx := context.Background()

	// admission entries on the order topic are not settlement's
	order := orderbookv1.NewOrder(1, "BTC-USD", orderbookv1.SideBuy, orderbookv1.OrderTypeLimit, orderbookv1.TimeInForceGTC, 10000, 100, "alice", 1)
	created := changelogv1.NewCreated(changelogv1.ProducerAcquiring, changelogv1.EntityOrder, "1", 1, orderCreatedFields(order))
	outputs, err := s.Handle(ctx, msgOn(changelogv1.TopicOrderChangeLog, created))
	require.NoError(t, err)
	assert.Empty(t, outputs)
}
