package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
)

func counterIDs() func() uint64 {
	var n uint64
	return func() uint64 {
		n++
		return n
	}
}

func newTestBook(opts ...Option) *Book {
	opts = append([]Option{WithTradeIDSource(counterIDs())}, opts...)
	return NewBook("BTC-USD", opts...)
}

func limit(id uint64, side orderbookv1.Side, price int64, qty uint64, owner string, seq uint64) *orderbookv1.Order {
	return orderbookv1.NewOrder(id, "BTC-USD", side, orderbookv1.OrderTypeLimit, orderbookv1.TimeInForceGTC, price, qty, owner, seq)
}

func market(id uint64, side orderbookv1.Side, qty uint64, owner string, seq uint64) *orderbookv1.Order {
	return orderbookv1.NewOrder(id, "BTC-USD", side, orderbookv1.OrderTypeMarket, orderbookv1.TimeInForceIOC, 0, qty, owner, seq)
}

func mustSubmit(t *testing.T, b *Book, o *orderbookv1.Order) *SubmitResult {
	t.Helper()
	res, err := b.Submit(o)
	require.NoError(t, err)
	return res
}

func TestMarketSellWalksTimePriority(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideBuy, 100, 10, "alice", 1))
	mustSubmit(t, b, limit(2, orderbookv1.SideBuy, 100, 5, "bob", 2))

	res := mustSubmit(t, b, market(3, orderbookv1.SideSell, 12, "carol", 3))

	require.Len(t, res.Trades, 2)
	assert.Equal(t, int64(100), res.Trades[0].Price)
	assert.Equal(t, uint64(10), res.Trades[0].Quantity)
	assert.Equal(t, uint64(1), res.Trades[0].MakerOrderID)
	assert.Equal(t, int64(100), res.Trades[1].Price)
	assert.Equal(t, uint64(2), res.Trades[1].Quantity)
	assert.Equal(t, uint64(2), res.Trades[1].MakerOrderID)

	// market remainder is discarded, first bid is fully consumed, second
	// keeps 3 resting
	assert.False(t, res.Resting)
	assert.Equal(t, uint64(0), res.Order.Remaining)

	bids, asks := b.Depth(0)
	require.Len(t, bids, 1)
	assert.Empty(t, asks)
	assert.Equal(t, uint64(3), bids[0].Quantity)
	assert.Equal(t, 1, bids[0].Orders)
}

func TestUnknownTypeNeverMatches(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 100, 10, "alice", 1))

	// an unrecognised type must not behave like a price-unbounded market
	// order and sweep the asks
	rogue := limit(2, orderbookv1.SideBuy, 0, 10, "bob", 2)
	rogue.Type = orderbookv1.OrderType("stop")
	_, err := b.Submit(rogue)
	require.Error(t, err)
	assert.ErrorIs(t, err, orderbookv1.ErrInvalidType)

	_, asks := b.Depth(0)
	require.Len(t, asks, 1)
	assert.Equal(t, uint64(10), asks[0].Quantity)
}

func TestUnknownTimeInForceRejected(t *testing.T) {
	b := newTestBook()
	o := limit(1, orderbookv1.SideBuy, 100, 5, "alice", 1)
	o.TimeInForce = orderbookv1.TimeInForce("GTX")
	_, err := b.Submit(o)
	require.Error(t, err)
	assert.ErrorIs(t, err, orderbookv1.ErrInvalidTimeInForce)
	assert.Equal(t, 0, b.OrderCount())
}

func TestMarketOrderAgainstEmptyBook(t *testing.T) {
	b := newTestBook()
	res := mustSubmit(t, b, market(1, orderbookv1.SideBuy, 5, "alice", 1))
	assert.Empty(t, res.Trades)
	assert.False(t, res.Resting)
	assert.Equal(t, uint64(5), res.Order.Remaining)
	assert.Equal(t, 0, b.OrderCount())
}

func TestLimitRestsWhenNotMarketable(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 105, 10, "alice", 1))
	res := mustSubmit(t, b, limit(2, orderbookv1.SideBuy, 100, 10, "bob", 2))

	assert.Empty(t, res.Trades)
	assert.True(t, res.Resting)
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(100), bid)
	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, int64(105), ask)
}

func TestTradeExecutesAtMakerPrice(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 101, 4, "alice", 1))
	res := mustSubmit(t, b, limit(2, orderbookv1.SideBuy, 105, 4, "bob", 2))

	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(101), res.Trades[0].Price)
	assert.Equal(t, orderbookv1.SideBuy, res.Trades[0].TakerSide)
	assert.Equal(t, "bob", res.Trades[0].BuyerOwner())
	assert.Equal(t, "alice", res.Trades[0].SellerOwner())
	assert.Equal(t, int64(101), b.LastTradePrice())
}

func TestPartialFillRestsRemainder(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 100, 3, "alice", 1))
	res := mustSubmit(t, b, limit(2, orderbookv1.SideBuy, 100, 10, "bob", 2))

	require.Len(t, res.Trades, 1)
	assert.Equal(t, uint64(3), res.Trades[0].Quantity)
	assert.True(t, res.Resting)
	assert.Equal(t, uint64(7), res.Order.Remaining)

	bids, _ := b.Depth(0)
	require.Len(t, bids, 1)
	assert.Equal(t, uint64(7), bids[0].Quantity)
}

func TestIOCDiscardsRemainder(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 100, 3, "alice", 1))

	ioc := orderbookv1.NewOrder(2, "BTC-USD", orderbookv1.SideBuy, orderbookv1.OrderTypeLimit, orderbookv1.TimeInForceIOC, 100, 10, "bob", 2)
	res := mustSubmit(t, b, ioc)

	require.Len(t, res.Trades, 1)
	assert.False(t, res.Resting)
	assert.Equal(t, 0, b.OrderCount())
}

func TestFOKAllOrNothing(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 100, 3, "alice", 1))
	mustSubmit(t, b, limit(2, orderbookv1.SideSell, 101, 4, "bob", 2))

	fok := orderbookv1.NewOrder(3, "BTC-USD", orderbookv1.SideBuy, orderbookv1.OrderTypeLimit, orderbookv1.TimeInForceFOK, 100, 5, "carol", 3)
	_, err := b.Submit(fok)
	assert.ErrorIs(t, err, orderbookv1.ErrFOKUnfillable)

	// nothing consumed by the failed precheck
	bids, asks := b.Depth(0)
	assert.Empty(t, bids)
	require.Len(t, asks, 2)
	assert.Equal(t, uint64(3), asks[0].Quantity)

	// raising the limit makes both levels crossable
	fok2 := orderbookv1.NewOrder(4, "BTC-USD", orderbookv1.SideBuy, orderbookv1.OrderTypeLimit, orderbookv1.TimeInForceFOK, 101, 5, "carol", 4)
	res := mustSubmit(t, b, fok2)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, uint64(0), res.Order.Remaining)
}

func TestCancelRestingOrder(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideBuy, 100, 10, "alice", 1))

	cancelled, err := b.Cancel(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cancelled.ID)
	assert.Equal(t, 0, b.OrderCount())
	_, ok := b.BestBid()
	assert.False(t, ok)
}

func TestCancelUnknownOrder(t *testing.T) {
	b := newTestBook()
	_, err := b.Cancel(42)
	assert.ErrorIs(t, err, orderbookv1.ErrUnknownOrder)
}

func TestReplaceLosesTimePriority(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideBuy, 100, 5, "alice", 1))
	mustSubmit(t, b, limit(2, orderbookv1.SideBuy, 100, 5, "bob", 2))

	replacement := limit(3, orderbookv1.SideBuy, 100, 8, "alice", 3)
	cancelled, res, err := b.Replace(1, replacement)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cancelled.ID)
	assert.True(t, res.Resting)

	// bob now has time priority at 100
	sell := mustSubmit(t, b, market(4, orderbookv1.SideSell, 5, "carol", 4))
	require.Len(t, sell.Trades, 1)
	assert.Equal(t, uint64(2), sell.Trades[0].MakerOrderID)
}

func TestReplaceUnknownOrder(t *testing.T) {
	b := newTestBook()
	_, _, err := b.Replace(9, limit(10, orderbookv1.SideBuy, 100, 1, "alice", 1))
	assert.ErrorIs(t, err, orderbookv1.ErrUnknownOrder)
}

func TestDuplicateOrderID(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideBuy, 100, 5, "alice", 1))
	_, err := b.Submit(limit(1, orderbookv1.SideBuy, 99, 5, "alice", 2))
	assert.ErrorIs(t, err, orderbookv1.ErrDuplicateOrder)
}

func TestValidationRejects(t *testing.T) {
	b := newTestBook()

	_, err := b.Submit(nil)
	assert.ErrorIs(t, err, orderbookv1.ErrNilOrder)

	_, err = b.Submit(limit(1, orderbookv1.SideBuy, 0, 5, "alice", 1))
	assert.ErrorIs(t, err, orderbookv1.ErrInvalidPrice)

	_, err = b.Submit(limit(2, orderbookv1.SideBuy, 100, 0, "alice", 2))
	assert.ErrorIs(t, err, orderbookv1.ErrInvalidQuantity)

	_, err = b.Submit(limit(3, orderbookv1.SideBuy, orderbookv1.MaxPrice, 5, "alice", 3))
	assert.ErrorIs(t, err, orderbookv1.ErrPriceOutOfRange)

	gtcMarket := orderbookv1.NewOrder(4, "BTC-USD", orderbookv1.SideBuy, orderbookv1.OrderTypeMarket, orderbookv1.TimeInForceGTC, 0, 5, "alice", 4)
	_, err = b.Submit(gtcMarket)
	assert.ErrorIs(t, err, orderbookv1.ErrInvalidPrice)

	gtd := orderbookv1.NewOrder(5, "BTC-USD", orderbookv1.SideBuy, orderbookv1.OrderTypeLimit, orderbookv1.TimeInForceGTD, 100, 5, "alice", 5)
	_, err = b.Submit(gtd)
	assert.ErrorIs(t, err, orderbookv1.ErrMissingExpiry)
}

func TestSelfTradeAllow(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 100, 5, "alice", 1))
	res := mustSubmit(t, b, limit(2, orderbookv1.SideBuy, 100, 5, "alice", 2))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "alice", res.Trades[0].MakerOwner)
	assert.Equal(t, "alice", res.Trades[0].TakerOwner)
}

func TestSelfTradeRejectIncoming(t *testing.T) {
	b := newTestBook(WithSelfTradePolicy(orderbookv1.SelfTradeRejectIncoming))
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 100, 5, "alice", 1))

	_, err := b.Submit(limit(2, orderbookv1.SideBuy, 100, 5, "alice", 2))
	assert.ErrorIs(t, err, orderbookv1.ErrSelfTrade)

	// resting order untouched
	assert.Equal(t, 1, b.OrderCount())

	// a different owner still matches
	res := mustSubmit(t, b, limit(3, orderbookv1.SideBuy, 100, 5, "bob", 3))
	require.Len(t, res.Trades, 1)
}

func TestSelfTradeCancelResting(t *testing.T) {
	b := newTestBook(WithSelfTradePolicy(orderbookv1.SelfTradeCancelResting))
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 100, 5, "alice", 1))
	mustSubmit(t, b, limit(2, orderbookv1.SideSell, 100, 5, "bob", 2))

	res := mustSubmit(t, b, limit(3, orderbookv1.SideBuy, 100, 5, "alice", 3))
	require.Len(t, res.Cancelled, 1)
	assert.Equal(t, uint64(1), res.Cancelled[0].ID)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "bob", res.Trades[0].MakerOwner)
}

func TestGTDRestsAndReportsExpiry(t *testing.T) {
	b := newTestBook()
	gtd := orderbookv1.NewOrder(1, "BTC-USD", orderbookv1.SideBuy, orderbookv1.OrderTypeLimit, orderbookv1.TimeInForceGTD, 100, 5, "alice", 1)
	gtd.ExpireAt = 1_000
	mustSubmit(t, b, gtd)

	assert.Empty(t, b.ExpiredOrders(999))
	expired := b.ExpiredOrders(1_000)
	require.Len(t, expired, 1)
	assert.Equal(t, uint64(1), expired[0].ID)

	// expiry is delivered as an ordinary cancel
	_, err := b.Cancel(1)
	require.NoError(t, err)
	assert.Equal(t, 0, b.OrderCount())
}

func TestQuantityConservation(t *testing.T) {
	b := newTestBook()
	orders := []*orderbookv1.Order{
		limit(1, orderbookv1.SideSell, 101, 7, "alice", 1),
		limit(2, orderbookv1.SideSell, 100, 4, "bob", 2),
		limit(3, orderbookv1.SideBuy, 101, 9, "carol", 3),
		limit(4, orderbookv1.SideBuy, 99, 6, "dave", 4),
		market(5, orderbookv1.SideSell, 3, "erin", 5),
	}
	filled := map[uint64]uint64{}
	for _, o := range orders {
		res := mustSubmit(t, b, o)
		for _, tr := range res.Trades {
			filled[tr.TakerOrderID] += tr.Quantity
			filled[tr.MakerOrderID] += tr.Quantity
		}
	}
	for _, o := range orders {
		assert.Equal(t, o.Quantity, o.Remaining+filled[o.ID], "order %d", o.ID)
	}
	require.NoError(t, b.CheckInvariants())
}

func TestDeterministicReplay(t *testing.T) {
	run := func() ([]*orderbookv1.Trade, []PriceLevel, []PriceLevel) {
		b := newTestBook()
		var trades []*orderbookv1.Trade
		script := []*orderbookv1.Order{
			limit(1, orderbookv1.SideSell, 102, 5, "alice", 1),
			limit(2, orderbookv1.SideSell, 101, 5, "bob", 2),
			limit(3, orderbookv1.SideBuy, 101, 3, "carol", 3),
			limit(4, orderbookv1.SideBuy, 103, 9, "dave", 4),
			market(5, orderbookv1.SideSell, 2, "erin", 5),
		}
		for _, o := range script {
			res := mustSubmit(t, b, o)
			trades = append(trades, res.Trades...)
		}
		bids, asks := b.Depth(0)
		return trades, bids, asks
	}

	t1, b1, a1 := run()
	t2, b2, a2 := run()

	require.Equal(t, len(t1), len(t2))
	for i := range t1 {
		assert.Equal(t, t1[i].ID, t2[i].ID)
		assert.Equal(t, t1[i].Price, t2[i].Price)
		assert.Equal(t, t1[i].Quantity, t2[i].Quantity)
		assert.Equal(t, t1[i].Sequence, t2[i].Sequence)
	}
	assert.Equal(t, b1, b2)
	assert.Equal(t, a1, a2)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideBuy, 100, 10, "alice", 1))
	mustSubmit(t, b, limit(2, orderbookv1.SideBuy, 100, 5, "bob", 2))
	mustSubmit(t, b, limit(3, orderbookv1.SideSell, 105, 7, "carol", 3))
	mustSubmit(t, b, market(4, orderbookv1.SideSell, 2, "dave", 4))

	snap := b.Snapshot()

	restored := newTestBook()
	require.NoError(t, restored.Restore(snap))
	require.NoError(t, restored.CheckInvariants())

	assert.Equal(t, b.LastTradePrice(), restored.LastTradePrice())
	assert.Equal(t, b.TradeSequence(), restored.TradeSequence())

	wantBids, wantAsks := b.Depth(0)
	gotBids, gotAsks := restored.Depth(0)
	assert.Equal(t, wantBids, gotBids)
	assert.Equal(t, wantAsks, gotAsks)

	// time priority survives the round trip: alice still fills first
	res := mustSubmit(t, restored, market(5, orderbookv1.SideSell, 1, "erin", 5))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, uint64(1), res.Trades[0].MakerOrderID)
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideBuy, 100, 10, "alice", 1))
	snap := b.Snapshot()
	snap.Orders[0].Remaining = snap.Orders[0].Quantity + 1

	restored := newTestBook()
	assert.ErrorIs(t, restored.Restore(snap), orderbookv1.ErrBookCorrupted)
	assert.ErrorIs(t, restored.Restore(nil), orderbookv1.ErrBookCorrupted)
}

func TestDepthLimit(t *testing.T) {
	b := newTestBook()
	for i := uint64(1); i <= 5; i++ {
		mustSubmit(t, b, limit(i, orderbookv1.SideBuy, int64(100-i), 1, "alice", i))
	}
	bids, _ := b.Depth(3)
	require.Len(t, bids, 3)
	assert.Equal(t, int64(99), bids[0].Price)
	assert.Equal(t, int64(98), bids[1].Price)
	assert.Equal(t, int64(97), bids[2].Price)
}

func TestPriceOrderingAcrossLevels(t *testing.T) {
	b := newTestBook()
	mustSubmit(t, b, limit(1, orderbookv1.SideSell, 103, 1, "a", 1))
	mustSubmit(t, b, limit(2, orderbookv1.SideSell, 101, 1, "b", 2))
	mustSubmit(t, b, limit(3, orderbookv1.SideSell, 102, 1, "c", 3))

	res := mustSubmit(t, b, market(4, orderbookv1.SideBuy, 3, "d", 4))
	require.Len(t, res.Trades, 3)
	assert.Equal(t, int64(101), res.Trades[0].Price)
	assert.Equal(t, int64(102), res.Trades[1].Price)
	assert.Equal(t, int64(103), res.Trades[2].Price)
}
