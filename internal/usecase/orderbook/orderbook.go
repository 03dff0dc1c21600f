package orderbook

import (
	"sort"
	"time"

	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
	snapshotv1 "github.com/quantfabric/exchange-core/internal/domain/snapshot/v1"
)

// Book is a single-instrument limit order book with price-time priority.
// It is not safe for concurrent use: exactly one match stage owns a book
// and drives it from its serialized input stream.
type Book struct {
	instrument string

	asks map[int64]*orderbookv1.Level
	bids map[int64]*orderbookv1.Level
	// askPrices ascending, bidPrices descending, so index 0 is always the
	// best price of its side.
	askPrices []int64
	bidPrices []int64

	orders map[uint64]*orderbookv1.Order

	tradeSeq       uint64
	lastTradePrice int64

	nextTradeID func() uint64
	policy      orderbookv1.SelfTradePolicy
}

// PriceLevel is one aggregated row of the depth view.
type PriceLevel struct {
	Price    int64
	Quantity uint64
	Orders   int
}

// SubmitResult reports everything one Submit call did to the book.
type SubmitResult struct {
	Order  *orderbookv1.Order
	Trades []*orderbookv1.Trade
	// Cancelled holds resting orders removed by the cancel-resting
	// self-trade policy.
	Cancelled []*orderbookv1.Order
	// Resting is true when a remainder was placed on the book.
	Resting bool
}

// Option configures a Book.
type Option func(*Book)

// WithSelfTradePolicy overrides the default policy of allowing an owner to
// trade with themselves.
func WithSelfTradePolicy(p orderbookv1.SelfTradePolicy) Option {
	return func(b *Book) { b.policy = p }
}

// WithTradeIDSource injects the id generator used for trades. Tests pass a
// counter to make runs reproducible.
func WithTradeIDSource(next func() uint64) Option {
	return func(b *Book) { b.nextTradeID = next }
}

// NewBook creates an empty book for the instrument.
func NewBook(instrument string, opts ...Option) *Book {
	b := &Book{
		instrument: instrument,
		asks:       map[int64]*orderbookv1.Level{},
		bids:       map[int64]*orderbookv1.Level{},
		orders:     map[uint64]*orderbookv1.Order{},
		policy:     orderbookv1.SelfTradeAllow,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.nextTradeID == nil {
		var seq uint64
		b.nextTradeID = func() uint64 {
			seq++
			return seq
		}
	}
	return b
}

// Clear empties the book while keeping its instrument, policy and id source.
func (b *Book) Clear() {
	b.asks = map[int64]*orderbookv1.Level{}
	b.bids = map[int64]*orderbookv1.Level{}
	b.askPrices = b.askPrices[:0]
	b.bidPrices = b.bidPrices[:0]
	b.orders = map[uint64]*orderbookv1.Order{}
	b.tradeSeq = 0
	b.lastTradePrice = 0
}

// Instrument returns the instrument this book matches.
func (b *Book) Instrument() string { return b.instrument }

// LastTradePrice returns the price of the most recent trade, zero before the
// first one.
func (b *Book) LastTradePrice() int64 { return b.lastTradePrice }

// TradeSequence returns the sequence of the most recent trade.
func (b *Book) TradeSequence() uint64 { return b.tradeSeq }

// OrderCount returns the number of resting orders.
func (b *Book) OrderCount() int { return len(b.orders) }

// Submit validates the order, matches it against the opposite side and rests
// any remainder if its type and time in force allow. The returned result
// lists the trades in execution order.
func (b *Book) Submit(order *orderbookv1.Order) (*SubmitResult, error) {
	if order == nil {
		return nil, orderbookv1.ErrNilOrder
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if _, exists := b.orders[order.ID]; exists {
		return nil, orderbookv1.ErrDuplicateOrder
	}

	if b.policy == orderbookv1.SelfTradeRejectIncoming && b.wouldSelfTrade(order) {
		return nil, orderbookv1.ErrSelfTrade
	}
	if order.TimeInForce == orderbookv1.TimeInForceFOK && !b.canFillFully(order) {
		return nil, orderbookv1.ErrFOKUnfillable
	}

	result := &SubmitResult{Order: order}
	b.match(order, result)

	if order.Remaining > 0 && order.Type == orderbookv1.OrderTypeLimit &&
		(order.TimeInForce == orderbookv1.TimeInForceGTC || order.TimeInForce == orderbookv1.TimeInForceGTD) {
		b.rest(order)
		result.Resting = true
	}
	return result, nil
}

// Cancel removes a resting order and returns it. Cancelling an id the book
// does not hold is ErrUnknownOrder; the caller treats it as a no-op because
// the order may simply have been filled first.
func (b *Book) Cancel(orderID uint64) (*orderbookv1.Order, error) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, orderbookv1.ErrUnknownOrder
	}
	b.unlink(order)
	return order, nil
}

// Replace cancels the resting order and submits the replacement. The
// replacement joins the back of its price level: a replace never keeps the
// old order's time priority.
func (b *Book) Replace(orderID uint64, replacement *orderbookv1.Order) (*orderbookv1.Order, *SubmitResult, error) {
	cancelled, err := b.Cancel(orderID)
	if err != nil {
		return nil, nil, err
	}
	result, err := b.Submit(replacement)
	if err != nil {
		// the cancel half already happened; surface both facts
		return cancelled, nil, err
	}
	return cancelled, result, nil
}

// ExpiredOrders returns the resting GTD orders whose expiry has passed.
// The book does not cancel them itself; expiry flows in as cancel events so
// that replicas converge on the same state.
func (b *Book) ExpiredOrders(nowMillis int64) []*orderbookv1.Order {
	var expired []*orderbookv1.Order
	for _, o := range b.orders {
		if o.TimeInForce == orderbookv1.TimeInForceGTD && o.ExpireAt > 0 && o.ExpireAt <= nowMillis {
			expired = append(expired, o)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Sequence < expired[j].Sequence })
	return expired
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (int64, bool) {
	if len(b.bidPrices) == 0 {
		return 0, false
	}
	return b.bidPrices[0], true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (int64, bool) {
	if len(b.askPrices) == 0 {
		return 0, false
	}
	return b.askPrices[0], true
}

// Depth returns up to limit aggregated levels per side, best first. A
// non-positive limit returns every level.
func (b *Book) Depth(limit int) (bids, asks []PriceLevel) {
	collect := func(prices []int64, levels map[int64]*orderbookv1.Level) []PriceLevel {
		n := len(prices)
		if limit > 0 && limit < n {
			n = limit
		}
		out := make([]PriceLevel, 0, n)
		for _, price := range prices[:n] {
			lvl := levels[price]
			out = append(out, PriceLevel{Price: price, Quantity: lvl.TotalQuantity, Orders: lvl.OrderCount()})
		}
		return out
	}
	return collect(b.bidPrices, b.bids), collect(b.askPrices, b.asks)
}

// Snapshot captures every resting order plus the trade counters. Orders are
// emitted in priority order per level so Restore rebuilds identical queues.
func (b *Book) Snapshot() *snapshotv1.Snapshot {
	snap := &snapshotv1.Snapshot{
		Instrument:     b.instrument,
		LastTradePrice: b.lastTradePrice,
		TradeSequence:  b.tradeSeq,
		TakenAt:        time.Now().UnixNano(),
	}
	appendSide := func(prices []int64, levels map[int64]*orderbookv1.Level) {
		for _, price := range prices {
			for _, o := range levels[price].Orders {
				snap.Orders = append(snap.Orders, snapshotv1.BookOrder{
					OrderID:     o.ID,
					Owner:       o.Owner,
					Side:        o.Side,
					TimeInForce: o.TimeInForce,
					Price:       o.Price,
					Quantity:    o.Quantity,
					Remaining:   o.Remaining,
					Sequence:    o.Sequence,
					ExpireAt:    o.ExpireAt,
					Timestamp:   o.Timestamp,
				})
			}
		}
	}
	appendSide(b.bidPrices, b.bids)
	appendSide(b.askPrices, b.asks)
	return snap
}

// Restore replaces the book's state with the snapshot's. Orders are rested
// directly without matching; the snapshot was taken from a consistent book,
// so no two of its orders cross.
func (b *Book) Restore(snap *snapshotv1.Snapshot) error {
	if snap == nil {
		return orderbookv1.ErrBookCorrupted
	}
	b.asks = map[int64]*orderbookv1.Level{}
	b.bids = map[int64]*orderbookv1.Level{}
	b.askPrices = b.askPrices[:0]
	b.bidPrices = b.bidPrices[:0]
	b.orders = map[uint64]*orderbookv1.Order{}

	for _, bo := range snap.Orders {
		if bo.Remaining == 0 || bo.Remaining > bo.Quantity {
			return orderbookv1.ErrBookCorrupted
		}
		order := &orderbookv1.Order{
			ID:          bo.OrderID,
			Instrument:  snap.Instrument,
			Side:        bo.Side,
			Type:        orderbookv1.OrderTypeLimit,
			TimeInForce: bo.TimeInForce,
			Price:       bo.Price,
			Quantity:    bo.Quantity,
			Remaining:   bo.Remaining,
			Owner:       bo.Owner,
			Sequence:    bo.Sequence,
			ExpireAt:    bo.ExpireAt,
			Timestamp:   bo.Timestamp,
		}
		if _, dup := b.orders[order.ID]; dup {
			return orderbookv1.ErrBookCorrupted
		}
		b.rest(order)
	}
	b.lastTradePrice = snap.LastTradePrice
	b.tradeSeq = snap.TradeSequence
	return nil
}

// CheckInvariants walks the book and verifies level aggregates and index
// consistency. The match stage calls it after a restore and halts the
// instrument on failure.
func (b *Book) CheckInvariants() error {
	check := func(prices []int64, levels map[int64]*orderbookv1.Level) error {
		if len(prices) != len(levels) {
			return orderbookv1.ErrBookCorrupted
		}
		for _, price := range prices {
			lvl, ok := levels[price]
			if !ok || lvl.IsEmpty() {
				return orderbookv1.ErrBookCorrupted
			}
			var sum uint64
			for _, o := range lvl.Orders {
				if o.Price != price || o.Remaining == 0 {
					return orderbookv1.ErrBookCorrupted
				}
				if b.orders[o.ID] != o {
					return orderbookv1.ErrBookCorrupted
				}
				sum += o.Remaining
			}
			if sum != lvl.TotalQuantity {
				return orderbookv1.ErrBookCorrupted
			}
		}
		return nil
	}
	if err := check(b.bidPrices, b.bids); err != nil {
		return err
	}
	if err := check(b.askPrices, b.asks); err != nil {
		return err
	}
	resting := 0
	for _, lvl := range b.bids {
		resting += lvl.OrderCount()
	}
	for _, lvl := range b.asks {
		resting += lvl.OrderCount()
	}
	if resting != len(b.orders) {
		return orderbookv1.ErrBookCorrupted
	}
	return nil
}

func (b *Book) match(taker *orderbookv1.Order, result *SubmitResult) {
	for taker.Remaining > 0 {
		level := b.bestOpposite(taker)
		if level == nil {
			return
		}
		maker := level.Front()

		if maker.Owner == taker.Owner && taker.Owner != "" {
			switch b.policy {
			case orderbookv1.SelfTradeCancelResting:
				b.unlink(maker)
				result.Cancelled = append(result.Cancelled, maker)
				continue
			case orderbookv1.SelfTradeAllow:
				// falls through to a normal fill
			}
		}

		qty := taker.Remaining
		if maker.Remaining < qty {
			qty = maker.Remaining
		}
		taker.Remaining -= qty
		maker.Remaining -= qty
		level.Reduce(qty)

		b.tradeSeq++
		trade := &orderbookv1.Trade{
			ID:           b.nextTradeID(),
			Instrument:   b.instrument,
			Price:        maker.Price,
			Quantity:     qty,
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			TakerOwner:   taker.Owner,
			MakerOwner:   maker.Owner,
			TakerSide:    taker.Side,
			Sequence:     b.tradeSeq,
			// the taker's timestamp is the stream clock of the entry that
			// triggered the match, so replays reproduce it exactly
			Timestamp: taker.Timestamp,
		}
		b.lastTradePrice = trade.Price
		result.Trades = append(result.Trades, trade)

		if maker.IsFilled() {
			b.unlink(maker)
		}
	}
}

// bestOpposite returns the best crossable level of the opposite side, nil
// when the taker can no longer match.
func (b *Book) bestOpposite(taker *orderbookv1.Order) *orderbookv1.Level {
	if taker.IsBuy() {
		if len(b.askPrices) == 0 {
			return nil
		}
		best := b.askPrices[0]
		if taker.Type == orderbookv1.OrderTypeLimit && best > taker.Price {
			return nil
		}
		return b.asks[best]
	}
	if len(b.bidPrices) == 0 {
		return nil
	}
	best := b.bidPrices[0]
	if taker.Type == orderbookv1.OrderTypeLimit && best < taker.Price {
		return nil
	}
	return b.bids[best]
}

// canFillFully sums the crossable liquidity for a fill-or-kill precheck.
// Under the cancel-resting policy the taker's own orders are excluded: they
// would be cancelled, not filled.
func (b *Book) canFillFully(order *orderbookv1.Order) bool {
	needed := order.Remaining
	walk := func(prices []int64, levels map[int64]*orderbookv1.Level, crossable func(int64) bool) bool {
		for _, price := range prices {
			if !crossable(price) {
				break
			}
			for _, o := range levels[price].Orders {
				if b.policy == orderbookv1.SelfTradeCancelResting && o.Owner == order.Owner && order.Owner != "" {
					continue
				}
				if o.Remaining >= needed {
					return true
				}
				needed -= o.Remaining
			}
		}
		return false
	}
	if order.IsBuy() {
		return walk(b.askPrices, b.asks, func(p int64) bool {
			return order.Type == orderbookv1.OrderTypeMarket || p <= order.Price
		})
	}
	return walk(b.bidPrices, b.bids, func(p int64) bool {
		return order.Type == orderbookv1.OrderTypeMarket || p >= order.Price
	})
}

// wouldSelfTrade reports whether any crossable resting order belongs to the
// incoming order's owner.
func (b *Book) wouldSelfTrade(order *orderbookv1.Order) bool {
	if order.Owner == "" {
		return false
	}
	scan := func(prices []int64, levels map[int64]*orderbookv1.Level, crossable func(int64) bool) bool {
		for _, price := range prices {
			if !crossable(price) {
				break
			}
			for _, o := range levels[price].Orders {
				if o.Owner == order.Owner {
					return true
				}
			}
		}
		return false
	}
	if order.IsBuy() {
		return scan(b.askPrices, b.asks, func(p int64) bool {
			return order.Type == orderbookv1.OrderTypeMarket || p <= order.Price
		})
	}
	return scan(b.bidPrices, b.bids, func(p int64) bool {
		return order.Type == orderbookv1.OrderTypeMarket || p >= order.Price
	})
}

// rest places the order at the back of its price level, creating the level
// and its price index slot when needed.
func (b *Book) rest(order *orderbookv1.Order) {
	levels, prices := b.sideOf(order)
	lvl, ok := levels[order.Price]
	if !ok {
		lvl = orderbookv1.NewLevel(order.Price)
		levels[order.Price] = lvl
		b.insertPrice(order, prices)
	}
	lvl.Append(order)
	b.orders[order.ID] = order
}

// unlink removes the order from its level, the order index, and the price
// index when its level empties.
func (b *Book) unlink(order *orderbookv1.Order) {
	levels, _ := b.sideOf(order)
	if lvl, ok := levels[order.Price]; ok {
		lvl.Remove(order.ID)
		if lvl.IsEmpty() {
			delete(levels, order.Price)
			b.removePrice(order)
		}
	}
	delete(b.orders, order.ID)
}

func (b *Book) sideOf(order *orderbookv1.Order) (map[int64]*orderbookv1.Level, *[]int64) {
	if order.IsBuy() {
		return b.bids, &b.bidPrices
	}
	return b.asks, &b.askPrices
}

func (b *Book) insertPrice(order *orderbookv1.Order, prices *[]int64) {
	s := *prices
	var idx int
	if order.IsBuy() {
		idx = sort.Search(len(s), func(i int) bool { return s[i] < order.Price })
	} else {
		idx = sort.Search(len(s), func(i int) bool { return s[i] > order.Price })
	}
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = order.Price
	*prices = s
}

func (b *Book) removePrice(order *orderbookv1.Order) {
	_, prices := b.sideOf(order)
	s := *prices
	var idx int
	if order.IsBuy() {
		idx = sort.Search(len(s), func(i int) bool { return s[i] <= order.Price })
	} else {
		idx = sort.Search(len(s), func(i int) bool { return s[i] >= order.Price })
	}
	if idx < len(s) && s[idx] == order.Price {
		*prices = append(s[:idx], s[idx+1:]...)
	}
}
