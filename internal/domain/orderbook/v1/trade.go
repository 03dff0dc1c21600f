package orderbookv1

// Trade is one match event. Created once, immutable, never updated or
// deleted. Price is the maker's price; Sequence is the per-book trade
// sequence.
type Trade struct {
	ID           uint64 `json:"id"`
	Instrument   string `json:"instrument"`
	Price        int64  `json:"price"`
	Quantity     uint64 `json:"quantity"`
	TakerOrderID uint64 `json:"takerOrderID"`
	MakerOrderID uint64 `json:"makerOrderID"`
	TakerOwner   string `json:"takerOwner"`
	MakerOwner   string `json:"makerOwner"`
	TakerSide    Side   `json:"takerSide"`
	Sequence     uint64 `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
}

// BuyerOwner returns the owner on the buy side of the trade.
func (t *Trade) BuyerOwner() string {
	if t.TakerSide == SideBuy {
		return t.TakerOwner
	}
	return t.MakerOwner
}

// SellerOwner returns the owner on the sell side of the trade.
func (t *Trade) SellerOwner() string {
	if t.TakerSide == SideSell {
		return t.TakerOwner
	}
	return t.MakerOwner
}
