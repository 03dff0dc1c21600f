package orderbookv1

// Level is one price level of the book: a FIFO queue of resting orders at a
// single price. TotalQuantity always equals the sum of the orders' remaining
// quantity.
type Level struct {
	Price         int64    `json:"price"`
	Orders        []*Order `json:"orders"`
	TotalQuantity uint64   `json:"totalQuantity"`
}

// NewLevel creates an empty Level at the given price.
func NewLevel(price int64) *Level {
	return &Level{
		Price:  price,
		Orders: make([]*Order, 0, 4),
	}
}

// Append adds an order at the back of the queue, giving it the lowest time
// priority at this price.
func (l *Level) Append(order *Order) {
	l.Orders = append(l.Orders, order)
	l.TotalQuantity += order.Remaining
}

// Front returns the order with the highest time priority, or nil when empty.
func (l *Level) Front() *Order {
	if len(l.Orders) == 0 {
		return nil
	}
	return l.Orders[0]
}

// Remove takes the order with the given id out of the queue and returns it.
func (l *Level) Remove(orderID uint64) *Order {
	for i, o := range l.Orders {
		if o.ID == orderID {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			l.TotalQuantity -= o.Remaining
			return o
		}
	}
	return nil
}

// Reduce lowers the level's aggregate by the quantity just filled on one of
// its orders.
func (l *Level) Reduce(quantity uint64) {
	l.TotalQuantity -= quantity
}

// IsEmpty reports whether no orders rest at this price.
func (l *Level) IsEmpty() bool {
	return len(l.Orders) == 0
}

// OrderCount returns the number of resting orders at this price.
func (l *Level) OrderCount() int {
	return len(l.Orders)
}
