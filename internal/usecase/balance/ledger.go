package balance

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/exchange-core/pkg/errors"
)

// accountKey identifies one owner's holding of one asset.
type accountKey struct {
	Owner string
	Asset string
}

// Account is the mutable balance of one owner in one asset. Available and
// Frozen are both non-negative at all times.
type Account struct {
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

// Total returns available plus frozen.
func (a Account) Total() decimal.Decimal {
	return a.Available.Add(a.Frozen)
}

// TradeSettlement describes the balance moves of one settled trade. The
// quote amount leaves the buyer (frozen first, available for the shortfall a
// market buy leaves), the base quantity leaves the seller's frozen balance,
// and any price improvement over what the buyer froze is released back.
type TradeSettlement struct {
	// Key makes the settlement idempotent: replaying the same key is a no-op.
	Key string

	Buyer  string
	Seller string

	BaseAsset  string
	QuoteAsset string

	BaseQuantity     decimal.Decimal
	QuoteAmount      decimal.Decimal
	BuyerQuoteRefund decimal.Decimal
}

// Ledger tracks per-owner, per-asset balances with an available/frozen
// split. Every mutating operation carries an idempotency key so replayed
// change-log entries cannot double-apply.
type Ledger struct {
	mu       sync.Mutex
	accounts map[accountKey]*Account
	applied  map[string]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: map[accountKey]*Account{},
		applied:  map[string]struct{}{},
	}
}

func (l *Ledger) account(owner, asset string) *Account {
	key := accountKey{Owner: owner, Asset: asset}
	acc, ok := l.accounts[key]
	if !ok {
		acc = &Account{}
		l.accounts[key] = acc
	}
	return acc
}

func (l *Ledger) isApplied(key string) bool {
	if key == "" {
		return false
	}
	_, ok := l.applied[key]
	return ok
}

func (l *Ledger) markApplied(key string) {
	if key != "" {
		l.applied[key] = struct{}{}
	}
}

// Balance returns a copy of the owner's account in the asset.
func (l *Ledger) Balance(owner, asset string) Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[accountKey{Owner: owner, Asset: asset}]; ok {
		return *acc
	}
	return Account{}
}

// Deposit credits the owner's available balance.
func (l *Ledger) Deposit(key, owner, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.NewTracerFromCode(errors.ValidationError)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isApplied(key) {
		return nil
	}
	acc := l.account(owner, asset)
	acc.Available = acc.Available.Add(amount)
	l.markApplied(key)
	return nil
}

// Withdraw debits the owner's available balance.
func (l *Ledger) Withdraw(key, owner, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.NewTracerFromCode(errors.ValidationError)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isApplied(key) {
		return nil
	}
	acc := l.account(owner, asset)
	if acc.Available.LessThan(amount) {
		return errors.NewTracerFromCode(errors.InsufficientFunds)
	}
	acc.Available = acc.Available.Sub(amount)
	l.markApplied(key)
	return nil
}

// Freeze moves amount from available to frozen, failing without any change
// when available does not cover it.
func (l *Ledger) Freeze(key, owner, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.NewTracerFromCode(errors.ValidationError)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isApplied(key) {
		return nil
	}
	acc := l.account(owner, asset)
	if acc.Available.LessThan(amount) {
		return errors.NewTracerFromCode(errors.InsufficientFunds)
	}
	acc.Available = acc.Available.Sub(amount)
	acc.Frozen = acc.Frozen.Add(amount)
	l.markApplied(key)
	return nil
}

// Release moves amount from frozen back to available, as happens when an
// order is cancelled or its remainder discarded.
func (l *Ledger) Release(key, owner, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.NewTracerFromCode(errors.ValidationError)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isApplied(key) {
		return nil
	}
	acc := l.account(owner, asset)
	if acc.Frozen.LessThan(amount) {
		return errors.NewTracerFromCode(errors.InsufficientFunds)
	}
	acc.Frozen = acc.Frozen.Sub(amount)
	acc.Available = acc.Available.Add(amount)
	l.markApplied(key)
	return nil
}

// Settle applies one trade's balance moves atomically: either every leg
// applies or none does. Replaying a key returns nil without re-applying.
func (l *Ledger) Settle(s TradeSettlement) error {
	if s.BaseQuantity.IsNegative() || s.QuoteAmount.IsNegative() || s.BuyerQuoteRefund.IsNegative() {
		return errors.NewTracerFromCode(errors.ValidationError)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isApplied(s.Key) {
		return nil
	}

	buyerQuote := l.account(s.Buyer, s.QuoteAsset)
	sellerBase := l.account(s.Seller, s.BaseAsset)

	// quote leaves frozen first; a market buy froze nothing, so the
	// shortfall comes from available
	fromFrozen := decimal.Min(buyerQuote.Frozen, s.QuoteAmount)
	fromAvailable := s.QuoteAmount.Sub(fromFrozen)
	if buyerQuote.Available.LessThan(fromAvailable) {
		return errors.NewTracerFromCode(errors.InsufficientFunds)
	}
	if sellerBase.Frozen.LessThan(s.BaseQuantity) {
		return errors.NewTracerFromCode(errors.InsufficientFunds)
	}
	if buyerQuote.Frozen.Sub(fromFrozen).LessThan(s.BuyerQuoteRefund) {
		return errors.NewTracerFromCode(errors.InsufficientFunds)
	}

	buyerQuote.Frozen = buyerQuote.Frozen.Sub(fromFrozen)
	buyerQuote.Available = buyerQuote.Available.Sub(fromAvailable)
	sellerBase.Frozen = sellerBase.Frozen.Sub(s.BaseQuantity)

	l.account(s.Seller, s.QuoteAsset).Available = l.account(s.Seller, s.QuoteAsset).Available.Add(s.QuoteAmount)
	l.account(s.Buyer, s.BaseAsset).Available = l.account(s.Buyer, s.BaseAsset).Available.Add(s.BaseQuantity)

	if !s.BuyerQuoteRefund.IsZero() {
		buyerQuote.Frozen = buyerQuote.Frozen.Sub(s.BuyerQuoteRefund)
		buyerQuote.Available = buyerQuote.Available.Add(s.BuyerQuoteRefund)
	}
	l.markApplied(s.Key)
	return nil
}

// TotalSupply sums available plus frozen across every owner of the asset.
// Settlement conserves it; only deposits and withdrawals change it.
func (l *Ledger) TotalSupply(asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for key, acc := range l.accounts {
		if key.Asset == asset {
			total = total.Add(acc.Total())
		}
	}
	return total
}
