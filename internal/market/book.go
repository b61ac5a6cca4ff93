// Package market implements the simplified mid-price order crosser used by
// trading agents, plus the volatility-driven spread controls around it.
//
// The book keeps bids sorted descending and asks ascending by price. Within
// one price level arrival order is preserved (FIFO), so matching always
// consumes the oldest order at the best price first. Crossing happens at the
// arithmetic mid of the two order prices.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal statistics (volatility) use float64, with results immediately
// converted back to decimal.
package market

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidOrder is returned when an order has a non-positive price
	// or amount.
	ErrInvalidOrder = errors.New("market: order price and amount must be positive")
)

// Order is one resting entry in the book.
type Order struct {
	Price   decimal.Decimal
	Amount  decimal.Decimal
	AgentID string
}

// Match is the result of crossing one bid against one ask.
type Match struct {
	BuyerAgentID  string
	SellerAgentID string
	Amount        decimal.Decimal
	Price         decimal.Decimal // arithmetic mid of bid and ask
}

// Book holds resting bids and asks for one trading agent. It is not safe
// for concurrent use; the owning agent serializes access through its tick
// loop.
type Book struct {
	bids []Order // sorted descending by price, FIFO within a level
	asks []Order // sorted ascending by price, FIFO within a level
}

// NewBook creates an empty order book.
func NewBook() *Book {
	return &Book{}
}

// AddBid inserts a buy order, keeping price-descending FIFO order.
func (b *Book) AddBid(o Order) error {
	if err := validate(o); err != nil {
		return err
	}
	b.bids = append(b.bids, o)
	sort.SliceStable(b.bids, func(i, j int) bool {
		return b.bids[i].Price.GreaterThan(b.bids[j].Price)
	})
	return nil
}

// AddAsk inserts a sell order, keeping price-ascending FIFO order.
func (b *Book) AddAsk(o Order) error {
	if err := validate(o); err != nil {
		return err
	}
	b.asks = append(b.asks, o)
	sort.SliceStable(b.asks, func(i, j int) bool {
		return b.asks[i].Price.LessThan(b.asks[j].Price)
	})
	return nil
}

func validate(o Order) error {
	if o.Price.LessThanOrEqual(decimal.Zero) || o.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidOrder
	}
	return nil
}

// BestBid returns the highest-priced bid, or false when the side is empty.
func (b *Book) BestBid() (Order, bool) {
	if len(b.bids) == 0 {
		return Order{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest-priced ask, or false when the side is empty.
func (b *Book) BestAsk() (Order, bool) {
	if len(b.asks) == 0 {
		return Order{}, false
	}
	return b.asks[0], true
}

// Bids returns a copy of the bid side in priority order.
func (b *Book) Bids() []Order {
	out := make([]Order, len(b.bids))
	copy(out, b.bids)
	return out
}

// Asks returns a copy of the ask side in priority order.
func (b *Book) Asks() []Order {
	out := make([]Order, len(b.asks))
	copy(out, b.asks)
	return out
}

// Depth returns the number of resting orders on each side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// Mid returns the midpoint of the best bid and ask. When one side is empty
// the other side's best price is returned; an empty book returns false.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
	case hasBid:
		return bid.Price, true
	case hasAsk:
		return ask.Price, true
	default:
		return decimal.Zero, false
	}
}

// MatchAll crosses the book to a fixed point: while the best bid price is
// at or above the best ask price, min(bidAmount, askAmount) is matched at
// the arithmetic mid of the two prices. Fully consumed orders are removed;
// partially consumed orders keep their queue position.
//
// Conservation holds per side: the sum of remaining amounts plus the sum
// of matched amounts equals the sum of original amounts.
func (b *Book) MatchAll() []Match {
	var matches []Match

	for len(b.bids) > 0 && len(b.asks) > 0 {
		bid := &b.bids[0]
		ask := &b.asks[0]

		if bid.Price.LessThan(ask.Price) {
			break
		}

		qty := decimal.Min(bid.Amount, ask.Amount)
		price := bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))

		matches = append(matches, Match{
			BuyerAgentID:  bid.AgentID,
			SellerAgentID: ask.AgentID,
			Amount:        qty,
			Price:         price,
		})

		bid.Amount = bid.Amount.Sub(qty)
		ask.Amount = ask.Amount.Sub(qty)

		if bid.Amount.IsZero() {
			b.bids = b.bids[1:]
		}
		if ask.Amount.IsZero() {
			b.asks = b.asks[1:]
		}
	}

	return matches
}

// CancelAgent removes all orders belonging to the given agent from both
// sides and returns how many were removed.
func (b *Book) CancelAgent(agentID string) int {
	removed := 0
	b.bids, removed = filterOrders(b.bids, agentID, removed)
	b.asks, removed = filterOrders(b.asks, agentID, removed)
	return removed
}

func filterOrders(side []Order, agentID string, removed int) ([]Order, int) {
	kept := side[:0]
	for _, o := range side {
		if o.AgentID == agentID {
			removed++
			continue
		}
		kept = append(kept, o)
	}
	return kept, removed
}
