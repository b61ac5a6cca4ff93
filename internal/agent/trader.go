package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/bus"
	"github.com/carbongrid/agent-engine/internal/feed"
	"github.com/carbongrid/agent-engine/internal/market"
	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/model"
)

// marketHistoryLimit bounds the rolling market-data window.
const marketHistoryLimit = 100

// oracleDeviationPct is the maximum deviation from the trader's market price
// before a counterparty proposal is rejected as mispriced.
var oracleDeviationPct = decimal.NewFromFloat(0.10)

// TraderAgent is the market maker: it collects offers and requests into an
// order book, quotes a two-sided market around the mid, crosses the book
// periodically, and acts as a price oracle for counterparty proposals.
type TraderAgent struct {
	*runtime
	book *market.Book
	hub  *feed.Hub

	// Loop-owned; guarded by runtime.mu for Statistics readers.
	spreadPct  decimal.Decimal
	lastPrice  decimal.Decimal
	history    []model.MarketData
	volatility decimal.Decimal
}

// NewTraderAgent constructs a market-making trader. The feed hub is
// optional; a nil hub disables event broadcasting.
func NewTraderAgent(cfg Config, b *bus.Bus, hub *feed.Hub) *TraderAgent {
	a := &TraderAgent{
		runtime:   newRuntime(cfg, b),
		book:      market.NewBook(),
		hub:       hub,
		spreadPct: cfg.SpreadPct,
	}
	if a.spreadPct.LessThanOrEqual(decimal.Zero) {
		a.spreadPct = decimal.NewFromInt(2)
	}

	a.registerBaseHandlers()
	a.registerHandler(model.MsgCreditOffer, a.handleCreditOffer)
	a.registerHandler(model.MsgCreditRequest, a.handleCreditRequest)
	a.registerHandler(model.MsgTransactionProposal, a.handleTransactionProposal)

	a.addTick(cfg.QuoteInterval, a.quote)
	a.addTick(cfg.MatchInterval, a.matchBook)
	a.addTick(cfg.UpdateInterval, a.updateVolatility)
	return a
}

// Initialize starts the agent's loop.
func (a *TraderAgent) Initialize(ctx context.Context) error {
	return a.start(ctx)
}

// handleCreditOffer books a broadcast sell as a resting ask.
func (a *TraderAgent) handleCreditOffer(_ context.Context, msg model.Message) error {
	offer, ok := payloadAs[model.CreditOffer](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid CREDIT_OFFER payload from %s", msg.From)
	}
	if offer.Expired(time.Now()) {
		return nil
	}
	return a.book.AddAsk(market.Order{
		Price:   offer.PricePerCredit,
		Amount:  offer.CreditAmount,
		AgentID: offer.SellerAgentID,
	})
}

// handleCreditRequest books a broadcast buy as a resting bid at the buyer's
// price ceiling.
func (a *TraderAgent) handleCreditRequest(_ context.Context, msg model.Message) error {
	req, ok := payloadAs[model.CreditRequest](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid CREDIT_REQUEST payload from %s", msg.From)
	}
	if req.Deadline > 0 && time.Now().UnixMilli() > req.Deadline {
		return nil
	}
	return a.book.AddBid(market.Order{
		Price:   req.MaxPricePerCredit,
		Amount:  req.CreditAmount,
		AgentID: req.BuyerAgentID,
	})
}

// quote refreshes the two-sided market around the current mid, leans the
// size toward rebalancing inventory, and records a market-data point.
func (a *TraderAgent) quote(_ context.Context) {
	mid, ok := a.book.Mid()
	if !ok {
		a.mu.Lock()
		mid = a.lastPrice
		a.mu.Unlock()
	}
	if mid.LessThanOrEqual(decimal.Zero) {
		return
	}

	a.mu.Lock()
	spread := a.spreadPct
	inventory := a.credits
	a.mu.Unlock()

	bid, ask := market.Quotes(mid, spread)

	// Lean into the side that rebalances inventory toward the band.
	if a.cfg.MinInventory.IsPositive() && inventory.LessThan(a.cfg.MinInventory) {
		shortfall := a.cfg.MinInventory.Sub(inventory)
		if err := a.book.AddBid(market.Order{Price: bid, Amount: shortfall, AgentID: a.cfg.ID}); err != nil {
			slog.Debug("trader: rebalance bid rejected", "id", a.cfg.ID, "err", err)
		}
	}
	if a.cfg.MaxInventory.IsPositive() && inventory.GreaterThan(a.cfg.MaxInventory) {
		excess := inventory.Sub(a.cfg.MaxInventory)
		if err := a.book.AddAsk(market.Order{Price: ask, Amount: excess, AgentID: a.cfg.ID}); err != nil {
			slog.Debug("trader: rebalance ask rejected", "id", a.cfg.ID, "err", err)
		}
	}

	a.recordMarketData(model.MarketData{
		Timestamp: time.Now(),
		Price:     mid,
		Bid:       bid,
		Ask:       ask,
		Spread:    spread,
	})

	if a.hub != nil {
		a.hub.Broadcast(feed.Event{
			Type:    "quote",
			AgentID: a.cfg.ID,
			Price:   mid.String(),
			Bid:     bid.String(),
			Ask:     ask.String(),
		})
	}
}

func (a *TraderAgent) recordMarketData(point model.MarketData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, point)
	if len(a.history) > marketHistoryLimit {
		a.history = a.history[len(a.history)-marketHistoryLimit:]
	}
}

// matchBook crosses the book and notifies both sides of each fill.
func (a *TraderAgent) matchBook(_ context.Context) {
	matches := a.book.MatchAll()
	if len(matches) == 0 {
		return
	}

	now := time.Now()
	for _, m := range matches {
		tx := model.TransactionProposal{
			TransactionID:  uuid.New().String(),
			CreditAmount:   m.Amount,
			PricePerCredit: m.Price,
			TotalAmount:    m.Amount.Mul(m.Price),
			SellerAgentID:  m.SellerAgentID,
			BuyerAgentID:   m.BuyerAgentID,
			Status:         model.TxAccepted,
			ExpirationTime: now.Add(proposalExpiry).UnixMilli(),
		}
		if m.BuyerAgentID != a.cfg.ID {
			a.sendMessage(m.BuyerAgentID, model.MsgTransactionAccept, tx)
		}
		if m.SellerAgentID != a.cfg.ID {
			a.sendMessage(m.SellerAgentID, model.MsgTransactionAccept, tx)
		}

		a.settleOwnSide(m)

		metrics.TradesMatched.Inc()
		vol, _ := m.Amount.Float64()
		metrics.MatchedVolume.Add(vol)

		if a.hub != nil {
			a.hub.Broadcast(feed.Event{
				Type:          "match",
				BuyerAgentID:  m.BuyerAgentID,
				SellerAgentID: m.SellerAgentID,
				Price:         m.Price.String(),
				Amount:        m.Amount.String(),
			})
		}

		slog.Info("trader: matched",
			"id", a.cfg.ID, "buyer", m.BuyerAgentID, "seller", m.SellerAgentID,
			"amount", m.Amount.String(), "price", m.Price.String())
	}

	last := matches[len(matches)-1].Price
	a.mu.Lock()
	a.lastPrice = last
	a.perf.TotalTrades += len(matches)
	a.perf.SuccessfulTrades += len(matches)
	a.mu.Unlock()
}

// settleOwnSide applies a fill against the trader's own rebalancing orders.
func (a *TraderAgent) settleOwnSide(m market.Match) {
	total := m.Amount.Mul(m.Price)
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.cfg.ID {
	case m.BuyerAgentID:
		a.credits = a.credits.Add(m.Amount)
		a.hbar = a.hbar.Sub(total)
		a.perf.TotalExpenses = a.perf.TotalExpenses.Add(total)
		a.perf.TotalVolume = a.perf.TotalVolume.Add(m.Amount)
	case m.SellerAgentID:
		a.credits = a.credits.Sub(m.Amount)
		a.hbar = a.hbar.Add(total)
		a.perf.TotalRevenue = a.perf.TotalRevenue.Add(total)
		a.perf.TotalVolume = a.perf.TotalVolume.Add(m.Amount)
	}
}

// updateVolatility recomputes realized volatility over the recent price
// window and adjusts the quoted spread.
func (a *TraderAgent) updateVolatility(_ context.Context) {
	a.mu.Lock()
	prices := make([]decimal.Decimal, 0, len(a.history))
	for _, p := range a.history {
		prices = append(prices, p.Price)
	}
	threshold := a.cfg.VolatilityThreshold
	spread := a.spreadPct
	a.mu.Unlock()

	if len(prices) < 2 {
		return
	}

	vol := market.Volatility(prices)
	adjusted := market.AdjustSpread(spread, vol, threshold)

	a.mu.Lock()
	a.volatility = vol
	a.spreadPct = adjusted
	a.mu.Unlock()

	slog.Debug("trader: spread adjusted",
		"id", a.cfg.ID, "volatility", vol.String(), "spread", adjusted.String())
}

// handleTransactionProposal is the oracle role: proposals priced more than
// 10% away from the trader's market price are rejected, citing it; anything
// within the band is accepted by echoing the proposal. With no reference
// price the trader stays silent rather than guess.
func (a *TraderAgent) handleTransactionProposal(_ context.Context, msg model.Message) error {
	tx, ok := payloadAs[model.TransactionProposal](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid TRANSACTION_PROPOSAL payload from %s", msg.From)
	}

	marketPrice, ok := a.book.Mid()
	if !ok {
		a.mu.Lock()
		marketPrice = a.lastPrice
		a.mu.Unlock()
	}
	if marketPrice.LessThanOrEqual(decimal.Zero) {
		// No reference price yet.
		return nil
	}

	deviation := tx.PricePerCredit.Sub(marketPrice).Abs().Div(marketPrice)
	if deviation.GreaterThan(oracleDeviationPct) {
		metrics.TransactionsRejected.WithLabelValues("mispriced").Inc()
		a.sendMessage(msg.From, model.MsgTransactionReject, model.TransactionReject{
			TransactionID: tx.TransactionID,
			Reason:        "price deviates more than 10% from market",
			MarketPrice:   marketPrice,
		})
		return nil
	}

	tx.Status = model.TxAccepted
	a.sendMessage(msg.From, model.MsgTransactionAccept, tx)
	return nil
}

// MarketSnapshot returns the trader's current market view for the API.
func (a *TraderAgent) MarketSnapshot() (last, vol, spread decimal.Decimal, history []model.MarketData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	history = make([]model.MarketData, len(a.history))
	copy(history, a.history)
	return a.lastPrice, a.volatility, a.spreadPct, history
}
