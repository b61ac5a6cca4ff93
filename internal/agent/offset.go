package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/bus"
	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/model"
	"github.com/carbongrid/agent-engine/internal/risk"
)

// Offer acceptance floors: tiny offers are not worth a round-trip, and a
// single purchase is capped so one seller cannot absorb the whole budget.
var (
	minOfferAmount = decimal.NewFromInt(10)
	maxBuyAmount   = decimal.NewFromInt(50)
)

const requirementTTL = time.Hour

// OffsetRequirement is one outstanding emissions obligation the agent must
// cover by buying credits.
type OffsetRequirement struct {
	Amount   decimal.Decimal
	Deadline time.Time
	Priority string // LOW | MEDIUM | HIGH
}

// OffsetAgent buys credits to cover emissions obligations, constrained by a
// per-credit price ceiling, its HBAR balance, and a monthly budget.
type OffsetAgent struct {
	*runtime
	limiter *risk.BudgetLimiter

	// Loop-owned; guarded by runtime.mu for Statistics readers.
	requirements    []OffsetRequirement
	monthlySpending decimal.Decimal
	spendingMonth   time.Month

	// sellers we already countered this round, to avoid haggling loops.
	countered map[string]bool
}

// NewOffsetAgent constructs an offset buyer.
func NewOffsetAgent(cfg Config, b *bus.Bus) *OffsetAgent {
	a := &OffsetAgent{
		runtime:       newRuntime(cfg, b),
		limiter:       risk.NewBudgetLimiter(cfg.MonthlyBudget),
		spendingMonth: time.Now().Month(),
		countered:     make(map[string]bool),
	}

	a.registerBaseHandlers()
	a.registerHandler(model.MsgCreditOffer, a.handleCreditOffer)
	a.registerHandler(model.MsgTransactionProposal, a.handleTransactionProposal)
	a.registerHandler(model.MsgTransactionAccept, a.handleTransactionAccept)
	a.registerHandler(model.MsgPriceNegotiation, a.handlePriceNegotiation)
	a.registerHandler(model.MsgTransactionReject, a.handleReject)

	a.addTick(cfg.RequestInterval, a.pursueRequirements)
	return a
}

// Initialize starts the agent's loop.
func (a *OffsetAgent) Initialize(ctx context.Context) error {
	return a.start(ctx)
}

// pursueRequirements synthesizes new obligations, expires stale ones, and
// broadcasts a request for the most urgent affordable requirement.
func (a *OffsetAgent) pursueRequirements(_ context.Context) {
	now := time.Now()
	a.rollMonth(now)

	a.mu.Lock()
	live := a.requirements[:0]
	for _, req := range a.requirements {
		if now.Before(req.Deadline) {
			live = append(live, req)
		}
	}
	a.requirements = live

	if len(a.requirements) < 3 {
		a.requirements = append(a.requirements, newRequirement(now))
	}

	hbar := a.hbar
	spending := a.monthlySpending
	a.mu.Unlock()

	for _, req := range a.requirements {
		cost := req.Amount.Mul(a.cfg.MaxPricePerCredit)
		if err := a.limiter.CheckSpend(cost, hbar, spending); err != nil {
			slog.Debug("offset: requirement deferred",
				"id", a.cfg.ID, "amount", req.Amount.String(), "err", err)
			continue
		}
		a.sendMessage(model.Broadcast, model.MsgCreditRequest, model.CreditRequest{
			CreditAmount:      req.Amount,
			MaxPricePerCredit: a.cfg.MaxPricePerCredit,
			BuyerAgentID:      a.cfg.ID,
			CreditType:        model.CreditTypeSequester,
			Urgency:           req.Priority,
			Deadline:          req.Deadline.UnixMilli(),
		})
	}
}

func newRequirement(now time.Time) OffsetRequirement {
	priorities := []string{"LOW", "MEDIUM", "HIGH"}
	return OffsetRequirement{
		Amount:   decimal.NewFromInt(10 + rand.Int63n(91)), // 10–100 credits
		Deadline: now.Add(requirementTTL),
		Priority: priorities[rand.Intn(len(priorities))],
	}
}

// rollMonth resets the spending counter when the calendar month changes.
func (a *OffsetAgent) rollMonth(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Month() != a.spendingMonth {
		a.spendingMonth = now.Month()
		a.monthlySpending = decimal.Zero
	}
}

// handleCreditOffer evaluates a broadcast offer and answers with a directed
// request when the price, size, and budget all fit.
func (a *OffsetAgent) handleCreditOffer(_ context.Context, msg model.Message) error {
	offer, ok := payloadAs[model.CreditOffer](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid CREDIT_OFFER payload from %s", msg.From)
	}
	if offer.Expired(time.Now()) {
		return nil
	}
	if offer.PricePerCredit.GreaterThan(a.cfg.MaxPricePerCredit) {
		slog.Debug("offset: offer over price ceiling",
			"id", a.cfg.ID, "seller", offer.SellerAgentID,
			"price", offer.PricePerCredit.String())
		return nil
	}
	if offer.CreditAmount.LessThan(minOfferAmount) {
		return nil
	}

	amount := offer.CreditAmount
	if amount.GreaterThan(maxBuyAmount) {
		amount = maxBuyAmount
	}

	a.mu.Lock()
	hbar := a.hbar
	spending := a.monthlySpending
	a.mu.Unlock()

	cost := amount.Mul(offer.PricePerCredit)
	if err := a.limiter.CheckSpend(cost, hbar, spending); err != nil {
		slog.Debug("offset: offer unaffordable",
			"id", a.cfg.ID, "seller", offer.SellerAgentID, "err", err)
		return nil
	}

	a.sendMessage(offer.SellerAgentID, model.MsgCreditRequest, model.CreditRequest{
		CreditAmount:      amount,
		MaxPricePerCredit: a.cfg.MaxPricePerCredit,
		BuyerAgentID:      a.cfg.ID,
		CreditType:        offer.CreditType,
		Urgency:           "MEDIUM",
	})
	return nil
}

// handleTransactionProposal is the buy path: validate funds and budget,
// run the risk-gated execution, then confirm to the seller.
func (a *OffsetAgent) handleTransactionProposal(ctx context.Context, msg model.Message) error {
	tx, ok := payloadAs[model.TransactionProposal](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid TRANSACTION_PROPOSAL payload from %s", msg.From)
	}
	if tx.BuyerAgentID != a.cfg.ID || tx.Expired(time.Now()) {
		return nil
	}

	a.mu.Lock()
	hbar := a.hbar
	spending := a.monthlySpending
	a.mu.Unlock()

	if err := a.limiter.CheckSpend(tx.TotalAmount, hbar, spending); err != nil {
		reason := "monthly budget exceeded"
		if errors.Is(err, risk.ErrInsufficientBalance) {
			reason = "insufficient hbar balance"
		}
		metrics.TransactionsRejected.WithLabelValues("budget").Inc()
		a.sendMessage(msg.From, model.MsgTransactionReject, model.TransactionReject{
			TransactionID: tx.TransactionID,
			Reason:        reason,
		})
		return nil
	}

	description := fmt.Sprintf("purchase %s credits from %s",
		tx.CreditAmount.String(), tx.SellerAgentID)
	if !a.executeTransaction(ctx, tx.TransactionID, tx.TotalAmount, tx.SellerAgentID, description) {
		metrics.TransactionsRejected.WithLabelValues("not_approved").Inc()
		a.sendMessage(msg.From, model.MsgTransactionReject, model.TransactionReject{
			TransactionID: tx.TransactionID,
			Reason:        "transaction not approved",
		})
		return nil
	}

	a.mu.Lock()
	a.applyPurchaseLocked(tx.CreditAmount, tx.TotalAmount)
	a.mu.Unlock()

	delete(a.countered, tx.SellerAgentID)

	tx.Status = model.TxAccepted
	a.sendMessage(msg.From, model.MsgTransactionAccept, tx)

	slog.Info("offset: purchase settled",
		"id", a.cfg.ID, "tx", tx.TransactionID,
		"amount", tx.CreditAmount.String(), "total", tx.TotalAmount.String())
	return nil
}

// handleTransactionAccept settles a fill executed on the agent's behalf by
// a market maker crossing the book: the agent never saw a proposal, so the
// full buy side is recorded here.
func (a *OffsetAgent) handleTransactionAccept(_ context.Context, msg model.Message) error {
	tx, ok := payloadAs[model.TransactionProposal](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid TRANSACTION_ACCEPT payload from %s", msg.From)
	}
	if tx.BuyerAgentID != a.cfg.ID || tx.Expired(time.Now()) {
		return nil
	}

	a.mu.Lock()
	a.hbar = a.hbar.Sub(tx.TotalAmount)
	a.perf.TotalTrades++
	a.perf.SuccessfulTrades++
	a.perf.TotalExpenses = a.perf.TotalExpenses.Add(tx.TotalAmount)
	a.applyPurchaseLocked(tx.CreditAmount, tx.TotalAmount)
	a.lastActivity = time.Now()
	a.mu.Unlock()

	slog.Info("offset: matched purchase settled",
		"id", a.cfg.ID, "tx", tx.TransactionID,
		"amount", tx.CreditAmount.String(), "total", tx.TotalAmount.String())
	return nil
}

// applyPurchaseLocked records bought credits against balances and
// outstanding obligations. Callers hold mu.
func (a *OffsetAgent) applyPurchaseLocked(amount, total decimal.Decimal) {
	a.credits = a.credits.Add(amount)
	a.monthlySpending = a.monthlySpending.Add(total)
	a.perf.TotalVolume = a.perf.TotalVolume.Add(amount)
	a.consumeRequirementLocked(amount)
}

// consumeRequirementLocked applies bought credits to outstanding
// obligations oldest-first. Callers hold mu.
func (a *OffsetAgent) consumeRequirementLocked(amount decimal.Decimal) {
	remaining := amount
	live := a.requirements[:0]
	for _, req := range a.requirements {
		if remaining.GreaterThanOrEqual(req.Amount) {
			remaining = remaining.Sub(req.Amount)
			continue
		}
		req.Amount = req.Amount.Sub(remaining)
		remaining = decimal.Zero
		live = append(live, req)
	}
	a.requirements = live
}

// handlePriceNegotiation answers a seller's counter: take it when it fits
// under the ceiling, counter once at the ceiling otherwise, then walk away.
func (a *OffsetAgent) handlePriceNegotiation(_ context.Context, msg model.Message) error {
	neg, ok := payloadAs[model.PriceNegotiation](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid PRICE_NEGOTIATION payload from %s", msg.From)
	}

	if neg.CounterPrice.LessThanOrEqual(a.cfg.MaxPricePerCredit) {
		delete(a.countered, msg.From)
		a.sendMessage(msg.From, model.MsgCreditRequest, model.CreditRequest{
			CreditAmount:      neg.CreditAmount,
			MaxPricePerCredit: neg.CounterPrice,
			BuyerAgentID:      a.cfg.ID,
			CreditType:        model.CreditTypeSequester,
			Urgency:           "MEDIUM",
		})
		return nil
	}

	if a.countered[msg.From] {
		// Already countered once; stop haggling with this seller.
		delete(a.countered, msg.From)
		return nil
	}
	a.countered[msg.From] = true
	a.sendMessage(msg.From, model.MsgPriceNegotiation, model.PriceNegotiation{
		CounterPrice: a.cfg.MaxPricePerCredit,
		CreditAmount: neg.CreditAmount,
		Reason:       "counter at buyer price ceiling",
	})
	return nil
}

func (a *OffsetAgent) handleReject(_ context.Context, msg model.Message) error {
	rej, ok := payloadAs[model.TransactionReject](msg.Payload)
	if !ok {
		return nil
	}
	slog.Debug("offset: request rejected",
		"id", a.cfg.ID, "from", msg.From, "reason", rej.Reason)
	return nil
}
