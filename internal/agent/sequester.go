package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/bus"
	"github.com/carbongrid/agent-engine/internal/credits"
	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/model"
)

// proposalExpiry is how long a sequester's transaction proposal stays valid.
const proposalExpiry = 5 * time.Minute

// negotiationBand is the fraction of the current price within which a
// counter-offer is accepted.
var negotiationBand = decimal.NewFromFloat(0.10)

// SequesterAgent generates carbon credits from device telemetry via the
// issuance engine and sells them: it advertises offers, answers requests,
// negotiates price, and settles accepted trades.
type SequesterAgent struct {
	*runtime
	engine *credits.Engine

	// Owned by the loop goroutine; guarded by runtime.mu because
	// Statistics readers also look at credits.
	price decimal.Decimal

	// proposals the agent has sent, awaiting accept/reject.
	pending map[string]model.TransactionProposal
}

// NewSequesterAgent constructs a sequester agent around the issuance engine.
func NewSequesterAgent(cfg Config, b *bus.Bus, engine *credits.Engine) *SequesterAgent {
	a := &SequesterAgent{
		runtime: newRuntime(cfg, b),
		engine:  engine,
		price:   cfg.PricePerCredit,
		pending: make(map[string]model.TransactionProposal),
	}
	if a.price.LessThanOrEqual(decimal.Zero) {
		a.price = decimal.NewFromInt(1)
	}

	a.registerBaseHandlers()
	a.registerHandler(model.MsgCreditRequest, a.handleCreditRequest)
	a.registerHandler(model.MsgPriceNegotiation, a.handlePriceNegotiation)
	a.registerHandler(model.MsgTransactionAccept, a.handleTransactionAccept)
	a.registerHandler(model.MsgTransactionProposal, a.handleTransactionAccept)
	a.registerHandler(model.MsgTransactionReject, a.handleTransactionReject)

	a.addTick(cfg.GenerateInterval, a.generateCredits)
	return a
}

// Initialize starts the agent's loop.
func (a *SequesterAgent) Initialize(ctx context.Context) error {
	return a.start(ctx)
}

// generateCredits runs the issuance engine over the latest window and
// advertises an offer once enough credits have accumulated.
func (a *SequesterAgent) generateCredits(ctx context.Context) {
	window := a.engine.Window(time.Now().UTC())
	result, err := a.engine.CalculateAndMint(ctx, a.cfg.DeviceID, a.cfg.OwnerID, window)
	if err != nil {
		slog.Error("sequester: credit calculation failed",
			"id", a.cfg.ID, "device", a.cfg.DeviceID, "err", err)
		return
	}
	if !result.CanMint {
		slog.Debug("sequester: no mint this window",
			"id", a.cfg.ID, "device", a.cfg.DeviceID, "reason", result.Reason)
		return
	}

	a.mu.Lock()
	a.credits = a.credits.Add(result.CreditsEarned)
	available := a.credits
	price := a.price
	a.mu.Unlock()

	if available.GreaterThanOrEqual(a.cfg.MinCreditsPerOffer) {
		a.broadcastOffer(available, price)
	}
}

func (a *SequesterAgent) broadcastOffer(amount, price decimal.Decimal) {
	a.sendMessage(model.Broadcast, model.MsgCreditOffer, model.CreditOffer{
		CreditAmount:   amount,
		PricePerCredit: price,
		SellerAgentID:  a.cfg.ID,
		CreditType:     model.CreditTypeSequester,
		ExpirationTime: time.Now().Add(proposalExpiry).UnixMilli(),
		Metadata: model.OfferMetadata{
			Source:           a.cfg.DeviceID,
			VerificationData: "telemetry-verified",
			Quality:          model.QualityHigh,
		},
	})
}

// handleCreditRequest answers a buyer: reject when short on credits,
// negotiate when the buyer's ceiling is below our price, otherwise propose.
func (a *SequesterAgent) handleCreditRequest(_ context.Context, msg model.Message) error {
	req, ok := payloadAs[model.CreditRequest](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid CREDIT_REQUEST payload from %s", msg.From)
	}
	if req.Deadline > 0 && time.Now().UnixMilli() > req.Deadline {
		// Expired requests are dropped, not escalated.
		return nil
	}

	a.mu.Lock()
	available := a.credits
	price := a.price
	a.mu.Unlock()

	if available.LessThan(req.CreditAmount) {
		metrics.TransactionsRejected.WithLabelValues("insufficient_credits").Inc()
		a.sendMessage(msg.From, model.MsgTransactionReject, model.TransactionReject{
			Reason: "insufficient credits",
		})
		return nil
	}

	if price.GreaterThan(req.MaxPricePerCredit) {
		a.sendMessage(msg.From, model.MsgPriceNegotiation, model.PriceNegotiation{
			CounterPrice: price,
			CreditAmount: req.CreditAmount,
			Reason:       "price above requested maximum",
		})
		return nil
	}

	a.propose(msg.From, req.CreditAmount, price)
	return nil
}

func (a *SequesterAgent) propose(buyer string, amount, price decimal.Decimal) {
	proposal := model.TransactionProposal{
		TransactionID:  uuid.New().String(),
		CreditAmount:   amount,
		PricePerCredit: price,
		TotalAmount:    amount.Mul(price),
		SellerAgentID:  a.cfg.ID,
		BuyerAgentID:   buyer,
		Status:         model.TxProposed,
		ExpirationTime: time.Now().Add(proposalExpiry).UnixMilli(),
	}
	a.pending[proposal.TransactionID] = proposal
	a.sendMessage(buyer, model.MsgTransactionProposal, proposal)
}

// handlePriceNegotiation accepts a counter within 10% of the current price
// and otherwise holds firm, restating the price.
func (a *SequesterAgent) handlePriceNegotiation(_ context.Context, msg model.Message) error {
	neg, ok := payloadAs[model.PriceNegotiation](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid PRICE_NEGOTIATION payload from %s", msg.From)
	}

	a.mu.Lock()
	price := a.price
	a.mu.Unlock()

	floor := price.Mul(decimal.NewFromInt(1).Sub(negotiationBand))
	if neg.CounterPrice.GreaterThanOrEqual(floor) {
		a.mu.Lock()
		a.price = neg.CounterPrice
		a.mu.Unlock()
		a.propose(msg.From, neg.CreditAmount, neg.CounterPrice)
		return nil
	}

	a.sendMessage(msg.From, model.MsgPriceNegotiation, model.PriceNegotiation{
		CounterPrice: price,
		CreditAmount: neg.CreditAmount,
		Reason:       "counter too far below current price",
	})
	return nil
}

// handleTransactionAccept settles a sale: credits move out, revenue and
// trade counters move up. Echoed proposals confirming an earlier offer are
// treated the same way.
func (a *SequesterAgent) handleTransactionAccept(_ context.Context, msg model.Message) error {
	tx, ok := payloadAs[model.TransactionProposal](msg.Payload)
	if !ok {
		return fmt.Errorf("invalid transaction payload from %s", msg.From)
	}
	if tx.SellerAgentID != a.cfg.ID {
		return nil
	}
	if tx.Expired(time.Now()) {
		return nil
	}
	delete(a.pending, tx.TransactionID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.credits.LessThan(tx.CreditAmount) {
		// Sold elsewhere since proposing; nothing left to transfer.
		slog.Warn("sequester: accept arrived after credits were spent",
			"id", a.cfg.ID, "tx", tx.TransactionID)
		return nil
	}
	a.credits = a.credits.Sub(tx.CreditAmount)
	a.perf.TotalTrades++
	a.perf.SuccessfulTrades++
	a.perf.TotalVolume = a.perf.TotalVolume.Add(tx.CreditAmount)
	a.perf.TotalRevenue = a.perf.TotalRevenue.Add(tx.TotalAmount)
	a.lastActivity = time.Now()

	slog.Info("sequester: sale settled",
		"id", a.cfg.ID, "tx", tx.TransactionID,
		"amount", tx.CreditAmount.String(), "total", tx.TotalAmount.String())
	return nil
}

func (a *SequesterAgent) handleTransactionReject(_ context.Context, msg model.Message) error {
	rej, ok := payloadAs[model.TransactionReject](msg.Payload)
	if !ok {
		return nil
	}
	delete(a.pending, rej.TransactionID)
	slog.Debug("sequester: proposal rejected",
		"id", a.cfg.ID, "tx", rej.TransactionID, "reason", rej.Reason)
	return nil
}
