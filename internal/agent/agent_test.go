package agent

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/bus"
	"github.com/carbongrid/agent-engine/internal/credits"
	"github.com/carbongrid/agent-engine/internal/market"
	"github.com/carbongrid/agent-engine/internal/model"
	"github.com/carbongrid/agent-engine/internal/risk"
	"github.com/carbongrid/agent-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func marketOrder(price, amount decimal.Decimal, agentID string) market.Order {
	return market.Order{Price: price, Amount: amount, AgentID: agentID}
}

func marketPoint(price decimal.Decimal) model.MarketData {
	return model.MarketData{Timestamp: time.Now(), Price: price}
}

// drainOne fetches the single pending message for an agent ID.
func drainOne(t *testing.T, b *bus.Bus, id string) model.Message {
	t.Helper()
	msgs, err := b.Drain(id)
	if err != nil {
		t.Fatalf("drain %s: %v", id, err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message for %s, got %d", id, len(msgs))
	}
	return msgs[0]
}

func testEngine() *credits.Engine {
	return credits.NewEngine(store.NewMemoryStore(), credits.DefaultConfig(), nil)
}

// --- Runtime lifecycle ---

func TestRuntime_Lifecycle(t *testing.T) {
	b := bus.New()
	r := newRuntime(Config{ID: "a1", Type: TypeOffset}, b)

	if r.State() != StateCreated {
		t.Fatalf("expected CREATED, got %s", r.State())
	}
	if err := r.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.State() != StateRunning {
		t.Errorf("expected RUNNING, got %s", r.State())
	}
	if err := r.start(context.Background()); err == nil {
		t.Error("starting a running agent must fail")
	}

	r.Shutdown()
	if r.State() != StateStopped {
		t.Errorf("expected STOPPED, got %s", r.State())
	}

	// A stopped agent can be started again.
	if err := r.start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	r.Shutdown()
}

func TestRuntime_UnknownMessageDropped(t *testing.T) {
	b := bus.New()
	r := newRuntime(Config{ID: "a1", Type: TypeOffset}, b)
	r.registerBaseHandlers()

	// No handler registered for CREDIT_OFFER on the bare runtime.
	r.processMessage(context.Background(), model.NewMessage("peer", "a1", model.MsgCreditOffer, nil))
	// Nothing to assert beyond "does not panic"; the sender gets no error.
}

func TestRuntime_HandlerErrorNotifiesSender(t *testing.T) {
	b := bus.New()
	b.Subscribe("peer")
	r := newRuntime(Config{ID: "a1", Type: TypeOffset}, b)
	r.registerHandler(model.MsgCreditOffer, func(context.Context, model.Message) error {
		panic("boom")
	})

	r.processMessage(context.Background(), model.NewMessage("peer", "a1", model.MsgCreditOffer, nil))

	msg := drainOne(t, b, "peer")
	if msg.Type != model.MsgError {
		t.Fatalf("expected ERROR message, got %s", msg.Type)
	}
	p, ok := payloadAs[model.ErrorPayload](msg.Payload)
	if !ok || p.Code != "HANDLER_ERROR" {
		t.Errorf("unexpected error payload: %+v", msg.Payload)
	}
}

// --- Transactions and approval ---

func TestExecuteTransaction_DebitsAndSettles(t *testing.T) {
	b := bus.New()
	r := newRuntime(Config{
		ID:              "a1",
		Type:            TypeOffset,
		InitialHbar:     d(10),
		SettlementDelay: 10 * time.Millisecond,
	}, b)

	if !r.executeTransaction(context.Background(), "tx1", d(4), "peer", "test buy") {
		t.Fatal("transaction should execute")
	}

	stats := r.Statistics()
	if !stats.HbarBalance.Equal(d(6)) {
		t.Errorf("expected balance 6, got %s", stats.HbarBalance)
	}
	if stats.ActiveTxs != 1 || stats.Performance.TotalTrades != 1 {
		t.Errorf("expected one active trade, got %+v", stats)
	}

	time.Sleep(50 * time.Millisecond)
	stats = r.Statistics()
	if stats.ActiveTxs != 0 || stats.Performance.SuccessfulTrades != 1 {
		t.Errorf("settlement did not complete: %+v", stats)
	}
}

func TestExecuteTransaction_InsufficientHbar(t *testing.T) {
	b := bus.New()
	r := newRuntime(Config{ID: "a1", Type: TypeOffset, InitialHbar: d(3)}, b)

	if r.executeTransaction(context.Background(), "tx1", d(5), "peer", "too big") {
		t.Error("transaction above the balance must not execute")
	}
	if stats := r.Statistics(); !stats.HbarBalance.Equal(d(3)) {
		t.Errorf("balance must be untouched, got %s", stats.HbarBalance)
	}
}

func TestApproval_TimeoutRejects(t *testing.T) {
	b := bus.New()
	b.Subscribe(model.SystemAgentID)
	r := newRuntime(Config{
		ID:                   "a1",
		Type:                 TypeOffset,
		InitialHbar:          d(100),
		RequireApproval:      true,
		ApprovalTimeout:      30 * time.Millisecond,
		MaxTransactionAmount: d(100),
	}, b)
	r.inbox = b.Subscribe("a1")

	if r.executeTransaction(context.Background(), "tx1", d(10), "peer", "needs approval") {
		t.Error("unanswered approval must reject after timeout")
	}

	msg := drainOne(t, b, model.SystemAgentID)
	if msg.Type != model.MsgHumanApprovalRequest {
		t.Fatalf("expected approval request, got %s", msg.Type)
	}
	req, _ := payloadAs[model.ApprovalRequest](msg.Payload)
	if req.AgentID != "a1" || req.TransactionID != "tx1" {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestApproval_ResponseUnblocks(t *testing.T) {
	b := bus.New()
	system := b.Subscribe(model.SystemAgentID)
	r := newRuntime(Config{
		ID:                   "a1",
		Type:                 TypeOffset,
		InitialHbar:          d(100),
		RequireApproval:      true,
		ApprovalTimeout:      time.Second,
		MaxTransactionAmount: d(100),
	}, b)
	r.inbox = b.Subscribe("a1")

	go func() {
		msg := <-system
		req, _ := payloadAs[model.ApprovalRequest](msg.Payload)
		b.Send(model.NewMessage(model.SystemAgentID, "a1",
			model.MsgHumanApprovalResponse, model.ApprovalResponse{
				RequestID: req.RequestID,
				Approved:  true,
			}))
	}()

	if !r.executeTransaction(context.Background(), "tx1", d(10), "peer", "approved buy") {
		t.Error("approved transaction should execute")
	}
	if stats := r.Statistics(); !stats.HbarBalance.Equal(d(90)) {
		t.Errorf("expected balance 90, got %s", stats.HbarBalance)
	}
}

func TestApproval_BuffersUnrelatedMessages(t *testing.T) {
	b := bus.New()
	system := b.Subscribe(model.SystemAgentID)
	r := newRuntime(Config{
		ID:                   "a1",
		Type:                 TypeOffset,
		InitialHbar:          d(100),
		RequireApproval:      true,
		ApprovalTimeout:      time.Second,
		MaxTransactionAmount: d(100),
	}, b)
	r.inbox = b.Subscribe("a1")

	go func() {
		msg := <-system
		req, _ := payloadAs[model.ApprovalRequest](msg.Payload)
		// An unrelated message lands first; it must be buffered, not lost.
		b.Send(model.NewMessage("peer", "a1", model.MsgCreditOffer, model.CreditOffer{}))
		b.Send(model.NewMessage(model.SystemAgentID, "a1",
			model.MsgHumanApprovalResponse, model.ApprovalResponse{
				RequestID: req.RequestID,
				Approved:  true,
			}))
	}()

	if !r.executeTransaction(context.Background(), "tx1", d(10), "peer", "buy") {
		t.Fatal("approved transaction should execute")
	}
	if len(r.backlog) != 1 || r.backlog[0].Type != model.MsgCreditOffer {
		t.Errorf("unrelated message should be in the backlog: %+v", r.backlog)
	}
}

// --- Sequester agent ---

func TestSequester_RejectsWhenShortOnCredits(t *testing.T) {
	b := bus.New()
	b.Subscribe("buyer")
	a := NewSequesterAgent(Config{
		ID: "seq", Type: TypeSequester, PricePerCredit: d(1),
	}, b, testEngine())

	err := a.handleCreditRequest(context.Background(), model.NewMessage("buyer", "seq",
		model.MsgCreditRequest, model.CreditRequest{
			CreditAmount:      d(50),
			MaxPricePerCredit: d(2),
			BuyerAgentID:      "buyer",
		}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := drainOne(t, b, "buyer")
	if msg.Type != model.MsgTransactionReject {
		t.Fatalf("expected reject, got %s", msg.Type)
	}
	rej, _ := payloadAs[model.TransactionReject](msg.Payload)
	if rej.Reason != "insufficient credits" {
		t.Errorf("unexpected reason %q", rej.Reason)
	}
}

func TestSequester_NegotiatesWhenPriceTooLow(t *testing.T) {
	b := bus.New()
	b.Subscribe("buyer")
	a := NewSequesterAgent(Config{
		ID: "seq", Type: TypeSequester, PricePerCredit: d(2),
	}, b, testEngine())
	a.credits = d(100)

	a.handleCreditRequest(context.Background(), model.NewMessage("buyer", "seq",
		model.MsgCreditRequest, model.CreditRequest{
			CreditAmount:      d(10),
			MaxPricePerCredit: d(1),
			BuyerAgentID:      "buyer",
		}))

	msg := drainOne(t, b, "buyer")
	if msg.Type != model.MsgPriceNegotiation {
		t.Fatalf("expected negotiation, got %s", msg.Type)
	}
	neg, _ := payloadAs[model.PriceNegotiation](msg.Payload)
	if !neg.CounterPrice.Equal(d(2)) {
		t.Errorf("counter should restate the price, got %s", neg.CounterPrice)
	}
}

func TestSequester_ProposesWhenPriceFits(t *testing.T) {
	b := bus.New()
	b.Subscribe("buyer")
	a := NewSequesterAgent(Config{
		ID: "seq", Type: TypeSequester, PricePerCredit: d(1),
	}, b, testEngine())
	a.credits = d(100)

	a.handleCreditRequest(context.Background(), model.NewMessage("buyer", "seq",
		model.MsgCreditRequest, model.CreditRequest{
			CreditAmount:      d(10),
			MaxPricePerCredit: d(2),
			BuyerAgentID:      "buyer",
		}))

	msg := drainOne(t, b, "buyer")
	if msg.Type != model.MsgTransactionProposal {
		t.Fatalf("expected proposal, got %s", msg.Type)
	}
	tx, _ := payloadAs[model.TransactionProposal](msg.Payload)
	if !tx.TotalAmount.Equal(d(10)) {
		t.Errorf("expected total 10, got %s", tx.TotalAmount)
	}
	if tx.SellerAgentID != "seq" || tx.BuyerAgentID != "buyer" {
		t.Errorf("wrong parties: %+v", tx)
	}
}

func TestSequester_AcceptsCounterWithinTenPercent(t *testing.T) {
	b := bus.New()
	b.Subscribe("buyer")
	a := NewSequesterAgent(Config{
		ID: "seq", Type: TypeSequester, PricePerCredit: d(1.00),
	}, b, testEngine())
	a.credits = d(100)

	a.handlePriceNegotiation(context.Background(), model.NewMessage("buyer", "seq",
		model.MsgPriceNegotiation, model.PriceNegotiation{
			CounterPrice: d(0.95),
			CreditAmount: d(10),
		}))

	msg := drainOne(t, b, "buyer")
	if msg.Type != model.MsgTransactionProposal {
		t.Fatalf("counter within 10%% should yield a proposal, got %s", msg.Type)
	}
	tx, _ := payloadAs[model.TransactionProposal](msg.Payload)
	if !tx.PricePerCredit.Equal(d(0.95)) {
		t.Errorf("proposal should use the counter price, got %s", tx.PricePerCredit)
	}
	if !a.price.Equal(d(0.95)) {
		t.Errorf("agent price should move to the counter, got %s", a.price)
	}
}

func TestSequester_HoldsFirmOnLowball(t *testing.T) {
	b := bus.New()
	b.Subscribe("buyer")
	a := NewSequesterAgent(Config{
		ID: "seq", Type: TypeSequester, PricePerCredit: d(1.00),
	}, b, testEngine())
	a.credits = d(100)

	a.handlePriceNegotiation(context.Background(), model.NewMessage("buyer", "seq",
		model.MsgPriceNegotiation, model.PriceNegotiation{
			CounterPrice: d(0.50),
			CreditAmount: d(10),
		}))

	msg := drainOne(t, b, "buyer")
	if msg.Type != model.MsgPriceNegotiation {
		t.Fatalf("lowball should be countered, got %s", msg.Type)
	}
	if !a.price.Equal(d(1.00)) {
		t.Errorf("price must not move on a lowball, got %s", a.price)
	}
}

func TestSequester_SettlesSale(t *testing.T) {
	b := bus.New()
	a := NewSequesterAgent(Config{
		ID: "seq", Type: TypeSequester, PricePerCredit: d(1),
	}, b, testEngine())
	a.credits = d(100)

	a.handleTransactionAccept(context.Background(), model.NewMessage("buyer", "seq",
		model.MsgTransactionAccept, model.TransactionProposal{
			TransactionID:  "tx1",
			CreditAmount:   d(30),
			PricePerCredit: d(1),
			TotalAmount:    d(30),
			SellerAgentID:  "seq",
			BuyerAgentID:   "buyer",
			Status:         model.TxAccepted,
		}))

	stats := a.Statistics()
	if !stats.Credits.Equal(d(70)) {
		t.Errorf("expected 70 credits after sale, got %s", stats.Credits)
	}
	if !stats.Performance.TotalRevenue.Equal(d(30)) {
		t.Errorf("expected revenue 30, got %s", stats.Performance.TotalRevenue)
	}
}

// --- Offset agent ---

func TestOffset_IgnoresOfferOverPriceCeiling(t *testing.T) {
	b := bus.New()
	b.Subscribe("seller")
	a := NewOffsetAgent(Config{
		ID: "off", Type: TypeOffset,
		InitialHbar:       d(1000),
		MaxPricePerCredit: d(1.0),
		MonthlyBudget:     d(1000),
	}, b)

	a.handleCreditOffer(context.Background(), model.NewMessage("seller", "off",
		model.MsgCreditOffer, model.CreditOffer{
			CreditAmount:   d(100),
			PricePerCredit: d(1.3),
			SellerAgentID:  "seller",
		}))

	msgs, _ := b.Drain("seller")
	if len(msgs) != 0 {
		t.Errorf("offer above the ceiling must be ignored, got %d messages", len(msgs))
	}
}

func TestOffset_RequestsAffordableOfferCapped(t *testing.T) {
	b := bus.New()
	b.Subscribe("seller")
	a := NewOffsetAgent(Config{
		ID: "off", Type: TypeOffset,
		InitialHbar:       d(1000),
		MaxPricePerCredit: d(2),
		MonthlyBudget:     d(1000),
	}, b)

	a.handleCreditOffer(context.Background(), model.NewMessage("seller", "off",
		model.MsgCreditOffer, model.CreditOffer{
			CreditAmount:   d(200),
			PricePerCredit: d(1),
			SellerAgentID:  "seller",
		}))

	msg := drainOne(t, b, "seller")
	if msg.Type != model.MsgCreditRequest {
		t.Fatalf("expected request, got %s", msg.Type)
	}
	req, _ := payloadAs[model.CreditRequest](msg.Payload)
	if !req.CreditAmount.Equal(maxBuyAmount) {
		t.Errorf("request should be capped at %s, got %s", maxBuyAmount, req.CreditAmount)
	}
}

func TestOffset_RejectsProposalOverBudget(t *testing.T) {
	b := bus.New()
	b.Subscribe("seller")
	a := NewOffsetAgent(Config{
		ID: "off", Type: TypeOffset,
		InitialHbar:       d(10000),
		MaxPricePerCredit: d(2),
		MonthlyBudget:     d(100),
	}, b)

	a.handleTransactionProposal(context.Background(), model.NewMessage("seller", "off",
		model.MsgTransactionProposal, model.TransactionProposal{
			TransactionID:  "tx1",
			CreditAmount:   d(100),
			PricePerCredit: d(2),
			TotalAmount:    d(200),
			SellerAgentID:  "seller",
			BuyerAgentID:   "off",
			Status:         model.TxProposed,
		}))

	msg := drainOne(t, b, "seller")
	if msg.Type != model.MsgTransactionReject {
		t.Fatalf("expected reject, got %s", msg.Type)
	}
	rej, _ := payloadAs[model.TransactionReject](msg.Payload)
	if rej.Reason != "monthly budget exceeded" {
		t.Errorf("unexpected reason %q", rej.Reason)
	}
}

func TestOffset_AcceptsAffordableProposal(t *testing.T) {
	b := bus.New()
	b.Subscribe("seller")
	a := NewOffsetAgent(Config{
		ID: "off", Type: TypeOffset,
		InitialHbar:       d(1000),
		MaxPricePerCredit: d(2),
		MonthlyBudget:     d(1000),
		SettlementDelay:   10 * time.Millisecond,
	}, b)

	a.handleTransactionProposal(context.Background(), model.NewMessage("seller", "off",
		model.MsgTransactionProposal, model.TransactionProposal{
			TransactionID:  "tx1",
			CreditAmount:   d(30),
			PricePerCredit: d(1),
			TotalAmount:    d(30),
			SellerAgentID:  "seller",
			BuyerAgentID:   "off",
			Status:         model.TxProposed,
		}))

	msg := drainOne(t, b, "seller")
	if msg.Type != model.MsgTransactionAccept {
		t.Fatalf("expected accept, got %s", msg.Type)
	}
	tx, _ := payloadAs[model.TransactionProposal](msg.Payload)
	if tx.Status != model.TxAccepted {
		t.Errorf("expected accepted status, got %s", tx.Status)
	}

	stats := a.Statistics()
	if !stats.Credits.Equal(d(30)) {
		t.Errorf("expected 30 credits, got %s", stats.Credits)
	}
	if !stats.HbarBalance.Equal(d(970)) {
		t.Errorf("expected balance 970, got %s", stats.HbarBalance)
	}
	if !a.monthlySpending.Equal(d(30)) {
		t.Errorf("expected monthly spending 30, got %s", a.monthlySpending)
	}
}

func TestOffset_SettlesTraderMatchedFill(t *testing.T) {
	b := bus.New()
	a := NewOffsetAgent(Config{
		ID: "off", Type: TypeOffset,
		InitialHbar:       d(1000),
		MaxPricePerCredit: d(2),
		MonthlyBudget:     d(1000),
	}, b)

	// A market maker crossed the book on the buyer's behalf: the buyer
	// receives TRANSACTION_ACCEPT without ever seeing a proposal.
	a.processMessage(context.Background(), model.NewMessage("trd", "off",
		model.MsgTransactionAccept, model.TransactionProposal{
			TransactionID:  "tx1",
			CreditAmount:   d(30),
			PricePerCredit: d(1),
			TotalAmount:    d(30),
			SellerAgentID:  "seq",
			BuyerAgentID:   "off",
			Status:         model.TxAccepted,
		}))

	stats := a.Statistics()
	if !stats.Credits.Equal(d(30)) {
		t.Errorf("expected 30 purchased credits, got %s", stats.Credits)
	}
	if !stats.HbarBalance.Equal(d(970)) {
		t.Errorf("expected balance 970, got %s", stats.HbarBalance)
	}
	if !stats.Performance.TotalExpenses.Equal(d(30)) {
		t.Errorf("expected expenses 30, got %s", stats.Performance.TotalExpenses)
	}
	if !a.monthlySpending.Equal(d(30)) {
		t.Errorf("expected monthly spending 30, got %s", a.monthlySpending)
	}
	if stats.Performance.TotalTrades != 1 || stats.Performance.SuccessfulTrades != 1 {
		t.Errorf("expected one settled trade, got %+v", stats.Performance)
	}
}

func TestOffset_IgnoresFillForOtherBuyer(t *testing.T) {
	b := bus.New()
	a := NewOffsetAgent(Config{
		ID: "off", Type: TypeOffset,
		InitialHbar:       d(1000),
		MaxPricePerCredit: d(2),
		MonthlyBudget:     d(1000),
	}, b)

	a.processMessage(context.Background(), model.NewMessage("trd", "off",
		model.MsgTransactionAccept, model.TransactionProposal{
			TransactionID: "tx1",
			CreditAmount:  d(30),
			TotalAmount:   d(30),
			BuyerAgentID:  "someone-else",
		}))

	stats := a.Statistics()
	if !stats.Credits.IsZero() || !stats.HbarBalance.Equal(d(1000)) {
		t.Errorf("fill for another buyer must not settle: %+v", stats)
	}
}

func TestOffset_CountersOnceThenWalksAway(t *testing.T) {
	b := bus.New()
	b.Subscribe("seller")
	a := NewOffsetAgent(Config{
		ID: "off", Type: TypeOffset,
		InitialHbar:       d(1000),
		MaxPricePerCredit: d(1),
		MonthlyBudget:     d(1000),
	}, b)

	high := model.PriceNegotiation{CounterPrice: d(1.5), CreditAmount: d(10)}

	a.handlePriceNegotiation(context.Background(), model.NewMessage("seller", "off",
		model.MsgPriceNegotiation, high))
	msg := drainOne(t, b, "seller")
	if msg.Type != model.MsgPriceNegotiation {
		t.Fatalf("expected one counter at the ceiling, got %s", msg.Type)
	}

	a.handlePriceNegotiation(context.Background(), model.NewMessage("seller", "off",
		model.MsgPriceNegotiation, high))
	msgs, _ := b.Drain("seller")
	if len(msgs) != 0 {
		t.Errorf("second high counter should end the haggle, got %d messages", len(msgs))
	}
}

// --- Trader agent ---

func TestTrader_BooksOffersAndRequests(t *testing.T) {
	b := bus.New()
	a := NewTraderAgent(Config{ID: "trd", Type: TypeTrader}, b, nil)

	a.handleCreditOffer(context.Background(), model.NewMessage("seller", "trd",
		model.MsgCreditOffer, model.CreditOffer{
			CreditAmount: d(30), PricePerCredit: d(1.00), SellerAgentID: "seller",
		}))
	a.handleCreditRequest(context.Background(), model.NewMessage("buyer", "trd",
		model.MsgCreditRequest, model.CreditRequest{
			CreditAmount: d(50), MaxPricePerCredit: d(1.10), BuyerAgentID: "buyer",
		}))

	bids, asks := a.book.Depth()
	if bids != 1 || asks != 1 {
		t.Fatalf("expected 1x1 book, got bids=%d asks=%d", bids, asks)
	}
}

func TestTrader_MatchNotifiesBothParties(t *testing.T) {
	b := bus.New()
	b.Subscribe("buyer")
	b.Subscribe("seller")
	a := NewTraderAgent(Config{ID: "trd", Type: TypeTrader}, b, nil)

	a.book.AddBid(marketOrder(d(1.10), d(50), "buyer"))
	a.book.AddAsk(marketOrder(d(1.00), d(30), "seller"))

	a.matchBook(context.Background())

	for _, id := range []string{"buyer", "seller"} {
		msg := drainOne(t, b, id)
		if msg.Type != model.MsgTransactionAccept {
			t.Fatalf("%s expected accept, got %s", id, msg.Type)
		}
		tx, _ := payloadAs[model.TransactionProposal](msg.Payload)
		if !tx.CreditAmount.Equal(d(30)) || !tx.PricePerCredit.Equal(d(1.05)) {
			t.Errorf("%s got wrong fill: %+v", id, tx)
		}
	}

	if !a.lastPrice.Equal(d(1.05)) {
		t.Errorf("last price should track the fill, got %s", a.lastPrice)
	}
}

func TestTrader_OracleRejectsMispricedProposal(t *testing.T) {
	b := bus.New()
	b.Subscribe("peer")
	a := NewTraderAgent(Config{ID: "trd", Type: TypeTrader}, b, nil)

	// Bid 0.90 / ask 1.10 → mid 1.00 without crossing.
	a.book.AddBid(marketOrder(d(0.90), d(10), "x"))
	a.book.AddAsk(marketOrder(d(1.10), d(10), "y"))

	a.handleTransactionProposal(context.Background(), model.NewMessage("peer", "trd",
		model.MsgTransactionProposal, model.TransactionProposal{
			TransactionID:  "tx1",
			PricePerCredit: d(1.20),
			CreditAmount:   d(10),
		}))

	msg := drainOne(t, b, "peer")
	if msg.Type != model.MsgTransactionReject {
		t.Fatalf("expected reject, got %s", msg.Type)
	}
	rej, _ := payloadAs[model.TransactionReject](msg.Payload)
	if !rej.MarketPrice.Equal(d(1.00)) {
		t.Errorf("reject should cite the market price, got %s", rej.MarketPrice)
	}
}

func TestTrader_OracleAcceptsFairPrice(t *testing.T) {
	b := bus.New()
	b.Subscribe("peer")
	a := NewTraderAgent(Config{ID: "trd", Type: TypeTrader}, b, nil)

	a.book.AddBid(marketOrder(d(0.90), d(10), "x"))
	a.book.AddAsk(marketOrder(d(1.10), d(10), "y"))

	a.handleTransactionProposal(context.Background(), model.NewMessage("peer", "trd",
		model.MsgTransactionProposal, model.TransactionProposal{
			TransactionID:  "tx1",
			PricePerCredit: d(1.05),
			CreditAmount:   d(10),
		}))

	msg := drainOne(t, b, "peer")
	if msg.Type != model.MsgTransactionAccept {
		t.Fatalf("within-band proposal must be accepted, got %s", msg.Type)
	}
	tx, _ := payloadAs[model.TransactionProposal](msg.Payload)
	if tx.TransactionID != "tx1" || tx.Status != model.TxAccepted {
		t.Errorf("accept should echo the proposal: %+v", tx)
	}
}

func TestTrader_OracleSilentWithoutReferencePrice(t *testing.T) {
	b := bus.New()
	b.Subscribe("peer")
	a := NewTraderAgent(Config{ID: "trd", Type: TypeTrader}, b, nil)

	a.handleTransactionProposal(context.Background(), model.NewMessage("peer", "trd",
		model.MsgTransactionProposal, model.TransactionProposal{
			TransactionID:  "tx1",
			PricePerCredit: d(1.05),
			CreditAmount:   d(10),
		}))

	msgs, _ := b.Drain("peer")
	if len(msgs) != 0 {
		t.Errorf("empty book gives no opinion, got %d messages", len(msgs))
	}
}

func TestTrader_VolatilityAdjustsSpread(t *testing.T) {
	b := bus.New()
	a := NewTraderAgent(Config{
		ID: "trd", Type: TypeTrader,
		SpreadPct:           d(2),
		VolatilityThreshold: d(5),
	}, b, nil)

	// Calm prices: spread narrows.
	for i := 0; i < 10; i++ {
		a.recordMarketData(marketPoint(d(1.00)))
	}
	a.updateVolatility(context.Background())
	if !a.spreadPct.LessThan(d(2)) {
		t.Errorf("calm market should narrow the spread, got %s", a.spreadPct)
	}

	// Wild prices: spread widens again.
	for i := 0; i < 5; i++ {
		a.recordMarketData(marketPoint(d(1.00)))
		a.recordMarketData(marketPoint(d(3.00)))
	}
	before := a.spreadPct
	a.updateVolatility(context.Background())
	if !a.spreadPct.GreaterThan(before) {
		t.Errorf("volatile market should widen the spread: before=%s after=%s", before, a.spreadPct)
	}
}

// --- Manager ---

func TestManager_ClosedAgentTypeSet(t *testing.T) {
	m := NewManager(bus.New(), testEngine(), nil)

	if _, err := m.AddAgent(Config{ID: "x", Type: "arbitrage"}); err == nil {
		t.Error("unknown agent type must be refused")
	}
	if _, err := m.AddAgent(Config{Type: TypeOffset}); err == nil {
		t.Error("missing ID must be refused")
	}

	if _, err := m.AddAgent(Config{ID: "off", Type: TypeOffset}); err != nil {
		t.Fatalf("valid agent refused: %v", err)
	}
	if _, err := m.AddAgent(Config{ID: "off", Type: TypeOffset}); err == nil {
		t.Error("duplicate ID must be refused")
	}
}

func TestManager_AnswersApprovalByTolerance(t *testing.T) {
	b := bus.New()
	m := NewManager(b, testEngine(), nil)
	m.AddAgent(Config{ID: "off", Type: TypeOffset, RiskTolerance: risk.ToleranceMedium})
	b.Subscribe("off")

	m.answerApproval(model.ApprovalRequest{
		RequestID: "r1", AgentID: "off", TransactionID: "tx1",
		RiskTier: string(risk.TierHigh),
	})
	msg := drainOne(t, b, "off")
	resp, _ := payloadAs[model.ApprovalResponse](msg.Payload)
	if resp.Approved {
		t.Error("HIGH risk must be rejected under MEDIUM tolerance")
	}

	m.answerApproval(model.ApprovalRequest{
		RequestID: "r2", AgentID: "off", TransactionID: "tx2",
		RiskTier: string(risk.TierMedium),
	})
	msg = drainOne(t, b, "off")
	resp, _ = payloadAs[model.ApprovalResponse](msg.Payload)
	if !resp.Approved {
		t.Error("MEDIUM risk must be approved under MEDIUM tolerance")
	}
}

func TestManager_EcosystemStatistics(t *testing.T) {
	b := bus.New()
	m := NewManager(b, testEngine(), nil)

	a1, _ := m.AddAgent(Config{ID: "off", Type: TypeOffset, InitialCredits: d(10), InitialHbar: d(100)})
	a2, _ := m.AddAgent(Config{ID: "trd", Type: TypeTrader, InitialCredits: d(5), InitialHbar: d(50)})

	// Give the trader some recorded activity.
	trd := a2.(*TraderAgent)
	trd.mu.Lock()
	trd.perf.TotalTrades = 2
	trd.perf.TotalVolume = d(40)
	trd.mu.Unlock()

	stats := m.EcosystemStatistics()
	if stats.AgentCount != 2 {
		t.Fatalf("expected 2 agents, got %d", stats.AgentCount)
	}
	if !stats.TotalCredits.Equal(d(15)) {
		t.Errorf("expected total credits 15, got %s", stats.TotalCredits)
	}
	if !stats.TotalHbarBalance.Equal(d(150)) {
		t.Errorf("expected total hbar 150, got %s", stats.TotalHbarBalance)
	}
	if stats.TotalTrades != 2 {
		t.Errorf("expected 2 trades, got %d", stats.TotalTrades)
	}
	// Average price is volume over trades: 40 / 2 = 20.
	if !stats.AveragePrice.Equal(d(20)) {
		t.Errorf("expected average price 20, got %s", stats.AveragePrice)
	}
	if _, ok := stats.Agents[a1.ID()]; !ok {
		t.Error("per-agent snapshot missing")
	}
}

func TestManager_StartAndShutdown(t *testing.T) {
	b := bus.New()
	m := NewManager(b, testEngine(), nil)
	m.AddAgent(Config{ID: "off", Type: TypeOffset, InitialHbar: d(100)})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	a, _ := m.Agent("off")
	if a.Statistics().State != string(StateRunning) {
		t.Errorf("agent should be running, got %s", a.Statistics().State)
	}

	m.Shutdown()
	if a.Statistics().State != string(StateStopped) {
		t.Errorf("agent should be stopped, got %s", a.Statistics().State)
	}
}
