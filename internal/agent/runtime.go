// Package agent implements the autonomous trading actors: a shared runtime
// (lifecycle, heartbeat, dispatch, risk-gated execution), the sequester,
// offset, and trader agent types, and the manager that supervises them.
//
// Agents form a closed set selected by configuration; each is an
// independent actor driven by its own tick loop. All periodic work for one
// agent runs on a single goroutine, so handlers and ticks for the same
// agent never interleave.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/bus"
	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/model"
	"github.com/carbongrid/agent-engine/internal/risk"
)

// State is an agent's lifecycle phase.
type State string

const (
	StateCreated      State = "CREATED"
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateStopped      State = "STOPPED"
)

// Agent types.
const (
	TypeSequester = "sequester"
	TypeOffset    = "offset"
	TypeTrader    = "trader"
)

var (
	// ErrNotRunning is returned when an operation requires a running agent.
	ErrNotRunning = errors.New("agent: not running")

	// ErrInsufficientFunds is returned when a transaction exceeds the
	// agent's HBAR balance.
	ErrInsufficientFunds = errors.New("agent: insufficient hbar balance")
)

// Config describes one agent instance. Type-specific fields are ignored by
// other agent types.
type Config struct {
	ID      string
	Type    string // TypeSequester | TypeOffset | TypeTrader
	OwnerID string

	InitialCredits       decimal.Decimal
	InitialHbar          decimal.Decimal
	MaxTransactionAmount decimal.Decimal
	RequireApproval      bool
	RiskTolerance        risk.Tolerance

	HeartbeatInterval time.Duration // default 30s
	DrainInterval     time.Duration // default 1s
	SettlementDelay   time.Duration // default 2s
	ApprovalTimeout   time.Duration // default 10s

	// Sequester.
	DeviceID           string
	MinCreditsPerOffer decimal.Decimal
	PricePerCredit     decimal.Decimal
	GenerateInterval   time.Duration // default 30s

	// Offset.
	MaxPricePerCredit decimal.Decimal
	MonthlyBudget     decimal.Decimal
	RequestInterval   time.Duration // default 10s

	// Trader.
	SpreadPct           decimal.Decimal // percentage, e.g. 2.0
	VolatilityThreshold decimal.Decimal
	MinInventory        decimal.Decimal
	MaxInventory        decimal.Decimal
	QuoteInterval       time.Duration // default 10s
	MatchInterval       time.Duration // default 5s
	UpdateInterval      time.Duration // default 30s, volatility recompute
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Second
	}
	if c.SettlementDelay <= 0 {
		c.SettlementDelay = 2 * time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 10 * time.Second
	}
	if c.GenerateInterval <= 0 {
		c.GenerateInterval = 30 * time.Second
	}
	if c.RequestInterval <= 0 {
		c.RequestInterval = 10 * time.Second
	}
	if c.QuoteInterval <= 0 {
		c.QuoteInterval = 10 * time.Second
	}
	if c.MatchInterval <= 0 {
		c.MatchInterval = 5 * time.Second
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 30 * time.Second
	}
	if c.RiskTolerance == "" {
		c.RiskTolerance = risk.ToleranceMedium
	}
}

// Agent is the common capability interface for all agent types.
type Agent interface {
	ID() string
	Type() string
	Initialize(ctx context.Context) error
	Shutdown()
	Statistics() model.AgentStatistics
}

// handlerFunc processes one inbound message. A returned error is converted
// to an ERROR message back to the sender; it never crashes the loop.
type handlerFunc func(ctx context.Context, msg model.Message) error

// tick is one periodic job in the agent's single loop.
type tick struct {
	every time.Duration
	fn    func(ctx context.Context)
}

// runtime is the shared actor core embedded by every agent type. State is
// owned exclusively by the agent; only its own loop goroutine and the
// settlement timers touch it, always under mu.
type runtime struct {
	cfg Config
	bus *bus.Bus

	inbox <-chan model.Message

	mu           sync.Mutex
	state        State
	credits      decimal.Decimal
	hbar         decimal.Decimal
	activeTxs    map[string]struct{}
	lastActivity time.Time
	perf         model.Performance

	handlers map[model.MessageType]handlerFunc
	ticks    []tick

	// backlog holds messages received while the loop was suspended
	// awaiting a human-approval response; they are dispatched next drain.
	backlog []model.Message

	cancel context.CancelFunc
	done   chan struct{}
}

func newRuntime(cfg Config, b *bus.Bus) *runtime {
	cfg.applyDefaults()
	return &runtime{
		cfg:       cfg,
		bus:       b,
		state:     StateCreated,
		credits:   cfg.InitialCredits,
		hbar:      cfg.InitialHbar,
		activeTxs: make(map[string]struct{}),
		handlers:  make(map[model.MessageType]handlerFunc),
		done:      make(chan struct{}),
	}
}

func (r *runtime) ID() string   { return r.cfg.ID }
func (r *runtime) Type() string { return r.cfg.Type }

// State returns the current lifecycle phase.
func (r *runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// registerHandler installs the handler for a message type. Must be called
// before start.
func (r *runtime) registerHandler(t model.MessageType, fn handlerFunc) {
	r.handlers[t] = fn
}

// addTick installs a periodic job in the agent's loop. Must be called
// before start.
func (r *runtime) addTick(every time.Duration, fn func(ctx context.Context)) {
	r.ticks = append(r.ticks, tick{every: every, fn: fn})
}

// start subscribes the agent and launches its loop.
func (r *runtime) start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateCreated && r.state != StateStopped {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: cannot start from state %s", r.cfg.ID, r.state)
	}
	r.state = StateInitializing
	r.lastActivity = time.Now()
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.inbox = r.bus.Subscribe(r.cfg.ID)

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()
	metrics.ActiveAgents.Inc()

	go r.loop(ctx)

	slog.Info("agent started", "id", r.cfg.ID, "type", r.cfg.Type)
	return nil
}

// Shutdown cancels the loop and marks the agent stopped. In-flight
// settlement timers are left to fire so the ledger is never half-updated.
func (r *runtime) Shutdown() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.state = StateShuttingDown
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	<-r.done

	r.bus.Unsubscribe(r.cfg.ID)

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	metrics.ActiveAgents.Dec()

	slog.Info("agent stopped", "id", r.cfg.ID, "type", r.cfg.Type)
}

// loop is the agent's single goroutine: heartbeat, inbox drain, and all
// type-specific periodic work share it, one logical tick at a time.
func (r *runtime) loop(ctx context.Context) {
	defer close(r.done)

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	drain := time.NewTicker(r.cfg.DrainInterval)
	defer drain.Stop()

	tickers := make([]*time.Ticker, len(r.ticks))
	cases := make([]<-chan time.Time, len(r.ticks))
	for i, t := range r.ticks {
		tickers[i] = time.NewTicker(t.every)
		cases[i] = tickers[i].C
		defer tickers[i].Stop()
	}

	for {
		// Fixed-shape select keeps the loop simple; agents have at most
		// three periodic jobs beyond heartbeat and drain.
		var c0, c1, c2 <-chan time.Time
		if len(cases) > 0 {
			c0 = cases[0]
		}
		if len(cases) > 1 {
			c1 = cases[1]
		}
		if len(cases) > 2 {
			c2 = cases[2]
		}

		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.sendHeartbeat()
		case <-drain.C:
			r.drainInbox(ctx)
		case <-c0:
			r.ticks[0].fn(ctx)
		case <-c1:
			r.ticks[1].fn(ctx)
		case <-c2:
			r.ticks[2].fn(ctx)
		}
	}
}

func (r *runtime) sendHeartbeat() {
	r.sendMessage(model.SystemAgentID, model.MsgHeartbeat, model.HeartbeatPayload{
		AgentID: r.cfg.ID,
		State:   string(r.State()),
	})
}

// drainInbox processes the backlog and then every pending message in
// arrival order.
func (r *runtime) drainInbox(ctx context.Context) {
	pending := r.backlog
	r.backlog = nil

	msgs, err := r.bus.Drain(r.cfg.ID)
	if err == nil {
		pending = append(pending, msgs...)
	}

	for _, msg := range pending {
		r.processMessage(ctx, msg)
	}
}

// processMessage dispatches to the registered handler. Unknown types are
// logged and dropped. Handler failures are caught here, logged, and
// converted into an ERROR message back to the sender.
func (r *runtime) processMessage(ctx context.Context, msg model.Message) {
	r.touch()

	handler, ok := r.handlers[msg.Type]
	if !ok {
		slog.Debug("agent: unknown message type dropped",
			"id", r.cfg.ID, "type", msg.Type, "from", msg.From)
		return
	}

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		return handler(ctx, msg)
	}()

	if err != nil {
		metrics.HandlerErrors.WithLabelValues(r.cfg.Type).Inc()
		slog.Error("agent: handler failed",
			"id", r.cfg.ID, "type", msg.Type, "from", msg.From, "err", err)
		if msg.From != "" && msg.From != r.cfg.ID {
			r.sendMessage(msg.From, model.MsgError, model.ErrorPayload{
				RefID:   msg.ID,
				Code:    "HANDLER_ERROR",
				Message: err.Error(),
			})
		}
	}
}

// sendMessage stamps the sender and delegates to the bus.
func (r *runtime) sendMessage(to string, t model.MessageType, payload any) string {
	r.touch()
	return r.bus.Send(model.NewMessage(r.cfg.ID, to, t, payload))
}

func (r *runtime) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// executeTransaction gates on approval, debits the HBAR balance, records
// the transaction as active, and schedules asynchronous settlement. The
// settlement timer fires even after shutdown.
func (r *runtime) executeTransaction(ctx context.Context, txID string, amount decimal.Decimal, recipient, description string) bool {
	if !r.requestHumanApproval(ctx, txID, amount, recipient, description) {
		slog.Warn("agent: transaction not approved",
			"id", r.cfg.ID, "tx", txID, "amount", amount.String())
		return false
	}

	r.mu.Lock()
	if amount.GreaterThan(r.hbar) {
		r.mu.Unlock()
		slog.Warn("agent: insufficient hbar for transaction",
			"id", r.cfg.ID, "tx", txID, "amount", amount.String())
		return false
	}
	r.hbar = r.hbar.Sub(amount)
	r.activeTxs[txID] = struct{}{}
	r.perf.TotalTrades++
	r.perf.TotalExpenses = r.perf.TotalExpenses.Add(amount)
	r.lastActivity = time.Now()
	r.mu.Unlock()

	slog.Info("agent: transaction executed",
		"id", r.cfg.ID, "tx", txID, "amount", amount.String(), "recipient", recipient)

	// Models async finality: the trade settles after a fixed delay,
	// independent of the agent's lifecycle.
	time.AfterFunc(r.cfg.SettlementDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.activeTxs, txID)
		r.perf.SuccessfulTrades++
	})

	return true
}

// requestHumanApproval implements the suspend-until-response approval flow.
// When approval is not required the transaction is auto-approved. Otherwise
// the runtime emits HUMAN_APPROVAL_REQUEST to the supervisor and blocks its
// loop until the matching response arrives or the timeout elapses (timeout
// rejects). Messages received while suspended are kept in arrival order and
// dispatched on the next drain.
func (r *runtime) requestHumanApproval(ctx context.Context, txID string, amount decimal.Decimal, recipient, description string) bool {
	if !r.cfg.RequireApproval {
		return true
	}

	tier := risk.Assess(amount, r.cfg.MaxTransactionAmount)
	requestID := uuid.New().String()

	r.sendMessage(model.SystemAgentID, model.MsgHumanApprovalRequest, model.ApprovalRequest{
		RequestID:     requestID,
		AgentID:       r.cfg.ID,
		TransactionID: txID,
		Amount:        amount,
		Recipient:     recipient,
		Description:   description,
		RiskTier:      string(tier),
	})

	deadline := time.NewTimer(r.cfg.ApprovalTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			slog.Warn("agent: approval timed out, rejecting",
				"id", r.cfg.ID, "tx", txID, "tier", tier)
			return false
		case msg, open := <-r.inbox:
			if !open {
				return false
			}
			if msg.Type == model.MsgHumanApprovalResponse {
				if resp, ok := payloadAs[model.ApprovalResponse](msg.Payload); ok && resp.RequestID == requestID {
					return resp.Approved
				}
			}
			r.backlog = append(r.backlog, msg)
		}
	}
}

// Statistics returns a snapshot of the agent's state.
func (r *runtime) Statistics() model.AgentStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.AgentStatistics{
		AgentID:      r.cfg.ID,
		AgentType:    r.cfg.Type,
		State:        string(r.state),
		Credits:      r.credits,
		HbarBalance:  r.hbar,
		ActiveTxs:    len(r.activeTxs),
		LastActivity: r.lastActivity,
		Performance:  r.perf,
	}
}

// payloadAs extracts a typed payload. In-process messages carry concrete
// structs; a mismatch is a validation failure the caller logs and drops.
func payloadAs[T any](payload any) (T, bool) {
	v, ok := payload.(T)
	return v, ok
}

// registerBaseHandlers installs handlers common to every agent type.
func (r *runtime) registerBaseHandlers() {
	r.registerHandler(model.MsgHeartbeat, func(_ context.Context, msg model.Message) error {
		// Probe from the supervisor: answer with current state.
		if msg.From == model.SystemAgentID {
			r.sendMessage(model.SystemAgentID, model.MsgHeartbeat, model.HeartbeatPayload{
				AgentID: r.cfg.ID,
				State:   string(r.State()),
			})
		}
		return nil
	})
	r.registerHandler(model.MsgError, func(_ context.Context, msg model.Message) error {
		if p, ok := payloadAs[model.ErrorPayload](msg.Payload); ok {
			slog.Warn("agent: error from peer",
				"id", r.cfg.ID, "from", msg.From, "code", p.Code, "msg", p.Message)
		}
		return nil
	})
	r.registerHandler(model.MsgHumanApprovalResponse, func(_ context.Context, msg model.Message) error {
		// A response that arrives after its request timed out; nothing to
		// resume.
		slog.Debug("agent: late approval response dropped", "id", r.cfg.ID)
		return nil
	})
}
