package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/bus"
	"github.com/carbongrid/agent-engine/internal/credits"
	"github.com/carbongrid/agent-engine/internal/feed"
	"github.com/carbongrid/agent-engine/internal/model"
	"github.com/carbongrid/agent-engine/internal/risk"
)

const (
	monitorInterval = 30 * time.Second
	staleThreshold  = 5 * time.Minute
)

// Manager supervises the agent ecosystem: it constructs agents from config,
// starts and stops them, monitors liveness, and answers risk-gated approval
// requests addressed to the system.
type Manager struct {
	bus    *bus.Bus
	engine *credits.Engine
	hub    *feed.Hub

	mu      sync.RWMutex
	agents  map[string]Agent
	configs map[string]Config

	inbox  <-chan model.Message
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. The engine backs sequester agents; the hub
// backs traders and may be nil.
func NewManager(b *bus.Bus, engine *credits.Engine, hub *feed.Hub) *Manager {
	return &Manager{
		bus:     b,
		engine:  engine,
		hub:     hub,
		agents:  make(map[string]Agent),
		configs: make(map[string]Config),
	}
}

// AddAgent constructs an agent from its config and registers it. The agent
// is not started until Start. Agent types form a closed set.
func (m *Manager) AddAgent(cfg Config) (Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("manager: agent config missing ID")
	}
	cfg.applyDefaults()

	var a Agent
	switch cfg.Type {
	case TypeSequester:
		a = NewSequesterAgent(cfg, m.bus, m.engine)
	case TypeOffset:
		a = NewOffsetAgent(cfg, m.bus)
	case TypeTrader:
		a = NewTraderAgent(cfg, m.bus, m.hub)
	default:
		return nil, fmt.Errorf("manager: unknown agent type %q", cfg.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[cfg.ID]; exists {
		return nil, fmt.Errorf("manager: duplicate agent ID %q", cfg.ID)
	}
	m.agents[cfg.ID] = a
	m.configs[cfg.ID] = cfg
	return a, nil
}

// Start initializes every registered agent and begins supervision.
func (m *Manager) Start(ctx context.Context) error {
	m.inbox = m.bus.Subscribe(model.SystemAgentID)

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.mu.RLock()
	agents := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	for _, a := range agents {
		if err := a.Initialize(ctx); err != nil {
			return fmt.Errorf("manager: start %s: %w", a.ID(), err)
		}
	}

	go m.monitor(ctx)

	slog.Info("manager started", "agents", len(agents))
	return nil
}

// monitor is the supervision loop: it answers approval requests promptly and
// checks agent liveness on a slower cadence.
func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)

	health := time.NewTicker(monitorInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-m.inbox:
			if !open {
				return
			}
			m.handleSystemMessage(msg)
		case <-health.C:
			m.checkLiveness()
		}
	}
}

func (m *Manager) handleSystemMessage(msg model.Message) {
	switch msg.Type {
	case model.MsgHumanApprovalRequest:
		req, ok := payloadAs[model.ApprovalRequest](msg.Payload)
		if !ok {
			return
		}
		m.answerApproval(req)
	case model.MsgHeartbeat:
		// Liveness is tracked through Statistics; heartbeats are just logged.
		if hb, ok := payloadAs[model.HeartbeatPayload](msg.Payload); ok {
			slog.Debug("manager: heartbeat", "agent", hb.AgentID, "state", hb.State)
		}
	default:
		slog.Debug("manager: unhandled system message", "type", msg.Type, "from", msg.From)
	}
}

// answerApproval stands in for a human operator: the requesting agent's
// configured risk tolerance decides.
func (m *Manager) answerApproval(req model.ApprovalRequest) {
	m.mu.RLock()
	cfg, known := m.configs[req.AgentID]
	m.mu.RUnlock()

	approved := false
	reason := "unknown agent"
	if known {
		tier := risk.Tier(req.RiskTier)
		approved = cfg.RiskTolerance.Permits(tier)
		if approved {
			reason = "within risk tolerance"
		} else {
			reason = fmt.Sprintf("%s risk exceeds %s tolerance", tier, cfg.RiskTolerance)
		}
	}

	m.bus.Send(model.NewMessage(model.SystemAgentID, req.AgentID,
		model.MsgHumanApprovalResponse, model.ApprovalResponse{
			RequestID: req.RequestID,
			Approved:  approved,
			Reason:    reason,
		}))

	slog.Info("manager: approval decided",
		"agent", req.AgentID, "tx", req.TransactionID,
		"tier", req.RiskTier, "approved", approved)
}

// checkLiveness warns about silent agents and probes them with a heartbeat.
func (m *Manager) checkLiveness() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for id, a := range m.agents {
		stats := a.Statistics()
		if stats.State != string(StateRunning) {
			continue
		}
		if now.Sub(stats.LastActivity) > staleThreshold {
			slog.Warn("manager: agent silent, probing",
				"agent", id, "last_activity", stats.LastActivity)
			m.bus.Send(model.NewMessage(model.SystemAgentID, id,
				model.MsgHeartbeat, model.HeartbeatPayload{AgentID: model.SystemAgentID}))
		}
	}
}

// Agent returns a registered agent by ID.
func (m *Manager) Agent(id string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// Agents returns all registered agents.
func (m *Manager) Agents() []Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// Restart stops and re-initializes one agent.
func (m *Manager) Restart(ctx context.Context, id string) error {
	a, ok := m.Agent(id)
	if !ok {
		return fmt.Errorf("manager: no such agent %q", id)
	}
	a.Shutdown()
	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("manager: restart %s: %w", id, err)
	}
	slog.Info("manager: agent restarted", "agent", id)
	return nil
}

// EmergencyStop shuts every agent down immediately.
func (m *Manager) EmergencyStop() {
	slog.Warn("manager: emergency stop")
	for _, a := range m.Agents() {
		a.Shutdown()
	}
}

// Shutdown stops supervision and all agents.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.bus.Unsubscribe(model.SystemAgentID)

	for _, a := range m.Agents() {
		a.Shutdown()
	}
	slog.Info("manager stopped")
}

// EcosystemStatistics aggregates a snapshot across all agents. Average price
// is total volume over total trades, zero when no trades have happened.
func (m *Manager) EcosystemStatistics() model.EcosystemStatistics {
	stats := model.EcosystemStatistics{
		Agents: make(map[string]model.AgentStatistics),
	}

	for _, a := range m.Agents() {
		s := a.Statistics()
		stats.Agents[s.AgentID] = s
		stats.AgentCount++
		stats.TotalCredits = stats.TotalCredits.Add(s.Credits)
		stats.TotalHbarBalance = stats.TotalHbarBalance.Add(s.HbarBalance)
		stats.TotalTrades += s.Performance.TotalTrades
		stats.TotalVolume = stats.TotalVolume.Add(s.Performance.TotalVolume)
	}

	if stats.TotalTrades > 0 {
		stats.AveragePrice = stats.TotalVolume.Div(decimal.NewFromInt(int64(stats.TotalTrades)))
	}
	return stats
}
