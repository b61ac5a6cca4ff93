// Package api provides the HTTP surface of the agent engine: ecosystem and
// per-agent statistics, manual credit issuance, ledger queries, and the
// real-time market feed.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carbongrid/agent-engine/internal/agent"
	"github.com/carbongrid/agent-engine/internal/credits"
	"github.com/carbongrid/agent-engine/internal/feed"
	"github.com/carbongrid/agent-engine/internal/store"
)

// Service wires the manager, issuance engine, store, and feed hub into HTTP
// handlers.
type Service struct {
	manager *agent.Manager
	engine  *credits.Engine
	store   store.Store
	hub     *feed.Hub // optional; nil disables /ws
}

// NewService creates the API service. Pass nil for hub if the WebSocket feed
// is not needed.
func NewService(m *agent.Manager, e *credits.Engine, st store.Store, hub *feed.Hub) *Service {
	return &Service{manager: m, engine: e, store: st, hub: hub}
}

// Routes mounts all handlers under /api/v1 on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/ecosystem", s.GetEcosystem)
	r.Get("/agents", s.ListAgents)
	r.Get("/agents/{agentID}", s.GetAgentStats)
	r.Post("/agents/{agentID}/restart", s.RestartAgent)
	r.Post("/emergency-stop", s.EmergencyStop)

	r.Post("/credits/calculate", s.CalculateCredits)
	r.Get("/credits/{deviceID}/mints", s.ListMints)
	r.Get("/ledger/{ownerID}", s.GetLedger)
	r.Get("/balance/{ownerID}", s.GetBalance)

	r.Get("/market", s.GetMarket)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request/Response types ---

// AgentSummary is one row in the agents listing.
type AgentSummary struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	State string `json:"state"`
}

// CalculateRequest is the JSON body for POST /credits/calculate.
type CalculateRequest struct {
	DeviceID string `json:"device_id"`
	OwnerID  string `json:"owner_id"`
}

// MarketResponse is the trader's market view.
type MarketResponse struct {
	LastPrice  string `json:"last_price"`
	Volatility string `json:"volatility"`
	SpreadPct  string `json:"spread_pct"`
	DataPoints int    `json:"data_points"`
}

// --- HTTP Handlers ---

// GetEcosystem handles GET /api/v1/ecosystem
func (s *Service) GetEcosystem(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.EcosystemStatistics())
}

// ListAgents handles GET /api/v1/agents
func (s *Service) ListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.manager.Agents()
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		stats := a.Statistics()
		out = append(out, AgentSummary{ID: a.ID(), Type: a.Type(), State: stats.State})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAgentStats handles GET /api/v1/agents/{agentID}
func (s *Service) GetAgentStats(w http.ResponseWriter, r *http.Request) {
	a, ok := s.manager.Agent(chi.URLParam(r, "agentID"))
	if !ok {
		writeError(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.Statistics())
}

// RestartAgent handles POST /api/v1/agents/{agentID}/restart
func (s *Service) RestartAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if err := s.manager.Restart(r.Context(), id); err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "agent": id})
}

// EmergencyStop handles POST /api/v1/emergency-stop
func (s *Service) EmergencyStop(w http.ResponseWriter, _ *http.Request) {
	s.manager.EmergencyStop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// CalculateCredits handles POST /api/v1/credits/calculate
// Runs the issuance engine over the latest window for a device. Safe to call
// repeatedly: an already-issued window reports zero credits.
func (s *Service) CalculateCredits(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" || req.OwnerID == "" {
		writeError(w, "device_id and owner_id are required", http.StatusBadRequest)
		return
	}

	window := s.engine.Window(time.Now().UTC())
	result, err := s.engine.CalculateAndMint(r.Context(), req.DeviceID, req.OwnerID, window)
	if err != nil {
		writeError(w, "credit calculation failed", http.StatusInternalServerError)
		return
	}

	slog.Info("manual credit calculation",
		"device", req.DeviceID, "owner", req.OwnerID,
		"credits", result.CreditsEarned.String(), "can_mint", result.CanMint)

	writeJSON(w, http.StatusOK, result)
}

// ListMints handles GET /api/v1/credits/{deviceID}/mints
func (s *Service) ListMints(w http.ResponseWriter, r *http.Request) {
	mints, err := s.store.MintsByDevice(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, "failed to list mints", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, mints)
}

// GetLedger handles GET /api/v1/ledger/{ownerID}
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.HistoryByOwner(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// GetBalance handles GET /api/v1/balance/{ownerID}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	balance, err := s.store.GetBalance(r.Context(), ownerID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner_id": ownerID,
		"balance":  balance.String(),
	})
}

// GetMarket handles GET /api/v1/market
// Returns the first trader's market snapshot; 404 when no trader is running.
func (s *Service) GetMarket(w http.ResponseWriter, _ *http.Request) {
	for _, a := range s.manager.Agents() {
		trader, ok := a.(*agent.TraderAgent)
		if !ok {
			continue
		}
		last, vol, spread, history := trader.MarketSnapshot()
		writeJSON(w, http.StatusOK, MarketResponse{
			LastPrice:  last.String(),
			Volatility: vol.String(),
			SpreadPct:  spread.String(),
			DataPoints: len(history),
		})
		return
	}
	writeError(w, "no trader agent running", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
