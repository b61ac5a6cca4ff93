// Package model defines the core domain types shared across the agent engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Broadcast is the reserved recipient that fans a message out to every
// subscribed agent.
const Broadcast = "broadcast"

// SystemAgentID is the reserved recipient for messages addressed to the
// supervisor (human-approval requests, operational probes).
const SystemAgentID = "system"

// MessageType identifies the kind of agent-to-agent message.
type MessageType string

const (
	MsgCreditOffer           MessageType = "CREDIT_OFFER"
	MsgCreditRequest         MessageType = "CREDIT_REQUEST"
	MsgPriceNegotiation      MessageType = "PRICE_NEGOTIATION"
	MsgTransactionProposal   MessageType = "TRANSACTION_PROPOSAL"
	MsgTransactionAccept     MessageType = "TRANSACTION_ACCEPT"
	MsgTransactionReject     MessageType = "TRANSACTION_REJECT"
	MsgHeartbeat             MessageType = "HEARTBEAT"
	MsgError                 MessageType = "ERROR"
	MsgHumanApprovalRequest  MessageType = "HUMAN_APPROVAL_REQUEST"
	MsgHumanApprovalResponse MessageType = "HUMAN_APPROVAL_RESPONSE"
)

// Message is the immutable A2A envelope. Once sent, ownership transfers to
// the recipient's inbox. Wire format:
//
//	{id, from, to, type, payload, timestamp(ms)}
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"` // agent ID or Broadcast
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp int64       `json:"timestamp"` // epoch milliseconds
}

// NewMessage constructs an envelope with a generated ID and current timestamp.
func NewMessage(from, to string, msgType MessageType, payload any) Message {
	return Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Credit quality grades attached to offers.
const (
	QualityHigh   = "HIGH"
	QualityMedium = "MEDIUM"
	QualityLow    = "LOW"
)

// Credit types: sequestration credits are generated, emitter credits are
// surrendered against emissions.
const (
	CreditTypeSequester = "SEQUESTER"
	CreditTypeEmitter   = "EMITTER"
)

// OfferMetadata describes provenance and verification of offered credits.
type OfferMetadata struct {
	Source           string `json:"source"`
	VerificationData string `json:"verificationData"`
	Quality          string `json:"quality"`
}

// CreditOffer is the payload of a CREDIT_OFFER broadcast.
type CreditOffer struct {
	CreditAmount   decimal.Decimal `json:"creditAmount"`
	PricePerCredit decimal.Decimal `json:"pricePerCredit"`
	SellerAgentID  string          `json:"sellerAgentId"`
	CreditType     string          `json:"creditType"`
	ExpirationTime int64           `json:"expirationTime"` // epoch ms
	Metadata       OfferMetadata   `json:"metadata"`
}

// Expired reports whether the offer's expiration has passed.
func (o CreditOffer) Expired(now time.Time) bool {
	return o.ExpirationTime > 0 && now.UnixMilli() > o.ExpirationTime
}

// CreditRequest is the payload of a CREDIT_REQUEST.
type CreditRequest struct {
	CreditAmount      decimal.Decimal `json:"creditAmount"`
	MaxPricePerCredit decimal.Decimal `json:"maxPricePerCredit"`
	BuyerAgentID      string          `json:"buyerAgentId"`
	CreditType        string          `json:"creditType"`
	Urgency           string          `json:"urgency"` // LOW | MEDIUM | HIGH
	Deadline          int64           `json:"deadline"`
}

// PriceNegotiation carries a counter-price during haggling.
type PriceNegotiation struct {
	TransactionID string          `json:"transactionId,omitempty"`
	CounterPrice  decimal.Decimal `json:"counterPrice"`
	CreditAmount  decimal.Decimal `json:"creditAmount"`
	Accepted      bool            `json:"accepted"`
	Reason        string          `json:"reason,omitempty"`
}

// TransactionStatus enumerates the transaction lifecycle. Transitions are
// monotonic; rejected and executed are terminal.
type TransactionStatus string

const (
	TxProposed TransactionStatus = "proposed"
	TxAccepted TransactionStatus = "accepted"
	TxRejected TransactionStatus = "rejected"
	TxExecuted TransactionStatus = "executed"
)

// TransactionProposal is the payload of TRANSACTION_PROPOSAL and the body
// echoed back on accept/reject.
type TransactionProposal struct {
	TransactionID  string            `json:"transactionId"`
	CreditAmount   decimal.Decimal   `json:"creditAmount"`
	PricePerCredit decimal.Decimal   `json:"pricePerCredit"`
	TotalAmount    decimal.Decimal   `json:"totalAmount"`
	SellerAgentID  string            `json:"sellerAgentId"`
	BuyerAgentID   string            `json:"buyerAgentId"`
	Status         TransactionStatus `json:"status"`
	ExpirationTime int64             `json:"expirationTime"` // epoch ms
}

// Expired reports whether the proposal's expiration has passed.
func (p TransactionProposal) Expired(now time.Time) bool {
	return p.ExpirationTime > 0 && now.UnixMilli() > p.ExpirationTime
}

// TransactionReject carries the rejection reason, optionally citing the
// prevailing market price so the counterparty can re-propose.
type TransactionReject struct {
	TransactionID string          `json:"transactionId"`
	Reason        string          `json:"reason"`
	MarketPrice   decimal.Decimal `json:"marketPrice,omitempty"`
}

// ApprovalRequest asks the supervisor to approve a risk-gated transaction.
type ApprovalRequest struct {
	RequestID     string          `json:"requestId"`
	AgentID       string          `json:"agentId"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Recipient     string          `json:"recipient"`
	Description   string          `json:"description"`
	RiskTier      string          `json:"riskTier"`
}

// ApprovalResponse answers an ApprovalRequest.
type ApprovalResponse struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorPayload is returned to a sender when its message could not be handled.
type ErrorPayload struct {
	RefID   string `json:"refId"` // ID of the offending message
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatPayload reports liveness.
type HeartbeatPayload struct {
	AgentID string `json:"agentId"`
	State   string `json:"state"`
}

// Reading is one parsed sensor event from a device. Physical measurements
// stay float64; only money and credits are decimal.
type Reading struct {
	DeviceID    string    `json:"device_id" db:"device_id"`
	CO2Value    float64   `json:"co2_value" db:"co2_value"`
	EnergyValue float64   `json:"energy_value" db:"energy_value"`
	Temperature float64   `json:"temperature" db:"temperature"`
	Humidity    float64   `json:"humidity" db:"humidity"`
	Verified    bool      `json:"verified" db:"verified"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// TimeRange is a credit-calculation window [Start, End].
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two windows intersect.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// CreditCalculationResult is produced at most once per (deviceID, window).
type CreditCalculationResult struct {
	DeviceID          string          `json:"device_id"`
	CreditsEarned     decimal.Decimal `json:"credits_earned"`
	CO2Reduced        float64         `json:"co2_reduced"`
	EnergySaved       float64         `json:"energy_saved"`
	TemperatureImpact float64         `json:"temperature_impact"`
	HumidityImpact    float64         `json:"humidity_impact"`
	DataPointsUsed    int             `json:"data_points_used"`
	TimeRange         TimeRange       `json:"time_range"`
	CanMint           bool            `json:"can_mint"`
	Reason            string          `json:"reason,omitempty"`
}

// MintRecord is the immutable ledger entry written on a successful mint.
// Once created, these are never modified or deleted.
type MintRecord struct {
	ID            string          `json:"id" db:"id"`
	DeviceID      string          `json:"device_id" db:"device_id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	CreditsEarned decimal.Decimal `json:"credits_earned" db:"credits_earned"`
	WindowStart   time.Time       `json:"window_start" db:"window_start"`
	WindowEnd     time.Time       `json:"window_end" db:"window_end"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// HistoryEntry records a balance-affecting event for an owner.
type HistoryEntry struct {
	ID        string          `json:"id" db:"id"`
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	Kind      string          `json:"kind" db:"kind"` // "mint" or "trade"
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Detail    string          `json:"detail" db:"detail"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Order is one side of the trading agent's book. Amount stays positive
// while the order is present; emptied orders are removed.
type Order struct {
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
	AgentID string          `json:"agentId"`
}

// Match is the result of crossing one bid against one ask.
type Match struct {
	BuyerAgentID  string          `json:"buyerAgentId"`
	SellerAgentID string          `json:"sellerAgentId"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"` // arithmetic mid of the crossed orders
}

// MarketData is one point in the bounded rolling window used for
// volatility estimation.
type MarketData struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Spread    decimal.Decimal `json:"spread"`
}

// Performance aggregates an agent's trading activity counters.
type Performance struct {
	TotalTrades      int             `json:"totalTrades"`
	SuccessfulTrades int             `json:"successfulTrades"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
	TotalRevenue     decimal.Decimal `json:"totalRevenue"`
	TotalExpenses    decimal.Decimal `json:"totalExpenses"`
}

// AgentStatistics is the snapshot returned by an agent's Statistics().
type AgentStatistics struct {
	AgentID      string          `json:"agentId"`
	AgentType    string          `json:"agentType"`
	State        string          `json:"state"`
	Credits      decimal.Decimal `json:"credits"`
	HbarBalance  decimal.Decimal `json:"hbarBalance"`
	ActiveTxs    int             `json:"activeTransactions"`
	LastActivity time.Time       `json:"lastActivity"`
	Performance  Performance     `json:"performance"`
}

// EcosystemStatistics aggregates statistics across all supervised agents.
type EcosystemStatistics struct {
	AgentCount       int                        `json:"agentCount"`
	TotalCredits     decimal.Decimal            `json:"totalCredits"`
	TotalHbarBalance decimal.Decimal            `json:"totalHbarBalance"`
	TotalTrades      int                        `json:"totalTrades"`
	TotalVolume      decimal.Decimal            `json:"totalVolume"`
	AveragePrice     decimal.Decimal            `json:"averagePrice"`
	Agents           map[string]AgentStatistics `json:"agents"`
}
