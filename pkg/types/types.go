package types

import (
	"encoding/json"
	"time"
)

// Envelope is the immutable message record routed by the relay.
// Envelopes are constructed by the relay during publish; consumers must
// treat them as read-only.
type Envelope struct {
	ID        string          `json:"id"`                // ULID, sortable by creation time
	Subject   string          `json:"subject"`           // dot-separated tokens
	From      string          `json:"from"`              // logical sender identifier
	ReplyTo   string          `json:"replyTo,omitempty"` // optional subject for correlated responses
	CreatedAt time.Time       `json:"createdAt"`         // UTC
	Budget    Budget          `json:"budget"`
	Payload   json.RawMessage `json:"payload"`
}

// Budget carries the per-message counters that bound fan-out. It is
// mutated only at publish hops.
type Budget struct {
	HopCount            int      `json:"hopCount"`
	MaxHops             int      `json:"maxHops"`
	AncestorChain       []string `json:"ancestorChain"`
	TTL                 int64    `json:"ttl"` // unix-ms absolute expiry
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
}

// DefaultMaxHops is applied when a publish supplies no budget.
const DefaultMaxHops = 5

// DefaultCallBudget is applied when a publish supplies no budget.
const DefaultCallBudget = 10

// DefaultTTL is applied when a publish supplies no budget.
const DefaultTTL = 5 * time.Minute

// Endpoint is a registered subject that owns a durable mailbox.
type Endpoint struct {
	Subject      string    `json:"subject"`
	Hash         string    `json:"hash"` // filesystem-safe directory name
	MaildirPath  string    `json:"maildirPath"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// RuleAction is the effect of a matching access rule.
type RuleAction string

const (
	RuleAllow RuleAction = "allow"
	RuleDeny  RuleAction = "deny"
)

// AccessRule gates publishes by (from, to) subject patterns. Rules are
// deduplicated by (From, To); higher priority wins.
type AccessRule struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	Action   RuleAction `json:"action"`
	Priority int        `json:"priority"`
}

// MessageStatus is the delivery state tracked by the derived index.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// MessageRow is the derived index record for one envelope in one mailbox.
type MessageRow struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	EndpointHash string        `json:"endpointHash"`
	Sender       string        `json:"sender"`
	Status       MessageStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExpiresAt    *time.Time    `json:"expiresAt,omitempty"`
}

// RejectReason is the policy or capacity code attached to a rejection.
type RejectReason string

const (
	ReasonAccessDenied    RejectReason = "access_denied"
	ReasonRateLimited     RejectReason = "rate_limited"
	ReasonHopLimit        RejectReason = "hop_limit"
	ReasonTTLExpired      RejectReason = "ttl_expired"
	ReasonCycleDetected   RejectReason = "cycle_detected"
	ReasonBudgetExhausted RejectReason = "budget_exhausted"
	ReasonCircuitOpen     RejectReason = "circuit_open"
	ReasonBackpressure    RejectReason = "backpressure"
	ReasonWriteFailed     RejectReason = "write_failed"
)

// Rejection records why a publish was refused, either as a whole or for
// one target endpoint.
type Rejection struct {
	EndpointHash string       `json:"endpointHash,omitempty"`
	Reason       RejectReason `json:"reason"`
	Detail       string       `json:"detail,omitempty"`
}

// PublishResult is returned by every publish call.
type PublishResult struct {
	MessageID       string             `json:"messageId"`
	DeliveredTo     int                `json:"deliveredTo"`
	Rejected        []Rejection        `json:"rejected,omitempty"`
	MailboxPressure map[string]float64 `json:"mailboxPressure,omitempty"`
	AdapterResult   *DeliveryResult    `json:"adapterResult,omitempty"`
}

// DeliveryResult reports the outcome of one adapter deliver call.
type DeliveryResult struct {
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"durationMs"`
	Duration   time.Duration `json:"-"`
}

// AdapterState is the lifecycle state reported by an adapter.
type AdapterState string

const (
	AdapterConnected    AdapterState = "connected"
	AdapterDisconnected AdapterState = "disconnected"
	AdapterError        AdapterState = "error"
	AdapterStarting     AdapterState = "starting"
	AdapterStopping     AdapterState = "stopping"
)

// AdapterStatus is a point-in-time snapshot of one adapter.
type AdapterStatus struct {
	State            AdapterState `json:"state"`
	MessagesSent     int64        `json:"messagesSent"`
	MessagesReceived int64        `json:"messagesReceived"`
	LastError        string       `json:"lastError,omitempty"`
}

// AdapterContext carries caller-supplied hints for an outbound delivery,
// such as the destination chat and extra transport headers.
type AdapterContext struct {
	ChatID  string            `json:"chatId,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PublishOptions carries the caller-controlled fields of a publish.
type PublishOptions struct {
	From    string
	ReplyTo string
	// Budget overrides the default budget; nil applies defaults.
	Budget *Budget
	// AdapterContext is passed through to a matching adapter's Deliver.
	AdapterContext *AdapterContext
}

// DeadLetter pairs a failed envelope with its recorded reason.
type DeadLetter struct {
	Envelope     *Envelope `json:"envelope"`
	EndpointHash string    `json:"endpointHash"`
	Reason       string    `json:"reason"`
	FailedAt     time.Time `json:"failedAt"`
}

// SessionStrategy selects how the binding router maps inbound chats to
// agent sessions.
type SessionStrategy string

const (
	SessionPerChat   SessionStrategy = "per-chat"
	SessionPerUser   SessionStrategy = "per-user"
	SessionStateless SessionStrategy = "stateless"
)

// Binding maps an inbound adapter subject to an agent directory.
type Binding struct {
	ID              string          `json:"id"` // UUID
	AdapterID       string          `json:"adapterId"`
	AgentID         string          `json:"agentId"`
	AgentDir        string          `json:"agentDir"`
	ChatID          string          `json:"chatId,omitempty"`
	ChannelType     string          `json:"channelType,omitempty"`
	SessionStrategy SessionStrategy `json:"sessionStrategy"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Signal is a non-persisted control message (typing, presence,
// backpressure warnings). Best effort, in-memory only.
type Signal struct {
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// IndexMetrics aggregates message counts for observability surfaces.
type IndexMetrics struct {
	TotalMessages int64            `json:"totalMessages"`
	ByStatus      map[string]int64 `json:"byStatus"`
	BySubject     []SubjectCount   `json:"bySubject"` // sorted by volume
}

// SubjectCount is one row of the per-subject volume breakdown.
type SubjectCount struct {
	Subject string `json:"subject"`
	Count   int64  `json:"count"`
}
