package ctl

import (
	"encoding/json"
	"time"
)

// Kind tags a push channel message.
type Kind string

const (
	KindConnected         Kind = "connected"
	KindStateUpdate       Kind = "state_update"
	KindAIDecision        Kind = "ai_decision"
	KindAlert             Kind = "alert"
	KindKPIUpdate         Kind = "kpi_update"
	KindHurdleResponse    Kind = "hurdle_response"
	KindScenarioEvent     Kind = "scenario_event"
	KindApprovalUpdate    Kind = "approval_update"
	KindEmergencyOverride Kind = "emergency_override"
)

// ChannelMessage is one inbound frame on the push channel.
type ChannelMessage struct {
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DecisionRecord is one entry of the AI decision trace.
type DecisionRecord struct {
	DecisionID           string             `json:"decision_id"`
	Timestamp            time.Time          `json:"timestamp"`
	Intent               string             `json:"intent"`
	ActionTaken          string             `json:"action_taken"`
	RewardSignal         float64            `json:"reward_signal"`
	RewardComponents     map[string]float64 `json:"reward_components,omitempty"`
	LearningContribution float64            `json:"learning_contribution"`
	// PatternChange is set when the decision switched the active
	// broadcast pattern.
	PatternChange *PatternChange `json:"pattern_change,omitempty"`
}

// ApprovalState is the lifecycle state of a proposed configuration.
type ApprovalState string

const (
	StateAIRecommended         ApprovalState = "ai_recommended"
	StateAwaitingHumanApproval ApprovalState = "awaiting_human_approval"
	StateEmergencyOverride     ApprovalState = "emergency_override"
	StateDeployed              ApprovalState = "deployed"
	StateRejected              ApprovalState = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalState) Terminal() bool {
	return s == StateDeployed || s == StateRejected
}

// Pending reports whether the record is waiting on an operator.
func (s ApprovalState) Pending() bool {
	return s == StateAIRecommended || s == StateAwaitingHumanApproval
}

// Valid reports whether s is a known state.
func (s ApprovalState) Valid() bool {
	switch s {
	case StateAIRecommended, StateAwaitingHumanApproval, StateEmergencyOverride, StateDeployed, StateRejected:
		return true
	}
	return false
}

// Rank orders states along the lifecycle. A stored record is never
// replaced by one of lower rank.
func (s ApprovalState) Rank() int {
	switch s {
	case StateAIRecommended:
		return 0
	case StateAwaitingHumanApproval:
		return 1
	case StateEmergencyOverride:
		return 2
	case StateDeployed, StateRejected:
		return 3
	}
	return -1
}

// ApprovalRecord is a configuration proposal gated on a human decision.
type ApprovalRecord struct {
	ID                   string          `json:"id"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            *time.Time      `json:"updated_at,omitempty"`
	State                ApprovalState   `json:"state"`
	RecommendedConfig    json.RawMessage `json:"recommended_config,omitempty"`
	RiskAssessment       json.RawMessage `json:"risk_assessment,omitempty"`
	ExpectedImpact       json.RawMessage `json:"expected_impact,omitempty"`
	HumanReadableSummary string          `json:"human_readable_summary"`
	ApprovedBy           string          `json:"approved_by,omitempty"`
	EngineerComment      string          `json:"engineer_comment,omitempty"`

	// Provisional is set on records whose state was changed locally after a
	// successful action call and not yet confirmed by the backend.
	Provisional bool `json:"-"`
}

// EmergencyNotice is the payload of an emergency_override message. An
// empty ApprovalID applies the bypass to every pending record.
type EmergencyNotice struct {
	ApprovalID string `json:"approval_id,omitempty"`
	Reason     string `json:"reason"`
}

// AuditEntry records one approval state transition. Entries are never
// mutated once appended.
type AuditEntry struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	ApprovalID string        `json:"approval_id"`
	Action     string        `json:"action"`
	Actor      string        `json:"actor"`
	From       ApprovalState `json:"from,omitempty"`
	To         ApprovalState `json:"to"`
	Details    string        `json:"details,omitempty"`
}

// Audit actions.
const (
	ActionApproved  = "approved/deployed"
	ActionRejected  = "rejected"
	ActionEmergency = "emergency_override"
	// ActionObserved prefixes transitions made by another party and
	// observed through a snapshot or push.
	ActionObserved = "observed/"
)

// SystemActor is the actor recorded for transitions no human made.
const SystemActor = "system"

// ConnectionStatus is the push channel lifecycle state.
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusOpen       ConnectionStatus = "open"
	StatusClosed     ConnectionStatus = "closed"
	StatusErrored    ConnectionStatus = "errored"
)

// ConnectionState is owned by the channel manager; copies are published
// to the store.
type ConnectionState struct {
	Status           ConnectionStatus `json:"status"`
	ReconnectAttempt int              `json:"reconnect_attempt_count"`
	LastError        string           `json:"last_error,omitempty"`
}

// NodeTelemetry is the latest metric set reported for one broadcast node.
type NodeTelemetry struct {
	NodeID    string             `json:"node_id"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// LastAction is the most recent action the AI applied.
type LastAction struct {
	Action    string          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// StateUpdate is the payload of a state_update message.
type StateUpdate struct {
	Nodes      []NodeTelemetry `json:"nodes,omitempty"`
	LastAction *LastAction     `json:"last_action,omitempty"`
}

// Alert is a backend-raised alert.
type Alert struct {
	ID        string    `json:"id,omitempty"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// KPISnapshot holds the current key performance indicators.
type KPISnapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// PatternChange records a switch of the active broadcast pattern.
type PatternChange struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
}

// Deployment is a configuration that took effect.
type Deployment struct {
	ApprovalID string        `json:"approval_id"`
	Timestamp  time.Time     `json:"timestamp"`
	State      ApprovalState `json:"state"`
	Actor      string        `json:"actor"`
	Summary    string        `json:"summary,omitempty"`
}

// Event is a hurdle response or scenario event kept for display.
type Event struct {
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
