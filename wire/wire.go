// Package wire defines the data structures exchanged between the FleetGuard
// agent and the server.
package wire

import "time"

// Event is a single observation produced by an agent monitor. Events are
// immutable once created. ID is generated by the agent when the event is
// queued and serves as the idempotency key at the ingest boundary.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Weight      int               `json:"weight"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// WorkStats holds the agent's monotonically updated activity counters.
// The server replaces its copy wholesale on every telemetry upload; the
// reporting agent is the sole owner.
type WorkStats struct {
	Uptime       int64 `json:"uptime"`
	ActiveTime   int64 `json:"activeTime"`
	IdleTime     int64 `json:"idleTime"`
	PrintCount   int64 `json:"printCount"`
	FileModCount int64 `json:"fileModCount"`
}

// Policy maps named monitor toggles to their enabled state. It is owned by
// the server and pulled by the agent on every telemetry round trip.
type Policy map[string]bool

// DefaultPolicy returns the toggles a freshly registered device starts with.
func DefaultPolicy() Policy {
	return Policy{
		"fileMonitoring":          true,
		"usbMonitoring":           true,
		"printMonitoring":         true,
		"searchKeywordMonitoring": true,
		"idleTracking":            true,
	}
}

// Command ack statuses. These are the only terminal states an agent may
// report for an attempted command.
const (
	AckExecuted = "EXECUTED"
	AckFailed   = "FAILED"
)

// RegisterRequest registers (or re-registers) an agent. The upsert is
// idempotent and keyed by AgentID.
type RegisterRequest struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	OSInfo   string `json:"os_info"`
}

// RegisterResponse carries the device policy back to the agent.
type RegisterResponse struct {
	Status string `json:"status"`
	Policy Policy `json:"policy"`
}

// TelemetryRequest uploads the merged offline backlog and live queue along
// with the current counters.
type TelemetryRequest struct {
	AgentID   string    `json:"agent_id"`
	Events    []Event   `json:"events"`
	WorkStats WorkStats `json:"work_stats"`
}

// TelemetryResponse mirrors RegisterResponse: the agent adopts the returned
// policy after every successful upload.
type TelemetryResponse struct {
	Status string `json:"status"`
	Policy Policy `json:"policy"`
}

// CommandEnvelope is a signed command as delivered by the poll endpoint.
// The signature is recomputed on each delivery and never persisted.
type CommandEnvelope struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	ExpiresAt time.Time `json:"expiresAt"`
	Signature string    `json:"signature"`
}

// AckRequest reports the outcome of an attempted command.
type AckRequest struct {
	Status string `json:"status"`
}

// AckResponse acknowledges the ack.
type AckResponse struct {
	Status string `json:"status"`
}
