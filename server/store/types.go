package store

import (
	"time"

	"github.com/fleetguard/fleetguard/wire"
)

// Device statuses.
const (
	DeviceOnline  = "ONLINE"
	DeviceOffline = "OFFLINE"
)

// Command lifecycle statuses.
const (
	CommandPending  = "PENDING"
	CommandSent     = "SENT"
	CommandExecuted = "EXECUTED"
	CommandFailed   = "FAILED"
)

// Event severities.
const (
	SeverityNormal   = "NORMAL"
	SeverityCritical = "CRITICAL"
)

const (
	// MaxRiskScore caps the accumulated device risk.
	MaxRiskScore = 100
	// criticalWeight is the exclusive threshold above which an event is
	// classified CRITICAL.
	criticalWeight = 60
)

// SeverityFor classifies an event weight.
func SeverityFor(weight int) string {
	if weight > criticalWeight {
		return SeverityCritical
	}
	return SeverityNormal
}

// Device is a registered endpoint and its rolled-up risk state.
type Device struct {
	ID            string         `json:"id" db:"id"`
	Hostname      string         `json:"hostname" db:"hostname"`
	OSInfo        string         `json:"os_info" db:"os_info"`
	IPAddress     string         `json:"ip_address" db:"ip_address"`
	Status        string         `json:"status" db:"status"`
	RiskScore     int            `json:"risk_score" db:"risk_score"`
	WorkStats     wire.WorkStats `json:"work_stats" db:"work_stats"`
	Policy        wire.Policy    `json:"policy" db:"policy"`
	LastHeartbeat time.Time      `json:"last_heartbeat" db:"last_heartbeat"`
	RegisteredAt  time.Time      `json:"registered_at" db:"registered_at"`
}

// SecurityEvent is a persisted agent observation. The ID is the agent-side
// event ID, so ingesting the same upload twice naturally collides.
type SecurityEvent struct {
	ID          string            `json:"id" db:"id"`
	DeviceID    string            `json:"device_id" db:"device_id"`
	Timestamp   time.Time         `json:"timestamp" db:"timestamp"`
	Type        string            `json:"type" db:"type"`
	Severity    string            `json:"severity" db:"severity"`
	Description string            `json:"description" db:"description"`
	RiskWeight  int               `json:"risk_weight" db:"risk_weight"`
	Metadata    map[string]string `json:"metadata" db:"metadata"`
}

// Command is a remote action issued against a device. The stored row never
// carries a signature: the envelope is signed fresh on every delivery.
type Command struct {
	ID         string     `json:"id" db:"id"`
	DeviceID   string     `json:"device_id" db:"device_id"`
	Action     string     `json:"action" db:"action"`
	Status     string     `json:"status" db:"status"`
	IssuedBy   string     `json:"issued_by" db:"issued_by"`
	IssuedAt   time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	ExecutedAt *time.Time `json:"executed_at" db:"executed_at"`
}

// TenantSettings holds the org-wide configuration exposed to the admin UI.
type TenantSettings struct {
	ID                 string   `json:"id" db:"id"`
	Name               string   `json:"name" db:"name"`
	Plan               string   `json:"plan" db:"plan"`
	PrintLimit         int      `json:"print_limit" db:"print_limit"`
	RiskDecayRate      int      `json:"risk_decay_rate" db:"risk_decay_rate"`
	IdleTimeout        int      `json:"idle_timeout" db:"idle_timeout"`
	CriticalAlertLevel int      `json:"critical_alert_level" db:"critical_alert_level"`
	Keywords           []string `json:"keywords" db:"keywords"`
}

// DefaultTenantSettings returns the seed configuration for a fresh install.
func DefaultTenantSettings() *TenantSettings {
	return &TenantSettings{
		ID:                 "default",
		Name:               "FleetGuard",
		Plan:               "standard",
		PrintLimit:         50,
		RiskDecayRate:      5,
		IdleTimeout:        60,
		CriticalAlertLevel: 80,
		Keywords:           []string{"resume", "salary", "confidential"},
	}
}
