package store

import (
	"context"
	"errors"
	"time"

	"github.com/fleetguard/fleetguard/wire"
)

// ErrDeviceNotFound is returned by operations that require a registered
// device. Agents that hit it must re-register before retrying.
var ErrDeviceNotFound = errors.New("device not found")

// Store defines the persistence backend. It abstracts over Postgres
// (durable) and the in-memory implementation used for single-node runs
// and tests.
type Store interface {
	// Device operations.
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	UpdateDevicePolicy(ctx context.Context, id string, policy wire.Policy) error

	// IngestTelemetry applies one telemetry upload as a unit: persists the
	// events, replaces the device's work stats, adds the event weights to
	// its risk score (clamped to MaxRiskScore) and refreshes the heartbeat.
	// Returns ErrDeviceNotFound if the device was never registered.
	IngestTelemetry(ctx context.Context, deviceID string, stats wire.WorkStats, events []SecurityEvent) (*Device, error)

	// Event operations.
	ListEvents(ctx context.Context, limit int) ([]*SecurityEvent, error)

	// Command operations.
	CreateCommand(ctx context.Context, c *Command) error
	// ClaimPendingCommands atomically selects the device's PENDING,
	// unexpired commands and flips them to SENT. A command is claimed at
	// most once across concurrent polls.
	ClaimPendingCommands(ctx context.Context, deviceID string, now time.Time) ([]*Command, error)
	AckCommand(ctx context.Context, id string, status string, at time.Time) error
	ListCommands(ctx context.Context, limit int) ([]*Command, error)

	// Tenant configuration.
	TenantSettings(ctx context.Context) (*TenantSettings, error)
	UpdateTenantSettings(ctx context.Context, s *TenantSettings) error
	SeedTenantDefaults(ctx context.Context) error
}

// Deduper answers whether an event ID has been ingested before. Checking
// and marking are separate so IDs are only recorded once their events are
// durably stored: a failed ingest must leave the retry deliverable.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventIDs []string) error
}
