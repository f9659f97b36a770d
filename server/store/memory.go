package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetguard/fleetguard/wire"
)

// MemoryStore holds all state in process memory. It implements the Store
// interface and backs single-node runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	events   []*SecurityEvent // append order
	eventIDs map[string]struct{}
	commands map[string]*Command
	cmdOrder []string // command IDs in issue order
	settings *TenantSettings
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*Device),
		eventIDs: make(map[string]struct{}),
		commands: make(map[string]*Command),
	}
}

// --- Device Operations ---

func (s *MemoryStore) UpsertDevice(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.devices[d.ID]; ok {
		// Re-registration refreshes identity fields but keeps the
		// accumulated risk and policy.
		existing.Hostname = d.Hostname
		existing.OSInfo = d.OSInfo
		existing.IPAddress = d.IPAddress
		existing.Status = DeviceOnline
		existing.LastHeartbeat = d.LastHeartbeat
		return nil
	}

	dc := copyDevice(d)
	s.devices[d.ID] = dc
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, nil // Return nil if not found
	}
	return copyDevice(d), nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		result = append(result, copyDevice(d))
	}
	return result, nil
}

func (s *MemoryStore) UpdateDevicePolicy(ctx context.Context, id string, policy wire.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Policy = copyPolicy(policy)
	return nil
}

func (s *MemoryStore) IngestTelemetry(ctx context.Context, deviceID string, stats wire.WorkStats, events []SecurityEvent) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}

	for i := range events {
		ev := events[i]
		// Replayed events (ID collision) are stored once and add no risk,
		// mirroring the Postgres primary-key conflict.
		if _, dup := s.eventIDs[ev.ID]; dup {
			continue
		}
		s.eventIDs[ev.ID] = struct{}{}
		s.events = append(s.events, &ev)
		d.RiskScore += ev.RiskWeight
		if d.RiskScore > MaxRiskScore {
			d.RiskScore = MaxRiskScore
		}
	}
	d.WorkStats = stats
	d.Status = DeviceOnline
	d.LastHeartbeat = time.Now()

	return copyDevice(d), nil
}

// --- Event Operations ---

func (s *MemoryStore) ListEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	// Newest first.
	result := make([]*SecurityEvent, 0, n)
	for i := len(s.events) - 1; i >= 0 && len(result) < n; i-- {
		ec := *s.events[i]
		result = append(result, &ec)
	}
	return result, nil
}

// --- Command Operations ---

func (s *MemoryStore) CreateCommand(ctx context.Context, c *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc := *c
	s.commands[c.ID] = &cc
	s.cmdOrder = append(s.cmdOrder, c.ID)
	return nil
}

func (s *MemoryStore) ClaimPendingCommands(ctx context.Context, deviceID string, now time.Time) ([]*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*Command
	for _, id := range s.cmdOrder {
		c := s.commands[id]
		if c.DeviceID != deviceID || c.Status != CommandPending {
			continue
		}
		if !c.ExpiresAt.After(now) {
			continue
		}
		c.Status = CommandSent
		cc := *c
		claimed = append(claimed, &cc)
	}
	return claimed, nil
}

func (s *MemoryStore) AckCommand(ctx context.Context, id string, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[id]
	if !ok {
		return errors.New("command not found")
	}
	c.Status = status
	c.ExecutedAt = &at
	return nil
}

func (s *MemoryStore) ListCommands(ctx context.Context, limit int) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.cmdOrder)
	if limit > 0 && limit < n {
		n = limit
	}
	// Newest first.
	result := make([]*Command, 0, n)
	for i := len(s.cmdOrder) - 1; i >= 0 && len(result) < n; i-- {
		cc := *s.commands[s.cmdOrder[i]]
		result = append(result, &cc)
	}
	return result, nil
}

// --- Tenant Configuration ---

func (s *MemoryStore) TenantSettings(ctx context.Context) (*TenantSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, nil
	}
	return copySettings(s.settings), nil
}

func (s *MemoryStore) UpdateTenantSettings(ctx context.Context, settings *TenantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = copySettings(settings)
	return nil
}

func (s *MemoryStore) SeedTenantDefaults(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings == nil {
		s.settings = DefaultTenantSettings()
	}
	return nil
}

// --- Copy helpers ---

func copyDevice(d *Device) *Device {
	dc := *d
	dc.Policy = copyPolicy(d.Policy)
	return &dc
}

func copyPolicy(p wire.Policy) wire.Policy {
	if p == nil {
		return nil
	}
	pc := make(wire.Policy, len(p))
	for k, v := range p {
		pc[k] = v
	}
	return pc
}

func copySettings(s *TenantSettings) *TenantSettings {
	sc := *s
	sc.Keywords = append([]string(nil), s.Keywords...)
	return &sc
}
