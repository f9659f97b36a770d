package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/codeGROOVE-dev/retry-go"

	"github.com/fleetguard/fleetguard/signing"
	"github.com/fleetguard/fleetguard/wire"
)

const (
	// Sync cycle cadence.
	syncInterval = 15 * time.Second
	// Bound on any single network call; a hung call blocks only its cycle.
	httpTimeout = 10 * time.Second
	// Command execution timeout.
	commandTimeout = 10 * time.Second
	// Retry configuration for registration and acks.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// SyncEngine orchestrates the register -> upload -> poll-commands -> ack
// cycle. Any network or parse failure inside a cycle spills the live queue
// to the offline buffer and the loop continues on schedule; there is no
// terminal state while the process runs.
type SyncEngine struct {
	cfg     *Config
	client  *http.Client
	queue   *EventQueue
	buffer  *OfflineBuffer
	policy  *PolicyCell
	execute func(ctx context.Context, action string) error

	// registered is only touched from the Run goroutine.
	registered bool
}

// NewSyncEngine wires the engine to its queue, buffer and policy cell.
func NewSyncEngine(cfg *Config, queue *EventQueue, buffer *OfflineBuffer, policy *PolicyCell) *SyncEngine {
	return &SyncEngine{
		cfg:     cfg,
		client:  &http.Client{Timeout: httpTimeout},
		queue:   queue,
		buffer:  buffer,
		policy:  policy,
		execute: executeAction,
	}
}

// Run registers the agent and then cycles until the context is cancelled.
// Registration failure never blocks the cycle loop: the agent proceeds with
// an empty policy and re-attempts registration at the start of each cycle.
func (s *SyncEngine) Run(ctx context.Context) {
	err := retry.Do(func() error {
		return s.register(ctx)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		log.Printf("[WARN] Initial registration failed after %d attempts: %v (continuing with empty policy)", maxRetries, err)
	}

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle performs one full sync iteration.
func (s *SyncEngine) runCycle(ctx context.Context) {
	if !s.registered {
		if err := s.register(ctx); err != nil {
			log.Printf("[WARN] Registration retry failed: %v", err)
		}
	}

	// Merge the offline backlog head ahead of the live queue to preserve
	// rough chronological priority.
	offline, consumed, err := s.buffer.Load(defaultDrainLimit)
	if err != nil {
		log.Printf("[WARN] Offline buffer read failed: %v", err)
	}
	live := s.queue.Drain()

	merged := make([]wire.Event, 0, len(offline)+len(live))
	merged = append(merged, offline...)
	merged = append(merged, live...)

	policy, err := s.uploadTelemetry(ctx, merged)
	if err != nil {
		log.Printf("[WARN] Telemetry upload failed: %v", err)
		// Spill only the live events: the offline backlog is already
		// durable, and appending it again would duplicate it.
		if len(live) > 0 {
			if err := s.buffer.Append(live); err != nil {
				log.Printf("[WARN] Failed to spill %d events to offline buffer: %v", len(live), err)
			}
		}
		return
	}

	s.policy.Replace(policy)
	if consumed > 0 {
		if err := s.buffer.Truncate(consumed); err != nil {
			log.Printf("[WARN] Offline buffer truncate failed: %v", err)
		}
	}

	s.pollCommands(ctx)
}

func (s *SyncEngine) register(ctx context.Context) error {
	payload := wire.RegisterRequest{
		AgentID:  s.cfg.AgentID,
		Hostname: s.cfg.Hostname,
		OSInfo:   s.cfg.OSInfo,
	}
	var out wire.RegisterResponse
	if err := s.postJSON(ctx, s.cfg.ServerURL+"/agent/register", payload, &out); err != nil {
		return err
	}
	s.policy.Replace(out.Policy)
	s.registered = true
	log.Printf("[INFO] Registered agent %s", s.cfg.AgentID)
	return nil
}

func (s *SyncEngine) uploadTelemetry(ctx context.Context, events []wire.Event) (wire.Policy, error) {
	payload := wire.TelemetryRequest{
		AgentID:   s.cfg.AgentID,
		Events:    events,
		WorkStats: s.queue.Stats(),
	}
	var out wire.TelemetryResponse
	if err := s.postJSON(ctx, s.cfg.ServerURL+"/agent/telemetry", payload, &out); err != nil {
		return nil, err
	}
	return out.Policy, nil
}

// pollCommands fetches pending commands, verifies each signature locally,
// executes valid ones and acks every attempted command. Commands that fail
// verification are silently discarded with no ack; the server will expire
// them.
func (s *SyncEngine) pollCommands(ctx context.Context) {
	var cmds []wire.CommandEnvelope
	if err := s.getJSON(ctx, s.cfg.ServerURL+"/agent/commands/"+s.cfg.AgentID, &cmds); err != nil {
		log.Printf("[WARN] Command poll failed: %v", err)
		return
	}

	for _, cmd := range cmds {
		if err := signing.Verify(s.cfg.Secret, cmd.ID, s.cfg.AgentID, cmd.Action, cmd.Signature, cmd.ExpiresAt); err != nil {
			log.Printf("[WARN] Discarding command %s: %v", cmd.ID, err)
			continue
		}

		status := wire.AckExecuted
		if err := s.execute(ctx, cmd.Action); err != nil {
			log.Printf("[ERROR] Command %s (%s) failed: %v", cmd.ID, cmd.Action, err)
			status = wire.AckFailed
		} else {
			log.Printf("[INFO] Executed command %s (%s)", cmd.ID, cmd.Action)
		}

		s.ack(ctx, cmd.ID, status)
	}
}

func (s *SyncEngine) ack(ctx context.Context, commandID, status string) {
	err := retry.Do(func() error {
		var out wire.AckResponse
		return s.postJSON(ctx, s.cfg.ServerURL+"/agent/commands/"+commandID+"/ack", wire.AckRequest{Status: status}, &out)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		log.Printf("[WARN] Failed to ack command %s: %v", commandID, err)
	}
}

func (s *SyncEngine) postJSON(ctx context.Context, url string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (s *SyncEngine) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// executeAction maps a verified command action to its local effect.
func executeAction(ctx context.Context, action string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch action {
	case "PING":
		// Diagnostic no-op: proves the command channel end to end.
		return nil
	case "LOCK":
		return lockWorkstation(ctx)
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
}

func lockWorkstation(ctx context.Context) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32.exe", "user32.dll,LockWorkStation")
	case "darwin":
		cmd = exec.CommandContext(ctx, "pmset", "displaysleepnow")
	case "linux":
		cmd = exec.CommandContext(ctx, "loginctl", "lock-sessions")
	default:
		return fmt.Errorf("screen lock not supported on %s", runtime.GOOS)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("lock command failed: %w", err)
	}
	return nil
}
