package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetguard/fleetguard/server/store"
	"github.com/fleetguard/fleetguard/signing"
	"github.com/fleetguard/fleetguard/wire"
)

const testServerSecret = "api-test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *API) {
	t.Helper()

	api := NewAPI(store.NewMemoryStore(), store.NewMemoryDeduper(), testServerSecret)
	if err := api.store.SeedTenantDefaults(context.Background()); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agent/register", api.handleRegister)
	mux.HandleFunc("/api/v1/agent/telemetry", api.handleTelemetry)
	mux.HandleFunc("/api/v1/agent/commands/", api.routeAgentCommands)
	mux.HandleFunc("/api/v1/admin/devices", api.handleAdminDevices)
	mux.HandleFunc("/api/v1/admin/devices/", api.handleAdminDevicePolicy)
	mux.HandleFunc("/api/v1/admin/events", api.handleAdminEvents)
	mux.HandleFunc("/api/v1/admin/config", api.handleAdminConfig)
	mux.HandleFunc("/api/v1/admin/commands", api.handleAdminIssueCommand)
	mux.HandleFunc("/api/v1/admin/commands/history", api.handleAdminCommandHistory)
	mux.HandleFunc("/api/v1/ai/analyze", api.handleAnalyze)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, api
}

func doJSON(t *testing.T, method, url string, payload, out any) int {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAgent(t *testing.T, srv *httptest.Server, id string) wire.RegisterResponse {
	t.Helper()
	var out wire.RegisterResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/agent/register", wire.RegisterRequest{
		AgentID:  id,
		Hostname: "host-" + id,
		OSInfo:   "linux",
	}, &out)
	if status != http.StatusOK {
		t.Fatalf("register returned %d", status)
	}
	return out
}

func TestRegisterReturnsDefaultPolicy(t *testing.T) {
	srv, _ := newTestServer(t)

	out := registerAgent(t, srv, "agent-1")
	if !out.Policy["usbMonitoring"] || !out.Policy["printMonitoring"] {
		t.Errorf("fresh device did not get the default policy: %v", out.Policy)
	}
}

func TestTelemetryIngestAndDedup(t *testing.T) {
	srv, api := newTestServer(t)
	registerAgent(t, srv, "agent-1")

	upload := wire.TelemetryRequest{
		AgentID: "agent-1",
		Events: []wire.Event{
			{ID: "e1", Type: "PRINT", Description: "Print job: 42", Weight: 15},
			{ID: "e2", Type: "USB_INSERT", Description: "USB device attached", Weight: 45},
		},
		WorkStats: wire.WorkStats{Uptime: 100, ActiveTime: 80},
	}
	var out wire.TelemetryResponse
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/agent/telemetry", upload, &out); status != http.StatusOK {
		t.Fatalf("telemetry returned %d", status)
	}

	device, err := api.store.GetDevice(context.Background(), "agent-1")
	if err != nil || device == nil {
		t.Fatalf("device lookup failed: %v", err)
	}
	if device.RiskScore != 60 {
		t.Errorf("risk score = %d, want 60", device.RiskScore)
	}
	if device.WorkStats.Uptime != 100 {
		t.Errorf("work stats not applied: %+v", device.WorkStats)
	}

	// The agent retries the same upload after a timeout: the replayed
	// events must not count twice.
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/agent/telemetry", upload, &out); status != http.StatusOK {
		t.Fatalf("retry returned %d", status)
	}
	device, _ = api.store.GetDevice(context.Background(), "agent-1")
	if device.RiskScore != 60 {
		t.Errorf("replay changed risk score to %d", device.RiskScore)
	}

	events, err := api.store.ListEvents(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("replay duplicated events: %d stored", len(events))
	}
}

func TestTelemetryRetryAfterFailedIngest(t *testing.T) {
	srv, api := newTestServer(t)

	// Agent restarted and uploads its offline backlog before registration
	// has gone through: the ingest fails with 404 and the agent spills the
	// events for the next cycle.
	upload := wire.TelemetryRequest{
		AgentID: "agent-1",
		Events: []wire.Event{
			{ID: "e1", Type: "PRINT", Description: "Print job: 42", Weight: 15},
			{ID: "e2", Type: "USB_INSERT", Description: "USB device attached", Weight: 45},
		},
	}
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/agent/telemetry", upload, nil); status != http.StatusNotFound {
		t.Fatalf("pre-registration upload returned %d, want 404", status)
	}

	// Registration succeeds and the identical retry must land in full: the
	// failed attempt must not have burned the event IDs.
	registerAgent(t, srv, "agent-1")
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/agent/telemetry", upload, nil); status != http.StatusOK {
		t.Fatalf("retry returned %d", status)
	}

	device, err := api.store.GetDevice(context.Background(), "agent-1")
	if err != nil || device == nil {
		t.Fatalf("device lookup failed: %v", err)
	}
	if device.RiskScore != 60 {
		t.Errorf("retried upload lost risk: score %d, want 60", device.RiskScore)
	}
	events, err := api.store.ListEvents(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("retried upload lost events: %d stored, want 2", len(events))
	}
}

func TestTelemetryUnknownDevice(t *testing.T) {
	srv, _ := newTestServer(t)

	status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/agent/telemetry", wire.TelemetryRequest{
		AgentID: "never-registered",
	}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("telemetry for unknown device returned %d, want 404", status)
	}
}

func TestCommandLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	registerAgent(t, srv, "agent-1")

	var issued store.Command
	status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/commands", map[string]string{
		"device_id": "agent-1",
		"action":    "LOCK",
		"issued_by": "admin",
	}, &issued)
	if status != http.StatusOK {
		t.Fatalf("issue returned %d", status)
	}
	if issued.Status != store.CommandPending {
		t.Fatalf("issued status = %s, want PENDING", issued.Status)
	}

	// First poll claims the command with a verifiable signature.
	var envelopes []wire.CommandEnvelope
	if status := doJSON(t, http.MethodGet, srv.URL+"/api/v1/agent/commands/agent-1", nil, &envelopes); status != http.StatusOK {
		t.Fatalf("poll returned %d", status)
	}
	if len(envelopes) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envelopes))
	}
	env := envelopes[0]
	if err := signing.Verify(testServerSecret, env.ID, "agent-1", env.Action, env.Signature, env.ExpiresAt); err != nil {
		t.Errorf("delivered signature does not verify: %v", err)
	}

	// A second poll is empty: the command moved to SENT.
	if status := doJSON(t, http.MethodGet, srv.URL+"/api/v1/agent/commands/agent-1", nil, &envelopes); status != http.StatusOK {
		t.Fatalf("second poll returned %d", status)
	}
	if len(envelopes) != 0 {
		t.Fatalf("command delivered twice: %+v", envelopes)
	}

	// Ack lands in the history.
	ackURL := srv.URL + "/api/v1/agent/commands/" + env.ID + "/ack"
	if status := doJSON(t, http.MethodPost, ackURL, wire.AckRequest{Status: wire.AckExecuted}, nil); status != http.StatusOK {
		t.Fatalf("ack returned %d", status)
	}

	var history []struct {
		store.Command
		EffectiveStatus string `json:"effective_status"`
	}
	if status := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/commands/history", nil, &history); status != http.StatusOK {
		t.Fatalf("history returned %d", status)
	}
	if len(history) != 1 || history[0].Status != store.CommandExecuted {
		t.Fatalf("history does not show the ack: %+v", history)
	}
	if history[0].ExecutedAt == nil {
		t.Error("executed_at not recorded")
	}
}

func TestCommandForUnknownDeviceRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/commands", map[string]string{
		"device_id": "ghost",
		"action":    "LOCK",
	}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("issue against unknown device returned %d, want 404", status)
	}
}

func TestExpiredCommandLabeledInHistory(t *testing.T) {
	srv, api := newTestServer(t)
	registerAgent(t, srv, "agent-1")

	now := time.Now()
	if err := api.store.CreateCommand(context.Background(), &store.Command{
		ID: "stale", DeviceID: "agent-1", Action: "LOCK",
		Status: store.CommandPending, IssuedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
	}); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	// The expired command is not delivered.
	var envelopes []wire.CommandEnvelope
	if status := doJSON(t, http.MethodGet, srv.URL+"/api/v1/agent/commands/agent-1", nil, &envelopes); status != http.StatusOK {
		t.Fatalf("poll returned %d", status)
	}
	if len(envelopes) != 0 {
		t.Fatalf("expired command delivered: %+v", envelopes)
	}

	var history []struct {
		store.Command
		EffectiveStatus string `json:"effective_status"`
	}
	if status := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/commands/history", nil, &history); status != http.StatusOK {
		t.Fatalf("history returned %d", status)
	}
	if len(history) != 1 || history[0].EffectiveStatus != "EXPIRED" {
		t.Fatalf("expired command not labeled: %+v", history)
	}
	if history[0].Status != store.CommandPending {
		t.Errorf("labeling mutated the stored status: %s", history[0].Status)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	registerAgent(t, srv, "agent-1")

	status := doJSON(t, http.MethodPut, srv.URL+"/api/v1/admin/devices/agent-1/policy", wire.Policy{
		"usbMonitoring":   false,
		"printMonitoring": true,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("policy update returned %d", status)
	}

	// The next telemetry round trip carries the new policy to the agent.
	var out wire.TelemetryResponse
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/agent/telemetry", wire.TelemetryRequest{
		AgentID: "agent-1",
	}, &out); status != http.StatusOK {
		t.Fatalf("telemetry returned %d", status)
	}
	if out.Policy["usbMonitoring"] {
		t.Errorf("updated policy not returned: %v", out.Policy)
	}
}

func TestAnalyzeScoresSubmittedEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	var analysis struct {
		BehaviorScore    int      `json:"behaviorScore"`
		ThreatDetected   bool     `json:"threatDetected"`
		CorrelationChain []string `json:"correlationChain"`
	}

	// Empty submission scores zero regardless of what the store holds.
	empty := map[string]any{"events": []any{}}
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/ai/analyze", empty, &analysis); status != http.StatusOK {
		t.Fatalf("analyze returned %d", status)
	}
	if analysis.ThreatDetected || analysis.BehaviorScore != 0 {
		t.Errorf("empty submission flagged as a threat: %+v", analysis)
	}

	// The verdict is computed over the posted list; both weight keys count.
	payload := map[string]any{"events": []map[string]any{
		{"type": "USB_INSERT", "riskWeight": 45},
		{"type": "PRINT", "weight": 40},
	}}
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/ai/analyze", payload, &analysis); status != http.StatusOK {
		t.Fatalf("analyze returned %d", status)
	}
	if !analysis.ThreatDetected || analysis.BehaviorScore != 85 {
		t.Errorf("elevated submission not flagged: %+v", analysis)
	}
	if len(analysis.CorrelationChain) != 2 || analysis.CorrelationChain[0] != "USB_INSERT" {
		t.Errorf("correlation chain does not reflect the submission: %v", analysis.CorrelationChain)
	}
}
