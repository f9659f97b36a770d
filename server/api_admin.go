package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fleetguard/fleetguard/server/observability"
	"github.com/fleetguard/fleetguard/server/store"
	"github.com/fleetguard/fleetguard/wire"
)

const (
	recentEventsLimit   = 50
	commandHistoryLimit = 20
)

// deviceView decorates a device with the dashboard's forward-looking score.
type deviceView struct {
	*store.Device
	PredictedRiskScore int `json:"predicted_risk_score"`
}

// handleAdminDevices lists the fleet with a simple one-step risk forecast.
func (a *API) handleAdminDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	devices, err := a.store.ListDevices(r.Context())
	if err != nil {
		log.Printf("[ERROR] Failed to list devices: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		predicted := d.RiskScore + 10
		if predicted > store.MaxRiskScore {
			predicted = store.MaxRiskScore
		}
		views = append(views, deviceView{Device: d, PredictedRiskScore: predicted})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleAdminDevicePolicy replaces one device's monitor toggles. The agent
// adopts the new policy on its next telemetry round trip.
func (a *API) handleAdminDevicePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/devices/")
	deviceID, ok := strings.CutSuffix(rest, "/policy")
	if !ok || deviceID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var policy wire.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.store.UpdateDevicePolicy(r.Context(), deviceID, policy); err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	log.Printf("[INFO] Policy updated for device %s", deviceID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleAdminEvents returns the most recent security events.
func (a *API) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	events, err := a.store.ListEvents(r.Context(), recentEventsLimit)
	if err != nil {
		log.Printf("[ERROR] Failed to list events: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleAdminConfig reads or replaces the tenant settings.
func (a *API) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := a.store.TenantSettings(r.Context())
		if err != nil {
			log.Printf("[ERROR] Failed to read tenant settings: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to read settings")
			return
		}
		if settings == nil {
			settings = store.DefaultTenantSettings()
		}
		writeJSON(w, http.StatusOK, settings)

	case http.MethodPut:
		var settings store.TenantSettings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := a.store.UpdateTenantSettings(r.Context(), &settings); err != nil {
			log.Printf("[ERROR] Failed to update tenant settings: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to update settings")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// issueCommandRequest is the admin payload for creating a command.
type issueCommandRequest struct {
	DeviceID string `json:"device_id"`
	Action   string `json:"action"`
	IssuedBy string `json:"issued_by"`
}

// handleAdminIssueCommand creates a PENDING command against a registered
// device. The command expires if no agent claims and executes it in time.
func (a *API) handleAdminIssueCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req issueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "device_id and action are required")
		return
	}

	device, err := a.store.GetDevice(r.Context(), req.DeviceID)
	if err != nil {
		log.Printf("[ERROR] Failed to look up device %s: %v", req.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "command issue failed")
		return
	}
	if device == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	now := time.Now()
	cmd := &store.Command{
		ID:        generateID(),
		DeviceID:  req.DeviceID,
		Action:    req.Action,
		Status:    store.CommandPending,
		IssuedBy:  req.IssuedBy,
		IssuedAt:  now,
		ExpiresAt: now.Add(commandTTL),
	}
	if err := a.store.CreateCommand(r.Context(), cmd); err != nil {
		log.Printf("[ERROR] Failed to create command: %v", err)
		writeError(w, http.StatusInternalServerError, "command issue failed")
		return
	}
	observability.CommandsIssued.Inc()
	log.Printf("[INFO] Command %s (%s) issued for device %s", cmd.ID, cmd.Action, cmd.DeviceID)
	writeJSON(w, http.StatusOK, cmd)
}

// commandView labels stale rows EXPIRED without mutating the store; the
// status column only ever records what actually happened.
type commandView struct {
	*store.Command
	EffectiveStatus string `json:"effective_status"`
}

// handleAdminCommandHistory returns recent commands with effective statuses.
func (a *API) handleAdminCommandHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	commands, err := a.store.ListCommands(r.Context(), commandHistoryLimit)
	if err != nil {
		log.Printf("[ERROR] Failed to list commands: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}

	now := time.Now()
	views := make([]commandView, 0, len(commands))
	for _, c := range commands {
		effective := c.Status
		if (c.Status == store.CommandPending || c.Status == store.CommandSent) && !c.ExpiresAt.After(now) {
			effective = "EXPIRED"
		}
		views = append(views, commandView{Command: c, EffectiveStatus: effective})
	}
	writeJSON(w, http.StatusOK, views)
}

// analyzeRequest carries the event window the caller wants scored. Events
// may come from the store or straight from a dashboard selection; either
// weight key is accepted.
type analyzeRequest struct {
	Events []analyzeEvent `json:"events"`
}

type analyzeEvent struct {
	Type       string `json:"type"`
	Weight     int    `json:"weight"`
	RiskWeight int    `json:"riskWeight"`
}

type analyzeForecast struct {
	Probability7d    int      `json:"probability7d"`
	TopRiskFactors   []string `json:"topRiskFactors"`
	TimeToEscalation string   `json:"timeToEscalation"`
}

type analyzeResponse struct {
	Summary            string          `json:"summary"`
	ThreatDetected     bool            `json:"threatDetected"`
	CorrelationChain   []string        `json:"correlationChain"`
	RecommendedActions []string        `json:"recommendedActions"`
	BehaviorScore      int             `json:"behaviorScore"`
	PredictiveForecast analyzeForecast `json:"predictiveForecast"`
}

// handleAnalyze scores the submitted event list. Stateless and
// deterministic: the verdict depends only on the request body.
func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	score := 0
	chain := make([]string, 0, len(req.Events))
	for _, ev := range req.Events {
		weight := ev.RiskWeight
		if weight == 0 {
			weight = ev.Weight
		}
		score += weight
		t := ev.Type
		if t == "" {
			t = "EVENT"
		}
		chain = append(chain, t)
	}
	if score > store.MaxRiskScore {
		score = store.MaxRiskScore
	}
	if score < 0 {
		score = 0
	}
	if len(chain) > 10 {
		chain = chain[len(chain)-10:]
	}

	threat := score >= 60
	actions := []string{"monitor_closely"}
	switch {
	case score >= 80:
		actions = []string{"lock_device", "isolate_network"}
	case score >= 60:
		actions = []string{"increase_monitoring", "review_print_activity"}
	}

	factors := []string{"Normal variability"}
	escalation := "Unknown"
	if threat {
		factors = []string{"High-weight event sequence"}
		escalation = "Immediate"
	}

	probability := score * 8 / 10
	if probability > 100 {
		probability = 100
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		Summary:            "Heuristic correlation based on aggregated event weights.",
		ThreatDetected:     threat,
		CorrelationChain:   chain,
		RecommendedActions: actions,
		BehaviorScore:      score,
		PredictiveForecast: analyzeForecast{
			Probability7d:    probability,
			TopRiskFactors:   factors,
			TimeToEscalation: escalation,
		},
	})
}
