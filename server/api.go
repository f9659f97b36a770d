package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	mrand "math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetguard/fleetguard/server/observability"
	"github.com/fleetguard/fleetguard/server/store"
	"github.com/fleetguard/fleetguard/signing"
	"github.com/fleetguard/fleetguard/wire"
)

// commandTTL is how long an issued command stays deliverable.
const commandTTL = 5 * time.Minute

// API carries the handler dependencies.
type API struct {
	store  store.Store
	dedup  store.Deduper
	hub    *EventsHub
	secret string

	// Storm protection
	telemetryLimiter *rate.Limiter
	pollLimiter      *rate.Limiter
}

// NewAPI wires the API to its store, deduper and stream hub.
func NewAPI(s store.Store, dedup store.Deduper, secret string) *API {
	api := &API{
		store:  s,
		dedup:  dedup,
		secret: secret,
		// Allow 100 telemetry uploads/sec, burst 200
		telemetryLimiter: rate.NewLimiter(rate.Limit(100), 200),
		// Allow 200 command polls/sec, burst 400
		pollLimiter: rate.NewLimiter(rate.Limit(200), 400),
	}
	api.hub = NewEventsHub()
	return api
}

// writeRateLimitError writes a 429 with a jittered Retry-After so a fleet
// of agents does not retry in lockstep.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// Jitter: 1s base + 0-1000ms random
	retryAfter := 1000 + mrand.Intn(1000)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter/1000+1))
	http.Error(w, "rate limited", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WARN] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// generateID returns a random v4 UUID.
func generateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// -- Agent Endpoints --

// handleRegister upserts the device. Registration is idempotent: repeat
// calls refresh identity fields but keep accumulated risk and policy.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req wire.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	now := time.Now()
	device := &store.Device{
		ID:            req.AgentID,
		Hostname:      req.Hostname,
		OSInfo:        req.OSInfo,
		IPAddress:     clientIP(r),
		Status:        store.DeviceOnline,
		Policy:        wire.DefaultPolicy(),
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := a.store.UpsertDevice(r.Context(), device); err != nil {
		log.Printf("[ERROR] Failed to upsert device %s: %v", req.AgentID, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	current, err := a.store.GetDevice(r.Context(), req.AgentID)
	if err != nil || current == nil {
		log.Printf("[ERROR] Failed to read back device %s: %v", req.AgentID, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	log.Printf("[INFO] Device %s registered (%s, %s)", current.ID, current.Hostname, current.OSInfo)
	writeJSON(w, http.StatusOK, wire.RegisterResponse{Status: "registered", Policy: current.Policy})
}

// handleTelemetry ingests one upload: dedups replayed events, applies the
// remainder transactionally and returns the current policy.
func (a *API) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.telemetryLimiter.Allow() {
		a.writeRateLimitError(w, "telemetry")
		return
	}

	var req wire.TelemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	now := time.Now()
	fresh := make([]store.SecurityEvent, 0, len(req.Events))
	for _, ev := range req.Events {
		if ev.ID == "" {
			// Pre-UUID agents: fall back to a server-side ID, no dedup.
			ev.ID = generateID()
		} else {
			seen, err := a.dedup.Seen(r.Context(), ev.ID)
			if err != nil {
				// Treat as unseen; the store's ID collision catches any
				// duplicate this lets through.
				log.Printf("[WARN] Dedup check failed for event %s: %v", ev.ID, err)
			} else if seen {
				observability.EventsDeduplicated.Inc()
				continue
			}
		}
		fresh = append(fresh, store.SecurityEvent{
			ID:          ev.ID,
			DeviceID:    req.AgentID,
			Timestamp:   now,
			Type:        ev.Type,
			Severity:    store.SeverityFor(ev.Weight),
			Description: ev.Description,
			RiskWeight:  ev.Weight,
			Metadata:    ev.Metadata,
		})
	}

	device, err := a.store.IngestTelemetry(r.Context(), req.AgentID, req.WorkStats, fresh)
	if errors.Is(err, store.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, "device not registered")
		return
	}
	if err != nil {
		log.Printf("[ERROR] Telemetry ingest failed for %s: %v", req.AgentID, err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	// Only now are the IDs recorded: marking before the store commit would
	// turn a spill-and-retry after a failed ingest into a dropped replay.
	ids := make([]string, len(fresh))
	for i := range fresh {
		ids[i] = fresh[i].ID
	}
	if err := a.dedup.MarkSeen(r.Context(), ids); err != nil {
		log.Printf("[WARN] Failed to record %d event IDs: %v", len(ids), err)
	}

	for i := range fresh {
		observability.EventsIngested.WithLabelValues(fresh[i].Type, fresh[i].Severity).Inc()
		a.hub.Broadcast(&fresh[i])
	}
	observability.DeviceRiskScore.WithLabelValues(device.ID).Set(float64(device.RiskScore))

	writeJSON(w, http.StatusOK, wire.TelemetryResponse{Status: "ok", Policy: device.Policy})
}

// handleCommands delivers the device's pending commands. Each envelope is
// signed fresh at delivery time; signatures are never stored.
func (a *API) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.pollLimiter.Allow() {
		a.writeRateLimitError(w, "commands")
		return
	}

	deviceID := strings.TrimPrefix(r.URL.Path, "/api/v1/agent/commands/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		writeError(w, http.StatusBadRequest, "device id is required")
		return
	}

	claimed, err := a.store.ClaimPendingCommands(r.Context(), deviceID, time.Now())
	if err != nil {
		log.Printf("[ERROR] Command claim failed for %s: %v", deviceID, err)
		writeError(w, http.StatusInternalServerError, "command poll failed")
		return
	}

	envelopes := make([]wire.CommandEnvelope, 0, len(claimed))
	for _, c := range claimed {
		envelopes = append(envelopes, wire.CommandEnvelope{
			ID:        c.ID,
			Action:    c.Action,
			ExpiresAt: c.ExpiresAt,
			Signature: signing.Sign(a.secret, c.ID, c.DeviceID, c.Action, c.ExpiresAt),
		})
		observability.CommandsDelivered.Inc()
	}
	writeJSON(w, http.StatusOK, envelopes)
}

// handleAck records a command's terminal status.
func (a *API) handleAck(w http.ResponseWriter, r *http.Request, commandID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req wire.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := req.Status
	switch status {
	case wire.AckExecuted, wire.AckFailed:
	case "":
		status = wire.AckExecuted
	default:
		writeError(w, http.StatusBadRequest, "status must be EXECUTED or FAILED")
		return
	}

	if err := a.store.AckCommand(r.Context(), commandID, status, time.Now()); err != nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	observability.CommandsAcked.WithLabelValues(status).Inc()
	log.Printf("[INFO] Command %s acked: %s", commandID, status)
	writeJSON(w, http.StatusOK, wire.AckResponse{Status: "ok"})
}

// routeAgentCommands splits GET /agent/commands/{id} from
// POST /agent/commands/{id}/ack on the same prefix.
func (a *API) routeAgentCommands(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agent/commands/")
	if id, ok := strings.CutSuffix(rest, "/ack"); ok {
		a.handleAck(w, r, id)
		return
	}
	a.handleCommands(w, r)
}
