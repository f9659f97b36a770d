package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts persisted security events.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetguard_events_ingested_total",
		Help: "Security events persisted, by type and severity",
	}, []string{"type", "severity"})

	// EventsDeduplicated counts replayed events dropped at the ingest boundary.
	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetguard_events_deduplicated_total",
		Help: "Replayed events dropped before ingestion",
	})

	// DeviceRiskScore tracks the current risk score per device.
	DeviceRiskScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetguard_device_risk_score",
		Help: "Current accumulated risk score per device (0-100)",
	}, []string{"device_id"})

	// CommandsIssued counts commands created via the admin API.
	CommandsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetguard_commands_issued_total",
		Help: "Commands issued by operators",
	})

	// CommandsDelivered counts commands handed to an agent poll.
	CommandsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetguard_commands_delivered_total",
		Help: "Commands claimed by agent polls",
	})

	// CommandsAcked counts terminal command acknowledgements.
	CommandsAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetguard_commands_acked_total",
		Help: "Command acknowledgements by terminal status",
	}, []string{"status"})

	// APIRateLimited tracks API requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetguard_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// StreamClients tracks connected live event stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetguard_stream_clients",
		Help: "Currently connected WebSocket stream clients",
	})
)
