// Package main implements the FleetGuard server: agent registration and
// telemetry ingest, risk aggregation, the signed command channel and the
// admin API backing the dashboard.
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetguard/fleetguard/server/middleware"
	"github.com/fleetguard/fleetguard/server/store"
)

const defaultSecret = "change-me-in-prod"

func main() {
	ctx := context.Background()

	var s store.Store
	if connString := os.Getenv("DATABASE_URL"); connString != "" {
		pg, err := store.NewPostgresStore(ctx, connString)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Print("[INFO] Using Postgres store")
	} else {
		s = store.NewMemoryStore()
		log.Print("[INFO] DATABASE_URL not set, using in-memory store")
	}

	var dedup store.Deduper
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rd, err := store.NewRedisDeduper(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rd.Close()
		dedup = rd
		log.Printf("[INFO] Using Redis dedup at %s", redisAddr)
	} else {
		dedup = store.NewMemoryDeduper()
		log.Print("[INFO] REDIS_ADDR not set, using in-memory dedup")
	}

	secret := os.Getenv("COMMAND_SIGNING_SECRET")
	if secret == "" {
		secret = defaultSecret
		log.Print("[WARN] COMMAND_SIGNING_SECRET not set, using insecure default")
	}

	if err := s.SeedTenantDefaults(ctx); err != nil {
		log.Fatalf("Failed to seed tenant settings: %v", err)
	}

	api := NewAPI(s, dedup, secret)
	go api.hub.Run(ctx)

	mux := http.NewServeMux()

	// Agent endpoints
	mux.HandleFunc("/api/v1/agent/register", api.handleRegister)
	mux.HandleFunc("/api/v1/agent/telemetry", api.handleTelemetry)
	mux.HandleFunc("/api/v1/agent/commands/", api.routeAgentCommands)

	// Admin endpoints
	mux.HandleFunc("/api/v1/admin/devices", api.handleAdminDevices)
	mux.HandleFunc("/api/v1/admin/devices/", api.handleAdminDevicePolicy)
	mux.HandleFunc("/api/v1/admin/events", api.handleAdminEvents)
	mux.HandleFunc("/api/v1/admin/config", api.handleAdminConfig)
	mux.HandleFunc("/api/v1/admin/commands", api.handleAdminIssueCommand)
	mux.HandleFunc("/api/v1/admin/commands/history", api.handleAdminCommandHistory)
	mux.HandleFunc("/api/v1/ai/analyze", api.handleAnalyze)

	// Live event stream
	mux.HandleFunc("/api/v1/stream/events", api.handleStream)

	// Operational endpoints
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8000"
	}
	log.Printf("[INFO] FleetGuard server listening on %s", addr)
	if err := http.ListenAndServe(addr, middleware.CORS(middleware.RequestLog(mux))); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
