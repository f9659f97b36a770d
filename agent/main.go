// Package main implements the FleetGuard endpoint agent. It runs the
// observation monitors, buffers events while the server is unreachable, and
// executes signed commands delivered over the poll channel.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("[INFO] Agent %s starting. Hostname: %s, Server: %s", cfg.AgentID, cfg.Hostname, cfg.ServerURL)

	queue := NewEventQueue()
	buffer := NewOfflineBuffer(filepath.Join(cfg.DataDir, "offline_events.jsonl"))
	policy := NewPolicyCell()
	engine := NewSyncEngine(cfg, queue, buffer, policy)
	monitors := NewMonitors(cfg, queue, policy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Print("[INFO] Shutting down agent...")
		cancel()
	}()

	monitors.Start(ctx)
	engine.Run(ctx)
}
