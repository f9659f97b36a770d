package main

import (
	"crypto/rand"
	_ "embed"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed monitors.yaml
var monitorsConfig []byte

// MonitorsConfig holds the cadences and event weights for the built-in
// observation sources.
type MonitorsConfig struct {
	Monitors struct {
		Idle struct {
			IntervalSeconds      int `yaml:"interval_seconds"`
			IdleThresholdSeconds int `yaml:"idle_threshold_seconds"`
		} `yaml:"idle"`
		Print struct {
			IntervalSeconds int   `yaml:"interval_seconds"`
			SmallJobWeight  int   `yaml:"small_job_weight"`
			LargeJobWeight  int   `yaml:"large_job_weight"`
			LargeJobBytes   int64 `yaml:"large_job_bytes"`
		} `yaml:"print"`
		USB struct {
			IntervalSeconds int `yaml:"interval_seconds"`
			InsertWeight    int `yaml:"insert_weight"`
		} `yaml:"usb"`
	} `yaml:"monitors"`
}

// Config holds the agent configuration and identity.
type Config struct {
	AgentID   string
	Hostname  string
	OSInfo    string
	ServerURL string
	Secret    string
	DataDir   string
	Monitors  MonitorsConfig
}

// LoadConfig reads the environment, loads or generates the durable agent
// ID, and parses the embedded monitor configuration.
func LoadConfig() (*Config, error) {
	var monitors MonitorsConfig
	if err := yaml.Unmarshal(monitorsConfig, &monitors); err != nil {
		return nil, fmt.Errorf("failed to parse monitors config: %w", err)
	}

	dataDir, err := dataDir()
	if err != nil {
		return nil, err
	}

	agentID, err := getOrCreateAgentID(dataDir)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("[WARN] Could not determine hostname: %v", err)
		hostname = "unknown"
	}

	serverURL := os.Getenv("FLEETGUARD_SERVER")
	if serverURL == "" {
		serverURL = "http://localhost:8000/api/v1"
	}

	secret := os.Getenv("COMMAND_SIGNING_SECRET")
	if secret == "" {
		secret = "change-me-in-prod"
		log.Print("[WARN] COMMAND_SIGNING_SECRET not set, using insecure default")
	}

	return &Config{
		AgentID:   agentID,
		Hostname:  hostname,
		OSInfo:    runtime.GOOS + " " + runtime.GOARCH,
		ServerURL: strings.TrimSuffix(serverURL, "/"),
		Secret:    secret,
		DataDir:   dataDir,
		Monitors:  monitors,
	}, nil
}

// dataDir returns the platform-conventional application data directory for
// the agent, creating it on first need.
func dataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		base, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate a data directory: %w", err)
		}
	}
	dir := filepath.Join(base, "fleetguard")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return dir, nil
}

// getOrCreateAgentID retrieves the persisted agent ID or generates and
// stores a new one. The ID must survive restarts so the server keys the
// device aggregate consistently.
func getOrCreateAgentID(dir string) (string, error) {
	idPath := filepath.Join(dir, "agent_id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	newID := generateUUID()
	if err := os.WriteFile(idPath, []byte(newID), 0o600); err != nil {
		return "", fmt.Errorf("failed to save agent ID to %s: %w", idPath, err)
	}
	return newID, nil
}

// generateUUID generates a random version 4 UUID string.
func generateUUID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		log.Fatalf("Failed to generate random UUID: %v", err)
	}
	b[8] = b[8]&0x3f | 0x80
	b[6] = b[6]&0x0f | 0x40
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
