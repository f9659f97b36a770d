package main

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fleetguard/fleetguard/wire"
)

// probeTimeout bounds every monitor shell-out.
const probeTimeout = 5 * time.Second

// Monitors runs the built-in observation sources. Each source loops on its
// own fixed cadence, checks the cached policy toggle on every tick, and
// feeds (type, description, weight, metadata) events into the shared queue.
// Probes are best-effort: a failing probe logs once and the loop keeps
// going.
type Monitors struct {
	cfg    *Config
	queue  *EventQueue
	policy *PolicyCell
}

// NewMonitors wires the monitors to the queue and policy cell.
func NewMonitors(cfg *Config, queue *EventQueue, policy *PolicyCell) *Monitors {
	return &Monitors{cfg: cfg, queue: queue, policy: policy}
}

// Start launches all monitor loops. They stop when ctx is cancelled.
func (m *Monitors) Start(ctx context.Context) {
	go m.runIdle(ctx)
	go m.runPrintAudit(ctx)
	go m.runUSBWatch(ctx)
}

// runIdle samples input idle time once per second and accumulates the
// uptime/active/idle counters.
func (m *Monitors) runIdle(ctx context.Context) {
	cfg := m.cfg.Monitors.Monitors.Idle
	threshold := time.Duration(cfg.IdleThresholdSeconds) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.policy.Enabled("idleTracking") {
			continue
		}

		idle, err := idleDuration(ctx)
		if err != nil && !warned {
			log.Printf("[WARN] Idle probe unavailable, counting all time as active: %v", err)
			warned = true
		}
		m.queue.UpdateStats(func(s *wire.WorkStats) {
			s.Uptime++
			if err == nil && idle > threshold {
				s.IdleTime++
			} else {
				s.ActiveTime++
			}
		})
	}
}

// runPrintAudit polls the print spooler and emits one PRINT event per newly
// observed job.
func (m *Monitors) runPrintAudit(ctx context.Context) {
	cfg := m.cfg.Monitors.Monitors.Print
	ticker := time.NewTicker(time.Duration(cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	seen := make(map[string]bool)
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.policy.Enabled("printMonitoring") {
			continue
		}

		jobs, err := printJobs(ctx)
		if err != nil {
			if !warned {
				log.Printf("[WARN] Print spooler probe unavailable: %v", err)
				warned = true
			}
			continue
		}

		for _, job := range jobs {
			if seen[job.id] {
				continue
			}
			seen[job.id] = true

			weight := cfg.SmallJobWeight
			if job.bytes >= cfg.LargeJobBytes {
				weight = cfg.LargeJobWeight
			}
			m.queue.Append(wire.Event{
				Type:        "PRINT",
				Description: "Print job: " + job.id,
				Weight:      weight,
				Metadata: map[string]string{
					"job":   job.id,
					"bytes": strconv.FormatInt(job.bytes, 10),
				},
			})
			m.queue.UpdateStats(func(s *wire.WorkStats) { s.PrintCount++ })
		}
	}
}

// runUSBWatch polls the attached USB device set and emits a USB_INSERT
// event for every device that appears. The first successful scan seeds the
// baseline so startup does not produce a storm of events.
func (m *Monitors) runUSBWatch(ctx context.Context) {
	cfg := m.cfg.Monitors.Monitors.USB
	ticker := time.NewTicker(time.Duration(cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	var baseline map[string]bool
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.policy.Enabled("usbMonitoring") {
			continue
		}

		devices, err := usbDevices(ctx)
		if err != nil {
			if !warned {
				log.Printf("[WARN] USB probe unavailable: %v", err)
				warned = true
			}
			continue
		}

		current := make(map[string]bool, len(devices))
		for _, d := range devices {
			current[d] = true
		}
		if baseline == nil {
			baseline = current
			continue
		}

		for _, d := range devices {
			if baseline[d] {
				continue
			}
			m.queue.Append(wire.Event{
				Type:        "USB_INSERT",
				Description: "USB device attached: " + d,
				Weight:      cfg.InsertWeight,
				Metadata:    map[string]string{"device": d},
			})
		}
		baseline = current
	}
}

// idleDuration reports how long user input has been idle.
func idleDuration(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch runtime.GOOS {
	case "linux":
		out, err := exec.CommandContext(ctx, "xprintidle").Output()
		if err != nil {
			return 0, fmt.Errorf("xprintidle: %w", err)
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("xprintidle output: %w", err)
		}
		return time.Duration(ms) * time.Millisecond, nil
	case "darwin":
		out, err := exec.CommandContext(ctx, "ioreg", "-c", "IOHIDSystem").Output()
		if err != nil {
			return 0, fmt.Errorf("ioreg: %w", err)
		}
		for _, line := range strings.Split(string(out), "\n") {
			if !strings.Contains(line, "HIDIdleTime") {
				continue
			}
			parts := strings.Split(line, "=")
			if len(parts) != 2 {
				continue
			}
			nanos, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
			if err != nil {
				continue
			}
			return time.Duration(nanos), nil
		}
		return 0, fmt.Errorf("ioreg output missing HIDIdleTime")
	default:
		return 0, fmt.Errorf("idle detection not supported on %s", runtime.GOOS)
	}
}

type printJob struct {
	id    string
	bytes int64
}

// printJobs lists the jobs currently known to the local print spooler.
func printJobs(ctx context.Context) ([]printJob, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd":
		// lpstat -o lines: "printer-42 user 1024 Tue 14 Jan ..."
		out, err := exec.CommandContext(ctx, "lpstat", "-o").Output()
		if err != nil {
			return nil, fmt.Errorf("lpstat: %w", err)
		}
		var jobs []printJob
		for _, line := range strings.Split(string(out), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			size, _ := strconv.ParseInt(fields[2], 10, 64)
			jobs = append(jobs, printJob{id: fields[0], bytes: size})
		}
		return jobs, nil
	case "windows":
		out, err := exec.CommandContext(ctx, "wmic", "printjob", "get", "JobId,Size", "/format:csv").Output()
		if err != nil {
			return nil, fmt.Errorf("wmic printjob: %w", err)
		}
		var jobs []printJob
		for _, line := range strings.Split(string(out), "\n") {
			fields := strings.Split(strings.TrimSpace(line), ",")
			if len(fields) < 3 || fields[1] == "JobId" {
				continue
			}
			size, _ := strconv.ParseInt(fields[2], 10, 64)
			jobs = append(jobs, printJob{id: fields[1], bytes: size})
		}
		return jobs, nil
	default:
		return nil, fmt.Errorf("print audit not supported on %s", runtime.GOOS)
	}
}

// usbDevices lists identifiers for the currently attached USB devices.
func usbDevices(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.CommandContext(ctx, "lsusb")
	case "darwin":
		cmd = exec.CommandContext(ctx, "ioreg", "-p", "IOUSB", "-w", "0")
	case "windows":
		cmd = exec.CommandContext(ctx, "wmic", "path", "Win32_USBHub", "get", "DeviceID")
	default:
		return nil, fmt.Errorf("USB monitoring not supported on %s", runtime.GOOS)
	}

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("usb probe: %w", err)
	}
	var devices []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "DeviceID" {
			continue
		}
		devices = append(devices, line)
	}
	return devices, nil
}
