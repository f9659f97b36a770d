package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fleetguard/fleetguard/wire"
)

// defaultDrainLimit caps how many buffered lines one sync cycle may consume,
// bounding the per-cycle upload size. Lines beyond the cap stay queued for
// the next cycle.
const defaultDrainLimit = 200

// OfflineBuffer is the durable local queue used when the server is
// unreachable: one JSON-serialized event per line, newline-delimited,
// append-only. Consumed lines are removed positionally by count, never by
// content matching. All I/O is best-effort; the agent must never crash
// because of buffer errors.
type OfflineBuffer struct {
	path string
}

// NewOfflineBuffer returns a buffer backed by the given file path. The file
// is created on first append.
func NewOfflineBuffer(path string) *OfflineBuffer {
	return &OfflineBuffer{path: path}
}

// Append persists events to the end of the buffer.
func (b *OfflineBuffer) Append(events []wire.Event) error {
	if len(events) == 0 {
		return nil
	}
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open offline buffer: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			// An event that cannot be serialized is dropped rather than
			// poisoning the buffer.
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush offline buffer: %w", err)
	}
	return nil
}

// Load reads up to max lines from the head of the buffer and returns the
// events that parsed, along with the number of physical lines consumed.
// Blank and malformed lines count as consumed but produce no event, so a
// later Truncate removes them too instead of re-reading them forever.
func (b *OfflineBuffer) Load(max int) (events []wire.Event, lines int, err error) {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open offline buffer: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lines < max && scanner.Scan() {
		lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e wire.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Skip malformed lines rather than aborting the whole read.
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, lines, fmt.Errorf("failed reading offline buffer: %w", err)
	}
	return events, lines, nil
}

// Truncate removes the first n lines from the buffer. Truncating more lines
// than exist empties the file; n <= 0 is a no-op.
func (b *OfflineBuffer) Truncate(n int) error {
	if n <= 0 {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read offline buffer: %w", err)
	}

	remaining := data
	for i := 0; i < n && len(remaining) > 0; i++ {
		idx := bytes.IndexByte(remaining, '\n')
		if idx < 0 {
			remaining = nil
			break
		}
		remaining = remaining[idx+1:]
	}

	if err := os.WriteFile(b.path, remaining, 0o600); err != nil {
		return fmt.Errorf("failed to rewrite offline buffer: %w", err)
	}
	return nil
}
