package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/fleetguard/fleetguard/wire"
)

func testBuffer(t *testing.T) *OfflineBuffer {
	t.Helper()
	return NewOfflineBuffer(filepath.Join(t.TempDir(), "offline_events.jsonl"))
}

func testEvents(n int) []wire.Event {
	events := make([]wire.Event, n)
	for i := range events {
		events[i] = wire.Event{
			ID:          "evt-" + strconv.Itoa(i),
			Type:        "PRINT",
			Description: "Print job: job-" + strconv.Itoa(i),
			Weight:      15,
			Metadata:    map[string]string{"job": strconv.Itoa(i)},
		}
	}
	return events
}

func TestBufferRoundTrip(t *testing.T) {
	b := testBuffer(t)
	want := testEvents(5)

	if err := b.Append(want); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, lines, err := b.Load(defaultDrainLimit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if lines != len(want) {
		t.Errorf("consumed %d lines, want %d", lines, len(want))
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Type != want[i].Type ||
			got[i].Description != want[i].Description || got[i].Weight != want[i].Weight {
			t.Errorf("event %d mismatch: got %+v, want %+v", i, got[i], want[i])
		}
		if got[i].Metadata["job"] != want[i].Metadata["job"] {
			t.Errorf("event %d metadata mismatch: got %v, want %v", i, got[i].Metadata, want[i].Metadata)
		}
	}
}

func TestBufferLoadCap(t *testing.T) {
	b := testBuffer(t)
	if err := b.Append(testEvents(10)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, lines, err := b.Load(4)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 4 || lines != 4 {
		t.Fatalf("got %d events over %d lines, want 4 over 4", len(got), lines)
	}
	if got[0].ID != "evt-0" || got[3].ID != "evt-3" {
		t.Errorf("capped read returned wrong prefix: %s..%s", got[0].ID, got[3].ID)
	}
}

func TestBufferTruncate(t *testing.T) {
	b := testBuffer(t)
	if err := b.Append(testEvents(7)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := b.Truncate(3); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	got, lines, err := b.Load(defaultDrainLimit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if lines != 4 {
		t.Fatalf("after truncating 3 of 7, %d lines remain, want 4", lines)
	}
	if got[0].ID != "evt-3" {
		t.Errorf("head after truncate is %s, want evt-3", got[0].ID)
	}

	// Truncating zero more must change nothing.
	if err := b.Truncate(0); err != nil {
		t.Fatalf("Truncate(0) failed: %v", err)
	}
	_, lines, _ = b.Load(defaultDrainLimit)
	if lines != 4 {
		t.Errorf("Truncate(0) changed line count to %d", lines)
	}

	// Truncating past the end empties the buffer without error.
	if err := b.Truncate(100); err != nil {
		t.Fatalf("over-truncate failed: %v", err)
	}
	_, lines, _ = b.Load(defaultDrainLimit)
	if lines != 0 {
		t.Errorf("over-truncate left %d lines", lines)
	}
}

func TestBufferSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline_events.jsonl")
	content := strings.Join([]string{
		`{"id":"evt-0","type":"PRINT","description":"ok","weight":15}`,
		`{not json at all`,
		``,
		`{"id":"evt-1","type":"USB_INSERT","description":"ok","weight":45}`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	b := NewOfflineBuffer(path)
	got, lines, err := b.Load(defaultDrainLimit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	// Malformed and blank lines still count as consumed so truncation
	// removes them too.
	if lines != 4 {
		t.Errorf("consumed %d lines, want 4", lines)
	}
	if got[0].ID != "evt-0" || got[1].ID != "evt-1" {
		t.Errorf("unexpected events: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestBufferMissingFile(t *testing.T) {
	b := testBuffer(t)

	got, lines, err := b.Load(defaultDrainLimit)
	if err != nil || len(got) != 0 || lines != 0 {
		t.Fatalf("Load on missing file: got %d events, %d lines, err %v", len(got), lines, err)
	}
	if err := b.Truncate(5); err != nil {
		t.Fatalf("Truncate on missing file failed: %v", err)
	}
}
