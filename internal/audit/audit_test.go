package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var out []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Record(EventAgentStart, map[string]any{"version": "1.0.0"})
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned %v", err)
	}
	if l.Dropped() != -1 {
		t.Fatalf("nil Dropped() = %d, want -1", l.Dropped())
	}
}

func TestRecordWritesChainedEntries(t *testing.T) {
	l := newTestLogger(t)
	l.Record(EventAgentStart, map[string]any{"version": "1.0.0"})
	l.Record(EventConfigChange, map[string]any{"source": "server_sync"})
	l.Record(EventUpdateApplied, map[string]any{"version": "1.0.1"})
	l.Close()

	entries := readEntries(t, l.Path())
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesis {
		t.Fatalf("first prevHash = %q", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Fatalf("entry %d not linked to entry %d", i, i-1)
		}
	}
	if entries[1].Details["source"] != "server_sync" {
		t.Fatalf("details = %v", entries[1].Details)
	}

	n, err := Verify(l.Path())
	if err != nil || n != 3 {
		t.Fatalf("Verify = %d, %v", n, err)
	}
	if l.Dropped() != 0 {
		t.Fatalf("Dropped() = %d", l.Dropped())
	}
}

func TestChainContinuesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	first, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	first.Record(EventAgentStart, nil)
	first.Record(EventAgentStop, nil)
	first.Close()

	second, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	second.Record(EventAgentStart, nil)
	second.Close()

	entries := readEntries(t, filepath.Join(dir, FileName))
	if len(entries) != 3 || entries[2].PrevHash != entries[1].Hash {
		t.Fatalf("chain not continued: %+v", entries)
	}
	if _, err := Verify(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Record(EventConfigChange, map[string]any{"pcName": "station-01"})
	l.Record(EventAgentStop, nil)
	l.Close()

	data, _ := os.ReadFile(l.Path())
	tampered := strings.Replace(string(data), "station-01", "station-66", 1)
	if err := os.WriteFile(l.Path(), []byte(tampered), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Verify(l.Path()); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
}

func TestRotationWritesLinkedSentinel(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 200

	for i := 0; i < 6; i++ {
		l.Record(EventConfigChange, map[string]any{"i": i})
	}
	l.Close()

	if _, err := os.Stat(l.numbered(1)); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
	old := readEntries(t, l.numbered(1))
	current := readEntries(t, l.Path())
	if current[0].Event != EventLogRotated {
		t.Fatalf("first entry after rotation = %q", current[0].Event)
	}
	if current[0].PrevHash != old[len(old)-1].Hash {
		t.Fatal("sentinel not linked to previous file")
	}
	if _, err := Verify(l.Path()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	l := newTestLogger(t)
	l.Close()
	l.Record(EventAgentStop, nil)
	if l.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", l.Dropped())
	}
}
