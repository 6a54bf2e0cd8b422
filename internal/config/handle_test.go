package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestHandleGetReturnsCopy(t *testing.T) {
	h := NewHandle("unused", validConfig())
	cfg := h.Get()
	cfg.PCName = "changed"
	if h.Get().PCName != "station-01" {
		t.Fatal("mutating Get result changed the handle")
	}
}

func TestHandleReloadNotifiesSubscribers(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, `{"pcName":"station-01","serverUrl":"http://srv"}`)

	h := NewHandle(path, validConfig())
	got := make(chan string, 1)
	h.OnChange(func(c *Config) { got <- c.PCName })

	writeFile(t, path, `{"pcName":"station-99","serverUrl":"http://srv"}`)
	if _, err := h.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if name := <-got; name != "station-99" {
		t.Fatalf("subscriber saw %q", name)
	}
	if h.Get().PCName != "station-99" {
		t.Fatalf("PCName = %q", h.Get().PCName)
	}
}

func TestHandleReloadKeepsConfigOnFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, `{"pcName":"station-01","serverUrl":"ftp://srv"}`)

	h := NewHandle(path, validConfig())
	if _, err := h.Reload(); err == nil {
		t.Fatal("expected reload to reject fatal config")
	}
	if h.Get().ServerURL != "http://10.0.0.5:3000" {
		t.Fatalf("ServerURL = %q, want original", h.Get().ServerURL)
	}
}

func TestWatchFiresOnReplace(t *testing.T) {
	old := watchDebounce
	watchDebounce = 20 * time.Millisecond
	t.Cleanup(func() { watchDebounce = old })

	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeFile(t, path, `{"serverUrl":"http://srv"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func() { fired <- struct{}{} })
	}()

	// Give the watcher time to register before touching the file.
	time.Sleep(100 * time.Millisecond)
	if err := NewStore().Persist(path, Document{"serverUrl": "http://other"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	writeFile(t, filepath.Join(dir, "unrelated.txt"), "x")

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("watch callback did not fire")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
