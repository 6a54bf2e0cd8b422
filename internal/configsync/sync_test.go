package configsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/playdeck/agent/internal/audit"
	"github.com/playdeck/agent/internal/config"
	"github.com/playdeck/agent/internal/fsguard"
	"github.com/playdeck/agent/internal/health"
	"github.com/playdeck/agent/internal/httputil"
	"github.com/playdeck/agent/internal/identity"
	"github.com/playdeck/agent/pkg/api"
)

type staticIdentity struct {
	mac string
	err error
}

func (s staticIdentity) Resolve(context.Context) (string, error) { return s.mac, s.err }

type configServer struct {
	*httptest.Server
	calls atomic.Int32
	body  string
	macs  chan string
}

func newConfigServer(t *testing.T, body string) *configServer {
	t.Helper()
	cs := &configServer{body: body, macs: make(chan string, 4)}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		if r.URL.Path != "/api/agents/config-by-mac" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req struct {
			MAC string `json:"mac"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		cs.macs <- req.MAC
		if cs.body == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(cs.body))
	}))
	t.Cleanup(cs.Close)
	return cs
}

type syncFixture struct {
	path     string
	original []byte
	handle   *config.Handle
	auditLog *audit.Logger
	health   *health.Monitor
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	dir := t.TempDir()
	f := &syncFixture{
		path:     filepath.Join(dir, config.FileName),
		original: []byte(`{"pcName":"station-01","serverUrl":"http://10.0.0.5:3000"}`),
		health:   health.NewMonitor(),
	}
	if err := os.WriteFile(f.path, f.original, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(f.path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.handle = config.NewHandle(f.path, cfg)
	f.auditLog, err = audit.NewLogger(filepath.Join(dir, "log"))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { f.auditLog.Close() })
	return f
}

func (f *syncFixture) syncer(id Identity, serverURL string) *Syncer {
	noRetry := httputil.NoRetry()
	return New(Options{
		Identity: id,
		Server:   api.NewClient(serverURL, api.Options{Retry: &noRetry}),
		Config:   f.handle,
		Audit:    f.auditLog,
		Health:   f.health,
	})
}

func (f *syncFixture) unchanged(t *testing.T) {
	t.Helper()
	data, err := os.ReadFile(f.path)
	if err != nil || !bytes.Equal(data, f.original) {
		t.Fatalf("config changed: %q, %v", data, err)
	}
}

func TestIdentityFailureSkipsSync(t *testing.T) {
	srv := newConfigServer(t, `{}`)
	f := newSyncFixture(t)

	res, err := f.syncer(staticIdentity{err: identity.ErrIdentityUnavailable}, srv.URL).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeNoIdentity {
		t.Fatalf("outcome = %q", res.Outcome)
	}
	if srv.calls.Load() != 0 {
		t.Fatal("server contacted without an identity")
	}
	f.unchanged(t)
}

func TestNoConfigForHost(t *testing.T) {
	srv := newConfigServer(t, "")
	f := newSyncFixture(t)

	res, err := f.syncer(staticIdentity{mac: "aa:bb:cc:dd:ee:ff"}, srv.URL).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeNotFound {
		t.Fatalf("outcome = %q", res.Outcome)
	}
	if mac := <-srv.macs; mac != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("server got mac %q", mac)
	}
	f.unchanged(t)
}

func TestServerConfigReplacesLocal(t *testing.T) {
	srv := newConfigServer(t, `{"pcName":"arena-07","serverUrl":"http://10.0.0.9:3000","gamesDirectories":["D:\\Games"]}`)
	f := newSyncFixture(t)

	var notified atomic.Int32
	f.handle.OnChange(func(*config.Config) { notified.Add(1) })

	res, err := f.syncer(staticIdentity{mac: "aa:bb:cc:dd:ee:ff"}, srv.URL).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %q", res.Outcome)
	}

	backup, err := os.ReadFile(res.BackupPath)
	if err != nil || !bytes.Equal(backup, f.original) {
		t.Fatalf("backup = %q, %v", backup, err)
	}
	live := f.handle.Get()
	if live.PCName != "arena-07" || live.ServerURL != "http://10.0.0.9:3000" {
		t.Fatalf("live config not reloaded: %+v", live)
	}
	if len(live.GamesDirectories) != 1 || live.GamesDirectories[0] != `D:\Games` {
		t.Fatalf("gamesDirectories = %v", live.GamesDirectories)
	}
	if notified.Load() != 1 {
		t.Fatalf("subscribers notified %d times", notified.Load())
	}

	n, err := audit.Verify(f.auditLog.Path())
	if err != nil || n != 1 {
		t.Fatalf("audit entries = %d, %v", n, err)
	}
	if got := f.health.Get(health.ComponentConfigSync).Status; got != health.Healthy {
		t.Fatalf("health = %v", got)
	}
}

func TestIdenticalServerConfigIsNotRewritten(t *testing.T) {
	srv := newConfigServer(t, `{"pcName":"station-01","serverUrl":"http://10.0.0.5:3000"}`)
	f := newSyncFixture(t)

	res, err := f.syncer(staticIdentity{mac: "aa:bb:cc:dd:ee:ff"}, srv.URL).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Fatalf("outcome = %q", res.Outcome)
	}
	if _, err := os.Stat(config.NewStore().BackupPath(f.path)); !os.IsNotExist(err) {
		t.Fatal("backup written for an unchanged config")
	}
}

func TestUnchangedDecisionWaitsForFileGuard(t *testing.T) {
	server := `{"pcName":"arena-07","serverUrl":"http://10.0.0.9:3000"}`
	srv := newConfigServer(t, server)
	f := newSyncFixture(t)

	guard := fsguard.New()
	held := make(chan struct{})
	release := make(chan struct{})
	go guard.Do(context.Background(), "writer", func() error {
		close(held)
		<-release
		return nil
	})
	<-held

	noRetry := httputil.NoRetry()
	s := New(Options{
		Identity: staticIdentity{mac: "aa:bb:cc:dd:ee:ff"},
		Server:   api.NewClient(srv.URL, api.Options{Retry: &noRetry}),
		Config:   f.handle,
		Guard:    guard,
		Audit:    f.auditLog,
		Health:   f.health,
	})
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run(context.Background())
		done <- outcome{res, err}
	}()

	<-srv.macs
	time.Sleep(50 * time.Millisecond)
	// Another writer lands the server document while holding the guard.
	if err := os.WriteFile(f.path, []byte(server), 0o644); err != nil {
		t.Fatal(err)
	}
	close(release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not finish")
	}
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if got.res.Outcome != OutcomeUnchanged {
		t.Fatalf("outcome = %q, want unchanged", got.res.Outcome)
	}
	if _, err := os.Stat(config.NewStore().BackupPath(f.path)); !os.IsNotExist(err) {
		t.Fatal("backup written for a config that already matched")
	}
}

func TestInvalidServerConfigRejected(t *testing.T) {
	for name, body := range map[string]string{
		"missing server url": `{"pcName":"arena-07"}`,
		"not an object":      `["a","b"]`,
		"bad scheme":         `{"serverUrl":"ftp://10.0.0.9"}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := newConfigServer(t, body)
			f := newSyncFixture(t)

			_, err := f.syncer(staticIdentity{mac: "aa:bb:cc:dd:ee:ff"}, srv.URL).Run(context.Background())
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
			f.unchanged(t)
			if f.handle.Get().PCName != "station-01" {
				t.Fatal("live config replaced by a rejected document")
			}
			if got := f.health.Get(health.ComponentConfigSync).Status; got != health.Degraded {
				t.Fatalf("health = %v, want degraded", got)
			}
		})
	}
}

func TestServerErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	f := newSyncFixture(t)

	_, err := f.syncer(staticIdentity{mac: "aa:bb:cc:dd:ee:ff"}, srv.URL).Run(context.Background())
	var se *httputil.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
	f.unchanged(t)
}
