package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"stepwise/internal/config"
	"stepwise/internal/storage"
)

// memStore records runs in memory and can fail the first writes.
type memStore struct {
	mu       sync.Mutex
	failNext int
	runs     []storage.RunRecord
	closed   bool
}

func (s *memStore) AppendRun(ctx context.Context, r storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("disk full")
	}
	s.runs = append(s.runs, r)
	return nil
}

func (s *memStore) RecentRuns(ctx context.Context, name string, limit int) ([]storage.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.RunRecord
	for i := len(s.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if name == "" || s.runs[i].Name == name {
			out = append(out, s.runs[i])
		}
	}
	return out, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "stepwise.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func baseConfig(storagePath, workloads string) string {
	return fmt.Sprintf(`{
  "logging": {"level": "error"},
  "host": {"cadence": "fixed_delay", "interval": "1ms"},
  "trigger": {"no_startup_spread": true},
  "storage": {"driver": "file", "path": %q},
  "workloads": [%s]
}`, storagePath, workloads)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := New(writeConfig(t, t.TempDir(), body))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestFireRecordsRun(t *testing.T) {
	store := filepath.Join(t.TempDir(), "runs")
	a := startApp(t, baseConfig(store,
		`{"name": "sum", "kind": "count", "schedule": "@every 1h", "params": {"limit": 1000}}`))

	if got := a.Snapshot().Triggers.Triggers; len(got) != 1 || got[0].Name != "sum" {
		t.Fatalf("triggers = %+v, want sum", got)
	}
	if err := a.Fire("sum"); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	var runs []storage.RunRecord
	waitFor(t, "run record", func() bool {
		runs, _ = a.RecentRuns(context.Background(), "sum", 10)
		return len(runs) == 1
	})
	r := runs[0]
	if r.Iterations != 1000 || r.Interrupted || r.Error != "" || r.Increments < 1 {
		t.Fatalf("record = %+v", r)
	}
	if r.Finished.Before(r.Started) {
		t.Fatalf("Finished %v before Started %v", r.Finished, r.Started)
	}
	if err := a.Fire("nope"); err == nil {
		t.Fatal("Fire of unknown workload succeeded")
	}
	stopApp(t, a)

	// Records survive a restart of the store.
	st, err := storage.Open(storage.Config{Driver: "file", Path: store}, a.log)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	again, err := st.RecentRuns(context.Background(), "sum", 10)
	if err != nil || len(again) != 1 {
		t.Fatalf("reopened runs = %v, %v", again, err)
	}
}

func TestPersistRetriesFailedWrite(t *testing.T) {
	a, err := New(writeConfig(t, t.TempDir(), baseConfig(filepath.Join(t.TempDir(), "runs"),
		`{"name": "sum", "kind": "count", "schedule": "@every 1h", "params": {"limit": 10}}`)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = a.store.Close()
	ms := &memStore{failNext: 1}
	a.store = ms
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopApp(t, a)

	if err := a.Fire("sum"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retried record", func() bool {
		runs, _ := ms.RecentRuns(context.Background(), "sum", 0)
		return len(runs) == 1
	})
	if got := a.persist.Failed(); got != 1 {
		t.Fatalf("persist.Failed() = %d, want 1", got)
	}
	waitFor(t, "retry settled", func() bool { return a.retrying.Load() == 0 })
}

func TestStopInterruptsActiveRuns(t *testing.T) {
	a, err := New(writeConfig(t, t.TempDir(), baseConfig(filepath.Join(t.TempDir(), "runs"),
		`{"name": "big", "kind": "count", "schedule": "@every 1h", "budget": "1ms", "params": {"limit": 2000000000}}`)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = a.store.Close()
	ms := &memStore{}
	a.store = ms
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Fire("big"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run started", func() bool { return a.runs.count() == 1 })
	stopApp(t, a)

	runs, _ := ms.RecentRuns(context.Background(), "big", 0)
	if len(runs) != 1 || !runs[0].Interrupted {
		t.Fatalf("runs = %+v, want one interrupted record", runs)
	}
	if !ms.closed {
		t.Fatal("store not closed on Stop")
	}
}

func TestOverlapSkipsWhileRunning(t *testing.T) {
	a, err := New(writeConfig(t, t.TempDir(), baseConfig(filepath.Join(t.TempDir(), "runs"),
		`{"name": "big", "kind": "count", "schedule": "@every 1h", "budget": "1ms", "params": {"limit": 2000000000}}`)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopApp(t, a)
	if err := a.Fire("big"); err != nil {
		t.Fatal(err)
	}
	if err := a.Fire("big"); err == nil || !strings.Contains(err.Error(), "skipped") {
		t.Fatalf("second Fire = %v, want overlap skip", err)
	}
}

func TestApplyConfigReregistersWorkloads(t *testing.T) {
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(filepath.Join(dir, "runs"),
		`{"name": "a", "kind": "count", "schedule": "@every 1h"},
		 {"name": "b", "kind": "count", "schedule": "@every 1h"}`)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopApp(t, a)

	next, err := config.Decode("c.json", []byte(baseConfig(filepath.Join(dir, "runs"),
		`{"name": "a", "kind": "count", "schedule": "@every 1h", "disabled": true},
		 {"name": "c", "kind": "digest", "schedule": "*/5 * * * *", "params": {"root": "."}}`)))
	if err != nil {
		t.Fatal(err)
	}
	a.applyConfig(next)

	if got, want := a.triggers.Names(), []string{"c"}; !slices.Equal(got, want) {
		t.Fatalf("triggers = %v, want %v", got, want)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown kind", `{"workloads": [{"name": "x", "kind": "sleep", "schedule": "1m"}]}`, "unknown kind"},
		{"bad cadence", `{"host": {"cadence": "sometimes"}}`, "host.cadence"},
		{"bad timezone", `{"trigger": {"timezone": "Mars/Olympus"}}`, "trigger.timezone"},
		{"sqlite without path", `{"storage": {"driver": "sqlite"}}`, "storage.path"},
		{"bad schedule", `{"workloads": [{"name": "x", "kind": "count", "schedule": "whenever"}]}`, "schedule"},
		{"public debug without token", `{"debug": {"enabled": true, "addr": "0.0.0.0:6060"}}`, "non-loopback"},
	}
	for _, tt := range tests {
		_, err := New(writeConfig(t, t.TempDir(), tt.body))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: New err = %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestDebugListenerServesStatus(t *testing.T) {
	dir := t.TempDir()
	body := strings.Replace(baseConfig(filepath.Join(dir, "runs"),
		`{"name": "sum", "kind": "count", "schedule": "@every 1h", "params": {"limit": 10}}`),
		`"workloads"`, `"debug": {"enabled": true, "addr": "127.0.0.1:0"}, "workloads"`, 1)
	a := startApp(t, body)
	defer stopApp(t, a)

	waitFor(t, "debug listener", func() bool { return a.Snapshot().DebugAddr != "" })
	base := "http://" + a.Snapshot().DebugAddr

	resp, err := http.Post(base+"/workloads/sum/fire", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("fire status = %d, want 202", resp.StatusCode)
	}
	waitFor(t, "run record", func() bool {
		runs, _ := a.RecentRuns(context.Background(), "sum", 1)
		return len(runs) == 1
	})

	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	err = json.NewDecoder(resp.Body).Decode(&snap)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(snap.Triggers.Triggers) != 1 || snap.Triggers.Triggers[0].Name != "sum" {
		t.Fatalf("status triggers = %+v", snap.Triggers)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metrics, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(metrics), `stepwise_iterations_total{loop="sum"} 10`) {
		t.Fatalf("metrics missing sum iterations:\n%s", metrics)
	}
}
