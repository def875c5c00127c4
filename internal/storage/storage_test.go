package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "stepwise/pkg/logx"
)

func record(name string, i int) RunRecord {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(i) * time.Minute)
	return RunRecord{
		Name:       name,
		Started:    start,
		Finished:   start.Add(time.Second),
		Iterations: i,
		Increments: 2,
		Total:      40 * time.Millisecond,
		MaxIncr:    25 * time.Millisecond,
		MeanIncr:   20 * time.Millisecond,
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("Open(none) = (%v, %v), want (nil, nil)", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func testStoreRoundTrip(t *testing.T, cfg Config) {
	t.Helper()
	ctx := context.Background()
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := st.AppendRun(ctx, record("count", i)); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	failed := record("digest", 9)
	failed.Error = "walk: permission denied"
	failed.Interrupted = true
	if err := st.AppendRun(ctx, failed); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	got, err := st.RecentRuns(ctx, "count", 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 || got[0].Iterations != 3 || got[1].Iterations != 2 {
		t.Fatalf("RecentRuns(count, 2) = %+v", got)
	}
	if !got[0].Started.Equal(record("count", 3).Started) || got[0].MaxIncr != 25*time.Millisecond {
		t.Fatalf("record fields lost: %+v", got[0])
	}
	all, _ := st.RecentRuns(ctx, "", 10)
	if len(all) != 4 || all[0].Name != "digest" || all[0].Error == "" || !all[0].Interrupted {
		t.Fatalf("RecentRuns(all) = %+v", all)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: records survive.
	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	all, _ = st.RecentRuns(ctx, "", 10)
	if len(all) != 4 {
		t.Fatalf("after reopen got %d records, want 4", len(all))
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	testStoreRoundTrip(t, Config{Driver: "file", Path: filepath.Join(dir, "state", "stepwise.db")})
	if _, err := os.Stat(filepath.Join(dir, "state", "stepwise.runs.jsonl")); err != nil {
		t.Fatalf("runs file missing: %v", err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	testStoreRoundTrip(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "stepwise.sqlite"), BusyTimeout: time.Second})
}

func TestFileStoreRetainCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.json")
	st, err := Open(Config{Driver: "file", Path: path, Retain: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if err := st.AppendRun(ctx, record("count", i)); err != nil {
			t.Fatalf("AppendRun #%d: %v", i, err)
		}
	}
	got, _ := st.RecentRuns(ctx, "", 0)
	if len(got) != 3 || got[0].Iterations != 10 || got[2].Iterations != 8 {
		t.Fatalf("RecentRuns = %+v", got)
	}
	fs := st.(*fileStore)
	if fs.onDisk > 6 {
		t.Fatalf("file holds %d records, want at most 6", fs.onDisk)
	}
	_ = st.Close()

	if err := st.AppendRun(ctx, record("count", 11)); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendRun after Close = %v, want ErrClosed", err)
	}
}
