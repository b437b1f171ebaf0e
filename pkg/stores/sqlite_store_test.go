package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/configurator/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newRun(id, host string, started time.Time) *Run {
	return &Run{
		ID:           id,
		Host:         host,
		ManifestPath: "/etc/configurator.yaml",
		Status:       RunStatusRunning,
		StartedAt:    started,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMigrateBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("expected error migrating an uninitialized store")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "resource_results"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestOpenOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.StartRun(ctx, newRun("run-1", "web01", time.Now())); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRun(ctx, "run-1"); err != nil {
		t.Errorf("run should persist across opens: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.StartRun(ctx, newRun("run-1", "web01", started)); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != RunStatusRunning || run.CompletedAt != nil || run.Host != "web01" {
		t.Errorf("unexpected run after start: %+v", run)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, started)
	}

	msg := "1 resource failed"
	if err := store.FinishRun(ctx, "run-1", RunStatusCompleted, 3, 1, &msg); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != RunStatusCompleted || run.Changed != 3 || run.Failed != 1 {
		t.Errorf("unexpected run after finish: %+v", run)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt should be set for a terminal status")
	}
	if run.Error == nil || *run.Error != msg {
		t.Errorf("Error = %v, want %q", run.Error, msg)
	}
}

func TestRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun: expected ErrNotFound, got %v", err)
	}
	if err := store.FinishRun(ctx, "missing", RunStatusFailed, 0, 0, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun: expected ErrNotFound, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runs := []*Run{
		newRun("a", "web01", base),
		newRun("b", "db01", base.Add(time.Minute)),
		newRun("c", "web01", base.Add(2*time.Minute)),
	}
	for _, r := range runs {
		if err := store.StartRun(ctx, r); err != nil {
			t.Fatalf("StartRun(%s): %v", r.ID, err)
		}
	}

	tests := []struct {
		name   string
		host   string
		limit  int
		offset int
		want   []string
	}{
		{name: "all newest first", want: []string{"c", "b", "a"}},
		{name: "by host", host: "web01", want: []string{"c", "a"}},
		{name: "limit", limit: 1, want: []string{"c"}},
		{name: "offset", limit: 2, offset: 1, want: []string{"b", "a"}},
		{name: "unknown host", host: "nope", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRuns(ctx, tt.host, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d runs, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("run %d = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestRecordAndListResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, newRun("run-1", "web01", time.Now())); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	report := &engine.Report{
		Host: "web01",
		Results: []engine.Result{
			{Type: engine.ResourceTypePackage, ID: "nginx", Action: engine.ActionInstall, Changed: true, Actions: []string{"install"}, Duration: 1500 * time.Millisecond},
			{Type: engine.ResourceTypeFile, ID: "/etc/nginx/nginx.conf", Changed: true, Actions: []string{"content", "restart:nginx"}},
			{Type: engine.ResourceTypeCommand, ID: "false", Err: errors.New("command 'false' exited with status 1")},
		},
	}

	if err := store.RecordResults(ctx, "run-1", ResultsFromReport(report)); err != nil {
		t.Fatalf("RecordResults: %v", err)
	}

	results, err := store.ListResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	if results[0].ResourceID != "nginx" || results[0].Action != "install" || results[0].DurationMS != 1500 {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if len(results[1].Actions) != 2 || results[1].Actions[1] != "restart:nginx" {
		t.Errorf("actions not round-tripped: %+v", results[1].Actions)
	}
	if results[2].Error == nil || results[2].Changed {
		t.Errorf("unexpected failed result: %+v", results[2])
	}
	if results[2].Actions == nil {
		t.Error("actions should decode to an empty list, not nil")
	}
}

func TestRecordResultsRequiresRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.RecordResults(context.Background(), "missing", []ResourceResult{{ResourceType: "file", ResourceID: "/x"}})
	if err == nil {
		t.Fatal("expected foreign key violation for unknown run")
	}
}

func TestPruneRunsCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range []*Run{newRun("old", "web01", old), newRun("new", "web01", recent)} {
		if err := store.StartRun(ctx, r); err != nil {
			t.Fatalf("StartRun: %v", err)
		}
	}
	if err := store.RecordResults(ctx, "old", []ResourceResult{{ResourceType: "file", ResourceID: "/x"}}); err != nil {
		t.Fatalf("RecordResults: %v", err)
	}

	n, err := store.PruneRuns(ctx, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("PruneRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d runs, want 1", n)
	}

	results, err := store.ListResults(ctx, "old")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results of pruned run should be deleted, got %d", len(results))
	}
	if _, err := store.GetRun(ctx, "new"); err != nil {
		t.Errorf("recent run should survive: %v", err)
	}
}

func TestResultsFromReportNil(t *testing.T) {
	if got := ResultsFromReport(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
