package stores

import (
	"context"
	"time"
)

// RunStatus represents the outcome of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusDenied marks a run stopped by a blocking policy violation.
	RunStatusDenied RunStatus = "denied"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Run is one application of a host manifest.
type Run struct {
	ID           string     `json:"id"`
	Host         string     `json:"host"`
	ManifestPath string     `json:"manifest_path"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
	Changed      int        `json:"changed"`
	Failed       int        `json:"failed"`
	TraceID      string     `json:"trace_id,omitempty"`
}

// ResourceResult is the journaled outcome of one resource within a run.
type ResourceResult struct {
	ID           int64    `json:"id"`
	RunID        string   `json:"run_id"`
	Seq          int      `json:"seq"`
	ResourceType string   `json:"resource_type"`
	ResourceID   string   `json:"resource_id"`
	Action       string   `json:"action,omitempty"`
	Changed      bool     `json:"changed"`
	Skipped      bool     `json:"skipped"`
	Error        *string  `json:"error,omitempty"`
	Actions      []string `json:"actions"`
	DurationMS   int64    `json:"duration_ms"`
}

// Journal records runs. It is write-mostly history and is never consulted
// when deciding what to change.
type Journal interface {
	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, changed, failed int, errMsg *string) error
	RecordResults(ctx context.Context, runID string, results []ResourceResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, host string, limit, offset int) ([]*Run, error)
	ListResults(ctx context.Context, runID string) ([]*ResourceResult, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
