// Package store persists run history and cached backend results.
package store

import (
	"context"
	"time"
)

// RunStatus is the outcome of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one recorded batch.
type Run struct {
	ID         string        `json:"id"`
	Status     RunStatus     `json:"status"`
	Backends   string        `json:"backends"`
	Workers    int           `json:"workers"`
	Files      int           `json:"files"`
	Result     *RunResult    `json:"result,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// RunResult holds the totals written when a run ends.
type RunResult struct {
	Status          RunStatus `json:"status"`
	FilesDone       int       `json:"files_done"`
	FilesFailed     int       `json:"files_failed"`
	Compounds       int       `json:"compounds"`
	RegistryNumbers int       `json:"registry_numbers"`
	Error           string    `json:"error,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus
	Limit  int
	Offset int
}

// Store defines the persistence interface for query runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, backends string, workers, files int) (*Run, error)
	FinishRun(ctx context.Context, runID string, result *RunResult) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Query result cache, keyed by backend name and term.
	GetCachedResult(ctx context.Context, backend, term string) (map[string]any, error)
	SetCachedResult(ctx context.Context, backend, term string, record map[string]any, ttl time.Duration) error
	DeleteExpiredResults(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
