package orchestrator

import (
	"time"

	"github.com/benthamlabs/bentham/internal/errcode"
	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/surface"
)

// JobStatus is one node of the per-job lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobExecuting JobStatus = "executing"
	JobComplete  JobStatus = "complete"
	JobFailed    JobStatus = "failed"
)

// Job is one cell of the study matrix plus its execution bookkeeping.
// The job ID is the canonical cell key.
type Job struct {
	ID            string               `json:"id"`
	Cell          manifest.Cell        `json:"cell"`
	QueryText     string               `json:"queryText"`
	Status        JobStatus            `json:"status"`
	Attempts      int                  `json:"attempts"`
	LastAttemptAt time.Time            `json:"lastAttemptAt,omitempty"`
	NextAttemptAt time.Time            `json:"nextAttemptAt,omitempty"`
	Result        *surface.QueryResult `json:"result,omitempty"`
	ErrorMessage  string               `json:"errorMessage,omitempty"`
	ErrorCode     errcode.Code         `json:"errorCode,omitempty"`
	DurationMs    int64                `json:"durationMs,omitempty"`
	CostUSD       float64              `json:"costUsd,omitempty"`

	// claimed marks a job handed out by getNextJobs but not yet started,
	// so two workers never race on the same cell.
	claimed bool
}

// buildJobs expands the manifest into the job map and the ordered ready
// queue of cell keys.
func buildJobs(man *manifest.Manifest) (map[string]*Job, []string) {
	cells := man.ExpandCells()
	jobs := make(map[string]*Job, len(cells))
	queue := make([]string, 0, len(cells))
	for _, cell := range cells {
		key := cell.Key()
		jobs[key] = &Job{
			ID:        key,
			Cell:      cell,
			QueryText: man.Queries[cell.QueryIndex].Text,
			Status:    JobPending,
		}
		queue = append(queue, key)
	}
	return jobs, queue
}
