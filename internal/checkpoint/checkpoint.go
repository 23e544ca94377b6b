// Package checkpoint implements the durable study snapshot: the checkpoint
// model, pure state transitions, the crash-safe file store, and the manager
// that drives the auto-save policy.
package checkpoint

import (
	"math"
	"time"
)

// FormatVersion is the checkpoint file format version. Readers refuse to load
// files whose major component differs.
const FormatVersion = "1.0.0"

// CellResult is the per-cell outcome recorded in a checkpoint.
type CellResult struct {
	CellKey        string    `json:"cellKey"`
	Success        bool      `json:"success"`
	ResponseLength int       `json:"responseLength,omitempty"`
	ResponseTimeMs int64     `json:"responseTimeMs,omitempty"`
	EvidenceSHA256 string    `json:"evidenceSha256,omitempty"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

// RetryState is the per-cell retry bookkeeping carried across restarts.
type RetryState struct {
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorCode string     `json:"lastErrorCode,omitempty"`
	NextRetryTime *time.Time `json:"nextRetryTime,omitempty"`
	Exhausted     bool       `json:"exhausted"`
}

// Metadata describes the matrix shape for operators inspecting a snapshot.
type Metadata struct {
	Surfaces   []string `json:"surfaces"`
	Locations  []string `json:"locations"`
	QueryCount int      `json:"queryCount"`
}

// Checkpoint is a full snapshot of one study's cell progress and retry state.
// Invariant: CompletedCells + FailedCells <= TotalCells, and ProgressPercent
// is always round(100*(completed+failed)/total).
type Checkpoint struct {
	Version             string                `json:"version"`
	StudyID             string                `json:"studyId"`
	StudyName           string                `json:"studyName"`
	ManifestFingerprint string                `json:"manifestFingerprint,omitempty"`
	SequenceNumber      uint64                `json:"sequenceNumber"`
	CreatedAt           time.Time             `json:"createdAt"`
	UpdatedAt           time.Time             `json:"updatedAt"`
	TotalCells          int                   `json:"totalCells"`
	CompletedCells      int                   `json:"completedCells"`
	FailedCells         int                   `json:"failedCells"`
	ProgressPercent     int                   `json:"progressPercent"`
	ExecutionQueue      []string              `json:"executionQueue"`
	CellResults         map[string]CellResult `json:"cellResults"`
	RetryStates         map[string]RetryState `json:"retryStates"`
	Metadata            Metadata              `json:"metadata"`
}

// New creates an empty checkpoint for a study whose ready queue holds the
// given cell keys.
func New(studyID, studyName, fingerprint string, queue []string, meta Metadata, now time.Time) Checkpoint {
	q := make([]string, len(queue))
	copy(q, queue)
	return Checkpoint{
		Version:             FormatVersion,
		StudyID:             studyID,
		StudyName:           studyName,
		ManifestFingerprint: fingerprint,
		CreatedAt:           now,
		UpdatedAt:           now,
		TotalCells:          len(queue),
		ExecutionQueue:      q,
		CellResults:         map[string]CellResult{},
		RetryStates:         map[string]RetryState{},
		Metadata:            meta,
	}
}

// clone deep-copies a checkpoint so pure transitions never alias maps.
func (c Checkpoint) clone() Checkpoint {
	out := c
	out.ExecutionQueue = make([]string, len(c.ExecutionQueue))
	copy(out.ExecutionQueue, c.ExecutionQueue)
	out.CellResults = make(map[string]CellResult, len(c.CellResults))
	for k, v := range c.CellResults {
		out.CellResults[k] = v
	}
	out.RetryStates = make(map[string]RetryState, len(c.RetryStates))
	for k, v := range c.RetryStates {
		out.RetryStates[k] = v
	}
	return out
}

// ApplyResult returns a new checkpoint with the cell's terminal outcome
// recorded and the progress counters recomputed. Re-applying a result for the
// same cell replaces it without double counting.
func (c Checkpoint) ApplyResult(res CellResult, now time.Time) Checkpoint {
	out := c.clone()

	if prev, ok := out.CellResults[res.CellKey]; ok {
		if prev.Success {
			out.CompletedCells--
		} else {
			out.FailedCells--
		}
	}
	out.CellResults[res.CellKey] = res
	if res.Success {
		out.CompletedCells++
	} else {
		out.FailedCells++
	}
	out.ProgressPercent = progressPercent(out.CompletedCells, out.FailedCells, out.TotalCells)
	out.UpdatedAt = now
	out.SequenceNumber++
	return out
}

// ApplyRetry returns a new checkpoint with the cell's retry state replaced.
func (c Checkpoint) ApplyRetry(cellKey string, state RetryState, now time.Time) Checkpoint {
	out := c.clone()
	out.RetryStates[cellKey] = state
	out.UpdatedAt = now
	out.SequenceNumber++
	return out
}

// RemainingCells returns the cells of the execution queue that have no
// terminal result yet, preserving queue order.
func (c Checkpoint) RemainingCells() []string {
	var remaining []string
	for _, key := range c.ExecutionQueue {
		if _, done := c.CellResults[key]; !done {
			remaining = append(remaining, key)
		}
	}
	return remaining
}

// Resume describes whether a checkpoint can seed a resumed run.
type Resume struct {
	CanResume      bool     `json:"canResume"`
	Reason         string   `json:"reason,omitempty"`
	RemainingCells []string `json:"remainingCells,omitempty"`
}

// CanResume reports whether any work remains in the snapshot.
func (c Checkpoint) CanResume() Resume {
	if c.TotalCells == 0 {
		return Resume{CanResume: false, Reason: "checkpoint has no cells"}
	}
	if c.CompletedCells == c.TotalCells {
		return Resume{CanResume: false, Reason: "study already complete"}
	}
	remaining := c.RemainingCells()
	if len(remaining) == 0 {
		return Resume{CanResume: false, Reason: "no remaining cells"}
	}
	return Resume{CanResume: true, RemainingCells: remaining}
}

func progressPercent(completed, failed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed+failed) / float64(total)))
}
