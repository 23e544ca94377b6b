// Package orchestrator drives studies end to end: manifest intake, the study
// state machine, job graph scheduling, worker dispatch, retry and validation
// integration, progress and deadline tracking, and checkpoint glue.
package orchestrator

import (
	"fmt"
	"time"
)

// StudyState is one node of the study lifecycle.
type StudyState string

const (
	StateManifestReceived  StudyState = "manifest_received"
	StateValidating        StudyState = "validating"
	StateQueued            StudyState = "queued"
	StateExecuting         StudyState = "executing"
	StatePaused            StudyState = "paused"
	StateValidatingResults StudyState = "validating_results"
	StateComplete          StudyState = "complete"
	StateFailed            StudyState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s StudyState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// allowedTransitions is the study state machine. Anything absent is illegal
// and rejected with an error, not ignored.
var allowedTransitions = map[StudyState][]StudyState{
	StateManifestReceived:  {StateValidating},
	StateValidating:        {StateQueued, StateFailed},
	StateQueued:            {StateExecuting},
	StateExecuting:         {StatePaused, StateValidatingResults, StateFailed},
	StatePaused:            {StateExecuting},
	StateValidatingResults: {StateComplete, StateFailed},
}

// canTransition reports whether from -> to is in the table.
func canTransition(from, to StudyState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition wraps a rejected state change.
type ErrIllegalTransition struct {
	From, To StudyState
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("orchestrator: illegal study transition %s -> %s", e.From, e.To)
}

// Study is the externally visible study record.
type Study struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	TenantID      string     `json:"tenantId,omitempty"`
	State         StudyState `json:"state"`
	Fingerprint   string     `json:"fingerprint"`
	PauseReason   string     `json:"pauseReason,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     time.Time  `json:"startedAt,omitempty"`
	CompletedAt   time.Time  `json:"completedAt,omitempty"`
	Deadline      time.Time  `json:"deadline,omitempty"`
}

// Progress is the live counter block for one study. The counters always
// satisfy executing+completed+failed+pending = total.
type Progress struct {
	TotalCells           int     `json:"totalCells"`
	ExecutingCells       int     `json:"executingCells"`
	CompletedCells       int     `json:"completedCells"`
	FailedCells          int     `json:"failedCells"`
	CompletionPercentage float64 `json:"completionPercentage"`
	RatePerHour          float64 `json:"ratePerHour"`
}

// DeadlineStatus projects completion against the study deadline.
type DeadlineStatus struct {
	Deadline            time.Time  `json:"deadline,omitempty"`
	AtRisk              bool       `json:"atRisk"`
	ProjectedCompletion *time.Time `json:"projectedCompletion,omitempty"`
}
