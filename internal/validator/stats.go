package validator

import "sync"

// Stats is a snapshot of validation outcomes.
type Stats struct {
	Total          int            `json:"total"`
	Passed         int            `json:"passed"`
	Failed         int            `json:"failed"`
	PassRate       float64        `json:"passRate"`
	FailureReasons map[string]int `json:"failureReasons,omitempty"`
}

// StatsRecorder accumulates validation outcomes across jobs. Warning-status
// jobs count as passed; failure reasons are the names of failed checks.
type StatsRecorder struct {
	mu      sync.Mutex
	total   int
	failed  int
	reasons map[string]int
}

// NewStatsRecorder creates an empty recorder.
func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{reasons: make(map[string]int)}
}

// Record folds one job report into the stats.
func (r *StatsRecorder) Record(report JobReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if report.Status != StatusFailed {
		return
	}
	r.failed++
	for _, name := range report.FailedChecks() {
		r.reasons[name]++
	}
}

// Snapshot returns a copy of the accumulated stats.
func (r *StatsRecorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Total:          r.total,
		Passed:         r.total - r.failed,
		Failed:         r.failed,
		FailureReasons: make(map[string]int, len(r.reasons)),
	}
	for k, v := range r.reasons {
		s.FailureReasons[k] = v
	}
	if r.total > 0 {
		s.PassRate = float64(s.Passed) / float64(s.Total)
	}
	return s
}
