package validator

import (
	"fmt"

	"github.com/benthamlabs/bentham/internal/manifest"
)

// CellCounts is the per-surface completion tally the orchestrator feeds in.
type CellCounts struct {
	Completed int
	Total     int
}

// SurfaceCoverage is the completion verdict for one surface.
type SurfaceCoverage struct {
	SurfaceID      string  `json:"surfaceId"`
	Required       bool    `json:"required"`
	Completed      int     `json:"completed"`
	Total          int     `json:"total"`
	CompletionRate float64 `json:"completionRate"`
	ThresholdMet   bool    `json:"thresholdMet"`
}

// StudyReport is the study-level completion verdict.
type StudyReport struct {
	CanComplete bool              `json:"canComplete"`
	Coverage    []SurfaceCoverage `json:"coverage"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// EvaluateCompletion computes per-surface coverage against the threshold.
// The study can complete iff every required surface met its threshold;
// optional surfaces below threshold only add warnings.
func EvaluateCompletion(criteria manifest.CompletionCriteria, counts map[string]CellCounts) StudyReport {
	report := StudyReport{CanComplete: true}

	for _, id := range criteria.RequiredSurfaceIDs {
		cov := coverageFor(id, true, criteria.CoverageThreshold, counts[id])
		report.Coverage = append(report.Coverage, cov)
		if !cov.ThresholdMet {
			report.CanComplete = false
		}
	}
	for _, id := range criteria.OptionalSurfaceIDs {
		cov := coverageFor(id, false, criteria.CoverageThreshold, counts[id])
		report.Coverage = append(report.Coverage, cov)
		if !cov.ThresholdMet {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("optional surface %s at %.0f%% coverage, below %.0f%% threshold",
					id, 100*cov.CompletionRate, 100*criteria.CoverageThreshold))
		}
	}
	return report
}

func coverageFor(surfaceID string, required bool, threshold float64, c CellCounts) SurfaceCoverage {
	cov := SurfaceCoverage{
		SurfaceID: surfaceID,
		Required:  required,
		Completed: c.Completed,
		Total:     c.Total,
	}
	if c.Total > 0 {
		cov.CompletionRate = float64(c.Completed) / float64(c.Total)
	}
	cov.ThresholdMet = cov.CompletionRate >= threshold
	return cov
}
