// Package validator implements the per-job quality gates and the per-study
// completion predicate. The service is stateless; Stats is the only
// accumulator and lives in its own type.
package validator

import (
	"fmt"
	"strings"

	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/surface"
)

// Severity ranks a failed check's impact on job status.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Status is the aggregate outcome of a job validation.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// Check is one applied quality gate.
type Check struct {
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// DefaultErrorPatterns are matched case-insensitively as substrings of the
// response content. A hit means the surface returned an error page dressed
// as a response.
var DefaultErrorPatterns = []string{
	"error",
	"404",
	"not found",
	"access denied",
	"forbidden",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"service unavailable",
	"internal server error",
	"bad gateway",
}

// JobInput is everything needed to validate one job outcome.
type JobInput struct {
	JobID         string
	SurfaceID     string
	Result        *surface.QueryResult
	Gates         manifest.QualityGates
	EvidenceLevel manifest.EvidenceLevel
	StrictMode    bool
}

// JobReport is the validation verdict for one job.
type JobReport struct {
	JobID     string  `json:"jobId"`
	SurfaceID string  `json:"surfaceId"`
	Status    Status  `json:"status"`
	Checks    []Check `json:"checks"`
}

// FailedChecks returns the names of checks that did not pass.
func (r JobReport) FailedChecks() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// ValidateJob applies the quality gates to one job result. Missing results
// fail fast: content checks are meaningless without a result.
func ValidateJob(in JobInput) JobReport {
	report := JobReport{JobID: in.JobID, SurfaceID: in.SurfaceID}

	if in.Result == nil {
		report.Checks = append(report.Checks, Check{
			Name:     "result_present",
			Passed:   false,
			Message:  "no result returned",
			Severity: SeverityError,
		})
		report.Status = finalStatus(report.Checks, in.StrictMode)
		return report
	}
	report.Checks = append(report.Checks, Check{
		Name:     "result_present",
		Passed:   true,
		Message:  "result returned",
		Severity: SeverityError,
	})

	report.Checks = append(report.Checks, checkJobSuccess(in.Result))
	report.Checks = append(report.Checks, checkContentPresent(in.Result, in.Gates))
	if in.Gates.MinResponseLength > 0 {
		report.Checks = append(report.Checks, checkMinLength(in.Result, in.Gates.MinResponseLength))
	}
	report.Checks = append(report.Checks, checkErrorPatterns(in.Result))
	if len(in.Gates.RequiredKeywords) > 0 {
		report.Checks = append(report.Checks, checkRequiredKeywords(in.Result, in.Gates.RequiredKeywords))
	}
	if len(in.Gates.ForbiddenKeywords) > 0 {
		report.Checks = append(report.Checks, checkForbiddenKeywords(in.Result, in.Gates.ForbiddenKeywords))
	}
	if in.EvidenceLevel == manifest.EvidenceFull {
		report.Checks = append(report.Checks, checkEvidence(in.Result)...)
	}

	report.Status = finalStatus(report.Checks, in.StrictMode)
	return report
}

// finalStatus folds check outcomes: any failed error check fails the job,
// any failed warning check degrades it, strict mode elevates warnings to
// failures. Info checks never change the status.
func finalStatus(checks []Check, strict bool) Status {
	status := StatusPassed
	for _, c := range checks {
		if c.Passed {
			continue
		}
		switch c.Severity {
		case SeverityError:
			return StatusFailed
		case SeverityWarning:
			if strict {
				return StatusFailed
			}
			status = StatusWarning
		}
	}
	return status
}

func checkJobSuccess(res *surface.QueryResult) Check {
	c := Check{Name: "job_success", Severity: SeverityError, Passed: res.Success}
	if res.Success {
		c.Message = "adapter reported success"
	} else {
		c.Message = "adapter reported failure"
		if res.ErrorMessage != "" {
			c.Message = "adapter reported failure: " + res.ErrorMessage
		}
	}
	return c
}

func checkContentPresent(res *surface.QueryResult, gates manifest.QualityGates) Check {
	severity := SeverityWarning
	if gates.RequireActualContent {
		severity = SeverityError
	}
	c := Check{Name: "content_present", Severity: severity}
	if strings.TrimSpace(res.Content) == "" {
		c.Message = "response content is empty"
		return c
	}
	c.Passed = true
	c.Message = "response has content"
	return c
}

func checkMinLength(res *surface.QueryResult, min int) Check {
	c := Check{
		Name:     "min_length",
		Severity: SeverityWarning,
		Details:  map[string]any{"length": len(res.Content), "minimum": min},
	}
	if len(res.Content) < min {
		c.Message = fmt.Sprintf("content length %d below minimum %d", len(res.Content), min)
		return c
	}
	c.Passed = true
	c.Message = "content meets minimum length"
	return c
}

func checkErrorPatterns(res *surface.QueryResult) Check {
	c := Check{Name: "error_pattern", Severity: SeverityError}
	lower := strings.ToLower(res.Content)
	for _, pat := range DefaultErrorPatterns {
		if strings.Contains(lower, pat) {
			c.Message = fmt.Sprintf("content matches error pattern %q", pat)
			c.Details = map[string]any{"pattern": pat}
			return c
		}
	}
	c.Passed = true
	c.Message = "no error patterns found"
	return c
}

func checkRequiredKeywords(res *surface.QueryResult, keywords []string) Check {
	c := Check{Name: "required_keywords", Severity: SeverityWarning}
	lower := strings.ToLower(res.Content)
	var missing []string
	for _, kw := range keywords {
		if !strings.Contains(lower, strings.ToLower(kw)) {
			missing = append(missing, kw)
		}
	}
	if len(missing) > 0 {
		c.Message = "missing required keywords: " + strings.Join(missing, ", ")
		c.Details = map[string]any{"missing": missing}
		return c
	}
	c.Passed = true
	c.Message = "all required keywords present"
	return c
}

func checkForbiddenKeywords(res *surface.QueryResult, keywords []string) Check {
	c := Check{Name: "forbidden_keywords", Severity: SeverityError}
	lower := strings.ToLower(res.Content)
	var found []string
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			found = append(found, kw)
		}
	}
	if len(found) > 0 {
		c.Message = "forbidden keywords present: " + strings.Join(found, ", ")
		c.Details = map[string]any{"found": found}
		return c
	}
	c.Passed = true
	c.Message = "no forbidden keywords"
	return c
}

// checkEvidence applies the full-evidence checks: evidence attached, content
// hash recorded, capture timestamp recorded, screenshot captured.
func checkEvidence(res *surface.QueryResult) []Check {
	present := Check{Name: "evidence_present", Severity: SeverityError}
	if res.Evidence == nil {
		present.Message = "no evidence attached"
		return []Check{present}
	}
	present.Passed = true
	present.Message = "evidence attached"

	hash := Check{Name: "evidence_hash", Severity: SeverityError}
	if res.Evidence.SHA256 == "" {
		hash.Message = "evidence has no content hash"
	} else {
		hash.Passed = true
		hash.Message = "evidence hash recorded"
	}

	ts := Check{Name: "evidence_timestamp", Severity: SeverityWarning}
	if res.Evidence.CapturedAt.IsZero() {
		ts.Message = "evidence has no capture timestamp"
	} else {
		ts.Passed = true
		ts.Message = "evidence timestamp recorded"
	}

	shot := Check{Name: "evidence_screenshot", Severity: SeverityWarning}
	if res.Evidence.ScreenshotPath == "" {
		shot.Message = "no screenshot captured"
	} else {
		shot.Passed = true
		shot.Message = "screenshot captured"
	}

	return []Check{present, hash, ts, shot}
}
