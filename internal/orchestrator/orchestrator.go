package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benthamlabs/bentham/internal/checkpoint"
	"github.com/benthamlabs/bentham/internal/clock"
	"github.com/benthamlabs/bentham/internal/errcode"
	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/retry"
	"github.com/benthamlabs/bentham/internal/surface"
	"github.com/benthamlabs/bentham/internal/validator"
)

// Config tunes orchestrator-wide behavior not owned by any manifest.
type Config struct {
	// SafetyMargin is subtracted from the deadline when projecting risk.
	SafetyMargin time.Duration
	// StrictValidation elevates warning-severity quality gates to failures.
	StrictValidation bool
	// RateWindow is the trailing window for ratePerHour.
	RateWindow time.Duration
	// PollInterval paces the dispatch loop when no job is ready.
	PollInterval time.Duration
	// ShutdownGrace bounds how long Shutdown waits for in-flight jobs.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		SafetyMargin:  0,
		RateWindow:    10 * time.Minute,
		PollInterval:  25 * time.Millisecond,
		ShutdownGrace: 5 * time.Second,
	}
}

// studyRun is the single-owner state of one study. All fields behind mu.
type studyRun struct {
	mu    sync.Mutex
	study Study
	man   *manifest.Manifest

	policy retry.Policy
	ckpt   *checkpoint.Manager
	rng    *rand.Rand

	jobs  map[string]*Job
	queue []string // cell keys in execution order

	executing      int
	perSurfaceExec map[string]int
	consecFails    map[string]int // per required surface, reset on success
	completions    []time.Time    // terminal-outcome timestamps for the rate window
	atRisk         bool

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// Orchestrator owns all study runs and the collaborator boundaries.
type Orchestrator struct {
	cfg      Config
	registry *surface.Registry
	store    checkpoint.Store
	clk      clock.Clock
	hooks    Hooks

	accounts AccountSource    // nil when the surface set needs no accounts
	proxies  ProxySource      // nil disables proxy acquisition
	creds    CredentialSource // nil disables credential acquisition

	Stats *validator.StatsRecorder

	mu      sync.Mutex
	studies map[string]*studyRun
}

// New creates an orchestrator. Resource sources may be nil; jobs on surfaces
// that need a missing source fail with AUTH_FAILED or PROXY_ERROR.
func New(cfg Config, registry *surface.Registry, store checkpoint.Store, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.System
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		store:    store,
		clk:      clk,
		Stats:    validator.NewStatsRecorder(),
		studies:  make(map[string]*studyRun),
	}
}

// SetHooks installs the observer hooks. Call before starting studies.
func (o *Orchestrator) SetHooks(h Hooks) { o.hooks = h }

// SetAccountSource wires the account manager boundary.
func (o *Orchestrator) SetAccountSource(s AccountSource) { o.accounts = s }

// SetProxySource wires the proxy manager boundary.
func (o *Orchestrator) SetProxySource(s ProxySource) { o.proxies = s }

// SetCredentialSource wires the credential pool boundary.
func (o *Orchestrator) SetCredentialSource(s CredentialSource) { o.creds = s }

func (o *Orchestrator) run(studyID string) (*studyRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.studies[studyID]
	if !ok {
		return nil, errcode.Newf(errcode.StudyNotFound, "study %s not found", studyID)
	}
	return run, nil
}

// CreateStudy registers a decoded manifest as a fresh study in
// manifest_received. Nothing is validated yet.
func (o *Orchestrator) CreateStudy(man *manifest.Manifest) string {
	id := uuid.NewString()
	now := o.clk.Now()
	run := &studyRun{
		study: Study{
			ID:          id,
			Name:        man.Name,
			TenantID:    man.TenantID,
			State:       StateManifestReceived,
			Fingerprint: man.Fingerprint(),
			CreatedAt:   now,
			Deadline:    man.Deadline,
		},
		man:            man,
		perSurfaceExec: make(map[string]int),
		consecFails:    make(map[string]int),
	}
	o.mu.Lock()
	o.studies[id] = run
	o.mu.Unlock()
	return id
}

// StartStudy validates the manifest and auto-traverses
// manifest_received -> validating -> queued -> executing, building the job
// graph and the checkpoint manager on the way.
func (o *Orchestrator) StartStudy(studyID string, reg manifest.Registries) error {
	run, err := o.run(studyID)
	if err != nil {
		return err
	}
	now := o.clk.Now()

	run.mu.Lock()
	fire, err := o.transitionLocked(run, StateValidating, "")
	if err != nil {
		run.mu.Unlock()
		return err
	}

	errs, warns := manifest.Validate(run.man, reg, now)
	for _, w := range warns {
		log.Printf("[orchestrator] study %s manifest warning: %s %s", studyID, w.Field, w.Message)
	}
	if len(errs) > 0 {
		more, _ := o.transitionLocked(run, StateFailed, fmt.Sprintf("manifest validation failed: %d errors", len(errs)))
		fire = append(fire, more...)
		run.mu.Unlock()
		runAll(fire)
		return errcode.Newf(errcode.InvalidManifest, "manifest has %d validation errors, first: %s %s",
			len(errs), errs[0].Field, errs[0].Message)
	}

	run.man.ApplyDefaults()
	// Fingerprint the defaulted manifest so resume checks are stable no
	// matter how sparse the submitted document was.
	run.study.Fingerprint = run.man.Fingerprint()
	run.policy = policyFromManifest(run.man.Execution.Retry)
	run.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	run.jobs, run.queue = buildJobs(run.man)

	meta := checkpoint.Metadata{QueryCount: len(run.man.Queries)}
	for _, s := range run.man.Surfaces {
		meta.Surfaces = append(meta.Surfaces, s.ID)
	}
	for _, l := range run.man.Locations {
		meta.Locations = append(meta.Locations, l.ID)
	}
	run.ckpt = checkpoint.NewManager(o.store, checkpoint.AutoSavePolicy{
		Enabled:             run.man.Execution.Checkpoint.Enabled,
		SaveIntervalCells:   run.man.Execution.Checkpoint.SaveIntervalCells,
		SaveIntervalSeconds: run.man.Execution.Checkpoint.SaveIntervalSeconds,
		PreserveCheckpoint:  run.man.Execution.Checkpoint.PreserveCheckpoint,
	}, o.clk, checkpoint.New(studyID, run.man.Name, run.study.Fingerprint, run.queue, meta, now))

	more, err := o.transitionLocked(run, StateQueued, "")
	fire = append(fire, more...)
	if err == nil {
		more, err = o.transitionLocked(run, StateExecuting, "")
		fire = append(fire, more...)
	}
	if err == nil {
		run.study.StartedAt = now
	}
	run.mu.Unlock()
	runAll(fire)
	return err
}

// policyFromManifest converts the manifest retry block, falling back to the
// execution defaults for unset fields.
func policyFromManifest(rc manifest.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if rc.MaxRetries > 0 {
		p.MaxRetries = rc.MaxRetries
	}
	if rc.BackoffStrategy != "" {
		p.BackoffStrategy = retry.Strategy(rc.BackoffStrategy)
	}
	if rc.InitialDelayMs > 0 {
		p.InitialDelay = time.Duration(rc.InitialDelayMs) * time.Millisecond
	}
	if rc.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(rc.MaxDelayMs) * time.Millisecond
	}
	if rc.BackoffMultiplier > 0 {
		p.BackoffMultiplier = rc.BackoffMultiplier
	}
	p.Jitter = rc.Jitter
	if len(rc.RetryConditions) > 0 {
		p.RetryConditions = make(map[errcode.Code]bool, len(rc.RetryConditions))
		for code, v := range rc.RetryConditions {
			p.RetryConditions[errcode.Code(code)] = v
		}
	}
	return p
}

// transitionLocked applies one state change, returning the hook thunks to
// fire after the run lock is released. Caller holds run.mu.
func (o *Orchestrator) transitionLocked(run *studyRun, to StudyState, reason string) ([]func(), error) {
	from := run.study.State
	if !canTransition(from, to) {
		return nil, &ErrIllegalTransition{From: from, To: to}
	}
	run.study.State = to
	switch to {
	case StatePaused:
		run.study.PauseReason = reason
	case StateExecuting:
		run.study.PauseReason = ""
	case StateFailed:
		run.study.FailureReason = reason
		run.study.CompletedAt = o.clk.Now()
	case StateComplete:
		run.study.CompletedAt = o.clk.Now()
	}
	snap := run.study
	log.Printf("[orchestrator] study %s: %s -> %s", snap.ID, from, to)

	hook := o.hooks.OnStudyTransition
	if hook == nil {
		return nil, nil
	}
	return []func(){func() {
		safeHook("onStudyTransition", func() { hook(from, to, snap) })
	}}, nil
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// GetStudy returns the study record.
func (o *Orchestrator) GetStudy(studyID string) (Study, error) {
	run, err := o.run(studyID)
	if err != nil {
		return Study{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.study, nil
}

// ListStudies returns all study records.
func (o *Orchestrator) ListStudies() []Study {
	o.mu.Lock()
	runs := make([]*studyRun, 0, len(o.studies))
	for _, run := range o.studies {
		runs = append(runs, run)
	}
	o.mu.Unlock()

	out := make([]Study, 0, len(runs))
	for _, run := range runs {
		run.mu.Lock()
		out = append(out, run.study)
		run.mu.Unlock()
	}
	return out
}

// GetJobs returns a copy of all jobs of a study.
func (o *Orchestrator) GetJobs(studyID string) ([]Job, error) {
	run, err := o.run(studyID)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	out := make([]Job, 0, len(run.jobs))
	for _, key := range run.queue {
		out = append(out, *run.jobs[key])
	}
	return out, nil
}

// GetNextJobs claims up to limit dispatchable jobs: pending, past their
// nextAttemptAt, required surfaces first, original queue order within each
// band. Claimed jobs must be started or they stay claimed.
func (o *Orchestrator) GetNextJobs(studyID string, limit int) ([]Job, error) {
	run, err := o.run(studyID)
	if err != nil {
		return nil, err
	}
	now := o.clk.Now()

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.study.State != StateExecuting {
		return nil, nil
	}

	var out []Job
	for _, requiredBand := range []bool{true, false} {
		for _, key := range run.queue {
			if len(out) >= limit {
				return out, nil
			}
			job := run.jobs[key]
			if job.Status != JobPending || job.claimed {
				continue
			}
			if run.man.SurfaceRequired(job.Cell.SurfaceID) != requiredBand {
				continue
			}
			if !job.NextAttemptAt.IsZero() && job.NextAttemptAt.After(now) {
				continue
			}
			job.claimed = true
			out = append(out, *job)
		}
	}
	return out, nil
}

// ReleaseJob returns a claimed, unstarted job to the ready queue.
func (o *Orchestrator) ReleaseJob(studyID, jobID string) {
	run, err := o.run(studyID)
	if err != nil {
		return
	}
	run.mu.Lock()
	if job, ok := run.jobs[jobID]; ok && job.Status == JobPending {
		job.claimed = false
	}
	run.mu.Unlock()
}

// StartJob transitions a claimed job pending -> executing.
func (o *Orchestrator) StartJob(studyID, jobID string) (Job, error) {
	run, err := o.run(studyID)
	if err != nil {
		return Job{}, err
	}
	now := o.clk.Now()

	run.mu.Lock()
	job, ok := run.jobs[jobID]
	if !ok {
		run.mu.Unlock()
		return Job{}, errcode.Newf(errcode.JobNotFound, "job %s not found in study %s", jobID, studyID)
	}
	if job.Status != JobPending {
		run.mu.Unlock()
		return Job{}, fmt.Errorf("orchestrator: job %s is %s, cannot start", jobID, job.Status)
	}
	job.Status = JobExecuting
	job.claimed = false
	job.Attempts++
	job.LastAttemptAt = now
	job.NextAttemptAt = time.Time{}
	run.executing++
	run.perSurfaceExec[job.Cell.SurfaceID]++
	snap := *job
	run.mu.Unlock()

	if hook := o.hooks.OnJobStart; hook != nil {
		safeHook("onJobStart", func() { hook(snap) })
	}
	return snap, nil
}

// CompleteJob moves an executing job to complete, records the result in the
// checkpoint, and evaluates study completion and deadline risk.
func (o *Orchestrator) CompleteJob(studyID, jobID string, result *surface.QueryResult) error {
	run, err := o.run(studyID)
	if err != nil {
		return err
	}
	now := o.clk.Now()

	run.mu.Lock()
	job, ok := run.jobs[jobID]
	if !ok {
		run.mu.Unlock()
		return errcode.Newf(errcode.JobNotFound, "job %s not found in study %s", jobID, studyID)
	}
	if job.Status != JobExecuting {
		run.mu.Unlock()
		return fmt.Errorf("orchestrator: job %s is %s, cannot complete", jobID, job.Status)
	}
	job.Status = JobComplete
	job.Result = result
	if result != nil {
		job.DurationMs = result.ResponseTimeMs
		job.CostUSD = result.CostUSD
	}
	run.executing--
	run.perSurfaceExec[job.Cell.SurfaceID]--
	run.consecFails[job.Cell.SurfaceID] = 0
	run.recordCompletion(now, o.cfg.RateWindow)

	res := checkpoint.CellResult{CellKey: jobID, Success: true, CompletedAt: now}
	if result != nil {
		res.ResponseLength = len(result.Content)
		res.ResponseTimeMs = result.ResponseTimeMs
		if result.Evidence != nil {
			res.EvidenceSHA256 = result.Evidence.SHA256
		}
	}
	ckpt := run.ckpt
	snap := *job

	fire := o.evaluateStudyLocked(run, now)
	run.mu.Unlock()

	if err := ckpt.RecordResult(res); err != nil {
		log.Printf("[orchestrator] checkpoint record failed for %s: %v", studyID, err)
	}
	if hook := o.hooks.OnJobComplete; hook != nil {
		safeHook("onJobComplete", func() { hook(snap) })
	}
	runAll(fire)
	return nil
}

// FailJob consults the retry policy: retryable failures go back to pending
// with a backoff stamp, exhausted or non-retryable ones become terminal.
// Terminal failures on a required surface advance the fail-fast counter.
func (o *Orchestrator) FailJob(studyID, jobID, errorMessage string, code errcode.Code) error {
	run, err := o.run(studyID)
	if err != nil {
		return err
	}
	now := o.clk.Now()

	run.mu.Lock()
	job, ok := run.jobs[jobID]
	if !ok {
		run.mu.Unlock()
		return errcode.Newf(errcode.JobNotFound, "job %s not found in study %s", jobID, studyID)
	}
	if job.Status != JobExecuting {
		run.mu.Unlock()
		return fmt.Errorf("orchestrator: job %s is %s, cannot fail", jobID, job.Status)
	}
	if code == "" {
		code = errcode.InternalError
	}
	job.ErrorMessage = errorMessage
	job.ErrorCode = code
	run.executing--
	run.perSurfaceExec[job.Cell.SurfaceID]--

	ckpt := run.ckpt
	var fire []func()

	if run.man.SurfaceRequired(job.Cell.SurfaceID) {
		run.consecFails[job.Cell.SurfaceID]++
	}

	if run.policy.ShouldRetry(code, job.Attempts-1) {
		job.Status = JobPending
		delay := run.policy.Delay(job.Attempts-1, run.rng)
		job.NextAttemptAt = now.Add(delay)
		state := checkpoint.RetryState{
			Attempts:      job.Attempts,
			LastError:     errorMessage,
			LastErrorCode: string(code),
		}
		t := job.NextAttemptAt
		state.NextRetryTime = &t
		snap := *job
		run.mu.Unlock()

		ckpt.RecordRetry(jobID, state)
		if hook := o.hooks.OnJobFail; hook != nil {
			safeHook("onJobFail", func() { hook(snap, code) })
		}
		return nil
	}

	job.Status = JobFailed
	run.recordCompletion(now, o.cfg.RateWindow)
	ckpt.RecordRetry(jobID, checkpoint.RetryState{
		Attempts:      job.Attempts,
		LastError:     errorMessage,
		LastErrorCode: string(code),
		Exhausted:     true,
	})
	snap := *job

	fire = append(fire, o.failFastLocked(run, job.Cell.SurfaceID)...)
	fire = append(fire, o.evaluateStudyLocked(run, now)...)
	run.mu.Unlock()

	if err := ckpt.RecordResult(checkpoint.CellResult{
		CellKey:      jobID,
		Success:      false,
		ErrorCode:    string(code),
		ErrorMessage: errorMessage,
		CompletedAt:  now,
	}); err != nil {
		log.Printf("[orchestrator] checkpoint record failed for %s: %v", studyID, err)
	}
	if hook := o.hooks.OnJobFail; hook != nil {
		safeHook("onJobFail", func() { hook(snap, code) })
	}
	runAll(fire)
	return nil
}

// failFastLocked fails the study when a required surface has accumulated too
// many consecutive failures. Caller holds run.mu.
func (o *Orchestrator) failFastLocked(run *studyRun, surfaceID string) []func() {
	limit := run.man.CompletionCriteria.ConsecutiveFailureLimit
	if limit <= 0 || run.study.State != StateExecuting {
		return nil
	}
	if run.consecFails[surfaceID] < limit {
		return nil
	}
	fire, err := o.transitionLocked(run, StateFailed,
		fmt.Sprintf("surface %s hit %d consecutive failures", surfaceID, limit))
	if err != nil {
		log.Printf("[orchestrator] fail-fast transition rejected: %v", err)
	}
	return fire
}

// evaluateStudyLocked checks the completion predicate and deadline risk
// after a terminal job outcome. Caller holds run.mu.
func (o *Orchestrator) evaluateStudyLocked(run *studyRun, now time.Time) []func() {
	if run.study.State != StateExecuting {
		return nil
	}
	var fire []func()

	report := validator.EvaluateCompletion(run.man.CompletionCriteria, run.surfaceCountsLocked())
	allTerminal := true
	for _, job := range run.jobs {
		if job.Status == JobPending || job.Status == JobExecuting {
			allTerminal = false
			break
		}
	}

	if report.CanComplete || allTerminal {
		more, err := o.transitionLocked(run, StateValidatingResults, "")
		fire = append(fire, more...)
		if err != nil {
			return fire
		}
		if report.CanComplete {
			more, _ = o.transitionLocked(run, StateComplete, "")
		} else {
			more, _ = o.transitionLocked(run, StateFailed, "coverage thresholds not met")
		}
		fire = append(fire, more...)

		ckpt := run.ckpt
		fire = append(fire, func() {
			if err := ckpt.Finalize(); err != nil {
				log.Printf("[orchestrator] checkpoint finalize failed for %s: %v", run.study.ID, err)
			}
		})
		return fire
	}

	fire = append(fire, o.deadlineCheckLocked(run, now)...)
	return fire
}

// surfaceCountsLocked tallies completed cells per surface. Caller holds run.mu.
func (run *studyRun) surfaceCountsLocked() map[string]validator.CellCounts {
	counts := make(map[string]validator.CellCounts)
	for _, job := range run.jobs {
		c := counts[job.Cell.SurfaceID]
		c.Total++
		if job.Status == JobComplete {
			c.Completed++
		}
		counts[job.Cell.SurfaceID] = c
	}
	return counts
}

// recordCompletion appends a terminal-outcome sample and prunes the window.
func (run *studyRun) recordCompletion(now time.Time, window time.Duration) {
	run.completions = append(run.completions, now)
	cutoff := now.Add(-window)
	i := 0
	for i < len(run.completions) && run.completions[i].Before(cutoff) {
		i++
	}
	run.completions = run.completions[i:]
}

// Progress returns the live counters for a study.
func (o *Orchestrator) Progress(studyID string) (Progress, error) {
	run, err := o.run(studyID)
	if err != nil {
		return Progress{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.progressLocked(o.clk.Now(), o.cfg.RateWindow), nil
}

func (run *studyRun) progressLocked(now time.Time, window time.Duration) Progress {
	p := Progress{TotalCells: len(run.jobs), ExecutingCells: run.executing}
	for _, job := range run.jobs {
		switch job.Status {
		case JobComplete:
			p.CompletedCells++
		case JobFailed:
			p.FailedCells++
		}
	}
	if p.TotalCells > 0 {
		p.CompletionPercentage = 100 * float64(p.CompletedCells+p.FailedCells) / float64(p.TotalCells)
	}

	cutoff := now.Add(-window)
	n := 0
	for _, t := range run.completions {
		if !t.Before(cutoff) {
			n++
		}
	}
	if n > 0 {
		span := window
		if elapsed := now.Sub(run.study.StartedAt); elapsed > 0 && elapsed < window {
			span = elapsed
		}
		p.RatePerHour = float64(n) / span.Hours()
	}
	return p
}

// DeadlineStatus projects completion at the current rate.
func (o *Orchestrator) DeadlineStatus(studyID string) (DeadlineStatus, error) {
	run, err := o.run(studyID)
	if err != nil {
		return DeadlineStatus{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	ds, _ := run.deadlineLocked(o.clk.Now(), o.cfg.RateWindow, o.cfg.SafetyMargin)
	return ds, nil
}

// deadlineLocked computes the deadline status and whether a projection was
// possible. Caller holds run.mu.
func (run *studyRun) deadlineLocked(now time.Time, window, margin time.Duration) (DeadlineStatus, bool) {
	ds := DeadlineStatus{Deadline: run.study.Deadline, AtRisk: run.atRisk}
	if run.study.Deadline.IsZero() {
		return ds, false
	}
	p := run.progressLocked(now, window)
	remaining := p.TotalCells - p.CompletedCells - p.FailedCells
	if remaining <= 0 || p.RatePerHour <= 0 {
		return ds, false
	}
	hours := float64(remaining) / p.RatePerHour
	projected := now.Add(time.Duration(hours * float64(time.Hour)))
	ds.ProjectedCompletion = &projected
	ds.AtRisk = projected.After(run.study.Deadline.Add(-margin))
	return ds, true
}

// deadlineCheckLocked flips atRisk edge-triggered and fires the hook once
// per flip to true. Caller holds run.mu.
func (o *Orchestrator) deadlineCheckLocked(run *studyRun, now time.Time) []func() {
	ds, ok := run.deadlineLocked(now, o.cfg.RateWindow, o.cfg.SafetyMargin)
	if !ok {
		return nil
	}
	if ds.AtRisk == run.atRisk {
		return nil
	}
	run.atRisk = ds.AtRisk
	if !ds.AtRisk {
		return nil
	}
	snap := run.study
	log.Printf("[orchestrator] study %s is at risk of missing its deadline", snap.ID)
	hook := o.hooks.OnDeadlineAtRisk
	if hook == nil {
		return nil
	}
	return []func(){func() {
		safeHook("onDeadlineAtRisk", func() { hook(snap) })
	}}
}

// PauseStudy transitions executing -> paused. In-flight jobs finish normally.
func (o *Orchestrator) PauseStudy(studyID, reason string) error {
	run, err := o.run(studyID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	fire, err := o.transitionLocked(run, StatePaused, reason)
	run.mu.Unlock()
	runAll(fire)
	return err
}

// ResumeStudy transitions paused -> executing.
func (o *Orchestrator) ResumeStudy(studyID string) error {
	run, err := o.run(studyID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	fire, err := o.transitionLocked(run, StateExecuting, "")
	run.mu.Unlock()
	runAll(fire)
	return err
}

// CancelStudy fails a study from executing or paused, flushing its
// checkpoint. Paused studies pass through executing first.
func (o *Orchestrator) CancelStudy(studyID, reason string) error {
	run, err := o.run(studyID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	var fire []func()
	if run.study.State == StatePaused {
		more, err := o.transitionLocked(run, StateExecuting, "")
		if err != nil {
			run.mu.Unlock()
			return err
		}
		fire = append(fire, more...)
	}
	more, err := o.transitionLocked(run, StateFailed, reason)
	fire = append(fire, more...)
	ckpt := run.ckpt
	run.mu.Unlock()
	runAll(fire)
	if err != nil {
		return err
	}
	if ckpt != nil {
		if saveErr := ckpt.Save(); saveErr != nil {
			log.Printf("[orchestrator] checkpoint flush on cancel failed for %s: %v", studyID, saveErr)
		}
	}
	return nil
}

// CreateCheckpoint forces a save and returns the persisted snapshot.
func (o *Orchestrator) CreateCheckpoint(studyID string) (checkpoint.Checkpoint, error) {
	run, err := o.run(studyID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	run.mu.Lock()
	ckpt := run.ckpt
	run.mu.Unlock()
	if ckpt == nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("orchestrator: study %s has no checkpoint yet", studyID)
	}
	if err := ckpt.Save(); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	snap := ckpt.Snapshot()
	if hook := o.hooks.OnCheckpointCreated; hook != nil {
		safeHook("onCheckpointCreated", func() { hook(snap) })
	}
	return snap, nil
}

// RestoreFromCheckpoint replaces the in-memory job graph so completed and
// failed cells match the snapshot exactly; every other job reverts to
// pending with its recorded attempts.
func (o *Orchestrator) RestoreFromCheckpoint(studyID string, ckpt checkpoint.Checkpoint) error {
	run, err := o.run(studyID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if ckpt.ManifestFingerprint != "" && ckpt.ManifestFingerprint != run.study.Fingerprint {
		return fmt.Errorf("orchestrator: checkpoint fingerprint %s does not match manifest %s",
			ckpt.ManifestFingerprint, run.study.Fingerprint)
	}
	if run.executing > 0 {
		return fmt.Errorf("orchestrator: cannot restore with %d jobs in flight", run.executing)
	}

	for key, job := range run.jobs {
		if res, ok := ckpt.CellResults[key]; ok {
			if res.Success {
				job.Status = JobComplete
			} else {
				job.Status = JobFailed
				job.ErrorCode = errcode.Code(res.ErrorCode)
				job.ErrorMessage = res.ErrorMessage
			}
		} else {
			job.Status = JobPending
			job.NextAttemptAt = time.Time{}
		}
		job.claimed = false
		if rs, ok := ckpt.RetryStates[key]; ok {
			job.Attempts = rs.Attempts
		}
	}
	run.executing = 0
	run.perSurfaceExec = make(map[string]int)
	run.consecFails = make(map[string]int)
	// Completion timestamps from before the restore would inflate the
	// throughput projection, and the at-risk latch must re-evaluate against
	// the restored graph.
	run.completions = nil
	run.atRisk = false
	if run.ckpt != nil {
		run.ckpt.Replace(ckpt)
	}
	log.Printf("[orchestrator] study %s restored from checkpoint seq %d", studyID, ckpt.SequenceNumber)
	return nil
}
