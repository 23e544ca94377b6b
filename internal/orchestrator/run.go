package orchestrator

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/benthamlabs/bentham/internal/account"
	"github.com/benthamlabs/bentham/internal/errcode"
	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/proxy"
	"github.com/benthamlabs/bentham/internal/surface"
	"github.com/benthamlabs/bentham/internal/validator"
	"github.com/benthamlabs/bentham/internal/vault"
)

// ExecuteStudy runs the dispatch loop for one executing study until it
// reaches a terminal state or ctx is cancelled. Workers are bounded by
// maxConcurrency and concurrencyPerSurface; pausing stops new dispatch but
// in-flight jobs finish and still update progress.
func (o *Orchestrator) ExecuteStudy(ctx context.Context, studyID string) error {
	run, err := o.run(studyID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	man := run.man
	if run.study.State != StateExecuting && run.study.State != StatePaused {
		state := run.study.State
		run.mu.Unlock()
		return errcode.Newf(errcode.InvalidRequest, "study %s is %s, cannot execute", studyID, state)
	}
	ctx, cancel := context.WithCancel(ctx)
	if man.Execution.Timeouts.StudyTimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(man.Execution.Timeouts.StudyTimeoutMs)*time.Millisecond)
	}
	run.cancel = cancel
	run.mu.Unlock()
	defer cancel()

	maxConc := man.Execution.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 4
	}
	perSurface := man.Execution.ConcurrencyPerSurface
	if perSurface <= 0 || perSurface > maxConc {
		perSurface = maxConc
	}

	sem := make(chan struct{}, maxConc)
	surfSem := make(map[string]chan struct{}, len(man.Surfaces))
	for _, s := range man.Surfaces {
		surfSem[s.ID] = make(chan struct{}, perSurface)
	}
	delayRng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	for ctx.Err() == nil {
		study, err := o.GetStudy(studyID)
		if err != nil {
			break
		}
		if study.State.Terminal() {
			break
		}
		if study.State == StatePaused {
			sleepCtx(ctx, o.cfg.PollInterval)
			continue
		}

		batch, err := o.GetNextJobs(studyID, maxConc-len(sem))
		if err != nil || len(batch) == 0 {
			sleepCtx(ctx, o.cfg.PollInterval)
			continue
		}

		for _, job := range batch {
			ss := surfSem[job.Cell.SurfaceID]
			select {
			case ss <- struct{}{}:
			default:
				// Surface at its concurrency cap; put the claim back.
				o.ReleaseJob(studyID, job.ID)
				continue
			}
			stop := false
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				<-ss
				o.ReleaseJob(studyID, job.ID)
				stop = true
			}
			if stop {
				break
			}

			run.workers.Add(1)
			go func(job Job) {
				defer run.workers.Done()
				defer func() { <-sem; <-ss }()
				o.dispatchJob(ctx, studyID, man, job)
			}(job)

			if d := queryDelay(man.Execution.QueryDelayMs, delayRng); d > 0 {
				sleepCtx(ctx, d)
			}
		}
	}

	run.workers.Wait()
	return nil
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// queryDelay draws a uniform delay from the manifest's [min,max] ms range.
func queryDelay(bounds [2]int, rng *rand.Rand) time.Duration {
	min, max := bounds[0], bounds[1]
	if max <= 0 || max < min {
		return 0
	}
	if max == min {
		return time.Duration(min) * time.Millisecond
	}
	return time.Duration(min+rng.IntN(max-min+1)) * time.Millisecond
}

// dispatchJob runs one job end to end: start, acquire resources, call the
// adapter with a per-job timeout, validate, and report the outcome.
func (o *Orchestrator) dispatchJob(ctx context.Context, studyID string, man *manifest.Manifest, claimed Job) {
	job, err := o.StartJob(studyID, claimed.ID)
	if err != nil {
		o.ReleaseJob(studyID, claimed.ID)
		return
	}

	adapter, err := o.registry.Get(job.Cell.SurfaceID)
	if err != nil {
		o.reportFailure(studyID, job.ID, err.Error(), errcode.SurfaceUnavailable)
		return
	}

	qctx := surface.QueryContext{
		SessionID:     uuid.NewString(),
		EvidenceLevel: man.EvidenceLevel,
	}
	if man.Execution.Timeouts.QueryTimeoutMs > 0 {
		qctx.Timeout = time.Duration(man.Execution.Timeouts.QueryTimeoutMs) * time.Millisecond
	}

	// Credential acquisition.
	var cred *vault.Credential
	if adapter.RequiresAuth() && o.creds != nil {
		c, err := o.creds.GetNext(job.Cell.SurfaceID)
		if err != nil {
			if !adapter.SupportsAnonymous() {
				o.reportFailure(studyID, job.ID, "no credential available: "+err.Error(), errcode.AuthFailed)
				return
			}
		} else {
			cred = &c
			qctx.Credential = flattenCredential(c)
		}
	}

	// Account checkout.
	var checkout *account.Checkout
	if adapter.RequiresAuth() && o.accounts != nil {
		loc := locationConfig(man, job.Cell.LocationID)
		co, err := o.accounts.Checkout(account.CheckoutRequest{
			SurfaceID:       job.Cell.SurfaceID,
			TenantID:        man.TenantID,
			SessionDuration: time.Duration(loc.SessionDuration) * time.Minute,
		})
		if err != nil {
			if errors.Is(err, account.ErrNoAccountAvailable) && adapter.SupportsAnonymous() {
				// Anonymous fallback.
			} else {
				o.reportFailure(studyID, job.ID, "no account available: "+err.Error(), errcode.TemporaryFailure)
				o.reportCredential(job.Cell.SurfaceID, cred, false)
				return
			}
		} else {
			checkout = &co
			qctx.AccountID = co.AccountID
		}
	}

	// Proxy acquisition.
	var assignment *proxy.Assignment
	if o.proxies != nil {
		loc := locationConfig(man, job.Cell.LocationID)
		req := proxy.Request{
			Location: job.Cell.LocationID,
			Type:     string(loc.ProxyType),
			Provider: loc.ProxyProvider,
			Target:   job.Cell.SurfaceID,
			PoolID:   loc.ProxyPool,
		}
		if loc.RequireSticky {
			req.RequireSticky = true
			if loc.SessionDuration > 0 {
				req.StickyDuration = time.Duration(loc.SessionDuration) * time.Minute
			}
		}
		asg, err := o.proxies.RequestProxy(req)
		if err != nil {
			o.reportFailure(studyID, job.ID, "no proxy available: "+err.Error(), errcode.ProxyError)
			o.reportCredential(job.Cell.SurfaceID, cred, false)
			o.reportAccount(checkout, false)
			return
		}
		assignment = &asg
		qctx.Proxy = &asg.Proxy
		qctx.SessionID = asg.SessionID
	}

	result, execErr := o.executeWithRecovery(ctx, adapter, job, qctx)

	success := false
	switch {
	case execErr != nil:
		code := errcode.CodeOf(execErr)
		if errors.Is(execErr, context.DeadlineExceeded) {
			code = errcode.Timeout
		}
		if failErr := o.FailJob(studyID, job.ID, execErr.Error(), code); failErr != nil {
			log.Printf("[orchestrator] fail job %s: %v", job.ID, failErr)
		}
	default:
		report := validator.ValidateJob(validator.JobInput{
			JobID:         job.ID,
			SurfaceID:     job.Cell.SurfaceID,
			Result:        result,
			Gates:         man.QualityGates,
			EvidenceLevel: man.EvidenceLevel,
			StrictMode:    o.cfg.StrictValidation,
		})
		o.Stats.Record(report)
		if report.Status == validator.StatusFailed {
			code := errcode.ValidationFailed
			if result != nil && result.ErrorCode != "" {
				code = errcode.Code(result.ErrorCode)
			}
			msg := "validation failed: " + joinChecks(report.FailedChecks())
			if failErr := o.FailJob(studyID, job.ID, msg, code); failErr != nil {
				log.Printf("[orchestrator] fail job %s: %v", job.ID, failErr)
			}
		} else {
			if compErr := o.CompleteJob(studyID, job.ID, result); compErr != nil {
				log.Printf("[orchestrator] complete job %s: %v", job.ID, compErr)
			}
			success = true
		}
	}

	o.reportCredential(job.Cell.SurfaceID, cred, success)
	o.reportAccount(checkout, success)
	if assignment != nil {
		o.proxies.ReportUsage(assignment.Proxy.ID, job.Cell.SurfaceID, success)
	}
}

// executeWithRecovery calls the adapter under the per-job timeout and turns
// panics into INTERNAL_ERROR.
func (o *Orchestrator) executeWithRecovery(ctx context.Context, adapter surface.Adapter, job Job, qctx surface.QueryContext) (result *surface.QueryResult, err error) {
	if qctx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qctx.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errcode.Newf(errcode.InternalError, "adapter %s panicked: %v", adapter.ID(), r)
		}
	}()

	start := time.Now()
	result, err = adapter.ExecuteQuery(ctx, job.QueryText, qctx)
	if err == nil && ctx.Err() != nil {
		return nil, context.DeadlineExceeded
	}
	if result != nil && result.ResponseTimeMs == 0 {
		result.ResponseTimeMs = time.Since(start).Milliseconds()
	}
	return result, err
}

// reportFailure fails a job and logs a rejected transition.
func (o *Orchestrator) reportFailure(studyID, jobID, msg string, code errcode.Code) {
	if err := o.FailJob(studyID, jobID, msg, code); err != nil {
		log.Printf("[orchestrator] fail job %s: %v", jobID, err)
	}
}

func (o *Orchestrator) reportCredential(surfaceID string, cred *vault.Credential, success bool) {
	if cred == nil || o.creds == nil {
		return
	}
	if success {
		o.creds.ReportSuccess(surfaceID, cred.ID)
	} else {
		o.creds.ReportError(surfaceID, cred.ID)
	}
}

func (o *Orchestrator) reportAccount(checkout *account.Checkout, success bool) {
	if checkout == nil || o.accounts == nil {
		return
	}
	o.accounts.Checkin(checkout.ID, success)
}

// locationConfig finds the manifest location block for a location ID.
func locationConfig(man *manifest.Manifest, locationID string) manifest.LocationConfig {
	for _, l := range man.Locations {
		if l.ID == locationID {
			return l
		}
	}
	return manifest.LocationConfig{ID: locationID}
}

// flattenCredential turns the tagged union into the flat field map adapters
// consume.
func flattenCredential(c vault.Credential) map[string]string {
	out := map[string]string{"id": c.ID, "type": string(c.Type)}
	switch c.Type {
	case vault.TypeAPIKey:
		out["apiKey"] = c.APIKey
	case vault.TypeBearerToken, vault.TypeOAuthToken:
		out["token"] = c.Token
		if c.RefreshToken != "" {
			out["refreshToken"] = c.RefreshToken
		}
	case vault.TypeSessionCookie:
		out["cookieName"] = c.CookieName
		out["cookieValue"] = c.CookieValue
		if c.CookieDomain != "" {
			out["cookieDomain"] = c.CookieDomain
		}
	case vault.TypeUsernamePassword:
		out["username"] = c.Username
		out["password"] = c.Password
	}
	return out
}

func joinChecks(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// Shutdown cancels all running studies, waits up to the configured grace for
// in-flight jobs, and flushes every study's checkpoint.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	runs := make([]*studyRun, 0, len(o.studies))
	for _, run := range o.studies {
		runs = append(runs, run)
	}
	o.mu.Unlock()

	for _, run := range runs {
		run.mu.Lock()
		cancel := run.cancel
		run.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	deadline := time.Now().Add(o.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		busy := 0
		for _, run := range runs {
			run.mu.Lock()
			busy += run.executing
			run.mu.Unlock()
		}
		if busy == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, run := range runs {
		run.mu.Lock()
		ckpt := run.ckpt
		id := run.study.ID
		run.mu.Unlock()
		if ckpt == nil {
			continue
		}
		if err := ckpt.Save(); err != nil {
			log.Printf("[orchestrator] shutdown checkpoint flush failed for %s: %v", id, err)
		}
	}
	log.Printf("[orchestrator] shutdown complete")
}
