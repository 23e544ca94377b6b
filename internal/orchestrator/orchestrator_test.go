package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benthamlabs/bentham/internal/account"
	"github.com/benthamlabs/bentham/internal/checkpoint"
	"github.com/benthamlabs/bentham/internal/clock"
	"github.com/benthamlabs/bentham/internal/credpool"
	"github.com/benthamlabs/bentham/internal/errcode"
	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/model"
	"github.com/benthamlabs/bentham/internal/proxy"
	"github.com/benthamlabs/bentham/internal/surface"
	"github.com/benthamlabs/bentham/internal/testutil"
	"github.com/benthamlabs/bentham/internal/vault"
)

func testOrchestrator(t *testing.T, clk clock.Clock, adapters ...surface.Adapter) (*Orchestrator, checkpoint.Store) {
	t.Helper()
	reg := surface.NewRegistry()
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register adapter: %v", err)
		}
	}
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	return New(DefaultConfig(), reg, store, clk), store
}

func startedStudyID(t *testing.T, o *Orchestrator, man *manifest.Manifest) string {
	t.Helper()
	id := o.CreateStudy(man)
	if err := o.StartStudy(id, testutil.PermissiveRegistries()); err != nil {
		t.Fatalf("StartStudy: %v", err)
	}
	return id
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	if canTransition(StatePaused, StateFailed) {
		t.Fatal("paused -> failed must be illegal")
	}
	if canTransition(StateComplete, StateExecuting) {
		t.Fatal("complete is terminal")
	}
	if !canTransition(StateExecuting, StatePaused) || !canTransition(StatePaused, StateExecuting) {
		t.Fatal("executing <-> paused must be legal")
	}

	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, nil, adapter)
	man := testutil.StudyManifest("t", []string{"q1"}, []string{"chatgpt-web"}, []string{"us"})
	id := o.CreateStudy(man)

	// Pause before executing is illegal.
	err := o.PauseStudy(id, "too early")
	var illegal *ErrIllegalTransition
	if !errors.As(err, &illegal) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestHappyPathStudyCompletes(t *testing.T) {
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, store := testOrchestrator(t, nil, adapter)
	man := testutil.StudyManifest("s1", []string{"q1", "q2"}, []string{"chatgpt-web"}, []string{"us"})
	id := o.CreateStudy(man)
	if err := o.StartStudy(id, testutil.PermissiveRegistries()); err != nil {
		t.Fatalf("StartStudy: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.ExecuteStudy(ctx, id); err != nil {
		t.Fatalf("ExecuteStudy: %v", err)
	}

	study, _ := o.GetStudy(id)
	if study.State != StateComplete {
		t.Fatalf("state = %s, want complete", study.State)
	}
	p, _ := o.Progress(id)
	if p.CompletedCells != 2 || p.FailedCells != 0 || p.ExecutingCells != 0 {
		t.Fatalf("progress = %+v", p)
	}
	if p.CompletionPercentage != 100 {
		t.Fatalf("completion = %v, want 100", p.CompletionPercentage)
	}
	if got := len(adapter.Calls()); got != 2 {
		t.Fatalf("adapter saw %d calls, want 2", got)
	}
	// PreserveCheckpoint is off, so finalize removes the snapshot.
	if store.Exists(id) {
		t.Fatal("checkpoint should be deleted after completion")
	}
}

func TestRetryPathRequeuesWithBackoff(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewFake(start)
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)
	man := testutil.StudyManifest("s2", []string{"q1"}, []string{"chatgpt-web"}, []string{"us"})
	id := o.CreateStudy(man)
	if err := o.StartStudy(id, testutil.PermissiveRegistries()); err != nil {
		t.Fatalf("StartStudy: %v", err)
	}

	jobs, _ := o.GetNextJobs(id, 1)
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	jobID := jobs[0].ID

	if _, err := o.StartJob(id, jobID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := o.FailJob(id, jobID, "429 from surface", errcode.RateLimited); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	all, _ := o.GetJobs(id)
	if all[0].Status != JobPending || all[0].Attempts != 1 {
		t.Fatalf("job after retryable failure = %+v", all[0])
	}
	if !all[0].NextAttemptAt.After(start) {
		t.Fatal("nextAttemptAt not stamped")
	}

	// Backoff gates scheduling until the fake clock passes it.
	if jobs, _ := o.GetNextJobs(id, 1); len(jobs) != 0 {
		t.Fatal("job dispatched before its backoff elapsed")
	}
	clk.Advance(time.Second)
	jobs, _ = o.GetNextJobs(id, 1)
	if len(jobs) != 1 {
		t.Fatal("job not dispatched after backoff")
	}

	if _, err := o.StartJob(id, jobID); err != nil {
		t.Fatalf("StartJob attempt 2: %v", err)
	}
	if err := o.CompleteJob(id, jobID, &surface.QueryResult{Success: true, Content: "fine"}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	study, _ := o.GetStudy(id)
	if study.State != StateComplete {
		t.Fatalf("state = %s, want complete", study.State)
	}
	all, _ = o.GetJobs(id)
	if all[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", all[0].Attempts)
	}
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)
	man := testutil.StudyManifest("s", []string{"q1"}, []string{"chatgpt-web"}, []string{"us"})
	id := startedStudyID(t, o, man)

	jobs, _ := o.GetNextJobs(id, 1)
	o.StartJob(id, jobs[0].ID)
	if err := o.FailJob(id, jobs[0].ID, "login rejected", errcode.AuthFailed); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	all, _ := o.GetJobs(id)
	if all[0].Status != JobFailed {
		t.Fatalf("status = %s, want failed", all[0].Status)
	}
	// All cells terminal but coverage unmet: validating_results -> failed.
	study, _ := o.GetStudy(id)
	if study.State != StateFailed {
		t.Fatalf("state = %s, want failed", study.State)
	}
}

func TestRetriesExhaustedBecomesTerminal(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)
	man := testutil.StudyManifest("s", []string{"q1"}, []string{"chatgpt-web"}, []string{"us"})
	id := startedStudyID(t, o, man)

	jobs, _ := o.GetNextJobs(id, 1)
	jobID := jobs[0].ID
	// MaxRetries is 2: attempts 1 and 2 requeue, attempt 3 is terminal.
	for attempt := 1; attempt <= 3; attempt++ {
		clk.Advance(2 * time.Second)
		if _, err := o.StartJob(id, jobID); err != nil {
			t.Fatalf("StartJob attempt %d: %v", attempt, err)
		}
		if err := o.FailJob(id, jobID, "flaky", errcode.NetworkError); err != nil {
			t.Fatalf("FailJob attempt %d: %v", attempt, err)
		}
		if attempt < 3 {
			clk.Advance(2 * time.Second)
			if got, _ := o.GetNextJobs(id, 1); len(got) != 1 {
				t.Fatalf("attempt %d should requeue", attempt)
			}
		}
	}
	all, _ := o.GetJobs(id)
	if all[0].Status != JobFailed || all[0].Attempts != 3 {
		t.Fatalf("job = %+v, want failed after 3 attempts", all[0])
	}
}

func TestCheckpointResume(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)
	man := testutil.StudyManifest("s3", []string{"q1", "q2", "q3", "q4"}, []string{"chatgpt-web"}, []string{"us"})
	id := startedStudyID(t, o, man)

	// Complete two of four cells.
	jobs, _ := o.GetNextJobs(id, 2)
	for _, j := range jobs {
		o.StartJob(id, j.ID)
		if err := o.CompleteJob(id, j.ID, &surface.QueryResult{Success: true, Content: "done"}); err != nil {
			t.Fatalf("CompleteJob: %v", err)
		}
	}
	snap, err := o.CreateCheckpoint(id)
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if snap.CompletedCells != 2 || snap.TotalCells != 4 {
		t.Fatalf("snapshot = %d/%d, want 2/4", snap.CompletedCells, snap.TotalCells)
	}

	// Fresh orchestrator, same manifest: restore replaces the job graph.
	o2, _ := testOrchestrator(t, clk, adapter)
	id2 := startedStudyID(t, o2, man)
	if err := o2.RestoreFromCheckpoint(id2, snap); err != nil {
		t.Fatalf("RestoreFromCheckpoint: %v", err)
	}

	p, _ := o2.Progress(id2)
	if p.CompletedCells != 2 || p.FailedCells != 0 {
		t.Fatalf("restored progress = %+v", p)
	}
	all, _ := o2.GetJobs(id2)
	pending := 0
	for _, j := range all {
		if j.Status == JobPending {
			pending++
		}
	}
	if pending != 2 {
		t.Fatalf("pending after restore = %d, want 2", pending)
	}

	// The restored study can finish the remaining cells.
	remaining, _ := o2.GetNextJobs(id2, 4)
	if len(remaining) != 2 {
		t.Fatalf("ready after restore = %d, want 2", len(remaining))
	}
	for _, j := range remaining {
		o2.StartJob(id2, j.ID)
		o2.CompleteJob(id2, j.ID, &surface.QueryResult{Success: true, Content: "done"})
	}
	study, _ := o2.GetStudy(id2)
	if study.State != StateComplete {
		t.Fatalf("state = %s, want complete", study.State)
	}
}

func TestCheckpointRestoreRejectsFingerprintMismatch(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)
	man := testutil.StudyManifest("s", []string{"q1"}, []string{"chatgpt-web"}, []string{"us"})
	id := startedStudyID(t, o, man)

	snap, _ := o.CreateCheckpoint(id)
	snap.ManifestFingerprint = "deadbeefdeadbeefdeadbeefdeadbeef"
	if err := o.RestoreFromCheckpoint(id, snap); err == nil {
		t.Fatal("expected fingerprint mismatch error")
	}
}

func TestPauseStopsDispatchInFlightFinishes(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)
	man := testutil.StudyManifest("s5", []string{"q1", "q2"}, []string{"chatgpt-web"}, []string{"us"})
	id := startedStudyID(t, o, man)

	jobs, _ := o.GetNextJobs(id, 1)
	o.StartJob(id, jobs[0].ID)

	if err := o.PauseStudy(id, "operator request"); err != nil {
		t.Fatalf("PauseStudy: %v", err)
	}
	study, _ := o.GetStudy(id)
	if study.State != StatePaused || study.PauseReason != "operator request" {
		t.Fatalf("study = %+v", study)
	}
	if got, _ := o.GetNextJobs(id, 5); len(got) != 0 {
		t.Fatal("paused study must not dispatch")
	}

	// The in-flight job still lands and updates progress.
	if err := o.CompleteJob(id, jobs[0].ID, &surface.QueryResult{Success: true, Content: "ok"}); err != nil {
		t.Fatalf("CompleteJob while paused: %v", err)
	}
	p, _ := o.Progress(id)
	if p.CompletedCells != 1 {
		t.Fatalf("progress = %+v", p)
	}

	if err := o.ResumeStudy(id); err != nil {
		t.Fatalf("ResumeStudy: %v", err)
	}
	if got, _ := o.GetNextJobs(id, 5); len(got) != 1 {
		t.Fatal("resume should dispatch the remaining cell")
	}
}

func TestFailFastOnConsecutiveFailures(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)
	man := testutil.StudyManifest("s", []string{"q1", "q2", "q3"}, []string{"chatgpt-web"}, []string{"us"})
	man.CompletionCriteria.ConsecutiveFailureLimit = 2
	id := startedStudyID(t, o, man)

	jobs, _ := o.GetNextJobs(id, 2)
	for _, j := range jobs {
		o.StartJob(id, j.ID)
		o.FailJob(id, j.ID, "blocked", errcode.ContentBlocked)
	}

	study, _ := o.GetStudy(id)
	if study.State != StateFailed {
		t.Fatalf("state = %s, want failed after 2 consecutive failures", study.State)
	}
	if study.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}
}

func TestDeadlineAtRiskFiresOnce(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewFake(start)
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)

	var fired atomic.Int32
	o.SetHooks(Hooks{
		OnDeadlineAtRisk: func(Study) { fired.Add(1) },
	})

	queries := make([]string, 10)
	for i := range queries {
		queries[i] = "q"
	}
	man := testutil.StudyManifest("s7", queries, []string{"chatgpt-web"}, []string{"us"})
	man.Deadline = start.Add(time.Hour)
	id := startedStudyID(t, o, man)

	// One completion after 30 minutes: the trailing-window rate projects
	// far past the deadline.
	jobs, _ := o.GetNextJobs(id, 1)
	o.StartJob(id, jobs[0].ID)
	clk.Advance(30 * time.Minute)
	o.CompleteJob(id, jobs[0].ID, &surface.QueryResult{Success: true, Content: "ok"})

	if fired.Load() != 1 {
		t.Fatalf("at-risk hook fired %d times, want 1", fired.Load())
	}
	ds, _ := o.DeadlineStatus(id)
	if !ds.AtRisk || ds.ProjectedCompletion == nil {
		t.Fatalf("deadline status = %+v", ds)
	}

	// Still at risk after another slow completion: no second fire.
	jobs, _ = o.GetNextJobs(id, 1)
	o.StartJob(id, jobs[0].ID)
	clk.Advance(time.Minute)
	o.CompleteJob(id, jobs[0].ID, &surface.QueryResult{Success: true, Content: "ok"})
	if fired.Load() != 1 {
		t.Fatalf("at-risk hook fired %d times after second completion, want 1", fired.Load())
	}
}

func TestWorkerPoolRespectsMaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	adapter := &testutil.StubAdapter{
		SurfaceID: "chatgpt-web",
		ExecuteFn: func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return &surface.QueryResult{Success: true, Content: "ok"}, nil
		},
	}
	o, _ := testOrchestrator(t, nil, adapter)
	man := testutil.StudyManifest("s", []string{"q1", "q2", "q3", "q4", "q5", "q6"}, []string{"chatgpt-web"}, []string{"us"})
	man.Execution.MaxConcurrency = 2
	id := startedStudyID(t, o, man)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.ExecuteStudy(ctx, id); err != nil {
		t.Fatalf("ExecuteStudy: %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
	study, _ := o.GetStudy(id)
	if study.State != StateComplete {
		t.Fatalf("state = %s, want complete", study.State)
	}
}

func TestAdapterPanicBecomesInternalError(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	adapter := &testutil.StubAdapter{
		SurfaceID: "chatgpt-web",
		ExecuteFn: func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			panic("nil dereference in parser")
		},
	}
	o, _ := testOrchestrator(t, nil, adapter)
	man := testutil.StudyManifest("s", []string{"q1"}, []string{"chatgpt-web"}, []string{"us"})
	id := startedStudyID(t, o, man)

	var kinds []errcode.Code
	var kmu sync.Mutex
	o.SetHooks(Hooks{
		OnJobFail: func(_ Job, kind errcode.Code) {
			kmu.Lock()
			kinds = append(kinds, kind)
			kmu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.ExecuteStudy(ctx, id); err != nil {
		t.Fatalf("ExecuteStudy: %v", err)
	}

	kmu.Lock()
	defer kmu.Unlock()
	if len(kinds) == 0 {
		t.Fatal("panic did not surface as a job failure")
	}
	for _, k := range kinds {
		if k != errcode.InternalError {
			t.Fatalf("failure kind = %s, want INTERNAL_ERROR", k)
		}
	}
}

func TestPerJobTimeoutBecomesTimeoutKind(t *testing.T) {
	adapter := &testutil.StubAdapter{
		SurfaceID: "chatgpt-web",
		ExecuteFn: func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, _ := testOrchestrator(t, nil, adapter)
	man := testutil.StudyManifest("s8t", []string{"q1"}, []string{"chatgpt-web"}, []string{"us"})
	man.Execution.Timeouts.QueryTimeoutMs = 30
	man.Execution.Retry.MaxRetries = 0
	id := startedStudyID(t, o, man)

	var kind errcode.Code
	var mu sync.Mutex
	o.SetHooks(Hooks{OnJobFail: func(_ Job, k errcode.Code) {
		mu.Lock()
		kind = k
		mu.Unlock()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.ExecuteStudy(ctx, id); err != nil {
		t.Fatalf("ExecuteStudy: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if kind != errcode.Timeout {
		t.Fatalf("failure kind = %s, want TIMEOUT", kind)
	}
}

func TestShutdownFlushesCheckpoint(t *testing.T) {
	release := make(chan struct{})
	adapter := &testutil.StubAdapter{
		SurfaceID: "chatgpt-web",
		ExecuteFn: func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &surface.QueryResult{Success: true, Content: "ok"}, nil
		},
	}
	o, store := testOrchestrator(t, nil, adapter)
	man := testutil.StudyManifest("s8", []string{"q1", "q2", "q3"}, []string{"chatgpt-web"}, []string{"us"})
	id := startedStudyID(t, o, man)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.ExecuteStudy(context.Background(), id)
	}()

	// Let at least one worker get in flight, then shut down.
	time.Sleep(100 * time.Millisecond)
	close(release)
	o.Shutdown()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("ExecuteStudy did not return after shutdown")
	}

	p, _ := o.Progress(id)
	if p.ExecutingCells != 0 {
		t.Fatalf("executing = %d after shutdown, want 0", p.ExecutingCells)
	}
	if p.TotalCells != p.CompletedCells+p.FailedCells+pendingCount(t, o, id)+p.ExecutingCells {
		t.Fatal("counter invariant violated")
	}
	if !store.Exists(id) {
		t.Fatal("shutdown should flush the checkpoint")
	}
}

func pendingCount(t *testing.T, o *Orchestrator, id string) int {
	t.Helper()
	jobs, err := o.GetJobs(id)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	n := 0
	for _, j := range jobs {
		if j.Status == JobPending {
			n++
		}
	}
	return n
}

func TestInvalidManifestFailsStudy(t *testing.T) {
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, nil, adapter)
	man := testutil.StudyManifest("bad", nil, []string{"chatgpt-web"}, []string{"us"})
	id := o.CreateStudy(man)

	err := o.StartStudy(id, testutil.PermissiveRegistries())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errcode.CodeOf(err) != errcode.InvalidManifest {
		t.Fatalf("code = %s, want INVALID_MANIFEST", errcode.CodeOf(err))
	}
	study, _ := o.GetStudy(id)
	if study.State != StateFailed {
		t.Fatalf("state = %s, want failed", study.State)
	}
}

func TestRequiredSurfacesScheduledFirst(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	required := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	optional := &testutil.StubAdapter{SurfaceID: "perplexity"}
	o, _ := testOrchestrator(t, clk, required, optional)

	man := testutil.StudyManifest("s", []string{"q1"}, []string{"chatgpt-web", "perplexity"}, []string{"us"})
	man.Surfaces[1].Required = false
	man.CompletionCriteria.RequiredSurfaceIDs = []string{"chatgpt-web"}
	man.CompletionCriteria.OptionalSurfaceIDs = []string{"perplexity"}
	id := startedStudyID(t, o, man)

	jobs, _ := o.GetNextJobs(id, 2)
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].Cell.SurfaceID != "chatgpt-web" {
		t.Fatalf("first job surface = %s, want required surface first", jobs[0].Cell.SurfaceID)
	}
}

// noopAccountPersister satisfies account.Persister for in-memory tests.
type noopAccountPersister struct{}

func (noopAccountPersister) UpsertAccount(model.Account) error     { return nil }
func (noopAccountPersister) DeleteAccount(string) error            { return nil }
func (noopAccountPersister) UpsertPool(model.AccountPool) error    { return nil }
func (noopAccountPersister) DeletePool(string) error               { return nil }
func (noopAccountPersister) AddPoolMember(string, string) error    { return nil }
func (noopAccountPersister) RemovePoolMember(string, string) error { return nil }
func (noopAccountPersister) MarkAccountUsage(string)               {}
func (noopAccountPersister) MarkAccountUsageDelete(string)         {}
func (noopAccountPersister) MarkCheckout(string)                   {}
func (noopAccountPersister) MarkCheckoutDelete(string)             {}

// grantAllProxySource hands out one static proxy and records usage reports.
type grantAllProxySource struct {
	mu      sync.Mutex
	granted int
	reports []bool
}

func (s *grantAllProxySource) RequestProxy(proxy.Request) (proxy.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted++
	return proxy.Assignment{
		Proxy:     model.ProxyRecord{ID: "px-1", Host: "127.0.0.1", Port: 8080, Type: "datacenter", Enabled: true},
		SessionID: "sess-1",
		Provider:  "static",
	}, nil
}

func (s *grantAllProxySource) ReportUsage(proxyID, target string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, success)
}

func TestDispatchChecksOutTenantAccounts(t *testing.T) {
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web", Auth: true}
	var mu sync.Mutex
	var usedAccounts []string
	adapter.ExecuteFn = func(ctx context.Context, text string, qctx surface.QueryContext) (*surface.QueryResult, error) {
		mu.Lock()
		usedAccounts = append(usedAccounts, qctx.AccountID)
		mu.Unlock()
		return &surface.QueryResult{Success: true, Content: "ok", ResponseTimeMs: 1}, nil
	}
	o, _ := testOrchestrator(t, nil, adapter)

	accounts := account.NewManager(account.DefaultConfig(), noopAccountPersister{}, nil)
	for _, a := range []model.Account{
		{ID: "acct-ours", SurfaceID: "chatgpt-web", TenantID: "tenant-test", Identifier: "ours@example.com", Status: model.AccountActive, Enabled: true},
		{ID: "acct-other", SurfaceID: "chatgpt-web", TenantID: "tenant-other", Identifier: "other@example.com", Status: model.AccountActive, Enabled: true},
	} {
		if err := accounts.AddAccount(a); err != nil {
			t.Fatalf("AddAccount(%s): %v", a.ID, err)
		}
	}

	backend := vault.NewMemoryBackend()
	if err := backend.Store(vault.Credential{
		ID:        "cred-1",
		SurfaceID: "chatgpt-web",
		Type:      vault.TypeAPIKey,
		APIKey:    "sk-test",
		IsActive:  true,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("store credential: %v", err)
	}
	creds := credpool.NewManager(backend, credpool.DefaultConfig(), nil, nil, nil)

	proxies := &grantAllProxySource{}
	o.SetAccountSource(accounts)
	o.SetCredentialSource(creds)
	o.SetProxySource(proxies)

	man := testutil.StudyManifest("wired", []string{"q1", "q2"}, []string{"chatgpt-web"}, []string{"us"})
	id := startedStudyID(t, o, man)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.ExecuteStudy(ctx, id); err != nil {
		t.Fatalf("ExecuteStudy: %v", err)
	}

	study, _ := o.GetStudy(id)
	if study.State != StateComplete {
		t.Fatalf("state = %s, want complete", study.State)
	}
	if study.TenantID != "tenant-test" {
		t.Fatalf("study tenant = %q, want tenant-test", study.TenantID)
	}

	// Only the manifest tenant's account may serve its cells.
	mu.Lock()
	used := make([]string, len(usedAccounts))
	copy(used, usedAccounts)
	mu.Unlock()
	if len(used) != 2 {
		t.Fatalf("adapter saw %d calls, want 2", len(used))
	}
	for _, acct := range used {
		if acct != "acct-ours" {
			t.Fatalf("cell ran with account %q, want acct-ours", acct)
		}
	}

	if got := len(accounts.GetActiveCheckouts()); got != 0 {
		t.Fatalf("active checkouts after completion = %d, want 0", got)
	}

	proxies.mu.Lock()
	defer proxies.mu.Unlock()
	if proxies.granted != 2 {
		t.Fatalf("proxy grants = %d, want 2", proxies.granted)
	}
	for i, ok := range proxies.reports {
		if !ok {
			t.Fatalf("usage report %d = failure, want success", i)
		}
	}
}

func TestRestoreClearsRateWindowAndDeadlineLatch(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewFake(start)
	adapter := &testutil.StubAdapter{SurfaceID: "chatgpt-web"}
	o, _ := testOrchestrator(t, clk, adapter)

	queries := make([]string, 10)
	for i := range queries {
		queries[i] = "q"
	}
	man := testutil.StudyManifest("s", queries, []string{"chatgpt-web"}, []string{"us"})
	man.Deadline = start.Add(time.Hour)
	id := startedStudyID(t, o, man)

	// One completion after 30 minutes latches the at-risk flag.
	jobs, _ := o.GetNextJobs(id, 1)
	o.StartJob(id, jobs[0].ID)
	clk.Advance(30 * time.Minute)
	o.CompleteJob(id, jobs[0].ID, &surface.QueryResult{Success: true, Content: "ok"})
	ds, _ := o.DeadlineStatus(id)
	if !ds.AtRisk {
		t.Fatalf("deadline status = %+v, want at risk", ds)
	}

	snap, err := o.CreateCheckpoint(id)
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if err := o.RestoreFromCheckpoint(id, snap); err != nil {
		t.Fatalf("RestoreFromCheckpoint: %v", err)
	}

	// The latch and the throughput window restart with the restored graph,
	// so the pre-restore sample no longer feeds the projection.
	ds, _ = o.DeadlineStatus(id)
	if ds.AtRisk {
		t.Fatal("at-risk latch survived the restore")
	}
	if ds.ProjectedCompletion != nil {
		t.Fatalf("projection = %v, want none until a fresh completion", ds.ProjectedCompletion)
	}
	p, _ := o.Progress(id)
	if p.RatePerHour != 0 {
		t.Fatalf("rate = %v, want 0 after restore", p.RatePerHour)
	}
	if p.CompletedCells != 1 {
		t.Fatalf("completed = %d, want 1 from the snapshot", p.CompletedCells)
	}
}
