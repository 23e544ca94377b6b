package api

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/benthamlabs/bentham/internal/checkpoint"
	"github.com/benthamlabs/bentham/internal/errcode"
	"github.com/benthamlabs/bentham/internal/manifest"
	"github.com/benthamlabs/bentham/internal/orchestrator"
)

// StudyRunner couples the orchestrator with the registries used for manifest
// validation and owns the background execution loops started by the API.
type StudyRunner struct {
	Orch       *orchestrator.Orchestrator
	Registries manifest.Registries
	Store      checkpoint.Store

	// BaseCtx bounds every execution loop; cancelling it drains all studies.
	BaseCtx context.Context

	mu      sync.Mutex
	running map[string]bool
}

// NewStudyRunner creates a runner. baseCtx may be nil.
func NewStudyRunner(orch *orchestrator.Orchestrator, reg manifest.Registries, store checkpoint.Store, baseCtx context.Context) *StudyRunner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &StudyRunner{
		Orch:       orch,
		Registries: reg,
		Store:      store,
		BaseCtx:    baseCtx,
		running:    make(map[string]bool),
	}
}

// launch starts the dispatch loop for a study unless one is already running.
func (sr *StudyRunner) launch(studyID string) {
	sr.mu.Lock()
	if sr.running[studyID] {
		sr.mu.Unlock()
		return
	}
	sr.running[studyID] = true
	sr.mu.Unlock()

	go func() {
		defer func() {
			sr.mu.Lock()
			delete(sr.running, studyID)
			sr.mu.Unlock()
		}()
		if err := sr.Orch.ExecuteStudy(sr.BaseCtx, studyID); err != nil {
			log.Printf("[api] execution loop for study %s ended: %v", studyID, err)
		}
	}()
}

// resumeFromSavedCheckpoint scans the store for a snapshot whose manifest
// fingerprint matches the new study and replays it, so re-submitting a
// manifest after a restart skips already-completed cells. Stale snapshots
// saved under the previous study ID are cleaned up on adoption.
func (sr *StudyRunner) resumeFromSavedCheckpoint(studyID string) {
	study, err := sr.Orch.GetStudy(studyID)
	if err != nil {
		return
	}
	ids, err := sr.Store.List()
	if err != nil {
		log.Printf("[api] checkpoint scan failed: %v", err)
		return
	}
	for _, prev := range ids {
		ckpt, err := sr.Store.Load(prev)
		if err != nil || ckpt == nil {
			continue
		}
		if ckpt.ManifestFingerprint != study.Fingerprint {
			continue
		}
		// Never steal the snapshot of a study still running in this process.
		if prior, err := sr.Orch.GetStudy(prev); err == nil && !prior.State.Terminal() {
			continue
		}
		ckpt.StudyID = studyID
		if err := sr.Orch.RestoreFromCheckpoint(studyID, *ckpt); err != nil {
			log.Printf("[api] checkpoint restore for study %s: %v", studyID, err)
			return
		}
		if prev != studyID {
			if err := sr.Store.Delete(prev); err != nil {
				log.Printf("[api] stale checkpoint %s cleanup failed: %v", prev, err)
			}
		}
		log.Printf("[api] study %s resumed from checkpoint of %s", studyID, prev)
		return
	}
}

// studyResponse is the study record plus live progress counters.
type studyResponse struct {
	orchestrator.Study
	Progress orchestrator.Progress `json:"progress"`
}

func (sr *StudyRunner) studyResponse(studyID string) (studyResponse, error) {
	study, err := sr.Orch.GetStudy(studyID)
	if err != nil {
		return studyResponse{}, err
	}
	progress, err := sr.Orch.Progress(studyID)
	if err != nil {
		return studyResponse{}, err
	}
	return studyResponse{Study: study, Progress: progress}, nil
}

// HandleCreateStudy returns a handler for POST /api/v1/studies.
// The body is a study manifest in YAML or JSON. The study is validated,
// started, and dispatched in the background.
func HandleCreateStudy(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		man, err := manifest.Decode(body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, string(errcode.InvalidManifest), err.Error())
			return
		}

		id := sr.Orch.CreateStudy(man)
		if err := sr.Orch.StartStudy(id, sr.Registries); err != nil {
			// The study record survives in failed state for postmortems.
			writeDomainError(w, err)
			return
		}
		sr.resumeFromSavedCheckpoint(id)
		sr.launch(id)

		resp, err := sr.studyResponse(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, resp)
	}
}

// HandleListStudies returns a handler for GET /api/v1/studies.
func HandleListStudies(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		studies := sr.Orch.ListStudies()
		WritePage(w, http.StatusOK, studies, pg)
	}
}

// HandleGetStudy returns a handler for GET /api/v1/studies/{id}.
func HandleGetStudy(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		resp, err := sr.studyResponse(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleStudyProgress returns a handler for GET /api/v1/studies/{id}/progress.
func HandleStudyProgress(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		progress, err := sr.Orch.Progress(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, progress)
	}
}

// HandleStudyDeadline returns a handler for GET /api/v1/studies/{id}/deadline.
func HandleStudyDeadline(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		ds, err := sr.Orch.DeadlineStatus(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ds)
	}
}

// HandleListJobs returns a handler for GET /api/v1/studies/{id}/jobs.
func HandleListJobs(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		jobs, err := sr.Orch.GetJobs(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := jobs[:0]
			for _, j := range jobs {
				if string(j.Status) == status {
					filtered = append(filtered, j)
				}
			}
			jobs = filtered
		}
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, jobs, pg)
	}
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// HandlePauseStudy returns a handler for POST /api/v1/studies/{id}/actions/pause.
func HandlePauseStudy(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		var req pauseRequest
		if r.ContentLength > 0 {
			if err := DecodeBody(r, &req); err != nil {
				writeDecodeBodyError(w, err)
				return
			}
		}
		if err := sr.Orch.PauseStudy(id, req.Reason); err != nil {
			writeDomainError(w, err)
			return
		}
		resp, err := sr.studyResponse(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleResumeStudy returns a handler for POST /api/v1/studies/{id}/actions/resume.
// It restarts the dispatch loop when none is running, which covers studies
// resumed after a process restart.
func HandleResumeStudy(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if err := sr.Orch.ResumeStudy(id); err != nil {
			writeDomainError(w, err)
			return
		}
		sr.launch(id)
		resp, err := sr.studyResponse(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleCancelStudy returns a handler for POST /api/v1/studies/{id}/actions/cancel.
func HandleCancelStudy(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		var req pauseRequest
		if r.ContentLength > 0 {
			if err := DecodeBody(r, &req); err != nil {
				writeDecodeBodyError(w, err)
				return
			}
		}
		reason := req.Reason
		if reason == "" {
			reason = "cancelled by operator"
		}
		if err := sr.Orch.CancelStudy(id, reason); err != nil {
			writeDomainError(w, err)
			return
		}
		resp, err := sr.studyResponse(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleCreateStudyCheckpoint returns a handler for
// POST /api/v1/studies/{id}/actions/checkpoint.
func HandleCreateStudyCheckpoint(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		ckpt, err := sr.Orch.CreateCheckpoint(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ckpt)
	}
}

// HandleGetStudyCheckpoint returns a handler for GET /api/v1/studies/{id}/checkpoint.
func HandleGetStudyCheckpoint(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		ckpt, err := sr.Store.Load(id)
		if err != nil {
			writeInvalidRequest(w, err.Error())
			return
		}
		if ckpt == nil {
			WriteError(w, http.StatusNotFound, "CHECKPOINT_NOT_FOUND", "no checkpoint for study "+id)
			return
		}
		WriteJSON(w, http.StatusOK, ckpt)
	}
}

// HandleDeleteStudyCheckpoint returns a handler for DELETE /api/v1/studies/{id}/checkpoint.
func HandleDeleteStudyCheckpoint(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if err := sr.Store.Delete(id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleValidationStats returns a handler for GET /api/v1/validation/stats.
func HandleValidationStats(sr *StudyRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, sr.Orch.Stats.Snapshot())
	}
}
