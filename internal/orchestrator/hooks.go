package orchestrator

import (
	"log"

	"github.com/benthamlabs/bentham/internal/checkpoint"
	"github.com/benthamlabs/bentham/internal/errcode"
)

// Hooks are optional synchronous observers. A panicking hook is logged and
// contained; it never corrupts orchestrator state.
type Hooks struct {
	OnStudyTransition   func(from, to StudyState, study Study)
	OnJobStart          func(job Job)
	OnJobComplete       func(job Job)
	OnJobFail           func(job Job, kind errcode.Code)
	OnDeadlineAtRisk    func(study Study)
	OnCheckpointCreated func(ckpt checkpoint.Checkpoint)
}

// safeHook runs fn with panic containment.
func safeHook(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] hook %s panicked: %v", name, r)
		}
	}()
	fn()
}
