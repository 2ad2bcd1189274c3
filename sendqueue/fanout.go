package sendqueue

import (
	"sync"
	"sync/atomic"

	"github.com/meow-io/go-courier/ids"
	"go.uber.org/zap"
)

// syncFanoutTracker guarantees the "tell my other devices" sync message for
// a job is emitted at most once across its entire retry lifecycle. The
// persisted SyncSent flag covers re-attempts; the in-memory guard covers
// concurrent sub-sends racing within a single attempt.
type syncFanoutTracker struct {
	log    *zap.SugaredLogger
	guards sync.Map
}

func newSyncFanoutTracker(log *zap.SugaredLogger) *syncFanoutTracker {
	return &syncFanoutTracker{log: log}
}

// ensureSyncOnce runs emit if it has never run for this job. An emit failure
// is logged but does not roll back the job, nor does it re-arm the guard.
// Returns whether an emission was performed.
func (t *syncFanoutTracker) ensureSyncOnce(row *jobRow, emit func() error) bool {
	if row.SyncSent {
		return false
	}
	g, _ := t.guards.LoadOrStore(ids.IDFromBytes(row.ID), &atomic.Bool{})
	if !g.(*atomic.Bool).CompareAndSwap(false, true) {
		return false
	}
	row.SyncSent = true
	if err := emit(); err != nil {
		t.log.Warnf("sync fanout for job %x failed, not retrying: %v", row.ID, err)
	}
	return true
}

// forget releases the in-memory guard once a job reaches a terminal state.
func (t *syncFanoutTracker) forget(jobID ids.ID) {
	t.guards.Delete(jobID)
}
