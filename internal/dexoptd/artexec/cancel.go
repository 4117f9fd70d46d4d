package artexec

import (
	"sync"
	"syscall"

	"dexoptd/pkg/logger"
)

// killFunc is the seam for signal delivery, overridden in tests.
type killFunc func(pid int, sig syscall.Signal) error

// CancellationSignal is a sharable handle that turns into an
// asynchronous SIGKILL of every attached subprocess group. The state
// machine is armed -> fired, one way. Firing, or attaching while
// already fired, kills every attached group. Repeated fires have no
// effect.
type CancellationSignal struct {
	mu     sync.Mutex
	fired  bool
	pgids  map[int]struct{}
	kill   killFunc
	logger *logger.Logger
}

// NewCancellationSignal creates an armed signal delivering kills
// through the given function (normally platform.Kill).
func NewCancellationSignal(kill killFunc) *CancellationSignal {
	return &CancellationSignal{
		pgids:  make(map[int]struct{}),
		kill:   kill,
		logger: logger.WithField("component", "cancellation"),
	}
}

// Fire transitions the signal to fired and SIGKILLs every attached
// process group. Idempotent.
func (cs *CancellationSignal) Fire() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.fired {
		return
	}
	cs.fired = true

	for pgid := range cs.pgids {
		cs.killGroupLocked(pgid)
	}
}

// IsFired reports whether the signal has fired.
func (cs *CancellationSignal) IsFired() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.fired
}

// attach registers a process group for the lifetime of a child. When
// the signal has already fired, the group is killed immediately and
// attach reports the fired state.
func (cs *CancellationSignal) attach(pgid int) (fired bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.pgids[pgid] = struct{}{}
	if cs.fired {
		cs.killGroupLocked(pgid)
	}
	return cs.fired
}

// detach removes a process group after the child has been reaped.
func (cs *CancellationSignal) detach(pgid int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.pgids, pgid)
}

func (cs *CancellationSignal) killGroupLocked(pgid int) {
	// Negative pid targets the whole group.
	if err := cs.kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		cs.logger.Warn("failed to kill process group", "pgid", pgid, "error", err)
	}
}
