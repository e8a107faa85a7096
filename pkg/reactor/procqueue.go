package reactor

import (
	"fmt"

	"github.com/fluxorio/corevm/pkg/result"
)

// ProcQueue tracks child processes the reactor has been asked to wait for,
// delivering each one's exit status to its single registered waiter once the
// process supervisor reaps it and calls Deliver.
//
// Only one waiter may own a given pid at a time, mirroring the rule that a
// child process has exactly one supervisor.
type ProcQueue struct {
	pids map[int]func(*ExitStatus, error)
}

// NewProcQueue builds an empty ProcQueue.
func NewProcQueue() *ProcQueue {
	return &ProcQueue{pids: make(map[int]func(*ExitStatus, error))}
}

// Watch registers onExit to be called once when pid exits. It is an error to
// watch a pid that already has a waiter.
func (q *ProcQueue) Watch(pid int, onExit func(*ExitStatus, error)) error {
	if _, exists := q.pids[pid]; exists {
		return fmt.Errorf("reactor: pid %d already has a registered waiter", pid)
	}
	q.pids[pid] = onExit
	return nil
}

// Unwatch removes pid's waiter without invoking it, used when the caller
// gives up ownership (e.g. a ForkConnection detaching its child).
func (q *ProcQueue) Unwatch(pid int) {
	delete(q.pids, pid)
}

// Len reports how many processes are currently being watched.
func (q *ProcQueue) Len() int { return len(q.pids) }

// Deliver is called by the process supervisor once a wait4 call has reaped
// pid, and dispatches the exit status to its waiter, if any.
func (q *ProcQueue) Deliver(pid int, state *ExitStatus, err error) {
	waiter, ok := q.pids[pid]
	if !ok {
		return
	}
	delete(q.pids, pid)
	waiter(state, err)
}

// Dispose delivers a broken-pipe-style cancellation to every still-pending
// waiter. The pid map is snapped to a local variable before being cleared,
// so every waiter registered at the time of disposal is still notified -
// iterating q.pids after clearing it would observe an empty map and silently
// drop them all.
func (q *ProcQueue) Dispose() {
	pids := q.pids
	q.pids = make(map[int]func(*ExitStatus, error))

	for pid, waiter := range pids {
		waiter(nil, &result.Error{
			Kind:    result.KindCanceled,
			Message: fmt.Sprintf("reactor: disposed while waiting for pid %d", pid),
		})
	}
}
