package upgrade

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// Queue is the FIFO upgrade request queue of spec.md §4.D.3. FULL_UPGRADE
// is expanded on enqueue into a PREPARE followed by a COMMIT sharing the
// request id via FullUpgradeGroup. RESET_STATUS (modeled as
// UpgradeReqReset) never enters the queue: Enqueue refuses it with an
// error, and no caller dispatches it another way, so a RESET submitted
// through pkg/api is rejected and sends nothing to the nodes.
type Queue struct {
	mu      sync.Mutex
	pending []types.UpgradeRequest
	active  map[string]bool // request ids currently cancellable
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{active: make(map[string]bool)}
}

// Enqueue adds req to the back of the queue, expanding FULL requests
// into a linked PREPARE+COMMIT pair.
func (q *Queue) Enqueue(req types.UpgradeRequest) ([]string, error) {
	if req.Type == types.UpgradeReqReset {
		return nil, fmt.Errorf("upgrade: RESET requests do not enter the queue")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if req.Type != types.UpgradeReqFull {
		q.pending = append(q.pending, req)
		q.active[req.ID] = true
		return []string{req.ID}, nil
	}

	group := req.ID
	prepare := req
	prepare.ID = group + "-prepare"
	prepare.Type = types.UpgradeReqPrepare
	prepare.FullUpgradeGroup = group

	commit := req
	commit.ID = group + "-commit"
	commit.Type = types.UpgradeReqCommit
	commit.FullUpgradeGroup = group

	q.pending = append(q.pending, prepare, commit)
	q.active[prepare.ID] = true
	q.active[commit.ID] = true
	return []string{prepare.ID, commit.ID}, nil
}

// Next removes and returns the first pending, still-active request of
// the given type, preserving FIFO order for the rest. Service calls it
// to pull its next unit of work; COMMIT requests behind a
// not-yet-completed PREPARE of the same FullUpgradeGroup are held back
// by the caller (via IsActive on the MarkPrepareDone flag), not by the
// queue itself.
func (q *Queue) Next(reqType types.UpgradeReqType) (types.UpgradeRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.pending {
		if r.Type != reqType || !q.active[r.ID] {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		return r, true
	}
	return types.UpgradeRequest{}, false
}

// Requeue returns req to the front of the pending queue — used when a
// batch can only take a subset of the candidates this tick (spec.md
// §4.D.4 step 2's "return the rest to the pending front of the queue").
func (q *Queue) Requeue(req types.UpgradeRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append([]types.UpgradeRequest{req}, q.pending...)
}

// Cancel removes a request id from both the pending queue and the
// active set, per spec.md's cancellation semantics: in-flight minion
// operations are not aborted, but their results are discarded once the
// id is no longer active.
func (q *Queue) Cancel(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
	filtered := q.pending[:0]
	for _, r := range q.pending {
		if r.ID != id {
			filtered = append(filtered, r)
		}
	}
	q.pending = filtered
}

// MarkPrepareDone records that a FULL request's PREPARE half finished,
// unblocking its linked COMMIT half (see Service.startNext). This uses
// the same active set as request cancellation, under the synthetic id
// group+"-prepare-done"; Cancel of the group's PREPARE or COMMIT id
// leaves the flag set, only Cancel of the synthetic id clears it.
func (q *Queue) MarkPrepareDone(group string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active[group+"-prepare-done"] = true
}

// IsActive reports whether a request id is still live — batch FSMs must
// check this before committing a minion result, since a cancelled
// request's in-flight operations are allowed to finish but discarded.
func (q *Queue) IsActive(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[id]
}

// Pending returns a snapshot of the current queue, for inspection.
func (q *Queue) Pending() []types.UpgradeRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.UpgradeRequest(nil), q.pending...)
}
