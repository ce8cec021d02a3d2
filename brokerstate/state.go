// Package brokerstate implements the replicated broker state machine of
// spec.md §4.2: tasks, workers, and the single public mutation entry
// point applyModification, which appends to a log before mutating
// in-memory state, plus the internal, total and infallible apply used
// both at append time and during log replay.
package brokerstate

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/log"

	"github.com/apurbad/majordodo/snapshot"
	"github.com/apurbad/majordodo/statuslog"
)

// ErrTaskNotFound is returned by read accessors for an unknown taskId.
var ErrTaskNotFound = errors.New("brokerstate: task not found")

// ErrWorkerNotFound is returned by read accessors for an unknown workerId.
var ErrWorkerNotFound = errors.New("brokerstate: worker not found")

// ApplyResult is returned by ApplyModification: the sequence number the
// edit was assigned, and, for ADD_TASK edits, the taskId it created.
type ApplyResult struct {
	Seq       statuslog.LogSequenceNumber
	NewTaskID int64
}

// finishedEntry tracks when (in purge ticks, not wall-clock time) a
// terminal task became eligible for retention-based purge, so that purge
// is a deterministic function of applied-edit progress and therefore
// identical on every replica (SPEC_FULL.md §4, "Finished-task purge
// determinism").
type finishedEntry struct {
	taskID     int64
	finishTick int64
}

// BrokerStatus is the in-memory replicated state machine: tasks, workers,
// and the bookkeeping (maxTaskId, nextTaskId, lastAppliedSeq) the log
// replay protocol needs. A single RWMutex guards all of it; the write
// lock is held only across in-memory mutation, never across log I/O
// (spec.md §5).
type BrokerStatus struct {
	mu sync.RWMutex

	log    statuslog.StatusChangesLog
	logger log.Logger

	tasks   map[int64]*Task
	workers map[string]*WorkerStatus

	maxTaskID      int64
	nextTaskID     int64
	lastAppliedSeq statuslog.LogSequenceNumber

	purgeTick        int64
	retentionTicks   int64
	maxPurgePerCycle int
	finishedQueue    []finishedEntry
}

// New constructs a BrokerStatus bound to log. Call Recover before serving
// any traffic.
func New(l statuslog.StatusChangesLog, retentionTicks int64, maxPurgePerCycle int) *BrokerStatus {
	return &BrokerStatus{
		log:              l,
		logger:           log.New("component", "brokerstate"),
		tasks:            make(map[int64]*Task),
		workers:          make(map[string]*WorkerStatus),
		lastAppliedSeq:   statuslog.ZeroLSN,
		retentionTicks:   retentionTicks,
		maxPurgePerCycle: maxPurgePerCycle,
	}
}

// Recover loads the latest snapshot, rehydrates tasks/workers/maxTaskId
// from it, then replays every edit the log has past that snapshot's
// sequence number (spec.md §4.2).
func (b *BrokerStatus) Recover() error {
	s, err := b.log.LoadLatestSnapshot()
	if err != nil {
		return errors.Wrap(err, "brokerstate: load latest snapshot")
	}

	b.mu.Lock()
	b.loadSnapshotLocked(s)
	b.mu.Unlock()

	skipPast := statuslog.LogSequenceNumber{Epoch: s.Epoch, Offset: s.Offset}
	return b.log.Recover(skipPast, func(seq statuslog.LogSequenceNumber, edit statuslog.StatusEdit) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.applyLocked(seq, edit)
	})
}

func (b *BrokerStatus) loadSnapshotLocked(s snapshot.BrokerStatusSnapshot) {
	b.tasks = make(map[int64]*Task, len(s.Tasks))
	for _, tv := range s.Tasks {
		t := &Task{
			TaskID:           tv.TaskID,
			Type:             tv.Type,
			Parameter:        tv.Parameter,
			UserID:           tv.UserID,
			CreatedTimestamp: tv.CreatedTimestamp,
			WorkerID:         tv.WorkerID,
			Result:           tv.Result,
		}
		switch tv.Status {
		case "WAITING":
			t.Status = TaskWaiting
		case "RUNNING":
			t.Status = TaskRunning
		case "FINISHED":
			t.Status = TaskFinished
		case "ERROR":
			t.Status = TaskError
		}
		b.tasks[tv.TaskID] = t
	}
	b.workers = make(map[string]*WorkerStatus, len(s.Workers))
	for _, wv := range s.Workers {
		w := &WorkerStatus{
			WorkerID:         wv.WorkerID,
			WorkerLocation:   wv.WorkerLocation,
			ProcessID:        wv.ProcessID,
			LastConnectionTs: wv.LastConnectionTs,
		}
		switch wv.Status {
		case "CONNECTED":
			w.Status = WorkerConnected
		case "DISCONNECTED":
			w.Status = WorkerDisconnected
		case "DEAD":
			w.Status = WorkerDead
		}
		b.workers[wv.WorkerID] = w
	}
	b.maxTaskID = s.MaxTaskID
	b.nextTaskID = s.MaxTaskID + 1
	b.lastAppliedSeq = statuslog.LogSequenceNumber{Epoch: s.Epoch, Offset: s.Offset}
}

// NextTaskID returns the id the next ADD_TASK edit produced by this
// replica should use. Only meaningful on the leader.
func (b *BrokerStatus) NextTaskID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextTaskID
}

// ApplyModification is the single public mutation entry point (spec.md
// §4.2): append edit to the log (no state lock held across this I/O),
// then apply it under the write lock.
func (b *BrokerStatus) ApplyModification(edit statuslog.StatusEdit) (ApplyResult, error) {
	seq, err := b.log.Append(edit)
	if err != nil {
		return ApplyResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.applyLocked(seq, edit); err != nil {
		// apply is documented as total and infallible once the log has
		// accepted the edit; reaching here means replicas have
		// diverged, which is fatal to this process.
		panic(errors.Wrap(err, "brokerstate: invariant violation applying accepted edit"))
	}

	result := ApplyResult{Seq: seq}
	if edit.Kind == statuslog.AddTask {
		result.NewTaskID = edit.TaskID
	}
	return result, nil
}

// ApplyFollowed mirrors a leader-produced edit into this replica's state
// without appending to the log: it is the follower-side counterpart to
// ApplyModification, used by FollowTheLeader's consumer callback where the
// edit has already been durably ordered by the leader (spec.md §4.5).
func (b *BrokerStatus) ApplyFollowed(seq statuslog.LogSequenceNumber, edit statuslog.StatusEdit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(seq, edit)
}

// applyLocked is the internal, total, infallible apply. It must be called
// with mu held for writing. An error here means replicas have diverged
// and is always a *bug*, never an expected runtime condition.
func (b *BrokerStatus) applyLocked(seq statuslog.LogSequenceNumber, edit statuslog.StatusEdit) error {
	if !b.lastAppliedSeq.Less(seq) {
		return errors.AssertionFailedf("brokerstate: sequence numbers must be strictly increasing, got %s after %s", seq, b.lastAppliedSeq)
	}

	switch edit.Kind {
	case statuslog.AddTask:
		if _, exists := b.tasks[edit.TaskID]; exists {
			return errors.AssertionFailedf("brokerstate: ADD_TASK for already-known taskId %d", edit.TaskID)
		}
		b.tasks[edit.TaskID] = &Task{
			TaskID:           edit.TaskID,
			Type:             edit.TaskType,
			Parameter:        edit.Parameter,
			UserID:           edit.UserID,
			CreatedTimestamp: edit.CreatedTimestamp,
			Status:           TaskWaiting,
		}
		if edit.TaskID > b.maxTaskID {
			b.maxTaskID = edit.TaskID
		}
		if b.nextTaskID <= b.maxTaskID {
			b.nextTaskID = b.maxTaskID + 1
		}

	case statuslog.AssignTaskToWorker:
		t, ok := b.tasks[edit.TaskID]
		if !ok {
			return errors.AssertionFailedf("brokerstate: ASSIGN_TASK_TO_WORKER for unknown taskId %d", edit.TaskID)
		}
		if t.Status != TaskWaiting {
			return errors.AssertionFailedf("brokerstate: ASSIGN_TASK_TO_WORKER for taskId %d not WAITING (status=%s)", edit.TaskID, t.Status)
		}
		t.Status = TaskRunning
		t.WorkerID = edit.WorkerID

	case statuslog.TaskFinished:
		t, ok := b.tasks[edit.TaskID]
		if !ok {
			return errors.AssertionFailedf("brokerstate: TASK_FINISHED for unknown taskId %d", edit.TaskID)
		}
		if t.WorkerID != edit.WorkerID {
			return errors.AssertionFailedf("brokerstate: TASK_FINISHED workerId %q does not match task %d's current worker %q", edit.WorkerID, edit.TaskID, t.WorkerID)
		}
		switch edit.TaskStatus {
		case statuslog.TaskFinishedOK:
			t.Status = TaskFinished
		case statuslog.TaskFinishedError:
			t.Status = TaskError
		default:
			return errors.AssertionFailedf("brokerstate: TASK_FINISHED with non-terminal status %d", edit.TaskStatus)
		}
		t.Result = edit.Result
		b.finishedQueue = append(b.finishedQueue, finishedEntry{taskID: edit.TaskID, finishTick: b.purgeTick})

	case statuslog.WorkerConnected:
		w, ok := b.workers[edit.WorkerID]
		if !ok {
			w = &WorkerStatus{WorkerID: edit.WorkerID}
			b.workers[edit.WorkerID] = w
		}
		w.WorkerLocation = edit.WorkerLocation
		w.ProcessID = edit.WorkerProcessID
		w.LastConnectionTs = edit.ConnectTimestamp
		w.Status = WorkerConnected

	case statuslog.WorkerDisconnected:
		w, ok := b.workers[edit.WorkerID]
		if !ok {
			return errors.AssertionFailedf("brokerstate: WORKER_DISCONNECTED for unknown workerId %q", edit.WorkerID)
		}
		w.Status = WorkerDisconnected

	case statuslog.WorkerDead:
		w, ok := b.workers[edit.WorkerID]
		if !ok {
			return errors.AssertionFailedf("brokerstate: WORKER_DEAD for unknown workerId %q", edit.WorkerID)
		}
		w.Status = WorkerDead

	default:
		return errors.AssertionFailedf("brokerstate: unknown edit kind %d", edit.Kind)
	}

	b.lastAppliedSeq = seq
	b.purgeTick++
	return nil
}

// PurgeExpired removes up to maxPurgePerCycle tasks whose finish tick is
// at least retentionTicks ticks in the past, oldest first. It is a pure
// function of state already applied via apply (no log edit, no wall
// clock), so it produces the same purge set on every replica that has
// applied the same edits (SPEC_FULL.md §4, "Finished-task purge
// determinism").
func (b *BrokerStatus) PurgeExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	purged := 0
	for purged < b.maxPurgePerCycle && len(b.finishedQueue) > 0 {
		head := b.finishedQueue[0]
		if b.purgeTick-head.finishTick < b.retentionTicks {
			break
		}
		b.finishedQueue = b.finishedQueue[1:]
		if t, ok := b.tasks[head.taskID]; ok && (t.Status == TaskFinished || t.Status == TaskError) {
			delete(b.tasks, head.taskID)
			purged++
		}
	}
	return purged
}

// GetTask returns a defensive copy of the task with the given id.
func (b *BrokerStatus) GetTask(taskID int64) (Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// GetTaskStatus returns just the status of the given task.
func (b *BrokerStatus) GetTaskStatus(taskID int64) (TaskStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return 0, ErrTaskNotFound
	}
	return t.Status, nil
}

// GetAllTasks returns a defensive copy of every known task, ordered by
// TaskID.
func (b *BrokerStatus) GetAllTasks() []Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// GetAllWorkers returns a defensive copy of every known worker.
func (b *BrokerStatus) GetAllWorkers() []WorkerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(b.workers))
	for _, w := range b.workers {
		out = append(out, w.Clone())
	}
	return out
}

// GetWorker returns a defensive copy of the worker with the given id.
func (b *BrokerStatus) GetWorker(workerID string) (WorkerStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.workers[workerID]
	if !ok {
		return WorkerStatus{}, ErrWorkerNotFound
	}
	return w.Clone(), nil
}

// Snapshot captures (maxTaskId, lastAppliedSeq, tasksCopy, workersCopy)
// under a read lock, for the leader's periodic checkpoint cycle (spec.md
// §4.4). The lock is dropped before the caller performs any I/O with the
// result.
func (b *BrokerStatus) Snapshot() snapshot.BrokerStatusSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := snapshot.BrokerStatusSnapshot{
		Epoch:     b.lastAppliedSeq.Epoch,
		Offset:    b.lastAppliedSeq.Offset,
		MaxTaskID: b.maxTaskID,
	}
	for _, t := range b.tasks {
		s.Tasks = append(s.Tasks, snapshot.TaskView{
			TaskID:           t.TaskID,
			Type:             t.Type,
			Parameter:        append([]byte(nil), t.Parameter...),
			UserID:           t.UserID,
			CreatedTimestamp: t.CreatedTimestamp,
			Status:           t.Status.String(),
			WorkerID:         t.WorkerID,
			Result:           append([]byte(nil), t.Result...),
		})
	}
	for _, w := range b.workers {
		s.Workers = append(s.Workers, snapshot.WorkerView{
			WorkerID:         w.WorkerID,
			WorkerLocation:   w.WorkerLocation,
			ProcessID:        w.ProcessID,
			LastConnectionTs: w.LastConnectionTs,
			Status:           w.Status.String(),
		})
	}
	return s
}

// LastAppliedSeq returns the sequence number of the most recently applied
// edit.
func (b *BrokerStatus) LastAppliedSeq() statuslog.LogSequenceNumber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastAppliedSeq
}
