package statuslog

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// EditKind tags the variant of a StatusEdit. New variants must only ever be
// appended at the end — the numeric value is part of the durable wire
// format.
type EditKind uint8

const (
	// AddTask creates a new WAITING task.
	AddTask EditKind = iota + 1
	// AssignTaskToWorker transitions a WAITING task to RUNNING.
	AssignTaskToWorker
	// TaskFinished transitions a RUNNING task to FINISHED or ERROR.
	TaskFinished
	// WorkerConnected creates or refreshes a WorkerStatus as CONNECTED.
	WorkerConnected
	// WorkerDisconnected marks a worker DISCONNECTED. Supplemental to
	// spec.md's four required variants (see SPEC_FULL.md §4), emitted by
	// the (out-of-scope) transport layer.
	WorkerDisconnected
	// WorkerDead marks a worker DEAD. Supplemental, see WorkerDisconnected.
	WorkerDead
)

func (k EditKind) String() string {
	switch k {
	case AddTask:
		return "ADD_TASK"
	case AssignTaskToWorker:
		return "ASSIGN_TASK_TO_WORKER"
	case TaskFinished:
		return "TASK_FINISHED"
	case WorkerConnected:
		return "WORKER_CONNECTED"
	case WorkerDisconnected:
		return "WORKER_DISCONNECTED"
	case WorkerDead:
		return "WORKER_DEAD"
	default:
		return "UNKNOWN"
	}
}

// StatusEdit is a single tagged record describing one atomic mutation of
// the broker state machine. Exactly the fields relevant to Kind are
// populated; unused fields are the zero value. Edits must be
// deterministically serializable (see Marshal/Unmarshal) so that replay on
// a follower is byte-for-byte equivalent to leader-time apply.
type StatusEdit struct {
	Kind EditKind `json:"kind"`

	TaskID           int64  `json:"taskId,omitempty"`
	TaskType         int32  `json:"taskType,omitempty"`
	UserID           string `json:"userId,omitempty"`
	Parameter        []byte `json:"parameter,omitempty"`
	CreatedTimestamp int64  `json:"createdTimestamp,omitempty"`

	WorkerID         string `json:"workerId,omitempty"`
	WorkerLocation   string `json:"workerLocation,omitempty"`
	WorkerProcessID  string `json:"workerProcessId,omitempty"`
	ConnectTimestamp int64  `json:"connectTimestamp,omitempty"`

	TaskStatus TaskTerminalStatus `json:"taskStatus,omitempty"`
	Result     []byte             `json:"result,omitempty"`
}

// TaskTerminalStatus is the subset of task statuses a TASK_FINISHED edit
// may carry.
type TaskTerminalStatus uint8

const (
	_ TaskTerminalStatus = iota
	TaskFinishedOK
	TaskFinishedError
)

// Validate checks that an edit carries the fields its Kind requires,
// per spec.md §3's "StatusEdit" table. It does not check them against
// broker state — that is apply's job.
func (e StatusEdit) Validate() error {
	switch e.Kind {
	case AddTask:
		if e.TaskID <= 0 {
			return errors.Newf("statuslog: ADD_TASK requires a positive taskId, got %d", e.TaskID)
		}
	case AssignTaskToWorker:
		if e.TaskID <= 0 || e.WorkerID == "" {
			return errors.New("statuslog: ASSIGN_TASK_TO_WORKER requires taskId and workerId")
		}
	case TaskFinished:
		if e.TaskID <= 0 || e.WorkerID == "" {
			return errors.New("statuslog: TASK_FINISHED requires taskId and workerId")
		}
		if e.TaskStatus != TaskFinishedOK && e.TaskStatus != TaskFinishedError {
			return errors.Newf("statuslog: TASK_FINISHED requires a terminal status, got %d", e.TaskStatus)
		}
	case WorkerConnected:
		if e.WorkerID == "" {
			return errors.New("statuslog: WORKER_CONNECTED requires workerId")
		}
	case WorkerDisconnected, WorkerDead:
		if e.WorkerID == "" {
			return errors.Newf("statuslog: %s requires workerId", e.Kind)
		}
	default:
		return errors.Newf("statuslog: unknown edit kind %d", e.Kind)
	}
	return nil
}

// Marshal serializes the edit for durable storage. The format is plain
// JSON: forward-compatible (unknown fields are ignored on read) and cheap
// enough for the volumes a task-dispatch log sees.
func (e StatusEdit) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "statuslog: marshal edit")
	}
	return b, nil
}

// UnmarshalEdit is the inverse of Marshal.
func UnmarshalEdit(data []byte) (StatusEdit, error) {
	var e StatusEdit
	if err := json.Unmarshal(data, &e); err != nil {
		return StatusEdit{}, errors.Wrap(err, "statuslog: unmarshal edit")
	}
	return e, nil
}
