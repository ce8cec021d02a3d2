package statuslog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusEditValidate(t *testing.T) {
	cases := []struct {
		name    string
		edit    StatusEdit
		wantErr bool
	}{
		{"valid ADD_TASK", StatusEdit{Kind: AddTask, TaskID: 1}, false},
		{"ADD_TASK missing taskId", StatusEdit{Kind: AddTask}, true},
		{"valid ASSIGN_TASK_TO_WORKER", StatusEdit{Kind: AssignTaskToWorker, TaskID: 1, WorkerID: "w1"}, false},
		{"ASSIGN_TASK_TO_WORKER missing workerId", StatusEdit{Kind: AssignTaskToWorker, TaskID: 1}, true},
		{"valid TASK_FINISHED ok", StatusEdit{Kind: TaskFinished, TaskID: 1, WorkerID: "w1", TaskStatus: TaskFinishedOK}, false},
		{"TASK_FINISHED missing terminal status", StatusEdit{Kind: TaskFinished, TaskID: 1, WorkerID: "w1"}, true},
		{"valid WORKER_CONNECTED", StatusEdit{Kind: WorkerConnected, WorkerID: "w1"}, false},
		{"WORKER_CONNECTED missing workerId", StatusEdit{Kind: WorkerConnected}, true},
		{"valid WORKER_DISCONNECTED", StatusEdit{Kind: WorkerDisconnected, WorkerID: "w1"}, false},
		{"valid WORKER_DEAD", StatusEdit{Kind: WorkerDead, WorkerID: "w1"}, false},
		{"unknown kind", StatusEdit{Kind: EditKind(99)}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.edit.Validate()
			if c.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestStatusEditMarshalRoundTrip(t *testing.T) {
	original := StatusEdit{
		Kind:             AddTask,
		TaskID:           42,
		TaskType:         7,
		UserID:           "alice",
		Parameter:        []byte(`{"x":1}`),
		CreatedTimestamp: 1234567890,
	}
	data, err := original.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalEdit(data)
	require.NoError(t, err)
	require.Equal(t, original, got)
}

func TestEditKindString(t *testing.T) {
	cases := map[EditKind]string{
		AddTask:            "ADD_TASK",
		AssignTaskToWorker: "ASSIGN_TASK_TO_WORKER",
		TaskFinished:       "TASK_FINISHED",
		WorkerConnected:    "WORKER_CONNECTED",
		WorkerDisconnected: "WORKER_DISCONNECTED",
		WorkerDead:         "WORKER_DEAD",
		EditKind(99):       "UNKNOWN",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("EditKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
