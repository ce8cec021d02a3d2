package statuslog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apurbad/majordodo/snapshot"
)

func TestMemoryLogAppendAssignsMonotoneSequence(t *testing.T) {
	m := NewMemoryLog()
	require.True(t, m.IsWritable())
	require.True(t, m.IsLeader())

	var prev LogSequenceNumber = ZeroLSN
	for i := 0; i < 5; i++ {
		seq, err := m.Append(StatusEdit{Kind: AddTask, TaskID: int64(i + 1)})
		require.NoError(t, err)
		require.True(t, prev.Less(seq), "sequence numbers must strictly increase")
		prev = seq
	}
}

func TestMemoryLogRecoverReplaysInOrder(t *testing.T) {
	m := NewMemoryLog()
	for i := 1; i <= 3; i++ {
		_, err := m.Append(StatusEdit{Kind: AddTask, TaskID: int64(i)})
		require.NoError(t, err)
	}

	var seen []int64
	err := m.Recover(ZeroLSN, func(seq LogSequenceNumber, edit StatusEdit) error {
		seen = append(seen, edit.TaskID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, seen)
}

func TestMemoryLogRecoverSkipsPast(t *testing.T) {
	m := NewMemoryLog()
	var seqs []LogSequenceNumber
	for i := 1; i <= 3; i++ {
		seq, err := m.Append(StatusEdit{Kind: AddTask, TaskID: int64(i)})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	var seen []int64
	err := m.Recover(seqs[0], func(seq LogSequenceNumber, edit StatusEdit) error {
		seen = append(seen, edit.TaskID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, seen)
}

func TestMemoryLogCheckpointTruncatesAndRetainsSnapshot(t *testing.T) {
	m := NewMemoryLog()
	var seqs []LogSequenceNumber
	for i := 1; i <= 4; i++ {
		seq, err := m.Append(StatusEdit{Kind: AddTask, TaskID: int64(i)})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	snap := snapshot.BrokerStatusSnapshot{Epoch: seqs[1].Epoch, Offset: seqs[1].Offset, MaxTaskID: 2}
	require.NoError(t, m.Checkpoint(snap))

	got, err := m.LoadLatestSnapshot()
	require.NoError(t, err)
	require.Equal(t, snap, got)

	var seen []int64
	err = m.Recover(ZeroLSN, func(seq LogSequenceNumber, edit StatusEdit) error {
		seen = append(seen, edit.TaskID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4}, seen, "checkpoint should have truncated edits at/before the checkpointed offset")
}

func TestMemoryLogAppendRejectsInvalidEdit(t *testing.T) {
	m := NewMemoryLog()
	_, err := m.Append(StatusEdit{Kind: AddTask})
	require.Error(t, err)
}
