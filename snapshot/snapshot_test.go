package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSnapshot(epoch, offset int64) BrokerStatusSnapshot {
	return BrokerStatusSnapshot{
		Epoch:     epoch,
		Offset:    offset,
		MaxTaskID: 2,
		Tasks: []TaskView{
			{TaskID: 1, Type: 1, UserID: "alice", CreatedTimestamp: 100, Status: "WAITING"},
			{TaskID: 2, Type: 2, UserID: "bob", CreatedTimestamp: 200, Status: "FINISHED", WorkerID: "w1", Result: []byte("ok")},
		},
		Workers: []WorkerView{
			{WorkerID: "w1", WorkerLocation: "host1", ProcessID: "p1", LastConnectionTs: 50, Status: "CONNECTED"},
		},
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	s := sampleSnapshot(3, 9)
	data, err := s.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestEmptyIsEmpty(t *testing.T) {
	require.True(t, Empty.IsEmpty())
	require.False(t, sampleSnapshot(0, 0).IsEmpty())
}

func TestWriteFileAndLoadLatest(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadLatest(dir)
	require.NoError(t, err)

	older := sampleSnapshot(0, 5)
	newer := sampleSnapshot(0, 10)

	_, err = WriteFile(dir, older)
	require.NoError(t, err)
	_, err = WriteFile(dir, newer)
	require.NoError(t, err)

	got, err := LoadLatest(dir)
	require.NoError(t, err)
	require.Equal(t, newer, got)
}

func TestLoadLatestOnMissingDirReturnsEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	got, err := LoadLatest(dir)
	require.NoError(t, err)
	require.True(t, got.IsEmpty())
}

func TestLoadLatestComparesAcrossEpochs(t *testing.T) {
	dir := t.TempDir()

	_, err := WriteFile(dir, sampleSnapshot(0, 1000))
	require.NoError(t, err)
	newer := sampleSnapshot(1, 0)
	_, err = WriteFile(dir, newer)
	require.NoError(t, err)

	got, err := LoadLatest(dir)
	require.NoError(t, err)
	require.Equal(t, newer, got)
}

func TestPruneOlderThanRemovesOnlyStrictlyOlder(t *testing.T) {
	dir := t.TempDir()

	for _, off := range []int64{1, 2, 3, 4} {
		_, err := WriteFile(dir, sampleSnapshot(0, off))
		require.NoError(t, err)
	}

	require.NoError(t, PruneOlderThan(dir, 0, 3))

	got, err := LoadLatest(dir)
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Offset, "newest snapshot must survive pruning")

	entries, err := filepath.Glob(filepath.Join(dir, "*.snap.json"))
	require.NoError(t, err)
	require.Len(t, entries, 2, "offsets 3 and 4 should remain, 1 and 2 pruned")
}
