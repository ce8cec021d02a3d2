package statuslog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	acquired chan struct{}
	lost     chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		acquired: make(chan struct{}, 8),
		lost:     make(chan struct{}, 8),
	}
}

func (l *recordingListener) LeadershipAcquired() { l.acquired <- struct{}{} }
func (l *recordingListener) LeadershipLost()     { l.lost <- struct{}{} }

func TestFlockCoordinationServiceCampaignAcquiresImmediatelyWhenUncontended(t *testing.T) {
	dir := t.TempDir()
	coord, err := NewFlockCoordinationService(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	listener := newRecordingListener()
	require.NoError(t, coord.Campaign(listener))

	select {
	case <-listener.acquired:
	case <-time.After(time.Second):
		t.Fatal("expected LeadershipAcquired to fire for an uncontended lock")
	}
}

func TestFlockCoordinationServiceNewEpochIsMonotone(t *testing.T) {
	dir := t.TempDir()
	coord, err := NewFlockCoordinationService(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	var prev int64 = -1
	for i := 0; i < 4; i++ {
		epoch, err := coord.NewEpoch()
		require.NoError(t, err)
		require.Greater(t, epoch, prev)
		prev = epoch
	}
}

func TestFlockCoordinationServiceResign(t *testing.T) {
	dir := t.TempDir()
	coord, err := NewFlockCoordinationService(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	listener := newRecordingListener()
	require.NoError(t, coord.Campaign(listener))
	<-listener.acquired

	require.NoError(t, coord.Resign())
}

func TestParseFormatEpochRoundTrip(t *testing.T) {
	for _, n := range []int64{-1, 0, 1, 1234567890} {
		s := formatEpoch(n)
		got, err := parseEpoch([]byte(s + "\n"))
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
}
