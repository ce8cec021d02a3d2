package tasksheap

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"
)

func TestInsertAndTakeRoundTrip(t *testing.T) {
	h := New(4, ConstantMapper)
	require.NoError(t, h.Insert(1, 0, "alice"))
	require.NoError(t, h.Insert(2, 0, "bob"))
	require.Equal(t, 2, h.Size())

	claimed := h.Take(10, nil, map[int32]int{0: 10})
	require.ElementsMatch(t, []int64{1, 2}, claimed)
	require.Equal(t, 0, h.Size())
}

func TestInsertRejectsNonPositiveTaskID(t *testing.T) {
	h := New(2, ConstantMapper)
	require.Error(t, h.Insert(0, 0, "alice"))
	require.Error(t, h.Insert(-1, 0, "alice"))
}

func TestHeapFullReturnsErrHeapFull(t *testing.T) {
	h := New(2, ConstantMapper)
	require.NoError(t, h.Insert(1, 0, "a"))
	require.NoError(t, h.Insert(2, 0, "b"))
	err := h.Insert(3, 0, "c")
	require.ErrorIs(t, err, ErrHeapFull)
}

// TestTakeNeverExceedsMaxOrQuota covers spec scenario S3: Take respects
// both the max batch size and the per-taskType availableSpace quota.
func TestTakeNeverExceedsMaxOrQuota(t *testing.T) {
	h := New(10, ConstantMapper)
	for i := int64(1); i <= 6; i++ {
		require.NoError(t, h.Insert(i, int32(i%2), "u"))
	}
	// type 0 tasks: 2,4,6 ; type 1 tasks: 1,3,5
	claimed := h.Take(100, nil, map[int32]int{0: 1, 1: 2})
	require.Len(t, claimed, 3, "should claim exactly quota(0)+quota(1) = 1+2 = 3")
	require.Equal(t, 3, h.Size(), "6 inserted - 3 claimed = 3 remaining")
}

// TestTakeRespectsGroupFilter covers spec scenario S4: a groups set that
// excludes a task's group must never return that task.
func TestTakeRespectsGroupFilter(t *testing.T) {
	h := New(10, ByUserMapper)
	require.NoError(t, h.Insert(1, 0, "alice"))
	require.NoError(t, h.Insert(2, 0, "bob"))

	aliceGroup := ByUserMapper(1, 0, "alice")
	groups := mapset.NewSet(aliceGroup)

	claimed := h.Take(10, groups, map[int32]int{0: 10})
	require.Equal(t, []int64{1}, claimed, "only alice's task should be claimed")
	require.Equal(t, 1, h.Size())
}

func TestTakeNeverReturnsSameTaskTwice(t *testing.T) {
	h := New(4, ConstantMapper)
	require.NoError(t, h.Insert(1, 0, "a"))

	first := h.Take(10, nil, map[int32]int{0: 10})
	require.Equal(t, []int64{1}, first)

	second := h.Take(10, nil, map[int32]int{0: 10})
	require.Empty(t, second)
}

func TestTakeStopsAfterOneFullPass(t *testing.T) {
	h := New(3, ConstantMapper)
	require.NoError(t, h.Insert(1, 0, "a"))
	require.NoError(t, h.Insert(2, 0, "b"))

	// availableSpace has no entry for type 0, so nothing is eligible; Take
	// must terminate instead of looping forever.
	claimed := h.Take(10, nil, map[int32]int{})
	require.Empty(t, claimed)
	require.Equal(t, 2, h.Size())
}

// TestHeapConservation: every task inserted is either still present or was
// claimed exactly once, across an interleaved insert/take sequence (spec.md
// §8 "heap conservation" property).
func TestHeapConservation(t *testing.T) {
	h := New(5, ConstantMapper)
	inserted := map[int64]bool{}
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, h.Insert(i, 0, "u"))
		inserted[i] = true
	}

	claimed := h.Take(3, nil, map[int32]int{0: 3})
	require.Len(t, claimed, 3)
	require.Equal(t, 2, h.Size())

	seen := map[int64]bool{}
	h.Scan(func(taskID int64, taskType int32, groupID int32) {
		seen[taskID] = true
	})
	require.Len(t, seen, 2)

	for _, id := range claimed {
		require.True(t, inserted[id])
		require.False(t, seen[id], "a claimed task must not remain visible in the heap")
	}
}

func TestSetMaxFragmentationTriggersCompaction(t *testing.T) {
	h := New(6, ConstantMapper)
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, h.Insert(i, 0, "u"))
	}
	// Free up the first slot, leaving tasks 2-4 in slots 1-3 and insertPos
	// at 4: one empty slot below insertPos against three live entries, a
	// ratio of 1/3 that the default threshold of 1.0 does not compact.
	_ = h.Take(1, nil, map[int32]int{0: 1})
	require.Equal(t, 3, h.Size())
	require.Equal(t, 4, h.insertPos)

	h.SetMaxFragmentation(0.1)

	// Compaction packs the live entries to the left and resets insertPos
	// to size.
	require.Equal(t, 3, h.insertPos)

	// After compaction, inserting should still succeed and not panic, and
	// the remaining tasks must still be retrievable.
	require.NoError(t, h.Insert(5, 0, "u"))
	claimed := h.Take(10, nil, map[int32]int{0: 10})
	require.ElementsMatch(t, []int64{2, 3, 4, 5}, claimed)
}

func TestRemoveClearsASlotWithoutDisturbingOthers(t *testing.T) {
	h := New(4, ConstantMapper)
	require.NoError(t, h.Insert(1, 0, "a"))
	require.NoError(t, h.Insert(2, 0, "b"))

	require.True(t, h.Remove(1))
	require.Equal(t, 1, h.Size())

	claimed := h.Take(10, nil, map[int32]int{0: 10})
	require.Equal(t, []int64{2}, claimed)
}

func TestRemoveOfAlreadyClaimedTaskIsNoop(t *testing.T) {
	h := New(4, ConstantMapper)
	require.NoError(t, h.Insert(1, 0, "a"))
	claimed := h.Take(10, nil, map[int32]int{0: 10})
	require.Equal(t, []int64{1}, claimed)

	require.False(t, h.Remove(1))
	require.Equal(t, 0, h.Size())
}

func TestResetClearsEveryEntryAndCursor(t *testing.T) {
	h := New(4, ConstantMapper)
	require.NoError(t, h.Insert(1, 0, "a"))
	require.NoError(t, h.Insert(2, 0, "b"))

	h.Reset()
	require.Equal(t, 0, h.Size())

	// Inserting the same taskIds again right after Reset must not collide
	// with anything left behind by the prior contents.
	require.NoError(t, h.Insert(1, 0, "a"))
	require.NoError(t, h.Insert(2, 0, "b"))
	claimed := h.Take(10, nil, map[int32]int{0: 10})
	require.ElementsMatch(t, []int64{1, 2}, claimed)
}

func TestResolveMapper(t *testing.T) {
	m, err := ResolveMapper("constant")
	require.NoError(t, err)
	require.Equal(t, GroupAny, m(1, 0, "x"))

	m, err = ResolveMapper("")
	require.NoError(t, err)
	require.Equal(t, GroupAny, m(1, 0, "x"))

	m, err = ResolveMapper("byUser")
	require.NoError(t, err)
	require.NotEqual(t, GroupAny, m(1, 0, "alice"))
	require.Equal(t, GroupAny, m(1, 0, ""))

	_, err = ResolveMapper("nonsense")
	require.Error(t, err)
}

func TestByUserMapperIsDeterministic(t *testing.T) {
	a := ByUserMapper(1, 0, "alice")
	b := ByUserMapper(2, 9, "alice")
	require.Equal(t, a, b, "group must depend only on userId")
}
