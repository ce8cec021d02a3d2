// Package tasksheap implements the bounded, group-aware dispatch buffer of
// spec.md §4.3: a fixed-capacity array of waiting-task slots supporting
// O(1)-amortized insert and bounded-time, group- and quota-aware batched
// take, with online compaction to bound fragmentation.
package tasksheap

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cockroachdb/errors"
)

// GroupAny is the sentinel group id meaning "accept any group" in the
// groups set passed to Take.
const GroupAny int32 = -1

// ErrHeapFull is returned by Insert when every slot is occupied.
var ErrHeapFull = errors.New("tasksheap: heap is full")

// GroupMapperFunction computes the dispatch group a task belongs to from
// its identity and user data. It must be deterministic and
// side-effect-free (spec.md §6); TasksHeap calls it while holding its own
// lock.
type GroupMapperFunction func(taskID int64, taskType int32, userID string) int32

// slot holds one waiting task, or is empty when taskID == 0.
type slot struct {
	taskID   int64
	taskType int32
	groupID  int32
}

func (s slot) empty() bool { return s.taskID == 0 }

// TasksHeap is the bounded array described in spec.md §4.3. All operations
// are serialized by a single mutex: insert, take, and compaction are
// mutually exclusive, and take batches amortize the cost of the
// serialization.
type TasksHeap struct {
	mu     sync.Mutex
	mapper GroupMapperFunction

	slots     []slot
	insertPos int
	size      int

	maxFragmentation float64
}

// New constructs a TasksHeap with the given fixed capacity
// (broker.tasksheap.size in spec.md §6) and group mapper.
func New(capacity int, mapper GroupMapperFunction) *TasksHeap {
	if capacity <= 0 {
		panic("tasksheap: capacity must be positive")
	}
	if mapper == nil {
		mapper = func(int64, int32, string) int32 { return GroupAny }
	}
	return &TasksHeap{
		mapper:           mapper,
		slots:            make([]slot, capacity),
		maxFragmentation: 1.0, // compact once empty slots below insertPos outnumber live entries
	}
}

// Capacity returns the fixed number of slots.
func (h *TasksHeap) Capacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

// Size returns the number of live (waiting) entries.
func (h *TasksHeap) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Insert places a new waiting task into the heap. It computes the task's
// group via the configured GroupMapperFunction, then probes forward from
// insertPos (wrapping) for the first empty slot. Returns ErrHeapFull if no
// slot is empty.
func (h *TasksHeap) Insert(taskID int64, taskType int32, userID string) error {
	if taskID <= 0 {
		return errors.Newf("tasksheap: taskID must be positive, got %d", taskID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	groupID := h.mapper(taskID, taskType, userID)

	if h.size >= len(h.slots) {
		return ErrHeapFull
	}
	n := len(h.slots)
	pos := h.insertPos % n
	for i := 0; i < n; i++ {
		idx := (pos + i) % n
		if h.slots[idx].empty() {
			h.slots[idx] = slot{taskID: taskID, taskType: taskType, groupID: groupID}
			h.insertPos = (idx + 1) % n
			h.size++
			return nil
		}
	}
	// size < capacity implies an empty slot must exist; reaching here
	// would mean size and the slot array disagree.
	return errors.AssertionFailedf("tasksheap: no empty slot found despite size=%d < capacity=%d", h.size, n)
}

// Take scans slots from a rotating cursor and claims up to max tasks whose
// group is in groups (GroupAny accepts everything) and whose taskType
// still has remaining capacity in availableSpace, which is mutated in
// place as slots are claimed. It never returns a task not present before
// the call, never returns the same task twice, and stops after one full
// pass over the slots even if max was not reached.
func (h *TasksHeap) Take(max int, groups mapset.Set[int32], availableSpace map[int32]int) []int64 {
	if max <= 0 {
		return nil
	}
	acceptAny := groups == nil || groups.Contains(GroupAny)

	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.slots)
	if n == 0 || h.size == 0 {
		return nil
	}
	claimed := make([]int64, 0, max)
	start := h.insertPos % n
	for i := 0; i < n && len(claimed) < max; i++ {
		idx := (start + i) % n
		s := h.slots[idx]
		if s.empty() {
			continue
		}
		if !acceptAny && !groups.Contains(s.groupID) {
			continue
		}
		remaining, ok := availableSpace[s.taskType]
		if !ok || remaining <= 0 {
			continue
		}
		h.slots[idx] = slot{}
		h.size--
		availableSpace[s.taskType] = remaining - 1
		claimed = append(claimed, s.taskID)
	}
	h.maybeCompactLocked()
	return claimed
}

// Remove clears the slot holding taskID, if any, and reports whether it
// was found. Used to undo a speculative Insert when the edit admitting
// the task to the state machine subsequently fails to apply — a
// concurrent Take may already have claimed it first, in which case Remove
// is a no-op and reports false.
func (h *TasksHeap) Remove(taskID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.slots {
		if !h.slots[i].empty() && h.slots[i].taskID == taskID {
			h.slots[i] = slot{}
			h.size--
			return true
		}
	}
	return false
}

// Reset discards every entry and returns the heap to its freshly
// constructed state. Used when a replica's view of waiting tasks must be
// rebuilt from scratch (e.g. a follower-populated heap being rehydrated
// from a newly recovered BrokerStatus on leadership acquisition), so that
// Insert never produces a second slot for a taskId already present.
func (h *TasksHeap) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots = make([]slot, len(h.slots))
	h.insertPos = 0
	h.size = 0
}

// Scan invokes visitor for every live entry, in slot order, for
// diagnostics (e.g. an admin API listing waiting tasks). It takes the
// heap's lock for the duration of the call; visitor must not call back
// into the heap.
func (h *TasksHeap) Scan(visitor func(taskID int64, taskType int32, groupID int32)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.slots {
		if !s.empty() {
			visitor(s.taskID, s.taskType, s.groupID)
		}
	}
}

// SetMaxFragmentation sets the threshold (empty-below-insertPos / size)
// above which Insert/Take trigger a compaction: live entries are packed
// to the left and insertPos is reset to size. The default threshold is
// 1.0: compaction runs once the empty slots below insertPos outnumber the
// live entries.
func (h *TasksHeap) SetMaxFragmentation(threshold float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxFragmentation = threshold
	h.maybeCompactLocked()
}

func (h *TasksHeap) maybeCompactLocked() {
	if h.size == 0 {
		h.insertPos = 0
		return
	}
	n := len(h.slots)
	emptyBelowInsert := 0
	for i := 0; i < h.insertPos && i < n; i++ {
		if h.slots[i].empty() {
			emptyBelowInsert++
		}
	}
	if emptyBelowInsert == 0 {
		return
	}
	ratio := float64(emptyBelowInsert) / float64(h.size)
	if ratio <= h.maxFragmentation {
		return
	}
	compacted := make([]slot, n)
	write := 0
	for _, s := range h.slots {
		if !s.empty() {
			compacted[write] = s
			write++
		}
	}
	h.slots = compacted
	h.insertPos = h.size
}
