// Package broker wires the status-changes log, the replicated state
// machine, and the waiting-tasks heap into the single façade spec.md §4
// calls Broker: accept client/worker requests, produce edits, drive
// dispatch (spec.md §2, "Data flow of one submission").
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/apurbad/majordodo/brokerstate"
	"github.com/apurbad/majordodo/statuslog"
	"github.com/apurbad/majordodo/tasksheap"
)

// ErrNotLeader is returned by every client/worker-facing mutation when
// this replica is not currently the broker's leader.
var ErrNotLeader = errors.New("broker: this replica is not the leader")

// Clock is the pluggable time source Broker uses to stamp
// createdTimestamp on ADD_TASK edits and connectTimestamp on
// WORKER_CONNECTED edits, so apply itself never calls a clock (spec.md
// §9, "Apply-time wall clock in ADD_TASK" — fixed here by stamping at
// submit time). Out of scope beyond this interface (spec.md §6).
type Clock interface {
	NowMillis() int64
}

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Transport delivers an assignment payload to a specific worker. Out of
// scope beyond this interface (spec.md §6); the core only needs to call
// it after an ASSIGN_TASK_TO_WORKER edit has been durably applied.
type Transport interface {
	DeliverAssignment(ctx context.Context, workerID string, taskID int64) error
}

type noopTransport struct{}

func (noopTransport) DeliverAssignment(context.Context, string, int64) error { return nil }

// TaskResult carries the outcome a worker reports for one task.
type TaskResult struct {
	TaskID   int64
	WorkerID string
	OK       bool
	Result   []byte
}

// AssignedTask is one task handed to WorkerReady's caller to deliver over
// the transport.
type AssignedTask struct {
	TaskID    int64
	Type      int32
	Parameter []byte
}

type options struct {
	logger           log.Logger
	clock            Clock
	transport        Transport
	registry         *prometheus.Registry
	checkpointPeriod time.Duration
	purgePeriod      time.Duration
	mapperCacheSize  int
}

// Option configures New.
type Option func(*options)

func WithLogger(l log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithTransport(t Transport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

func WithMetricsRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithCheckpointPeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.checkpointPeriod = d
		}
	}
}

func WithPurgePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.purgePeriod = d
		}
	}
}

const defaultMapperCacheSize = 4096

// Broker is the C8 façade: it owns a StatusChangesLog, a BrokerStatus, and
// a TasksHeap, and is the sole entry point client and worker requests go
// through.
type Broker struct {
	log       statuslog.StatusChangesLog
	state     *brokerstate.BrokerStatus
	heap      *tasksheap.TasksHeap
	logger    log.Logger
	clock     Clock
	transport Transport
	metrics   *metrics

	submitMu sync.Mutex

	checkpointPeriod time.Duration
	purgePeriod      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	leader  bool
	started bool
}

// New wires a Broker around an already-constructed log, heap capacity,
// and group mapper. Call Start once leadership has been established (for
// MemoryLog this is immediate; for ReplicatedLog it happens via the
// LeadershipAcquired callback this Broker implements).
func New(l statuslog.StatusChangesLog, heapCapacity int, mapper tasksheap.GroupMapperFunction, retentionTicks int64, maxPurgePerCycle int, opts ...Option) *Broker {
	o := &options{
		logger:           log.New("component", "broker"),
		clock:            systemClock{},
		transport:        noopTransport{},
		checkpointPeriod: 30 * time.Second,
		purgePeriod:      5 * time.Second,
		mapperCacheSize:  defaultMapperCacheSize,
	}
	for _, fn := range opts {
		fn(o)
	}

	cachedMapper := memoizeMapper(mapper, o.mapperCacheSize)
	heap := tasksheap.New(heapCapacity, cachedMapper)
	state := brokerstate.New(l, retentionTicks, maxPurgePerCycle)

	b := &Broker{
		log:              l,
		state:            state,
		heap:             heap,
		logger:           o.logger,
		clock:            o.clock,
		transport:        o.transport,
		metrics:          newMetrics(),
		checkpointPeriod: o.checkpointPeriod,
		purgePeriod:      o.purgePeriod,
	}
	if o.registry != nil {
		if err := b.metrics.Register(o.registry); err != nil {
			b.logger.Warn("failed to register broker metrics", "err", err)
		}
	}
	return b
}

// memoizeMapper wraps a GroupMapperFunction with an LRU cache keyed by
// taskId: the mapper is pure (spec.md §6), so a cached result for a given
// taskId is valid forever. This is a pure performance optimization, not a
// correctness dependency — evicting an entry only costs a recompute.
func memoizeMapper(mapper tasksheap.GroupMapperFunction, cacheSize int) tasksheap.GroupMapperFunction {
	cache, err := lru.New[int64, int32](cacheSize)
	if err != nil {
		return mapper
	}
	var mu sync.Mutex
	return func(taskID int64, taskType int32, userID string) int32 {
		mu.Lock()
		if v, ok := cache.Get(taskID); ok {
			mu.Unlock()
			return v
		}
		mu.Unlock()
		v := mapper(taskID, taskType, userID)
		mu.Lock()
		cache.Add(taskID, v)
		mu.Unlock()
		return v
	}
}

// Start brings up the broker for single-node (MemoryLog) operation: it
// requests leadership synchronously and, since MemoryLog is always
// leader, immediately recovers and begins serving. Multi-replica
// deployments using ReplicatedLog should instead call RequestLeadership
// and let LeadershipAcquired drive startup asynchronously.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.log.RequestLeadership(); err != nil {
		return errors.Wrap(err, "broker: request leadership")
	}
	if b.log.IsLeader() {
		b.LeadershipAcquired()
	}
	return nil
}

// LeadershipAcquired implements statuslog.LeadershipListener. It is
// invoked by the log (directly, or via the coordination service's
// callback chain), never called by application code.
func (b *Broker) LeadershipAcquired() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.state.Recover(); err != nil {
		b.logger.Error("recovery failed after acquiring leadership", "err", err)
		return
	}
	// This replica's heap may already hold every ADD_TASK seen while it
	// was tailing the log as a follower (applyFollowedEdit inserts as it
	// goes). Reset before rehydrating from the freshly recovered state so
	// Insert never produces a second slot for the same taskId — tasksheap
	// has no duplicate-taskID check of its own.
	b.heap.Reset()
	b.rehydrateHeapFromState()

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	b.mu.Lock()
	b.ctx = ctx
	b.cancel = cancel
	b.group = group
	b.leader = true
	b.started = true
	b.mu.Unlock()

	group.Go(func() error { return b.checkpointLoop(gctx) })
	group.Go(func() error { return b.purgeLoop(gctx) })

	b.metrics.isLeader.Set(1)
	b.logger.Info("broker became leader", "lastAppliedSeq", b.state.LastAppliedSeq())
}

// LeadershipLost implements statuslog.LeadershipListener: stop accepting
// mutations and tear down background loops. A ReplicatedLog-backed
// deployment transitions to follower mode afterwards through FollowLeader,
// which resumes tailing the log once IsLeader reports false.
func (b *Broker) LeadershipLost() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	group := b.group
	b.leader = false
	b.started = false
	b.mu.Unlock()

	b.metrics.isLeader.Set(0)

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			b.logger.Warn("background loop exited with error during leadership loss", "err", err)
		}
	}
	b.logger.Info("broker lost leadership, now following")
}

// FollowLeader tails the log as a follower, applying every edit to state
// and keeping the dispatch heap in sync. It blocks until ctx is
// cancelled or the log returns an error (e.g. a transient coordination
// hiccup), mirroring spec.md §4.5's "calls followTheLeader ... and
// continue tailing".
func (b *Broker) FollowLeader(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if b.IsLeader() {
			// This replica holds leadership itself; its own apply path
			// (ApplyModification) is already the source of truth, so
			// tailing the log here would re-apply edits this process
			// just produced. Idle until leadership is lost again.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		last := b.state.LastAppliedSeq()
		err := b.log.FollowTheLeader(last, func(seq statuslog.LogSequenceNumber, edit statuslog.StatusEdit) error {
			return b.applyFollowedEdit(seq, edit)
		})
		if err != nil {
			return errors.Wrap(err, "broker: follow the leader")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// applyFollowedEdit mirrors a leader-produced edit into this follower's
// BrokerStatus via ApplyFollowed (the non-appending counterpart to
// ApplyModification), then keeps the dispatch heap's view in sync: an
// ADD_TASK edit makes a task available to dispatch once this replica
// becomes leader, so it is inserted into the heap exactly as SubmitTask
// would on the leader; ASSIGN_TASK_TO_WORKER never needs a heap removal
// here because a follower's heap only ever gains entries via ADD_TASK and
// Take is leader-only.
func (b *Broker) applyFollowedEdit(seq statuslog.LogSequenceNumber, edit statuslog.StatusEdit) error {
	if err := b.state.ApplyFollowed(seq, edit); err != nil {
		return errors.Wrap(err, "broker: apply followed edit")
	}
	if edit.Kind == statuslog.AddTask {
		if err := b.heap.Insert(edit.TaskID, edit.TaskType, edit.UserID); err != nil {
			b.logger.Warn("follower heap insert failed", "taskId", edit.TaskID, "err", err)
		}
	}
	return nil
}

func (b *Broker) rehydrateHeapFromState() {
	for _, t := range b.state.GetAllTasks() {
		if t.Status != brokerstate.TaskWaiting {
			continue
		}
		if err := b.heap.Insert(t.TaskID, t.Type, t.UserID); err != nil {
			b.logger.Warn("failed to rehydrate waiting task into heap", "taskId", t.TaskID, "err", err)
		}
	}
}

// SubmitTask is the client-facing entry point of spec.md §2's "one
// submission" data flow: admit the task into the dispatch heap first,
// then build an ADD_TASK edit (stamped with the current time so apply
// stays a pure function of the edit) and append+apply it. Returns
// ErrNotLeader if this replica is not currently leader, or
// tasksheap.ErrHeapFull if the heap is at capacity — in which case the
// edit is never appended: the heap admission is the capacity check that
// runs before ApplyModification.
func (b *Broker) SubmitTask(taskType int32, userID string, parameter []byte) (int64, error) {
	if !b.log.IsWritable() {
		return 0, ErrNotLeader
	}

	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	taskID := b.state.NextTaskID()

	if err := b.heap.Insert(taskID, taskType, userID); err != nil {
		b.metrics.heapFullErrors.Inc()
		return 0, err
	}

	edit := statuslog.StatusEdit{
		Kind:             statuslog.AddTask,
		TaskID:           taskID,
		TaskType:         taskType,
		UserID:           userID,
		Parameter:        parameter,
		CreatedTimestamp: b.clock.NowMillis(),
	}
	if err := edit.Validate(); err != nil {
		b.heap.Remove(taskID)
		return 0, err
	}

	result, err := b.state.ApplyModification(edit)
	if err != nil {
		// The heap admitted the task but the edit never made it into the
		// log: undo the admission so the heap keeps reflecting exactly
		// the set of WAITING tasks (spec.md §3 invariant). A concurrent
		// WorkerReady may have already claimed it first, in which case
		// Remove is a harmless no-op.
		b.heap.Remove(taskID)
		return 0, err
	}
	b.metrics.editsApplied.Inc()
	b.metrics.currentEpoch.Set(float64(result.Seq.Epoch))
	b.metrics.heapSize.Set(float64(b.heap.Size()))
	return taskID, nil
}

// WorkerConnected records a worker's registration or reconnection.
func (b *Broker) WorkerConnected(workerID, location, processID string) error {
	if !b.log.IsWritable() {
		return ErrNotLeader
	}
	edit := statuslog.StatusEdit{
		Kind:             statuslog.WorkerConnected,
		WorkerID:         workerID,
		WorkerLocation:   location,
		WorkerProcessID:  processID,
		ConnectTimestamp: b.clock.NowMillis(),
	}
	_, err := b.state.ApplyModification(edit)
	if err == nil {
		b.metrics.editsApplied.Inc()
	}
	return err
}

// WorkerReady is called when a worker signals capacity (spec.md §2): it
// takes up to max matching tasks out of the dispatch heap and assigns
// each of them to workerID via an ASSIGN_TASK_TO_WORKER edit, returning
// the tasks the caller should deliver over the transport.
func (b *Broker) WorkerReady(ctx context.Context, workerID string, max int, groups mapset.Set[int32], availableSpace map[int32]int) ([]AssignedTask, error) {
	if !b.log.IsWritable() {
		return nil, ErrNotLeader
	}

	taskIDs := b.heap.Take(max, groups, availableSpace)
	b.metrics.heapSize.Set(float64(b.heap.Size()))
	if len(taskIDs) == 0 {
		return nil, nil
	}

	assigned := make([]AssignedTask, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		edit := statuslog.StatusEdit{
			Kind:     statuslog.AssignTaskToWorker,
			TaskID:   taskID,
			WorkerID: workerID,
		}
		if _, err := b.state.ApplyModification(edit); err != nil {
			// The log rejected this edit (e.g. LogUnavailable, this
			// replica stepping down). The task is lost from this
			// replica's heap but was never marked RUNNING anywhere, so
			// the next leader will still see it WAITING from its own
			// recovered state.
			b.logger.Error("failed to apply ASSIGN_TASK_TO_WORKER", "taskId", taskID, "workerId", workerID, "err", err)
			return assigned, err
		}
		b.metrics.editsApplied.Inc()
		t, err := b.state.GetTask(taskID)
		if err != nil {
			continue
		}
		assigned = append(assigned, AssignedTask{TaskID: t.TaskID, Type: t.Type, Parameter: t.Parameter})
		if err := b.transport.DeliverAssignment(ctx, workerID, taskID); err != nil {
			b.logger.Warn("failed to deliver assignment over transport", "taskId", taskID, "workerId", workerID, "err", err)
		}
	}
	return assigned, nil
}

// TaskFinished records a worker's report that a task completed.
func (b *Broker) TaskFinished(result TaskResult) error {
	if !b.log.IsWritable() {
		return ErrNotLeader
	}
	status := statuslog.TaskFinishedOK
	if !result.OK {
		status = statuslog.TaskFinishedError
	}
	edit := statuslog.StatusEdit{
		Kind:       statuslog.TaskFinished,
		TaskID:     result.TaskID,
		WorkerID:   result.WorkerID,
		TaskStatus: status,
		Result:     result.Result,
	}
	_, err := b.state.ApplyModification(edit)
	if err == nil {
		b.metrics.editsApplied.Inc()
	}
	return err
}

// GetTask, GetAllTasks, GetAllWorkers, GetTaskStatus, GetWorker delegate
// directly to BrokerStatus: spec.md §4.2 documents these as read-only,
// lock-protected view accessors, and Broker adds no behavior over them.
func (b *Broker) GetTask(taskID int64) (brokerstate.Task, error) { return b.state.GetTask(taskID) }
func (b *Broker) GetAllTasks() []brokerstate.Task                { return b.state.GetAllTasks() }
func (b *Broker) GetAllWorkers() []brokerstate.WorkerStatus      { return b.state.GetAllWorkers() }
func (b *Broker) GetTaskStatus(taskID int64) (brokerstate.TaskStatus, error) {
	return b.state.GetTaskStatus(taskID)
}
func (b *Broker) GetWorker(workerID string) (brokerstate.WorkerStatus, error) {
	return b.state.GetWorker(workerID)
}

// IsLeader reports whether this replica currently believes itself to be
// leader.
func (b *Broker) IsLeader() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leader
}

// checkpointLoop implements spec.md §4.4's periodic snapshot/checkpoint
// protocol: capture a consistent view under BrokerStatus's read lock,
// drop the lock, then hand the view to the log's Checkpoint (which owns
// its own durability and truncation decisions).
func (b *Broker) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.checkpointPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := b.state.Snapshot()
			if err := b.log.Checkpoint(snap); err != nil {
				b.logger.Warn("checkpoint failed, will retry next cycle", "err", err)
				continue
			}
			b.logger.Debug("checkpoint complete", "epoch", snap.Epoch, "offset", snap.Offset, "tasks", len(snap.Tasks))
		}
	}
}

// purgeLoop drives BrokerStatus.PurgeExpired on finishedTasksPurgeSchedulerPeriod,
// bounded by maxExpiredTasksPerCycle (enforced inside BrokerStatus itself).
func (b *Broker) purgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.purgePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := b.state.PurgeExpired(); n > 0 {
				b.metrics.tasksPurged.Add(float64(n))
				b.logger.Debug("purged retained finished tasks", "count", n)
			}
		}
	}
}

// Stop requests leadership resignation (if applicable) and tears down
// background loops. Safe to call even if this replica never acquired
// leadership.
func (b *Broker) Stop() error {
	b.LeadershipLost()
	return b.log.Close()
}

var _ statuslog.LeadershipListener = (*Broker)(nil)
