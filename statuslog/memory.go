package statuslog

import (
	"sync"

	"github.com/apurbad/majordodo/snapshot"
	"github.com/ethereum/go-ethereum/log"
)

// MemoryLog is the non-replicated, in-process StatusChangesLog used for
// single-node mode. It is always leader, always writable: there is no
// coordination service and no durability across process restarts.
type MemoryLog struct {
	mu       sync.Mutex
	edits    []StatusEdit
	seqs     []LogSequenceNumber
	epoch    int64
	nextOff  int64 // not len(edits): Checkpoint truncates edits
	writable bool
	snapshot snapshot.BrokerStatusSnapshot
	log      log.Logger
}

// NewMemoryLog constructs a ready-to-use in-memory log, already writable
// at epoch 0 (single-node mode has no leadership campaign to run).
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		epoch:    0,
		writable: true,
		snapshot: snapshot.Empty,
		log:      log.New("component", "statuslog.memory"),
	}
}

func (m *MemoryLog) Append(edit StatusEdit) (LogSequenceNumber, error) {
	if err := edit.Validate(); err != nil {
		return LogSequenceNumber{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.writable {
		return LogSequenceNumber{}, ErrNotLeader
	}
	seq := LogSequenceNumber{Epoch: m.epoch, Offset: m.nextOff}
	m.nextOff++
	m.edits = append(m.edits, edit)
	m.seqs = append(m.seqs, seq)
	return seq, nil
}

func (m *MemoryLog) StartWriting() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writable = true
	return nil
}

func (m *MemoryLog) IsWritable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writable
}

func (m *MemoryLog) Recover(skipPast LogSequenceNumber, consumer EditConsumer) error {
	m.mu.Lock()
	edits := append([]StatusEdit(nil), m.edits...)
	seqs := append([]LogSequenceNumber(nil), m.seqs...)
	m.mu.Unlock()

	for i, seq := range seqs {
		if !skipPast.Less(seq) {
			continue
		}
		if err := consumer(seq, edits[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLog) LoadLatestSnapshot() (snapshot.BrokerStatusSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, nil
}

func (m *MemoryLog) Checkpoint(s snapshot.BrokerStatusSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
	// Truncate edits at or before the checkpointed sequence number: a
	// single-node broker never needs to replay past its own last
	// checkpoint once that checkpoint is itself in memory.
	kept := len(m.seqs)
	for i, seq := range m.seqs {
		if seq.Epoch > s.Epoch || (seq.Epoch == s.Epoch && seq.Offset > s.Offset) {
			kept = i
			break
		}
	}
	m.edits = append([]StatusEdit(nil), m.edits[kept:]...)
	m.seqs = append([]LogSequenceNumber(nil), m.seqs[kept:]...)
	m.log.Debug("checkpoint complete", "epoch", s.Epoch, "offset", s.Offset, "retainedEdits", len(m.edits))
	return nil
}

func (m *MemoryLog) RequestLeadership() error {
	// Single-node mode is always leader; nothing to campaign for.
	return nil
}

func (m *MemoryLog) IsLeader() bool {
	return true
}

func (m *MemoryLog) FollowTheLeader(skipPast LogSequenceNumber, consumer EditConsumer) error {
	// A MemoryLog has no followers distinct from its leader; treat this
	// identically to Recover.
	return m.Recover(skipPast, consumer)
}

func (m *MemoryLog) Close() error {
	return nil
}

var _ StatusChangesLog = (*MemoryLog)(nil)
