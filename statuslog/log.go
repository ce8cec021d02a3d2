package statuslog

import (
	"github.com/cockroachdb/errors"

	"github.com/apurbad/majordodo/snapshot"
)

// ErrLogUnavailable is returned by Append, Checkpoint, Recover or
// FollowTheLeader when the durable storage or coordination backend fails.
// It is fatal to the local replica's writer: the caller must step down
// (drop its writable flag) rather than retry in place.
var ErrLogUnavailable = errors.New("statuslog: log unavailable")

// ErrNotLeader is returned by Append on a replica that is not currently
// the writer for the log's current epoch.
var ErrNotLeader = errors.New("statuslog: not leader")

// ErrTransientCoordination signals a recoverable coordination-service
// hiccup (e.g. session expiry) that the caller should treat as
// leadershipLost rather than a fatal storage error.
var ErrTransientCoordination = errors.New("statuslog: transient coordination error")

// EditConsumer receives one edit at a time, in increasing LogSequenceNumber
// order, during Recover or FollowTheLeader.
type EditConsumer func(seq LogSequenceNumber, edit StatusEdit) error

// LeadershipListener is the capability a StatusChangesLog invokes when its
// leadership state changes. Broker implements this and is injected at
// construction time rather than being referenced by a back-pointer from
// the log (see DESIGN.md, statuslog.CoordinationService).
type LeadershipListener interface {
	LeadershipAcquired()
	LeadershipLost()
}

// StatusChangesLog is the abstract contract of spec.md §4.1: append an
// edit, recover edits after a snapshot, request/observe leadership, and
// checkpoint. MemoryLog and ReplicatedLog are the two concrete variants.
type StatusChangesLog interface {
	// Append durably records edit and returns its assigned
	// LogSequenceNumber. Leader-only: when the log is not writable (a
	// follower, or a writer that has stepped down) it returns ErrNotLeader.
	// Append does not itself check whether another replica has since
	// started a newer epoch. The returned number is strictly greater than
	// every number this log has ever returned, on this leader or any
	// prior one.
	Append(edit StatusEdit) (LogSequenceNumber, error)

	// StartWriting allocates a new epoch so subsequent Append calls
	// succeed. Called once leadership has been acquired.
	StartWriting() error

	// IsWritable reports whether Append is currently permitted.
	IsWritable() bool

	// Recover replays every edit with a sequence number strictly greater
	// than skipPast, in total order, invoking consumer once per edit.
	Recover(skipPast LogSequenceNumber, consumer EditConsumer) error

	// LoadLatestSnapshot returns the newest persisted snapshot, or an
	// empty snapshot at ZeroLSN if none has ever been written.
	LoadLatestSnapshot() (snapshot.BrokerStatusSnapshot, error)

	// Checkpoint persists snapshot atomically and, at its discretion,
	// truncates journal prefixes no longer needed. It never truncates
	// past a snapshot that was not itself durably persisted.
	Checkpoint(snapshot snapshot.BrokerStatusSnapshot) error

	// RequestLeadership asks the coordination backend for leadership.
	// It does not block for the full campaign; use IsLeader and the
	// LeadershipListener callbacks to observe the outcome.
	RequestLeadership() error

	// IsLeader reports whether this replica currently believes itself to
	// be leader.
	IsLeader() bool

	// FollowTheLeader tails the log from a follower. Semantically
	// identical to Recover but may return early (e.g. on a transient
	// coordination hiccup) and be retried by the caller.
	FollowTheLeader(skipPast LogSequenceNumber, consumer EditConsumer) error

	// Close releases any resources (ledger handles, coordination
	// sessions) held by the log.
	Close() error
}
