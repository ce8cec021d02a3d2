// Package statuslog implements the append-only status-changes log that
// backs the broker's replicated state machine: a totally ordered edit
// stream, a pluggable storage contract, and two concrete backends (an
// in-process log for single-node mode and a pebble+flock backed replicated
// log for multi-replica deployments).
package statuslog

import "fmt"

// LogSequenceNumber totally orders every edit ever applied to the broker
// state machine. Epoch bumps on every leadership change or ledger
// rollover; offset is monotonic within one epoch.
type LogSequenceNumber struct {
	Epoch  int64
	Offset int64
}

// ZeroLSN is the sentinel "nothing has been applied yet" sequence number,
// returned by StatusChangesLog.loadLatestSnapshot when no snapshot exists.
var ZeroLSN = LogSequenceNumber{Epoch: -1, Offset: -1}

// Less reports whether lsn strictly precedes other in the log's total
// order: epoch compared first, offset breaking ties within an epoch.
func (lsn LogSequenceNumber) Less(other LogSequenceNumber) bool {
	if lsn.Epoch != other.Epoch {
		return lsn.Epoch < other.Epoch
	}
	return lsn.Offset < other.Offset
}

// Next returns the immediately following sequence number within the same
// epoch.
func (lsn LogSequenceNumber) Next() LogSequenceNumber {
	return LogSequenceNumber{Epoch: lsn.Epoch, Offset: lsn.Offset + 1}
}

func (lsn LogSequenceNumber) String() string {
	return fmt.Sprintf("%d:%d", lsn.Epoch, lsn.Offset)
}

// IsZero reports whether lsn is the "no edits applied" sentinel.
func (lsn LogSequenceNumber) IsZero() bool {
	return lsn == ZeroLSN
}
