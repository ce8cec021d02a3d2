// Package snapshot defines the full-state checkpoint of the broker state
// machine (spec.md §3, "BrokerStatusSnapshot") and its durable JSON file
// format (spec.md §6).
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// TaskView is the serialized form of one task at snapshot time.
type TaskView struct {
	TaskID           int64  `json:"taskId"`
	Type             int32  `json:"type"`
	Parameter        []byte `json:"parameter,omitempty"`
	UserID           string `json:"userId"`
	CreatedTimestamp int64  `json:"createdTimestamp"`
	Status           string `json:"status"`
	WorkerID         string `json:"workerId,omitempty"`
	Result           []byte `json:"result,omitempty"`
}

// WorkerView is the serialized form of one worker at snapshot time.
type WorkerView struct {
	WorkerID         string `json:"workerId"`
	WorkerLocation   string `json:"workerLocation"`
	ProcessID        string `json:"processId"`
	LastConnectionTs int64  `json:"lastConnectionTs"`
	Status           string `json:"status"`
}

// BrokerStatusSnapshot is the full state: all tasks, all workers,
// maxTaskId, and the LogSequenceNumber of the last edit included. The LSN
// is stored as plain (Epoch, Offset) fields here to keep this package free
// of a dependency on package statuslog (statuslog depends on snapshot, not
// the other way around).
type BrokerStatusSnapshot struct {
	Epoch     int64        `json:"epoch"`
	Offset    int64        `json:"offset"`
	MaxTaskID int64        `json:"maxTaskId"`
	Tasks     []TaskView   `json:"tasks"`
	Workers   []WorkerView `json:"workers"`
}

// Empty is the "no snapshot exists yet" value: epoch/offset (-1,-1), no
// tasks or workers.
var Empty = BrokerStatusSnapshot{Epoch: -1, Offset: -1}

// IsEmpty reports whether s is the sentinel empty snapshot.
func (s BrokerStatusSnapshot) IsEmpty() bool {
	return s.Epoch == -1 && s.Offset == -1 && len(s.Tasks) == 0 && len(s.Workers) == 0
}

// Marshal serializes the snapshot to its JSON wire format.
func (s BrokerStatusSnapshot) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: marshal")
	}
	return b, nil
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte) (BrokerStatusSnapshot, error) {
	var s BrokerStatusSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return BrokerStatusSnapshot{}, errors.Wrap(err, "snapshot: unmarshal")
	}
	return s, nil
}

// fileName returns the "<epoch>_<offset>.snap.json" name spec.md §6
// requires for a snapshot at the given sequence number.
func fileName(epoch, offset int64) string {
	return fmt.Sprintf("%020d_%020d.snap.json", epoch, offset)
}

// WriteFile atomically persists s under dir using the spec.md §6 filename
// convention: write to a temp file, fsync, then rename over the final
// name, so a crash mid-write never leaves a partially-written snapshot
// that LoadLatest could pick up.
func WriteFile(dir string, s BrokerStatusSnapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "snapshot: mkdir")
	}
	data, err := s.Marshal()
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, fileName(s.Epoch, s.Offset))
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "snapshot: create temp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", errors.Wrap(err, "snapshot: write temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", errors.Wrap(err, "snapshot: fsync temp file")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "snapshot: close temp file")
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", errors.Wrap(err, "snapshot: rename into place")
	}
	return final, nil
}

// parsedName splits a "<epoch>_<offset>.snap.json" filename into its
// numeric components for lexicographic/numeric comparison.
type parsedName struct {
	epoch, offset int64
	path          string
}

// LoadLatest selects the newest snapshot file in dir by comparing
// (epoch, offset) pairs numerically, and returns Empty if dir has no
// snapshot files yet.
func LoadLatest(dir string) (BrokerStatusSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty, nil
		}
		return BrokerStatusSnapshot{}, errors.Wrap(err, "snapshot: read dir")
	}
	var candidates []parsedName
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.json") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".snap.json")
		parts := strings.SplitN(base, "_", 2)
		if len(parts) != 2 {
			continue
		}
		epoch, err1 := strconv.ParseInt(parts[0], 10, 64)
		offset, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		candidates = append(candidates, parsedName{epoch, offset, filepath.Join(dir, e.Name())})
	}
	if len(candidates) == 0 {
		return Empty, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].epoch != candidates[j].epoch {
			return candidates[i].epoch < candidates[j].epoch
		}
		return candidates[i].offset < candidates[j].offset
	})
	newest := candidates[len(candidates)-1]
	data, err := os.ReadFile(newest.path)
	if err != nil {
		return BrokerStatusSnapshot{}, errors.Wrap(err, "snapshot: read newest snapshot file")
	}
	return Unmarshal(data)
}

// PruneOlderThan removes every snapshot file in dir strictly older than
// (epoch, offset), keeping the file at (epoch, offset) and every newer
// one. Called by StatusChangesLog.Checkpoint
// implementations after a new snapshot has been durably written.
func PruneOlderThan(dir string, epoch, offset int64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "snapshot: read dir")
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.json") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".snap.json")
		parts := strings.SplitN(base, "_", 2)
		if len(parts) != 2 {
			continue
		}
		ce, err1 := strconv.ParseInt(parts[0], 10, 64)
		co, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if ce < epoch || (ce == epoch && co < offset) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, "snapshot: prune old snapshot")
			}
		}
	}
	return nil
}
