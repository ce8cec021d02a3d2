package statuslog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"

	"github.com/apurbad/majordodo/snapshot"
)

// ReplicatedLog is the StatusChangesLog implementation backed by an
// external shared-log service and a coordination service (spec.md §4.1,
// §4.5). This repo's concrete shared-log service is a pebble key-value
// store rooted at <dir>/ledger/<epoch>/, one pebble instance per epoch, so
// that epoch rollover is just "open a new directory" and old epochs can be
// deleted wholesale once no longer needed. The coordination service is
// CoordinationService (see coordination.go).
type ReplicatedLog struct {
	dir         string
	snapshotDir string
	coord       CoordinationService
	listener    LeadershipListener
	logger      log.Logger

	appendMu sync.Mutex // serializes Append + epoch rollover
	ckptMu   sync.Mutex // serializes Checkpoint file I/O, separate from appendMu

	db         *pebble.DB
	epoch      int64
	nextOffset int64
	writable   bool
}

// ReplicatedLogConfig names the directories a ReplicatedLog needs: dir
// holds the per-epoch ledgers, snapshotDir holds the checkpoint files.
type ReplicatedLogConfig struct {
	Dir         string
	SnapshotDir string
}

// NewReplicatedLog constructs a ReplicatedLog. listener receives
// leadershipAcquired/leadershipLost callbacks forwarded from coord's
// campaign; the log itself never calls back into a Broker directly
// (see DESIGN.md, statuslog.CoordinationService).
func NewReplicatedLog(cfg ReplicatedLogConfig, coord CoordinationService, listener LeadershipListener) (*ReplicatedLog, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "statuslog: create ledger dir")
	}
	if err := os.MkdirAll(cfg.SnapshotDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "statuslog: create snapshot dir")
	}
	r := &ReplicatedLog{
		dir:         cfg.Dir,
		snapshotDir: cfg.SnapshotDir,
		coord:       coord,
		listener:    listener,
		logger:      log.New("component", "statuslog.replicated"),
		epoch:       -1,
	}
	if err := coord.Campaign(r); err != nil {
		return nil, errors.Wrap(ErrTransientCoordination, err.Error())
	}
	return r, nil
}

// LeadershipAcquired implements LeadershipListener: it is invoked by the
// coordination service, not called directly by Broker.
func (r *ReplicatedLog) LeadershipAcquired() {
	if err := r.StartWriting(); err != nil {
		r.logger.Error("failed to start writing after leadership acquired", "err", err)
		return
	}
	if r.listener != nil {
		r.listener.LeadershipAcquired()
	}
}

// LeadershipLost implements LeadershipListener.
func (r *ReplicatedLog) LeadershipLost() {
	r.appendMu.Lock()
	r.writable = false
	db := r.db
	r.db = nil
	r.appendMu.Unlock()
	if db != nil {
		if err := db.Close(); err != nil {
			r.logger.Warn("error closing ledger after leadership lost", "err", err)
		}
	}
	if r.listener != nil {
		r.listener.LeadershipLost()
	}
}

func epochDir(root string, epoch int64) string {
	return filepath.Join(root, strconv.FormatInt(epoch, 10))
}

func (r *ReplicatedLog) StartWriting() error {
	epoch, err := r.coord.NewEpoch()
	if err != nil {
		return errors.Wrap(ErrLogUnavailable, err.Error())
	}
	db, err := pebble.Open(epochDir(r.dir, epoch), &pebble.Options{})
	if err != nil {
		return errors.Wrap(ErrLogUnavailable, err.Error())
	}
	nextOffset, err := lastOffset(db)
	if err != nil {
		db.Close()
		return errors.Wrap(ErrLogUnavailable, err.Error())
	}

	r.appendMu.Lock()
	if r.db != nil {
		r.db.Close()
	}
	r.db = db
	r.epoch = epoch
	r.nextOffset = nextOffset + 1
	r.writable = true
	r.appendMu.Unlock()

	r.logger.Info("started writing new epoch", "epoch", epoch, "nextOffset", r.nextOffset)
	return nil
}

func (r *ReplicatedLog) IsWritable() bool {
	r.appendMu.Lock()
	defer r.appendMu.Unlock()
	return r.writable
}

func (r *ReplicatedLog) IsLeader() bool {
	return r.IsWritable()
}

func (r *ReplicatedLog) RequestLeadership() error {
	return r.coord.Campaign(r)
}

// offsetKey big-endian encodes offset so pebble's default byte-order
// iteration is also numeric order.
func offsetKey(offset int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(offset))
	return b[:]
}

func decodeOffsetKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

func lastOffset(db *pebble.DB) (int64, error) {
	iter, err := db.NewIter(nil)
	if err != nil {
		return -1, err
	}
	defer iter.Close()
	if !iter.Last() {
		return -1, nil
	}
	return decodeOffsetKey(iter.Key()), nil
}

func (r *ReplicatedLog) Append(edit StatusEdit) (LogSequenceNumber, error) {
	if err := edit.Validate(); err != nil {
		return LogSequenceNumber{}, err
	}

	r.appendMu.Lock()
	defer r.appendMu.Unlock()
	if !r.writable || r.db == nil {
		return LogSequenceNumber{}, ErrNotLeader
	}

	data, err := edit.Marshal()
	if err != nil {
		return LogSequenceNumber{}, err
	}
	offset := r.nextOffset
	if err := r.db.Set(offsetKey(offset), data, pebble.Sync); err != nil {
		// Any append failure is fatal to this replica's writer: drop
		// writable and let leader election restart the write path.
		r.writable = false
		return LogSequenceNumber{}, errors.Wrap(ErrLogUnavailable, err.Error())
	}
	r.nextOffset = offset + 1
	return LogSequenceNumber{Epoch: r.epoch, Offset: offset}, nil
}

func (r *ReplicatedLog) listEpochs() ([]int64, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var epochs []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// replay walks every epoch ledger from skipPast forward, opening
// read-only pebble handles for epochs other than the one currently open
// for writing (which is reused directly to avoid a double-open conflict).
func (r *ReplicatedLog) replay(skipPast LogSequenceNumber, consumer EditConsumer) error {
	epochs, err := r.listEpochs()
	if err != nil {
		return errors.Wrap(ErrLogUnavailable, err.Error())
	}
	for _, epoch := range epochs {
		if epoch < skipPast.Epoch {
			continue
		}
		var db *pebble.DB
		var opened bool

		r.appendMu.Lock()
		if r.db != nil && r.epoch == epoch {
			db = r.db
		}
		r.appendMu.Unlock()

		if db == nil {
			db, err = pebble.Open(epochDir(r.dir, epoch), &pebble.Options{ReadOnly: true})
			if err != nil {
				return errors.Wrap(ErrLogUnavailable, err.Error())
			}
			opened = true
		}

		err := func() error {
			if opened {
				defer db.Close()
			}
			iter, err := db.NewIter(nil)
			if err != nil {
				return err
			}
			defer iter.Close()
			for valid := iter.First(); valid; valid = iter.Next() {
				offset := decodeOffsetKey(iter.Key())
				seq := LogSequenceNumber{Epoch: epoch, Offset: offset}
				if !skipPast.Less(seq) {
					continue
				}
				edit, uerr := UnmarshalEdit(iter.Value())
				if uerr != nil {
					return uerr
				}
				if cerr := consumer(seq, edit); cerr != nil {
					return cerr
				}
			}
			return nil
		}()
		if err != nil {
			return errors.Wrap(ErrLogUnavailable, err.Error())
		}
	}
	return nil
}

func (r *ReplicatedLog) Recover(skipPast LogSequenceNumber, consumer EditConsumer) error {
	return r.replay(skipPast, consumer)
}

func (r *ReplicatedLog) FollowTheLeader(skipPast LogSequenceNumber, consumer EditConsumer) error {
	return r.replay(skipPast, consumer)
}

func (r *ReplicatedLog) LoadLatestSnapshot() (snapshot.BrokerStatusSnapshot, error) {
	s, err := snapshot.LoadLatest(r.snapshotDir)
	if err != nil {
		return snapshot.BrokerStatusSnapshot{}, errors.Wrap(ErrLogUnavailable, err.Error())
	}
	return s, nil
}

func (r *ReplicatedLog) Checkpoint(s snapshot.BrokerStatusSnapshot) error {
	r.ckptMu.Lock()
	defer r.ckptMu.Unlock()

	if _, err := snapshot.WriteFile(r.snapshotDir, s); err != nil {
		// The snapshot is discarded on failure; the next cycle retries.
		// The journal is never truncated past a snapshot that wasn't
		// durably persisted.
		return errors.Wrap(ErrLogUnavailable, err.Error())
	}
	if err := snapshot.PruneOlderThan(r.snapshotDir, s.Epoch, s.Offset); err != nil {
		r.logger.Warn("failed to prune old snapshots", "err", err)
	}
	if err := r.pruneEpochsBefore(s.Epoch); err != nil {
		r.logger.Warn("failed to prune old ledger epochs", "err", err)
	}
	return nil
}

// pruneEpochsBefore removes ledger directories for epochs strictly below
// the checkpointed one: every edit they contain is already reflected in
// the durably-persisted snapshot.
func (r *ReplicatedLog) pruneEpochsBefore(epoch int64) error {
	epochs, err := r.listEpochs()
	if err != nil {
		return err
	}
	for _, e := range epochs {
		if e < epoch {
			if err := os.RemoveAll(epochDir(r.dir, e)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *ReplicatedLog) Close() error {
	r.appendMu.Lock()
	db := r.db
	r.db = nil
	r.writable = false
	r.appendMu.Unlock()

	var errs []error
	if db != nil {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.coord.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "statuslog: close replicated log")
	}
	return nil
}

var _ StatusChangesLog = (*ReplicatedLog)(nil)
var _ LeadershipListener = (*ReplicatedLog)(nil)
