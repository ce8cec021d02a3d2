package statuslog

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// CoordinationService is the abstract leader-election capability
// ReplicatedLog depends on (the log depends on this interface, not on a
// Broker back-pointer; see DESIGN.md, statuslog.CoordinationService). A real
// deployment would back this with ZooKeeper or etcd; FlockCoordinationService
// is the single-host stand-in this repo ships so the contract is exercised
// end-to-end without an external cluster.
type CoordinationService interface {
	// Campaign blocks briefly attempting to acquire leadership, then
	// returns. The outcome is reported asynchronously via listener's
	// LeadershipAcquired/LeadershipLost callbacks as the session evolves.
	Campaign(listener LeadershipListener) error

	// NewEpoch is called once leadership is acquired to mint the epoch
	// number the new leader's Append calls will use.
	NewEpoch() (int64, error)

	// Resign releases leadership voluntarily (used on graceful shutdown).
	Resign() error

	// Close releases the coordination session.
	Close() error
}

// FlockCoordinationService implements CoordinationService with a single
// advisory file lock: whichever replica holds the lock is leader. A
// background poller fires listener.LeadershipLost when the lock handle no
// longer reports itself locked; it checks only the handle's in-process
// state and does not probe the lock file or the filesystem.
type FlockCoordinationService struct {
	dir       string
	sessionID string
	pollEvery time.Duration
	lock      *flock.Flock
	epochFile string

	mu       sync.Mutex
	listener LeadershipListener
	isLeader bool
	stopPoll chan struct{}
}

// NewFlockCoordinationService creates a coordination service rooted at
// dir, which must be shared (e.g. a shared filesystem) across all broker
// replicas that should contend for leadership.
func NewFlockCoordinationService(dir string) (*FlockCoordinationService, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "statuslog: create coordination dir")
	}
	return &FlockCoordinationService{
		dir:       dir,
		sessionID: uuid.NewString(),
		pollEvery: 2 * time.Second,
		lock:      flock.New(filepath.Join(dir, "leader.lock")),
		epochFile: filepath.Join(dir, "epoch"),
	}, nil
}

// Campaign attempts to acquire the leader lock once; if it fails, it
// starts a background poller that retries and calls listener.LeadershipAcquired
// on success. Losing a held lock fires listener.LeadershipLost.
func (c *FlockCoordinationService) Campaign(listener LeadershipListener) error {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()

	ok, err := c.lock.TryLock()
	if err != nil {
		return errors.Wrap(ErrTransientCoordination, err.Error())
	}
	if ok {
		c.mu.Lock()
		c.isLeader = true
		c.mu.Unlock()
		c.startPolling()
		listener.LeadershipAcquired()
		return nil
	}
	c.startPolling()
	return nil
}

func (c *FlockCoordinationService) startPolling() {
	c.mu.Lock()
	if c.stopPoll != nil {
		c.mu.Unlock()
		return
	}
	c.stopPoll = make(chan struct{})
	stop := c.stopPoll
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.pollOnce()
			}
		}
	}()
}

func (c *FlockCoordinationService) pollOnce() {
	c.mu.Lock()
	wasLeader := c.isLeader
	listener := c.listener
	c.mu.Unlock()

	if wasLeader {
		if !c.lock.Locked() {
			c.mu.Lock()
			c.isLeader = false
			c.mu.Unlock()
			if listener != nil {
				listener.LeadershipLost()
			}
		}
		return
	}

	ok, err := c.lock.TryLock()
	if err != nil || !ok {
		return
	}
	c.mu.Lock()
	c.isLeader = true
	c.mu.Unlock()
	if listener != nil {
		listener.LeadershipAcquired()
	}
}

// NewEpoch allocates the next epoch number by reading, incrementing, and
// rewriting a small counter file. Only ever called while holding
// leadership, so no additional locking beyond the leader lock itself is
// required.
func (c *FlockCoordinationService) NewEpoch() (int64, error) {
	var current int64 = -1
	if data, err := os.ReadFile(c.epochFile); err == nil {
		if n, perr := parseEpoch(data); perr == nil {
			current = n
		}
	}
	next := current + 1
	if err := os.WriteFile(c.epochFile, []byte(formatEpoch(next)), 0o644); err != nil {
		return 0, errors.Wrap(err, "statuslog: persist epoch counter")
	}
	return next, nil
}

func (c *FlockCoordinationService) Resign() error {
	c.mu.Lock()
	c.isLeader = false
	c.mu.Unlock()
	if err := c.lock.Unlock(); err != nil {
		return errors.Wrap(err, "statuslog: resign leadership")
	}
	return nil
}

func (c *FlockCoordinationService) Close() error {
	c.mu.Lock()
	stop := c.stopPoll
	c.stopPoll = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	return c.lock.Unlock()
}

func parseEpoch(data []byte) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func formatEpoch(n int64) string {
	return strconv.FormatInt(n, 10)
}
