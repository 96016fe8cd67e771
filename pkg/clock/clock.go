package clock

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/types"
)

// Clock owns the node's vector clock and Lamport clock. All access goes
// through the mutex; in-memory state advances only after the caller's
// commit callback has persisted the candidate state. Callers fold the
// persisted ClockState into whatever store transaction carries the rest of
// their write, so a committed event and its clock stamp are inseparable.
type Clock struct {
	mu      sync.Mutex
	nodeID  string
	vc      types.VectorClock
	lamport uint64
	logger  zerolog.Logger
}

// CommitFunc persists a candidate clock state. Returning an error leaves
// the in-memory clock untouched.
type CommitFunc func(types.ClockState) error

// New returns a zeroed clock for nodeID.
func New(nodeID string) *Clock {
	return &Clock{
		nodeID: nodeID,
		vc:     types.VectorClock{},
		logger: log.WithComponent("clock"),
	}
}

// Restore loads previously persisted state. Called once at startup before
// any Tick or Merge.
func (c *Clock) Restore(state *types.ClockState) {
	if state == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.VectorClock != nil {
		c.vc = state.VectorClock.Copy()
	}
	c.lamport = state.LamportClock
	c.logger.Debug().Uint64("lamport", c.lamport).Int("entries", len(c.vc)).Msg("clock state restored")
}

// NodeID returns the owning node id.
func (c *Clock) NodeID() string {
	return c.nodeID
}

// Snapshot returns copies of the current clocks.
func (c *Clock) Snapshot() (types.VectorClock, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vc.Copy(), c.lamport
}

// Tick advances this node's vector entry and the Lamport clock for a
// local event. The Lamport clock stays strictly above every vector entry.
// commit runs with the mutex held; keep it to a local store transaction.
func (c *Clock) Tick(commit CommitFunc) (types.VectorClock, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.vc.Copy()
	next[c.nodeID]++
	lamport := c.lamport + 1
	if floor := next.Max() + 1; lamport < floor {
		lamport = floor
	}

	if err := commit(c.state(next, lamport)); err != nil {
		return nil, 0, err
	}

	c.vc = next
	c.lamport = lamport
	return next.Copy(), lamport, nil
}

// Merge folds a remote event's clocks into ours: pairwise max on the
// vector, Lamport raised past the remote value. Memory advances only after
// commit succeeds; a failed merge is retried by the caller on the next
// apply attempt.
func (c *Clock) Merge(remoteVC types.VectorClock, remoteLamport uint64, commit CommitFunc) (types.VectorClock, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.vc.Copy()
	next.Merge(remoteVC)
	lamport := c.lamport
	if remoteLamport > lamport {
		lamport = remoteLamport
	}
	lamport++

	if err := commit(c.state(next, lamport)); err != nil {
		return nil, 0, err
	}

	c.vc = next
	c.lamport = lamport
	return next.Copy(), lamport, nil
}

// FastForward raises the clock to a snapshot manifest's maxima. Used once
// after a bulk snapshot apply, before incremental sync resumes.
func (c *Clock) FastForward(manifest types.VectorClock, commit CommitFunc) (types.VectorClock, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.vc.Copy()
	next.Merge(manifest)
	lamport := c.lamport
	if floor := next.Max() + 1; lamport < floor {
		lamport = floor
	}

	if err := commit(c.state(next, lamport)); err != nil {
		return nil, 0, err
	}

	c.vc = next
	c.lamport = lamport
	c.logger.Info().Uint64("lamport", lamport).Int("entries", len(next)).Msg("clock fast-forwarded to snapshot manifest")
	return next.Copy(), lamport, nil
}

func (c *Clock) state(vc types.VectorClock, lamport uint64) types.ClockState {
	return types.ClockState{
		NodeID:       c.nodeID,
		VectorClock:  vc.Copy(),
		LamportClock: lamport,
		UpdatedAt:    time.Now().UTC(),
	}
}
