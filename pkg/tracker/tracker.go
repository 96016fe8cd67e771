package tracker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/dukahub/dukasync/pkg/clock"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

// Config assembles a change tracker.
type Config struct {
	Store       storage.Store
	Clock       *clock.Clock
	Broker      *events.Broker
	Security    *security.Manager
	Excluded    []string
	NodeVersion string
	QueueSize   int
}

// Tracker is the write path for business tables. Every tracked mutation
// commits the row, its change event, and the advanced clock in one storage
// transaction, so the event log never claims a write that did not happen.
// Mutations to excluded tables and mutations made while tracking is
// disabled go straight to the store without an event.
type Tracker struct {
	store       storage.Store
	clock       *clock.Clock
	broker      *events.Broker
	security    *security.Manager
	excluded    map[string]struct{}
	nodeVersion string

	enabled  atomic.Bool
	captured atomic.Uint64

	mu    sync.Mutex // guards queue
	queue *ring

	logger zerolog.Logger
}

// New builds a tracker with tracking enabled.
func New(cfg Config) *Tracker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	excluded := make(map[string]struct{}, len(cfg.Excluded))
	for _, t := range cfg.Excluded {
		excluded[t] = struct{}{}
	}
	t := &Tracker{
		store:       cfg.Store,
		clock:       cfg.Clock,
		broker:      cfg.Broker,
		security:    cfg.Security,
		excluded:    excluded,
		nodeVersion: cfg.NodeVersion,
		queue:       newRing(cfg.QueueSize),
		logger:      log.WithComponent("tracker"),
	}
	t.enabled.Store(true)
	return t
}

// Enabled reports whether mutations are currently captured.
func (t *Tracker) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled toggles capture. Used by snapshot export and apply, which move
// rows that already carry events on some node and must not mint new ones.
func (t *Tracker) SetEnabled(on bool) {
	if t.enabled.Swap(on) != on {
		t.logger.Info().Bool("enabled", on).Msg("change tracking toggled")
	}
}

// IsExcluded reports whether a table is never captured.
func (t *Tracker) IsExcluded(table string) bool {
	_, ok := t.excluded[table]
	return ok
}

// QueueDepth returns the number of changes waiting for the store to return.
func (t *Tracker) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.len()
}

// Captured returns how many changes this process has committed events for.
func (t *Tracker) Captured() uint64 {
	return t.captured.Load()
}

// Create writes a new row and captures a CREATE event.
func (t *Tracker) Create(table, recordID string, data map[string]any) (*types.ChangeEvent, error) {
	return t.Capture(types.OperationCreate, table, recordID, data, nil, types.DefaultPriority)
}

// Update writes a row and captures an UPDATE event carrying the prior
// values for conflict forensics.
func (t *Tracker) Update(table, recordID string, data, before map[string]any) (*types.ChangeEvent, error) {
	return t.Capture(types.OperationUpdate, table, recordID, data, before, types.DefaultPriority)
}

// Delete removes a row and captures a DELETE event.
func (t *Tracker) Delete(table, recordID string, before map[string]any) (*types.ChangeEvent, error) {
	return t.Capture(types.OperationDelete, table, recordID, nil, before, types.DefaultPriority)
}

// Capture performs a mutation with an explicit priority. It returns the
// captured event, or (nil, nil) when the table is excluded, tracking is
// disabled, or the change had to be queued because the store is offline.
func (t *Tracker) Capture(op types.Operation, table, recordID string, data, before map[string]any, priority int) (*types.ChangeEvent, error) {
	if table == "" || recordID == "" {
		return nil, fmt.Errorf("capture needs a table and record id")
	}
	if priority < 0 || priority > 9 {
		return nil, fmt.Errorf("priority %d out of range 0-9", priority)
	}

	if t.IsExcluded(table) || !t.enabled.Load() {
		return nil, t.writeRaw(op, table, recordID, data)
	}

	ch := pendingChange{op: op, table: table, recordID: recordID, data: data, before: before, priority: priority}
	ev, err := t.commit(ch)
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		t.enqueue(ch)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.broker.Publish(&events.Event{
		Type:    events.EventChangeCaptured,
		NodeID:  ev.SourceNodeID,
		Message: ev.Key(),
		Metadata: map[string]string{
			"event_id":  ev.EventID,
			"operation": string(ev.Operation),
		},
	})
	return ev, nil
}

// writeRaw performs the business write with no event.
func (t *Tracker) writeRaw(op types.Operation, table, recordID string, data map[string]any) error {
	if op == types.OperationDelete {
		return t.store.DeleteRow(table, recordID)
	}
	return t.store.UpsertRow(table, recordID, data)
}

// commit builds the event inside the clock's commit callback so the clock
// only advances when the combined transaction lands.
func (t *Tracker) commit(ch pendingChange) (*types.ChangeEvent, error) {
	checksum, err := clock.Checksum(ch.data)
	if err != nil {
		return nil, fmt.Errorf("checksum change data: %w", err)
	}

	var ev *types.ChangeEvent
	_, _, err = t.clock.Tick(func(state types.ClockState) error {
		ev = &types.ChangeEvent{
			EventID:      uuid.NewString(),
			SourceNodeID: state.NodeID,
			TableName:    ch.table,
			RecordID:     ch.recordID,
			Operation:    ch.op,
			ChangeData:   ch.data,
			BeforeData:   ch.before,
			VectorClock:  state.VectorClock,
			LamportClock: state.LamportClock,
			Checksum:     checksum,
			Priority:     ch.priority,
			Metadata: types.EventMetadata{
				Timestamp:           time.Now().UTC(),
				NodeVersion:         t.nodeVersion,
				RegistrationKeyHash: t.security.OwnKeyHash(),
			},
		}
		if sig, ok := t.security.SignEventID(ev.EventID); ok {
			ev.Signature = sig
		}
		return t.store.CommitLocalChange(ev, state)
	})
	if err != nil {
		return nil, err
	}

	t.captured.Add(1)
	t.logger.Debug().
		Str("event_id", ev.EventID).
		Str("table", ev.TableName).
		Str("record", ev.RecordID).
		Str("operation", string(ev.Operation)).
		Uint64("lamport", ev.LamportClock).
		Msg("change captured")
	return ev, nil
}

func (t *Tracker) enqueue(ch pendingChange) {
	t.mu.Lock()
	dropped, overflowed := t.queue.push(ch)
	depth := t.queue.len()
	t.mu.Unlock()

	t.logger.Warn().
		Str("table", ch.table).
		Str("record", ch.recordID).
		Int("queued", depth).
		Msg("store offline, change queued")

	if overflowed {
		t.logger.Warn().
			Str("table", dropped.table).
			Str("record", dropped.recordID).
			Msg("offline queue full, dropped oldest change")
		t.security.Audit(types.AuditQueueOverflow, t.clock.NodeID(), "",
			fmt.Sprintf("dropped %s %s/%s", dropped.op, dropped.table, dropped.recordID))
	}
}

// Flush replays queued changes in arrival order. If the store is still
// offline the unreplayed remainder goes back on the queue. Returns how many
// changes were committed.
func (t *Tracker) Flush() (int, error) {
	t.mu.Lock()
	pending := t.queue.drain()
	t.mu.Unlock()
	if len(pending) == 0 {
		return 0, nil
	}

	flushed := 0
	for i, ch := range pending {
		ev, err := t.commit(ch)
		if err != nil {
			t.mu.Lock()
			for _, rest := range pending[i:] {
				t.queue.push(rest)
			}
			t.mu.Unlock()
			if errors.Is(err, bolt.ErrDatabaseNotOpen) {
				return flushed, nil
			}
			return flushed, fmt.Errorf("flush queued change for %s/%s: %w", ch.table, ch.recordID, err)
		}
		flushed++
		t.broker.Publish(&events.Event{
			Type:    events.EventChangeCaptured,
			NodeID:  ev.SourceNodeID,
			Message: ev.Key(),
			Metadata: map[string]string{
				"event_id":  ev.EventID,
				"operation": string(ev.Operation),
				"replayed":  "true",
			},
		})
	}
	if flushed > 0 {
		t.logger.Info().Int("count", flushed).Msg("offline queue flushed")
	}
	return flushed, nil
}
