package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukahub/dukasync/pkg/types"
)

// decision classifies an incoming remote event against the event that
// currently defines the record locally.
type decision int

const (
	// decideApply: the incoming event is causally after everything known.
	decideApply decision = iota
	// decideStale: the incoming event is dominated by (or equal to) known
	// history. Settled without touching the business row.
	decideStale
	// decideWinner: concurrent with known history and the resolver picked
	// the incoming event.
	decideWinner
	// decideLoser: concurrent with known history and the resolver picked
	// the local side.
	decideLoser
)

func (d decision) String() string {
	switch d {
	case decideApply:
		return "apply"
	case decideStale:
		return "stale"
	case decideWinner:
		return "conflict-winner"
	case decideLoser:
		return "conflict-loser"
	default:
		return "unknown"
	}
}

// derivedIDLen is how much of the losing event id survives in the derived
// record id of a create-create loser.
const derivedIDLen = 8

// derivedRecordID names the row a create-create loser is materialized
// under. Deterministic, so every node derives the same id.
func derivedRecordID(recordID, loserEventID string) string {
	suffix := loserEventID
	if len(suffix) > derivedIDLen {
		suffix = suffix[:derivedIDLen]
	}
	return recordID + "~" + suffix
}

// recordOwner folds the known events on a record into the single event that
// currently defines its state. Events must be in Lamport order; the fold is
// deterministic, so every node that holds the same event set picks the same
// owner.
func recordOwner(known []*types.ChangeEvent) *types.ChangeEvent {
	var owner *types.ChangeEvent
	for _, ev := range known {
		if owner == nil {
			owner = ev
			continue
		}
		switch ev.VectorClock.Compare(owner.VectorClock) {
		case types.OrderingAfter:
			owner = ev
		case types.OrderingBefore, types.OrderingEqual:
		default:
			if winner, _ := resolveConcurrent(ev, owner); winner == ev {
				owner = ev
			}
		}
	}
	return owner
}

// decide compares an incoming event against the record's owning event and
// returns the verdict plus, for concurrent pairs, the conflict audit row.
// The verdict is a pure function of the two events, so independent nodes
// converge on the same outcome regardless of delivery order.
func decide(incoming, owner *types.ChangeEvent) (decision, *types.ConflictResolution) {
	if owner == nil {
		return decideApply, nil
	}
	switch incoming.VectorClock.Compare(owner.VectorClock) {
	case types.OrderingAfter:
		return decideApply, nil
	case types.OrderingBefore, types.OrderingEqual:
		return decideStale, nil
	}

	winner, typ := resolveConcurrent(incoming, owner)
	loser := owner
	if winner != incoming {
		loser = incoming
	}
	res := &types.ConflictResolution{
		ID:            uuid.NewString(),
		TableName:     incoming.TableName,
		RecordID:      incoming.RecordID,
		Type:          typ,
		WinnerEventID: winner.EventID,
		LoserEventID:  loser.EventID,
		WinnerNodeID:  winner.SourceNodeID,
		LoserNodeID:   loser.SourceNodeID,
		ResolvedAt:    time.Now().UTC(),
	}
	if typ == types.ConflictCreateCreate {
		res.DerivedRecordID = derivedRecordID(incoming.RecordID, loser.EventID)
	}
	if winner == incoming {
		return decideWinner, res
	}
	return decideLoser, res
}

// resolveConcurrent picks the winner of two concurrent events on one
// record. Rules, in order: create-create goes to the lower source node id;
// a delete beats any concurrent non-delete; everything else is
// last-writer-wins by Lamport clock.
func resolveConcurrent(a, b *types.ChangeEvent) (*types.ChangeEvent, types.ConflictType) {
	aCreate := a.Operation == types.OperationCreate
	bCreate := b.Operation == types.OperationCreate
	if aCreate && bCreate {
		if a.SourceNodeID < b.SourceNodeID {
			return a, types.ConflictCreateCreate
		}
		return b, types.ConflictCreateCreate
	}

	aDelete := a.Operation == types.OperationDelete
	bDelete := b.Operation == types.OperationDelete
	if aDelete != bDelete {
		if aDelete {
			return a, types.ConflictDeleteUpdate
		}
		return b, types.ConflictDeleteUpdate
	}

	return lastWriter(a, b), types.ConflictUpdateUpdate
}

// lastWriter picks the higher Lamport clock; ties go to the
// lexicographically lower source node id, matching the create-create rule.
func lastWriter(a, b *types.ChangeEvent) *types.ChangeEvent {
	if a.LamportClock != b.LamportClock {
		if a.LamportClock > b.LamportClock {
			return a
		}
		return b
	}
	if a.SourceNodeID < b.SourceNodeID {
		return a
	}
	return b
}
