package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/dukahub/dukasync/pkg/clock"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

// settleOutcome is what became of one remote event.
type settleOutcome int

const (
	// outcomeApplied: business row mutated (plain apply or conflict win).
	outcomeApplied settleOutcome = iota
	// outcomeSkipped: settled without new row state. Own events, known
	// duplicates, stale history, conflict losers, previously quarantined.
	outcomeSkipped
	// outcomeQuarantined: failed integrity this pass. The watermark pins
	// below the event; the quarantine set skips it on later passes.
	outcomeQuarantined
	// outcomeFailed: transient store failure. The watermark pins so the
	// next cycle retries.
	outcomeFailed
)

// batchResult summarizes one settle pass over a pulled or pushed batch.
type batchResult struct {
	settled     []string // event ids to ack back to the sender
	watermark   uint64   // contiguous settled watermark after the pass
	pinned      bool     // an unsettled event holds the watermark back
	applied     int
	skipped     int
	quarantined int
	failed      int
	conflicts   int
}

// settleBatch runs the apply pass over a batch of remote events. The
// watermark advances per settled event in order and stops at the first
// event that could not be settled; pinned carries that stop across batches
// of the same cycle. Snapshot application takes the write side of applyMu,
// so incremental applies pause while a bulk import is in flight.
func (e *Engine) settleBatch(peerID string, batch []*types.ChangeEvent, watermark uint64, pinned bool) batchResult {
	e.applyMu.RLock()
	defer e.applyMu.RUnlock()

	evs := make([]*types.ChangeEvent, 0, len(batch))
	for _, ev := range batch {
		if ev != nil && ev.EventID != "" {
			evs = append(evs, ev)
		}
	}
	sortEvents(evs)

	res := batchResult{watermark: watermark, pinned: pinned}
	for _, ev := range evs {
		outcome, conflicted := e.settleOne(peerID, ev)
		switch outcome {
		case outcomeApplied, outcomeSkipped:
			res.settled = append(res.settled, ev.EventID)
			if !res.pinned && ev.LamportClock > res.watermark {
				res.watermark = ev.LamportClock
			}
			if outcome == outcomeApplied {
				res.applied++
			} else {
				res.skipped++
			}
		case outcomeQuarantined:
			res.quarantined++
			res.pinned = true
		case outcomeFailed:
			res.failed++
			res.pinned = true
		}
		if conflicted {
			res.conflicts++
		}
	}
	return res
}

// settleOne settles a single remote event: dedupe, integrity, conflict
// verdict, then one store transaction carrying the row mutations, the
// processed receipt, the conflict row, and the merged clock state.
func (e *Engine) settleOne(peerID string, ev *types.ChangeEvent) (settleOutcome, bool) {
	if ev.SourceNodeID == e.cfg.SelfID {
		return outcomeSkipped, false
	}

	quarantined, err := e.store.IsQuarantined(ev.EventID)
	if err != nil {
		e.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("quarantine lookup failed")
		return outcomeFailed, false
	}
	if quarantined {
		// Settled by rejection: the watermark passes it from here on.
		return outcomeSkipped, false
	}

	processed, err := e.store.IsProcessed(ev.EventID, e.cfg.SelfID)
	if err != nil {
		e.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("receipt lookup failed")
		return outcomeFailed, false
	}
	if processed {
		return outcomeSkipped, false
	}

	if reason, ok := e.verifyIntegrity(ev); !ok {
		return e.quarantine(peerID, ev, reason), false
	}

	known, err := e.store.EventsForRecord(ev.TableName, ev.RecordID)
	if err != nil {
		e.logger.Warn().Err(err).Str("record", ev.Key()).Msg("record history lookup failed")
		return outcomeFailed, false
	}
	owner := recordOwner(known)
	dec, conflict := decide(ev, owner)

	plan := storage.RemoteApply{
		Event:     ev,
		Mutations: planMutations(dec, conflict, ev, owner),
		Receipt: &types.EventReceipt{
			EventID:       ev.EventID,
			ReceiverID:    e.cfg.SelfID,
			ProcessedAt:   time.Now().UTC(),
			LamportAtPull: ev.LamportClock,
		},
		Conflict: conflict,
	}

	_, _, err = e.clock.Merge(ev.VectorClock, ev.LamportClock, func(state types.ClockState) error {
		plan.ClockState = &state
		return e.store.ApplyRemoteChange(plan)
	})
	if err != nil {
		e.logger.Warn().Err(err).
			Str("event_id", ev.EventID).
			Str("record", ev.Key()).
			Msg("remote apply failed, will retry next cycle")
		return outcomeFailed, false
	}

	e.logger.Debug().
		Str("event_id", ev.EventID).
		Str("record", ev.Key()).
		Str("operation", string(ev.Operation)).
		Str("verdict", dec.String()).
		Uint64("lamport", ev.LamportClock).
		Msg("remote event settled")

	if conflict != nil {
		e.counters.conflicts.Add(1)
		e.logger.Info().
			Str("type", string(conflict.Type)).
			Str("record", ev.Key()).
			Str("winner", conflict.WinnerNodeID).
			Str("loser", conflict.LoserNodeID).
			Msg("conflict resolved")
		e.broker.Publish(&events.Event{
			Type:    events.EventConflictResolved,
			NodeID:  conflict.WinnerNodeID,
			Message: ev.Key(),
			Metadata: map[string]string{
				"conflict_type": string(conflict.Type),
				"winner_event":  conflict.WinnerEventID,
				"loser_event":   conflict.LoserEventID,
			},
		})
	}

	switch dec {
	case decideApply, decideWinner:
		e.counters.applied.Add(1)
		e.broker.Publish(&events.Event{
			Type:    events.EventChangeApplied,
			NodeID:  ev.SourceNodeID,
			Message: ev.Key(),
			Metadata: map[string]string{
				"event_id":  ev.EventID,
				"operation": string(ev.Operation),
				"peer":      peerID,
			},
		})
		return outcomeApplied, conflict != nil
	default:
		e.counters.skipped.Add(1)
		return outcomeSkipped, conflict != nil
	}
}

// verifyIntegrity runs the checks that make an event trustworthy: payload
// checksum, source registration-key hash, and (when the source's public key
// is known) the event signature.
func (e *Engine) verifyIntegrity(ev *types.ChangeEvent) (string, bool) {
	ok, err := clock.VerifyChecksum(ev.ChangeData, ev.Checksum)
	if err != nil {
		return fmt.Sprintf("checksum unverifiable: %v", err), false
	}
	if !ok {
		return "checksum mismatch", false
	}

	if !e.security.VerifyPeerKeyHash(ev.SourceNodeID, ev.Metadata.RegistrationKeyHash) {
		return "registration key hash mismatch", false
	}

	if ev.Signature != "" {
		if node, err := e.store.GetNode(ev.SourceNodeID); err == nil && node.PublicKey != "" {
			if !security.VerifyEventSignature(node.PublicKey, ev.EventID, ev.Signature) {
				return "event signature invalid", false
			}
		}
	}
	return "", true
}

// quarantine permanently rejects an event. The event never enters the log
// and its clocks are never merged; a tampered Lamport value must not drag
// ours forward.
func (e *Engine) quarantine(peerID string, ev *types.ChangeEvent, reason string) settleOutcome {
	err := e.store.QuarantineEvent(&storage.QuarantinedEvent{
		Event:         ev,
		Reason:        reason,
		QuarantinedAt: time.Now().UTC(),
		SourcePeerID:  peerID,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("quarantine write failed")
		return outcomeFailed
	}

	e.counters.quarantined.Add(1)
	e.security.Audit(types.AuditEventQuarantined, ev.SourceNodeID, "",
		fmt.Sprintf("event %s via peer %s: %s", ev.EventID, peerID, reason))
	e.logger.Warn().
		Str("event_id", ev.EventID).
		Str("record", ev.Key()).
		Str("peer", peerID).
		Str("reason", reason).
		Msg("event quarantined")
	e.broker.Publish(&events.Event{
		Type:    events.EventChangeQuarantined,
		NodeID:  ev.SourceNodeID,
		Message: reason,
		Metadata: map[string]string{
			"event_id": ev.EventID,
			"peer":     peerID,
		},
	})
	return outcomeQuarantined
}

// planMutations translates a verdict into business-row writes.
func planMutations(dec decision, conflict *types.ConflictResolution, incoming, owner *types.ChangeEvent) []storage.RowMutation {
	switch dec {
	case decideApply:
		return opMutations(incoming)
	case decideWinner:
		if conflict != nil && conflict.Type == types.ConflictCreateCreate && owner != nil {
			// The incoming create takes the record id; the prior create
			// moves to its derived id so no data is lost.
			return []storage.RowMutation{
				{Table: incoming.TableName, RecordID: incoming.RecordID, Data: incoming.ChangeData},
				{Table: owner.TableName, RecordID: conflict.DerivedRecordID, Data: owner.ChangeData},
			}
		}
		return opMutations(incoming)
	case decideLoser:
		if conflict != nil && conflict.Type == types.ConflictCreateCreate {
			return []storage.RowMutation{
				{Table: incoming.TableName, RecordID: conflict.DerivedRecordID, Data: incoming.ChangeData},
			}
		}
		return nil
	default:
		return nil
	}
}

func opMutations(ev *types.ChangeEvent) []storage.RowMutation {
	if ev.Operation == types.OperationDelete {
		return []storage.RowMutation{{Table: ev.TableName, RecordID: ev.RecordID, Delete: true}}
	}
	return []storage.RowMutation{{Table: ev.TableName, RecordID: ev.RecordID, Data: ev.ChangeData}}
}

// sortEvents puts a batch into delivery order: Lamport ascending, higher
// priority first within one Lamport value, event id as the final tiebreak.
// Peers send batches ordered already; local sorting keeps the watermark
// arithmetic honest against a misbehaving sender.
func sortEvents(evs []*types.ChangeEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if a.LamportClock != b.LamportClock {
			return a.LamportClock < b.LamportClock
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EventID < b.EventID
	})
}
