package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dukahub/dukasync/pkg/types"
)

// eventLogKey orders the log by Lamport clock; the event id suffix keeps
// keys from different sources at the same Lamport value distinct.
func eventLogKey(lamport uint64, eventID string) []byte {
	return []byte(fmt.Sprintf("%020d:%s", lamport, eventID))
}

func lamportFromKey(key []byte) uint64 {
	if len(key) < 20 {
		return 0
	}
	v, _ := strconv.ParseUint(string(key[:20]), 10, 64)
	return v
}

func recordIndexKey(table, recordID string, logKey []byte) []byte {
	k := make([]byte, 0, len(table)+len(recordID)+len(logKey)+2)
	k = append(k, table...)
	k = append(k, 0)
	k = append(k, recordID...)
	k = append(k, 0)
	return append(k, logKey...)
}

func receiptKey(eventID, receiverID string) []byte {
	k := make([]byte, 0, len(eventID)+len(receiverID)+1)
	k = append(k, eventID...)
	k = append(k, 0)
	return append(k, receiverID...)
}

// appendEventTx writes an event into the log and its indexes. Appending an
// already-known event is a no-op, which makes remote re-delivery harmless.
func appendEventTx(tx *bolt.Tx, ev *types.ChangeEvent) error {
	events := tx.Bucket(bucketEvents)
	ids := events.Bucket(subByID)
	if ids.Get([]byte(ev.EventID)) != nil {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.EventID, err)
	}
	logKey := eventLogKey(ev.LamportClock, ev.EventID)
	if err := events.Bucket(subLog).Put(logKey, data); err != nil {
		return err
	}
	if err := ids.Put([]byte(ev.EventID), logKey); err != nil {
		return err
	}
	return events.Bucket(subByRecord).Put(recordIndexKey(ev.TableName, ev.RecordID, logKey), logKey)
}

func putReceiptTx(tx *bolt.Tx, r *types.EventReceipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketEvents).Bucket(subReceipts).Put(receiptKey(r.EventID, r.ReceiverID), data)
}

func (s *BoltStore) GetEvent(eventID string) (*types.ChangeEvent, error) {
	var ev types.ChangeEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		logKey := events.Bucket(subByID).Get([]byte(eventID))
		if logKey == nil {
			return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		data := events.Bucket(subLog).Get(logKey)
		if data == nil {
			return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// EventsSince returns up to limit events with lamportClock > since, in
// delivery order: ascending Lamport, and within one Lamport value higher
// priority first. The second return reports whether more events remain.
func (s *BoltStore) EventsSince(since uint64, limit int) ([]*types.ChangeEvent, bool, error) {
	var out []*types.ChangeEvent
	var hasMore bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Bucket(subLog).Cursor()
		seek := []byte(fmt.Sprintf("%020d", since+1))
		for k, v := c.Seek(seek); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				hasMore = true
				return nil
			}
			var ev types.ChangeEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	sortBatch(out)
	return out, hasMore, nil
}

// sortBatch fixes delivery order: Lamport ascending; equal-Lamport events
// (necessarily from different sources) go higher priority first, with the
// event id as the final deterministic tie-break.
func sortBatch(events []*types.ChangeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.LamportClock != b.LamportClock {
			return a.LamportClock < b.LamportClock
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EventID < b.EventID
	})
}

// EventsForRecord returns every known event touching one record, in
// Lamport order. The engine uses this for concurrency lookups.
func (s *BoltStore) EventsForRecord(table, recordID string) ([]*types.ChangeEvent, error) {
	var out []*types.ChangeEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		logs := events.Bucket(subLog)
		c := events.Bucket(subByRecord).Cursor()
		prefix := recordIndexKey(table, recordID, nil)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := logs.Get(v)
			if data == nil {
				continue // pruned event, stale index entry
			}
			var ev types.ChangeEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
		}
		return nil
	})
	return out, err
}

// LatestEvents returns the n most recent events by Lamport order, oldest
// first. Used to build consistency digests.
func (s *BoltStore) LatestEvents(n int) ([]*types.ChangeEvent, error) {
	var out []*types.ChangeEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Bucket(subLog).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var ev types.ChangeEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// reverse into ascending order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *BoltStore) CountEvents() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEvents).Bucket(subLog).Stats().KeyN
		return nil
	})
	return n, err
}

// MaxLamport returns the highest Lamport value in the log.
func (s *BoltStore) MaxLamport() (uint64, error) {
	var max uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Bucket(subLog).Cursor()
		if k, _ := c.Last(); k != nil {
			max = lamportFromKey(k)
		}
		return nil
	})
	return max, err
}

func (s *BoltStore) MarkProcessed(receipt *types.EventReceipt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putReceiptTx(tx, receipt)
	})
}

func (s *BoltStore) IsProcessed(eventID, receiverID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketEvents).Bucket(subReceipts).Get(receiptKey(eventID, receiverID)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) ReceiptsForEvent(eventID string) ([]*types.EventReceipt, error) {
	var out []*types.EventReceipt
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Bucket(subReceipts).Cursor()
		prefix := receiptKey(eventID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.EventReceipt
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// QuarantineEvent stores a rejected event outside the log. Quarantined
// events are never applied, never served to peers, and never enter digest
// windows.
func (s *BoltStore) QuarantineEvent(q *QuarantinedEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).Bucket(subQuarantine).Put([]byte(q.Event.EventID), data)
	})
}

func (s *BoltStore) IsQuarantined(eventID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketEvents).Bucket(subQuarantine).Get([]byte(eventID)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) ListQuarantined() ([]*QuarantinedEvent, error) {
	var out []*QuarantinedEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Bucket(subQuarantine).ForEach(func(k, v []byte) error {
			var q QuarantinedEvent
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			out = append(out, &q)
			return nil
		})
	})
	return out, err
}

// PruneEvents deletes events that every node in ackedBy (other than the
// event's own source) holds a receipt for, plus any event older than
// olderThan regardless of acks. Returns the number deleted.
func (s *BoltStore) PruneEvents(ackedBy []string, olderThan time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		logs := events.Bucket(subLog)
		ids := events.Bucket(subByID)
		records := events.Bucket(subByRecord)
		receipts := events.Bucket(subReceipts)

		type victim struct {
			logKey []byte
			ev     types.ChangeEvent
		}
		var victims []victim

		err := logs.ForEach(func(k, v []byte) error {
			var ev types.ChangeEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if !ev.Metadata.Timestamp.IsZero() && ev.Metadata.Timestamp.Before(olderThan) {
				victims = append(victims, victim{logKey: append([]byte(nil), k...), ev: ev})
				return nil
			}
			var required int
			for _, nodeID := range ackedBy {
				if nodeID == ev.SourceNodeID {
					continue
				}
				required++
				if receipts.Get(receiptKey(ev.EventID, nodeID)) == nil {
					return nil // someone still needs it
				}
			}
			if required == 0 {
				return nil // nobody to ack yet; only the age cap applies
			}
			victims = append(victims, victim{logKey: append([]byte(nil), k...), ev: ev})
			return nil
		})
		if err != nil {
			return err
		}

		for _, v := range victims {
			if err := logs.Delete(v.logKey); err != nil {
				return err
			}
			if err := ids.Delete([]byte(v.ev.EventID)); err != nil {
				return err
			}
			if err := records.Delete(recordIndexKey(v.ev.TableName, v.ev.RecordID, v.logKey)); err != nil {
				return err
			}
			c := receipts.Cursor()
			prefix := receiptKey(v.ev.EventID, "")
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := receipts.Delete(k); err != nil {
					return err
				}
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}
