package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dukahub/dukasync/pkg/types"
)

// --- Clock state and configuration ---

func (s *BoltStore) SaveClockState(state types.ClockState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putClockStateTx(tx, state)
	})
}

func (s *BoltStore) GetClockState(nodeID string) (*types.ClockState, error) {
	var state types.ClockState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte(cfgClockPrefix + nodeID))
		if data == nil {
			return fmt.Errorf("clock state for %s: %w", nodeID, ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) SaveKeyRotation(rot *types.KeyRotation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rot)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfig).Put([]byte(cfgRotationKey), data)
	})
}

func (s *BoltStore) GetKeyRotation() (*types.KeyRotation, error) {
	var rot types.KeyRotation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte(cfgRotationKey))
		if data == nil {
			return fmt.Errorf("key rotation state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &rot)
	})
	if err != nil {
		return nil, err
	}
	return &rot, nil
}

// SaveNodeSecret stores local-only key material (e.g. the signing seed)
// under sync_configurations. Secrets never leave the node.
func (s *BoltStore) SaveNodeSecret(name string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte("secret/"+name), value)
	})
}

func (s *BoltStore) GetNodeSecret(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte("secret/" + name))
		if data == nil {
			return fmt.Errorf("secret %s: %w", name, ErrNotFound)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SavePeerSyncState(state *types.PeerSyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfig).Put([]byte(cfgPeerPrefix+state.PeerNodeID), data)
	})
}

func (s *BoltStore) GetPeerSyncState(peerID string) (*types.PeerSyncState, error) {
	var state types.PeerSyncState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte(cfgPeerPrefix + peerID))
		if data == nil {
			return fmt.Errorf("peer sync state for %s: %w", peerID, ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) ListPeerSyncStates() ([]*types.PeerSyncState, error) {
	var out []*types.PeerSyncState
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConfig).Cursor()
		prefix := []byte(cfgPeerPrefix)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var state types.PeerSyncState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			out = append(out, &state)
		}
		return nil
	})
	return out, err
}

// --- Sessions ---

func (s *BoltStore) SaveSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(session.SessionID), data)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) GetSessionByPeer(peerID string) (*types.Session, error) {
	var found *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.PeerNodeID == peerID {
				if found == nil || session.EstablishedAt.After(found.EstablishedAt) {
					found = &session
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("session for peer %s: %w", peerID, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// DeleteExpiredSessions removes sessions past either deadline. Returns the
// number removed.
func (s *BoltStore) DeleteExpiredSessions(now time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var victims [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.Expired(now) {
				victims = append(victims, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// --- Conflicts ---

func (s *BoltStore) SaveConflict(res *types.ConflictResolution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConflicts).Put([]byte(res.ID), data)
	})
}

func (s *BoltStore) ListConflicts(limit int) ([]*types.ConflictResolution, error) {
	var out []*types.ConflictResolution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var res types.ConflictResolution
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			out = append(out, &res)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CountConflicts() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketConflicts).Stats().KeyN
		return nil
	})
	return n, err
}

// --- Partitions ---

func (s *BoltStore) SavePartition(rec *types.PartitionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPartitions).Put([]byte(rec.PartitionID), data)
	})
}

func (s *BoltStore) GetPartition(id string) (*types.PartitionRecord, error) {
	var rec types.PartitionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPartitions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("partition %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListPartitions(openOnly bool) ([]*types.PartitionRecord, error) {
	var out []*types.PartitionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			var rec types.PartitionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if openOnly && rec.Status == types.PartitionStatusResolved {
				return nil
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// --- Recovery sessions and stats ---

const recoveryStatsKey = "stats"

func (s *BoltStore) SaveRecoverySession(rs *types.RecoverySession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rs)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecovery).Put([]byte("session/"+rs.SessionID), data)
	})
}

func (s *BoltStore) GetRecoverySession(id string) (*types.RecoverySession, error) {
	var rs types.RecoverySession
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecovery).Get([]byte("session/" + id))
		if data == nil {
			return fmt.Errorf("recovery session %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rs)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *BoltStore) ListRecoverySessions() ([]*types.RecoverySession, error) {
	var out []*types.RecoverySession
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecovery).Cursor()
		prefix := []byte("session/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rs types.RecoverySession
			if err := json.Unmarshal(v, &rs); err != nil {
				return err
			}
			out = append(out, &rs)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveRecoveryStats(stats *types.RecoveryStats) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecovery).Put([]byte(recoveryStatsKey), data)
	})
}

func (s *BoltStore) GetRecoveryStats() (*types.RecoveryStats, error) {
	stats := &types.RecoveryStats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecovery).Get([]byte(recoveryStatsKey))
		if data == nil {
			return nil // zero stats before any recovery
		}
		return json.Unmarshal(data, stats)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// --- Audit ---

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := entry.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + entry.ID
		return tx.Bucket(bucketAudit).Put([]byte(key), data)
	})
}

// ListAudit returns the most recent entries, newest first.
func (s *BoltStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	var out []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, &entry)
		}
		return nil
	})
	return out, err
}

// --- Metrics snapshots ---

func (s *BoltStore) SaveMetricsSnapshot(snap *types.MetricsSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		key := "snap/" + snap.Timestamp.UTC().Format(time.RFC3339Nano)
		return tx.Bucket(bucketMetrics).Put([]byte(key), data)
	})
}

func (s *BoltStore) LatestMetricsSnapshot() (*types.MetricsSnapshot, error) {
	var snap types.MetricsSnapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()
		if k, v := c.Last(); k != nil && bytes.HasPrefix(k, []byte("snap/")) {
			found = true
			return json.Unmarshal(v, &snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("metrics snapshot: %w", ErrNotFound)
	}
	return &snap, nil
}
