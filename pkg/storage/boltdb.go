package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dukahub/dukasync/pkg/types"
)

var (
	// Bucket names. The sync_* and related names are fixed for interop
	// with the application layer; business tables live as sub-buckets of
	// "tables".
	bucketNodes      = []byte("sync_nodes")
	bucketEvents     = []byte("sync_events")
	bucketSessions   = []byte("sync_sessions")
	bucketConfig     = []byte("sync_configurations")
	bucketConflicts  = []byte("conflict_resolutions")
	bucketPartitions = []byte("network_partitions")
	bucketMetrics    = []byte("sync_metrics")
	bucketAudit      = []byte("audit_logs")
	bucketRecovery   = []byte("recovery_sessions")
	bucketTables     = []byte("tables")

	// Sub-buckets of sync_events.
	subLog        = []byte("log")        // pad(lamport):eventId -> event
	subByID       = []byte("ids")        // eventId -> log key
	subByRecord   = []byte("records")    // table\x00recordId\x00logkey -> log key
	subReceipts   = []byte("receipts")   // eventId\x00receiverId -> receipt
	subQuarantine = []byte("quarantine") // eventId -> quarantined event
)

// Keys inside sync_configurations.
const (
	cfgClockPrefix = "clock/"
	cfgPeerPrefix  = "peer/"
	cfgRotationKey = "rotation"
)

// BoltStore implements Store on a single embedded BoltDB file.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (creating if needed) the database at path and ensures
// all buckets exist. Open blocks at most one second waiting for the file
// lock so the precheck loop can retry instead of hanging.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketEvents,
			bucketSessions,
			bucketConfig,
			bucketConflicts,
			bucketPartitions,
			bucketMetrics,
			bucketAudit,
			bucketRecovery,
			bucketTables,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		ev := tx.Bucket(bucketEvents)
		for _, sub := range [][]byte{subLog, subByID, subByRecord, subReceipts, subQuarantine} {
			if _, err := ev.CreateBucketIfNotExists(sub); err != nil {
				return fmt.Errorf("failed to create event sub-bucket %s: %w", sub, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

// Ping verifies the database answers a read transaction.
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConfig) == nil {
			return fmt.Errorf("store not initialized")
		}
		return nil
	})
}

// Path returns the database file location.
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Business tables ---

func tableBucket(tx *bolt.Tx, table string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketTables)
	if create {
		return root.CreateBucketIfNotExists([]byte(table))
	}
	b := root.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("table %s: %w", table, ErrNotFound)
	}
	return b, nil
}

func applyMutation(tx *bolt.Tx, m RowMutation) error {
	if m.Delete {
		b, err := tableBucket(tx, m.Table, false)
		if err != nil {
			return nil // deleting from a table that never existed is a no-op
		}
		return b.Delete([]byte(m.RecordID))
	}
	b, err := tableBucket(tx, m.Table, true)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal row %s/%s: %w", m.Table, m.RecordID, err)
	}
	return b.Put([]byte(m.RecordID), data)
}

func (s *BoltStore) UpsertRow(table, recordID string, data map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return applyMutation(tx, RowMutation{Table: table, RecordID: recordID, Data: data})
	})
}

func (s *BoltStore) GetRow(table, recordID string) (map[string]any, error) {
	var row map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, false)
		if err != nil {
			return err
		}
		data := b.Get([]byte(recordID))
		if data == nil {
			return fmt.Errorf("row %s/%s: %w", table, recordID, ErrNotFound)
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *BoltStore) DeleteRow(table, recordID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return applyMutation(tx, RowMutation{Table: table, RecordID: recordID, Delete: true})
	})
}

func (s *BoltStore) ListRows(table string) (map[string]map[string]any, error) {
	rows := make(map[string]map[string]any)
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, false)
		if err != nil {
			return nil // absent table reads as empty
		}
		return b.ForEach(func(k, v []byte) error {
			var row map[string]any
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows[string(k)] = row
			return nil
		})
	})
	return rows, err
}

func (s *BoltStore) ForEachRow(table string, fn func(recordID string, data map[string]any) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, false)
		if err != nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var row map[string]any
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			return fn(string(k), row)
		})
	})
}

func (s *BoltStore) ListTables() ([]string, error) {
	var tables []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				tables = append(tables, string(k))
			}
			return nil
		})
	})
	return tables, err
}

func (s *BoltStore) CountRows(table string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, false)
		if err != nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// --- Nodes ---

func (s *BoltStore) UpsertNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.NodeID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// --- Combined transactions ---

// CommitLocalChange performs the tracker's atomic capture: the business
// row write, the event append, and the clock state land in one transaction
// so captured events are exactly those whose writes committed.
func (s *BoltStore) CommitLocalChange(ev *types.ChangeEvent, state types.ClockState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		m := RowMutation{Table: ev.TableName, RecordID: ev.RecordID}
		switch ev.Operation {
		case types.OperationDelete:
			m.Delete = true
		default:
			m.Data = ev.ChangeData
		}
		if err := applyMutation(tx, m); err != nil {
			return err
		}
		if err := appendEventTx(tx, ev); err != nil {
			return err
		}
		return putClockStateTx(tx, state)
	})
}

// ApplyRemoteChange settles one verified remote event atomically: business
// mutations, the event append (idempotent), the local receipt, any conflict
// verdict, and the merged clock state.
func (s *BoltStore) ApplyRemoteChange(plan RemoteApply) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, m := range plan.Mutations {
			if err := applyMutation(tx, m); err != nil {
				return err
			}
		}
		if plan.Event != nil {
			if err := appendEventTx(tx, plan.Event); err != nil {
				return err
			}
		}
		if plan.Receipt != nil {
			if err := putReceiptTx(tx, plan.Receipt); err != nil {
				return err
			}
		}
		if plan.Conflict != nil {
			data, err := json.Marshal(plan.Conflict)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketConflicts).Put([]byte(plan.Conflict.ID), data); err != nil {
				return err
			}
		}
		if plan.ClockState != nil {
			return putClockStateTx(tx, *plan.ClockState)
		}
		return nil
	})
}

func putClockStateTx(tx *bolt.Tx, state types.ClockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConfig).Put([]byte(cfgClockPrefix+state.NodeID), data)
}
