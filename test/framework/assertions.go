package framework

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dukahub/dukasync/pkg/types"
)

// RequireRowValue asserts one field of a business row on a node.
func RequireRowValue(t testing.TB, n *Node, table, recordID, field string, want any) {
	t.Helper()
	data, ok := n.Row(t, table, recordID)
	require.True(t, ok, "row %s/%s missing on %s", table, recordID, n.Name)
	require.Equal(t, want, data[field], "row %s/%s on %s, field %s", table, recordID, n.Name, field)
}

// RequireNoRow asserts a business row is absent on a node.
func RequireNoRow(t testing.TB, n *Node, table, recordID string) {
	t.Helper()
	_, ok := n.Row(t, table, recordID)
	require.False(t, ok, "row %s/%s unexpectedly present on %s", table, recordID, n.Name)
}

// RequireConverged asserts that every node holds an identical copy of a
// table, row for row.
func RequireConverged(t testing.TB, table string, nodes ...*Node) {
	t.Helper()
	require.NotEmpty(t, nodes)
	want, err := nodes[0].Store.ListRows(table)
	require.NoError(t, err)
	for _, n := range nodes[1:] {
		got, err := n.Store.ListRows(table)
		require.NoError(t, err)
		require.Equal(t, want, got, "table %s diverges between %s and %s", table, nodes[0].Name, n.Name)
	}
}

// CountAudit returns how many audit entries of the given type a node has
// written.
func CountAudit(n *Node, entryType types.AuditEventType) int {
	entries, err := n.Store.ListAudit(0)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if e.Type == entryType {
			count++
		}
	}
	return count
}

// OpenPartitionWith returns the node's unresolved partition record naming
// the peer, nil when there is none.
func OpenPartitionWith(n *Node, peerID string) *types.PartitionRecord {
	recs, err := n.Store.ListPartitions(true)
	if err != nil {
		return nil
	}
	for _, rec := range recs {
		for _, p := range rec.Peers {
			if p == peerID {
				return rec
			}
		}
	}
	return nil
}

// SessionCount returns how many peer sessions a node has persisted.
func SessionCount(t testing.TB, n *Node) int {
	t.Helper()
	sessions, err := n.Store.ListSessions()
	require.NoError(t, err)
	return len(sessions)
}
