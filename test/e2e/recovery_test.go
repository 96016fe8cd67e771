package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukahub/dukasync/pkg/types"
	"github.com/dukahub/dukasync/test/framework"
)

// TestBulkSnapshotRecovery seeds a donor with a realistic dataset and has
// an empty joiner pull a full snapshot instead of replaying the event log.
// The joiner must end with the donor's rows table for table, a fast
// forwarded clock, a COMPLETE recovery session, and no duplicates once
// incremental sync resumes.
func TestBulkSnapshotRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping scenario test in short mode")
	}
	ctx := context.Background()

	donor := framework.NewNode(t, framework.NodeConfig{Name: "till-donor"})
	joiner := framework.NewNode(t, framework.NodeConfig{Name: "till-joiner"})
	require.NoError(t, donor.Start(ctx))

	tables := []string{"businesses", "employees", "payroll", "inventory", "expenses"}
	const perTable = 40
	for _, table := range tables {
		for i := 0; i < perTable; i++ {
			donor.Create(t, table, recordID(table, i), map[string]any{
				"table": table,
				"seq":   recordID(table, i),
			})
		}
	}

	require.NoError(t, joiner.Start(ctx))
	now := time.Now()
	donor.Observe(joiner, now)
	joiner.Observe(donor, now)

	require.NoError(t, joiner.Recovery.Recover(ctx, donor.ID, "initial join"))

	for _, table := range tables {
		count, err := joiner.Store.CountRows(table)
		require.NoError(t, err)
		require.Equal(t, perTable, count, "table %s after snapshot", table)
		framework.RequireConverged(t, table, donor, joiner)
	}

	donorVC, _ := donor.Clock.Snapshot()
	joinerVC, _ := joiner.Clock.Snapshot()
	require.Equal(t, donorVC.Get(donor.ID), joinerVC.Get(donor.ID), "joiner clock fast forward")

	sessions, err := joiner.Store.ListRecoverySessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, types.RecoveryPhaseComplete, sessions[0].Phase)
	require.Equal(t, donor.ID, sessions[0].DonorNodeID)

	stats, err := joiner.Store.GetRecoveryStats()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Successful)
	require.EqualValues(t, 0, stats.Failed)

	// Incremental sync takes over where the snapshot left off: a fresh
	// change arrives exactly once.
	donor.Create(t, "inventory", "post-join", map[string]any{"table": "inventory", "seq": "post-join"})
	w := framework.DefaultWaiter()
	require.NoError(t, w.WaitForRow(ctx, joiner, "inventory", "post-join"))
	require.NoError(t, w.WaitForRowCount(ctx, joiner, "inventory", perTable+1))
}

func recordID(table string, i int) string {
	return fmt.Sprintf("%s-%02d", table, i)
}
