package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dukahub/dukasync/pkg/types"
	"github.com/dukahub/dukasync/test/framework"
)

// TestPartitionDetectedAndHealed silences one till past the peer timeout,
// waits for the survivor to open a partition record, then lets the pair
// reconnect. Writes made during the split must replicate, and the record
// must resolve once both sides agree on content again.
func TestPartitionDetectedAndHealed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping scenario test in short mode")
	}
	ctx := context.Background()

	c := framework.NewCluster(t, 2, framework.NodeConfig{StartDetector: true})
	a, b := c.Nodes[0], c.Nodes[1]
	c.Start(ctx)
	c.Connect()

	w := framework.DefaultWaiter()
	a.Create(t, "expenses", "x1", map[string]any{"item": "rent", "amount": "300"})
	require.NoError(t, w.WaitForRow(ctx, b, "expenses", "x1"))

	c.Isolate(b)
	require.NoError(t, w.WaitForOpenPartition(ctx, a, b.ID))
	rec := framework.OpenPartitionWith(a, b.ID)
	require.NotNil(t, rec)
	require.Equal(t, types.PartitionReasonPeerTimeout, rec.Reason)

	// A write during the split stays local until the network returns.
	a.Create(t, "expenses", "x2", map[string]any{"item": "stock", "amount": "80"})

	c.Heal(b)
	require.NoError(t, w.WaitForRow(ctx, b, "expenses", "x2"))
	require.NoError(t, w.WaitForPartitionResolved(ctx, a, b.ID))
	framework.RequireConverged(t, "expenses", a, b)
}
