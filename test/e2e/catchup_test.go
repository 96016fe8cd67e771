package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukahub/dukasync/test/framework"
)

// TestColdNodeCatchUp lets one till accumulate a backlog while the second
// has never been online, then brings the second up. The backlog must
// replicate completely, the sender's log must show every event acked, and
// the joiner's vector clock must reach the sender's position.
func TestColdNodeCatchUp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping scenario test in short mode")
	}
	ctx := context.Background()

	a := framework.NewNode(t, framework.NodeConfig{Name: "till-a"})
	b := framework.NewNode(t, framework.NodeConfig{Name: "till-b"})
	require.NoError(t, a.Start(ctx))

	const backlog = 50
	ids := make([]string, 0, backlog)
	for i := 0; i < backlog; i++ {
		ev := a.Create(t, "inventory", fmt.Sprintf("sku-%03d", i), map[string]any{
			"sku":   fmt.Sprintf("sku-%03d", i),
			"stock": "10",
		})
		ids = append(ids, ev.EventID)
	}

	require.NoError(t, b.Start(ctx))
	now := time.Now()
	a.Observe(b, now)
	b.Observe(a, now)

	w := framework.DefaultWaiter()
	require.NoError(t, w.WaitForRowCount(ctx, b, "inventory", backlog))
	require.NoError(t, w.WaitForProcessed(ctx, a, b.ID, ids))

	vc, _ := b.Clock.Snapshot()
	require.EqualValues(t, backlog, vc.Get(a.ID), "joiner's vector entry for the sender")
	framework.RequireConverged(t, "inventory", a, b)
}

// TestUpdatesApplyInCausalOrder stacks a create and two updates on one
// record before the peer ever hears about it. The peer must end on the
// final update's value with the whole chain settled.
func TestUpdatesApplyInCausalOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping scenario test in short mode")
	}
	ctx := context.Background()

	c := framework.NewCluster(t, 2, framework.NodeConfig{})
	a, b := c.Nodes[0], c.Nodes[1]
	c.Start(ctx)

	ev1 := a.Create(t, "employees", "e1", map[string]any{"name": "Amina", "role": "cashier"})
	ev2 := a.Update(t, "employees", "e1",
		map[string]any{"name": "Amina", "role": "supervisor"},
		map[string]any{"name": "Amina", "role": "cashier"})
	ev3 := a.Update(t, "employees", "e1",
		map[string]any{"name": "Amina", "role": "manager"},
		map[string]any{"name": "Amina", "role": "supervisor"})

	c.Connect()

	w := framework.DefaultWaiter()
	require.NoError(t, w.WaitForRowValue(ctx, b, "employees", "e1", "role", "manager"))
	require.NoError(t, w.WaitForProcessed(ctx, a, b.ID, []string{ev1.EventID, ev2.EventID, ev3.EventID}))

	count, err := b.Store.CountConflicts()
	require.NoError(t, err)
	require.Zero(t, count, "a causally ordered chain is not a conflict")
	framework.RequireConverged(t, "employees", a, b)
}
