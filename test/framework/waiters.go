package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

// Waiter polls conditions with a timeout. Scenario tests drive real
// goroutines over real sockets, so almost every assertion is "this
// becomes true shortly", not "this is true now".
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter sized for the harness's fast sync cycles
// (10s timeout, 20ms interval).
func DefaultWaiter() *Waiter {
	return NewWaiter(10*time.Second, 20*time.Millisecond)
}

// WaitFor waits for a condition to become true.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForRow waits for a business row to exist on a node.
func (w *Waiter) WaitForRow(ctx context.Context, n *Node, table, recordID string) error {
	return w.WaitFor(ctx, func() bool {
		_, err := n.Store.GetRow(table, recordID)
		return err == nil
	}, fmt.Sprintf("%s to hold %s/%s", n.Name, table, recordID))
}

// WaitForRowValue waits for one field of a business row to carry a value.
func (w *Waiter) WaitForRowValue(ctx context.Context, n *Node, table, recordID, field string, want any) error {
	return w.WaitFor(ctx, func() bool {
		data, err := n.Store.GetRow(table, recordID)
		if err != nil {
			return false
		}
		return data[field] == want
	}, fmt.Sprintf("%s/%s on %s to carry %s=%v", table, recordID, n.Name, field, want))
}

// WaitForRowCount waits for a table on a node to hold exactly count rows.
func (w *Waiter) WaitForRowCount(ctx context.Context, n *Node, table string, count int) error {
	return w.WaitFor(ctx, func() bool {
		got, err := n.Store.CountRows(table)
		return err == nil && got == count
	}, fmt.Sprintf("table %s on %s to hold %d rows", table, n.Name, count))
}

// WaitForProcessed waits until the owning node's log shows every listed
// event processed by the receiver.
func (w *Waiter) WaitForProcessed(ctx context.Context, owner *Node, receiverID string, eventIDs []string) error {
	return w.WaitFor(ctx, func() bool {
		for _, id := range eventIDs {
			ok, err := owner.Store.IsProcessed(id, receiverID)
			if err != nil || !ok {
				return false
			}
		}
		return true
	}, fmt.Sprintf("%d events on %s to be processed by %s", len(eventIDs), owner.Name, receiverID))
}

// WaitForQuarantined waits for a node to quarantine an event.
func (w *Waiter) WaitForQuarantined(ctx context.Context, n *Node, eventID string) error {
	return w.WaitFor(ctx, func() bool {
		ok, err := n.Store.IsQuarantined(eventID)
		return err == nil && ok
	}, fmt.Sprintf("%s to quarantine event %s", n.Name, eventID))
}

// WaitForConflicts waits for a node's conflict audit to reach count rows.
func (w *Waiter) WaitForConflicts(ctx context.Context, n *Node, count int) error {
	return w.WaitFor(ctx, func() bool {
		got, err := n.Store.CountConflicts()
		return err == nil && got == count
	}, fmt.Sprintf("%s to record %d conflict resolutions", n.Name, count))
}

// WaitForAudit waits for a node's security audit log to hold at least min
// entries of the given type.
func (w *Waiter) WaitForAudit(ctx context.Context, n *Node, entryType types.AuditEventType, min int) error {
	return w.WaitFor(ctx, func() bool {
		return CountAudit(n, entryType) >= min
	}, fmt.Sprintf("%s audit to show %d %s entries", n.Name, min, entryType))
}

// WaitForOpenPartition waits for a node to open a partition record naming
// the peer.
func (w *Waiter) WaitForOpenPartition(ctx context.Context, n *Node, peerID string) error {
	return w.WaitFor(ctx, func() bool {
		return OpenPartitionWith(n, peerID) != nil
	}, fmt.Sprintf("%s to open a partition against %s", n.Name, peerID))
}

// WaitForPartitionResolved waits for every partition record on the node
// naming the peer to be resolved.
func (w *Waiter) WaitForPartitionResolved(ctx context.Context, n *Node, peerID string) error {
	return w.WaitFor(ctx, func() bool {
		return OpenPartitionWith(n, peerID) == nil
	}, fmt.Sprintf("partitions on %s against %s to resolve", n.Name, peerID))
}
