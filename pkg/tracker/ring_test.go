package tracker

import "testing"

func TestRingPushAndDrainPreservesOrder(t *testing.T) {
	r := newRing(4)

	for _, id := range []string{"a", "b", "c"} {
		if _, overflowed := r.push(pendingChange{recordID: id}); overflowed {
			t.Fatalf("unexpected overflow pushing %s", id)
		}
	}
	if r.len() != 3 {
		t.Fatalf("len() = %d, want 3", r.len())
	}

	got := r.drain()
	if len(got) != 3 {
		t.Fatalf("drain() = %d entries", len(got))
	}
	for i, id := range []string{"a", "b", "c"} {
		if got[i].recordID != id {
			t.Errorf("drain()[%d] = %s, want %s", i, got[i].recordID, id)
		}
	}
	if r.len() != 0 {
		t.Errorf("len() after drain = %d", r.len())
	}
}

func TestRingOverflowDropsOldest(t *testing.T) {
	r := newRing(2)

	r.push(pendingChange{recordID: "oldest"})
	r.push(pendingChange{recordID: "middle"})
	dropped, overflowed := r.push(pendingChange{recordID: "newest"})

	if !overflowed {
		t.Fatal("third push into capacity-2 ring did not overflow")
	}
	if dropped.recordID != "oldest" {
		t.Errorf("dropped %s, want oldest", dropped.recordID)
	}

	got := r.drain()
	if len(got) != 2 || got[0].recordID != "middle" || got[1].recordID != "newest" {
		t.Errorf("ring contents after overflow = %v", got)
	}
}

func TestRingReusableAfterDrain(t *testing.T) {
	r := newRing(2)
	r.push(pendingChange{recordID: "a"})
	r.drain()

	r.push(pendingChange{recordID: "b"})
	got := r.drain()
	if len(got) != 1 || got[0].recordID != "b" {
		t.Errorf("ring misbehaved after drain: %v", got)
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	r := newRing(0)
	if _, overflowed := r.push(pendingChange{recordID: "a"}); overflowed {
		t.Error("first push overflowed")
	}
	if _, overflowed := r.push(pendingChange{recordID: "b"}); !overflowed {
		t.Error("second push into capacity-1 ring did not overflow")
	}
}
