package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/dukahub/dukasync/pkg/types"
)

// DigestBuckets is how many hash buckets a digest splits its window into.
const DigestBuckets = 8

// BuildDigest summarizes a window of events for divergence checks. Events
// are ordered by Lamport clock with the event id as tiebreak, split evenly
// into DigestBuckets buckets, and each bucket is hashed over its event ids.
// Two nodes holding the same window produce identical digests; comparing is
// only meaningful between digests built with the same window.
func BuildDigest(evs []*types.ChangeEvent, window int) Digest {
	ordered := make([]*types.ChangeEvent, 0, len(evs))
	for _, ev := range evs {
		if ev != nil && ev.EventID != "" {
			ordered = append(ordered, ev)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].LamportClock != ordered[j].LamportClock {
			return ordered[i].LamportClock < ordered[j].LamportClock
		}
		return ordered[i].EventID < ordered[j].EventID
	})

	d := Digest{
		Window:  window,
		Count:   len(ordered),
		Buckets: make([]string, DigestBuckets),
	}
	hashers := make([]hashState, DigestBuckets)
	for i, ev := range ordered {
		if ev.LamportClock > d.MaxLamport {
			d.MaxLamport = ev.LamportClock
		}
		bucket := i * DigestBuckets / len(ordered)
		hashers[bucket].add(ev.EventID)
	}
	for i := range hashers {
		d.Buckets[i] = hashers[i].sum()
	}
	return d
}

type hashState struct {
	ids []string
}

func (h *hashState) add(id string) {
	h.ids = append(h.ids, id)
}

func (h *hashState) sum() string {
	hash := sha256.New()
	for _, id := range h.ids {
		hash.Write([]byte(id))
		hash.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// Equal reports whether two digests describe the same event window. Digests
// over different window sizes never compare equal.
func (d Digest) Equal(other Digest) bool {
	if d.Window != other.Window || d.Count != other.Count || d.MaxLamport != other.MaxLamport {
		return false
	}
	if len(d.Buckets) != len(other.Buckets) {
		return false
	}
	for i := range d.Buckets {
		if d.Buckets[i] != other.Buckets[i] {
			return false
		}
	}
	return true
}
