// Package eviction bounds the size of clustered maps by removing idle,
// expired or surplus entries. Entries are picked by random sampling, so the
// cost of a run depends on the sample size and not on the size of the map.
//
// Eviction never removes a map object and never consults reachability. A
// run checks the map out, mutates it and releases it like any other
// transaction.
package eviction

import (
	"sort"

	"github.com/dray-io/heapd/internal/object"
)

// Plan describes one eviction pass over a sample.
type Plan struct {
	// TargetMaxTotalCount is the capacity of the map. Zero means no size
	// floor: eviction only stops when the sample is exhausted.
	TargetMaxTotalCount int
	// TTISeconds and TTLSeconds decide which sampled entries may go. With
	// both disabled every sampled entry is evictable.
	TTISeconds int64
	TTLSeconds int64
	// Overshoot is how far below TargetMaxTotalCount a capacity pass goes.
	Overshoot int
	NowMs     int64
}

// floor returns the size at which the pass stops.
func (p Plan) floor() int {
	if p.TargetMaxTotalCount <= 0 {
		return 0
	}
	f := p.TargetMaxTotalCount - p.Overshoot
	if f < 0 {
		return 0
	}
	return f
}

// Evict removes entries of samples from ms until the sample is exhausted or
// the map has shrunk to the plan's floor. Entries that have expired under
// the map's own TTI/TTL go first, then the least recently accessed. Returns
// the number of entries removed.
func Evict(ms *object.MapState, samples map[string]*object.MapEntry, p Plan) int {
	keys := orderSamples(ms, samples, p.NowMs)
	floor := p.floor()
	evicted := 0
	for _, key := range keys {
		if ms.Size() <= floor {
			break
		}
		e := samples[key]
		if !e.CanEvict(p.NowMs, p.TTISeconds, p.TTLSeconds) {
			continue
		}
		if ms.Remove(key) {
			evicted++
		}
	}
	return evicted
}

func orderSamples(ms *object.MapState, samples map[string]*object.MapEntry, nowMs int64) []string {
	expiryEnabled := ms.TTISeconds > 0 || ms.TTLSeconds > 0
	expired := func(e *object.MapEntry) bool {
		return expiryEnabled && e.CanEvict(nowMs, ms.TTISeconds, ms.TTLSeconds)
	}

	keys := make([]string, 0, len(samples))
	for k := range samples {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := samples[keys[i]], samples[keys[j]]
		if ea, eb := expired(a), expired(b); ea != eb {
			return ea
		}
		if a.LastAccessedMs != b.LastAccessedMs {
			return a.LastAccessedMs < b.LastAccessedMs
		}
		return keys[i] < keys[j]
	})
	return keys
}
