package objectmanager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dray-io/heapd/internal/metadata"
	"github.com/dray-io/heapd/internal/metadata/keys"
	"github.com/dray-io/heapd/internal/object"
)

// idAllocator hands out object IDs from blocks reserved on the metadata
// sequence with compare-and-set, so IDs stay unique across restarts and
// across nodes sharing the sequence.
type idAllocator struct {
	meta      metadata.MetadataStore
	blockSize uint64

	mu    sync.Mutex
	next  uint64
	limit uint64
	floor uint64
}

func newIDAllocator(meta metadata.MetadataStore, blockSize uint64) *idAllocator {
	return &idAllocator{meta: meta, blockSize: blockSize, floor: 1}
}

// setFloor ensures no ID below floor is handed out.
func (a *idAllocator) setFloor(floor uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if floor > a.floor {
		a.floor = floor
	}
	if a.next < a.floor {
		a.next = a.floor
		if a.limit < a.next {
			a.limit = a.next
		}
	}
}

// take hands out n IDs, reserving a new block when the current one runs out.
func (a *idAllocator) take(ctx context.Context, n int) ([]object.ID, error) {
	if n <= 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]object.ID, 0, n)
	for len(out) < n {
		if a.next >= a.limit {
			want := uint64(n - len(out))
			if want < a.blockSize {
				want = a.blockSize
			}
			if err := a.reserve(ctx, want); err != nil {
				return nil, err
			}
		}
		for a.next < a.limit && len(out) < n {
			out = append(out, object.ID(a.next))
			a.next++
		}
	}
	return out, nil
}

// reserve advances the shared sequence by count and takes the block.
// Caller holds a.mu.
func (a *idAllocator) reserve(ctx context.Context, count uint64) error {
	b := retry.WithMaxRetries(10, retry.NewExponential(5*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		res, err := a.meta.Get(ctx, keys.ObjectIDSequenceKey)
		if err != nil {
			return fmt.Errorf("read id sequence: %w", err)
		}
		start := a.floor
		if res.Exists {
			stored, err := strconv.ParseUint(string(res.Value), 10, 64)
			if err != nil {
				return fmt.Errorf("parse id sequence: %w", err)
			}
			if stored > start {
				start = stored
			}
		}
		end := start + count
		_, err = a.meta.Put(ctx, keys.ObjectIDSequenceKey,
			[]byte(strconv.FormatUint(end, 10)),
			metadata.WithExpectedVersion(res.Version))
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return fmt.Errorf("advance id sequence: %w", err)
		}
		a.next = start
		a.limit = end
		return nil
	})
}
