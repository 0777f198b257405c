package discord

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// slotCeiling is the fixed capacity of every channel semaphore. The
// headroom above the registered limit is held parked, so raising the
// limit is a Release of the difference, which also wakes waiters.
const slotCeiling = 1 << 20

type channelSlots struct {
	sem *semaphore.Weighted
	max int64
}

// Upload slots are shared process wide per channel so several driver
// instances pointed at the same channel queue fairly instead of
// stampeding it.
var (
	slotsMu sync.Mutex
	slots   = map[string]*channelSlots{}
)

// uploadSlots returns the shared semaphore for channelID with at least
// limit usable slots. A reconstruction registering a higher limit
// expands the semaphore; a lower one leaves it alone.
func uploadSlots(channelID string, limit int64) *semaphore.Weighted {
	if limit < 1 {
		limit = 1
	}
	if limit > slotCeiling {
		limit = slotCeiling
	}
	slotsMu.Lock()
	defer slotsMu.Unlock()
	if cs, ok := slots[channelID]; ok {
		if limit > cs.max {
			cs.sem.Release(limit - cs.max)
			cs.max = limit
		}
		return cs.sem
	}
	sem := semaphore.NewWeighted(slotCeiling)
	// park the headroom; never blocks on a fresh semaphore
	_ = sem.Acquire(context.Background(), slotCeiling-limit)
	cs := &channelSlots{sem: sem, max: limit}
	slots[channelID] = cs
	return cs.sem
}
