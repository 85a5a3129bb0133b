package registry

import (
	"context"
	"time"
)

// SlotFeed is a pushed slot stream, such as a websocket subscription.
type SlotFeed interface {
	// Latest returns the newest slot seen and when it arrived. Zero means
	// nothing yet.
	Latest() (uint64, time.Time)
}

// SlotGetter polls the current slot.
type SlotGetter interface {
	GetSlot(ctx context.Context) (uint64, error)
}

// SlotTracker prefers a fresh streamed slot and falls back to polling.
type SlotTracker struct {
	feed   SlotFeed
	getter SlotGetter
	maxAge time.Duration
	now    func() time.Time
}

// NewSlotTracker returns a tracker. feed may be nil.
func NewSlotTracker(feed SlotFeed, getter SlotGetter, maxAge time.Duration) *SlotTracker {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &SlotTracker{feed: feed, getter: getter, maxAge: maxAge, now: time.Now}
}

func (t *SlotTracker) Slot(ctx context.Context) (uint64, error) {
	if t.feed != nil {
		if slot, at := t.feed.Latest(); slot > 0 && t.now().Sub(at) <= t.maxAge {
			return slot, nil
		}
	}
	return t.getter.GetSlot(ctx)
}
