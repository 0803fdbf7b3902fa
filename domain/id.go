package domain

import (
	"hash/fnv"
	"sync/atomic"
	"time"
)

var lastID int64

// NextID returns a process-wide monotonic identifier based on the wall clock.
// Successive calls never return equal or decreasing values even when the
// clock stalls or steps backwards.
func NextID() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastID)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastID, last, now) {
			return now
		}
	}
}

// notificationIDHashBits is the span of low id bits carried by the content
// hash. 2^20 ns is about a millisecond, so ids still sort by event time at
// millisecond granularity.
const notificationIDHashBits = 20

// NotificationID derives a stable identifier for the notification one event
// produces for one recipient. Replays of the same event yield the same id, so
// a re-inserted row conflicts with the earlier attempt instead of duplicating
// it. The event time fills the high bits, keeping ids ordered by occurrence.
func NotificationID(dedupKey, recipientUserID, notifType string, occurredAt time.Time) int64 {
	h := fnv.New32a()
	h.Write([]byte(dedupKey))
	h.Write([]byte{0})
	h.Write([]byte(recipientUserID))
	h.Write([]byte{0})
	h.Write([]byte(notifType))

	base := occurredAt.UTC().UnixNano()
	if occurredAt.IsZero() || base < 0 {
		base = 0
	}
	base &^= 1<<notificationIDHashBits - 1
	return base | int64(h.Sum32()&(1<<notificationIDHashBits-1))
}
