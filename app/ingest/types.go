package ingest

import "time"

// UnreadCount is a transient decode target from the unread-count response.
// Counts are folded into subscription/tag/global counters, never persisted
// verbatim.
type UnreadCount struct {
	ID       string
	Count    int
	NewestAt time.Time
}

// ItemID is a transient decode target from the item-id list response, used
// to drive bulk read-marking.
type ItemID struct {
	ID          string
	TimestampAt time.Time
}

const (
	readStateSuffix    = "/state/com.google/read"
	starredStateSuffix = "/state/com.google/starred"
)

func timeFromUsec(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func timeFromMsec(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func timeFromSec(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
