package store

import (
	"strconv"
	"strings"
	"time"
)

// UnreadCap is the display ceiling for unread counters. Counters are clamped
// to [0, UnreadCap] on every mutation.
const UnreadCap = 1000

// ItemState carries the per-item flags the sync engine reconciles.
type ItemState struct {
	IsRead    bool
	IsStarred bool
	IsCached  bool
}

type Item struct {
	ID          string
	Title       string
	Author      string
	Href        string
	FeedID      string
	FeedTitle   string
	PublishedAt time.Time
	UpdatedAt   time.Time
	State       ItemState
	Tags        []string
}

type Subscription struct {
	ID          string
	URL         string
	Title       string
	Icon        []byte
	UnreadCount int
	UpdatedAt   time.Time
	SortID      string
	FirstItemAt time.Time
	Tags        []string
}

type Tag struct {
	ID          string
	UnreadCount int
	UpdatedAt   time.Time
	SortID      string
}

// Title derives the display name from the trailing path segment of the tag
// id, e.g. "user/-/label/Linux" -> "Linux".
func (t Tag) Title() string {
	if idx := strings.LastIndex(t.ID, "/"); idx >= 0 {
		return t.ID[idx+1:]
	}
	return t.ID
}

type Setting struct {
	Name  string
	Value string
}

// TxType enumerates the offline edits recorded in the transaction log.
type TxType int

const (
	TxSetRead TxType = iota + 1
	TxRemoveRead
	TxSetStarred
	TxRemoveStarred
)

// opposite returns the contradictory log type, used to keep the log free of
// conflicting entries for the same entity.
func (t TxType) opposite() TxType {
	switch t {
	case TxSetRead:
		return TxRemoveRead
	case TxRemoveRead:
		return TxSetRead
	case TxSetStarred:
		return TxRemoveStarred
	case TxRemoveStarred:
		return TxSetStarred
	}
	return 0
}

type Transaction struct {
	ID       int64
	EntityID string
	Note     string
	Type     TxType
}

// ItemFilter narrows item list and count queries. Nil pointer fields are
// not applied.
type ItemFilter struct {
	FeedID  string
	TagID   string
	Read    *bool
	Starred *bool
	Since   time.Time
	Until   time.Time
}

// ListOptions controls paging, ordering and column projection for the read
// surface.
type ListOptions struct {
	Limit     int
	Offset    int
	SortBy    string
	Ascending bool
	Columns   []string
}

// FormatUnread renders a counter for display, capping at "1000+".
func FormatUnread(n int) string {
	if n >= UnreadCap {
		return strconv.Itoa(UnreadCap) + "+"
	}
	if n < 0 {
		n = 0
	}
	return strconv.Itoa(n)
}

func clampUnread(n int) int {
	if n < 0 {
		return 0
	}
	if n > UnreadCap {
		return UnreadCap
	}
	return n
}

func usec(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromUsec(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
