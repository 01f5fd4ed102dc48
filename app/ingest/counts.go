package ingest

import (
	"encoding/json"
	"io"
)

// ParseUnreadCounts streams the unread-count response, emitting one record
// as each object under the "unreadcounts" root array closes.
func ParseUnreadCounts(r io.Reader, emit func(UnreadCount)) error {
	var (
		rootSeen bool
		inRoot   bool
		rec      UnreadCount
		inRecord bool
	)

	err := walk(r, walkCallbacks{
		onOpen: func(depth int, key string) {
			switch {
			case depth == 2 && key == "unreadcounts":
				rootSeen = true
				inRoot = true
			case inRoot && depth == 3:
				rec = UnreadCount{}
				inRecord = true
			}
		},
		onScalar: func(depth int, key string, value json.Token) {
			if !inRecord || depth != 3 {
				return
			}
			switch key {
			case "id":
				rec.ID = asString(value)
			case "count":
				rec.Count = int(asInt64(value))
			case "newestItemTimestampUsec":
				rec.NewestAt = timeFromUsec(asInt64(value))
			}
		},
		onClose: func(depth int) {
			switch {
			case inRecord && depth == 3:
				if rec.ID != "" {
					emit(rec)
				}
				inRecord = false
			case inRoot && depth == 2:
				inRoot = false
			}
		},
	})
	if err != nil {
		return err
	}
	if !rootSeen {
		return ErrInvalidPayload
	}
	return nil
}
