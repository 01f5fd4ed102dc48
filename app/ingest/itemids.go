package ingest

import (
	"encoding/json"
	"io"
)

// ParseItemIDs streams the item-id list response, emitting one reference as
// each object under the "itemRefs" root array closes.
func ParseItemIDs(r io.Reader, emit func(ItemID)) error {
	var (
		rootSeen bool
		inRoot   bool
		rec      ItemID
		inRecord bool
	)

	err := walk(r, walkCallbacks{
		onOpen: func(depth int, key string) {
			switch {
			case depth == 2 && key == "itemRefs":
				rootSeen = true
				inRoot = true
			case inRoot && depth == 3:
				rec = ItemID{}
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
			case "timestampUsec":
				rec.TimestampAt = timeFromUsec(asInt64(value))
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
