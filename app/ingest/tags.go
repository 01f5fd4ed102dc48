package ingest

import (
	"encoding/json"
	"io"

	"github.com/ykarpov/readersync/app/store"
)

// ParseTags streams the tag-list response, emitting one record as each
// object under the "tags" root array closes.
func ParseTags(r io.Reader, emit func(store.Tag)) error {
	var (
		rootSeen bool
		inRoot   bool
		rec      store.Tag
		inRecord bool
	)

	err := walk(r, walkCallbacks{
		onOpen: func(depth int, key string) {
			switch {
			case depth == 2 && key == "tags":
				rootSeen = true
				inRoot = true
			case inRoot && depth == 3:
				rec = store.Tag{}
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
			case "sortid":
				rec.SortID = asString(value)
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
