package ingest

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/ykarpov/readersync/app/store"
)

// ParseSubscriptions streams the subscription-list response, emitting one
// record as each object under the "subscriptions" root array closes.
func ParseSubscriptions(r io.Reader, emit func(store.Subscription)) error {
	var (
		rootSeen   bool
		inRoot     bool
		rec        store.Subscription
		inRecord   bool
		inCategory bool
	)

	err := walk(r, walkCallbacks{
		onOpen: func(depth int, key string) {
			switch {
			case depth == 2 && key == "subscriptions":
				rootSeen = true
				inRoot = true
			case inRoot && depth == 3:
				rec = store.Subscription{}
				inRecord = true
			case inRecord && depth == 4 && key == "categories":
				inCategory = true
			}
		},
		onScalar: func(depth int, key string, value json.Token) {
			switch {
			case inRecord && depth == 3:
				switch key {
				case "id":
					rec.ID = asString(value)
					rec.URL = feedURLFromID(rec.ID)
				case "title":
					rec.Title = asString(value)
				case "sortid":
					rec.SortID = asString(value)
				case "htmlUrl":
					if rec.URL == "" {
						rec.URL = asString(value)
					}
				case "firstitemmsec":
					rec.FirstItemAt = timeFromMsec(asInt64(value))
				}
			case inCategory && depth == 5 && key == "id":
				rec.Tags = append(rec.Tags, asString(value))
			}
		},
		onClose: func(depth int) {
			switch {
			case inCategory && depth == 4:
				inCategory = false
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

// feedURLFromID strips the "feed/" prefix the server namespaces subscription
// ids with.
func feedURLFromID(id string) string {
	return strings.TrimPrefix(id, "feed/")
}
