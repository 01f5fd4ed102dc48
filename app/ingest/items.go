package ingest

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/ykarpov/readersync/app/store"
)

// ItemRecord is an item together with its inline content body. The body is
// never stored in the items table; the caller persists it to the on-disk
// artifact keyed by item id.
type ItemRecord struct {
	store.Item
	Content string
}

// ParseItems streams the item-list response. One record is emitted as each
// object under the "items" root array closes. The top-level "continuation"
// scalar is forwarded through its own callback, distinct from the per-record
// one. Entries of a record's nested "categories" array are classified in
// place: the read/starred state markers fold into the record's state, any
// other entry is an opaque tag id appended to the record's tag list.
func ParseItems(r io.Reader, emit func(ItemRecord), onContinuation func(string)) error {
	var (
		rootSeen     bool
		inRoot       bool
		rec          ItemRecord
		inRecord     bool
		inCategories bool
		inAlternate  bool
		inOrigin     bool
		inContent    bool
	)

	err := walk(r, walkCallbacks{
		onOpen: func(depth int, key string) {
			switch {
			case depth == 2 && key == "items":
				rootSeen = true
				inRoot = true
			case inRoot && depth == 3:
				rec = ItemRecord{}
				inRecord = true
			case inRecord && depth == 4:
				switch key {
				case "categories":
					inCategories = true
				case "alternate":
					inAlternate = true
				case "origin":
					inOrigin = true
				case "summary", "content":
					inContent = true
				}
			}
		},
		onScalar: func(depth int, key string, value json.Token) {
			switch {
			case depth == 1 && key == "continuation":
				if onContinuation != nil {
					onContinuation(asString(value))
				}
			case inRecord && depth == 3:
				switch key {
				case "id":
					rec.ID = asString(value)
				case "title":
					rec.Title = asString(value)
				case "author":
					rec.Author = asString(value)
				case "published":
					rec.PublishedAt = timeFromSec(asInt64(value))
				case "crawlTimeMsec":
					rec.UpdatedAt = timeFromMsec(asInt64(value))
				}
			case inCategories && depth == 4:
				category := asString(value)
				switch {
				case strings.HasSuffix(category, readStateSuffix):
					rec.State.IsRead = true
				case strings.HasSuffix(category, starredStateSuffix):
					rec.State.IsStarred = true
				default:
					rec.Tags = append(rec.Tags, category)
				}
			case inContent && depth == 4 && key == "content":
				// Later bodies win so full "content" overrides "summary".
				rec.Content = asString(value)
			case inAlternate && depth == 5 && key == "href":
				if rec.Href == "" {
					rec.Href = asString(value)
				}
			case inOrigin && depth == 4:
				switch key {
				case "streamId":
					rec.FeedID = asString(value)
				case "title":
					rec.FeedTitle = asString(value)
				}
			}
		},
		onClose: func(depth int) {
			switch {
			case depth == 4 && (inCategories || inAlternate || inOrigin || inContent):
				inCategories = false
				inAlternate = false
				inOrigin = false
				inContent = false
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
