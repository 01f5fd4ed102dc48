package sync

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ykarpov/readersync/app/ingest"
	"github.com/ykarpov/readersync/app/store"
)

// FetchUnreadCountsJob streams the unread-count response and folds each
// record into the subscription, tag and global counters. When the response
// is newer than the last known global update time, counters of entities
// absent from the response are zeroed.
type FetchUnreadCountsJob struct {
	base
	client *Client
	store  *store.Store
}

func NewFetchUnreadCountsJob(client *Client, st *store.Store) *FetchUnreadCountsJob {
	return &FetchUnreadCountsJob{
		base:   newBase("fetch_unread_counts", "fetch_unread_counts"),
		client: client,
		store:  st,
	}
}

func (j *FetchUnreadCountsJob) Run(ctx context.Context) error {
	body, err := j.client.Get(ctx, "/reader/api/0/unread-count", url.Values{"output": {"json"}})
	if err != nil {
		return err
	}
	defer body.Close()

	var counts []ingest.UnreadCount
	if err := ingest.ParseUnreadCounts(body, func(c ingest.UnreadCount) {
		counts = append(counts, c)
	}); err != nil {
		return parseErr(err, "failed to decode unread counts")
	}

	lastUpdated, err := j.store.GetSettingTime(store.SettingUnreadUpdated)
	if err != nil {
		return storageErr(err, "failed to read unread freshness")
	}

	var newest time.Time
	var feedIDs, tagIDs []string
	for _, count := range counts {
		if count.NewestAt.After(newest) {
			newest = count.NewestAt
		}

		switch {
		case strings.HasSuffix(count.ID, readingListStreamSuffix):
			if err := j.store.SetGlobalUnread(count.Count); err != nil {
				return storageErr(err, "failed to store global unread count")
			}
		case strings.HasPrefix(count.ID, "feed/"):
			feedIDs = append(feedIDs, count.ID)
			if err := j.store.SetSubscriptionUnread(count.ID, count.Count); err != nil {
				return storageErr(err, "failed to store subscription unread count")
			}
		default:
			tagIDs = append(tagIDs, count.ID)
			if err := j.store.SetTagUnread(count.ID, count.Count); err != nil {
				return storageErr(err, "failed to store tag unread count")
			}
		}
	}

	if newest.After(lastUpdated) {
		if err := j.store.ZeroSubscriptionUnreadExcept(feedIDs); err != nil {
			return storageErr(err, "failed to zero absent subscription counters")
		}
		if err := j.store.ZeroTagUnreadExcept(tagIDs); err != nil {
			return storageErr(err, "failed to zero absent tag counters")
		}
		if err := j.store.SetSettingTime(store.SettingUnreadUpdated, newest); err != nil {
			return storageErr(err, "failed to persist unread freshness")
		}
	}

	return nil
}
