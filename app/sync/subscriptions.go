package sync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ykarpov/readersync/app/ingest"
	"github.com/ykarpov/readersync/app/store"
)

// freshnessMargin keeps a list that would expire mid-interval from being
// treated as fresh.
const freshnessMargin = 30 * time.Second

// FetchSubscriptionsJob streams the subscription list, upserts it, sweeps
// subscriptions not touched in this pass and backfills missing feed icons
// one at a time. It self-skips while the cached list is fresh.
type FetchSubscriptionsJob struct {
	base
	client *Client
	store  *store.Store
	hub    *store.Hub
	ttl    time.Duration
}

func NewFetchSubscriptionsJob(client *Client, st *store.Store, hub *store.Hub, ttl time.Duration) *FetchSubscriptionsJob {
	return &FetchSubscriptionsJob{
		base:   newBase("fetch_subscriptions", "fetch_subscriptions"),
		client: client,
		store:  st,
		hub:    hub,
		ttl:    ttl,
	}
}

func (j *FetchSubscriptionsJob) Run(ctx context.Context) error {
	updated, err := j.store.GetSettingTime(store.SettingSubscriptionsUpdated)
	if err != nil {
		return storageErr(err, "failed to read subscriptions freshness")
	}
	if !updated.IsZero() && time.Since(updated) < j.ttl-freshnessMargin {
		slog.Debug("Subscription list still fresh, skipping", "updated", updated)
		return nil
	}

	// Snapshot taken before the fetch keys the staleness sweep.
	snapshot := time.Now().UTC()

	body, err := j.client.Get(ctx, "/reader/api/0/subscription/list", url.Values{"output": {"json"}})
	if err != nil {
		return err
	}
	defer body.Close()

	var subs []store.Subscription
	if err := ingest.ParseSubscriptions(body, func(sub store.Subscription) {
		subs = append(subs, sub)
	}); err != nil {
		return parseErr(err, "failed to decode subscription list")
	}

	if err := j.store.AddSubscriptions(subs, snapshot); err != nil {
		return storageErr(err, "failed to store subscriptions")
	}

	if removed, err := j.store.SweepSubscriptionsNotTouchedSince(snapshot); err != nil {
		return storageErr(err, "failed to sweep stale subscriptions")
	} else if len(removed) > 0 {
		slog.Info("Removed stale subscriptions", "count", len(removed))
	}

	if err := j.fetchTags(ctx, snapshot); err != nil {
		return err
	}

	if err := j.store.SetSettingTime(store.SettingSubscriptionsUpdated, snapshot); err != nil {
		return storageErr(err, "failed to persist subscriptions freshness")
	}

	j.backfillIcons(ctx)
	return nil
}

// fetchTags pulls the label list that accompanies the subscription list.
// Labels double as folders, so the two are always refreshed together.
func (j *FetchSubscriptionsJob) fetchTags(ctx context.Context, snapshot time.Time) error {
	body, err := j.client.Get(ctx, "/reader/api/0/tag/list", url.Values{"output": {"json"}})
	if err != nil {
		return err
	}
	defer body.Close()

	var tags []store.Tag
	if err := ingest.ParseTags(body, func(tag store.Tag) {
		// The service reports state streams alongside user labels; only
		// labels are folders worth keeping.
		if strings.Contains(tag.ID, "/label/") {
			tags = append(tags, tag)
		}
	}); err != nil {
		return parseErr(err, "failed to decode tag list")
	}

	if err := j.store.AddTags(tags, snapshot); err != nil {
		return storageErr(err, "failed to store tags")
	}
	return nil
}

// backfillIcons fetches missing feed icons one at a time. Individual
// failures are logged and skipped; partial progress is acceptable here.
func (j *FetchSubscriptionsJob) backfillIcons(ctx context.Context) {
	ids, err := j.store.SubscriptionsMissingIcon()
	if err != nil {
		slog.Warn("Failed to list subscriptions missing icons", "error", err)
		return
	}

	for i, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub, err := j.store.GetSubscription(id)
		if err != nil {
			slog.Warn("Failed to load subscription for icon backfill", "id", id, "error", err)
			continue
		}

		icon, err := j.fetchIcon(ctx, sub.URL)
		if err != nil {
			slog.Debug("Failed to fetch feed icon", "id", id, "error", err)
			continue
		}

		if err := j.store.SetSubscriptionIcon(id, icon); err != nil {
			slog.Warn("Failed to store feed icon", "id", id, "error", err)
			continue
		}

		j.hub.NotifySyncProgress(j.Kind(), "Fetching feed icons", i+1, len(ids))
	}
}

func (j *FetchSubscriptionsJob) fetchIcon(ctx context.Context, feedURL string) ([]byte, error) {
	parsed, err := url.Parse(feedURL)
	if err != nil || parsed.Host == "" {
		return nil, networkErr(err, "malformed feed URL %q", feedURL)
	}

	iconURL := parsed.Scheme + "://" + parsed.Host + "/favicon.ico"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iconURL, nil)
	if err != nil {
		return nil, networkErr(err, "failed to create icon request")
	}

	resp, err := j.client.httpClient.Do(req)
	if err != nil {
		return nil, networkErr(err, "failed to fetch icon")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, networkErr(nil, "HTTP %d fetching icon", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// SubscribeFeedJob validates a candidate feed URL with a feed parser, then
// posts the subscribe mutation and invalidates the cached subscription list.
type SubscribeFeedJob struct {
	base
	client  *Client
	store   *store.Store
	feedURL string
}

func NewSubscribeFeedJob(client *Client, st *store.Store, feedURL string) *SubscribeFeedJob {
	return &SubscribeFeedJob{
		base:    newBase("subscribe_feed", "subscribe_feed|"+feedURL),
		client:  client,
		store:   st,
		feedURL: feedURL,
	}
}

func (j *SubscribeFeedJob) Run(ctx context.Context) error {
	parser := gofeed.NewParser()
	feed, err := parser.ParseURLWithContext(j.feedURL, ctx)
	if err != nil {
		return parseErr(err, "not a valid feed: %s", j.feedURL)
	}
	slog.Debug("Validated feed before subscribe", "url", j.feedURL, "title", feed.Title)

	token, err := j.store.GetSetting(store.SettingEditToken)
	if err != nil {
		return storageErr(err, "failed to read edit token")
	}

	if _, err := j.client.PostForm(ctx, "/reader/api/0/subscription/quickadd", url.Values{
		"quickadd": {j.feedURL},
		"T":        {token},
	}); err != nil {
		return err
	}

	// Force the next subscription sync to fetch the updated list.
	if err := j.store.SetSettingTime(store.SettingSubscriptionsUpdated, time.Time{}); err != nil {
		return storageErr(err, "failed to invalidate subscription freshness")
	}
	return nil
}
