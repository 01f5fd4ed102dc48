package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ykarpov/readersync/app/cfg"
	"github.com/ykarpov/readersync/app/content"
	"github.com/ykarpov/readersync/app/store"
)

func newTestEnv(t *testing.T, mux *http.ServeMux) (*store.Store, *Client) {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := NewClient(server.Client(), server.URL, "ReaderSync/test", st)
	return st, client
}

func TestAuthenticateJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/ClientLogin", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("Failed to parse login form: %v", err)
		}
		if r.PostForm.Get("Email") != "user@example.com" || r.PostForm.Get("Passwd") != "hunter2" {
			t.Errorf("Unexpected credentials: %v", r.PostForm)
		}
		w.Write([]byte("SID=sid123\nLSID=lsid456\nAuth=token789\n"))
	})

	st, client := newTestEnv(t, mux)
	account := &cfg.Account{ServiceURL: client.BaseURL(), Email: "user@example.com", Password: "hunter2"}

	job := NewAuthenticateJob(client, st, account)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("AuthenticateJob failed: %v", err)
	}

	token, _ := st.GetSetting(store.SettingAuthToken)
	if token != "token789" {
		t.Errorf("Expected persisted token token789, got %q", token)
	}
}

func TestAuthenticateJobMissingToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/ClientLogin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("SID=sid123\nLSID=lsid456\n"))
	})

	st, client := newTestEnv(t, mux)
	account := &cfg.Account{ServiceURL: client.BaseURL(), Email: "user@example.com", Password: "x"}

	err := NewAuthenticateJob(client, st, account).Run(context.Background())
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Class != "parse" {
		t.Errorf("Expected parse-class error, got %v", err)
	}
}

func TestFetchTokenJobSkipsWhileFresh(t *testing.T) {
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/token", func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("edit-token-abc"))
	})

	st, client := newTestEnv(t, mux)
	st.SetSetting(store.SettingEditToken, "cached")
	st.SetSettingTime(store.SettingEditTokenExpiry, time.Now().Add(time.Hour))

	job := NewFetchTokenJob(client, st, 25*time.Minute)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("FetchTokenJob failed: %v", err)
	}
	if requests != 0 {
		t.Errorf("Expected no requests while token is fresh, got %d", requests)
	}

	// Expire the cached token and run again.
	st.SetSettingTime(store.SettingEditTokenExpiry, time.Now().Add(-time.Minute))
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("FetchTokenJob refresh failed: %v", err)
	}
	if requests != 1 {
		t.Errorf("Expected one request after expiry, got %d", requests)
	}

	token, _ := st.GetSetting(store.SettingEditToken)
	if token != "edit-token-abc" {
		t.Errorf("Expected refreshed token, got %q", token)
	}
	expiry, _ := st.GetSettingTime(store.SettingEditTokenExpiry)
	if !expiry.After(time.Now()) {
		t.Errorf("Expected future expiry, got %v", expiry)
	}
}

func TestEditItemTagJob(t *testing.T) {
	var gotForm map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/edit-tag", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = map[string]string{
			"i": r.PostForm.Get("i"),
			"T": r.PostForm.Get("T"),
			"a": r.PostForm.Get("a"),
			"r": r.PostForm.Get("r"),
		}
		w.Write([]byte("OK"))
	})

	st, client := newTestEnv(t, mux)
	st.SetSetting(store.SettingEditToken, "edit-tok")

	job := NewEditItemTagJob(client, st, "tag:google.com,2005:reader/item/000000000000002a", readStateTag, true)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("EditItemTagJob failed: %v", err)
	}

	if gotForm["i"] != "tag:google.com,2005:reader/item/000000000000002a" {
		t.Errorf("Unexpected item id: %q", gotForm["i"])
	}
	if gotForm["T"] != "edit-tok" {
		t.Errorf("Unexpected edit token: %q", gotForm["T"])
	}
	if gotForm["a"] != readStateTag || gotForm["r"] != "" {
		t.Errorf("Expected add mutation, got a=%q r=%q", gotForm["a"], gotForm["r"])
	}
}

func TestEditItemTagJobRequiresAck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/edit-tag", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("something went wrong"))
	})

	st, client := newTestEnv(t, mux)
	st.SetSetting(store.SettingEditToken, "edit-tok")

	err := NewEditItemTagJob(client, st, "item-1", readStateTag, true).Run(context.Background())
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Class != "parse" {
		t.Errorf("Expected parse-class error for missing ack, got %v", err)
	}
}

func TestUploadTransactionsJob(t *testing.T) {
	var edits []string
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/edit-tag", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		tag := r.PostForm.Get("a")
		if tag == "" {
			tag = "-" + r.PostForm.Get("r")
		}
		edits = append(edits, r.PostForm.Get("i")+"|"+tag)
		w.Write([]byte("OK"))
	})

	st, client := newTestEnv(t, mux)
	st.SetSetting(store.SettingEditToken, "edit-tok")
	st.AppendTransaction("item-1", "", store.TxSetRead)
	st.AppendTransaction("item-2", "", store.TxSetStarred)
	st.AppendTransaction("item-3", "", store.TxRemoveStarred)

	job := NewUploadTransactionsJob(client, st, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("UploadTransactionsJob failed: %v", err)
	}

	want := []string{
		"item-1|" + readStateTag,
		"item-2|" + starredStateTag,
		"item-3|-" + starredStateTag,
	}
	if len(edits) != len(want) {
		t.Fatalf("Expected %d edits, got %v", len(want), edits)
	}
	for i := range want {
		if edits[i] != want[i] {
			t.Errorf("Edit %d: expected %q, got %q", i, want[i], edits[i])
		}
	}

	pending, _ := st.ListTransactions()
	if len(pending) != 0 {
		t.Errorf("Expected empty log after replay, got %+v", pending)
	}
}

func TestUploadTransactionsJobStopsAtFirstFailure(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/edit-tag", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("OK"))
	})

	st, client := newTestEnv(t, mux)
	st.SetSetting(store.SettingEditToken, "edit-tok")
	st.AppendTransaction("item-1", "", store.TxSetRead)
	st.AppendTransaction("item-2", "", store.TxSetRead)

	err := NewUploadTransactionsJob(client, st, nil).Run(context.Background())
	if err == nil {
		t.Fatal("Expected failure from second edit")
	}

	// The replayed entry is gone, the failed one stays for the next pass.
	pending, _ := st.ListTransactions()
	if len(pending) != 1 || pending[0].EntityID != "item-2" {
		t.Errorf("Expected item-2 left in the log, got %+v", pending)
	}
}

func TestFetchUnreadCountsJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/unread-count", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"max": 1000,
			"unreadcounts": [
				{"id": "feed/http://example.com/rss", "count": 12, "newestItemTimestampUsec": "1700000000000000"},
				{"id": "user/-/label/Tech", "count": 40, "newestItemTimestampUsec": "1700000000000000"},
				{"id": "user/-/state/com.google/reading-list", "count": 52, "newestItemTimestampUsec": "1700000000000000"}
			]
		}`))
	})

	st, client := newTestEnv(t, mux)
	st.AddSubscriptions([]store.Subscription{
		{ID: "feed/http://example.com/rss", URL: "http://example.com/rss"},
		{ID: "feed/http://stale.org/rss", URL: "http://stale.org/rss"},
	}, time.Now())
	st.SetSubscriptionUnread("feed/http://stale.org/rss", 9)
	st.AddTags([]store.Tag{{ID: "user/-/label/Tech"}, {ID: "user/-/label/Old"}}, time.Now())
	st.SetTagUnread("user/-/label/Old", 4)

	job := NewFetchUnreadCountsJob(client, st)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("FetchUnreadCountsJob failed: %v", err)
	}

	sub, _ := st.GetSubscription("feed/http://example.com/rss")
	if sub.UnreadCount != 12 {
		t.Errorf("Expected subscription counter 12, got %d", sub.UnreadCount)
	}
	tag, _ := st.GetTag("user/-/label/Tech")
	if tag.UnreadCount != 40 {
		t.Errorf("Expected tag counter 40, got %d", tag.UnreadCount)
	}
	if global, _ := st.GlobalUnread(); global != 52 {
		t.Errorf("Expected global counter 52, got %d", global)
	}

	// Entities absent from a newer response are zeroed.
	stale, _ := st.GetSubscription("feed/http://stale.org/rss")
	if stale.UnreadCount != 0 {
		t.Errorf("Expected absent subscription zeroed, got %d", stale.UnreadCount)
	}
	old, _ := st.GetTag("user/-/label/Old")
	if old.UnreadCount != 0 {
		t.Errorf("Expected absent tag zeroed, got %d", old.UnreadCount)
	}
}

func TestFetchUnreadCountsJobClampsGlobal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/unread-count", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"max": 1000,
			"unreadcounts": [
				{"id": "user/-/state/com.google/reading-list", "count": 2500, "newestItemTimestampUsec": "1700000000000000"}
			]
		}`))
	})

	st, client := newTestEnv(t, mux)
	if err := NewFetchUnreadCountsJob(client, st).Run(context.Background()); err != nil {
		t.Fatalf("FetchUnreadCountsJob failed: %v", err)
	}

	if global, _ := st.GlobalUnread(); global != store.UnreadCap {
		t.Errorf("Expected global counter clamped to %d, got %d", store.UnreadCap, global)
	}
}

func TestFetchSubscriptionsJobSkipsWhileFresh(t *testing.T) {
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/subscription/list", func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"subscriptions": []}`))
	})

	st, client := newTestEnv(t, mux)
	st.SetSettingTime(store.SettingSubscriptionsUpdated, time.Now())

	job := NewFetchSubscriptionsJob(client, st, nil, 24*time.Hour)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("FetchSubscriptionsJob failed: %v", err)
	}
	if requests != 0 {
		t.Errorf("Expected no requests while the list is fresh, got %d", requests)
	}
}

func TestFetchSubscriptionsJobSweepsUnreported(t *testing.T) {
	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/reader/api/0/subscription/list", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"subscriptions": [
			{"id": "feed/` + serverURL + `/rss", "title": "Kept", "sortid": "A1", "categories": []}
		]}`))
	})
	mux.HandleFunc("/reader/api/0/tag/list", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tags": [
			{"id": "user/-/state/com.google/starred", "sortid": "A0"},
			{"id": "user/-/label/Tech", "sortid": "A2"}
		]}`))
	})
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x00, 0x01, 0x02})
	})

	st, client := newTestEnv(t, mux)
	serverURL = client.BaseURL()

	// A subscription from an earlier sync that the server stopped reporting.
	st.AddSubscriptions([]store.Subscription{{ID: "feed/http://gone.org/rss", URL: "http://gone.org/rss"}},
		time.Now().Add(-time.Hour))

	job := NewFetchSubscriptionsJob(client, st, nil, 24*time.Hour)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("FetchSubscriptionsJob failed: %v", err)
	}

	if _, err := st.GetSubscription("feed/http://gone.org/rss"); !errors.Is(err, store.ErrNotFound) {
		t.Error("Expected unreported subscription swept")
	}

	kept, err := st.GetSubscription("feed/" + serverURL + "/rss")
	if err != nil {
		t.Fatalf("Expected reported subscription kept: %v", err)
	}
	if kept.Title != "Kept" {
		t.Errorf("Unexpected title: %s", kept.Title)
	}
	// The icon backfill fetched the favicon from the feed's host.
	if len(kept.Icon) != 3 {
		t.Errorf("Expected backfilled icon, got %d bytes", len(kept.Icon))
	}

	// Labels from the tag list land as folders; state streams do not.
	if _, err := st.GetTag("user/-/label/Tech"); err != nil {
		t.Errorf("Expected label stored as tag: %v", err)
	}
	if _, err := st.GetTag("user/-/state/com.google/starred"); !errors.Is(err, store.ErrNotFound) {
		t.Error("Expected state stream filtered out of the tag list")
	}

	updated, _ := st.GetSettingTime(store.SettingSubscriptionsUpdated)
	if updated.IsZero() {
		t.Error("Expected freshness stamp persisted")
	}
}

func TestFetchItemsJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/stream/contents/"+readingListStream, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("c") == "" {
			w.Write([]byte(`{
				"continuation": "page2",
				"items": [
					{
						"id": "tag:google.com,2005:reader/item/000000000000002a",
						"title": "First",
						"published": 1700000000,
						"summary": {"content": "<p>body one</p>"},
						"origin": {"streamId": "feed/http://example.com/rss", "title": "Example"}
					}
				]
			}`))
			return
		}
		w.Write([]byte(`{
			"items": [
				{
					"id": "tag:google.com,2005:reader/item/000000000000002b",
					"title": "Second",
					"published": 1700000100,
					"origin": {"streamId": "feed/http://example.com/rss", "title": "Example"}
				}
			]
		}`))
	})
	mux.HandleFunc("/reader/api/0/stream/items/ids", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("s") != readStateTag {
			t.Errorf("Expected read-state stream, got %q", r.URL.Query().Get("s"))
		}
		w.Write([]byte(`{"itemRefs": [{"id": "42"}]}`))
	})

	st, client := newTestEnv(t, mux)
	artifacts, err := content.NewArtifacts(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create artifacts: %v", err)
	}

	job := NewFetchItemsJob(client, st, nil, artifacts, 100)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("FetchItemsJob failed: %v", err)
	}

	count, _ := st.CountItems(store.ItemFilter{})
	if count != 2 {
		t.Errorf("Expected 2 items stored, got %d", count)
	}

	// The inline body became the on-disk original artifact.
	if !artifacts.HasOriginal("tag:google.com,2005:reader/item/000000000000002a") {
		t.Error("Expected original artifact for the first item")
	}

	// The server-confirmed read list (decimal 42 = hex 2a) was reconciled.
	first, err := st.GetItem("tag:google.com,2005:reader/item/000000000000002a")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if !first.State.IsRead {
		t.Error("Expected first item reconciled to read")
	}
	second, _ := st.GetItem("tag:google.com,2005:reader/item/000000000000002b")
	if second.State.IsRead {
		t.Error("Second item should stay unread")
	}

	// Reconciliation never generates offline transactions.
	txs, _ := st.ListTransactions()
	if len(txs) != 0 {
		t.Errorf("Expected empty transaction log, got %+v", txs)
	}
}

func TestFetchItemsJobKeepsPendingReadEdits(t *testing.T) {
	itemID := "tag:google.com,2005:reader/item/000000000000002a"
	mux := http.NewServeMux()
	mux.HandleFunc("/reader/api/0/stream/contents/"+readingListStream, func(w http.ResponseWriter, r *http.Request) {
		// The server has not processed the upload yet: the item still
		// arrives without the read category.
		w.Write([]byte(`{
			"items": [
				{
					"id": "` + itemID + `",
					"title": "First",
					"published": 1700000000,
					"origin": {"streamId": "feed/http://example.com/rss", "title": "Example"}
				}
			]
		}`))
	})
	mux.HandleFunc("/reader/api/0/stream/items/ids", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"itemRefs": []}`))
	})

	st, client := newTestEnv(t, mux)
	artifacts, err := content.NewArtifacts(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create artifacts: %v", err)
	}

	if err := st.AddItems([]store.Item{{ID: itemID, FeedID: "feed/http://example.com/rss"}}); err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if _, err := st.MarkAllReadBefore(store.ItemFilter{}, time.Now().UTC()); err != nil {
		t.Fatalf("MarkAllReadBefore failed: %v", err)
	}

	job := NewFetchItemsJob(client, st, nil, artifacts, 100)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("FetchItemsJob failed: %v", err)
	}

	item, err := st.GetItem(itemID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if !item.State.IsRead {
		t.Error("Pending set-read edit was reverted by the item sync")
	}
	txs, _ := st.ListTransactions()
	if len(txs) != 1 || txs[0].Type != store.TxSetRead {
		t.Errorf("Expected the pending edit to stay queued for upload, got %+v", txs)
	}
}

func TestLongItemID(t *testing.T) {
	cases := map[string]string{
		"-355401917359550817": "tag:google.com,2005:reader/item/fb115bd6d34a8e9f",
		"42":                  "tag:google.com,2005:reader/item/000000000000002a",
		"not-a-number":        "not-a-number",
	}
	for short, want := range cases {
		if got := longItemID(short); got != want {
			t.Errorf("longItemID(%q) = %q, want %q", short, got, want)
		}
	}
}

func TestSubscribeFeedJob(t *testing.T) {
	var quickadd string
	mux := http.NewServeMux()
	mux.HandleFunc("/rss", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(`<?xml version="1.0"?>
			<rss version="2.0"><channel>
				<title>Example</title>
				<link>http://example.com</link>
				<description>d</description>
				<item><title>Post</title><link>http://example.com/1</link></item>
			</channel></rss>`))
	})
	mux.HandleFunc("/reader/api/0/subscription/quickadd", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		quickadd = r.PostForm.Get("quickadd")
		w.Write([]byte(`{"numResults": 1}`))
	})

	st, client := newTestEnv(t, mux)
	st.SetSetting(store.SettingEditToken, "edit-tok")
	st.SetSettingTime(store.SettingSubscriptionsUpdated, time.Now())

	feedURL := client.BaseURL() + "/rss"
	job := NewSubscribeFeedJob(client, st, feedURL)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("SubscribeFeedJob failed: %v", err)
	}

	if quickadd != feedURL {
		t.Errorf("Expected quickadd for %q, got %q", feedURL, quickadd)
	}

	// The cached subscription list is invalidated so the next sync refetches.
	updated, _ := st.GetSettingTime(store.SettingSubscriptionsUpdated)
	if !updated.IsZero() {
		t.Errorf("Expected freshness invalidated, got %v", updated)
	}
}

func TestSubscribeFeedJobRejectsNonFeed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>not a feed</body></html>"))
	})

	st, client := newTestEnv(t, mux)

	err := NewSubscribeFeedJob(client, st, client.BaseURL()+"/page").Run(context.Background())
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Class != "parse" {
		t.Errorf("Expected parse-class error for non-feed URL, got %v", err)
	}
}
