package store

import (
	"testing"
	"time"
)

func TestAddSubscriptionsRoundTrip(t *testing.T) {
	st := newTestStore(t)

	sub := Subscription{
		ID:          "feed/http://example.com/rss",
		URL:         "http://example.com/rss",
		Title:       "Example",
		SortID:      "A0000001",
		FirstItemAt: time.Unix(1700000000, 0).UTC(),
		Tags:        []string{"user/-/label/Tech"},
	}
	touched := time.Unix(1710000000, 0).UTC()
	if err := st.AddSubscriptions([]Subscription{sub}, touched); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}

	got, err := st.GetSubscription(sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.URL != sub.URL || got.Title != sub.Title || got.SortID != sub.SortID {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if !got.UpdatedAt.Equal(touched) {
		t.Errorf("Expected touch stamp %v, got %v", touched, got.UpdatedAt)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "user/-/label/Tech" {
		t.Errorf("Unexpected tags: %v", got.Tags)
	}
}

func TestAddSubscriptionsPreservesCounterAndIcon(t *testing.T) {
	st := newTestStore(t)

	sub := Subscription{ID: "feed/a", URL: "http://a", Title: "A"}
	if err := st.AddSubscriptions([]Subscription{sub}, time.Now()); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}
	if err := st.SetSubscriptionUnread("feed/a", 7); err != nil {
		t.Fatalf("SetSubscriptionUnread failed: %v", err)
	}
	if err := st.SetSubscriptionIcon("feed/a", []byte{0x00, 0x01}); err != nil {
		t.Fatalf("SetSubscriptionIcon failed: %v", err)
	}

	// A later sync pass re-upserts the row without resetting local state.
	if err := st.AddSubscriptions([]Subscription{sub}, time.Now()); err != nil {
		t.Fatalf("Second AddSubscriptions failed: %v", err)
	}

	got, err := st.GetSubscription("feed/a")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.UnreadCount != 7 {
		t.Errorf("Counter was reset by re-upsert: %d", got.UnreadCount)
	}
	if len(got.Icon) != 2 {
		t.Errorf("Icon was reset by re-upsert: %v", got.Icon)
	}
}

func TestSweepSubscriptionsNotTouchedSince(t *testing.T) {
	st := newTestStore(t)

	older := time.Unix(1700000000, 0).UTC()
	if err := st.AddSubscriptions([]Subscription{{ID: "feed/gone", URL: "http://gone"}}, older); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}

	snapshot := time.Unix(1710000000, 0).UTC()
	if err := st.AddSubscriptions([]Subscription{{ID: "feed/kept", URL: "http://kept"}}, snapshot); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}

	removed, err := st.SweepSubscriptionsNotTouchedSince(snapshot)
	if err != nil {
		t.Fatalf("SweepSubscriptionsNotTouchedSince failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "feed/gone" {
		t.Errorf("Expected feed/gone swept, got %v", removed)
	}

	if _, err := st.GetSubscription("feed/gone"); err != ErrNotFound {
		t.Error("Expected stale subscription removed")
	}
	if _, err := st.GetSubscription("feed/kept"); err != nil {
		t.Error("Subscription touched at the snapshot must survive")
	}
}

func TestSubscriptionsMissingIcon(t *testing.T) {
	st := newTestStore(t)

	subs := []Subscription{
		{ID: "feed/with", URL: "http://with"},
		{ID: "feed/without", URL: "http://without"},
	}
	if err := st.AddSubscriptions(subs, time.Now()); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}
	if err := st.SetSubscriptionIcon("feed/with", []byte{0x42}); err != nil {
		t.Fatalf("SetSubscriptionIcon failed: %v", err)
	}

	ids, err := st.SubscriptionsMissingIcon()
	if err != nil {
		t.Fatalf("SubscriptionsMissingIcon failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "feed/without" {
		t.Errorf("Expected only feed/without, got %v", ids)
	}
}

func TestZeroUnreadExcept(t *testing.T) {
	st := newTestStore(t)

	subs := []Subscription{
		{ID: "feed/present", URL: "http://p"},
		{ID: "feed/absent", URL: "http://a"},
	}
	if err := st.AddSubscriptions(subs, time.Now()); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}
	st.SetSubscriptionUnread("feed/present", 5)
	st.SetSubscriptionUnread("feed/absent", 3)

	tags := []Tag{{ID: "user/-/label/Keep"}, {ID: "user/-/label/Drop"}}
	if err := st.AddTags(tags, time.Now()); err != nil {
		t.Fatalf("AddTags failed: %v", err)
	}
	st.SetTagUnread("user/-/label/Keep", 2)
	st.SetTagUnread("user/-/label/Drop", 4)

	if err := st.ZeroSubscriptionUnreadExcept([]string{"feed/present"}); err != nil {
		t.Fatalf("ZeroSubscriptionUnreadExcept failed: %v", err)
	}
	if err := st.ZeroTagUnreadExcept([]string{"user/-/label/Keep"}); err != nil {
		t.Fatalf("ZeroTagUnreadExcept failed: %v", err)
	}

	present, _ := st.GetSubscription("feed/present")
	absent, _ := st.GetSubscription("feed/absent")
	if present.UnreadCount != 5 || absent.UnreadCount != 0 {
		t.Errorf("Expected 5/0, got %d/%d", present.UnreadCount, absent.UnreadCount)
	}

	keep, _ := st.GetTag("user/-/label/Keep")
	drop, _ := st.GetTag("user/-/label/Drop")
	if keep.UnreadCount != 2 || drop.UnreadCount != 0 {
		t.Errorf("Expected 2/0, got %d/%d", keep.UnreadCount, drop.UnreadCount)
	}
}

func TestSetUnreadClampsAtCap(t *testing.T) {
	st := newTestStore(t)

	if err := st.AddSubscriptions([]Subscription{{ID: "feed/a", URL: "http://a"}}, time.Now()); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}
	if err := st.SetSubscriptionUnread("feed/a", 5000); err != nil {
		t.Fatalf("SetSubscriptionUnread failed: %v", err)
	}

	got, _ := st.GetSubscription("feed/a")
	if got.UnreadCount != UnreadCap {
		t.Errorf("Expected counter clamped to %d, got %d", UnreadCap, got.UnreadCount)
	}
	if FormatUnread(got.UnreadCount) != "1000+" {
		t.Errorf("Expected display 1000+, got %s", FormatUnread(got.UnreadCount))
	}
}

func TestRemoveTagCascades(t *testing.T) {
	st := newTestStore(t)

	tagID := "user/-/label/Tech"
	if err := st.AddTags([]Tag{{ID: tagID}}, time.Now()); err != nil {
		t.Fatalf("AddTags failed: %v", err)
	}
	if err := st.AddSubscriptions([]Subscription{{ID: "feed/a", URL: "http://a", Tags: []string{tagID}}}, time.Now()); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}
	if err := st.AddItems([]Item{testItem("item-1", "feed/a", tagID)}); err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}

	if err := st.RemoveTag(tagID); err != nil {
		t.Fatalf("RemoveTag failed: %v", err)
	}

	if _, err := st.GetTag(tagID); err != ErrNotFound {
		t.Error("Expected tag removed")
	}
	item, _ := st.GetItem("item-1")
	if len(item.Tags) != 0 {
		t.Errorf("Expected item join rows removed, got %v", item.Tags)
	}
	sub, _ := st.GetSubscription("feed/a")
	if len(sub.Tags) != 0 {
		t.Errorf("Expected subscription join rows removed, got %v", sub.Tags)
	}
}
