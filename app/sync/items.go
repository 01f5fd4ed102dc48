package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/ykarpov/readersync/app/content"
	"github.com/ykarpov/readersync/app/ingest"
	"github.com/ykarpov/readersync/app/store"
)

// FetchItemsJob pages through the reading-list item stream via the
// continuation token, batch-upserts each page and writes content bodies to
// the artifact store, then reconciles the server's confirmed read-item list
// into the local cache.
type FetchItemsJob struct {
	base
	client    *Client
	store     *store.Store
	hub       *store.Hub
	artifacts *content.Artifacts
	batchSize int
	maxPages  int
}

func NewFetchItemsJob(client *Client, st *store.Store, hub *store.Hub, artifacts *content.Artifacts, batchSize int) *FetchItemsJob {
	return &FetchItemsJob{
		base:      newBase("fetch_items", "fetch_items"),
		client:    client,
		store:     st,
		hub:       hub,
		artifacts: artifacts,
		batchSize: batchSize,
		maxPages:  20,
	}
}

func (j *FetchItemsJob) Run(ctx context.Context) error {
	continuation := ""
	for page := 0; page < j.maxPages; page++ {
		next, count, err := j.fetchPage(ctx, continuation)
		if err != nil {
			return err
		}

		j.hub.NotifySyncProgress(j.Kind(), "Fetching items", page+1, j.maxPages)
		slog.Debug("Fetched item page", "page", page, "items", count, "continuation", next != "")

		if next == "" {
			break
		}
		continuation = next
	}

	return j.reconcileReadState(ctx)
}

func (j *FetchItemsJob) fetchPage(ctx context.Context, continuation string) (string, int, error) {
	query := url.Values{
		"output": {"json"},
		"n":      {strconv.Itoa(j.batchSize)},
	}
	if continuation != "" {
		query.Set("c", continuation)
	}

	body, err := j.client.Get(ctx, "/reader/api/0/stream/contents/"+readingListStream, query)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	var batch []store.Item
	var bodies = map[string]string{}
	var next string
	err = ingest.ParseItems(body, func(rec ingest.ItemRecord) {
		batch = append(batch, rec.Item)
		if rec.Content != "" {
			bodies[rec.Item.ID] = rec.Content
		}
	}, func(token string) {
		next = token
	})
	if err != nil {
		return "", 0, parseErr(err, "failed to decode item stream")
	}

	if err := j.store.AddItems(batch); err != nil {
		return "", 0, storageErr(err, "failed to store items")
	}

	// Artifact writes are best-effort per item; the row is the primary
	// record and the prefetch pipeline retries missing originals.
	for id, html := range bodies {
		if err := j.artifacts.SaveOriginal(id, []byte(html)); err != nil {
			slog.Warn("Failed to write content artifact", "item", id, "error", err)
		}
	}

	return next, len(batch), nil
}

// reconcileReadState marks locally whatever the server already confirmed as
// read, without generating offline transactions.
func (j *FetchItemsJob) reconcileReadState(ctx context.Context) error {
	body, err := j.client.Get(ctx, "/reader/api/0/stream/items/ids", url.Values{
		"output": {"json"},
		"s":      {readStateTag},
		"n":      {strconv.Itoa(j.batchSize)},
	})
	if err != nil {
		return err
	}
	defer body.Close()

	var ids []string
	if err := ingest.ParseItemIDs(body, func(ref ingest.ItemID) {
		ids = append(ids, longItemID(ref.ID))
	}); err != nil {
		return parseErr(err, "failed to decode read item ids")
	}

	if err := j.store.MarkReadByIDs(ids, false); err != nil {
		return storageErr(err, "failed to reconcile read state")
	}
	return nil
}

// longItemID converts the decimal short form from the item-id list to the
// long form item ids are stored under, e.g. "-355401917359550817" ->
// "tag:google.com,2005:reader/item/fb115bd6d34a8e9f".
func longItemID(short string) string {
	n, err := strconv.ParseInt(short, 10, 64)
	if err != nil {
		return short
	}
	return fmt.Sprintf("tag:google.com,2005:reader/item/%016x", uint64(n))
}

// EditItemTagJob posts a single add/remove tag mutation. The server must
// acknowledge with an exact "OK" body. This is the network leg of an
// offline transaction replay.
type EditItemTagJob struct {
	base
	client *Client
	store  *store.Store
	itemID string
	tagID  string
	add    bool
}

func NewEditItemTagJob(client *Client, st *store.Store, itemID, tagID string, add bool) *EditItemTagJob {
	return &EditItemTagJob{
		base:   newBase("edit_item_tag", fmt.Sprintf("edit_item_tag|%s|%s|%t", itemID, tagID, add)),
		client: client,
		store:  st,
		itemID: itemID,
		tagID:  tagID,
		add:    add,
	}
}

func (j *EditItemTagJob) Run(ctx context.Context) error {
	return editItemTag(ctx, j.client, j.store, j.itemID, j.tagID, j.add)
}

func editItemTag(ctx context.Context, client *Client, st *store.Store, itemID, tagID string, add bool) error {
	token, err := st.GetSetting(store.SettingEditToken)
	if err != nil {
		return storageErr(err, "failed to read edit token")
	}

	form := url.Values{
		"i":     {itemID},
		"T":     {token},
		"async": {"true"},
	}
	if add {
		form.Set("a", tagID)
	} else {
		form.Set("r", tagID)
	}

	body, err := client.PostForm(ctx, "/reader/api/0/edit-tag", form)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != "OK" {
		return parseErr(nil, "edit-tag not acknowledged: %q", strings.TrimSpace(string(body)))
	}
	return nil
}

// UploadTransactionsJob replays the offline edit log oldest-first, deleting
// each entry once the server acknowledged it. Replay stops at the first
// failure and resumes on the next sync pass.
type UploadTransactionsJob struct {
	base
	client *Client
	store  *store.Store
	hub    *store.Hub
}

func NewUploadTransactionsJob(client *Client, st *store.Store, hub *store.Hub) *UploadTransactionsJob {
	return &UploadTransactionsJob{
		base:   newBase("upload_transactions", "upload_transactions"),
		client: client,
		store:  st,
		hub:    hub,
	}
}

func (j *UploadTransactionsJob) Run(ctx context.Context) error {
	pending, err := j.store.ListTransactions()
	if err != nil {
		return storageErr(err, "failed to list pending transactions")
	}
	if len(pending) == 0 {
		return nil
	}

	for i, tx := range pending {
		tagID, add := transactionEdit(tx.Type)
		if tagID == "" {
			// Unknown type; drop the entry rather than wedging the log.
			if err := j.store.DeleteTransaction(tx.ID); err != nil {
				return storageErr(err, "failed to drop transaction %d", tx.ID)
			}
			continue
		}

		if err := editItemTag(ctx, j.client, j.store, tx.EntityID, tagID, add); err != nil {
			return err
		}

		if err := j.store.DeleteTransaction(tx.ID); err != nil {
			return storageErr(err, "failed to delete replayed transaction %d", tx.ID)
		}

		j.hub.NotifySyncProgress(j.Kind(), "Uploading edits", i+1, len(pending))
	}

	return nil
}

func transactionEdit(t store.TxType) (tagID string, add bool) {
	switch t {
	case store.TxSetRead:
		return readStateTag, true
	case store.TxRemoveRead:
		return readStateTag, false
	case store.TxSetStarred:
		return starredStateTag, true
	case store.TxRemoveStarred:
		return starredStateTag, false
	}
	return "", false
}
