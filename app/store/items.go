package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// itemColumns is the projection whitelist for the read surface.
var itemColumns = map[string]bool{
	"id": true, "title": true, "author": true, "href": true,
	"feed_id": true, "feed_title": true, "published_at": true,
	"updated_at": true, "is_read": true, "is_starred": true, "is_cached": true,
}

var itemSortColumns = map[string]bool{
	"published_at": true, "updated_at": true, "title": true, "id": true,
}

// AddItems upserts a batch of items in one transaction. Existing rows are
// updated through a narrow projection that leaves is_cached untouched; the
// item's tag join rows are replaced wholesale with the batch's tag list.
// Read/starred state from the batch is overridden by pending offline edits,
// so a local edit the server has not acknowledged yet cannot be reverted by
// a fetch.
func (s *Store) AddItems(items []Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin add items: %w", err)
	}
	defer tx.Rollback()

	pending, err := pendingEditsTx(tx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		for _, txType := range pending[item.ID] {
			switch txType {
			case TxSetRead:
				item.State.IsRead = true
			case TxRemoveRead:
				item.State.IsRead = false
			case TxSetStarred:
				item.State.IsStarred = true
			case TxRemoveStarred:
				item.State.IsStarred = false
			}
		}

		var exists bool
		err := tx.QueryRow(`SELECT 1 FROM items WHERE id = ?`, item.ID).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check item %s: %w", item.ID, err)
		}

		if exists {
			_, err = tx.Exec(`
				UPDATE items
				SET title = ?, author = ?, href = ?, feed_id = ?, feed_title = ?,
				    published_at = ?, updated_at = ?, is_read = ?, is_starred = ?
				WHERE id = ?`,
				item.Title, item.Author, item.Href, item.FeedID, item.FeedTitle,
				usec(item.PublishedAt), usec(item.UpdatedAt),
				item.State.IsRead, item.State.IsStarred, item.ID)
		} else {
			_, err = tx.Exec(`
				INSERT INTO items (id, title, author, href, feed_id, feed_title,
				    published_at, updated_at, is_read, is_starred, is_cached)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				item.ID, item.Title, item.Author, item.Href, item.FeedID, item.FeedTitle,
				usec(item.PublishedAt), usec(item.UpdatedAt),
				item.State.IsRead, item.State.IsStarred, item.State.IsCached)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
		}

		if _, err := tx.Exec(`DELETE FROM item_tags WHERE item_id = ?`, item.ID); err != nil {
			return fmt.Errorf("failed to clear item tags for %s: %w", item.ID, err)
		}
		for _, tagID := range item.Tags {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO item_tags (item_id, tag_id) VALUES (?, ?)`, item.ID, tagID); err != nil {
				return fmt.Errorf("failed to insert item tag %s/%s: %w", item.ID, tagID, err)
			}
		}

		ids = append(ids, item.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit add items: %w", err)
	}

	s.hub.NotifyItemsChanged(ids)
	return nil
}

// GetItem returns a single item with its tag list, or ErrNotFound.
func (s *Store) GetItem(id string) (*Item, error) {
	var item Item
	var published, updated int64
	err := s.db.QueryRow(`
		SELECT id, title, author, href, feed_id, feed_title,
		       published_at, updated_at, is_read, is_starred, is_cached
		FROM items WHERE id = ?`, id).Scan(
		&item.ID, &item.Title, &item.Author, &item.Href, &item.FeedID, &item.FeedTitle,
		&published, &updated, &item.State.IsRead, &item.State.IsStarred, &item.State.IsCached)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	item.PublishedAt = fromUsec(published)
	item.UpdatedAt = fromUsec(updated)

	tags, err := s.itemTagIDs(id)
	if err != nil {
		return nil, err
	}
	item.Tags = tags

	return &item, nil
}

func (s *Store) itemTagIDs(itemID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tag_id FROM item_tags WHERE item_id = ? ORDER BY tag_id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get item tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tagID string
		if err := rows.Scan(&tagID); err != nil {
			return nil, fmt.Errorf("failed to scan item tag: %w", err)
		}
		tags = append(tags, tagID)
	}
	return tags, rows.Err()
}

func buildItemFilter(filter ItemFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.FeedID != "" {
		clauses = append(clauses, "feed_id = ?")
		args = append(args, filter.FeedID)
	}
	if filter.TagID != "" {
		clauses = append(clauses, "id IN (SELECT item_id FROM item_tags WHERE tag_id = ?)")
		args = append(args, filter.TagID)
	}
	if filter.Read != nil {
		clauses = append(clauses, "is_read = ?")
		args = append(args, *filter.Read)
	}
	if filter.Starred != nil {
		clauses = append(clauses, "is_starred = ?")
		args = append(args, *filter.Starred)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "published_at >= ?")
		args = append(args, usec(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "published_at < ?")
		args = append(args, usec(filter.Until))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListItems returns items matching the filter, with optional projection,
// sort order and paging.
func (s *Store) ListItems(filter ItemFilter, opts ListOptions) ([]Item, error) {
	cols := opts.Columns
	if len(cols) == 0 {
		cols = []string{"id", "title", "author", "href", "feed_id", "feed_title",
			"published_at", "updated_at", "is_read", "is_starred", "is_cached"}
	}
	for _, col := range cols {
		if !itemColumns[col] {
			return nil, fmt.Errorf("unknown item column: %s", col)
		}
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "published_at"
	}
	if !itemSortColumns[sortBy] {
		return nil, fmt.Errorf("unknown sort column: %s", sortBy)
	}
	order := " DESC"
	if opts.Ascending {
		order = " ASC"
	}

	where, args := buildItemFilter(filter)
	query := "SELECT " + strings.Join(cols, ", ") + " FROM items" + where +
		" ORDER BY " + sortBy + order
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var published, updated int64
		dest := make([]interface{}, len(cols))
		for i, col := range cols {
			switch col {
			case "id":
				dest[i] = &item.ID
			case "title":
				dest[i] = &item.Title
			case "author":
				dest[i] = &item.Author
			case "href":
				dest[i] = &item.Href
			case "feed_id":
				dest[i] = &item.FeedID
			case "feed_title":
				dest[i] = &item.FeedTitle
			case "published_at":
				dest[i] = &published
			case "updated_at":
				dest[i] = &updated
			case "is_read":
				dest[i] = &item.State.IsRead
			case "is_starred":
				dest[i] = &item.State.IsStarred
			case "is_cached":
				dest[i] = &item.State.IsCached
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		item.PublishedAt = fromUsec(published)
		item.UpdatedAt = fromUsec(updated)
		items = append(items, item)
	}

	return items, rows.Err()
}

// CountItems returns the number of items matching the filter.
func (s *Store) CountItems(filter ItemFilter) (int, error) {
	where, args := buildItemFilter(filter)
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM items"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

// MarkItemRead flips the read flag, decrements the feed's, each tag's and the
// global unread counter by one (clamped at zero), and appends a set-read
// transaction, all in one atomic unit. Marking an already-read item is a
// no-op on every counter.
func (s *Store) MarkItemRead(id string) error {
	return s.setReadState(id, true)
}

// MarkItemUnread is the inverse of MarkItemRead; increments are clamped at
// the display cap.
func (s *Store) MarkItemUnread(id string) error {
	return s.setReadState(id, false)
}

func (s *Store) setReadState(id string, read bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin mark read: %w", err)
	}
	defer tx.Rollback()

	var isRead bool
	var feedID string
	err = tx.QueryRow(`SELECT is_read, feed_id FROM items WHERE id = ?`, id).Scan(&isRead, &feedID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read item state: %w", err)
	}
	if isRead == read {
		return nil
	}

	tagIDs, err := itemTagIDsTx(tx, id)
	if err != nil {
		return err
	}

	// Fixed update order: item state, subscription counter, tag counters,
	// global counter.
	if _, err := tx.Exec(`UPDATE items SET is_read = ?, updated_at = ? WHERE id = ?`,
		read, usec(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("failed to update item state: %w", err)
	}

	delta := -1
	txType := TxSetRead
	if !read {
		delta = 1
		txType = TxRemoveRead
	}

	if err := adjustCountersTx(tx, feedID, tagIDs, delta); err != nil {
		return err
	}

	if err := appendTransactionTx(tx, id, "", txType); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark read: %w", err)
	}

	s.hub.NotifyItemsChanged([]string{id})
	s.hub.NotifySubscriptionsChanged([]string{feedID})
	s.hub.NotifyTagsChanged(tagIDs)
	return nil
}

// MarkItemStarred flips the starred flag and appends a set-starred
// transaction. Starring does not touch unread counters.
func (s *Store) MarkItemStarred(id string) error {
	return s.setStarredState(id, true)
}

func (s *Store) MarkItemUnstarred(id string) error {
	return s.setStarredState(id, false)
}

func (s *Store) setStarredState(id string, starred bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin mark starred: %w", err)
	}
	defer tx.Rollback()

	var isStarred bool
	err = tx.QueryRow(`SELECT is_starred FROM items WHERE id = ?`, id).Scan(&isStarred)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read item state: %w", err)
	}
	if isStarred == starred {
		return nil
	}

	if _, err := tx.Exec(`UPDATE items SET is_starred = ?, updated_at = ? WHERE id = ?`,
		starred, usec(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("failed to update item state: %w", err)
	}

	txType := TxSetStarred
	if !starred {
		txType = TxRemoveStarred
	}
	if err := appendTransactionTx(tx, id, "", txType); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark starred: %w", err)
	}

	s.hub.NotifyItemsChanged([]string{id})
	return nil
}

// SetItemCached flips the content-complete flag. This is the authoritative
// completion signal read by the prefetch pipeline.
func (s *Store) SetItemCached(id string, cached bool) error {
	res, err := s.db.Exec(`UPDATE items SET is_cached = ? WHERE id = ?`, cached, id)
	if err != nil {
		return fmt.Errorf("failed to set cached flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.hub.NotifyItemsChanged([]string{id})
	return nil
}

// MarkAllReadBefore marks every unread item matching the filter and published
// before the cutoff as read, appends a set-read log entry per flipped item so
// the edit survives upload and reconciliation, then recomputes all counters in
// one pass instead of per-row deltas.
func (s *Store) MarkAllReadBefore(filter ItemFilter, cutoff time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin mark all read: %w", err)
	}
	defer tx.Rollback()

	unread := false
	filter.Read = &unread
	filter.Until = cutoff
	where, args := buildItemFilter(filter)

	rows, err := tx.Query("SELECT id FROM items"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to select unread items: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unread item: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate unread items: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE items SET is_read = 1 WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to mark item %s read: %w", id, err)
		}
		if err := appendTransactionTx(tx, id, "", TxSetRead); err != nil {
			return 0, err
		}
	}

	if err := recomputeCountersTx(tx); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit mark all read: %w", err)
	}

	s.hub.NotifyItemsChanged(ids)
	return len(ids), nil
}

// MarkReadByIDs applies a server-confirmed read position: each listed item is
// marked read without per-row counter churn or transaction-log entries, and
// optionally everything published strictly before the earliest listed item is
// marked read too. Counters are recomputed once at the end.
func (s *Store) MarkReadByIDs(ids []string, includeOlder bool) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin mark read by ids: %w", err)
	}
	defer tx.Rollback()

	var earliest int64 = -1
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE items SET is_read = 1 WHERE id = ? AND is_read = 0`, id); err != nil {
			return fmt.Errorf("failed to mark item %s read: %w", id, err)
		}
		if includeOlder {
			var published int64
			err := tx.QueryRow(`SELECT published_at FROM items WHERE id = ?`, id).Scan(&published)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("failed to read item boundary: %w", err)
			}
			if err == nil && (earliest < 0 || published < earliest) {
				earliest = published
			}
		}
	}

	if includeOlder && earliest >= 0 {
		if _, err := tx.Exec(`UPDATE items SET is_read = 1 WHERE published_at < ? AND is_read = 0`, earliest); err != nil {
			return fmt.Errorf("failed to mark older items read: %w", err)
		}
	}

	if err := recomputeCountersTx(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark read by ids: %w", err)
	}

	s.hub.NotifyItemsChanged(ids)
	return nil
}

// RemoveItem deletes an item, its join rows, its pending transactions and its
// on-disk content artifacts.
func (s *Store) RemoveItem(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin remove item: %w", err)
	}
	defer tx.Rollback()

	if err := deleteItemsTx(tx, []string{id}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remove item: %w", err)
	}

	s.dropArtifacts([]string{id})
	s.hub.NotifyItemsChanged([]string{id})
	return nil
}

// SweepOutdated deletes unstarred items whose update timestamp is older than
// the cutoff, keeping the newest retention rows regardless. Returns the
// number of removed items.
func (s *Store) SweepOutdated(cutoff time.Time, retention int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM items
		WHERE updated_at < ? AND is_starred = 0
		  AND id NOT IN (SELECT id FROM items ORDER BY updated_at DESC LIMIT ?)`,
		usec(cutoff), retention)
	if err != nil {
		return 0, fmt.Errorf("failed to select outdated items: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outdated item: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate outdated items: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	if err := deleteItemsTx(tx, ids); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}

	s.dropArtifacts(ids)
	s.hub.NotifyItemsChanged(ids)
	return len(ids), nil
}

// ItemsMissingContent returns items not yet marked content-complete, newest
// first, for the prefetch pipeline.
func (s *Store) ItemsMissingContent(limit int) ([]Item, error) {
	query := `
		SELECT id, title, author, href, feed_id, feed_title,
		       published_at, updated_at, is_read, is_starred, is_cached
		FROM items WHERE is_cached = 0
		ORDER BY published_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list items missing content: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var published, updated int64
		if err := rows.Scan(&item.ID, &item.Title, &item.Author, &item.Href,
			&item.FeedID, &item.FeedTitle, &published, &updated,
			&item.State.IsRead, &item.State.IsStarred, &item.State.IsCached); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		item.PublishedAt = fromUsec(published)
		item.UpdatedAt = fromUsec(updated)
		items = append(items, item)
	}

	return items, rows.Err()
}

func deleteItemsTx(tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM item_tags WHERE item_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete item tags for %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM transactions WHERE entity_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete transactions for %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete item %s: %w", id, err)
		}
	}
	return nil
}

func itemTagIDsTx(tx *sql.Tx, itemID string) ([]string, error) {
	rows, err := tx.Query(`SELECT tag_id FROM item_tags WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get item tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tagID string
		if err := rows.Scan(&tagID); err != nil {
			return nil, fmt.Errorf("failed to scan item tag: %w", err)
		}
		tags = append(tags, tagID)
	}
	return tags, rows.Err()
}

// adjustCountersTx applies one unread delta to the subscription, tag and
// global counters, clamped to [0, UnreadCap].
func adjustCountersTx(tx *sql.Tx, feedID string, tagIDs []string, delta int) error {
	if feedID != "" {
		if _, err := tx.Exec(`
			UPDATE subscriptions
			SET unread_count = MAX(0, MIN(unread_count + ?, ?))
			WHERE id = ?`, delta, UnreadCap, feedID); err != nil {
			return fmt.Errorf("failed to adjust subscription counter: %w", err)
		}
	}
	for _, tagID := range tagIDs {
		if _, err := tx.Exec(`
			UPDATE tags
			SET unread_count = MAX(0, MIN(unread_count + ?, ?))
			WHERE id = ?`, delta, UnreadCap, tagID); err != nil {
			return fmt.Errorf("failed to adjust tag counter: %w", err)
		}
	}
	return adjustGlobalUnreadTx(tx, delta)
}

// recomputeCountersTx rebuilds every unread counter from the items table in
// one pass. Used by the bulk read-marking paths.
func recomputeCountersTx(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		UPDATE subscriptions
		SET unread_count = MIN(?, (SELECT COUNT(*) FROM items
		    WHERE items.feed_id = subscriptions.id AND items.is_read = 0))`, UnreadCap); err != nil {
		return fmt.Errorf("failed to recompute subscription counters: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE tags
		SET unread_count = MIN(?, (SELECT COUNT(*) FROM item_tags
		    JOIN items ON items.id = item_tags.item_id
		    WHERE item_tags.tag_id = tags.id AND items.is_read = 0))`, UnreadCap); err != nil {
		return fmt.Errorf("failed to recompute tag counters: %w", err)
	}

	var total int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM items WHERE is_read = 0`).Scan(&total); err != nil {
		return fmt.Errorf("failed to recompute global counter: %w", err)
	}
	return setGlobalUnreadTx(tx, total)
}
