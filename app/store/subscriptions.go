package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AddSubscriptions upserts a batch of subscriptions in one transaction,
// stamping each row with touchedAt so a staleness sweep can later remove
// subscriptions the server no longer reports. Icons are not part of the
// update projection; they are backfilled separately.
func (s *Store) AddSubscriptions(subs []Subscription, touchedAt time.Time) error {
	if len(subs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin add subscriptions: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		var exists bool
		err := tx.QueryRow(`SELECT 1 FROM subscriptions WHERE id = ?`, sub.ID).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check subscription %s: %w", sub.ID, err)
		}

		if exists {
			_, err = tx.Exec(`
				UPDATE subscriptions
				SET url = ?, title = ?, updated_at = ?, sort_id = ?, first_item_at = ?
				WHERE id = ?`,
				sub.URL, sub.Title, usec(touchedAt), sub.SortID, usec(sub.FirstItemAt), sub.ID)
		} else {
			_, err = tx.Exec(`
				INSERT INTO subscriptions (id, url, title, unread_count, updated_at, sort_id, first_item_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sub.ID, sub.URL, sub.Title, clampUnread(sub.UnreadCount),
				usec(touchedAt), sub.SortID, usec(sub.FirstItemAt))
		}
		if err != nil {
			return fmt.Errorf("failed to upsert subscription %s: %w", sub.ID, err)
		}

		if _, err := tx.Exec(`DELETE FROM subscription_tags WHERE subscription_id = ?`, sub.ID); err != nil {
			return fmt.Errorf("failed to clear subscription tags for %s: %w", sub.ID, err)
		}
		for _, tagID := range sub.Tags {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO subscription_tags (subscription_id, tag_id) VALUES (?, ?)`, sub.ID, tagID); err != nil {
				return fmt.Errorf("failed to insert subscription tag %s/%s: %w", sub.ID, tagID, err)
			}
		}

		ids = append(ids, sub.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit add subscriptions: %w", err)
	}

	s.hub.NotifySubscriptionsChanged(ids)
	return nil
}

// GetSubscription returns one subscription with its tag list, or ErrNotFound.
func (s *Store) GetSubscription(id string) (*Subscription, error) {
	var sub Subscription
	var updated, firstItem int64
	err := s.db.QueryRow(`
		SELECT id, url, title, COALESCE(icon, X''), unread_count, updated_at, sort_id, first_item_at
		FROM subscriptions WHERE id = ?`, id).Scan(
		&sub.ID, &sub.URL, &sub.Title, &sub.Icon, &sub.UnreadCount, &updated, &sub.SortID, &firstItem)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.UpdatedAt = fromUsec(updated)
	sub.FirstItemAt = fromUsec(firstItem)

	rows, err := s.db.Query(`SELECT tag_id FROM subscription_tags WHERE subscription_id = ? ORDER BY tag_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tagID string
		if err := rows.Scan(&tagID); err != nil {
			return nil, fmt.Errorf("failed to scan subscription tag: %w", err)
		}
		sub.Tags = append(sub.Tags, tagID)
	}

	return &sub, rows.Err()
}

// ListSubscriptions returns all subscriptions ordered by sort key. Icons are
// omitted; use GetSubscription for the full row.
func (s *Store) ListSubscriptions() ([]Subscription, error) {
	rows, err := s.db.Query(`
		SELECT id, url, title, unread_count, updated_at, sort_id, first_item_at
		FROM subscriptions ORDER BY sort_id, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var updated, firstItem int64
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Title, &sub.UnreadCount, &updated, &sub.SortID, &firstItem); err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		sub.UpdatedAt = fromUsec(updated)
		sub.FirstItemAt = fromUsec(firstItem)
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// SubscriptionsMissingIcon returns ids of subscriptions without a stored
// icon, for the one-at-a-time icon backfill.
func (s *Store) SubscriptionsMissingIcon() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM subscriptions WHERE icon IS NULL OR LENGTH(icon) = 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions missing icon: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetSubscriptionIcon stores a lazily fetched feed icon.
func (s *Store) SetSubscriptionIcon(id string, icon []byte) error {
	res, err := s.db.Exec(`UPDATE subscriptions SET icon = ? WHERE id = ?`, icon, id)
	if err != nil {
		return fmt.Errorf("failed to set subscription icon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.hub.NotifySubscriptionsChanged([]string{id})
	return nil
}

// RemoveSubscription deletes a subscription and its tag join rows.
func (s *Store) RemoveSubscription(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin remove subscription: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM subscription_tags WHERE subscription_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete subscription tags: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remove subscription: %w", err)
	}

	s.hub.NotifySubscriptionsChanged([]string{id})
	return nil
}

// SweepSubscriptionsNotTouchedSince removes subscriptions whose update stamp
// predates the given sync snapshot, i.e. feeds the server stopped reporting.
// Returns the removed ids.
func (s *Store) SweepSubscriptionsNotTouchedSince(snapshot time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin subscription sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM subscriptions WHERE updated_at < ?`, usec(snapshot))
	if err != nil {
		return nil, fmt.Errorf("failed to select stale subscriptions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stale subscription: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale subscriptions: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM subscription_tags WHERE subscription_id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to delete subscription tags: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to delete subscription: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit subscription sweep: %w", err)
	}

	s.hub.NotifySubscriptionsChanged(ids)
	return ids, nil
}

// SetSubscriptionUnread sets one subscription counter from the unread-count
// sync path, clamped to the display cap.
func (s *Store) SetSubscriptionUnread(id string, count int) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET unread_count = ? WHERE id = ?`,
		clampUnread(count), id)
	if err != nil {
		return fmt.Errorf("failed to set subscription unread count: %w", err)
	}
	s.hub.NotifySubscriptionsChanged([]string{id})
	return nil
}

// ZeroSubscriptionUnreadExcept zeroes counters of subscriptions absent from a
// newer unread-count response.
func (s *Store) ZeroSubscriptionUnreadExcept(presentIDs []string) error {
	return s.zeroUnreadExcept("subscriptions", presentIDs)
}

func (s *Store) zeroUnreadExcept(table string, presentIDs []string) error {
	present := make(map[string]bool, len(presentIDs))
	for _, id := range presentIDs {
		present[id] = true
	}

	rows, err := s.db.Query(`SELECT id FROM ` + table + ` WHERE unread_count > 0`)
	if err != nil {
		return fmt.Errorf("failed to select counters in %s: %w", table, err)
	}
	var toZero []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan counter row: %w", err)
		}
		if !present[id] {
			toZero = append(toZero, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate counter rows: %w", err)
	}

	for _, id := range toZero {
		if _, err := s.db.Exec(`UPDATE `+table+` SET unread_count = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to zero counter in %s: %w", table, err)
		}
	}

	if table == "subscriptions" {
		s.hub.NotifySubscriptionsChanged(toZero)
	} else {
		s.hub.NotifyTagsChanged(toZero)
	}
	return nil
}
