package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AddTags upserts a batch of tags in one transaction.
func (s *Store) AddTags(tags []Tag, touchedAt time.Time) error {
	if len(tags) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin add tags: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(tags))
	for _, tag := range tags {
		var exists bool
		err := tx.QueryRow(`SELECT 1 FROM tags WHERE id = ?`, tag.ID).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check tag %s: %w", tag.ID, err)
		}

		if exists {
			_, err = tx.Exec(`UPDATE tags SET updated_at = ?, sort_id = ? WHERE id = ?`,
				usec(touchedAt), tag.SortID, tag.ID)
		} else {
			_, err = tx.Exec(`INSERT INTO tags (id, unread_count, updated_at, sort_id) VALUES (?, ?, ?, ?)`,
				tag.ID, clampUnread(tag.UnreadCount), usec(touchedAt), tag.SortID)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert tag %s: %w", tag.ID, err)
		}

		ids = append(ids, tag.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit add tags: %w", err)
	}

	s.hub.NotifyTagsChanged(ids)
	return nil
}

// GetTag returns one tag or ErrNotFound.
func (s *Store) GetTag(id string) (*Tag, error) {
	var tag Tag
	var updated int64
	err := s.db.QueryRow(`SELECT id, unread_count, updated_at, sort_id FROM tags WHERE id = ?`, id).
		Scan(&tag.ID, &tag.UnreadCount, &updated, &tag.SortID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tag: %w", err)
	}
	tag.UpdatedAt = fromUsec(updated)
	return &tag, nil
}

// ListTags returns all tags ordered by sort key.
func (s *Store) ListTags() ([]Tag, error) {
	rows, err := s.db.Query(`SELECT id, unread_count, updated_at, sort_id FROM tags ORDER BY sort_id, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var tag Tag
		var updated int64
		if err := rows.Scan(&tag.ID, &tag.UnreadCount, &updated, &tag.SortID); err != nil {
			return nil, fmt.Errorf("failed to scan tag row: %w", err)
		}
		tag.UpdatedAt = fromUsec(updated)
		tags = append(tags, tag)
	}

	return tags, rows.Err()
}

// RemoveTag deletes a tag and every join row referencing it.
func (s *Store) RemoveTag(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin remove tag: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM item_tags WHERE tag_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete item tag rows: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM subscription_tags WHERE tag_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete subscription tag rows: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tags WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remove tag: %w", err)
	}

	s.hub.NotifyTagsChanged([]string{id})
	return nil
}

// SetTagUnread sets one tag counter from the unread-count sync path, clamped
// to the display cap.
func (s *Store) SetTagUnread(id string, count int) error {
	_, err := s.db.Exec(`UPDATE tags SET unread_count = ? WHERE id = ?`, clampUnread(count), id)
	if err != nil {
		return fmt.Errorf("failed to set tag unread count: %w", err)
	}
	s.hub.NotifyTagsChanged([]string{id})
	return nil
}

// ZeroTagUnreadExcept zeroes counters of tags absent from a newer
// unread-count response.
func (s *Store) ZeroTagUnreadExcept(presentIDs []string) error {
	return s.zeroUnreadExcept("tags", presentIDs)
}
