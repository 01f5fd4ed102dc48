package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Settings keys used by the sync engine.
const (
	SettingAuthToken            = "auth.token"
	SettingEditToken            = "edit.token"
	SettingEditTokenExpiry      = "edit.token.expiry"
	SettingSubscriptionsUpdated = "subscriptions.updated"
	SettingUnreadTotal          = "unread.total"
	SettingUnreadUpdated        = "unread.updated"
	SettingSyncMethod           = "sync.method"
	SettingPrefetchEnabled      = "prefetch.enabled"
	SettingPrefetchNetwork      = "prefetch.network"
)

// GetSetting returns the value for name, or "" when unset.
func (s *Store) GetSetting(name string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", name, err)
	}
	return value, nil
}

// SetSetting upserts a name/value pair.
func (s *Store) SetSetting(name, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", name, err)
	}
	return nil
}

// RemoveSetting deletes a setting by name.
func (s *Store) RemoveSetting(name string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to remove setting %s: %w", name, err)
	}
	return nil
}

// GetSettingInt64 parses a numeric setting, returning 0 when unset.
func (s *Store) GetSettingInt64(name string) (int64, error) {
	value, err := s.GetSetting(name)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not numeric: %w", name, err)
	}
	return n, nil
}

func (s *Store) SetSettingInt64(name string, value int64) error {
	return s.SetSetting(name, strconv.FormatInt(value, 10))
}

// GetSettingTime parses a setting stored as unix microseconds, returning the
// zero time when unset.
func (s *Store) GetSettingTime(name string) (time.Time, error) {
	n, err := s.GetSettingInt64(name)
	if err != nil {
		return time.Time{}, err
	}
	return fromUsec(n), nil
}

func (s *Store) SetSettingTime(name string, t time.Time) error {
	return s.SetSettingInt64(name, usec(t))
}

// GlobalUnread returns the denormalized global unread counter.
func (s *Store) GlobalUnread() (int, error) {
	n, err := s.GetSettingInt64(SettingUnreadTotal)
	return int(n), err
}

// SetGlobalUnread stores the global unread counter, clamped to the display
// cap like every other counter write.
func (s *Store) SetGlobalUnread(count int) error {
	return s.SetSettingInt64(SettingUnreadTotal, int64(clampUnread(count)))
}

func adjustGlobalUnreadTx(tx *sql.Tx, delta int) error {
	var current int
	err := tx.QueryRow(`SELECT COALESCE(value, '0') FROM settings WHERE name = ?`, SettingUnreadTotal).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read global counter: %w", err)
	}
	return setGlobalUnreadTx(tx, current+delta)
}

func setGlobalUnreadTx(tx *sql.Tx, total int) error {
	_, err := tx.Exec(`
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		SettingUnreadTotal, strconv.Itoa(clampUnread(total)))
	if err != nil {
		return fmt.Errorf("failed to write global counter: %w", err)
	}
	return nil
}
