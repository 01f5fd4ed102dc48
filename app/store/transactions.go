package store

import (
	"database/sql"
	"fmt"
)

// appendTransactionTx records an offline edit inside the caller's atomic
// unit. The delete-before-insert rule guarantees at most one pending entry
// per (entity, type) pair and clears the contradictory entry, so the log
// never carries both set-read and remove-read for one item.
func appendTransactionTx(tx *sql.Tx, entityID, note string, txType TxType) error {
	if _, err := tx.Exec(`DELETE FROM transactions WHERE entity_id = ? AND type IN (?, ?)`,
		entityID, txType, txType.opposite()); err != nil {
		return fmt.Errorf("failed to clear transaction log: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO transactions (entity_id, note, type) VALUES (?, ?, ?)`,
		entityID, note, txType); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// pendingEditsTx returns the pending edit types per entity. Ingest consults
// this so unacknowledged local edits stay on top of incoming server state.
func pendingEditsTx(tx *sql.Tx) (map[string][]TxType, error) {
	rows, err := tx.Query(`SELECT entity_id, type FROM transactions`)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending transactions: %w", err)
	}
	defer rows.Close()

	pending := map[string][]TxType{}
	for rows.Next() {
		var entityID string
		var txType TxType
		if err := rows.Scan(&entityID, &txType); err != nil {
			return nil, fmt.Errorf("failed to scan pending transaction: %w", err)
		}
		pending[entityID] = append(pending[entityID], txType)
	}
	return pending, rows.Err()
}

// AppendTransaction records an offline edit outside any other mutation.
func (s *Store) AppendTransaction(entityID, note string, txType TxType) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendTransactionTx(tx, entityID, note, txType); err != nil {
		return err
	}

	return tx.Commit()
}

// ListTransactions returns pending offline edits oldest-first for replay.
func (s *Store) ListTransactions() ([]Transaction, error) {
	rows, err := s.db.Query(`SELECT id, entity_id, note, type FROM transactions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.EntityID, &t.Note, &t.Type); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, t)
	}

	return txs, rows.Err()
}

// DeleteTransaction removes one replayed log entry.
func (s *Store) DeleteTransaction(id int64) error {
	_, err := s.db.Exec(`DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return nil
}

// PurgeTransactions empties the offline edit log.
func (s *Store) PurgeTransactions() error {
	_, err := s.db.Exec(`DELETE FROM transactions`)
	if err != nil {
		return fmt.Errorf("failed to purge transactions: %w", err)
	}
	return nil
}
