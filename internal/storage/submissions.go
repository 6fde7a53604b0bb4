// Package storage - Adapter submission ledger.
// Maps intent id to broadcast txid so SubmitTransfer stays idempotent
// across process restarts. Implements the ledger interface the chain
// adapters consult before every broadcast.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetSubmission returns the recorded broadcast for an intent id, if any.
func (s *Storage) GetSubmission(intentID string) (string, []string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var txid string
	var additional sql.NullString
	err := s.db.QueryRow(
		"SELECT txid, additional_txids_json FROM adapter_submissions WHERE intent_id = ?",
		intentID,
	).Scan(&txid, &additional)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil, false, nil
		}
		return "", nil, false, err
	}

	var additionalTxIDs []string
	if additional.Valid && additional.String != "" {
		if err := json.Unmarshal([]byte(additional.String), &additionalTxIDs); err != nil {
			return "", nil, false, fmt.Errorf("submission %s: %w", intentID, err)
		}
	}
	return txid, additionalTxIDs, true, nil
}

// RecordSubmission persists a broadcast result. The first write for an
// intent id wins; a replay keeps the original txid.
func (s *Storage) RecordSubmission(intentID string, chainID uint64, txid string, additionalTxIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var additional interface{}
	if len(additionalTxIDs) > 0 {
		b, err := json.Marshal(additionalTxIDs)
		if err != nil {
			return fmt.Errorf("marshal additional txids: %w", err)
		}
		additional = string(b)
	}

	query := `
		INSERT INTO adapter_submissions (intent_id, chain_id, txid, additional_txids_json, submitted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(intent_id) DO NOTHING
	`
	_, err := s.db.Exec(query, intentID, chainID, txid, additional, time.Now().Unix())
	return err
}
