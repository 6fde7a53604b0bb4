// Package storage - Payout intent persistence.
// Intents are the authoritative record of value leaving an escrow. They
// are persisted BEFORE any submission attempt so a crash between plan
// and broadcast never loses a planned transfer.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// ErrPayoutNotFound is returned when no intent matches.
var ErrPayoutNotFound = errors.New("payout not found")

const payoutColumns = `payout_id, deal_id, chain_id, from_addr, to_addr,
	asset_code, amount, purpose, status, min_confirmations,
	payout_group_id, submitted_tx_json, created_at`

// SavePayout inserts or updates a payout intent.
func (s *Storage) SavePayout(p *deal.PayoutIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	submittedTx, err := marshalSubmittedTx(p.SubmittedTx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payouts (
			payout_id, deal_id, chain_id, from_addr, to_addr,
			asset_code, amount, purpose, status, min_confirmations,
			payout_group_id, submitted_tx_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payout_id) DO UPDATE SET
			status = excluded.status,
			submitted_tx_json = excluded.submitted_tx_json,
			payout_group_id = excluded.payout_group_id
	`
	_, err = s.db.Exec(query,
		p.ID, p.DealID, p.ChainID, p.FromEscrow, p.ToAddress,
		p.AssetCode, p.Amount.String(), string(p.Purpose), string(p.Status),
		p.MinConfirmations, nullIfEmpty(p.PayoutGroupID), submittedTx,
		p.CreatedAt.Unix(),
	)
	return err
}

// GetPayout retrieves an intent by id.
func (s *Storage) GetPayout(payoutID string) (*deal.PayoutIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+payoutColumns+" FROM payouts WHERE payout_id = ?", payoutID)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return p, err
}

// GetDealPayouts returns all intents for a deal in intent-id order, the
// order the queue submits them in.
func (s *Storage) GetDealPayouts(dealID string) ([]*deal.PayoutIntent, error) {
	return s.queryPayouts(
		"SELECT "+payoutColumns+" FROM payouts WHERE deal_id = ? ORDER BY payout_id ASC",
		dealID,
	)
}

// GetOpenPayouts returns every intent that has not reached a terminal
// status. Restart recovery re-enqueues these.
func (s *Storage) GetOpenPayouts() ([]*deal.PayoutIntent, error) {
	return s.queryPayouts(
		"SELECT " + payoutColumns + " FROM payouts WHERE status IN ('PENDING', 'SUBMITTED') ORDER BY payout_id ASC",
	)
}

// GetEscrowPayouts returns intents draining one escrow on one chain, in
// intent-id order.
func (s *Storage) GetEscrowPayouts(chainID uint64, fromEscrow string) ([]*deal.PayoutIntent, error) {
	return s.queryPayouts(
		"SELECT "+payoutColumns+" FROM payouts WHERE chain_id = ? AND from_addr = ? ORDER BY payout_id ASC",
		chainID, fromEscrow,
	)
}

// UpdatePayoutStatus moves an intent to a new status, recording the
// submission result when one exists.
func (s *Storage) UpdatePayoutStatus(payoutID string, status deal.PayoutStatus, tx *deal.SubmittedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	submittedTx, err := marshalSubmittedTx(tx)
	if err != nil {
		return err
	}

	var result sql.Result
	if tx != nil {
		result, err = s.db.Exec(
			"UPDATE payouts SET status = ?, submitted_tx_json = ? WHERE payout_id = ?",
			string(status), submittedTx, payoutID,
		)
	} else {
		result, err = s.db.Exec(
			"UPDATE payouts SET status = ? WHERE payout_id = ?",
			string(status), payoutID,
		)
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (s *Storage) queryPayouts(query string, args ...interface{}) ([]*deal.PayoutIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []*deal.PayoutIntent
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func scanPayout(sc dealScanner) (*deal.PayoutIntent, error) {
	var p deal.PayoutIntent
	var amount, purpose, status string
	var groupID, submittedTx sql.NullString
	var createdAt int64

	err := sc.Scan(
		&p.ID, &p.DealID, &p.ChainID, &p.FromEscrow, &p.ToAddress,
		&p.AssetCode, &amount, &purpose, &status, &p.MinConfirmations,
		&groupID, &submittedTx, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	amt, err := deal.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("payout %s: %w", p.ID, err)
	}
	p.Amount = amt
	p.Purpose = deal.PayoutPurpose(purpose)
	p.Status = deal.PayoutStatus(status)
	if groupID.Valid {
		p.PayoutGroupID = groupID.String
	}
	if submittedTx.Valid && submittedTx.String != "" {
		var tx deal.SubmittedTx
		if err := json.Unmarshal([]byte(submittedTx.String), &tx); err != nil {
			return nil, fmt.Errorf("payout %s submitted tx: %w", p.ID, err)
		}
		p.SubmittedTx = &tx
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

func marshalSubmittedTx(tx *deal.SubmittedTx) (interface{}, error) {
	if tx == nil {
		return nil, nil
	}
	b, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal submitted tx: %w", err)
	}
	return string(b), nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
