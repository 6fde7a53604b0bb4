// Package storage - Escrow deposit persistence.
// The watcher reconciles adapter observations into this ledger; the
// engine judges collection sufficiency from it. Synthetic placeholders
// keep their row through resolution, swapping the placeholder txid for
// the real one.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// ErrDepositNotFound is returned when no deposit row matches.
var ErrDepositNotFound = errors.New("deposit not found")

const depositColumns = `asset_code, amount, txid, original_txid,
	block_height, confirmations, min_conf_required, status,
	is_synthetic, resolution_status, settled, observed_at`

// UpsertDeposit records or refreshes one observed credit. The key is
// (deal, side, txid, asset); repeated polls update confirmation state
// in place.
func (s *Storage) UpsertDeposit(dealID string, side deal.Side, d *deal.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// settled is deliberately absent from the conflict update: polls
	// carry stale snapshots and must never un-settle a deposit. Settling
	// goes through MarkDepositSettled / MarkConfirmedDepositsSettled.
	query := `
		INSERT INTO escrow_deposits (
			deal_id, side, asset_code, amount, txid, original_txid,
			block_height, confirmations, min_conf_required, status,
			is_synthetic, resolution_status, settled, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deal_id, side, txid, asset_code) DO UPDATE SET
			amount = excluded.amount,
			block_height = excluded.block_height,
			confirmations = excluded.confirmations,
			status = excluded.status,
			resolution_status = excluded.resolution_status
	`
	_, err := s.db.Exec(query,
		dealID, string(side), d.AssetCode, d.Amount.String(), d.TxID,
		nullIfEmpty(d.OriginalTxID),
		d.BlockHeight, d.Confirmations, d.MinConfRequired, string(d.Status),
		boolToInt(d.IsSynthetic), nullIfEmpty(d.ResolutionStatus),
		boolToInt(d.Settled),
		timeToUnixOrZero(d.ObservedAt),
	)
	return err
}

// MarkDepositSettled flags one deposit's value as allocated to a payout
// intent.
func (s *Storage) MarkDepositSettled(dealID string, side deal.Side, txid, assetCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE escrow_deposits SET settled = 1 WHERE deal_id = ? AND side = ? AND txid = ? AND asset_code = ?",
		dealID, string(side), txid, assetCode,
	)
	return err
}

// MarkConfirmedDepositsSettled flags every confirmed deposit on one side
// as allocated. Planners call this at SWAP entry and when refund intents
// cover the side's whole confirmed balance, so post-closure surveillance
// only refunds deposits that confirmed after the plan was drawn.
func (s *Storage) MarkConfirmedDepositsSettled(dealID string, side deal.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE escrow_deposits SET settled = 1 WHERE deal_id = ? AND side = ? AND status = ?",
		dealID, string(side), string(deal.DepositConfirmed),
	)
	return err
}

// GetDeposits returns all deposits for one side of a deal.
func (s *Storage) GetDeposits(dealID string, side deal.Side) ([]*deal.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDepositsLocked(dealID, side)
}

func (s *Storage) getDepositsLocked(dealID string, side deal.Side) ([]*deal.Deposit, error) {
	// Chain order first, observation time second: two deposits seen in
	// the same second still sort by the blocks that mined them. The
	// txid tiebreak keeps same-block entries stable.
	query := `
		SELECT ` + depositColumns + `
		FROM escrow_deposits
		WHERE deal_id = ? AND side = ?
		ORDER BY block_height ASC, observed_at ASC, txid ASC
	`
	rows, err := s.db.Query(query, dealID, string(side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []*deal.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

// GetUnresolvedSyntheticDeposits returns synthetic placeholders still
// awaiting resolution, oldest first.
func (s *Storage) GetUnresolvedSyntheticDeposits() ([]*SyntheticDepositRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT deal_id, side, ` + depositColumns + `
		FROM escrow_deposits
		WHERE is_synthetic = 1 AND (resolution_status IS NULL OR resolution_status = ?)
		ORDER BY observed_at ASC
	`
	rows, err := s.db.Query(query, deal.ResolutionPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []*SyntheticDepositRef
	for rows.Next() {
		var ref SyntheticDepositRef
		var side string
		d, err := scanDepositWith(rows, &ref.DealID, &side)
		if err != nil {
			return nil, err
		}
		parsedSide, err := deal.ParseSide(side)
		if err != nil {
			return nil, err
		}
		ref.Side = parsedSide
		ref.Deposit = d
		refs = append(refs, &ref)
	}
	return refs, rows.Err()
}

// SyntheticDepositRef locates one synthetic deposit in its deal.
type SyntheticDepositRef struct {
	DealID  string
	Side    deal.Side
	Deposit *deal.Deposit
}

// ResolveSyntheticDeposit replaces a placeholder txid with the real one,
// keeping the placeholder in original_txid for the audit trail.
func (s *Storage) ResolveSyntheticDeposit(dealID string, side deal.Side, syntheticTxID, realTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE escrow_deposits SET
			txid = ?, original_txid = ?, is_synthetic = 0, resolution_status = ?
		 WHERE deal_id = ? AND side = ? AND txid = ?`,
		realTxID, syntheticTxID, deal.ResolutionResolved,
		dealID, string(side), syntheticTxID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDepositNotFound
	}
	return nil
}

// MarkSyntheticResolutionFailed records that resolution gave up. The
// deposit keeps counting; only its provenance stays unresolved.
func (s *Storage) MarkSyntheticResolutionFailed(dealID string, side deal.Side, syntheticTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE escrow_deposits SET resolution_status = ? WHERE deal_id = ? AND side = ? AND txid = ?",
		deal.ResolutionFailed, dealID, string(side), syntheticTxID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDepositNotFound
	}
	return nil
}

func scanDeposit(sc dealScanner) (*deal.Deposit, error) {
	return scanDepositWith(sc)
}

// scanDepositWith scans a deposit row, with optional leading columns
// (deal_id, side) captured into extra destinations.
func scanDepositWith(sc dealScanner, extra ...interface{}) (*deal.Deposit, error) {
	var d deal.Deposit
	var amount, status string
	var originalTxID, resolutionStatus *string
	var isSynthetic, settled int
	var observedAt int64

	dest := append(extra,
		&d.AssetCode, &amount, &d.TxID, &originalTxID,
		&d.BlockHeight, &d.Confirmations, &d.MinConfRequired, &status,
		&isSynthetic, &resolutionStatus, &settled, &observedAt,
	)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	amt, err := deal.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("deposit %s: %w", d.TxID, err)
	}
	d.Amount = amt
	d.Status = deal.DepositStatus(status)
	d.IsSynthetic = isSynthetic == 1
	d.Settled = settled == 1
	if originalTxID != nil {
		d.OriginalTxID = *originalTxID
	}
	if resolutionStatus != nil {
		d.ResolutionStatus = *resolutionStatus
	}
	if observedAt > 0 {
		d.ObservedAt = time.Unix(observedAt, 0).UTC()
	}
	return &d, nil
}
