// Package storage - Payout queue persistence.
// One item per payout intent, carrying the retry bookkeeping and the
// escrow handle the worker needs without re-reading the deal. The
// submit_started_at stamp lands immediately before SubmitTransfer so a
// crash between broadcast and the txid write is recoverable.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// ErrQueueItemNotFound is returned when no queue item matches.
var ErrQueueItemNotFound = errors.New("queue item not found")

// QueueItem is one unit of payout work.
type QueueItem struct {
	ID      string // same id as the payout intent
	DealID  string
	ChainID uint64

	Asset   string
	Amount  *deal.Amount
	From    deal.Escrow
	ToAddr  string
	Purpose deal.PayoutPurpose

	Status      deal.PayoutStatus
	SubmittedTx *deal.SubmittedTx

	RetryCount    int
	NextRetryAt   time.Time
	LastAttemptAt time.Time

	SubmitStartedAt time.Time
	LastError       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

const queueColumns = `id, payout_id, deal_id, chain_id, asset, amount,
	from_json, to_addr, purpose, status, submitted_tx_json,
	retry_count, next_retry_at, last_attempt_at, submit_started_at,
	last_error, created_at, updated_at`

// EnqueuePayout creates a queue item for a pending intent. The item id
// is the intent id, so intent-id ordering is queue ordering.
func (s *Storage) EnqueuePayout(p *deal.PayoutIntent, from deal.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromJSON, err := json.Marshal(from)
	if err != nil {
		return fmt.Errorf("marshal escrow: %w", err)
	}

	now := time.Now().Unix()
	query := `
		INSERT INTO queue_items (
			id, payout_id, deal_id, chain_id, asset, amount,
			from_json, to_addr, purpose, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = s.db.Exec(query,
		p.ID, p.ID, p.DealID, p.ChainID, p.AssetCode, p.Amount.String(),
		string(fromJSON), p.ToAddress, string(p.Purpose),
		now, now,
	)
	return err
}

// GetQueueItem retrieves one item.
func (s *Storage) GetQueueItem(id string) (*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+queueColumns+" FROM queue_items WHERE id = ?", id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrQueueItemNotFound
	}
	return item, err
}

// GetDueQueueItems returns open items whose retry time has passed, in
// id order so per-escrow submission order is deterministic.
func (s *Storage) GetDueQueueItems(now time.Time) ([]*QueueItem, error) {
	return s.queryQueueItems(
		`SELECT `+queueColumns+` FROM queue_items
		 WHERE status IN ('PENDING', 'SUBMITTED') AND next_retry_at <= ?
		 ORDER BY id ASC`,
		now.Unix(),
	)
}

// GetOpenQueueItems returns everything not yet terminal, for restart
// recovery.
func (s *Storage) GetOpenQueueItems() ([]*QueueItem, error) {
	return s.queryQueueItems(
		`SELECT ` + queueColumns + ` FROM queue_items
		 WHERE status IN ('PENDING', 'SUBMITTED')
		 ORDER BY id ASC`,
	)
}

// GetInterruptedQueueItems returns items whose submission started but
// never recorded a result: candidates for idempotent resubmission.
func (s *Storage) GetInterruptedQueueItems() ([]*QueueItem, error) {
	return s.queryQueueItems(
		`SELECT ` + queueColumns + ` FROM queue_items
		 WHERE status = 'PENDING' AND submit_started_at > 0
		 ORDER BY id ASC`,
	)
}

// MarkSubmitStarted stamps the pre-broadcast marker.
func (s *Storage) MarkSubmitStarted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	return s.execOnQueueItem(
		"UPDATE queue_items SET submit_started_at = ?, last_attempt_at = ?, updated_at = ? WHERE id = ?",
		now, now, now, id,
	)
}

// MarkSubmitted records a successful broadcast.
func (s *Storage) MarkSubmitted(id string, tx *deal.SubmittedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txJSON, err := marshalSubmittedTx(tx)
	if err != nil {
		return err
	}
	return s.execOnQueueItem(
		"UPDATE queue_items SET status = 'SUBMITTED', submitted_tx_json = ?, last_error = NULL, updated_at = ? WHERE id = ?",
		txJSON, time.Now().Unix(), id,
	)
}

// ScheduleRetry records a transient failure and the next attempt time.
func (s *Storage) ScheduleRetry(id string, attemptErr string, nextAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execOnQueueItem(
		`UPDATE queue_items SET
			retry_count = retry_count + 1,
			next_retry_at = ?, last_error = ?,
			submit_started_at = 0, updated_at = ?
		 WHERE id = ?`,
		nextAt.Unix(), attemptErr, time.Now().Unix(), id,
	)
}

// SetQueueItemStatus moves an item to a terminal or tracking status.
func (s *Storage) SetQueueItemStatus(id string, status deal.PayoutStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execOnQueueItem(
		"UPDATE queue_items SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(status), nullIfEmpty(lastError), time.Now().Unix(), id,
	)
}

// UpdateQueueItemTx refreshes the submitted tx blob, used as
// confirmations accrue and internal transfers are discovered.
func (s *Storage) UpdateQueueItemTx(id string, tx *deal.SubmittedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txJSON, err := marshalSubmittedTx(tx)
	if err != nil {
		return err
	}
	return s.execOnQueueItem(
		"UPDATE queue_items SET submitted_tx_json = ?, updated_at = ? WHERE id = ?",
		txJSON, time.Now().Unix(), id,
	)
}

// QueueDepth returns counts of open and terminal items.
func (s *Storage) QueueDepth() (open, terminal int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM queue_items WHERE status IN ('PENDING', 'SUBMITTED')",
	).Scan(&open)
	if err != nil {
		return
	}
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM queue_items WHERE status IN ('COMPLETED', 'FAILED')",
	).Scan(&terminal)
	return
}

func (s *Storage) execOnQueueItem(query string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrQueueItemNotFound
	}
	return nil
}

func (s *Storage) queryQueueItems(query string, args ...interface{}) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanQueueItem(sc dealScanner) (*QueueItem, error) {
	var item QueueItem
	var payoutID string
	var amount, fromJSON, purpose, status string
	var submittedTx, lastError sql.NullString
	var nextRetryAt, lastAttemptAt, submitStartedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(
		&item.ID, &payoutID, &item.DealID, &item.ChainID, &item.Asset, &amount,
		&fromJSON, &item.ToAddr, &purpose, &status, &submittedTx,
		&item.RetryCount, &nextRetryAt, &lastAttemptAt, &submitStartedAt,
		&lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	amt, err := deal.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("queue item %s: %w", item.ID, err)
	}
	item.Amount = amt
	if err := json.Unmarshal([]byte(fromJSON), &item.From); err != nil {
		return nil, fmt.Errorf("queue item %s escrow: %w", item.ID, err)
	}
	item.Purpose = deal.PayoutPurpose(purpose)
	item.Status = deal.PayoutStatus(status)
	if submittedTx.Valid && submittedTx.String != "" {
		var tx deal.SubmittedTx
		if err := json.Unmarshal([]byte(submittedTx.String), &tx); err != nil {
			return nil, fmt.Errorf("queue item %s submitted tx: %w", item.ID, err)
		}
		item.SubmittedTx = &tx
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
	if nextRetryAt.Valid && nextRetryAt.Int64 > 0 {
		item.NextRetryAt = time.Unix(nextRetryAt.Int64, 0).UTC()
	}
	if lastAttemptAt.Valid && lastAttemptAt.Int64 > 0 {
		item.LastAttemptAt = time.Unix(lastAttemptAt.Int64, 0).UTC()
	}
	if submitStartedAt.Valid && submitStartedAt.Int64 > 0 {
		item.SubmitStartedAt = time.Unix(submitStartedAt.Int64, 0).UTC()
	}
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	item.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &item, nil
}
