// Package storage - Deal persistence.
// This file provides CRUD operations for deal records, enabling recovery
// of in-flight deals after daemon restart. Per-side structures live in
// JSON columns; deposits are hydrated from their own table.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// Deal persistence errors
var (
	ErrDealNotFound    = errors.New("deal not found")
	ErrVersionConflict = errors.New("deal was modified concurrently")
)

const dealColumns = `id, name, stage, timeout_seconds, expires_at,
	spec_a_json, spec_b_json, commission_plan_json,
	escrow_a_json, escrow_b_json, side_a_state_json, side_b_state_json,
	events_json, gas_reimbursement_json,
	created_at, updated_at, closed_at, version`

// SaveDeal inserts a new deal or updates an existing one. Updates carry
// an optimistic version check: the write only lands when the caller's
// in-memory version matches the stored row, and every successful write
// bumps the version.
func (s *Storage) SaveDeal(d *deal.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.UpdatedAt = time.Now().UTC()

	specA, err := json.Marshal(d.Specs[deal.SideA])
	if err != nil {
		return fmt.Errorf("marshal spec A: %w", err)
	}
	specB, err := json.Marshal(d.Specs[deal.SideB])
	if err != nil {
		return fmt.Errorf("marshal spec B: %w", err)
	}
	plans, err := json.Marshal(d.CommissionPlans)
	if err != nil {
		return fmt.Errorf("marshal commission plans: %w", err)
	}
	escrowA, err := marshalOrNull(d.Escrows[deal.SideA])
	if err != nil {
		return err
	}
	escrowB, err := marshalOrNull(d.Escrows[deal.SideB])
	if err != nil {
		return err
	}
	sideA, err := json.Marshal(d.SideStates[deal.SideA])
	if err != nil {
		return fmt.Errorf("marshal side A state: %w", err)
	}
	sideB, err := json.Marshal(d.SideStates[deal.SideB])
	if err != nil {
		return fmt.Errorf("marshal side B state: %w", err)
	}
	events, err := json.Marshal(d.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	gasReimb, err := marshalOrNull(d.GasReimbursement)
	if err != nil {
		return err
	}

	if d.Version == 0 {
		query := `
			INSERT INTO deals (
				id, name, stage, timeout_seconds, expires_at,
				spec_a_json, spec_b_json, commission_plan_json,
				escrow_a_json, escrow_b_json,
				side_a_state_json, side_b_state_json,
				events_json, gas_reimbursement_json,
				created_at, updated_at, closed_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`
		_, err = s.db.Exec(query,
			d.ID, d.Name, string(d.Stage), d.TimeoutSeconds, timeToUnixOrZero(d.ExpiresAt),
			string(specA), string(specB), string(plans),
			escrowA, escrowB, string(sideA), string(sideB),
			string(events), gasReimb,
			d.CreatedAt.Unix(), d.UpdatedAt.Unix(), timeToUnixOrZero(d.ClosedAt),
		)
		if err != nil {
			return err
		}
		d.Version = 1
		return nil
	}

	query := `
		UPDATE deals SET
			name = ?, stage = ?, timeout_seconds = ?, expires_at = ?,
			spec_a_json = ?, spec_b_json = ?, commission_plan_json = ?,
			escrow_a_json = ?, escrow_b_json = ?,
			side_a_state_json = ?, side_b_state_json = ?,
			events_json = ?, gas_reimbursement_json = ?,
			updated_at = ?, closed_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := s.db.Exec(query,
		d.Name, string(d.Stage), d.TimeoutSeconds, timeToUnixOrZero(d.ExpiresAt),
		string(specA), string(specB), string(plans),
		escrowA, escrowB, string(sideA), string(sideB),
		string(events), gasReimb,
		d.UpdatedAt.Unix(), timeToUnixOrZero(d.ClosedAt),
		d.ID, d.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

// GetDeal loads a deal with its party details and deposits hydrated.
func (s *Storage) GetDeal(dealID string) (*deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+dealColumns+" FROM deals WHERE id = ?", dealID)
	d, err := scanDeal(row)
	if err != nil {
		return nil, err
	}
	if err := s.hydrateDeal(d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetActiveDeals returns every deal not in a terminal stage. These are
// the deals the engine resumes ownership of on startup.
func (s *Storage) GetActiveDeals() ([]*deal.Deal, error) {
	return s.queryDeals(
		"SELECT "+dealColumns+" FROM deals WHERE stage NOT IN ('CLOSED', 'REVERTED') ORDER BY created_at ASC",
	)
}

// GetDealsClosedAfter returns terminal deals closed at or after the
// cutoff. Post-closure escrow surveillance runs off this set.
func (s *Storage) GetDealsClosedAfter(cutoff time.Time) ([]*deal.Deal, error) {
	return s.queryDeals(
		"SELECT "+dealColumns+" FROM deals WHERE closed_at >= ? AND closed_at > 0 ORDER BY closed_at ASC",
		cutoff.Unix(),
	)
}

// ListDeals returns deals ordered by last update, newest first.
func (s *Storage) ListDeals(limit int) ([]*deal.Deal, error) {
	query := "SELECT " + dealColumns + " FROM deals ORDER BY updated_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryDeals(query)
}

// DealCount returns counts of active and terminal deals.
func (s *Storage) DealCount() (active, terminal int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM deals WHERE stage NOT IN ('CLOSED', 'REVERTED')",
	).Scan(&active)
	if err != nil {
		return
	}
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM deals WHERE stage IN ('CLOSED', 'REVERTED')",
	).Scan(&terminal)
	return
}

func (s *Storage) queryDeals(query string, args ...interface{}) ([]*deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []*deal.Deal
	for rows.Next() {
		d, err := scanDealRows(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range deals {
		if err := s.hydrateDeal(d); err != nil {
			return nil, err
		}
	}
	return deals, nil
}

// hydrateDeal attaches party details and deposits from their own tables
// and rebuilds the per-side collected aggregates. Callers hold the lock.
func (s *Storage) hydrateDeal(d *deal.Deal) error {
	details, err := s.getPartyDetailsLocked(d.ID)
	if err != nil {
		return err
	}
	d.PartyDetails = details

	for _, side := range deal.Sides() {
		deposits, err := s.getDepositsLocked(d.ID, side)
		if err != nil {
			return err
		}
		ss := d.SideState(side)
		ss.Deposits = deposits
		ss.RecomputeCollected()
	}
	return nil
}

type dealScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(row *sql.Row) (*deal.Deal, error) {
	d, err := scanDealFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

func scanDealRows(rows *sql.Rows) (*deal.Deal, error) {
	return scanDealFrom(rows)
}

func scanDealFrom(sc dealScanner) (*deal.Deal, error) {
	var d deal.Deal
	var stage string
	var specA, specB, sideA, sideB, events string
	var plans, escrowA, escrowB, gasReimb sql.NullString
	var expiresAt, createdAt, updatedAt, closedAt int64

	err := sc.Scan(
		&d.ID, &d.Name, &stage, &d.TimeoutSeconds, &expiresAt,
		&specA, &specB, &plans,
		&escrowA, &escrowB, &sideA, &sideB,
		&events, &gasReimb,
		&createdAt, &updatedAt, &closedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}

	d.Stage = deal.Stage(stage)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if expiresAt > 0 {
		d.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	}
	if closedAt > 0 {
		d.ClosedAt = time.Unix(closedAt, 0).UTC()
	}

	d.Specs = make(map[deal.Side]*deal.AssetSpec)
	var sa, sb deal.AssetSpec
	if err := json.Unmarshal([]byte(specA), &sa); err != nil {
		return nil, fmt.Errorf("unmarshal spec A: %w", err)
	}
	if err := json.Unmarshal([]byte(specB), &sb); err != nil {
		return nil, fmt.Errorf("unmarshal spec B: %w", err)
	}
	d.Specs[deal.SideA] = &sa
	d.Specs[deal.SideB] = &sb

	d.CommissionPlans = make(map[deal.Side]*deal.CommissionPlan)
	if plans.Valid && plans.String != "" {
		if err := json.Unmarshal([]byte(plans.String), &d.CommissionPlans); err != nil {
			return nil, fmt.Errorf("unmarshal commission plans: %w", err)
		}
	}

	d.Escrows = make(map[deal.Side]*deal.Escrow)
	if escrowA.Valid && escrowA.String != "" {
		var e deal.Escrow
		if err := json.Unmarshal([]byte(escrowA.String), &e); err != nil {
			return nil, fmt.Errorf("unmarshal escrow A: %w", err)
		}
		d.Escrows[deal.SideA] = &e
	}
	if escrowB.Valid && escrowB.String != "" {
		var e deal.Escrow
		if err := json.Unmarshal([]byte(escrowB.String), &e); err != nil {
			return nil, fmt.Errorf("unmarshal escrow B: %w", err)
		}
		d.Escrows[deal.SideB] = &e
	}

	d.SideStates = make(map[deal.Side]*deal.SideState)
	var ssA, ssB deal.SideState
	if err := json.Unmarshal([]byte(sideA), &ssA); err != nil {
		return nil, fmt.Errorf("unmarshal side A state: %w", err)
	}
	if err := json.Unmarshal([]byte(sideB), &ssB); err != nil {
		return nil, fmt.Errorf("unmarshal side B state: %w", err)
	}
	d.SideStates[deal.SideA] = &ssA
	d.SideStates[deal.SideB] = &ssB

	if err := json.Unmarshal([]byte(events), &d.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}

	if gasReimb.Valid && gasReimb.String != "" {
		var g deal.GasReimbursement
		if err := json.Unmarshal([]byte(gasReimb.String), &g); err != nil {
			return nil, fmt.Errorf("unmarshal gas reimbursement: %w", err)
		}
		d.GasReimbursement = &g
	}

	d.PartyDetails = make(map[deal.Side]*deal.PartyDetails)
	return &d, nil
}

// marshalOrNull marshals a nullable pointer; nil maps to SQL NULL.
func marshalOrNull(v interface{}) (interface{}, error) {
	switch p := v.(type) {
	case *deal.Escrow:
		if p == nil {
			return nil, nil
		}
	case *deal.GasReimbursement:
		if p == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}
