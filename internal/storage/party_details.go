// Package storage - Party details persistence.
// Details arrive through tokenized links and lock on first fill; the
// row also carries the escrow generated for the party's send side so
// restart recovery never re-derives addresses blindly.
package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// ErrPartyDetailsNotFound is returned when a party has not filled yet.
var ErrPartyDetailsNotFound = errors.New("party details not found")

// SavePartyDetails persists one party's details and optional escrow.
func (s *Storage) SavePartyDetails(dealID string, side deal.Side, pd *deal.PartyDetails, escrow *deal.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var escrowAddr, escrowKeyRef interface{}
	if escrow != nil {
		escrowAddr = escrow.Address
		escrowKeyRef = escrow.KeyRef
	}

	query := `
		INSERT INTO party_details (
			deal_id, party, payback_address, recipient_address, email,
			filled_at, locked, escrow_address, escrow_key_ref
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deal_id, party) DO UPDATE SET
			payback_address = excluded.payback_address,
			recipient_address = excluded.recipient_address,
			email = excluded.email,
			filled_at = excluded.filled_at,
			locked = excluded.locked,
			escrow_address = excluded.escrow_address,
			escrow_key_ref = excluded.escrow_key_ref
	`
	_, err := s.db.Exec(query,
		dealID, string(side),
		pd.PaybackAddress, pd.RecipientAddress, pd.Email,
		pd.FilledAt.Unix(), boolToInt(pd.Locked),
		escrowAddr, escrowKeyRef,
	)
	return err
}

// GetPartyDetails returns all filled details for a deal keyed by side.
func (s *Storage) GetPartyDetails(dealID string) (map[deal.Side]*deal.PartyDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPartyDetailsLocked(dealID)
}

func (s *Storage) getPartyDetailsLocked(dealID string) (map[deal.Side]*deal.PartyDetails, error) {
	query := `
		SELECT party, payback_address, recipient_address, email, filled_at, locked
		FROM party_details WHERE deal_id = ?
	`
	rows, err := s.db.Query(query, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := make(map[deal.Side]*deal.PartyDetails)
	for rows.Next() {
		var party string
		var pd deal.PartyDetails
		var email sql.NullString
		var filledAt int64
		var locked int

		if err := rows.Scan(&party, &pd.PaybackAddress, &pd.RecipientAddress, &email, &filledAt, &locked); err != nil {
			return nil, err
		}
		if email.Valid {
			pd.Email = email.String
		}
		pd.FilledAt = time.Unix(filledAt, 0).UTC()
		pd.Locked = locked == 1

		side, err := deal.ParseSide(party)
		if err != nil {
			return nil, err
		}
		details[side] = &pd
	}
	return details, rows.Err()
}

// GetPartyEscrow returns the escrow recorded for one party, or nil when
// none was generated yet.
func (s *Storage) GetPartyEscrow(dealID string, side deal.Side) (*deal.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var addr, keyRef sql.NullString
	err := s.db.QueryRow(
		"SELECT escrow_address, escrow_key_ref FROM party_details WHERE deal_id = ? AND party = ?",
		dealID, string(side),
	).Scan(&addr, &keyRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPartyDetailsNotFound
		}
		return nil, err
	}
	if !addr.Valid || addr.String == "" {
		return nil, nil
	}
	return &deal.Escrow{Address: addr.String, KeyRef: keyRef.String}, nil
}
