// Package storage - Party link token persistence.
// Each side of a deal gets one random bearer token; the fill link embeds
// it and the RPC layer authorizes fillPartyDetails against this table.
package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// Token persistence errors
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenMismatch = errors.New("token does not authorize this deal and party")
)

// PartyToken is one issued link token.
type PartyToken struct {
	Token     string
	DealID    string
	Party     deal.Side
	CreatedAt time.Time
	UsedAt    time.Time
}

// SaveToken records a freshly issued token.
func (s *Storage) SaveToken(token, dealID string, party deal.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO tokens (token, deal_id, party, created_at) VALUES (?, ?, ?, ?)",
		token, dealID, string(party), time.Now().Unix(),
	)
	return err
}

// GetToken looks a token up.
func (s *Storage) GetToken(token string) (*PartyToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t PartyToken
	var party string
	var createdAt, usedAt int64

	err := s.db.QueryRow(
		"SELECT token, deal_id, party, created_at, used_at FROM tokens WHERE token = ?",
		token,
	).Scan(&t.Token, &t.DealID, &party, &createdAt, &usedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}

	side, err := deal.ParseSide(party)
	if err != nil {
		return nil, err
	}
	t.Party = side
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if usedAt > 0 {
		t.UsedAt = time.Unix(usedAt, 0).UTC()
	}
	return &t, nil
}

// AuthorizeToken verifies a token grants access to (dealID, party).
// A wrong token for an existing deal reports a mismatch, not not-found,
// so the RPC layer can distinguish a stale link from a forged one.
func (s *Storage) AuthorizeToken(token, dealID string, party deal.Side) error {
	t, err := s.GetToken(token)
	if err != nil {
		return err
	}
	if t.DealID != dealID || t.Party != party {
		return ErrTokenMismatch
	}
	return nil
}

// MarkTokenUsed stamps first use. Tokens stay valid after use; the
// stamp exists for auditing, not expiry.
func (s *Storage) MarkTokenUsed(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE tokens SET used_at = ? WHERE token = ? AND used_at = 0",
		time.Now().Unix(), token,
	)
	if err != nil {
		return err
	}
	if _, err := result.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// GetDealTokens returns both tokens for a deal keyed by side.
func (s *Storage) GetDealTokens(dealID string) (map[deal.Side]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT token, party FROM tokens WHERE deal_id = ?", dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make(map[deal.Side]string)
	for rows.Next() {
		var token, party string
		if err := rows.Scan(&token, &party); err != nil {
			return nil, err
		}
		side, err := deal.ParseSide(party)
		if err != nil {
			return nil, err
		}
		tokens[side] = token
	}
	return tokens, rows.Err()
}
