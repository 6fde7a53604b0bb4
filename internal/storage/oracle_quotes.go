// Package storage - Oracle quote persistence.
// One row per (chain, pair), holding the latest price. MANUAL quotes
// arrive through admin.setPrice.
package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// ErrQuoteNotFound is returned when no price exists for a pair.
var ErrQuoteNotFound = errors.New("no quote for pair")

// SetQuote stores the latest price for a (chain, pair).
func (s *Storage) SetQuote(chainID uint64, pair, price, source string, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO oracle_quotes (chain_id, pair, price, as_of, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, pair) DO UPDATE SET
			price = excluded.price,
			as_of = excluded.as_of,
			source = excluded.source
	`
	_, err := s.db.Exec(query, chainID, pair, price, asOf.Unix(), source)
	return err
}

// GetQuote returns the latest stored price for a (chain, pair).
func (s *Storage) GetQuote(chainID uint64, pair string) (*deal.FrozenQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q deal.FrozenQuote
	var asOf int64
	err := s.db.QueryRow(
		"SELECT pair, price, as_of, source FROM oracle_quotes WHERE chain_id = ? AND pair = ?",
		chainID, pair,
	).Scan(&q.Pair, &q.Price, &asOf, &q.Source)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}
	q.AsOf = time.Unix(asOf, 0).UTC()
	return &q, nil
}

// ListQuotes returns every stored quote, for the status surface.
func (s *Storage) ListQuotes() (map[uint64]map[string]*deal.FrozenQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT chain_id, pair, price, as_of, source FROM oracle_quotes")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := make(map[uint64]map[string]*deal.FrozenQuote)
	for rows.Next() {
		var chainID uint64
		var q deal.FrozenQuote
		var asOf int64
		if err := rows.Scan(&chainID, &q.Pair, &q.Price, &asOf, &q.Source); err != nil {
			return nil, err
		}
		q.AsOf = time.Unix(asOf, 0).UTC()
		if quotes[chainID] == nil {
			quotes[chainID] = make(map[string]*deal.FrozenQuote)
		}
		quotes[chainID][q.Pair] = &q
	}
	return quotes, rows.Err()
}
