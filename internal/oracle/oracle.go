// Package oracle supplies USD prices for native coins. The only source
// is MANUAL: an operator posts prices through admin.setPrice and they
// persist in the quote table. Commission freezing reads the latest
// quote and rejects stale ones rather than guessing.
package oracle

import (
	"errors"
	"math/big"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/internal/storage"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

// SourceManual marks operator-posted prices.
const SourceManual = "MANUAL"

// DefaultMaxAge is how old a quote may be before it stops serving.
const DefaultMaxAge = 24 * time.Hour

// ErrInvalidPrice is returned for a price that is not a positive decimal.
var ErrInvalidPrice = errors.New("price must be a positive decimal")

// Oracle serves the latest stored quote per (chain, pair).
type Oracle struct {
	store  *storage.Storage
	maxAge time.Duration
	log    *logging.Logger
}

// New creates an oracle over the quote table. maxAge 0 uses the default.
func New(store *storage.Storage, maxAge time.Duration) *Oracle {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Oracle{
		store:  store,
		maxAge: maxAge,
		log:    logging.GetDefault().Component("oracle"),
	}
}

// SetManualPrice validates and stores an operator-posted price.
func (o *Oracle) SetManualPrice(chainID uint64, pair, price string) error {
	r, ok := new(big.Rat).SetString(price)
	if !ok || r.Sign() <= 0 {
		return otcerr.Wrap(otcerr.KindInvalidInput, ErrInvalidPrice, "%q", price)
	}
	if err := o.store.SetQuote(chainID, pair, price, SourceManual, time.Now().UTC()); err != nil {
		return otcerr.Wrap(otcerr.KindFatal, err, "store quote")
	}
	o.log.Info("price set", "chain", chainID, "pair", pair, "price", price)
	return nil
}

// LatestQuote returns the freshest stored quote for (chain, pair).
// Implements the source interface the adapters quote commissions from.
func (o *Oracle) LatestQuote(chainID uint64, pair string) (*deal.FrozenQuote, error) {
	q, err := o.store.GetQuote(chainID, pair)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return nil, otcerr.E(otcerr.KindOracleUnavailable, "no price for %s on chain %d", pair, chainID)
		}
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "read quote")
	}
	if age := time.Since(q.AsOf); age > o.maxAge {
		return nil, otcerr.E(otcerr.KindOracleUnavailable, "price for %s is %s old", pair, age.Round(time.Minute))
	}
	return q, nil
}

// Quotes returns every stored quote for the status surface, stale ones
// included.
func (o *Oracle) Quotes() (map[uint64]map[string]*deal.FrozenQuote, error) {
	return o.store.ListQuotes()
}
