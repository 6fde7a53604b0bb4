// Package engine drives deals through their state machine. Every deal
// has one canonical owner lock in this package; all mutation happens
// under it, persisted with an optimistic version check so a conflicting
// write from a stale snapshot can never land. The engine reacts to
// watcher and queue events and to its own timer sweep.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/adapter"
	"github.com/crosslane-exchange/crosslane/internal/commission"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/gastank"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/internal/payout"
	"github.com/crosslane-exchange/crosslane/internal/storage"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

// DefaultSwapGracePeriod is how long both sides must stay fully
// collected in WAITING before the swap commits.
const DefaultSwapGracePeriod = 15 * time.Second

// sweepInterval is the timer sweep cadence.
const sweepInterval = 5 * time.Second

// Config holds engine policy.
type Config struct {
	// SwapGracePeriod overrides the WAITING hold. 0 uses the default.
	SwapGracePeriod time.Duration

	// OperatorAddresses receive OP_COMMISSION payouts, keyed by
	// settlement chain id. Chains without an entry skip commission
	// payouts (the value stays in the escrow surplus).
	OperatorAddresses map[uint64]string

	// AllowedAssets restricts createDeal to an asset allow-list. Empty
	// accepts any asset a registered adapter can settle.
	AllowedAssets map[string]bool

	// MaxAmounts caps the trade amount per asset code. Assets without
	// an entry are uncapped.
	MaxAmounts map[string]*deal.Amount
}

// Engine owns all deals.
type Engine struct {
	cfg      Config
	store    *storage.Storage
	adapters *adapter.Registry
	planner  *commission.Planner
	queue    *payout.Queue
	tank     *gastank.Coordinator
	log      *logging.Logger

	mu     sync.Mutex
	owners map[string]*sync.Mutex

	wake chan string
}

// New wires the engine.
func New(cfg Config, store *storage.Storage, adapters *adapter.Registry,
	planner *commission.Planner, queue *payout.Queue, tank *gastank.Coordinator) *Engine {

	if cfg.SwapGracePeriod <= 0 {
		cfg.SwapGracePeriod = DefaultSwapGracePeriod
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		adapters: adapters,
		planner:  planner,
		queue:    queue,
		tank:     tank,
		log:      logging.GetDefault().Component("engine"),
		owners:   make(map[string]*sync.Mutex),
		wake:     make(chan string, 256),
	}
}

// ownerLock returns the canonical lock for a deal.
func (e *Engine) ownerLock(dealID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.owners[dealID]
	if !ok {
		m = &sync.Mutex{}
		e.owners[dealID] = m
	}
	return m
}

// withDeal runs fn as the deal's owner: load, mutate, persist. A
// version conflict means another owner task slipped in between; the
// operation reloads and retries once.
func (e *Engine) withDeal(dealID string, fn func(d *deal.Deal) error) error {
	lock := e.ownerLock(dealID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		d, err := e.store.GetDeal(dealID)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		err = e.store.SaveDeal(d)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return otcerr.Wrap(otcerr.KindFatal, err, "persist deal")
		}
	}
	return otcerr.E(otcerr.KindFatal, "deal %s: persistent version conflict", dealID)
}

// Notify asks the engine to re-evaluate a deal soon. Called by the
// watcher on deposit changes and by the queue on intent completion.
func (e *Engine) Notify(dealID string) {
	select {
	case e.wake <- dealID:
	default:
		// A full queue means a sweep is imminent anyway.
	}
}

// Run processes wakeups and timer sweeps until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("deal engine started")
	if err := e.recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("deal engine stopped")
			return ctx.Err()
		case dealID := <-e.wake:
			e.evaluateLogged(ctx, dealID)
		case <-ticker.C:
			active, err := e.store.GetActiveDeals()
			if err != nil {
				e.log.Error("active deal scan failed", "error", err)
				continue
			}
			for _, d := range active {
				e.evaluateLogged(ctx, d.ID)
			}
		}
	}
}

// recover resumes ownership of persisted state after a restart.
func (e *Engine) recover(ctx context.Context) error {
	if err := e.queue.Recover(); err != nil {
		return err
	}
	active, err := e.store.GetActiveDeals()
	if err != nil {
		return err
	}
	for _, d := range active {
		e.log.Info("resuming deal", "deal", d.ID, "stage", d.Stage)
		e.evaluateLogged(ctx, d.ID)
	}
	return nil
}

func (e *Engine) evaluateLogged(ctx context.Context, dealID string) {
	if err := e.Evaluate(ctx, dealID); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("deal evaluation failed", "deal", dealID, "error", err)
	}
}

// CreateDeal validates both specs against their adapters and persists a
// new deal with one link token per side.
func (e *Engine) CreateDeal(name string, specA, specB *deal.AssetSpec, timeoutSeconds int64) (*deal.Deal, map[deal.Side]string, error) {
	for _, spec := range []*deal.AssetSpec{specA, specB} {
		if spec == nil {
			return nil, nil, otcerr.E(otcerr.KindInvalidInput, "both sides need an asset spec")
		}
		a, err := e.adapters.Get(spec.ChainID)
		if err != nil {
			return nil, nil, err
		}
		if len(e.cfg.AllowedAssets) > 0 && !e.cfg.AllowedAssets[spec.AssetCode] {
			return nil, nil, otcerr.E(otcerr.KindInvalidInput, "asset %s is not accepted", spec.AssetCode)
		}
		if max := e.cfg.MaxAmounts[spec.AssetCode]; max != nil && spec.Amount != nil && spec.Amount.Cmp(max) > 0 {
			return nil, nil, otcerr.E(otcerr.KindInvalidInput, "amount %s exceeds the %s cap for %s", spec.Amount, max, spec.AssetCode)
		}
		if spec.Decimals == 0 {
			spec.Decimals = a.Params().Decimals
		}
	}

	d, err := deal.NewDeal(name, specA, specB, timeoutSeconds)
	if err != nil {
		return nil, nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "create deal")
	}
	d.CommissionPlans[deal.SideA] = e.planner.PlanFor(specA)
	d.CommissionPlans[deal.SideB] = e.planner.PlanFor(specB)

	if err := e.store.SaveDeal(d); err != nil {
		return nil, nil, otcerr.Wrap(otcerr.KindFatal, err, "persist deal")
	}

	tokens := make(map[deal.Side]string, 2)
	for _, side := range deal.Sides() {
		token, err := newToken()
		if err != nil {
			return nil, nil, otcerr.Wrap(otcerr.KindFatal, err, "token generation")
		}
		if err := e.store.SaveToken(token, d.ID, side); err != nil {
			return nil, nil, otcerr.Wrap(otcerr.KindFatal, err, "persist token")
		}
		tokens[side] = token
	}

	e.log.Info("deal created", "deal", d.ID, "name", d.Name, "timeout", timeoutSeconds)
	return d, tokens, nil
}

// FillPartyDetails records one party's addresses after validating them
// on the right chains: payback on the party's own send chain, recipient
// on the counterparty's chain. Completion of both sides starts
// collection.
func (e *Engine) FillPartyDetails(ctx context.Context, dealID string, side deal.Side, token string, details *deal.PartyDetails) error {
	if err := e.store.AuthorizeToken(token, dealID, side); err != nil {
		return otcerr.Wrap(otcerr.KindInvalidToken, err, "fill details")
	}

	var complete bool
	err := e.withDeal(dealID, func(d *deal.Deal) error {
		sendAdapter, err := e.adapters.Get(d.Spec(side).ChainID)
		if err != nil {
			return err
		}
		recvAdapter, err := e.adapters.Get(d.Spec(side.Opposite()).ChainID)
		if err != nil {
			return err
		}
		if !sendAdapter.ValidateAddress(details.PaybackAddress) {
			return otcerr.E(otcerr.KindInvalidInput, "payback address invalid on %s", sendAdapter.Symbol())
		}
		if !recvAdapter.ValidateAddress(details.RecipientAddress) {
			return otcerr.E(otcerr.KindInvalidInput, "recipient address invalid on %s", recvAdapter.Symbol())
		}

		if err := d.FillPartyDetails(side, details); err != nil {
			if errors.Is(err, deal.ErrDetailsLocked) {
				return otcerr.Wrap(otcerr.KindInvalidTransition, err, "party %s", side)
			}
			return otcerr.Wrap(otcerr.KindInvalidInput, err, "party %s", side)
		}
		complete = d.DetailsComplete()
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.store.SavePartyDetails(dealID, side, details, nil); err != nil {
		return otcerr.Wrap(otcerr.KindFatal, err, "persist party details")
	}
	if err := e.store.MarkTokenUsed(token); err != nil {
		e.log.Warn("token use stamp failed", "deal", dealID, "error", err)
	}

	if complete {
		return e.enterCollection(ctx, dealID)
	}
	return nil
}

// CancelDeal reverts a deal that has not started collecting. Anything
// later has escrows and must run the timeout path instead.
func (e *Engine) CancelDeal(dealID, token string) error {
	t, err := e.store.GetToken(token)
	if err != nil || t.DealID != dealID {
		return otcerr.E(otcerr.KindInvalidToken, "token does not authorize deal %s", dealID)
	}

	return e.withDeal(dealID, func(d *deal.Deal) error {
		if !d.CanCancel() {
			return otcerr.E(otcerr.KindInvalidTransition, "deal in %s cannot be cancelled", d.Stage)
		}
		if err := d.TransitionTo(deal.StageReverted); err != nil {
			return otcerr.Wrap(otcerr.KindInvalidTransition, err, "cancel")
		}
		d.AppendEvent("deal cancelled by party")
		e.log.Info("deal cancelled", "deal", dealID)
		return nil
	})
}

// GetDeal loads a deal for the status surface.
func (e *Engine) GetDeal(dealID string) (*deal.Deal, error) {
	d, err := e.store.GetDeal(dealID)
	if err != nil {
		if errors.Is(err, storage.ErrDealNotFound) {
			return nil, otcerr.Wrap(otcerr.KindNotFound, err, "deal %s", dealID)
		}
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "load deal")
	}
	return d, nil
}

// RequiredByAsset returns what one side must have confirmed in its
// escrow, per asset. The status surface renders deposit instructions
// from this.
func (e *Engine) RequiredByAsset(d *deal.Deal, side deal.Side) (map[string]*deal.Amount, error) {
	spec := d.Spec(side)
	a, err := e.adapters.Get(spec.ChainID)
	if err != nil {
		return nil, err
	}
	return e.planner.RequiredByAsset(spec, d.CommissionPlans[side], a.Params())
}

// newToken produces a 128-bit random hex bearer token.
func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
