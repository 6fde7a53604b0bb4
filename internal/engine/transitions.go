package engine

import (
	"context"
	"errors"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/adapter"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
)

// Evaluate inspects a deal and applies whichever transition its current
// facts call for. Safe to call at any time; a deal with nothing to do is
// left untouched.
func (e *Engine) Evaluate(ctx context.Context, dealID string) error {
	d, err := e.store.GetDeal(dealID)
	if err != nil {
		return err
	}

	switch d.Stage {
	case deal.StageCreated:
		if d.DetailsComplete() {
			return e.enterCollection(ctx, dealID)
		}
		if d.TimedOut(time.Now()) {
			return e.withDeal(dealID, func(d *deal.Deal) error {
				if d.Stage != deal.StageCreated {
					return nil
				}
				if err := d.TransitionTo(deal.StageReverted); err != nil {
					return err
				}
				d.AppendEvent("timed out before party details completed")
				e.log.Info("deal expired unfilled", "deal", dealID)
				return nil
			})
		}
		return nil
	case deal.StageCollection:
		return e.evaluateCollection(ctx, d)
	case deal.StageWaiting:
		return e.evaluateWaiting(ctx, d)
	case deal.StageSwap:
		return e.evaluateSwap(ctx, d)
	default:
		return nil
	}
}

// enterCollection moves a fully-detailed deal into COLLECTION: escrows
// generated, broker allowance granted for ERC20 sides, USD-fixed
// commissions frozen, the expiry armed. Escrow generation is
// deterministic per (deal, side), so a crash mid-way just redoes the
// derivations on the next evaluation.
func (e *Engine) enterCollection(ctx context.Context, dealID string) error {
	escrows := make(map[deal.Side]*deal.Escrow, 2)

	err := e.withDeal(dealID, func(d *deal.Deal) error {
		if d.Stage != deal.StageCreated || !d.DetailsComplete() {
			return nil
		}

		for _, side := range deal.Sides() {
			spec := d.Spec(side)
			a, err := e.adapters.Get(spec.ChainID)
			if err != nil {
				return err
			}

			esc, err := a.GenerateEscrow(ctx, d.ID, side)
			if err != nil {
				return otcerr.Wrap(otcerr.KindAdapterTransient, err, "escrow for side %s", side)
			}
			d.Escrows[side] = &deal.Escrow{Address: esc.Address, KeyRef: esc.KeyRef}
			escrows[side] = d.Escrows[side]

			if err := e.approveBrokerIfNeeded(ctx, a, d, side); err != nil {
				return err
			}

			plan := d.CommissionPlans[side]
			if plan != nil && !plan.Frozen() {
				if err := e.planner.Freeze(ctx, plan, a); err != nil {
					return err
				}
				d.AppendEvent("side %s commission frozen at %s %s", side,
					plan.NativeFixed, a.Params().GetNativeToken())
			}
		}

		expiry := time.Now().Add(time.Duration(d.TimeoutSeconds) * time.Second)
		if err := d.SetExpiry(expiry); err != nil && !errors.Is(err, deal.ErrExpiryImmutable) {
			return err
		}
		if err := d.TransitionTo(deal.StageCollection); err != nil {
			return err
		}
		d.AppendEvent("collection started, expires %s", d.ExpiresAt.Format(time.RFC3339))
		e.log.Info("collection started", "deal", d.ID, "expires", d.ExpiresAt)
		return nil
	})
	if err != nil {
		return err
	}

	// Mirror the escrows into the party detail rows for the status
	// surface. The deal row above is already authoritative.
	for side, esc := range escrows {
		d, err := e.store.GetDeal(dealID)
		if err != nil {
			return err
		}
		if pd := d.PartyDetails[side]; pd != nil {
			if err := e.store.SavePartyDetails(dealID, side, pd, esc); err != nil {
				e.log.Warn("escrow mirror write failed", "deal", dealID, "side", side, "error", err)
			}
		}
	}
	return nil
}

// approveBrokerIfNeeded grants the broker contract its one-time token
// allowance on ERC20 sides. The fresh escrow has no native balance, so
// the tank funds it first.
func (e *Engine) approveBrokerIfNeeded(ctx context.Context, a adapter.Adapter, d *deal.Deal, side deal.Side) error {
	spec := d.Spec(side)
	tokenAddr, ok := spec.TokenAddress()
	if !ok || spec.Kind() != deal.AssetERC20 {
		return nil
	}
	approver, ok := a.(adapter.BrokerApprover)
	if !ok {
		return nil
	}

	escrow := d.Escrows[side]
	req := &adapter.TransferRequest{
		From:      escrow.Address,
		To:        tokenAddr,
		AssetCode: spec.AssetCode,
		Amount:    spec.Amount.Int(),
		KeyRef:    escrow.KeyRef,
	}
	if err := e.tank.EnsureGas(ctx, spec.ChainID, escrow, req); err != nil {
		e.log.Warn("gas funding for approval failed", "deal", d.ID, "side", side, "error", err)
	}

	txid, err := approver.ApproveBrokerForToken(ctx, &adapter.Escrow{Address: escrow.Address, KeyRef: escrow.KeyRef}, tokenAddr)
	if err != nil {
		return otcerr.Wrap(otcerr.KindAdapterTransient, err, "broker approval for side %s", side)
	}
	if txid != "" {
		d.AppendEvent("side %s broker allowance approved (%s)", side, txid)
	}
	return nil
}

// evaluateCollection checks sufficiency and the expiry.
func (e *Engine) evaluateCollection(ctx context.Context, d *deal.Deal) error {
	satisfied, err := e.collectionSatisfied(d)
	if err != nil {
		return err
	}

	if satisfied {
		return e.withDeal(d.ID, func(d *deal.Deal) error {
			if d.Stage != deal.StageCollection {
				return nil
			}
			again, err := e.collectionSatisfied(d)
			if err != nil || !again {
				return err
			}
			if err := d.TransitionTo(deal.StageWaiting); err != nil {
				return err
			}
			now := time.Now().UTC()
			for _, side := range deal.Sides() {
				locks := &d.SideState(side).Locks
				locks.TradeLockedAt = &now
				locks.CommissionLockedAt = &now
			}
			d.AppendEvent("both sides fully collected and confirmed")
			e.log.Info("deal fully collected", "deal", d.ID)
			return nil
		})
	}

	if d.TimedOut(time.Now()) {
		if err := e.withDeal(d.ID, func(d *deal.Deal) error {
			if d.Stage != deal.StageCollection {
				return nil
			}
			if err := d.TransitionTo(deal.StageReverted); err != nil {
				return err
			}
			d.AppendEvent("collection timed out, refunding confirmed deposits")
			e.log.Info("collection timed out", "deal", d.ID)
			return nil
		}); err != nil {
			return err
		}
		return e.planTimeoutRefunds(ctx, d.ID)
	}
	return nil
}

// evaluateWaiting holds the deal for the grace period, rolling back to
// COLLECTION if a reorg drops a side below its requirement. The rollback
// resumes the timer with the original expiry, so an already-expired deal
// reverts on the next COLLECTION evaluation.
func (e *Engine) evaluateWaiting(ctx context.Context, d *deal.Deal) error {
	satisfied, err := e.collectionSatisfied(d)
	if err != nil {
		return err
	}

	if !satisfied {
		return e.withDeal(d.ID, func(d *deal.Deal) error {
			if d.Stage != deal.StageWaiting {
				return nil
			}
			if err := d.TransitionTo(deal.StageCollection); err != nil {
				return err
			}
			// Only the side the reorg pulled under loses its locks; the
			// still-covered side keeps its lock timestamps.
			for _, side := range deal.Sides() {
				ok, err := e.sideSatisfied(d, side)
				if err != nil {
					return err
				}
				if !ok {
					d.SideState(side).ClearLocks()
					d.AppendEvent("side %s confirmed balance dropped below requirement", side)
				}
			}
			d.AppendEvent("back to collection after reorg")
			e.log.Warn("reorg rollback", "deal", d.ID)
			return nil
		})
	}

	anchor := d.SideState(deal.SideA).Locks.TradeLockedAt
	if anchor == nil || time.Since(*anchor) < e.cfg.SwapGracePeriod {
		return nil
	}

	if err := e.withDeal(d.ID, func(d *deal.Deal) error {
		if d.Stage != deal.StageWaiting {
			return nil
		}
		if err := d.TransitionTo(deal.StageSwap); err != nil {
			return err
		}
		d.AppendEvent("swap started")
		e.log.Info("swap started", "deal", d.ID)
		return nil
	}); err != nil {
		return err
	}
	return e.planSwapPayouts(ctx, d.ID)
}

// evaluateSwap watches the settlement intents through the queue. All
// SWAP_PAYOUT and OP_COMMISSION intents complete -> CLOSED. Any of them
// failing permanently -> REVERTED after best-effort refund planning.
func (e *Engine) evaluateSwap(ctx context.Context, d *deal.Deal) error {
	payouts, err := e.store.GetDealPayouts(d.ID)
	if err != nil {
		return err
	}

	var gating, completed, failed int
	failedEscrows := make(map[string]bool)
	for _, p := range payouts {
		if p.Purpose != deal.PurposeSwapPayout && p.Purpose != deal.PurposeBrokerSwap &&
			p.Purpose != deal.PurposeOpCommission {
			continue
		}
		gating++
		switch p.Status {
		case deal.PayoutCompleted:
			completed++
		case deal.PayoutFailed:
			failed++
			failedEscrows[p.FromEscrow] = true
		}
	}
	if gating == 0 {
		// Crash between the SWAP transition and intent persistence.
		return e.planSwapPayouts(ctx, d.ID)
	}

	if failed > 0 {
		if err := e.planFailureRefunds(ctx, d, failedEscrows); err != nil {
			e.log.Error("failure refund planning incomplete", "deal", d.ID, "error", err)
		}
		return e.withDeal(d.ID, func(d *deal.Deal) error {
			if d.Stage != deal.StageSwap {
				return nil
			}
			if err := d.TransitionTo(deal.StageReverted); err != nil {
				return err
			}
			d.AppendEvent("swap failed permanently, deal reverted")
			e.log.Error("swap failed", "deal", d.ID)
			return nil
		})
	}

	if completed < gating {
		return nil
	}

	if err := e.withDeal(d.ID, func(d *deal.Deal) error {
		if d.Stage != deal.StageSwap {
			return nil
		}
		if err := d.TransitionTo(deal.StageClosed); err != nil {
			return err
		}
		d.AppendEvent("swap settled, deal closed")
		e.log.Info("deal closed", "deal", d.ID)
		return nil
	}); err != nil {
		return err
	}
	return e.planTankRefunds(ctx, d)
}

// collectionSatisfied reports whether, per side and per required asset,
// the confirmed deposits cover the requirement.
func (e *Engine) collectionSatisfied(d *deal.Deal) (bool, error) {
	for _, side := range deal.Sides() {
		ok, err := e.sideSatisfied(d, side)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// sideSatisfied checks one side's confirmed deposits against its
// requirement.
func (e *Engine) sideSatisfied(d *deal.Deal, side deal.Side) (bool, error) {
	spec := d.Spec(side)
	a, err := e.adapters.Get(spec.ChainID)
	if err != nil {
		return false, err
	}
	required, err := e.planner.RequiredByAsset(spec, d.CommissionPlans[side], a.Params())
	if err != nil {
		if otcerr.IsKind(err, otcerr.KindOracleUnavailable) {
			return false, nil // unfrozen plan, not sufficient yet
		}
		return false, err
	}

	confirmed := d.SideState(side).ConfirmedByAsset()
	for asset, need := range required {
		have, ok := confirmed[asset]
		if !ok || have.Cmp(need) < 0 {
			return false, nil
		}
	}
	return true, nil
}
