package engine

import (
	"context"

	"github.com/crosslane-exchange/crosslane/internal/adapter"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
)

// planSwapPayouts persists the settlement intents for a deal entering
// SWAP: per side the trade payout to the counterparty, the operator
// commission, surplus refunds for over-collection and the optional gas
// reimbursement. Planning is idempotent: an intent whose purpose, escrow
// and asset already exist is not enqueued again.
func (e *Engine) planSwapPayouts(ctx context.Context, dealID string) error {
	d, err := e.store.GetDeal(dealID)
	if err != nil {
		return err
	}
	existing, err := e.plannedSet(dealID)
	if err != nil {
		return err
	}

	for _, side := range deal.Sides() {
		spec := d.Spec(side)
		escrow := d.Escrows[side]
		plan := d.CommissionPlans[side]
		counterparty := d.PartyDetails[side.Opposite()]
		own := d.PartyDetails[side]
		if escrow == nil || counterparty == nil || own == nil {
			return otcerr.E(otcerr.KindFatal, "deal %s side %s missing escrow or details", dealID, side)
		}

		a, err := e.adapters.Get(spec.ChainID)
		if err != nil {
			return err
		}
		minConf := a.Params().MinConfirmations

		// 1. Trade amount to the counterparty's recipient. Intents from
		// one escrow share a group so companion transactions render
		// together. Token legs route through the broker contract when the
		// chain carries one; the allowance was granted at COLLECTION entry.
		purpose := deal.PurposeSwapPayout
		if brokerSettles(a, spec.AssetCode) {
			purpose = deal.PurposeBrokerSwap
		}
		intent := deal.NewPayoutIntent(
			dealID, spec.ChainID, escrow.Address, counterparty.RecipientAddress,
			spec.AssetCode, spec.Amount, purpose, minConf)
		intent.PayoutGroupID = escrow.Address
		if err := e.enqueueOnce(existing, escrow, intent); err != nil {
			return err
		}

		// 2. Operator commission.
		if err := e.planCommission(existing, d, side, a); err != nil {
			return err
		}

		// 3. Surplus back to the sender, per over-collected asset.
		required, err := e.planner.RequiredByAsset(spec, plan, a.Params())
		if err != nil {
			return err
		}
		confirmed := d.SideState(side).ConfirmedByAsset()
		for asset, have := range confirmed {
			need, ok := required[asset]
			if ok && have.Cmp(need) <= 0 {
				continue
			}
			surplus := have
			if ok {
				surplus = have.Sub(need)
			}
			if surplus.Sign() <= 0 {
				continue
			}
			refund := deal.NewPayoutIntent(
				dealID, spec.ChainID, escrow.Address, own.PaybackAddress,
				asset, surplus, refundPurpose(a, asset, deal.PurposeSurplusRefund), minConf)
			refund.PayoutGroupID = escrow.Address
			if err := e.enqueueOnce(existing, escrow, refund); err != nil {
				return err
			}
		}

		// The plan now accounts for everything confirmed on this side;
		// anything confirming later is a stray for surveillance to refund.
		if err := e.store.MarkConfirmedDepositsSettled(dealID, side); err != nil {
			return err
		}

		// Token settlements need native gas on the escrow before the
		// queue submits. Best effort; a dry escrow surfaces as a
		// retryable submit failure.
		if !spec.IsNative() {
			req := &adapter.TransferRequest{
				From:      escrow.Address,
				To:        counterparty.RecipientAddress,
				AssetCode: spec.AssetCode,
				Amount:    spec.Amount.Int(),
				KeyRef:    escrow.KeyRef,
			}
			if err := e.tank.EnsureGas(ctx, spec.ChainID, escrow, req); err != nil {
				e.log.Warn("gas funding before swap failed", "deal", dealID, "side", side, "error", err)
			}
		}
	}

	// 4. Gas reimbursement when the deal carries the subsidy flag.
	return e.planGasReimbursement(existing, d)
}

// planCommission enqueues the operator's cut for one side. Chains with
// no configured operator address skip it; the value stays in the escrow
// surplus.
func (e *Engine) planCommission(existing map[string]bool, d *deal.Deal, side deal.Side, a adapter.Adapter) error {
	spec := d.Spec(side)
	plan := d.CommissionPlans[side]
	escrow := d.Escrows[side]
	if plan == nil {
		return nil
	}

	operator, ok := e.cfg.OperatorAddresses[spec.ChainID]
	if !ok || operator == "" {
		e.log.Warn("no operator address for chain, commission skipped", "deal", d.ID, "chain", spec.ChainID)
		return nil
	}
	minConf := a.Params().MinConfirmations

	if plan.Currency == deal.CommissionInNative {
		if plan.NativeFixed == nil {
			return otcerr.E(otcerr.KindFatal, "deal %s side %s: native commission never frozen", d.ID, side)
		}
		intent := deal.NewPayoutIntent(d.ID, spec.ChainID, escrow.Address, operator,
			a.Params().GetNativeToken(), plan.NativeFixed, deal.PurposeOpCommission, minConf)
		intent.PayoutGroupID = escrow.Address
		return e.enqueueOnce(existing, escrow, intent)
	}

	commission := plan.AssetCommission(spec.Amount)
	if plan.ERC20FixedFee != nil {
		commission = commission.Add(plan.ERC20FixedFee)
	}
	if commission.Sign() <= 0 {
		return nil
	}
	intent := deal.NewPayoutIntent(d.ID, spec.ChainID, escrow.Address, operator,
		spec.AssetCode, commission, deal.PurposeOpCommission, minConf)
	intent.PayoutGroupID = escrow.Address
	return e.enqueueOnce(existing, escrow, intent)
}

// planGasReimbursement repays the subsidized party's gas outlay in
// native coin from their own escrow.
func (e *Engine) planGasReimbursement(existing map[string]bool, d *deal.Deal) error {
	gr := d.GasReimbursement
	if gr == nil || !gr.Enabled {
		return nil
	}
	side := gr.EscrowSide
	spec := d.Spec(side)
	escrow := d.Escrows[side]
	own := d.PartyDetails[side]
	if escrow == nil || own == nil {
		return nil
	}
	a, err := e.adapters.Get(spec.ChainID)
	if err != nil {
		return err
	}

	amount := deal.NewAmount(a.Params().GasBuffer())
	if amount.Sign() <= 0 {
		return nil
	}
	intent := deal.NewPayoutIntent(
		d.ID, spec.ChainID, escrow.Address, own.PaybackAddress,
		a.Params().GetNativeToken(), amount, deal.PurposeGasReimburse,
		a.Params().MinConfirmations)
	intent.PayoutGroupID = escrow.Address
	return e.enqueueOnce(existing, escrow, intent)
}

// planTimeoutRefunds returns each side's entire confirmed balance to its
// payback address after a collection timeout.
func (e *Engine) planTimeoutRefunds(_ context.Context, dealID string) error {
	d, err := e.store.GetDeal(dealID)
	if err != nil {
		return err
	}
	existing, err := e.plannedSet(dealID)
	if err != nil {
		return err
	}

	for _, side := range deal.Sides() {
		escrow := d.Escrows[side]
		own := d.PartyDetails[side]
		if escrow == nil || own == nil {
			continue
		}
		spec := d.Spec(side)
		a, err := e.adapters.Get(spec.ChainID)
		if err != nil {
			return err
		}
		for asset, amount := range d.SideState(side).ConfirmedByAsset() {
			if amount.Sign() <= 0 {
				continue
			}
			if err := e.enqueueOnce(existing, escrow, deal.NewPayoutIntent(
				dealID, spec.ChainID, escrow.Address, own.PaybackAddress,
				asset, amount, refundPurpose(a, asset, deal.PurposeTimeoutRefund),
				a.Params().MinConfirmations)); err != nil {
				return err
			}
		}
		if err := e.store.MarkConfirmedDepositsSettled(dealID, side); err != nil {
			return err
		}
	}
	return nil
}

// planFailureRefunds returns deposits to their senders for escrows whose
// settlement failed permanently. Escrows that already paid out are left
// alone.
func (e *Engine) planFailureRefunds(_ context.Context, d *deal.Deal, failedEscrows map[string]bool) error {
	existing, err := e.plannedSet(d.ID)
	if err != nil {
		return err
	}

	for _, side := range deal.Sides() {
		escrow := d.Escrows[side]
		own := d.PartyDetails[side]
		if escrow == nil || own == nil || !failedEscrows[escrow.Address] {
			continue
		}
		spec := d.Spec(side)
		a, err := e.adapters.Get(spec.ChainID)
		if err != nil {
			return err
		}
		for asset, amount := range d.SideState(side).ConfirmedByAsset() {
			if amount.Sign() <= 0 {
				continue
			}
			if err := e.enqueueOnce(existing, escrow, deal.NewPayoutIntent(
				d.ID, spec.ChainID, escrow.Address, own.PaybackAddress,
				asset, amount, refundPurpose(a, asset, deal.PurposeTimeoutRefund),
				a.Params().MinConfirmations)); err != nil {
				return err
			}
		}
		if err := e.store.MarkConfirmedDepositsSettled(d.ID, side); err != nil {
			return err
		}
	}
	return nil
}

// planTankRefunds sweeps residual native subsidy above the dust
// threshold back to the tank after closure.
func (e *Engine) planTankRefunds(ctx context.Context, d *deal.Deal) error {
	for _, side := range deal.Sides() {
		escrow := d.Escrows[side]
		if escrow == nil {
			continue
		}
		spec := d.Spec(side)
		intent, err := e.tank.PlanRefund(ctx, d.ID, spec.ChainID, escrow)
		if err != nil {
			e.log.Warn("tank refund planning failed", "deal", d.ID, "side", side, "error", err)
			continue
		}
		if intent == nil {
			continue
		}
		if err := e.queue.Enqueue(intent, *escrow); err != nil {
			return err
		}
	}
	return nil
}

// RefundStrayDeposit plans a refund for a confirmed deposit that landed
// after closure. Called by the watcher's surveillance pollers. Settled
// deposits are skipped, and the deposit is marked settled once its
// refund intent is queued so repeated polls never refund twice.
func (e *Engine) RefundStrayDeposit(dealID string, side deal.Side, dep *deal.Deposit) error {
	if dep.Settled {
		return nil
	}
	d, err := e.store.GetDeal(dealID)
	if err != nil {
		return err
	}
	escrow := d.Escrows[side]
	own := d.PartyDetails[side]
	if escrow == nil || own == nil {
		return otcerr.E(otcerr.KindInvalidInput, "deal %s side %s has no refund route", dealID, side)
	}
	spec := d.Spec(side)
	a, err := e.adapters.Get(spec.ChainID)
	if err != nil {
		return err
	}

	intent := deal.NewPayoutIntent(dealID, spec.ChainID, escrow.Address,
		own.PaybackAddress, dep.AssetCode, dep.Amount,
		refundPurpose(a, dep.AssetCode, deal.PurposeSurplusRefund),
		a.Params().MinConfirmations)
	e.log.Info("refunding stray deposit", "deal", dealID, "side", side,
		"tx", dep.TxID, "amount", dep.Amount)
	if err := e.queue.Enqueue(intent, *escrow); err != nil {
		return err
	}
	return e.store.MarkDepositSettled(dealID, side, dep.TxID, dep.AssetCode)
}

// brokerSettles reports whether transfers of the given asset on this
// chain go through a broker contract.
func brokerSettles(a adapter.Adapter, assetCode string) bool {
	kind, _, err := deal.ParseAssetCode(assetCode)
	if err != nil || kind != deal.AssetERC20 {
		return false
	}
	bs, ok := a.(adapter.BrokerSettler)
	return ok && bs.SettlesTokenViaBroker()
}

// refundPurpose picks the broker-mediated refund purpose for token
// assets on broker chains, the direct purpose otherwise.
func refundPurpose(a adapter.Adapter, assetCode string, direct deal.PayoutPurpose) deal.PayoutPurpose {
	if brokerSettles(a, assetCode) {
		return deal.PurposeBrokerRefund
	}
	return direct
}

// plannedSet indexes a deal's persisted intents by purpose, source
// escrow and asset, the key planning deduplicates on.
func (e *Engine) plannedSet(dealID string) (map[string]bool, error) {
	payouts, err := e.store.GetDealPayouts(dealID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(payouts))
	for _, p := range payouts {
		set[plannedKey(p.Purpose, p.FromEscrow, p.AssetCode)] = true
	}
	return set, nil
}

func plannedKey(purpose deal.PayoutPurpose, escrow, asset string) string {
	return string(purpose) + "/" + escrow + "/" + asset
}

// enqueueOnce persists and enqueues an intent unless an equivalent one
// already exists.
func (e *Engine) enqueueOnce(existing map[string]bool, from *deal.Escrow, intent *deal.PayoutIntent) error {
	key := plannedKey(intent.Purpose, intent.FromEscrow, intent.AssetCode)
	if existing[key] {
		return nil
	}
	if err := e.queue.Enqueue(intent, *from); err != nil {
		return err
	}
	existing[key] = true
	e.log.Info("payout planned", "deal", intent.DealID, "purpose", intent.Purpose,
		"asset", intent.AssetCode, "amount", intent.Amount, "to", intent.ToAddress)
	return nil
}
