package watcher

import (
	"context"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/storage"
)

// resolveLoop walks unresolved synthetic deposits and tries to replace
// each placeholder with the real originating transaction. Attempts
// follow the retry schedule; the overall budget is bounded by the
// deposit's age.
func (w *Watcher) resolveLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refs, err := w.store.GetUnresolvedSyntheticDeposits()
			if err != nil {
				w.log.Error("synthetic scan failed", "error", err)
				continue
			}
			for _, ref := range refs {
				w.tryResolve(ctx, ref)
			}
		}
	}
}

func (w *Watcher) tryResolve(ctx context.Context, ref *storage.SyntheticDepositRef) {
	dep := ref.Deposit
	age := time.Since(dep.ObservedAt)

	w.resolveMu.Lock()
	attempt := w.attempts[dep.TxID]
	w.resolveMu.Unlock()

	if age > deal.SyntheticBudget || attempt >= len(deal.SyntheticRetrySchedule) {
		if age > deal.SyntheticBudget {
			w.log.Warn("synthetic resolution budget exhausted", "deal", ref.DealID, "tx", dep.TxID)
			if err := w.store.MarkSyntheticResolutionFailed(ref.DealID, ref.Side, dep.TxID); err != nil {
				w.log.Error("resolution failure write failed", "tx", dep.TxID, "error", err)
			}
			w.clearAttempts(dep.TxID)
		}
		return
	}
	// Not yet due for its next attempt.
	if age < deal.SyntheticRetrySchedule[attempt] {
		return
	}

	w.resolveMu.Lock()
	w.attempts[dep.TxID] = attempt + 1
	w.resolveMu.Unlock()

	realTxID, ok := w.findRealTx(ctx, ref)
	if !ok {
		return
	}

	if err := w.store.ResolveSyntheticDeposit(ref.DealID, ref.Side, dep.TxID, realTxID); err != nil {
		w.log.Error("resolution write failed", "tx", dep.TxID, "error", err)
		return
	}
	w.clearAttempts(dep.TxID)
	w.log.Info("synthetic deposit resolved", "deal", ref.DealID, "placeholder", dep.TxID, "tx", realTxID)
}

// findRealTx asks the adapter for the escrow's deposits and picks a
// non-synthetic transaction of the same asset that the ledger does not
// know yet.
func (w *Watcher) findRealTx(ctx context.Context, ref *storage.SyntheticDepositRef) (string, bool) {
	d, err := w.store.GetDeal(ref.DealID)
	if err != nil {
		return "", false
	}
	escrow, ok := d.Escrows[ref.Side]
	if !ok || escrow == nil {
		return "", false
	}
	spec := d.Spec(ref.Side)
	a, err := w.adapters.Get(spec.ChainID)
	if err != nil {
		return "", false
	}

	raw, err := a.ListDeposits(ctx, escrow.Address, ref.Deposit.AssetCode, time.Time{})
	if err != nil {
		return "", false
	}

	known := make(map[string]bool)
	for _, dep := range d.SideState(ref.Side).Deposits {
		known[dep.TxID] = true
		known[dep.OriginalTxID] = true
	}
	for i := range raw {
		r := &raw[i]
		if r.Synthetic || known[r.TxID] {
			continue
		}
		return r.TxID, true
	}
	return "", false
}

func (w *Watcher) clearAttempts(txid string) {
	w.resolveMu.Lock()
	delete(w.attempts, txid)
	w.resolveMu.Unlock()
}
