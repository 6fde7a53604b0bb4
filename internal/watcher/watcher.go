// Package watcher reconciles on-chain escrow state into the deposit
// ledger. One logical poller runs per active escrow; confirmation
// counts refresh every cycle, reorged transactions become ORPHANED, and
// synthetic balance observations are resolved to real transactions on a
// bounded retry schedule. Closed deals get a surveillance window that
// refunds stray deposits.
package watcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crosslane-exchange/crosslane/internal/adapter"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/storage"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

const (
	// pollInterval is the steady-state gap between escrow polls.
	pollInterval = 8 * time.Second

	// maxPollBackoff caps the error backoff.
	maxPollBackoff = 60 * time.Second

	// manageInterval is how often the watch set is reconciled against
	// the deal table.
	manageInterval = 10 * time.Second

	// SurveillanceWindow is how long a closed deal's escrows stay
	// watched for stray deposits.
	SurveillanceWindow = 24 * time.Hour
)

// Refunder plans a refund for a stray deposit observed after closure.
// The engine implements this.
type Refunder interface {
	RefundStrayDeposit(dealID string, side deal.Side, dep *deal.Deposit) error
}

// Watcher manages escrow pollers.
type Watcher struct {
	store    *storage.Storage
	adapters *adapter.Registry
	log      *logging.Logger

	// OnChange fires after a poll changed the deposit ledger, so the
	// engine re-evaluates the deal.
	OnChange func(dealID string)

	// Refunder handles post-closure stray deposits.
	Refunder Refunder

	mu      sync.Mutex
	pollers map[string]context.CancelFunc // dealID/side

	resolveMu sync.Mutex
	attempts  map[string]int // synthetic txid -> resolution attempts
}

// New creates a watcher over the given store and adapters.
func New(store *storage.Storage, adapters *adapter.Registry) *Watcher {
	return &Watcher{
		store:    store,
		adapters: adapters,
		log:      logging.GetDefault().Component("watcher"),
		pollers:  make(map[string]context.CancelFunc),
		attempts: make(map[string]int),
	}
}

// Run manages the watch set until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("deposit watcher started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.manageLoop(gctx) })
	g.Go(func() error { return w.resolveLoop(gctx) })
	return g.Wait()
}

// manageLoop keeps one poller per watchable escrow: active deals in
// COLLECTION and beyond, plus closed deals inside the surveillance
// window.
func (w *Watcher) manageLoop(ctx context.Context) error {
	ticker := time.NewTicker(manageInterval)
	defer ticker.Stop()

	for {
		if err := w.reconcileWatchSet(ctx); err != nil {
			w.log.Error("watch set reconciliation failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.stopAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) reconcileWatchSet(ctx context.Context) error {
	wanted := make(map[string]watchTarget)

	active, err := w.store.GetActiveDeals()
	if err != nil {
		return err
	}
	for _, d := range active {
		if d.Stage == deal.StageCreated {
			continue // no escrows yet
		}
		w.addTargets(wanted, d, false)
	}

	closed, err := w.store.GetDealsClosedAfter(time.Now().Add(-SurveillanceWindow))
	if err != nil {
		return err
	}
	for _, d := range closed {
		w.addTargets(wanted, d, true)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, cancel := range w.pollers {
		if _, still := wanted[key]; !still {
			cancel()
			delete(w.pollers, key)
		}
	}
	for key, target := range wanted {
		if _, running := w.pollers[key]; running {
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		w.pollers[key] = cancel
		go w.pollLoop(pctx, target)
	}
	return nil
}

// watchTarget is everything a poller needs, snapshotted so the poll
// never holds deal state.
type watchTarget struct {
	dealID       string
	side         deal.Side
	chainID      uint64
	escrow       string
	assets       []string
	minConf      uint32
	surveillance bool
}

func (w *Watcher) addTargets(wanted map[string]watchTarget, d *deal.Deal, surveillance bool) {
	for _, side := range deal.Sides() {
		escrow, ok := d.Escrows[side]
		if !ok || escrow == nil {
			continue
		}
		spec := d.Spec(side)
		adapterForChain, err := w.adapters.Get(spec.ChainID)
		if err != nil {
			continue
		}

		assets := []string{spec.AssetCode}
		if plan, ok := d.CommissionPlans[side]; ok && plan.Currency == deal.CommissionInNative {
			native := adapterForChain.Params().GetNativeToken()
			if native != spec.AssetCode {
				assets = append(assets, native)
			}
		}

		key := d.ID + "/" + string(side)
		wanted[key] = watchTarget{
			dealID:       d.ID,
			side:         side,
			chainID:      spec.ChainID,
			escrow:       escrow.Address,
			assets:       assets,
			minConf:      adapterForChain.Params().MinConfirmations,
			surveillance: surveillance,
		}
	}
}

func (w *Watcher) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, cancel := range w.pollers {
		cancel()
		delete(w.pollers, key)
	}
}

// pollLoop polls one escrow with backoff on adapter errors.
func (w *Watcher) pollLoop(ctx context.Context, target watchTarget) {
	backoff := pollInterval
	for {
		changed, err := w.pollOnce(ctx, target)
		if err != nil {
			w.log.Warn("escrow poll failed", "deal", target.dealID, "side", target.side, "error", err)
			backoff *= 2
			if backoff > maxPollBackoff {
				backoff = maxPollBackoff
			}
		} else {
			backoff = pollInterval
			if changed && !target.surveillance && w.OnChange != nil {
				w.OnChange(target.dealID)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// pollOnce reconciles one escrow's observed credits into the ledger.
func (w *Watcher) pollOnce(ctx context.Context, target watchTarget) (bool, error) {
	a, err := w.adapters.Get(target.chainID)
	if err != nil {
		return false, err
	}

	known, err := w.store.GetDeposits(target.dealID, target.side)
	if err != nil {
		return false, err
	}
	knownByTx := make(map[string]*deal.Deposit, len(known))
	for _, dep := range known {
		knownByTx[dep.TxID] = dep
	}

	changed := false
	seen := make(map[string]bool)

	for _, asset := range target.assets {
		raw, err := a.ListDeposits(ctx, target.escrow, asset, time.Time{})
		if err != nil {
			return changed, err
		}
		for i := range raw {
			r := &raw[i]
			seen[r.TxID] = true
			if w.reconcileRaw(target, knownByTx[r.TxID], r) {
				changed = true
			}
		}
	}

	// Known deposits the adapter no longer reports: re-check their
	// transactions directly. Absence means the block reorged away.
	for _, dep := range known {
		if seen[dep.TxID] || dep.IsSynthetic {
			continue
		}
		if dep.Status != deal.DepositPending && dep.Status != deal.DepositConfirmed &&
			dep.Status != deal.DepositUnconfirmed {
			continue
		}
		conf, err := a.GetTxConfirmations(ctx, dep.TxID)
		if err != nil {
			continue
		}
		if next := deal.StatusFor(conf, dep.MinConfRequired); next != dep.Status {
			if next == deal.DepositOrphaned {
				w.log.Warn("deposit orphaned by reorg", "deal", target.dealID, "tx", dep.TxID)
			}
			dep.Confirmations = conf
			dep.Status = next
			if err := w.store.UpsertDeposit(target.dealID, target.side, dep); err != nil {
				return changed, err
			}
			changed = true
		}
	}

	// Surveillance sweeps every cycle, not only on writes: a deposit
	// first seen unconfirmed may cross its depth on a later poll without
	// the ledger row changing shape.
	if target.surveillance {
		w.handleStrays(target)
	}
	return changed, nil
}

// reconcileRaw folds one adapter observation into the ledger. Returns
// whether anything was written.
func (w *Watcher) reconcileRaw(target watchTarget, existing *deal.Deposit, r *adapter.RawDeposit) bool {
	status := deal.StatusFor(r.Confirmations, target.minConf)

	if existing == nil {
		dep := &deal.Deposit{
			AssetCode:       r.AssetCode,
			Amount:          deal.NewAmount(r.Amount),
			TxID:            r.TxID,
			BlockHeight:     r.BlockHeight,
			ObservedAt:      r.ObservedAt,
			Confirmations:   r.Confirmations,
			MinConfRequired: target.minConf,
			Status:          status,
		}
		if r.Synthetic {
			dep.IsSynthetic = true
			dep.ResolutionStatus = deal.ResolutionPending
		}
		if err := w.store.UpsertDeposit(target.dealID, target.side, dep); err != nil {
			w.log.Error("deposit write failed", "deal", target.dealID, "tx", r.TxID, "error", err)
			return false
		}
		w.log.Info("deposit observed", "deal", target.dealID, "side", target.side,
			"asset", r.AssetCode, "amount", dep.Amount, "tx", r.TxID, "status", status)
		return true
	}

	if existing.Confirmations == r.Confirmations && existing.Status == status {
		return false
	}
	existing.Confirmations = r.Confirmations
	existing.BlockHeight = r.BlockHeight
	existing.Status = status
	if err := w.store.UpsertDeposit(target.dealID, target.side, existing); err != nil {
		w.log.Error("deposit refresh failed", "deal", target.dealID, "tx", r.TxID, "error", err)
		return false
	}
	return true
}

// handleStrays hands confirmed, still-unsettled post-closure deposits to
// the refunder. The settled flag is the dedup: deposits already covered
// by the swap or refund plan never refund again, and the refunder marks
// each stray settled once its refund intent is enqueued.
func (w *Watcher) handleStrays(target watchTarget) {
	if w.Refunder == nil {
		return
	}
	deposits, err := w.store.GetDeposits(target.dealID, target.side)
	if err != nil {
		return
	}
	for _, dep := range deposits {
		if dep.Status != deal.DepositConfirmed || dep.Settled {
			continue
		}
		w.log.Warn("stray deposit after closure", "deal", target.dealID, "tx", dep.TxID, "amount", dep.Amount)
		if err := w.Refunder.RefundStrayDeposit(target.dealID, target.side, dep); err != nil {
			w.log.Error("stray refund planning failed", "deal", target.dealID, "tx", dep.TxID, "error", err)
		}
	}
}
