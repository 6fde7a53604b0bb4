// Package payout runs the outbound transfer queue. Intents draining the
// same escrow on the same chain submit strictly one at a time in
// intent-id order, and an intent's confirmation tracking finishes
// before the next submission starts. Submission is idempotent: the
// pre-broadcast stamp plus the adapter's submission ledger make a crash
// between broadcast and the txid write recoverable.
package payout

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crosslane-exchange/crosslane/internal/adapter"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/internal/storage"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

// RetrySchedule is the backoff before each resubmission attempt.
var RetrySchedule = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	45 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
}

// RetryCeiling caps the backoff once the schedule is exhausted.
const RetryCeiling = 15 * time.Minute

// internalTxRetryBudget bounds how many polls enrich a broker-contract
// intent with child transfers. Display only, never blocks completion.
const internalTxRetryBudget = 10

// tickInterval is how often the queue scans for due work.
const tickInterval = 3 * time.Second

// maxConcurrentKeys bounds parallel escrow drains.
const maxConcurrentKeys = 8

// Queue drains payout intents through the chain adapters.
type Queue struct {
	store    *storage.Storage
	adapters *adapter.Registry
	log      *logging.Logger

	// OnCompleted, when set, is called after an intent reaches
	// COMPLETED or FAILED so the engine can re-evaluate the deal.
	OnCompleted func(dealID string)

	// internalTxPolls is touched from per-key tick goroutines.
	pollMu          sync.Mutex
	internalTxPolls map[string]int
}

// New creates a queue over the given store and adapters.
func New(store *storage.Storage, adapters *adapter.Registry) *Queue {
	return &Queue{
		store:           store,
		adapters:        adapters,
		log:             logging.GetDefault().Component("payout-queue"),
		internalTxPolls: make(map[string]int),
	}
}

// Enqueue persists the intent and its queue item. Safe to call twice.
func (q *Queue) Enqueue(p *deal.PayoutIntent, from deal.Escrow) error {
	if err := q.store.SavePayout(p); err != nil {
		return otcerr.Wrap(otcerr.KindFatal, err, "persist payout intent")
	}
	if err := q.store.EnqueuePayout(p, from); err != nil {
		return otcerr.Wrap(otcerr.KindFatal, err, "enqueue payout")
	}
	q.log.Info("payout enqueued", "intent", p.ID, "deal", p.DealID, "purpose", p.Purpose, "amount", p.Amount)
	return nil
}

// Run processes the queue until the context ends.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("payout queue started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.log.Info("payout queue stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := q.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.log.Error("queue tick failed", "error", err)
			}
		}
	}
}

// tick drains one step of work: the head item of every due escrow key,
// processed in parallel across keys, serialized within a key.
func (q *Queue) tick(ctx context.Context) error {
	due, err := q.store.GetDueQueueItems(time.Now())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	// Items arrive in id order; the first item per key is the head.
	heads := make(map[string]*storage.QueueItem)
	for _, item := range due {
		key := queueKey(item.ChainID, item.From.Address)
		if _, seen := heads[key]; !seen {
			heads[key] = item
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentKeys)
	for _, item := range heads {
		item := item
		g.Go(func() error {
			q.processItem(gctx, item)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) processItem(ctx context.Context, item *storage.QueueItem) {
	switch item.Status {
	case deal.PayoutPending:
		q.submit(ctx, item)
	case deal.PayoutSubmitted:
		q.trackConfirmations(ctx, item)
	}
}

// submit broadcasts a pending intent. The submit marker lands before
// the adapter call; on restart the same intent id replays and the
// adapter's ledger deduplicates.
func (q *Queue) submit(ctx context.Context, item *storage.QueueItem) {
	a, err := q.adapters.Get(item.ChainID)
	if err != nil {
		q.fail(item, err)
		return
	}
	intent, err := q.store.GetPayout(item.ID)
	if err != nil {
		q.log.Error("intent lookup failed", "intent", item.ID, "error", err)
		return
	}

	if err := q.store.MarkSubmitStarted(item.ID); err != nil {
		q.log.Error("submit marker failed", "intent", item.ID, "error", err)
		return
	}

	result, err := a.SubmitTransfer(ctx, &adapter.TransferRequest{
		IntentID:  item.ID,
		From:      item.From.Address,
		To:        item.ToAddr,
		AssetCode: item.Asset,
		Amount:    item.Amount.Int(),
		KeyRef:    item.From.KeyRef,
		Purpose:   item.Purpose,
	})
	if err != nil {
		if otcerr.IsKind(err, otcerr.KindAdapterTransient) || otcerr.IsKind(err, otcerr.KindOracleUnavailable) {
			q.retry(item, err)
			return
		}
		q.fail(item, err)
		return
	}

	tx := &deal.SubmittedTx{
		TxID:             result.TxID,
		SubmittedAt:      time.Now().UTC(),
		RequiredConfirms: intent.MinConfirmations,
		AdditionalTxIDs:  result.AdditionalTxIDs,
	}
	if err := q.store.MarkSubmitted(item.ID, tx); err != nil {
		q.log.Error("submitted state write failed", "intent", item.ID, "error", err)
		return
	}
	if err := q.store.UpdatePayoutStatus(item.ID, deal.PayoutSubmitted, tx); err != nil {
		q.log.Error("payout state write failed", "intent", item.ID, "error", err)
	}
	q.log.Info("payout submitted", "intent", item.ID, "tx", result.TxID)
}

// trackConfirmations watches a submitted intent until its outer tx
// reaches the required depth.
func (q *Queue) trackConfirmations(ctx context.Context, item *storage.QueueItem) {
	a, err := q.adapters.Get(item.ChainID)
	if err != nil {
		q.fail(item, err)
		return
	}
	if item.SubmittedTx == nil {
		q.log.Warn("submitted item without tx record", "intent", item.ID)
		return
	}

	conf, err := a.GetTxConfirmations(ctx, item.SubmittedTx.TxID)
	if err != nil {
		q.retry(item, err)
		return
	}
	if conf < 0 {
		// The broadcast vanished in a reorg. Keep the same intent id
		// and fall back to PENDING: the adapter ledger still maps it to
		// the recorded txid, and the index either resurfaces it or the
		// operator intervenes.
		q.log.Warn("submitted tx vanished", "intent", item.ID, "tx", item.SubmittedTx.TxID)
		q.retry(item, otcerr.E(otcerr.KindReorgDetected, "tx %s vanished", item.SubmittedTx.TxID))
		return
	}

	tx := item.SubmittedTx
	tx.Confirms = conf

	// Broker-contract intents get their child transfers surfaced for
	// display. A failed lookup never blocks completion.
	q.enrichInternalTxs(ctx, a, item, tx)

	if err := q.store.UpdateQueueItemTx(item.ID, tx); err != nil {
		q.log.Error("confirmation write failed", "intent", item.ID, "error", err)
		return
	}
	if conf < int64(tx.RequiredConfirms) {
		return
	}

	if err := q.store.SetQueueItemStatus(item.ID, deal.PayoutCompleted, ""); err != nil {
		q.log.Error("completion write failed", "intent", item.ID, "error", err)
		return
	}
	if err := q.store.UpdatePayoutStatus(item.ID, deal.PayoutCompleted, tx); err != nil {
		q.log.Error("payout completion write failed", "intent", item.ID, "error", err)
	}
	q.log.Info("payout completed", "intent", item.ID, "tx", tx.TxID, "confirmations", conf)
	q.notify(item.DealID)
}

func (q *Queue) enrichInternalTxs(ctx context.Context, a adapter.Adapter, item *storage.QueueItem, tx *deal.SubmittedTx) {
	if item.Purpose != deal.PurposeBrokerSwap && item.Purpose != deal.PurposeBrokerRefund {
		return
	}
	if len(tx.InternalTxIDs) > 0 {
		return
	}
	lister, ok := a.(adapter.InternalTxLister)
	if !ok {
		return
	}
	q.pollMu.Lock()
	if q.internalTxPolls[item.ID] >= internalTxRetryBudget {
		q.pollMu.Unlock()
		return
	}
	q.internalTxPolls[item.ID]++
	q.pollMu.Unlock()

	transfers, err := lister.GetInternalTransactions(ctx, tx.TxID)
	if err != nil {
		q.log.Debug("internal tx lookup failed", "intent", item.ID, "error", err)
		return
	}
	for _, t := range transfers {
		tx.InternalTxIDs = append(tx.InternalTxIDs, t.TxID)
	}
}

func (q *Queue) retry(item *storage.QueueItem, cause error) {
	delay := DelayFor(item.RetryCount)
	next := time.Now().Add(delay)
	if err := q.store.ScheduleRetry(item.ID, cause.Error(), next); err != nil {
		q.log.Error("retry scheduling failed", "intent", item.ID, "error", err)
		return
	}
	q.log.Warn("payout retry scheduled", "intent", item.ID, "attempt", item.RetryCount+1, "delay", delay, "cause", cause)
}

func (q *Queue) fail(item *storage.QueueItem, cause error) {
	if err := q.store.SetQueueItemStatus(item.ID, deal.PayoutFailed, cause.Error()); err != nil {
		q.log.Error("failure write failed", "intent", item.ID, "error", err)
		return
	}
	if err := q.store.UpdatePayoutStatus(item.ID, deal.PayoutFailed, nil); err != nil {
		q.log.Error("payout failure write failed", "intent", item.ID, "error", err)
	}
	q.log.Error("payout failed permanently", "intent", item.ID, "cause", cause)
	q.notify(item.DealID)
}

func (q *Queue) notify(dealID string) {
	if q.OnCompleted != nil {
		q.OnCompleted(dealID)
	}
}

// Recover re-arms interrupted work after a restart: items whose
// submission started but never recorded a result go straight back to
// due (the adapter deduplicates on the intent id).
func (q *Queue) Recover() error {
	interrupted, err := q.store.GetInterruptedQueueItems()
	if err != nil {
		return err
	}
	for _, item := range interrupted {
		q.log.Warn("recovering interrupted submission", "intent", item.ID)
		if err := q.store.ScheduleRetry(item.ID, "interrupted by restart", time.Now()); err != nil {
			return err
		}
	}

	open, err := q.store.GetOpenQueueItems()
	if err != nil {
		return err
	}
	q.log.Info("payout queue recovered", "open", len(open), "interrupted", len(interrupted))
	return nil
}

// DelayFor returns the backoff before attempt n (0-based). Past the
// schedule the delay doubles from the last step up to the ceiling.
func DelayFor(retryCount int) time.Duration {
	if retryCount < len(RetrySchedule) {
		return RetrySchedule[retryCount]
	}
	d := RetrySchedule[len(RetrySchedule)-1]
	for i := len(RetrySchedule); i <= retryCount; i++ {
		d *= 2
		if d >= RetryCeiling {
			return RetryCeiling
		}
	}
	return d
}

func queueKey(chainID uint64, escrow string) string {
	return strconv.FormatUint(chainID, 10) + "/" + escrow
}
