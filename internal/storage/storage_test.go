package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestDeal(t *testing.T) *deal.Deal {
	t.Helper()
	specA := &deal.AssetSpec{ChainID: 1, AssetCode: "ETH", Amount: deal.NewAmountFromUint64(1_000_000), Decimals: 18}
	specB := &deal.AssetSpec{ChainID: 5000, AssetCode: "BTC", Amount: deal.NewAmountFromUint64(50_000), Decimals: 8}
	d, err := deal.NewDeal("test deal", specA, specB, 3600)
	if err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	return d
}

func TestSaveAndGetDeal(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)

	if err := s.SaveDeal(d); err != nil {
		t.Fatalf("SaveDeal failed: %v", err)
	}
	if d.Version != 1 {
		t.Errorf("first save should set version 1, got %d", d.Version)
	}

	loaded, err := s.GetDeal(d.ID)
	if err != nil {
		t.Fatalf("GetDeal failed: %v", err)
	}
	if loaded.ID != d.ID || loaded.Stage != deal.StageCreated {
		t.Errorf("loaded deal mismatch: %+v", loaded)
	}
	if loaded.Specs[deal.SideA].AssetCode != "ETH" {
		t.Errorf("spec A = %+v", loaded.Specs[deal.SideA])
	}
	if loaded.Specs[deal.SideB].Amount.Cmp(deal.NewAmountFromUint64(50_000)) != 0 {
		t.Errorf("spec B amount = %s", loaded.Specs[deal.SideB].Amount)
	}
	if len(loaded.Events) != 1 {
		t.Errorf("expected 1 event, got %d", len(loaded.Events))
	}
}

func TestGetDealNotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetDeal("nope"); !errors.Is(err, ErrDealNotFound) {
		t.Errorf("expected ErrDealNotFound, got %v", err)
	}
}

func TestDealVersionConflict(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatalf("SaveDeal failed: %v", err)
	}

	// Two readers load the same version; the second writer loses.
	first, _ := s.GetDeal(d.ID)
	second, _ := s.GetDeal(d.ID)

	first.Name = "winner"
	if err := s.SaveDeal(first); err != nil {
		t.Fatalf("first writer failed: %v", err)
	}
	second.Name = "loser"
	if err := s.SaveDeal(second); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestGetActiveDeals(t *testing.T) {
	s := newTestStorage(t)

	active := newTestDeal(t)
	if err := s.SaveDeal(active); err != nil {
		t.Fatal(err)
	}

	closed := newTestDeal(t)
	if err := s.SaveDeal(closed); err != nil {
		t.Fatal(err)
	}
	closed.Stage = deal.StageReverted
	closed.ClosedAt = time.Now().UTC()
	if err := s.SaveDeal(closed); err != nil {
		t.Fatal(err)
	}

	deals, err := s.GetActiveDeals()
	if err != nil {
		t.Fatalf("GetActiveDeals failed: %v", err)
	}
	if len(deals) != 1 || deals[0].ID != active.ID {
		t.Errorf("expected only the active deal, got %d", len(deals))
	}

	recent, err := s.GetDealsClosedAfter(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetDealsClosedAfter failed: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != closed.ID {
		t.Errorf("expected the closed deal in surveillance window, got %d", len(recent))
	}
}

func TestPartyDetailsRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	pd := &deal.PartyDetails{
		PaybackAddress:   "0xaaaa",
		RecipientAddress: "bc1qxyz",
		Email:            "a@example.com",
		FilledAt:         time.Now().UTC(),
		Locked:           true,
	}
	escrow := &deal.Escrow{Address: "0xesc", KeyRef: "v1:ETH:deal:A"}
	if err := s.SavePartyDetails(d.ID, deal.SideA, pd, escrow); err != nil {
		t.Fatalf("SavePartyDetails failed: %v", err)
	}

	loaded, err := s.GetDeal(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := loaded.PartyDetails[deal.SideA]
	if got == nil || got.PaybackAddress != "0xaaaa" || !got.Locked {
		t.Errorf("hydrated details = %+v", got)
	}

	e, err := s.GetPartyEscrow(d.ID, deal.SideA)
	if err != nil {
		t.Fatalf("GetPartyEscrow failed: %v", err)
	}
	if e == nil || e.KeyRef != "v1:ETH:deal:A" {
		t.Errorf("escrow = %+v", e)
	}
}

func TestTokens(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveToken("tok-a", d.ID, deal.SideA); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if err := s.SaveToken("tok-b", d.ID, deal.SideB); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	if err := s.AuthorizeToken("tok-a", d.ID, deal.SideA); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := s.AuthorizeToken("tok-a", d.ID, deal.SideB); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("wrong side should mismatch, got %v", err)
	}
	if err := s.AuthorizeToken("forged", d.ID, deal.SideA); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("unknown token should be not found, got %v", err)
	}

	if err := s.MarkTokenUsed("tok-a"); err != nil {
		t.Fatalf("MarkTokenUsed failed: %v", err)
	}
	tok, err := s.GetToken("tok-a")
	if err != nil {
		t.Fatal(err)
	}
	if tok.UsedAt.IsZero() {
		t.Error("used token should carry a use stamp")
	}

	tokens, err := s.GetDealTokens(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tokens[deal.SideA] != "tok-a" || tokens[deal.SideB] != "tok-b" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestPayoutRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	p := deal.NewPayoutIntent(d.ID, 1, "0xesc", "0xrecipient", "ETH",
		deal.NewAmountFromUint64(900_000), deal.PurposeSwapPayout, 6)
	if err := s.SavePayout(p); err != nil {
		t.Fatalf("SavePayout failed: %v", err)
	}

	loaded, err := s.GetPayout(p.ID)
	if err != nil {
		t.Fatalf("GetPayout failed: %v", err)
	}
	if loaded.Purpose != deal.PurposeSwapPayout || loaded.Amount.Cmp(p.Amount) != 0 {
		t.Errorf("loaded payout = %+v", loaded)
	}
	if loaded.Status != deal.PayoutPending {
		t.Errorf("fresh payout should be PENDING, got %s", loaded.Status)
	}

	tx := &deal.SubmittedTx{TxID: "0xtx", SubmittedAt: time.Now().UTC(), RequiredConfirms: 6}
	if err := s.UpdatePayoutStatus(p.ID, deal.PayoutSubmitted, tx); err != nil {
		t.Fatalf("UpdatePayoutStatus failed: %v", err)
	}

	open, err := s.GetOpenPayouts()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].SubmittedTx == nil || open[0].SubmittedTx.TxID != "0xtx" {
		t.Errorf("open payouts = %+v", open)
	}

	if err := s.UpdatePayoutStatus(p.ID, deal.PayoutCompleted, nil); err != nil {
		t.Fatal(err)
	}
	open, _ = s.GetOpenPayouts()
	if len(open) != 0 {
		t.Errorf("completed payout still open")
	}
}

func TestQueueItemLifecycle(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	p := deal.NewPayoutIntent(d.ID, 1, "0xesc", "0xrecipient", "ETH",
		deal.NewAmountFromUint64(100), deal.PurposeSwapPayout, 6)
	if err := s.SavePayout(p); err != nil {
		t.Fatal(err)
	}
	escrow := deal.Escrow{Address: "0xesc", KeyRef: "v1:ETH:deal:A"}
	if err := s.EnqueuePayout(p, escrow); err != nil {
		t.Fatalf("EnqueuePayout failed: %v", err)
	}
	// Enqueue is idempotent.
	if err := s.EnqueuePayout(p, escrow); err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}

	due, err := s.GetDueQueueItems(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != p.ID || due[0].From.KeyRef != escrow.KeyRef {
		t.Fatalf("due items = %+v", due)
	}

	if err := s.MarkSubmitStarted(p.ID); err != nil {
		t.Fatalf("MarkSubmitStarted failed: %v", err)
	}
	interrupted, err := s.GetInterruptedQueueItems()
	if err != nil {
		t.Fatal(err)
	}
	if len(interrupted) != 1 {
		t.Errorf("item with submit started but no result should be interrupted, got %d", len(interrupted))
	}

	tx := &deal.SubmittedTx{TxID: "0xtx", SubmittedAt: time.Now().UTC()}
	if err := s.MarkSubmitted(p.ID, tx); err != nil {
		t.Fatalf("MarkSubmitted failed: %v", err)
	}
	interrupted, _ = s.GetInterruptedQueueItems()
	if len(interrupted) != 0 {
		t.Error("submitted item should no longer count as interrupted")
	}

	if err := s.SetQueueItemStatus(p.ID, deal.PayoutCompleted, ""); err != nil {
		t.Fatal(err)
	}
	open, _, err := s.QueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if open != 0 {
		t.Errorf("queue depth open = %d, want 0", open)
	}
}

func TestQueueRetryScheduling(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	p := deal.NewPayoutIntent(d.ID, 1, "0xesc", "0xr", "ETH",
		deal.NewAmountFromUint64(100), deal.PurposeTimeoutRefund, 1)
	if err := s.SavePayout(p); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueuePayout(p, deal.Escrow{Address: "0xesc"}); err != nil {
		t.Fatal(err)
	}

	next := time.Now().Add(time.Minute)
	if err := s.ScheduleRetry(p.ID, "rpc down", next); err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}

	due, _ := s.GetDueQueueItems(time.Now())
	if len(due) != 0 {
		t.Error("retried item should not be due yet")
	}
	due, _ = s.GetDueQueueItems(next.Add(time.Second))
	if len(due) != 1 {
		t.Fatal("retried item should be due after backoff")
	}
	if due[0].RetryCount != 1 || due[0].LastError != "rpc down" {
		t.Errorf("retry bookkeeping = %+v", due[0])
	}
	if !due[0].SubmitStartedAt.IsZero() {
		t.Error("retry should clear the submit marker")
	}
}

func TestDepositLedger(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	dep := &deal.Deposit{
		AssetCode:       "BTC",
		Amount:          deal.NewAmountFromUint64(50_000),
		TxID:            "dep-1",
		BlockHeight:     100,
		Confirmations:   1,
		MinConfRequired: 2,
		Status:          deal.DepositPending,
		ObservedAt:      time.Now().UTC(),
	}
	if err := s.UpsertDeposit(d.ID, deal.SideB, dep); err != nil {
		t.Fatalf("UpsertDeposit failed: %v", err)
	}

	// Repeat poll updates in place.
	dep.Confirmations = 3
	dep.Status = deal.DepositConfirmed
	if err := s.UpsertDeposit(d.ID, deal.SideB, dep); err != nil {
		t.Fatal(err)
	}

	deposits, err := s.GetDeposits(d.ID, deal.SideB)
	if err != nil {
		t.Fatal(err)
	}
	if len(deposits) != 1 || deposits[0].Confirmations != 3 || deposits[0].Status != deal.DepositConfirmed {
		t.Errorf("deposits = %+v", deposits)
	}

	// Hydration rebuilds the collected aggregate.
	loaded, err := s.GetDeal(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	collected := loaded.SideStates[deal.SideB].CollectedByAsset["BTC"]
	if collected == nil || collected.Cmp(deal.NewAmountFromUint64(50_000)) != 0 {
		t.Errorf("collected = %v", collected)
	}
}

func TestDepositsOrderedByChain(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	// Both observed in the same second; the later block must sort last
	// regardless of insertion order.
	now := time.Now().UTC().Truncate(time.Second)
	for _, dep := range []*deal.Deposit{
		{AssetCode: "BTC", Amount: deal.NewAmountFromUint64(2), TxID: "dep-late",
			BlockHeight: 205, MinConfRequired: 2, Status: deal.DepositPending, ObservedAt: now},
		{AssetCode: "BTC", Amount: deal.NewAmountFromUint64(1), TxID: "dep-early",
			BlockHeight: 100, MinConfRequired: 2, Status: deal.DepositPending, ObservedAt: now},
	} {
		if err := s.UpsertDeposit(d.ID, deal.SideA, dep); err != nil {
			t.Fatal(err)
		}
	}

	deposits, err := s.GetDeposits(d.ID, deal.SideA)
	if err != nil {
		t.Fatal(err)
	}
	if len(deposits) != 2 || deposits[0].TxID != "dep-early" || deposits[1].TxID != "dep-late" {
		t.Errorf("order = %s, %s; want dep-early first", deposits[0].TxID, deposits[1].TxID)
	}
}

func TestDepositSettledFlag(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	confirmed := &deal.Deposit{
		AssetCode: "BTC", Amount: deal.NewAmountFromUint64(10),
		TxID: "dep-1", Status: deal.DepositConfirmed,
		Confirmations: 3, MinConfRequired: 2, ObservedAt: time.Now().UTC(),
	}
	pending := &deal.Deposit{
		AssetCode: "BTC", Amount: deal.NewAmountFromUint64(20),
		TxID: "dep-2", Status: deal.DepositPending,
		Confirmations: 1, MinConfRequired: 2, ObservedAt: time.Now().UTC(),
	}
	for _, dep := range []*deal.Deposit{confirmed, pending} {
		if err := s.UpsertDeposit(d.ID, deal.SideA, dep); err != nil {
			t.Fatal(err)
		}
	}

	// The side-wide mark only touches confirmed rows.
	if err := s.MarkConfirmedDepositsSettled(d.ID, deal.SideA); err != nil {
		t.Fatal(err)
	}
	byTx := func() map[string]*deal.Deposit {
		deposits, err := s.GetDeposits(d.ID, deal.SideA)
		if err != nil {
			t.Fatal(err)
		}
		m := make(map[string]*deal.Deposit, len(deposits))
		for _, dep := range deposits {
			m[dep.TxID] = dep
		}
		return m
	}
	got := byTx()
	if !got["dep-1"].Settled || got["dep-2"].Settled {
		t.Fatalf("after side mark: dep-1=%v dep-2=%v", got["dep-1"].Settled, got["dep-2"].Settled)
	}

	// A later poll's stale snapshot must not clear the flag.
	confirmed.Settled = false
	confirmed.Confirmations = 4
	if err := s.UpsertDeposit(d.ID, deal.SideA, confirmed); err != nil {
		t.Fatal(err)
	}
	if got := byTx(); !got["dep-1"].Settled {
		t.Error("poll refresh un-settled the deposit")
	}

	// The single-row mark covers the late confirmer once it is refunded.
	if err := s.MarkDepositSettled(d.ID, deal.SideA, "dep-2", "BTC"); err != nil {
		t.Fatal(err)
	}
	if got := byTx(); !got["dep-2"].Settled {
		t.Error("single-deposit mark did not persist")
	}
}

func TestSyntheticResolution(t *testing.T) {
	s := newTestStorage(t)
	d := newTestDeal(t)
	if err := s.SaveDeal(d); err != nil {
		t.Fatal(err)
	}

	synthetic := &deal.Deposit{
		AssetCode:        "ETH",
		Amount:           deal.NewAmountFromUint64(1_000_000),
		TxID:             "synthetic:abcd",
		Status:           deal.DepositConfirmed,
		MinConfRequired:  6,
		Confirmations:    6,
		IsSynthetic:      true,
		ResolutionStatus: deal.ResolutionPending,
		ObservedAt:       time.Now().UTC(),
	}
	if err := s.UpsertDeposit(d.ID, deal.SideA, synthetic); err != nil {
		t.Fatal(err)
	}

	refs, err := s.GetUnresolvedSyntheticDeposits()
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].DealID != d.ID || refs[0].Side != deal.SideA {
		t.Fatalf("unresolved refs = %+v", refs)
	}

	if err := s.ResolveSyntheticDeposit(d.ID, deal.SideA, "synthetic:abcd", "0xreal"); err != nil {
		t.Fatalf("ResolveSyntheticDeposit failed: %v", err)
	}

	deposits, _ := s.GetDeposits(d.ID, deal.SideA)
	if len(deposits) != 1 {
		t.Fatal("deposit row lost in resolution")
	}
	got := deposits[0]
	if got.TxID != "0xreal" || got.OriginalTxID != "synthetic:abcd" || got.IsSynthetic {
		t.Errorf("resolved deposit = %+v", got)
	}

	refs, _ = s.GetUnresolvedSyntheticDeposits()
	if len(refs) != 0 {
		t.Error("resolved deposit still reported unresolved")
	}
}

func TestOracleQuotes(t *testing.T) {
	s := newTestStorage(t)

	asOf := time.Now().UTC().Truncate(time.Second)
	if err := s.SetQuote(1, "ETH/USD", "2500.50", "MANUAL", asOf); err != nil {
		t.Fatalf("SetQuote failed: %v", err)
	}

	q, err := s.GetQuote(1, "ETH/USD")
	if err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
	if q.Price != "2500.50" || q.Source != "MANUAL" || !q.AsOf.Equal(asOf) {
		t.Errorf("quote = %+v", q)
	}

	// Latest write wins.
	if err := s.SetQuote(1, "ETH/USD", "2600", "MANUAL", asOf.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	q, _ = s.GetQuote(1, "ETH/USD")
	if q.Price != "2600" {
		t.Errorf("updated price = %s", q.Price)
	}

	if _, err := s.GetQuote(1, "BTC/USD"); !errors.Is(err, ErrQuoteNotFound) {
		t.Errorf("missing pair should be ErrQuoteNotFound, got %v", err)
	}
}

func TestSubmissionLedger(t *testing.T) {
	s := newTestStorage(t)

	_, _, ok, err := s.GetSubmission("intent-1")
	if err != nil || ok {
		t.Fatalf("empty ledger: ok=%v err=%v", ok, err)
	}

	if err := s.RecordSubmission("intent-1", 1, "0xtx", []string{"0xsweep"}); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	txid, additional, ok, err := s.GetSubmission("intent-1")
	if err != nil || !ok {
		t.Fatalf("recorded submission missing: ok=%v err=%v", ok, err)
	}
	if txid != "0xtx" || len(additional) != 1 || additional[0] != "0xsweep" {
		t.Errorf("submission = %s %v", txid, additional)
	}

	// First write wins on replay.
	if err := s.RecordSubmission("intent-1", 1, "0xother", nil); err != nil {
		t.Fatal(err)
	}
	txid, _, _, _ = s.GetSubmission("intent-1")
	if txid != "0xtx" {
		t.Errorf("replay overwrote the original txid: %s", txid)
	}
}
