package deal

import (
	"testing"
	"time"
)

func testSpecs() (*AssetSpec, *AssetSpec) {
	amtA, _ := ParseAmount("1000000000") // 10 units at 8 decimals
	amtB, _ := ParseAmount("100000000000000000000")
	specA := &AssetSpec{ChainID: 1001, AssetCode: "ALPHA", Amount: amtA, Decimals: 8}
	specB := &AssetSpec{ChainID: 1, AssetCode: "ERC20:0xdAC17F958D2ee523a2206206994597C13D831ec7", Amount: amtB, Decimals: 18}
	return specA, specB
}

func createTestDeal(t *testing.T) *Deal {
	t.Helper()
	specA, specB := testSpecs()
	d, err := NewDeal("alpha for usdt", specA, specB, 3600)
	if err != nil {
		t.Fatalf("NewDeal failed: %v", err)
	}
	return d
}

func TestNewDeal(t *testing.T) {
	d := createTestDeal(t)

	if d.ID == "" {
		t.Error("deal ID should not be empty")
	}
	if d.Stage != StageCreated {
		t.Errorf("initial stage = %s, want CREATED", d.Stage)
	}
	if d.TimeoutSeconds != 3600 {
		t.Errorf("TimeoutSeconds = %d, want 3600", d.TimeoutSeconds)
	}
	if !d.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be unset until COLLECTION")
	}
	if d.Version != 0 {
		t.Errorf("Version = %d, want 0", d.Version)
	}
	if len(d.Events) != 1 {
		t.Fatalf("expected 1 creation event, got %d", len(d.Events))
	}
	if d.Events[0].Seq != 1 {
		t.Errorf("first event seq = %d, want 1", d.Events[0].Seq)
	}
	if d.Spec(SideA).AssetCode != "ALPHA" {
		t.Errorf("side A asset = %s, want ALPHA", d.Spec(SideA).AssetCode)
	}
}

func TestNewDealValidation(t *testing.T) {
	specA, specB := testSpecs()

	if _, err := NewDeal("x", specA, specB, 0); err == nil {
		t.Error("zero timeout should be rejected")
	}
	if _, err := NewDeal("x", specA, specB, -5); err == nil {
		t.Error("negative timeout should be rejected")
	}

	zero, _ := ParseAmount("0")
	badSpec := &AssetSpec{ChainID: 1, AssetCode: "ETH", Amount: zero, Decimals: 18}
	if _, err := NewDeal("x", badSpec, specB, 3600); err == nil {
		t.Error("zero amount should be rejected")
	}

	badCode := &AssetSpec{ChainID: 1, AssetCode: "ERC20:tooshort", Amount: specA.Amount, Decimals: 18}
	if _, err := NewDeal("x", specA, badCode, 3600); err == nil {
		t.Error("malformed asset code should be rejected")
	}
}

func TestStageTransitions(t *testing.T) {
	tests := []struct {
		from    Stage
		to      Stage
		wantErr bool
	}{
		{StageCreated, StageCollection, false},
		{StageCreated, StageReverted, false},
		{StageCreated, StageWaiting, true},
		{StageCreated, StageSwap, true},
		{StageCollection, StageWaiting, false},
		{StageCollection, StageReverted, false},
		{StageCollection, StageSwap, true},
		{StageCollection, StageCreated, true},
		{StageWaiting, StageSwap, false},
		{StageWaiting, StageCollection, false}, // reorg rollback
		{StageWaiting, StageReverted, true},
		{StageSwap, StageClosed, false},
		{StageSwap, StageReverted, false},
		{StageSwap, StageCollection, true},
		{StageClosed, StageReverted, true},
		{StageReverted, StageCreated, true},
	}

	for _, tt := range tests {
		d := createTestDeal(t)
		d.Stage = tt.from
		err := d.TransitionTo(tt.to)
		if tt.wantErr && err == nil {
			t.Errorf("transition %s -> %s: expected error", tt.from, tt.to)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("transition %s -> %s: unexpected error: %v", tt.from, tt.to, err)
		}
	}
}

func TestTerminalStages(t *testing.T) {
	d := createTestDeal(t)

	terminal := []Stage{StageClosed, StageReverted}
	active := []Stage{StageCreated, StageCollection, StageWaiting, StageSwap}

	for _, stage := range terminal {
		d.Stage = stage
		if !d.IsTerminal() {
			t.Errorf("%s should be terminal", stage)
		}
	}
	for _, stage := range active {
		d.Stage = stage
		if d.IsTerminal() {
			t.Errorf("%s should not be terminal", stage)
		}
	}
}

func TestTransitionStampsClosedAt(t *testing.T) {
	d := createTestDeal(t)
	if !d.ClosedAt.IsZero() {
		t.Fatal("ClosedAt should start unset")
	}

	if err := d.TransitionTo(StageReverted); err != nil {
		t.Fatalf("TransitionTo failed: %v", err)
	}
	if d.ClosedAt.IsZero() {
		t.Error("ClosedAt should be stamped on terminal entry")
	}
}

func TestFillPartyDetails(t *testing.T) {
	d := createTestDeal(t)

	err := d.FillPartyDetails(SideA, &PartyDetails{
		PaybackAddress:   "alpha1payback",
		RecipientAddress: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("FillPartyDetails failed: %v", err)
	}

	pd := d.PartyDetails[SideA]
	if !pd.Locked {
		t.Error("details should lock on fill")
	}
	if pd.FilledAt.IsZero() {
		t.Error("FilledAt should be stamped")
	}

	// Second fill on the same side must be rejected.
	err = d.FillPartyDetails(SideA, &PartyDetails{PaybackAddress: "other"})
	if err == nil {
		t.Error("refill after lock should be rejected")
	}

	if d.DetailsComplete() {
		t.Error("details should not be complete with one side filled")
	}

	err = d.FillPartyDetails(SideB, &PartyDetails{
		PaybackAddress:   "0x2222222222222222222222222222222222222222",
		RecipientAddress: "alpha1recipient",
	})
	if err != nil {
		t.Fatalf("FillPartyDetails side B failed: %v", err)
	}
	if !d.DetailsComplete() {
		t.Error("details should be complete with both sides filled")
	}

	// Fills are rejected outside CREATED even for an unfilled side.
	d2 := createTestDeal(t)
	d2.Stage = StageCollection
	err = d2.FillPartyDetails(SideA, &PartyDetails{PaybackAddress: "late"})
	if err == nil {
		t.Error("fill outside CREATED should be rejected")
	}
}

func TestSetExpiryImmutable(t *testing.T) {
	d := createTestDeal(t)

	first := time.Now().Add(time.Hour)
	if err := d.SetExpiry(first); err != nil {
		t.Fatalf("SetExpiry failed: %v", err)
	}
	if err := d.SetExpiry(time.Now().Add(2 * time.Hour)); err == nil {
		t.Error("second SetExpiry should be rejected")
	}
	if !d.ExpiresAt.Equal(first.UTC()) {
		t.Error("expiry should keep its first value")
	}
}

func TestDeadlinePerStage(t *testing.T) {
	d := createTestDeal(t)

	// CREATED: anchored on creation time.
	want := d.CreatedAt.Add(3600 * time.Second)
	if got := d.Deadline(); !got.Equal(want) {
		t.Errorf("CREATED deadline = %v, want %v", got, want)
	}

	// COLLECTION: the immutable expiry.
	expiry := time.Now().Add(30 * time.Minute).UTC()
	d.Stage = StageCollection
	if err := d.SetExpiry(expiry); err != nil {
		t.Fatalf("SetExpiry failed: %v", err)
	}
	if got := d.Deadline(); !got.Equal(expiry) {
		t.Errorf("COLLECTION deadline = %v, want %v", got, expiry)
	}

	// WAITING suspends the timer, SWAP removes it.
	d.Stage = StageWaiting
	if !d.Deadline().IsZero() {
		t.Error("WAITING should have no armed deadline")
	}
	d.Stage = StageSwap
	if !d.Deadline().IsZero() {
		t.Error("SWAP should have no armed deadline")
	}
}

func TestTimedOut(t *testing.T) {
	d := createTestDeal(t)
	d.Stage = StageCollection
	expiry := time.Now().UTC()
	if err := d.SetExpiry(expiry); err != nil {
		t.Fatalf("SetExpiry failed: %v", err)
	}

	if d.TimedOut(expiry.Add(-time.Second)) {
		t.Error("should not be timed out before expiry")
	}
	if !d.TimedOut(expiry) {
		t.Error("should be timed out exactly at expiry")
	}
	if !d.TimedOut(expiry.Add(time.Second)) {
		t.Error("should be timed out after expiry")
	}

	// No timer in WAITING: expiry passing must not fire.
	d.Stage = StageWaiting
	if d.TimedOut(expiry.Add(time.Hour)) {
		t.Error("WAITING must never time out")
	}
}

func TestAppendEventSequence(t *testing.T) {
	d := createTestDeal(t)
	d.AppendEvent("second")
	d.AppendEvent("third with %s", "args")

	if len(d.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(d.Events))
	}
	for i, ev := range d.Events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
	if d.Events[2].Message != "third with args" {
		t.Errorf("event message = %q", d.Events[2].Message)
	}
}

func TestCanCancel(t *testing.T) {
	d := createTestDeal(t)
	if !d.CanCancel() {
		t.Error("CREATED deal should be cancellable")
	}

	for _, stage := range []Stage{StageCollection, StageWaiting, StageSwap, StageClosed, StageReverted} {
		d.Stage = stage
		if d.CanCancel() {
			t.Errorf("%s deal should not be cancellable", stage)
		}
	}
}

func TestParseSide(t *testing.T) {
	tests := []struct {
		in      string
		want    Side
		wantErr bool
	}{
		{"A", SideA, false},
		{"a", SideA, false},
		{"B", SideB, false},
		{"b", SideB, false},
		{"c", "", true},
		{"", "", true},
		{"AB", "", true},
	}

	for _, tt := range tests {
		got, err := ParseSide(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSide(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSide(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSide(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if SideA.Opposite() != SideB {
		t.Error("opposite of A should be B")
	}
	if SideB.Opposite() != SideA {
		t.Error("opposite of B should be A")
	}
	if SideA.LinkForm() != "a" || SideB.LinkForm() != "b" {
		t.Error("link forms should be lowercase")
	}
}
