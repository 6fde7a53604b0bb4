// Package deal defines the domain model for brokered over-the-counter
// trades: the deal record, its stage machine, deposits, payout intents
// and commission plans. This package contains ONLY the model and its
// transition rules. It uses no storage, no network and no adapters;
// the engine drives it and the store persists it.
package deal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidStage      = errors.New("invalid deal stage")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrInvalidSide       = errors.New("invalid side")
	ErrInvalidTimeout    = errors.New("timeout must be positive")
	ErrDetailsLocked     = errors.New("party details are locked")
	ErrExpiryImmutable   = errors.New("expiry is immutable once set")
)

// Side identifies one of the two parties to a deal.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Sides returns both sides in canonical order.
func Sides() []Side {
	return []Side{SideA, SideB}
}

// ParseSide accepts the canonical form and the lowercase link form.
func ParseSide(s string) (Side, error) {
	switch s {
	case "A", "a":
		return SideA, nil
	case "B", "b":
		return SideB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// Opposite returns the counterparty side.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// LinkForm returns the lowercase form used in party links.
func (s Side) LinkForm() string {
	if s == SideA {
		return "a"
	}
	return "b"
}

// Stage is the deal lifecycle stage.
type Stage string

const (
	StageCreated    Stage = "CREATED"    // awaiting party details
	StageCollection Stage = "COLLECTION" // escrows generated, deposits accumulating
	StageWaiting    Stage = "WAITING"    // fully collected, timer suspended
	StageSwap       Stage = "SWAP"       // payouts planned and executing
	StageClosed     Stage = "CLOSED"     // terminal: swap completed
	StageReverted   Stage = "REVERTED"   // terminal: timed out, cancelled or failed
)

// stageTransitions is the authoritative transition table. WAITING back
// to COLLECTION is the single permitted downgrade (reorg rollback).
var stageTransitions = map[Stage][]Stage{
	StageCreated:    {StageCollection, StageReverted},
	StageCollection: {StageWaiting, StageReverted},
	StageWaiting:    {StageSwap, StageCollection},
	StageSwap:       {StageClosed, StageReverted},
	StageClosed:     {},
	StageReverted:   {},
}

// PartyDetails holds what a party must supply before collection starts.
// Payback is on the party's own send chain, recipient on the
// counterparty's chain.
type PartyDetails struct {
	PaybackAddress   string    `json:"paybackAddress"`
	RecipientAddress string    `json:"recipientAddress"`
	Email            string    `json:"email,omitempty"`
	FilledAt         time.Time `json:"filledAt"`
	Locked           bool      `json:"locked"`
}

// Escrow is a deal-scoped deposit address plus the opaque handle the
// owning adapter needs to spend from it.
type Escrow struct {
	Address string `json:"address"`
	KeyRef  string `json:"keyRef"`
}

// Locks records when a side's collection became binding.
type Locks struct {
	TradeLockedAt      *time.Time `json:"tradeLockedAt,omitempty"`
	CommissionLockedAt *time.Time `json:"commissionLockedAt,omitempty"`
}

// SideState tracks everything observed for one side's escrow. Deposits
// are hydrated from their own table by the store; the persisted side
// blob carries only the aggregates.
type SideState struct {
	Deposits         []*Deposit         `json:"-"`
	CollectedByAsset map[string]*Amount `json:"collectedByAsset"`
	Locks            Locks              `json:"locks"`
}

// RecomputeCollected rebuilds CollectedByAsset as the sum of all
// non-orphaned deposits per asset.
func (ss *SideState) RecomputeCollected() {
	collected := make(map[string]*Amount)
	for _, dep := range ss.Deposits {
		if dep.Status == DepositOrphaned {
			continue
		}
		if cur, ok := collected[dep.AssetCode]; ok {
			collected[dep.AssetCode] = cur.Add(dep.Amount)
		} else {
			collected[dep.AssetCode] = NewAmount(dep.Amount.Int())
		}
	}
	ss.CollectedByAsset = collected
}

// ConfirmedByAsset sums only CONFIRMED deposits per asset. Collection
// sufficiency is judged on this, not on CollectedByAsset.
func (ss *SideState) ConfirmedByAsset() map[string]*Amount {
	confirmed := make(map[string]*Amount)
	for _, dep := range ss.Deposits {
		if dep.Status != DepositConfirmed {
			continue
		}
		if cur, ok := confirmed[dep.AssetCode]; ok {
			confirmed[dep.AssetCode] = cur.Add(dep.Amount)
		} else {
			confirmed[dep.AssetCode] = NewAmount(dep.Amount.Int())
		}
	}
	return confirmed
}

// ClearLocks drops both lock marks. Used by the reorg rollback.
func (ss *SideState) ClearLocks() {
	ss.Locks = Locks{}
}

// GasReimbursementStatus tracks the optional gas subsidy accounting.
type GasReimbursementStatus string

const (
	GasReimbursePending    GasReimbursementStatus = "PENDING_CALCULATION"
	GasReimburseCalculated GasReimbursementStatus = "CALCULATED"
	GasReimbursed          GasReimbursementStatus = "REIMBURSED"
)

// GasReimbursement records that an escrow was subsidized with native
// gas and whether the subsidy has been settled back.
type GasReimbursement struct {
	Enabled    bool                   `json:"enabled"`
	EscrowSide Side                   `json:"escrowSide"`
	Status     GasReimbursementStatus `json:"status"`
}

// Event is one entry in a deal's append-only log. Seq is a per-deal
// monotonic counter; it orders events across restarts where wall clocks
// cannot.
type Event struct {
	Seq     int64     `json:"seq"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Deal is a brokered two-sided trade.
type Deal struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Lifecycle
	Stage          Stage     `json:"stage"`
	TimeoutSeconds int64     `json:"timeoutSeconds"`
	ExpiresAt      time.Time `json:"expiresAt"` // zero until COLLECTION entry
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ClosedAt       time.Time `json:"closedAt"` // zero until terminal; anchors post-closure surveillance

	// Optimistic concurrency: bumped on every persisted mutation.
	Version int64 `json:"version"`

	// Per-side records
	Specs           map[Side]*AssetSpec      `json:"specs"`
	PartyDetails    map[Side]*PartyDetails   `json:"partyDetails"`
	Escrows         map[Side]*Escrow         `json:"escrows"`
	CommissionPlans map[Side]*CommissionPlan `json:"commissionPlans"`
	SideStates      map[Side]*SideState      `json:"sideStates"`

	// Append-only event log
	Events []Event `json:"events"`

	// Optional gas subsidy accounting
	GasReimbursement *GasReimbursement `json:"gasReimbursement,omitempty"`
}

// NewDeal creates a deal in CREATED with both asset specs fixed.
func NewDeal(name string, specA, specB *AssetSpec, timeoutSeconds int64) (*Deal, error) {
	if timeoutSeconds <= 0 {
		return nil, ErrInvalidTimeout
	}
	if err := specA.Validate(); err != nil {
		return nil, fmt.Errorf("side A: %w", err)
	}
	if err := specB.Validate(); err != nil {
		return nil, fmt.Errorf("side B: %w", err)
	}

	now := time.Now().UTC()
	d := &Deal{
		ID:             uuid.NewString(),
		Name:           name,
		Stage:          StageCreated,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
		Specs: map[Side]*AssetSpec{
			SideA: specA,
			SideB: specB,
		},
		PartyDetails:    make(map[Side]*PartyDetails),
		Escrows:         make(map[Side]*Escrow),
		CommissionPlans: make(map[Side]*CommissionPlan),
		SideStates: map[Side]*SideState{
			SideA: {CollectedByAsset: make(map[string]*Amount)},
			SideB: {CollectedByAsset: make(map[string]*Amount)},
		},
	}
	d.AppendEvent("deal created")
	return d, nil
}

// AppendEvent adds a log entry with the next sequence number.
func (d *Deal) AppendEvent(format string, args ...interface{}) {
	var seq int64 = 1
	if n := len(d.Events); n > 0 {
		seq = d.Events[n-1].Seq + 1
	}
	d.Events = append(d.Events, Event{
		Seq:     seq,
		At:      time.Now().UTC(),
		Message: fmt.Sprintf(format, args...),
	})
}

// TransitionTo moves the deal to a new stage if the transition table
// allows it. Terminal entry stamps ClosedAt.
func (d *Deal) TransitionTo(newStage Stage) error {
	allowed, ok := stageTransitions[d.Stage]
	if !ok {
		return fmt.Errorf("%w: unknown current stage %s", ErrInvalidStage, d.Stage)
	}
	for _, s := range allowed {
		if s == newStage {
			d.Stage = newStage
			if d.IsTerminal() && d.ClosedAt.IsZero() {
				d.ClosedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Stage, newStage)
}

// IsTerminal reports whether the deal has finished, one way or the other.
func (d *Deal) IsTerminal() bool {
	return d.Stage == StageClosed || d.Stage == StageReverted
}

// CanCancel reports whether a party may still cancel. Only CREATED
// qualifies; anything later has escrows and needs the revert path.
func (d *Deal) CanCancel() bool {
	return d.Stage == StageCreated
}

// SetExpiry arms the collection deadline. It may be set exactly once.
func (d *Deal) SetExpiry(at time.Time) error {
	if !d.ExpiresAt.IsZero() {
		return ErrExpiryImmutable
	}
	d.ExpiresAt = at.UTC()
	return nil
}

// Deadline returns the instant the collection timer fires for the
// current stage, or zero when no timer is armed. The timer runs in
// CREATED (anchored on creation) and COLLECTION (anchored on the
// immutable expiry), is suspended in WAITING and gone in SWAP.
func (d *Deal) Deadline() time.Time {
	switch d.Stage {
	case StageCreated:
		return d.CreatedAt.Add(time.Duration(d.TimeoutSeconds) * time.Second)
	case StageCollection:
		return d.ExpiresAt
	default:
		return time.Time{}
	}
}

// TimedOut reports whether the armed timer has fired.
func (d *Deal) TimedOut(now time.Time) bool {
	deadline := d.Deadline()
	return !deadline.IsZero() && !now.Before(deadline)
}

// DetailsComplete reports whether both parties have filled and locked
// their details, the COLLECTION entry condition.
func (d *Deal) DetailsComplete() bool {
	for _, side := range Sides() {
		pd, ok := d.PartyDetails[side]
		if !ok || !pd.Locked {
			return false
		}
	}
	return true
}

// FillPartyDetails records one party's addresses. Rejected once the
// details are locked or the deal left CREATED.
func (d *Deal) FillPartyDetails(side Side, details *PartyDetails) error {
	if d.Stage != StageCreated {
		return fmt.Errorf("%w: details fixed in %s", ErrDetailsLocked, d.Stage)
	}
	if existing, ok := d.PartyDetails[side]; ok && existing.Locked {
		return ErrDetailsLocked
	}
	details.FilledAt = time.Now().UTC()
	details.Locked = true
	d.PartyDetails[side] = details
	d.AppendEvent("party %s details filled", side)
	return nil
}

// Spec returns the asset spec for a side.
func (d *Deal) Spec(side Side) *AssetSpec {
	return d.Specs[side]
}

// SideState returns the mutable side record, creating it if absent.
func (d *Deal) SideState(side Side) *SideState {
	ss, ok := d.SideStates[side]
	if !ok {
		ss = &SideState{CollectedByAsset: make(map[string]*Amount)}
		d.SideStates[side] = ss
	}
	return ss
}
