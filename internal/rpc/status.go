package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
)

// statusView is the full public projection of one deal. It is safe to
// hand to either party or to an observer: escrow key material and link
// tokens never appear in it.
type statusView struct {
	DealID         string    `json:"dealId"`
	DealName       string    `json:"dealName"`
	Stage          string    `json:"stage"`
	TimeoutSeconds int64     `json:"timeoutSeconds"`
	ExpiresAt      *string   `json:"expiresAt,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ClosedAt       *string   `json:"closedAt,omitempty"`

	Spec           map[string]*deal.AssetSpec      `json:"spec"`
	PartyDetails   map[string]*partyView           `json:"partyDetails"`
	Escrow         map[string]string               `json:"escrow"`
	CommissionPlan map[string]*deal.CommissionPlan `json:"commissionPlan"`

	Instructions map[string][]instructionView `json:"instructions"`
	Collection   map[string]*collectionView   `json:"collection"`

	Events       []deal.Event      `json:"events"`
	Payouts      []*payoutView     `json:"payouts"`
	Transactions []transactionView `json:"transactions"`

	RPCEndpoints map[uint64]string `json:"rpcEndpoints,omitempty"`
}

// partyView is PartyDetails without the contact email, which only the
// party that supplied it should see again.
type partyView struct {
	PaybackAddress   string    `json:"paybackAddress"`
	RecipientAddress string    `json:"recipientAddress"`
	FilledAt         time.Time `json:"filledAt"`
	Locked           bool      `json:"locked"`
}

// instructionView is one "send this much of this asset here" line.
type instructionView struct {
	AssetCode string `json:"assetCode"`
	Amount    string `json:"amount"`
	To        string `json:"to,omitempty"`
}

// collectionView is one side's deposit progress.
type collectionView struct {
	Deposits         []*deal.Deposit   `json:"deposits"`
	CollectedByAsset map[string]string `json:"collectedByAsset"`
}

// payoutView is a settlement intent without its escrow key reference.
type payoutView struct {
	ID          string            `json:"id"`
	ChainID     uint64            `json:"chainId"`
	FromEscrow  string            `json:"fromEscrow"`
	ToAddress   string            `json:"toAddress"`
	AssetCode   string            `json:"assetCode"`
	Amount      string            `json:"amount"`
	Purpose     string            `json:"purpose"`
	Status      string            `json:"status"`
	GroupID     string            `json:"payoutGroupId,omitempty"`
	SubmittedTx *deal.SubmittedTx `json:"submittedTx,omitempty"`
}

// transactionView is one on-chain settlement transaction for display.
type transactionView struct {
	ChainID          uint64 `json:"chainId"`
	TxID             string `json:"txid"`
	Purpose          string `json:"purpose"`
	Confirms         int64  `json:"confirms"`
	RequiredConfirms uint32 `json:"requiredConfirms"`
}

// status handles otc.status. The projection is public: anyone with the
// deal id can watch progress, which is what both parties do after the
// links are consumed.
func (s *Server) status(_ context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		DealID string `json:"dealId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "bad params")
	}
	if req.DealID == "" {
		return nil, otcerr.E(otcerr.KindInvalidInput, "dealId is required")
	}

	d, err := s.engine.GetDeal(req.DealID)
	if err != nil {
		return nil, err
	}

	view := &statusView{
		DealID:         d.ID,
		DealName:       d.Name,
		Stage:          string(d.Stage),
		TimeoutSeconds: d.TimeoutSeconds,
		CreatedAt:      d.CreatedAt,
		Spec:           make(map[string]*deal.AssetSpec, 2),
		PartyDetails:   make(map[string]*partyView, 2),
		Escrow:         make(map[string]string, 2),
		CommissionPlan: make(map[string]*deal.CommissionPlan, 2),
		Instructions:   make(map[string][]instructionView, 2),
		Collection:     make(map[string]*collectionView, 2),
		Events:         d.Events,
		RPCEndpoints:   s.rpcEndpointsByChain(),
	}
	if !d.ExpiresAt.IsZero() {
		v := d.ExpiresAt.UTC().Format(time.RFC3339)
		view.ExpiresAt = &v
	}
	if !d.ClosedAt.IsZero() {
		v := d.ClosedAt.UTC().Format(time.RFC3339)
		view.ClosedAt = &v
	}

	for _, side := range deal.Sides() {
		key := string(side)
		view.Spec[key] = d.Spec(side)
		view.CommissionPlan[key] = d.CommissionPlans[side]

		if pd := d.PartyDetails[side]; pd != nil {
			view.PartyDetails[key] = &partyView{
				PaybackAddress:   pd.PaybackAddress,
				RecipientAddress: pd.RecipientAddress,
				FilledAt:         pd.FilledAt,
				Locked:           pd.Locked,
			}
		}

		var escrowAddr string
		if esc := d.Escrows[side]; esc != nil {
			escrowAddr = esc.Address
			view.Escrow[key] = esc.Address
		}
		view.Instructions[key] = s.instructionsFor(d, side, escrowAddr)
		view.Collection[key] = collectionFor(d.SideState(side))
	}

	payouts, err := s.store.GetDealPayouts(d.ID)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "load payouts")
	}
	view.Payouts = make([]*payoutView, 0, len(payouts))
	for _, p := range payouts {
		view.Payouts = append(view.Payouts, &payoutView{
			ID:          p.ID,
			ChainID:     p.ChainID,
			FromEscrow:  p.FromEscrow,
			ToAddress:   p.ToAddress,
			AssetCode:   p.AssetCode,
			Amount:      p.Amount.String(),
			Purpose:     string(p.Purpose),
			Status:      string(p.Status),
			GroupID:     p.PayoutGroupID,
			SubmittedTx: p.SubmittedTx,
		})
		if tx := p.SubmittedTx; tx != nil && tx.TxID != "" {
			view.Transactions = append(view.Transactions, transactionView{
				ChainID:          p.ChainID,
				TxID:             tx.TxID,
				Purpose:          string(p.Purpose),
				Confirms:         tx.Confirms,
				RequiredConfirms: tx.RequiredConfirms,
			})
		}
	}

	return view, nil
}

// instructionsFor renders what one side must deposit. When the required
// amounts cannot be computed yet (commission plan not frozen, oracle
// silent) the trade amount alone is shown so the party is never left
// without a number.
func (s *Server) instructionsFor(d *deal.Deal, side deal.Side, escrowAddr string) []instructionView {
	spec := d.Spec(side)

	required, err := s.engine.RequiredByAsset(d, side)
	if err != nil || len(required) == 0 {
		return []instructionView{{
			AssetCode: spec.AssetCode,
			Amount:    spec.Amount.String(),
			To:        escrowAddr,
		}}
	}

	out := make([]instructionView, 0, len(required))
	// Trade asset first, extras (native commission) after.
	if amt, ok := required[spec.AssetCode]; ok {
		out = append(out, instructionView{AssetCode: spec.AssetCode, Amount: amt.String(), To: escrowAddr})
	}
	for code, amt := range required {
		if code == spec.AssetCode {
			continue
		}
		out = append(out, instructionView{AssetCode: code, Amount: amt.String(), To: escrowAddr})
	}
	return out
}

func collectionFor(ss *deal.SideState) *collectionView {
	cv := &collectionView{
		Deposits:         []*deal.Deposit{},
		CollectedByAsset: make(map[string]string),
	}
	if ss == nil {
		return cv
	}
	if ss.Deposits != nil {
		cv.Deposits = ss.Deposits
	}
	for code, amt := range ss.CollectedByAsset {
		cv.CollectedByAsset[code] = amt.String()
	}
	return cv
}
