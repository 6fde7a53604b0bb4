package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/mail"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
)

// assetSpecParam is the wire form of one side's asset spec.
type assetSpecParam struct {
	ChainID   uint64 `json:"chainId"`
	AssetCode string `json:"assetCode"`
	Amount    string `json:"amount"` // smallest units, decimal string
	Decimals  uint8  `json:"decimals,omitempty"`
}

func (p *assetSpecParam) toSpec() (*deal.AssetSpec, error) {
	amount, err := deal.ParseAmount(p.Amount)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "amount %q", p.Amount)
	}
	return &deal.AssetSpec{
		ChainID:   p.ChainID,
		AssetCode: p.AssetCode,
		Amount:    amount,
		Decimals:  p.Decimals,
	}, nil
}

// createDeal handles otc.createDeal.
func (s *Server) createDeal(_ context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SideA          *assetSpecParam `json:"sideA"`
		SideB          *assetSpecParam `json:"sideB"`
		TimeoutSeconds int64           `json:"timeoutSeconds"`
		Name           string          `json:"name,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "bad params")
	}
	if req.SideA == nil || req.SideB == nil {
		return nil, otcerr.E(otcerr.KindInvalidInput, "sideA and sideB are required")
	}

	specA, err := req.SideA.toSpec()
	if err != nil {
		return nil, err
	}
	specB, err := req.SideB.toSpec()
	if err != nil {
		return nil, err
	}

	d, tokens, err := s.engine.CreateDeal(req.Name, specA, specB, req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"dealId":   d.ID,
		"dealName": d.Name,
		"linkA":    s.cfg.PartyLink(d.ID, deal.SideA, tokens[deal.SideA]),
		"linkB":    s.cfg.PartyLink(d.ID, deal.SideB, tokens[deal.SideB]),
	}, nil
}

// fillPartyDetails handles otc.fillPartyDetails.
func (s *Server) fillPartyDetails(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		DealID           string `json:"dealId"`
		Party            string `json:"party"`
		PaybackAddress   string `json:"paybackAddress"`
		RecipientAddress string `json:"recipientAddress"`
		Email            string `json:"email,omitempty"`
		Token            string `json:"token"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "bad params")
	}
	side, err := deal.ParseSide(req.Party)
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "party")
	}

	err = s.engine.FillPartyDetails(ctx, req.DealID, side, req.Token, &deal.PartyDetails{
		PaybackAddress:   req.PaybackAddress,
		RecipientAddress: req.RecipientAddress,
		Email:            req.Email,
	})
	if err != nil {
		return nil, err
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventDealUpdated, req.DealID, map[string]string{
			"dealId": req.DealID, "party": string(side),
		})
	}
	return map[string]bool{"ok": true}, nil
}

// cancelDeal handles otc.cancelDeal.
func (s *Server) cancelDeal(_ context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		DealID string `json:"dealId"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "bad params")
	}

	if err := s.engine.CancelDeal(req.DealID, req.Token); err != nil {
		return nil, err
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(EventDealUpdated, req.DealID, map[string]string{
			"dealId": req.DealID, "stage": string(deal.StageReverted),
		})
	}
	return map[string]bool{"ok": true}, nil
}

// sendInvite handles otc.sendInvite.
func (s *Server) sendInvite(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		DealID string `json:"dealId"`
		Party  string `json:"party"`
		Email  string `json:"email"`
		Link   string `json:"link"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "bad params")
	}
	if _, err := deal.ParseSide(req.Party); err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "party")
	}
	if req.Email == "" {
		return nil, otcerr.E(otcerr.KindInvalidInput, "email is required")
	}

	d, err := s.engine.GetDeal(req.DealID)
	if err != nil {
		return nil, err
	}

	sent, err := s.mailer.SendInvite(ctx, &mail.Invite{
		DealID:   d.ID,
		DealName: d.Name,
		Email:    req.Email,
		Link:     req.Link,
	})
	if err != nil {
		return nil, otcerr.Wrap(otcerr.KindFatal, err, "invite delivery")
	}
	return map[string]interface{}{"sent": sent, "email": req.Email}, nil
}

// setPrice handles admin.setPrice.
func (s *Server) setPrice(_ context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		ChainID uint64 `json:"chainId"`
		Pair    string `json:"pair"`
		Price   string `json:"price"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "bad params")
	}

	if err := s.oracle.SetManualPrice(req.ChainID, req.Pair, req.Price); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true, "asOf": time.Now().UTC().Format(time.RFC3339)}, nil
}

// chainConfigEntry is one chain's endpoint hint for clients.
type chainConfigEntry struct {
	Symbol           string `json:"symbol"`
	Name             string `json:"name"`
	ChainID          uint64 `json:"chainId"`
	NativeToken      string `json:"nativeToken"`
	Decimals         uint8  `json:"decimals"`
	MinConfirmations uint32 `json:"minConfirmations"`
	RPCEndpoint      string `json:"rpcEndpoint,omitempty"`
}

// getChainConfig handles otc.getChainConfig.
func (s *Server) getChainConfig(_ context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		ChainID uint64 `json:"chainId,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, otcerr.Wrap(otcerr.KindInvalidInput, err, "bad params")
		}
	}

	entries := s.chainConfigEntries()
	if req.ChainID == 0 {
		return map[string]interface{}{"chains": entries}, nil
	}
	for _, e := range entries {
		if e.ChainID == req.ChainID {
			return e, nil
		}
	}
	return nil, otcerr.E(otcerr.KindNotFound, "chain %d is not configured", req.ChainID)
}

func (s *Server) chainConfigEntries() []chainConfigEntry {
	var entries []chainConfigEntry
	for params, cc := range s.cfg.EnabledChains() {
		entries = append(entries, chainConfigEntry{
			Symbol:           params.Symbol,
			Name:             params.Name,
			ChainID:          params.ChainID,
			NativeToken:      params.GetNativeToken(),
			Decimals:         params.Decimals,
			MinConfirmations: params.MinConfirmations,
			RPCEndpoint:      cc.RPCURL,
		})
	}
	return entries
}

// rpcEndpointsByChain maps chain id to the endpoint hint, used in the
// status projection.
func (s *Server) rpcEndpointsByChain() map[uint64]string {
	out := make(map[uint64]string)
	for params, cc := range s.cfg.EnabledChains() {
		if cc.RPCURL != "" {
			out[params.ChainID] = cc.RPCURL
		}
	}
	return out
}

// chainSymbol resolves a chain id to its symbol for display.
func (s *Server) chainSymbol(chainID uint64) string {
	for params := range s.cfg.EnabledChains() {
		if params.ChainID == chainID {
			return params.Symbol
		}
	}
	return ""
}
