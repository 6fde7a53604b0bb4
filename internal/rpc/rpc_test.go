package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/adapter"
	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/commission"
	"github.com/crosslane-exchange/crosslane/internal/config"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/engine"
	"github.com/crosslane-exchange/crosslane/internal/gastank"
	"github.com/crosslane-exchange/crosslane/internal/mail"
	"github.com/crosslane-exchange/crosslane/internal/oracle"
	"github.com/crosslane-exchange/crosslane/internal/payout"
	"github.com/crosslane-exchange/crosslane/internal/storage"
)

// fakeAdapter settles on BTC params with deterministic escrows.
type fakeAdapter struct {
	params *chain.Params
}

func newFakeAdapter(t *testing.T) *fakeAdapter {
	t.Helper()
	params, ok := chain.Get("BTC", chain.Mainnet)
	if !ok {
		t.Fatal("BTC params missing")
	}
	return &fakeAdapter{params: params}
}

func (f *fakeAdapter) ChainID() uint64       { return f.params.ChainID }
func (f *fakeAdapter) Symbol() string        { return f.params.Symbol }
func (f *fakeAdapter) Params() *chain.Params { return f.params }

func (f *fakeAdapter) ValidateAddress(s string) bool { return s != "" && s != "bad" }

func (f *fakeAdapter) GenerateEscrow(_ context.Context, dealID string, side deal.Side) (*adapter.Escrow, error) {
	return &adapter.Escrow{Address: "esc-" + string(side) + "-" + dealID[:8], KeyRef: "ref-" + string(side)}, nil
}

func (f *fakeAdapter) ListDeposits(_ context.Context, _, _ string, _ time.Time) ([]adapter.RawDeposit, error) {
	return nil, nil
}

func (f *fakeAdapter) GetTxConfirmations(_ context.Context, _ string) (int64, error) {
	return 3, nil
}

func (f *fakeAdapter) SubmitTransfer(_ context.Context, _ *adapter.TransferRequest) (*adapter.TransferResult, error) {
	return &adapter.TransferResult{TxID: "txid"}, nil
}

func (f *fakeAdapter) QuoteNativeForUSD(_ context.Context, _ string) (*big.Int, *deal.FrozenQuote, error) {
	return big.NewInt(1), &deal.FrozenQuote{Pair: "BTC/USD", Price: "1"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := adapter.NewRegistry()
	reg.Register(newFakeAdapter(t))

	eng := engine.New(engine.Config{SwapGracePeriod: time.Millisecond}, store, reg,
		commission.New(commission.Config{}), payout.New(store, reg),
		gastank.New(gastank.Config{}, reg))

	cfg := config.Default()
	cfg.BaseURL = "https://otc.example.com"

	return NewServer(cfg, eng, store, oracle.New(store, 0), mail.NewLogDispatcher(true))
}

// call drives one JSON-RPC request through the HTTP handler.
func call(t *testing.T, s *Server, method string, params interface{}) *Response {
	t.Helper()
	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, ID: 1,
		Params: mustRaw(t, params)})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/rpc", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleRPC(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// result re-decodes a successful response into dst.
func result(t *testing.T, resp *Response, dst interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatal(err)
	}
}

type createResult struct {
	DealID   string `json:"dealId"`
	DealName string `json:"dealName"`
	LinkA    string `json:"linkA"`
	LinkB    string `json:"linkB"`
}

func createTestDeal(t *testing.T, s *Server) createResult {
	t.Helper()
	resp := call(t, s, "otc.createDeal", map[string]interface{}{
		"sideA":          map[string]interface{}{"chainId": 5000, "assetCode": "BTC", "amount": "1000000"},
		"sideB":          map[string]interface{}{"chainId": 5000, "assetCode": "BTC", "amount": "2000000"},
		"timeoutSeconds": 3600,
		"name":           "btc for btc",
	})
	var res createResult
	result(t, resp, &res)
	return res
}

// linkToken pulls the bearer token out of a party link.
func linkToken(t *testing.T, link string) string {
	t.Helper()
	parts := strings.Split(link, "/")
	if len(parts) < 2 {
		t.Fatalf("malformed link %q", link)
	}
	return parts[len(parts)-1]
}

func fillBoth(t *testing.T, s *Server, res createResult) {
	t.Helper()
	for side, link := range map[string]string{"a": res.LinkA, "b": res.LinkB} {
		resp := call(t, s, "otc.fillPartyDetails", map[string]interface{}{
			"dealId":           res.DealID,
			"party":            side,
			"paybackAddress":   "payback-" + side,
			"recipientAddress": "recipient-" + side,
			"token":            linkToken(t, link),
		})
		if resp.Error != nil {
			t.Fatalf("fill side %s: %+v", side, resp.Error)
		}
	}
}

func TestCreateDealReturnsLinks(t *testing.T) {
	s := newTestServer(t)
	res := createTestDeal(t, s)

	if res.DealID == "" || res.DealName != "btc for btc" {
		t.Errorf("result = %+v", res)
	}
	wantPrefix := "https://otc.example.com/d/" + res.DealID + "/a/"
	if !strings.HasPrefix(res.LinkA, wantPrefix) {
		t.Errorf("linkA = %s, want prefix %s", res.LinkA, wantPrefix)
	}
	if !strings.Contains(res.LinkB, "/"+res.DealID+"/b/") {
		t.Errorf("linkB = %s", res.LinkB)
	}
	if linkToken(t, res.LinkA) == linkToken(t, res.LinkB) {
		t.Error("both links carry the same token")
	}
}

func TestCreateDealRejectsBadSpec(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "otc.createDeal", map[string]interface{}{
		"sideA":          map[string]interface{}{"chainId": 5000, "assetCode": "BTC", "amount": "nope"},
		"sideB":          map[string]interface{}{"chainId": 5000, "assetCode": "BTC", "amount": "1"},
		"timeoutSeconds": 3600,
	})
	if resp.Error == nil || resp.Error.Code != InternalError {
		t.Fatalf("error = %+v, want internal error envelope", resp.Error)
	}
	data, _ := resp.Error.Data.(map[string]interface{})
	if data["kind"] != "InvalidInput" {
		t.Errorf("error data = %v, want InvalidInput kind", resp.Error.Data)
	}
}

func TestStatusProjection(t *testing.T) {
	s := newTestServer(t)
	res := createTestDeal(t, s)

	var view statusView
	result(t, call(t, s, "otc.status", map[string]string{"dealId": res.DealID}), &view)
	if view.Stage != "CREATED" || view.TimeoutSeconds != 3600 {
		t.Errorf("stage/timeout = %s/%d", view.Stage, view.TimeoutSeconds)
	}
	if len(view.Instructions["A"]) == 0 || view.Instructions["A"][0].AssetCode != "BTC" {
		t.Errorf("instructions = %+v", view.Instructions)
	}

	fillBoth(t, s, res)

	result(t, call(t, s, "otc.status", map[string]string{"dealId": res.DealID}), &view)
	if view.Stage != "COLLECTION" {
		t.Errorf("stage = %s, want COLLECTION", view.Stage)
	}
	if view.ExpiresAt == nil {
		t.Error("expiry not armed in COLLECTION")
	}
	if view.Escrow["A"] == "" || view.Escrow["B"] == "" {
		t.Errorf("escrow = %v", view.Escrow)
	}
	// The projection must never leak key material or emails.
	if pd := view.PartyDetails["A"]; pd == nil || pd.PaybackAddress != "payback-a" {
		t.Errorf("party details = %+v", view.PartyDetails)
	}
	for _, ins := range view.Instructions["A"] {
		if ins.To != view.Escrow["A"] {
			t.Errorf("instruction to = %s, want escrow %s", ins.To, view.Escrow["A"])
		}
	}
	// 30 bps over 1_000_000.
	if view.Instructions["A"][0].Amount != "1003000" {
		t.Errorf("required = %s, want 1003000", view.Instructions["A"][0].Amount)
	}
}

func TestStatusUnknownDeal(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, "otc.status", map[string]string{"dealId": "no-such-deal"})
	if resp.Error == nil {
		t.Fatal("expected an error")
	}
	data, _ := resp.Error.Data.(map[string]interface{})
	if data["kind"] != "NotFound" {
		t.Errorf("error data = %v, want NotFound kind", resp.Error.Data)
	}
}

func TestFillPartyDetailsRejectsWrongToken(t *testing.T) {
	s := newTestServer(t)
	res := createTestDeal(t, s)

	resp := call(t, s, "otc.fillPartyDetails", map[string]interface{}{
		"dealId":           res.DealID,
		"party":            "a",
		"paybackAddress":   "payback-a",
		"recipientAddress": "recipient-a",
		"token":            linkToken(t, res.LinkB), // side B token
	})
	if resp.Error == nil {
		t.Fatal("expected an error")
	}
	data, _ := resp.Error.Data.(map[string]interface{})
	if data["kind"] != "InvalidToken" {
		t.Errorf("error data = %v, want InvalidToken kind", resp.Error.Data)
	}
}

func TestCancelDeal(t *testing.T) {
	s := newTestServer(t)
	res := createTestDeal(t, s)

	resp := call(t, s, "otc.cancelDeal", map[string]string{
		"dealId": res.DealID, "token": "bogus",
	})
	if resp.Error == nil {
		t.Fatal("bogus token accepted")
	}

	resp = call(t, s, "otc.cancelDeal", map[string]string{
		"dealId": res.DealID, "token": linkToken(t, res.LinkA),
	})
	var ok map[string]bool
	result(t, resp, &ok)
	if !ok["ok"] {
		t.Error("cancel did not report ok")
	}

	var view statusView
	result(t, call(t, s, "otc.status", map[string]string{"dealId": res.DealID}), &view)
	if view.Stage != "REVERTED" {
		t.Errorf("stage = %s, want REVERTED", view.Stage)
	}
}

func TestSendInvite(t *testing.T) {
	s := newTestServer(t)
	res := createTestDeal(t, s)

	var out struct {
		Sent  bool   `json:"sent"`
		Email string `json:"email"`
	}
	result(t, call(t, s, "otc.sendInvite", map[string]string{
		"dealId": res.DealID, "party": "b",
		"email": "bob@example.com", "link": res.LinkB,
	}), &out)
	if !out.Sent || out.Email != "bob@example.com" {
		t.Errorf("invite result = %+v", out)
	}

	resp := call(t, s, "otc.sendInvite", map[string]string{
		"dealId": res.DealID, "party": "b", "link": res.LinkB,
	})
	if resp.Error == nil {
		t.Error("missing email accepted")
	}
}

func TestSetPrice(t *testing.T) {
	s := newTestServer(t)

	var out struct {
		OK   bool   `json:"ok"`
		AsOf string `json:"asOf"`
	}
	result(t, call(t, s, "admin.setPrice", map[string]interface{}{
		"chainId": 5000, "pair": "BTC/USD", "price": "65000.00",
	}), &out)
	if !out.OK || out.AsOf == "" {
		t.Errorf("setPrice result = %+v", out)
	}

	resp := call(t, s, "admin.setPrice", map[string]interface{}{
		"chainId": 5000, "pair": "BTC/USD", "price": "-1",
	})
	if resp.Error == nil {
		t.Error("negative price accepted")
	}
}

func TestGetChainConfig(t *testing.T) {
	s := newTestServer(t)

	var entry chainConfigEntry
	result(t, call(t, s, "otc.getChainConfig", map[string]uint64{"chainId": 5000}), &entry)
	if entry.Symbol != "BTC" || entry.MinConfirmations == 0 {
		t.Errorf("entry = %+v", entry)
	}

	var all struct {
		Chains []chainConfigEntry `json:"chains"`
	}
	result(t, call(t, s, "otc.getChainConfig", nil), &all)
	if len(all.Chains) == 0 {
		t.Error("no chains listed")
	}

	resp := call(t, s, "otc.getChainConfig", map[string]uint64{"chainId": 424242})
	if resp.Error == nil {
		t.Error("unknown chain accepted")
	}
}

func TestEnvelopeErrors(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/rpc", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.handleRPC(w, req)
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("error = %+v, want parse error", resp.Error)
	}

	if r := call(t, s, "otc.noSuchMethod", nil); r.Error == nil || r.Error.Code != MethodNotFound {
		t.Errorf("error = %+v, want method not found", r.Error)
	}

	body, _ := json.Marshal(Request{JSONRPC: "1.0", Method: "otc.status", ID: 1})
	req = httptest.NewRequest("POST", "/rpc", bytes.NewReader(body))
	w = httptest.NewRecorder()
	s.handleRPC(w, req)
	resp = Response{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("error = %+v, want invalid request", resp.Error)
	}
}
