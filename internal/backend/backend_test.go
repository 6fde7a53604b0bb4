package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crosslane-exchange/crosslane/internal/chain"
)

func TestMempoolGetAddressUTXOs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/blocks/tip/height":
			w.Write([]byte("100"))
		case "/address/bc1qtest/utxo":
			w.Write([]byte(`[
				{"txid":"aa11","vout":0,"status":{"confirmed":true,"block_height":98},"value":50000},
				{"txid":"bb22","vout":1,"status":{"confirmed":false},"value":7000}
			]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	b := NewMempoolBackend(server.URL)
	utxos, err := b.GetAddressUTXOs(context.Background(), "bc1qtest")
	if err != nil {
		t.Fatalf("GetAddressUTXOs failed: %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("expected 2 utxos, got %d", len(utxos))
	}
	if utxos[0].Confirmations != 3 {
		t.Errorf("confirmed utxo at height 98 with tip 100 should have 3 confirmations, got %d", utxos[0].Confirmations)
	}
	if utxos[1].Confirmations != 0 {
		t.Errorf("unconfirmed utxo should have 0 confirmations, got %d", utxos[1].Confirmations)
	}
	if utxos[0].Amount != 50000 {
		t.Errorf("expected amount 50000, got %d", utxos[0].Amount)
	}
}

func TestMempoolGetAddressTxsCredits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/blocks/tip/height":
			w.Write([]byte("200"))
		case "/address/bc1qescrow/txs":
			w.Write([]byte(`[{
				"txid":"cc33",
				"status":{"confirmed":true,"block_height":195,"block_time":1700000000},
				"vout":[
					{"scriptpubkey":"0014ab","scriptpubkey_address":"bc1qescrow","value":30000},
					{"scriptpubkey":"0014cd","scriptpubkey_address":"bc1qchange","value":12000},
					{"scriptpubkey":"0014ab","scriptpubkey_address":"bc1qescrow","value":5000}
				]
			}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	b := NewMempoolBackend(server.URL)
	txs, err := b.GetAddressTxs(context.Background(), "bc1qescrow")
	if err != nil {
		t.Fatalf("GetAddressTxs failed: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(txs))
	}
	if txs[0].Confirmations != 6 {
		t.Errorf("expected 6 confirmations, got %d", txs[0].Confirmations)
	}
	if got := txs[0].CreditTo("bc1qescrow"); got != 35000 {
		t.Errorf("CreditTo should sum only the escrow outputs, got %d", got)
	}
	if got := txs[0].CreditTo("bc1qother"); got != 0 {
		t.Errorf("CreditTo on an uncredited address should be 0, got %d", got)
	}
}

func TestMempoolBroadcast(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/tx" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("dd44\n"))
	}))
	defer server.Close()

	b := NewMempoolBackend(server.URL)
	txid, err := b.BroadcastTransaction(context.Background(), "0200deadbeef")
	if err != nil {
		t.Fatalf("BroadcastTransaction failed: %v", err)
	}
	if txid != "dd44" {
		t.Errorf("expected txid dd44, got %q", txid)
	}
}

func TestMempoolBroadcastRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sendrawtransaction RPC error: min relay fee not met", http.StatusBadRequest)
	}))
	defer server.Close()

	b := NewMempoolBackend(server.URL)
	if _, err := b.BroadcastTransaction(context.Background(), "0200"); !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("expected ErrBroadcastFailed, got %v", err)
	}
}

func TestMempoolErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/missing/utxo":
			http.NotFound(w, r)
		case "/address/busy/utxo":
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}
	}))
	defer server.Close()

	b := NewMempoolBackend(server.URL)
	if _, err := b.GetAddressUTXOs(context.Background(), "missing"); !errors.Is(err, ErrAddressNotFound) {
		t.Errorf("404 should map to ErrAddressNotFound, got %v", err)
	}
	if _, err := b.GetAddressUTXOs(context.Background(), "busy"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("429 should map to ErrRateLimited, got %v", err)
	}
}

func TestBlockbookGetAddressTxs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/DTest":
			w.Write([]byte(`{"transactions":[{
				"txid":"ee55",
				"blockHeight":500,
				"blockTime":1700000001,
				"confirmations":4,
				"vout":[{"value":"120000000","n":0,"addresses":["DTest"],"hex":"76a914"}]
			}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	b := NewBlockbookBackend(server.URL)
	txs, err := b.GetAddressTxs(context.Background(), "DTest")
	if err != nil {
		t.Fatalf("GetAddressTxs failed: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(txs))
	}
	if !txs[0].Confirmed || txs[0].Confirmations != 4 {
		t.Errorf("expected confirmed with 4 confirmations, got %+v", txs[0])
	}
	if got := txs[0].CreditTo("DTest"); got != 120000000 {
		t.Errorf("expected credit 120000000, got %d", got)
	}
}

func TestBlockbookBlockHeight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"blockbook":{"bestHeight":5543210}}`))
	}))
	defer server.Close()

	b := NewBlockbookBackend(server.URL)
	height, err := b.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetBlockHeight failed: %v", err)
	}
	if height != 5543210 {
		t.Errorf("expected height 5543210, got %d", height)
	}
}

func TestNewSelectsNetworkURL(t *testing.T) {
	cfg := &Config{
		Type:       TypeMempool,
		MainnetURL: "https://mempool.space/api",
		TestnetURL: "",
	}
	if b := New(cfg, chain.Mainnet); b == nil {
		t.Error("mainnet config should produce a backend")
	}
	if b := New(cfg, chain.Testnet); b != nil {
		t.Error("missing testnet URL should produce nil")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(chain.Mainnet, nil)
	for _, symbol := range []string{"BTC", "LTC", "DOGE"} {
		if _, ok := r.Get(symbol); !ok {
			t.Errorf("default registry should cover %s", symbol)
		}
	}
	if _, ok := r.Get("ETH"); ok {
		t.Error("EVM chains must not have an index backend")
	}

	// Overrides replace the default provider.
	r = NewDefaultRegistry(chain.Mainnet, map[string]*Config{
		"BTC": {Type: TypeEsplora, MainnetURL: "https://blockstream.info/api"},
	})
	b, ok := r.Get("BTC")
	if !ok {
		t.Fatal("BTC should still be registered")
	}
	if b.Type() != TypeEsplora {
		t.Errorf("override should switch BTC to esplora, got %s", b.Type())
	}
}

func TestParseAmount(t *testing.T) {
	if got := parseAmount("120000000"); got != 120000000 {
		t.Errorf("parseAmount = %d", got)
	}
	if got := btcKBToSatVB("0.00010000"); got != 10 {
		t.Errorf("btcKBToSatVB(0.0001) = %d, want 10", got)
	}
	if got := btcKBToSatVB("-1"); got != 1 {
		t.Errorf("negative estimate should clamp to 1, got %d", got)
	}
}
