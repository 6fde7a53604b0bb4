package oracle

import (
	"testing"
	"time"

	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/internal/storage"
)

func newTestOracle(t *testing.T, maxAge time.Duration) (*Oracle, *storage.Storage) {
	t.Helper()
	s, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, maxAge), s
}

func TestSetAndGetPrice(t *testing.T) {
	o, _ := newTestOracle(t, 0)

	if err := o.SetManualPrice(1, "ETH/USD", "2500.25"); err != nil {
		t.Fatalf("SetManualPrice failed: %v", err)
	}

	q, err := o.LatestQuote(1, "ETH/USD")
	if err != nil {
		t.Fatalf("LatestQuote failed: %v", err)
	}
	if q.Price != "2500.25" || q.Source != SourceManual {
		t.Errorf("quote = %+v", q)
	}
}

func TestRejectBadPrice(t *testing.T) {
	o, _ := newTestOracle(t, 0)

	for _, bad := range []string{"", "abc", "-5", "0"} {
		if err := o.SetManualPrice(1, "ETH/USD", bad); !otcerr.IsKind(err, otcerr.KindInvalidInput) {
			t.Errorf("price %q should be rejected, got %v", bad, err)
		}
	}
}

func TestMissingQuoteUnavailable(t *testing.T) {
	o, _ := newTestOracle(t, 0)

	if _, err := o.LatestQuote(1, "ETH/USD"); !otcerr.IsKind(err, otcerr.KindOracleUnavailable) {
		t.Errorf("missing quote should be OracleUnavailable, got %v", err)
	}
}

func TestStaleQuoteUnavailable(t *testing.T) {
	o, s := newTestOracle(t, time.Minute)

	// Backdate the quote past the max age.
	if err := s.SetQuote(1, "ETH/USD", "2500", SourceManual, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := o.LatestQuote(1, "ETH/USD"); !otcerr.IsKind(err, otcerr.KindOracleUnavailable) {
		t.Errorf("stale quote should be OracleUnavailable, got %v", err)
	}
}
