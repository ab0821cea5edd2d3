package domain

import "testing"

func TestCanonicalPairIsIdempotent(t *testing.T) {
	for _, in := range []string{"btcusdt", "BTC", "BTCUSDT", " btc ", "BtcUsdt"} {
		if got := CanonicalPair(in); got != "btcusdt" {
			t.Fatalf("CanonicalPair(%q) = %q, want btcusdt", in, got)
		}
	}

	once := CanonicalPair("eth")
	if twice := CanonicalPair(once); twice != once {
		t.Fatalf("expected idempotent result, got %q then %q", once, twice)
	}
}

func TestCanonicalPairStripsOnlyOneSuffix(t *testing.T) {
	if got := CanonicalPair("dot"); got != "dotusdt" {
		t.Fatalf("expected dotusdt, got %s", got)
	}
	if got := CanonicalPair("usdtusdt"); got != "usdtusdt" {
		t.Fatalf("expected usdtusdt, got %s", got)
	}
}

func TestEnumMembership(t *testing.T) {
	if !IsTimeframe("4H") || IsTimeframe("4h") || IsTimeframe("1M") {
		t.Fatal("unexpected timeframe membership")
	}
	if len(ScreenerTypes) != 16 {
		t.Fatalf("expected 16 screeners, got %d", len(ScreenerTypes))
	}
	if !IsScreener("rsi-heatmap") || IsScreener("heatmap") {
		t.Fatal("unexpected screener membership")
	}
	if !IsCashflowMode("group") || IsCashflowMode("all") {
		t.Fatal("unexpected cashflow mode membership")
	}
}

func TestCashflowModeRequiresSymbol(t *testing.T) {
	if CashflowMarket.RequiresSymbol() {
		t.Fatal("market mode should not require a symbol")
	}
	if !CashflowCoin.RequiresSymbol() || !CashflowGroup.RequiresSymbol() {
		t.Fatal("coin and group modes require a symbol")
	}
}
