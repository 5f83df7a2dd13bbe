package tokens

import (
	"testing"

	"deluthium-bridge/pkg/types"
)

func seeded() *Registry {
	r := NewRegistry()
	r.Register(Token{Symbol: "BTC", Address: "0xBTC", ChainID: 137})
	r.Register(Token{Symbol: "USDT", Address: "0xUSDT", ChainID: 137})
	r.Register(Token{Symbol: "ETH", Address: "0xETH", ChainID: 137})
	return r
}

func TestResolve(t *testing.T) {
	t.Parallel()
	r := seeded()

	base, quote, err := r.Resolve("BTC/USDT")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if base != "0xBTC" || quote != "0xUSDT" {
		t.Fatalf("resolved %s/%s", base, quote)
	}

	// Case-insensitive.
	if _, _, err := r.Resolve("btc/usdt"); err != nil {
		t.Fatalf("lowercase resolve: %v", err)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	r := seeded()

	if _, _, err := r.Resolve("BTCUSDT"); !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("no slash: %v", err)
	}
	if _, _, err := r.Resolve("DOGE/USDT"); !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("unknown base: %v", err)
	}
}

func TestSymbolsFollowUpstreamPairs(t *testing.T) {
	t.Parallel()
	r := seeded()

	if got := r.Symbols(); len(got) != 0 {
		t.Fatalf("symbols before listing = %v", got)
	}

	r.ApplyPairs([]types.TradingPair{
		{BaseToken: "0xbtc", QuoteToken: "0xusdt", Active: true},
		{BaseToken: "0xETH", QuoteToken: "0xUSDT", Active: true},
		{BaseToken: "0xETH", QuoteToken: "0xBTC", Active: false}, // inactive
		{BaseToken: "0xWAT", QuoteToken: "0xUSDT", Active: true}, // unregistered
	})

	got := r.Symbols()
	if len(got) != 2 || got[0] != "BTC/USDT" || got[1] != "ETH/USDT" {
		t.Fatalf("symbols = %v", got)
	}
}

func TestSymbolFor(t *testing.T) {
	t.Parallel()
	r := seeded()
	if sym, ok := r.SymbolFor("0xbtc"); !ok || sym != "BTC" {
		t.Fatalf("symbol for 0xbtc = %q %v", sym, ok)
	}
	if _, ok := r.SymbolFor("0xnope"); ok {
		t.Fatal("unknown address resolved")
	}
}
