// Package tokens maintains the symbol registry: the mapping between
// venue-facing symbols ("BASE/QUOTE") and token identifiers per chain.
// It is seeded from configuration and refreshed from the upstream pair
// listing, and it backs FIX symbol resolution and SecurityList
// synthesis.
package tokens

import (
	"sort"
	"strings"
	"sync"

	"deluthium-bridge/pkg/types"
)

// Token is one registered token on a chain.
type Token struct {
	Symbol  string // e.g. BTC
	Address string // chain-native identifier
	ChainID int64
}

// Registry is the threadsafe symbol/token store.
type Registry struct {
	mu       sync.RWMutex
	bySymbol map[string]Token  // upper symbol → token
	byAddr   map[string]string // lower address → upper symbol
	pairs    map[string]bool   // "BASE/QUOTE" present on upstream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySymbol: make(map[string]Token),
		byAddr:   make(map[string]string),
		pairs:    make(map[string]bool),
	}
}

// Register adds or replaces a token.
func (r *Registry) Register(t Token) {
	sym := strings.ToUpper(t.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySymbol[sym] = t
	r.byAddr[strings.ToLower(t.Address)] = sym
}

// ApplyPairs records the upstream pair universe. Inactive pairs and pairs
// referencing unregistered tokens are dropped; registering such a token
// later does not restore them until ApplyPairs runs again.
func (r *Registry) ApplyPairs(pairs []types.TradingPair) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pairs = make(map[string]bool, len(pairs))
	for _, p := range pairs {
		if !p.Active {
			continue
		}
		base, bok := r.byAddr[strings.ToLower(p.BaseToken)]
		quote, qok := r.byAddr[strings.ToLower(p.QuoteToken)]
		if !bok || !qok {
			continue
		}
		r.pairs[base+"/"+quote] = true
	}
}

// Resolve maps a FIX symbol to its base and quote token addresses.
func (r *Registry) Resolve(symbol string) (string, string, error) {
	baseSym, quoteSym, ok := strings.Cut(strings.ToUpper(symbol), "/")
	if !ok {
		return "", "", types.NewError(types.ErrValidation, "symbol %q is not BASE/QUOTE", symbol)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	base, bok := r.bySymbol[baseSym]
	if !bok {
		return "", "", types.NewError(types.ErrValidation, "unknown base token %q", baseSym)
	}
	quote, qok := r.bySymbol[quoteSym]
	if !qok {
		return "", "", types.NewError(types.ErrValidation, "unknown quote token %q", quoteSym)
	}
	return base.Address, quote.Address, nil
}

// Symbols returns the sorted tradeable pair universe. When the upstream
// listing has not been applied yet, every registered token combination
// would be speculative, so only upstream-confirmed pairs are returned.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.pairs))
	for p := range r.pairs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SymbolFor returns the registered symbol for a token address.
func (r *Registry) SymbolFor(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sym, ok := r.byAddr[strings.ToLower(address)]
	return sym, ok
}
