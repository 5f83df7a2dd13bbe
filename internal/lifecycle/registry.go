// registry.go holds the counterparty registry the lifecycle engine
// validates submissions against.
package lifecycle

import (
	"strings"
	"sync"

	"deluthium-bridge/pkg/types"
)

// Counterparty is one known RFQ counterparty.
type Counterparty struct {
	ID         string
	Active     bool
	FeeRateBps int64 // 0 → engine default
	// AllowedPairs holds "base/quote" keys (uppercased). Empty means
	// every pair is enabled.
	AllowedPairs map[string]bool
}

// FeeBps returns the counterparty override, or def when unset.
func (c *Counterparty) FeeBps(def int64) int64 {
	if c.FeeRateBps > 0 {
		return c.FeeRateBps
	}
	return def
}

// PairEnabled reports whether the counterparty may trade base/quote.
func (c *Counterparty) PairEnabled(base, quote string) bool {
	if len(c.AllowedPairs) == 0 {
		return true
	}
	return c.AllowedPairs[pairKey(base, quote)]
}

func pairKey(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

// Registry is the threadsafe counterparty store.
type Registry struct {
	mu  sync.RWMutex
	cps map[string]*Counterparty
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cps: make(map[string]*Counterparty)}
}

// Add registers (or replaces) a counterparty.
func (r *Registry) Add(cp Counterparty) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cps[cp.ID] = &cp
}

// Get returns an active counterparty or a validation error.
func (r *Registry) Get(id string) (*Counterparty, error) {
	r.mu.RLock()
	cp, ok := r.cps[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrValidation, "unknown counterparty %s", id)
	}
	if !cp.Active {
		return nil, types.NewError(types.ErrValidation, "counterparty %s is inactive", id)
	}
	return cp, nil
}

// EnablePair adds base/quote to a counterparty's allow-list.
func (c *Counterparty) EnablePair(base, quote string) {
	if c.AllowedPairs == nil {
		c.AllowedPairs = make(map[string]bool)
	}
	c.AllowedPairs[pairKey(base, quote)] = true
}
