package escrow

import (
	"fmt"
	"strings"
	"sync"

	"escrowsim/core/events"
)

// Registry tracks every agreement opened against one bank. It only guards its
// own index; each contract keeps its own lock so independent agreements never
// contend with one another.
type Registry struct {
	bank    Bank
	emitter events.Emitter

	mu        sync.RWMutex
	contracts map[string]*Contract
	order     []string
}

// NewRegistry creates an empty registry backed by bank.
func NewRegistry(bank Bank) *Registry {
	return &Registry{
		bank:      bank,
		emitter:   events.NoopEmitter{},
		contracts: make(map[string]*Contract),
	}
}

// SetEmitter configures the emitter handed to contracts opened afterwards.
// Passing nil resets it to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// Open creates a new agreement and indexes it by its escrow account id.
func (r *Registry) Open(params Params, now int64) (*Contract, error) {
	if r == nil || r.bank == nil {
		return nil, fmt.Errorf("escrow: registry not configured")
	}
	r.mu.RLock()
	emitter := r.emitter
	r.mu.RUnlock()

	contract, err := New(r.bank, params, now, WithEmitter(emitter))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.contracts[contract.ID()] = contract
	r.order = append(r.order, contract.ID())
	r.mu.Unlock()
	return contract, nil
}

// Get returns the agreement with the supplied identifier. Lookups are case
// insensitive so checksummed and lowercase hex both resolve.
func (r *Registry) Get(id string) (*Contract, error) {
	trimmed := strings.TrimSpace(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if contract, ok := r.contracts[trimmed]; ok {
		return contract, nil
	}
	for key, contract := range r.contracts {
		if strings.EqualFold(key, trimmed) {
			return contract, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrContractNotFound, trimmed)
}

// List returns every agreement in creation order.
func (r *Registry) List() []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Contract, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.contracts[id])
	}
	return out
}

// Len returns the number of tracked agreements.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
