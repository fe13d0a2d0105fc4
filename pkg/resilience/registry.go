package resilience

import (
	"sort"
	"sync"
)

// BreakerKey scopes a breaker to one external dependency as seen by one
// workflow: the node type and the credential it calls with.
type BreakerKey struct {
	WorkflowID   string
	NodeType     string
	CredentialID string
}

func (k BreakerKey) String() string {
	return k.WorkflowID + "/" + k.NodeType + "/" + k.CredentialID
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// BreakerRegistry hands out one process-local breaker per key. Concurrent
// executions sharing a key share the breaker.
type BreakerRegistry struct {
	template CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[BreakerKey]*CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers use template for
// everything except the name.
func NewBreakerRegistry(template CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		template: template,
		breakers: make(map[BreakerKey]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *BreakerRegistry) Get(key BreakerKey) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cfg := r.template
	cfg.Name = key.String()

	cb := NewCircuitBreaker(cfg)
	r.breakers[key] = cb

	return cb
}

// Snapshot returns the status of every breaker, sorted by name.
func (r *BreakerRegistry) Snapshot() []BreakerStatus {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, BreakerStatus{
			Name:     cb.Name(),
			State:    cb.State().String(),
			Failures: cb.Failures(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
