// Package providers queries external AI-processing systems for the status
// of tasks they run on the ledger's behalf.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnavailable is returned when the upstream could not answer; the
	// status is unknown and the query should be retried later
	ErrUnavailable = errors.New("provider: upstream unavailable")

	// ErrNoProvider is returned when no provider serves a capability
	ErrNoProvider = errors.New("provider: no status provider configured")
)

// Status is the upstream view of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// IsTerminal reports whether the upstream considers the task finished
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// TaskStatus is the answer to a status query
type TaskStatus struct {
	Status       Status         `json:"status"`
	ResultParams map[string]any `json:"result_params,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// StatusProvider is implemented by each upstream integration
type StatusProvider interface {
	// ID returns the unique identifier for this provider instance
	ID() string

	// QueryStatus looks up a task by the id the upstream assigned to it
	QueryStatus(ctx context.Context, externalTaskID string) (*TaskStatus, error)
}

// Registry resolves capabilities to the provider that runs them
type Registry struct {
	mu           sync.RWMutex
	byCapability map[string]StatusProvider
	fallback     StatusProvider
}

// NewRegistry creates a registry. fallback serves capabilities without a
// dedicated provider and may be nil.
func NewRegistry(fallback StatusProvider) *Registry {
	return &Registry{
		byCapability: make(map[string]StatusProvider),
		fallback:     fallback,
	}
}

// Register binds a provider to a capability, replacing any previous binding
func (r *Registry) Register(capabilityID string, p StatusProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCapability[capabilityID] = p
}

// Resolve returns the provider for a capability
func (r *Registry) Resolve(capabilityID string) (StatusProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.byCapability[capabilityID]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, capabilityID)
}

// Capabilities lists capabilities with a dedicated provider
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byCapability))
	for id := range r.byCapability {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
