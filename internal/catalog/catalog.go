// Package catalog is the static registry of billable capabilities and their
// pricing and free-quota policy. Lookups are pure: a Catalog never mutates the
// definitions it hands out.
package catalog

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownCapability is returned when a capability id is not registered
	ErrUnknownCapability = errors.New("capability not found")

	// ErrInvalidDefinition is returned when a capability definition fails validation
	ErrInvalidDefinition = errors.New("invalid capability definition")
)

// Catalog resolves capability ids to their billing policy.
type Catalog interface {
	Lookup(id string) (*Capability, error)
}

// StaticCatalog is an immutable in-memory Catalog.
type StaticCatalog struct {
	caps map[string]Capability
}

// NewStaticCatalog validates the definitions and builds a catalog
func NewStaticCatalog(caps ...Capability) (*StaticCatalog, error) {
	m := make(map[string]Capability, len(caps))
	for _, c := range caps {
		if err := c.normalize(); err != nil {
			return nil, err
		}
		if _, dup := m[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate capability %q", ErrInvalidDefinition, c.ID)
		}
		m[c.ID] = c
	}
	return &StaticCatalog{caps: m}, nil
}

// Lookup returns a copy of the capability definition
func (s *StaticCatalog) Lookup(id string) (*Capability, error) {
	c, ok := s.caps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, id)
	}
	return &c, nil
}

// IDs returns the registered capability ids in sorted order
func (s *StaticCatalog) IDs() []string {
	ids := make([]string, 0, len(s.caps))
	for id := range s.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered capabilities
func (s *StaticCatalog) Len() int {
	return len(s.caps)
}
