package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/connwatch/internal/core/domain"
)

// Registry resolves provider clients by name.
type Registry interface {
	Client(name string) (Client, bool)
}

// StaticRegistry is a concurrency-safe in-memory registry.
type StaticRegistry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates a registry pre-populated with clients. It panics on a
// client whose name is invalid; use Register to handle the error.
func NewRegistry(clients ...Client) *StaticRegistry {
	r := &StaticRegistry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds or replaces a client under its Name().
func (r *StaticRegistry) Register(c Client) error {
	if c == nil {
		return errors.New("provider: nil client")
	}
	if err := domain.ValidateProviderName(c.Name()); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
	return nil
}

func (r *StaticRegistry) Client(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Names returns the registered provider names in sorted order.
func (r *StaticRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
