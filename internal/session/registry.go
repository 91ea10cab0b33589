// Package session keeps each operator's open carts between HTTP requests.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmacypos/m/domain"
	"pharmacypos/m/internal/cart"
)

// Session owns one cart. Do serialises access to it, so concurrent requests on the
// same session never interleave.
type Session struct {
	ID        string
	Cashier   string
	CreatedAt time.Time

	mu   sync.Mutex
	cart *cart.Cart
}

// Do runs fn with exclusive access to the session's cart.
func (s *Session) Do(fn func(c *cart.Cart) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.cart)
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open starts an empty cart for cashier.
func (r *Registry) Open(cashier string) (*Session, error) {
	if cashier == "" {
		return nil, fmt.Errorf("cashier is required: %w", domain.ErrInvalidInput)
	}
	s := &Session{
		ID:        uuid.NewString(),
		Cashier:   cashier,
		CreatedAt: time.Now().UTC(),
		cart:      cart.New(),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s, nil
}

// Get returns the session if it exists and belongs to cashier.
func (r *Registry) Get(id, cashier string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.Cashier != cashier {
		return nil, fmt.Errorf("cart %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// Close discards the session and its cart.
func (r *Registry) Close(id, cashier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Cashier != cashier {
		return fmt.Errorf("cart %s: %w", id, domain.ErrNotFound)
	}
	delete(r.sessions, id)
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
