package connectors

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no connector matches the given ID or key.
var ErrNotFound = errors.New("connectors: not found")

// Store is an in-memory connector store indexed by ID and by API key hash.
// Reads vastly outnumber writes (one lookup per proxied request), so it is
// guarded by a RWMutex.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*Connector
	byHash map[string]*Connector
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*Connector),
		byHash: make(map[string]*Connector),
	}
}

// Create registers the connector and returns the stored copy. A missing ID is
// assigned a UUID. The plaintext key must already be hashed into APIKeyHash.
func (s *Store) Create(c *Connector) (*Connector, error) {
	if c.APIKeyHash == "" {
		return nil, errors.New("connectors: api key hash required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.byID[c.ID]; exists {
		return nil, errors.New("connectors: duplicate id " + c.ID)
	}
	if _, exists := s.byHash[c.APIKeyHash]; exists {
		return nil, errors.New("connectors: api key already in use")
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	stored := c.clone()
	s.byID[stored.ID] = stored
	s.byHash[stored.APIKeyHash] = stored
	return stored.clone(), nil
}

// GetByAPIKey resolves the connector for a plaintext bearer key.
func (s *Store) GetByAPIKey(key string) (*Connector, error) {
	hash := HashAPIKey(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

// Get returns the connector with the given ID.
func (s *Store) Get(id string) (*Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

// List returns a snapshot of all connectors.
func (s *Store) List() []*Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Connector, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c.clone())
	}
	return out
}

// Update replaces the stored connector with the given one, keeping CreatedAt.
// The key hash may change; the hash index is rewritten accordingly.
func (s *Store) Update(c *Connector) (*Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[c.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.APIKeyHash == "" {
		c.APIKeyHash = prev.APIKeyHash
	}
	if c.APIKeyHash != prev.APIKeyHash {
		if _, exists := s.byHash[c.APIKeyHash]; exists {
			return nil, errors.New("connectors: api key already in use")
		}
		delete(s.byHash, prev.APIKeyHash)
	}

	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = time.Now().UTC()

	stored := c.clone()
	s.byID[stored.ID] = stored
	s.byHash[stored.APIKeyHash] = stored
	return stored.clone(), nil
}

// Delete removes the connector. Deleting an unknown ID returns ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byHash, c.APIKeyHash)
	return nil
}
