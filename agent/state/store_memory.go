package state

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Used in tests and local
// development; conversations are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*Conversation)}
}

func (s *MemoryStore) Load(_ context.Context, customerID string) (*Conversation, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, ErrInvalidCustomerID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[customerID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, conv *Conversation) error {
	if conv == nil {
		return ErrNilConversation
	}
	if strings.TrimSpace(conv.CustomerID) == "" {
		return ErrInvalidCustomerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs[conv.CustomerID] = conv.Clone()
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, customerID string) error {
	if strings.TrimSpace(customerID) == "" {
		return ErrInvalidCustomerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.convs, customerID)
	return nil
}
