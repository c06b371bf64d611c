package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps sessions in process memory. Useful for tests and local
// development only: state is lost on restart and never shared across
// replicas.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(ttl time.Duration) Store {
	return &memoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
	}
}

func (s *memoryStore) Get(_ context.Context, key string) (*AuthState, error) {
	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
		return nil, nil
	}
	return decodeAuthState(entry.data)
}

func (s *memoryStore) New(ctx context.Context, auth *AuthState) (string, error) {
	key := uuid.NewString()
	if err := s.Set(ctx, key, auth); err != nil {
		return "", err
	}
	return key, nil
}

func (s *memoryStore) Set(_ context.Context, key string, auth *AuthState) error {
	data, err := encodeAuthState(auth)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[key] = memoryEntry{data: data, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
