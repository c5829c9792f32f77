package store

import (
	"context"
	"sync"

	"github.com/AngelCh415/crmsync/internal/models"
)

// MemoryStore holds the encoded snapshot in memory.
type MemoryStore struct {
	mu  sync.RWMutex
	raw []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Put stores raw bytes as-is, valid or not.
func (s *MemoryStore) Put(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append([]byte(nil), raw...)
}

func (s *MemoryStore) Raw(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raw == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.raw...), nil
}

func (s *MemoryStore) Load(ctx context.Context) (models.Snapshot, error) {
	raw, err := s.Raw(ctx)
	if err != nil {
		return models.Snapshot{}, err
	}
	return Decode(raw)
}

func (s *MemoryStore) Save(ctx context.Context, snap models.Snapshot) error {
	b, err := Encode(snap)
	if err != nil {
		return err
	}
	s.Put(b)
	return nil
}
