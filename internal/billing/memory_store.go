package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.RWMutex
	charges []*Charge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LogCharge(ctx context.Context, c *Charge) error {
	prepare(c)
	cp := *c
	s.mu.Lock()
	s.charges = append(s.charges, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListCharges(ctx context.Context, username string, from, to time.Time) ([]*Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Charge
	for _, c := range s.charges {
		if c.Username != username || c.CreatedAt.Before(from) || c.CreatedAt.After(to) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
