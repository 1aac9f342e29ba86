package session

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache for development and tests. Entries
// expire on read; there is no background sweep.
type MemoryCache struct {
	mu       sync.Mutex
	byUser   map[string]*Session
	deadline map[string]time.Time
	now      func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		byUser:   make(map[string]*Session),
		deadline: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (c *MemoryCache) GetActive(_ context.Context, userID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byUser[userID]
	if !ok {
		return nil, nil
	}
	if c.now().After(c.deadline[userID]) {
		delete(c.byUser, userID)
		delete(c.deadline, userID)
		return nil, nil
	}
	clone := *s
	return &clone, nil
}

func (c *MemoryCache) SetActive(_ context.Context, s *Session, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clone := *s
	c.byUser[s.UserID] = &clone
	c.deadline[s.UserID] = c.now().Add(ttl)
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.byUser, userID)
	delete(c.deadline, userID)
	return nil
}

func (c *MemoryCache) IsValid(_ context.Context, userID, sessionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byUser[userID]
	if !ok || c.now().After(c.deadline[userID]) {
		return false, nil
	}
	return s.SessionID == sessionID, nil
}

func (c *MemoryCache) Refresh(_ context.Context, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byUser[userID]; !ok {
		return nil
	}
	c.deadline[userID] = c.now().Add(ttl)
	return nil
}
