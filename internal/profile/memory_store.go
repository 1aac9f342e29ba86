package profile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used in development and tests. The
// production deployment uses the Scylla-backed repository.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Profile
	byName  map[string]string // normalized username -> id
	secrets map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Profile),
		byName:  make(map[string]string),
		secrets: make(map[string][]byte),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, p *Profile) error {
	username, err := NormalizeUsername(p.Username)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byName[username]; taken {
		return ErrAlreadyExists
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, taken := s.byID[p.ID]; taken {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	clone := *p
	clone.Username = username
	clone.CreatedAt = now
	clone.UpdatedAt = now

	s.byID[p.ID] = &clone
	s.byName[username] = p.ID
	return nil
}

func (s *MemoryStore) GetByUsername(_ context.Context, username string) (*Profile, error) {
	normalized, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[normalized]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *MemoryStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	_, err := s.GetByUsername(ctx, username)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) SaveSecret(_ context.Context, userID string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}

	buf := make([]byte, len(sealed))
	copy(buf, sealed)
	s.secrets[userID] = buf
	p.TOTPEnabled = true
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, userID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[userID]; !ok {
		return nil, ErrNotFound
	}
	sealed, ok := s.secrets[userID]
	if !ok {
		return nil, ErrNoSecret
	}
	buf := make([]byte, len(sealed))
	copy(buf, sealed)
	return buf, nil
}

func (s *MemoryStore) SetPhoneVerified(_ context.Context, userID, phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	p.PhoneNumber = phoneNumber
	p.PhoneVerified = true
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetOnboardingCompleted(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	p.OnboardingCompleted = true
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
