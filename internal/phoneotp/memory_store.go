package phoneotp

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"
)

type memoryRecord struct {
	code      string
	expiresAt time.Time
}

// MemoryStore is the in-process Store used in development and tests. The
// Redis-backed store is the production implementation; this one keeps the
// same upsert-replace and single-use semantics behind a mutex.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]memoryRecord
	codeLength int
	ttl        time.Duration
	now        func() time.Time
}

// MemoryStoreOption customizes a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the time source, used by expiry tests.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(codeLength int, ttl time.Duration, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		records:    make(map[string]memoryRecord),
		codeLength: codeLength,
		ttl:        ttl,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Issue(ctx context.Context, phone string) (*Issued, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	code, err := GenerateCode(s.codeLength)
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.ttl)

	s.mu.Lock()
	// Upsert: any prior unconsumed code for this number dies here.
	s.records[normalized] = memoryRecord{code: code, expiresAt: expiresAt}
	s.mu.Unlock()

	return &Issued{Phone: normalized, Code: code, ExpiresAt: expiresAt}, nil
}

func (s *MemoryStore) Verify(ctx context.Context, phone, code string) error {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[normalized]
	if !ok {
		return ErrNotFound
	}
	if s.now().After(rec.expiresAt) {
		delete(s.records, normalized)
		return ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(rec.code), []byte(code)) != 1 {
		return ErrCodeMismatch
	}
	// Consume under the same lock: check-then-delete is atomic here.
	delete(s.records, normalized)
	return nil
}
