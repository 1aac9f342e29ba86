package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"twofa-service/internal/client"
	"twofa-service/internal/config"
	"twofa-service/internal/hashing"
	"twofa-service/internal/phoneotp"
	"twofa-service/internal/util"
)

const (
	phoneOTPPrefix = "phone_otp:"

	// Records outlive their logical expiry by this much so a late submit
	// gets "expired" back instead of "not found".
	expiredGrace = 10 * time.Minute
)

// consumeScript deletes the record only if it is still the exact record the
// verifier just checked. A concurrent reissue or a racing verify changes or
// removes the value, and the delete is then a no-op, so a code can never be
// spent twice.
const consumeScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type otpRecord struct {
	Hash      *hashing.HashResult `json:"hash"`
	ExpiresAt time.Time           `json:"expires_at"`
	IssuedAt  time.Time           `json:"issued_at"`
}

// OTPStore is the Redis-backed phoneotp.Store. Codes are persisted only as
// argon2id hashes and consumed atomically on successful verification.
type OTPStore struct {
	client *client.RedisClient
	hasher *hashing.Hasher
	cfg    *config.PhoneOTPConfig
}

func NewOTPStore(redisClient *client.RedisClient, hasher *hashing.Hasher, cfg *config.PhoneOTPConfig) *OTPStore {
	return &OTPStore{
		client: redisClient,
		hasher: hasher,
		cfg:    cfg,
	}
}

var _ phoneotp.Store = (*OTPStore)(nil)

// Issue generates a fresh code for the number, replacing any outstanding one.
func (s *OTPStore) Issue(ctx context.Context, phone string) (*phoneotp.Issued, error) {
	normalized, err := phoneotp.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	code, err := phoneotp.GenerateCode(s.cfg.CodeLength)
	if err != nil {
		return nil, err
	}

	hashed, err := s.hasher.HashCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash phone code: %w", err)
	}

	record := otpRecord{
		Hash:      hashed,
		ExpiresAt: time.Now().UTC().Add(s.cfg.TTL),
		IssuedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode phone code record: %w", err)
	}

	key := phoneOTPPrefix + normalized
	if err := s.client.Set(ctx, key, payload, s.cfg.TTL+expiredGrace); err != nil {
		util.Error("failed to store phone code",
			util.String("phone", normalized),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to store phone code: %w", err)
	}

	util.Debug("phone code issued",
		util.String("phone", normalized),
		util.Duration("ttl", s.cfg.TTL))

	return &phoneotp.Issued{
		Phone:     normalized,
		Code:      code,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// Verify checks the submitted code and consumes the record on success.
func (s *OTPStore) Verify(ctx context.Context, phone, code string) error {
	normalized, err := phoneotp.NormalizePhone(phone)
	if err != nil {
		return err
	}

	key := phoneOTPPrefix + normalized
	raw, found, err := s.client.GetWithExists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load phone code: %w", err)
	}
	if !found {
		return phoneotp.ErrNotFound
	}

	var record otpRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		// Unreadable record: drop it so the number can start over.
		_ = s.client.Del(ctx, key)
		return phoneotp.ErrNotFound
	}

	if time.Now().UTC().After(record.ExpiresAt) {
		_ = s.client.Del(ctx, key)
		return phoneotp.ErrExpired
	}

	ok, err := s.hasher.VerifyCode(code, record.Hash)
	if err != nil {
		return fmt.Errorf("failed to verify phone code: %w", err)
	}
	if !ok {
		return phoneotp.ErrCodeMismatch
	}

	deleted, err := s.client.Eval(ctx, consumeScript, []string{key}, raw)
	if err != nil {
		return fmt.Errorf("failed to consume phone code: %w", err)
	}
	if n, ok := deleted.(int64); !ok || n == 0 {
		// Lost the race to another verify or a reissue.
		return phoneotp.ErrNotFound
	}

	util.Debug("phone code consumed", util.String("phone", normalized))
	return nil
}
