package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"twofa-service/internal/config"
	"twofa-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash          = errors.New("invalid hash format")
	ErrUnknownPepperVersion = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type pepper struct {
	value     string
	createdAt time.Time
	version   int
}

// Hasher hashes phone OTP codes with argon2id plus a rotating in-memory
// pepper, so a dump of the OTP cache alone is not enough to forge codes.
type Hasher struct {
	params        Argon2Params
	currentPepper *pepper
	oldPeppers    []*pepper
	config        *config.Config
	mu            sync.RWMutex
}

// HashResult is what gets persisted alongside an OTP record.
type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  32,
			KeyLength:   32,
		},
		config: cfg,
	}
	h.rotatePepper()
	return h
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	}

	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}

	h.currentPepper = &pepper{
		value:     base64.RawURLEncoding.EncodeToString(pepperBytes),
		createdAt: time.Now(),
		version:   len(h.oldPeppers) + 1,
	}

	util.Info("Pepper rotated",
		zap.Int("version", h.currentPepper.version),
		zap.Time("created_at", h.currentPepper.createdAt),
	)
}

// StartPepperRotation starts background pepper rotation. Codes hashed under
// a retired pepper stay verifiable for two rotation periods, far beyond any
// OTP lifetime.
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.config.Hashing.PepperRotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()

			h.mu.Lock()
			if len(h.oldPeppers) > 2 {
				h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
			}
			h.mu.Unlock()
		}
	}()
}

// HashCode hashes a phone OTP code for storage.
func (h *Hasher) HashCode(code string) (*HashResult, error) {
	h.mu.RLock()
	p := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Purpose suffix prevents hash reuse across contexts.
	contextual := code + p.value + "phone_otp"

	hash := argon2.IDKey(
		[]byte(contextual),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: p.version,
		Algorithm:     "argon2id-v1",
	}, nil
}

// VerifyCode checks a submitted code against a stored HashResult in
// constant time.
func (h *Hasher) VerifyCode(code string, stored *HashResult) (bool, error) {
	pepperValue, err := h.getPepper(stored.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	contextual := code + pepperValue + "phone_otp"
	computed := argon2.IDKey(
		[]byte(contextual),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.version == version {
		return h.currentPepper.value, nil
	}
	for _, p := range h.oldPeppers {
		if p.version == version {
			return p.value, nil
		}
	}
	return "", ErrUnknownPepperVersion
}
