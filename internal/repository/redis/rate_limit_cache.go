package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"twofa-service/internal/client"
	"twofa-service/internal/util"
)

const (
	issueCountPrefix = "otp_issue_count:"
	cooldownPrefix   = "otp_cooldown:"
	tempLockPrefix   = "temp_lock:"
	ipCountPrefix    = "ip_rate_limit:"
)

var ErrLockHeld = errors.New("temporary lock already held")

// RateLimitCache enforces per-number and per-IP ceilings on OTP issuance.
// Verify-attempt caps live in the flow manager; this cache only counts
// issuance and holds abuse locks.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(redisClient *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: redisClient}
}

// IncrementIssueCount bumps the hourly issuance counter for a number and
// returns the new count.
func (c *RateLimitCache) IncrementIssueCount(ctx context.Context, phone string, window time.Duration) (int, error) {
	count, err := c.client.IncrWithExpire(ctx, issueCountPrefix+phone, window)
	if err != nil {
		util.Error("failed to increment issue counter",
			util.String("phone", phone),
			util.ErrorField(err))
		return 0, fmt.Errorf("failed to increment issue counter: %w", err)
	}
	return int(count), nil
}

// StartCooldown marks a number as recently served. Returns ErrLockHeld if
// the previous send is still inside the cooldown window.
func (c *RateLimitCache) StartCooldown(ctx context.Context, phone string, cooldown time.Duration) error {
	ok, err := c.client.SetNX(ctx, cooldownPrefix+phone, "1", cooldown)
	if err != nil {
		return fmt.Errorf("failed to start cooldown: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// ClearCooldown lifts the resend cooldown, used when a code is consumed.
func (c *RateLimitCache) ClearCooldown(ctx context.Context, phone string) error {
	return c.client.Del(ctx, cooldownPrefix+phone)
}

// SetTemporaryLock locks a key (phone or IP) out of issuance entirely.
func (c *RateLimitCache) SetTemporaryLock(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := c.client.SetNX(ctx, tempLockPrefix+key, "locked", ttl)
	if err != nil {
		util.Error("failed to set temporary lock",
			util.String("key", key),
			util.ErrorField(err))
		return fmt.Errorf("failed to set temporary lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	util.Warn("temporary lock set",
		util.String("key", key),
		util.Duration("ttl", ttl))
	return nil
}

func (c *RateLimitCache) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := c.client.Exists(ctx, tempLockPrefix+key)
	if err != nil {
		return false, fmt.Errorf("failed to check temporary lock: %w", err)
	}
	return exists, nil
}

// IncrementIPCount counts issuance per source IP in the given window.
func (c *RateLimitCache) IncrementIPCount(ctx context.Context, ip string, window time.Duration) (int, error) {
	count, err := c.client.IncrWithExpire(ctx, ipCountPrefix+ip, window)
	if err != nil {
		return 0, fmt.Errorf("failed to increment IP counter: %w", err)
	}
	return int(count), nil
}
