package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"twofa-service/internal/config"
	"twofa-service/internal/flow"
	"twofa-service/internal/util"
)

// Per-IP issuance tolerates many numbers behind one NAT, so the ceiling is a
// multiple of the per-number one.
const ipCeilingFactor = 10

var ErrIssueLimit = errors.New("issuance limit exceeded")

// IssueLimiter implements flow.Limiter on top of the rate-limit cache. It
// counts issuance per number and per source IP over a rolling hour and
// escalates repeat offenders to a temporary lock.
type IssueLimiter struct {
	cache *RateLimitCache
	cfg   *config.PhoneOTPConfig
}

var _ flow.Limiter = (*IssueLimiter)(nil)

func NewIssueLimiter(cache *RateLimitCache, cfg *config.PhoneOTPConfig) *IssueLimiter {
	return &IssueLimiter{cache: cache, cfg: cfg}
}

// AllowIssue admits or rejects one code issuance. Rejections are ErrLockHeld
// (an abuse lock is active) or ErrIssueLimit (hourly ceiling crossed, which
// also plants a lock so subsequent calls fail fast).
func (l *IssueLimiter) AllowIssue(ctx context.Context, phone, sourceIP string) error {
	locked, err := l.cache.IsLocked(ctx, phone)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if locked {
		return fmt.Errorf("%w: phone locked", ErrLockHeld)
	}

	if sourceIP != "" {
		locked, err = l.cache.IsLocked(ctx, sourceIP)
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}
		if locked {
			return fmt.Errorf("%w: source locked", ErrLockHeld)
		}
	}

	count, err := l.cache.IncrementIssueCount(ctx, phone, time.Hour)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if count > l.cfg.MaxIssuePerHour {
		if lockErr := l.cache.SetTemporaryLock(ctx, phone, l.cfg.LockDuration); lockErr != nil && !errors.Is(lockErr, ErrLockHeld) {
			util.Error("failed to plant phone lock",
				util.String("phone", phone),
				util.ErrorField(lockErr))
		}
		return fmt.Errorf("%w: %d sends this hour", ErrIssueLimit, count)
	}

	if sourceIP != "" {
		ipCount, err := l.cache.IncrementIPCount(ctx, sourceIP, time.Hour)
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}
		if ipCount > l.cfg.MaxIssuePerHour*ipCeilingFactor {
			if lockErr := l.cache.SetTemporaryLock(ctx, sourceIP, l.cfg.LockDuration); lockErr != nil && !errors.Is(lockErr, ErrLockHeld) {
				util.Error("failed to plant IP lock",
					util.String("source_ip", sourceIP),
					util.ErrorField(lockErr))
			}
			return fmt.Errorf("%w: %d sends from source this hour", ErrIssueLimit, ipCount)
		}
	}

	// Cross-instance resend guard. The flow's own countdown handles the
	// common case; this catches a second instance racing the same number.
	if err := l.cache.StartCooldown(ctx, phone, l.cfg.ResendCooldown); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return flow.ErrResendCooldown
		}
		return fmt.Errorf("rate limit check: %w", err)
	}
	return nil
}

// NoteConsumed lifts the resend cooldown once a code has been used.
func (l *IssueLimiter) NoteConsumed(ctx context.Context, phone string) {
	if err := l.cache.ClearCooldown(ctx, phone); err != nil {
		util.Warn("failed to clear cooldown",
			util.String("phone", phone),
			util.ErrorField(err))
	}
}
