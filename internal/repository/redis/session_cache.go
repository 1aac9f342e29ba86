package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"twofa-service/internal/client"
	"twofa-service/internal/session"
	"twofa-service/internal/util"
)

const (
	activeSessionPrefix = "active_session:"
	sessionDataPrefix   = "session_data:"
	userSessionsPrefix  = "user_sessions:"
)

// SessionCache tracks which token is the live session for a user. It backs
// the issuer's idempotency: one live session per user at a time.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(redisClient *client.RedisClient) *SessionCache {
	return &SessionCache{client: redisClient}
}

var _ session.Cache = (*SessionCache)(nil)

// SetActive records the session as the user's live one.
func (c *SessionCache) SetActive(ctx context.Context, s *session.Session, ttl time.Duration) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, activeSessionPrefix+s.UserID, s.SessionID, ttl)
	pipe.Set(ctx, sessionDataPrefix+s.SessionID, payload, ttl)
	userSessionsKey := userSessionsPrefix + s.UserID
	pipe.SAdd(ctx, userSessionsKey, s.SessionID)
	pipe.Expire(ctx, userSessionsKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("failed to set active session",
			util.String("user_id", s.UserID),
			util.String("session_id", s.SessionID),
			util.ErrorField(err))
		return fmt.Errorf("failed to set active session: %w", err)
	}

	util.Debug("active session set",
		util.String("user_id", s.UserID),
		util.String("session_id", s.SessionID),
		util.Duration("ttl", ttl))
	return nil
}

// GetActive returns the user's live session, or nil when none.
func (c *SessionCache) GetActive(ctx context.Context, userID string) (*session.Session, error) {
	sessionID, found, err := c.client.GetWithExists(ctx, activeSessionPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	if !found {
		return nil, nil
	}

	raw, found, err := c.client.GetWithExists(ctx, sessionDataPrefix+sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session data: %w", err)
	}
	if !found {
		return nil, nil
	}

	var record session.Session
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return &record, nil
}

// Invalidate drops the user's live session and its data.
func (c *SessionCache) Invalidate(ctx context.Context, userID string) error {
	record, err := c.GetActive(ctx, userID)
	if err != nil {
		return err
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, activeSessionPrefix+userID)
	if record != nil {
		pipe.Del(ctx, sessionDataPrefix+record.SessionID)
		pipe.SRem(ctx, userSessionsPrefix+userID, record.SessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}

	util.Info("session invalidated", util.String("user_id", userID))
	return nil
}

// IsValid reports whether the given session ID is still the user's live one.
func (c *SessionCache) IsValid(ctx context.Context, userID, sessionID string) (bool, error) {
	current, found, err := c.client.GetWithExists(ctx, activeSessionPrefix+userID)
	if err != nil {
		return false, fmt.Errorf("failed to check session validity: %w", err)
	}
	return found && current == sessionID, nil
}

// Refresh extends the live session's TTL.
func (c *SessionCache) Refresh(ctx context.Context, userID string, ttl time.Duration) error {
	record, err := c.GetActive(ctx, userID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("no active session found for user: %s", userID)
	}

	pipe := c.client.Pipeline()
	pipe.Expire(ctx, activeSessionPrefix+userID, ttl)
	pipe.Expire(ctx, sessionDataPrefix+record.SessionID, ttl)
	pipe.Expire(ctx, userSessionsPrefix+userID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	return nil
}
