package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stepup-service/internal/client"
	"stepup-service/internal/models"
	"stepup-service/internal/util"
)

const loginSessionPrefix = "login_session:"

// SessionCache is a read-through cache in front of the session store. The
// store stays authoritative: the engine re-reads and conditionally updates
// it directly, the cache only absorbs GET traffic during the step-up window.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) CacheSession(session *models.LoginSession, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := loginSessionPrefix + session.LoginID

	jsonData, err := json.Marshal(session)
	if err != nil {
		util.Error("Failed to marshal session for cache",
			zap.String("login_id", session.LoginID),
			zap.Error(err))
		return fmt.Errorf("failed to marshal session for cache: %w", err)
	}

	if err := c.client.Set(ctx, key, string(jsonData), ttl); err != nil {
		util.Error("Failed to cache session",
			zap.String("login_id", session.LoginID),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to cache session: %w", err)
	}

	util.Debug("Session cached",
		zap.String("login_id", session.LoginID),
		zap.Duration("ttl", ttl))

	return nil
}

// GetSession returns the cached session, or (nil, nil) on a miss.
func (c *SessionCache) GetSession(loginID string) (*models.LoginSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := loginSessionPrefix + loginID

	jsonData, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		util.Error("Failed to get session from cache",
			zap.String("login_id", loginID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get session from cache: %w", err)
	}

	session := &models.LoginSession{}
	if err := json.Unmarshal([]byte(jsonData), session); err != nil {
		util.Error("Failed to unmarshal cached session",
			zap.String("login_id", loginID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to unmarshal cached session: %w", err)
	}

	return session, nil
}

// InvalidateSession drops the cached copy after a state transition so
// readers fall back to the authoritative store.
func (c *SessionCache) InvalidateSession(loginID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := loginSessionPrefix + loginID

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to invalidate cached session",
			zap.String("login_id", loginID),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate cached session: %w", err)
	}

	util.Debug("Cached session invalidated",
		zap.String("login_id", loginID))

	return nil
}
