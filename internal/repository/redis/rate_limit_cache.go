package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stepup-service/internal/bucketing"
	"stepup-service/internal/client"
	"stepup-service/internal/util"
)

const (
	stepUpAttemptsPrefix = "stepup_attempts:"
	loginFailuresPrefix  = "login_failures:"
	tempLockPrefix       = "temp_lock:"
)

// RateLimitCache holds fixed-window counters: step-up attempts per login
// session and first-factor failures per username. Counters expire with
// their window; a temporary lock backs off repeated first-factor abuse.
type RateLimitCache struct {
	client    *client.RedisClient
	bucketing *bucketing.BucketingManager
}

func NewRateLimitCache(client *client.RedisClient, bm *bucketing.BucketingManager) *RateLimitCache {
	return &RateLimitCache{client: client, bucketing: bm}
}

// IncrementStepUpAttempts counts one step-up attempt against the session.
// The window matches the session lifetime, so the counter dies with it.
func (c *RateLimitCache) IncrementStepUpAttempts(loginID string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := stepUpAttemptsPrefix + loginID

	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment step-up attempt counter",
			zap.String("login_id", loginID),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment step-up attempt counter: %w", err)
	}

	util.Debug("Step-up attempt counted",
		zap.String("login_id", loginID),
		zap.Int64("count", count))

	return int(count), nil
}

// IncrementLoginFailures counts one failed first-factor attempt for the
// username. The key carries the window-aligned time bucket, so counts
// reset at window boundaries instead of drifting with the first failure.
func (c *RateLimitCache) IncrementLoginFailures(username string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := c.loginFailuresKey(username, window)

	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment login failure counter",
			zap.String("username", username),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment login failure counter: %w", err)
	}

	return int(count), nil
}

// ResetLoginFailures clears the current window's failure counter and any
// lock after a successful first factor. Counters from earlier windows
// expire on their own and are never read.
func (c *RateLimitCache) ResetLoginFailures(username string, window time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := []string{
		c.loginFailuresKey(username, window),
		tempLockPrefix + username,
	}

	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to reset login failure counter",
			zap.String("username", username),
			zap.Error(err))
		return fmt.Errorf("failed to reset login failure counter: %w", err)
	}

	return nil
}

func (c *RateLimitCache) loginFailuresKey(username string, window time.Duration) string {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	bucket := c.bucketing.GetTimeBucket(seconds)
	return fmt.Sprintf("%s%s:%d", loginFailuresPrefix, username, bucket)
}

// SetTemporaryLock backs off a username after repeated failures. Returns
// without error when the lock is already held.
func (c *RateLimitCache) SetTemporaryLock(username string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := tempLockPrefix + username

	success, err := c.client.SetNX(ctx, key, "locked", ttl)
	if err != nil {
		util.Error("Failed to set temporary lock",
			zap.String("username", username),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set temporary lock: %w", err)
	}

	if success {
		util.Info("Temporary lock set",
			zap.String("username", username),
			zap.Duration("ttl", ttl))
	}

	return nil
}

func (c *RateLimitCache) IsLocked(username string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := tempLockPrefix + username

	exists, err := c.client.Exists(ctx, key)
	if err != nil {
		util.Error("Failed to check temporary lock",
			zap.String("username", username),
			zap.Error(err))
		return false, fmt.Errorf("failed to check temporary lock: %w", err)
	}

	return exists, nil
}

// LockTTL reports how long a locked username stays locked; callers put it
// in the Retry-After response header.
func (c *RateLimitCache) LockTTL(username string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return c.client.TTL(ctx, tempLockPrefix+username)
}
