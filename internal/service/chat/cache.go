package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/cache"
	"chatrelay/internal/models"
)

const historyTTL = 30 * time.Minute

// historyCache keeps each session's recent context window in redis so hot
// sessions skip the history query. All methods are nil-safe so the service
// runs unchanged without redis; the store is always the source of truth.
type historyCache struct {
	client *cache.Client
	logger *zap.Logger
}

func newHistoryCache(client *cache.Client, logger *zap.Logger) *historyCache {
	return &historyCache{client: client, logger: logger}
}

func historyKey(sessionID string) string {
	return fmt.Sprintf("chat:history:%s", sessionID)
}

func (c *historyCache) load(ctx context.Context, sessionID string) ([]models.Message, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, historyKey(sessionID))
	if err != nil {
		if err != cache.ErrCacheMiss {
			c.logger.Warn("history cache load failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}
	var history []models.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		c.logger.Warn("history cache decode failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	return history, true
}

func (c *historyCache) store(ctx context.Context, sessionID string, history []models.Message) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		c.logger.Warn("history cache encode failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, historyKey(sessionID), data, historyTTL); err != nil {
		c.logger.Warn("history cache store failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *historyCache) invalidate(ctx context.Context, sessionID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, historyKey(sessionID)); err != nil && err != cache.ErrCacheMiss {
		c.logger.Warn("history cache invalidate failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
