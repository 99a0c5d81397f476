package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"curricullm/internal/models"
	"curricullm/internal/redis"
)

const (
	historyKeyPrefix = "chat:history:"
	historyTTL       = 30 * time.Minute
)

// historyCache keeps a JSON copy of each user's history in Redis. A nil
// client turns every call into a miss.
type historyCache struct {
	client *redis.Client
	logger *slog.Logger
}

func newHistoryCache(client *redis.Client, logger *slog.Logger) *historyCache {
	return &historyCache{client: client, logger: logger}
}

func historyKey(userID int64) string {
	return historyKeyPrefix + strconv.FormatInt(userID, 10)
}

func (c *historyCache) get(ctx context.Context, userID int64) ([]models.ChatMessage, bool) {
	if !c.client.Enabled() {
		return nil, false
	}
	raw, err := c.client.Get(ctx, historyKey(userID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.logger.Warn("read chat cache", "user_id", userID, "error", err)
		}
		return nil, false
	}
	var messages []models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		c.invalidate(ctx, userID)
		return nil, false
	}
	// UserID is not serialized
	for i := range messages {
		messages[i].UserID = userID
	}
	return messages, true
}

func (c *historyCache) set(ctx context.Context, userID int64, messages []models.ChatMessage) {
	if !c.client.Enabled() {
		return
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, historyKey(userID), payload, historyTTL); err != nil {
		c.logger.Warn("write chat cache", "user_id", userID, "error", err)
	}
}

func (c *historyCache) invalidate(ctx context.Context, userID int64) {
	if !c.client.Enabled() {
		return
	}
	if err := c.client.Del(ctx, historyKey(userID)); err != nil {
		c.logger.Warn("invalidate chat cache", "user_id", userID, "error", err)
	}
}
