package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	inboxPrefix = "showing:inbox:"
	inboxSize   = 100
)

// RedisInbox keeps the last hundred offers per handler so clients can catch up after
// being offline.
type RedisInbox struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisInbox(client *redis.Client) *RedisInbox {
	return &RedisInbox{client: client, now: time.Now}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func inboxKey(handlerID string) string {
	return inboxPrefix + handlerID
}

func (r *RedisInbox) Notify(ctx context.Context, handlerID, requestID string) error {
	data, err := json.Marshal(Notification{HandlerID: handlerID, RequestID: requestID, At: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("notify: marshal inbox entry: %w", err)
	}

	key := inboxKey(handlerID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, inboxSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify: push inbox: %w", err)
	}
	return nil
}

// Inbox returns up to limit entries, newest first.
func (r *RedisInbox) Inbox(ctx context.Context, handlerID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > inboxSize {
		limit = inboxSize
	}
	raw, err := r.client.LRange(ctx, inboxKey(handlerID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("notify: read inbox: %w", err)
	}

	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
