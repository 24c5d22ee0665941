package alert

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// SendGuard remembers which (post, task, recipient) emails already went out
// so a retried job does not send them again.
type SendGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) error
}

// GuardKey is the digest identifying one delivered email.
func GuardKey(originID string, taskID int64, recipient string, sentiment int) string {
	sum := blake2b.Sum256([]byte(originID + "|" + strconv.FormatInt(taskID, 10) + "|" + recipient + "|" + strconv.Itoa(sentiment)))
	return hex.EncodeToString(sum[:])
}

// RedisSendGuard stores guard keys with a TTL.
type RedisSendGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSendGuard(client *redis.Client, prefix string, ttl time.Duration) *RedisSendGuard {
	if prefix == "" {
		prefix = "insight"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisSendGuard{client: client, prefix: prefix + ":sent:", ttl: ttl}
}

func (g *RedisSendGuard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check send guard: %w", err)
	}
	return n > 0, nil
}

func (g *RedisSendGuard) Record(ctx context.Context, key string) error {
	if err := g.client.SetNX(ctx, g.prefix+key, 1, g.ttl).Err(); err != nil {
		return fmt.Errorf("record send guard: %w", err)
	}
	return nil
}
