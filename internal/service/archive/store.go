package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zhouzirui/persona-relay/backend/internal/model/conversation"
)

var (
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrSessionIDRequired  = errors.New("session id is required")
)

// Store 持久化已结束的面试记录
type Store interface {
	Save(ctx context.Context, transcript conversation.Transcript) error
	Get(ctx context.Context, sessionID string) (conversation.Transcript, error)
	Close() error
}

// NewStore 配置了 redisURL 时返回 Redis 存储，否则返回内存存储
func NewStore(ctx context.Context, redisURL string, ttl time.Duration) (Store, error) {
	if redisURL == "" {
		log.Println("[archive] REDIS_URL not set, keeping transcripts in memory")
		return NewMemoryStore(), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Println("[archive] connected to Redis")

	return NewRedisStore(rdb, ttl), nil
}
