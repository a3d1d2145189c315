package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zhouzirui/persona-relay/backend/internal/model/conversation"
)

const transcriptPrefix = "transcript:"

// RedisStore 以带 TTL 的 JSON 值保存对话记录
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func transcriptKey(sessionID string) string {
	return fmt.Sprintf("%s%s", transcriptPrefix, sessionID)
}

func (s *RedisStore) Save(ctx context.Context, transcript conversation.Transcript) error {
	if transcript.SessionID == "" {
		return ErrSessionIDRequired
	}
	if transcript.UpdatedAt.IsZero() {
		transcript.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	if err := s.rdb.Set(ctx, transcriptKey(transcript.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (conversation.Transcript, error) {
	data, err := s.rdb.Get(ctx, transcriptKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return conversation.Transcript{}, ErrTranscriptNotFound
	}
	if err != nil {
		return conversation.Transcript{}, fmt.Errorf("failed to load transcript: %w", err)
	}

	var transcript conversation.Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return conversation.Transcript{}, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return transcript, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
