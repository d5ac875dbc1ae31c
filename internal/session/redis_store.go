package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenACP/internal/errors"
)

const redisKeyPrefix = "openacp:session:"

// RedisConfig 描述 Redis 会话存储的连接参数。
type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

// RedisStore 把会话保存在 Redis 中，多副本部署时共享会话状态。
// 过期由 Redis 的键 TTL 承担。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 会话存储并确认连接可达。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 Redis")
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(id string) string { return redisKeyPrefix + id }

// Create 写入新会话并设置 TTL。
func (s *RedisStore) Create(ctx context.Context, session *Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	now := time.Now().Unix()
	session.CreatedAt = now
	session.UpdatedAt = now

	payload, err := json.Marshal(session)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}
	if err := s.client.Set(ctx, redisKey(session.ID), payload, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Get 返回会话并续期。
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
	}
	if err := s.client.Expire(ctx, redisKey(id), s.ttl).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "续期会话失败")
	}
	return &session, nil
}

// SaveContext 覆盖会话上下文并续期。
func (s *RedisStore) SaveContext(ctx context.Context, id string, contextData map[string]any) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	session.Context = cloneContext(contextData)
	session.UpdatedAt = time.Now().Unix()

	payload, err := json.Marshal(session)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}
	if err := s.client.Set(ctx, redisKey(id), payload, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("保存会话 %s 上下文失败", id))
	}
	return nil
}

// GetContext 返回会话上下文。
func (s *RedisStore) GetContext(ctx context.Context, id string) (map[string]any, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return session.Context, nil
}

// Close 删除会话，幂等。
func (s *RedisStore) Close(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	return nil
}

// Shutdown 关闭底层 Redis 连接。
func (s *RedisStore) Shutdown() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
