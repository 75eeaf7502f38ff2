package store

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
)

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis Redis 后端，过期交给键 TTL
func NewRedis(cfg config.StoreConfig) (Store, error) {
	if cfg.Redis.Addr == "" {
		return nil, errors.New(errors.KindConfig, "auth.store", "redis 后端缺少地址")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(errors.KindPlatform, "auth.store", "redis 连接失败", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "auth:device:"
	}
	ttl := cfg.Expiry
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisStore{client: client, ttl: ttl, prefix: prefix}, nil
}

func (s *redisStore) key(deviceID string) string {
	return s.prefix + deviceID
}

func (s *redisStore) Put(ctx context.Context, rec DeviceRecord) error {
	if rec.DeviceID == "" {
		return errors.New(errors.KindAuth, "auth.store", "设备 ID 不能为空")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	expiry := s.ttl
	if rec.ExpiresAt != nil {
		expiry = time.Until(*rec.ExpiresAt)
		if expiry <= 0 {
			return s.Remove(ctx, rec.DeviceID)
		}
	}
	return s.client.Set(ctx, s.key(rec.DeviceID), data, expiry).Err()
}

func (s *redisStore) Get(ctx context.Context, deviceID string) (DeviceRecord, error) {
	raw, err := s.client.Get(ctx, s.key(deviceID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return DeviceRecord{}, errors.New(errors.KindAuth, "auth.store", "设备不存在: "+deviceID)
		}
		return DeviceRecord{}, err
	}
	var rec DeviceRecord
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return DeviceRecord{}, err
	}
	if rec.Expired(time.Now()) {
		_ = s.Remove(ctx, deviceID)
		return DeviceRecord{}, errors.New(errors.KindAuth, "auth.store", "设备凭证已过期: "+deviceID)
	}
	return rec, nil
}

func (s *redisStore) Validate(ctx context.Context, deviceID, token string) (DeviceRecord, bool, error) {
	rec, err := s.Get(ctx, deviceID)
	if err != nil {
		if errors.IsKind(err, errors.KindAuth) {
			return DeviceRecord{}, false, nil
		}
		return DeviceRecord{}, false, err
	}
	if rec.Token != token {
		return DeviceRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *redisStore) Remove(ctx context.Context, deviceID string) error {
	return s.client.Del(ctx, s.key(deviceID)).Err()
}

func (s *redisStore) List(ctx context.Context) ([]string, error) {
	var cursor uint64
	ids := make([]string, 0)
	pattern := s.prefix + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, s.prefix))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

func (s *redisStore) CleanupExpired(context.Context) error {
	// 键自带 TTL，无需主动清理
	return nil
}

func (s *redisStore) Stats(ctx context.Context) (map[string]any, error) {
	size, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":        "redis",
		"total":       size,
		"ttl_seconds": int(s.ttl.Seconds()),
	}, nil
}

func (s *redisStore) Close(context.Context) error {
	return s.client.Close()
}
