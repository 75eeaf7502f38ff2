package store

import (
	"context"
	"time"
)

// DeviceRecord 已签发凭证的设备记录
type DeviceRecord struct {
	DeviceID  string         `json:"device_id"`
	Token     string         `json:"token"`
	IP        string         `json:"ip,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Expired 判断记录是否已过期，无过期时间视为长期有效
func (r DeviceRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Store 设备凭证的持久化界面，memory/redis/sqlite 三种后端
type Store interface {
	Put(ctx context.Context, rec DeviceRecord) error
	Get(ctx context.Context, deviceID string) (DeviceRecord, error)
	Validate(ctx context.Context, deviceID, token string) (DeviceRecord, bool, error)
	Remove(ctx context.Context, deviceID string) error
	List(ctx context.Context) ([]string, error)
	CleanupExpired(ctx context.Context) error
	Stats(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
}
