package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"echolink-server/internal/platform/config"
)

func newTestSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(newTestSQLiteDB(t), config.StoreConfig{Expiry: time.Hour})
	require.NoError(t, err)

	rec := DeviceRecord{
		DeviceID: "dev-sqlite",
		Token:    "tok",
		IP:       "192.168.1.10",
		Metadata: map[string]any{"board": "esp32s3"},
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "dev-sqlite")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "esp32s3", got.Metadata["board"])
	require.NotNil(t, got.ExpiresAt)

	_, ok, err := s.Validate(ctx, "dev-sqlite", "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.Validate(ctx, "dev-sqlite", "bad")
	require.NoError(t, err)
	assert.False(t, ok)

	// 重复写入覆盖旧凭证
	rec.Token = "tok-2"
	require.NoError(t, s.Put(ctx, rec))
	got, err = s.Get(ctx, "dev-sqlite")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.Token)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-sqlite"}, ids)

	require.NoError(t, s.Remove(ctx, "dev-sqlite"))
	_, err = s.Get(ctx, "dev-sqlite")
	assert.Error(t, err)
}

func TestSQLiteStoreCleanupExpired(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(newTestSQLiteDB(t), config.StoreConfig{Expiry: time.Hour})
	require.NoError(t, err)

	expired := time.Now().Add(-time.Minute)
	require.NoError(t, s.Put(ctx, DeviceRecord{
		DeviceID:  "dev-old",
		Token:     "t",
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: &expired,
	}))
	require.NoError(t, s.Put(ctx, DeviceRecord{DeviceID: "dev-new", Token: "t"}))

	require.NoError(t, s.CleanupExpired(ctx))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-new"}, ids)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats["total"])
}
