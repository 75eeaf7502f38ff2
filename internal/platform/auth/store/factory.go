package store

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
)

// 支持的存储类型
const (
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
	TypeRedis  = "redis"
)

// New 按配置构造设备凭证存储，类型缺省为 memory
func New(cfg config.StoreConfig) (Store, error) {
	typ := cfg.Type
	if typ == "" {
		typ = TypeMemory
	}

	switch typ {
	case TypeMemory:
		return NewMemory(cfg), nil
	case TypeSQLite:
		dsn := cfg.SQLite.DSN
		if dsn == "" {
			dsn = "data/auth.db"
		}
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, errors.Wrap(errors.KindPlatform, "auth.store", "sqlite 打开失败", err)
		}
		return NewSQLite(db, cfg)
	case TypeRedis:
		return NewRedis(cfg)
	default:
		return nil, errors.New(errors.KindConfig, "auth.store", "不支持的存储类型: "+typ)
	}
}
