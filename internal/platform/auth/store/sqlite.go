package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
)

// deviceModel auth_devices 表结构
type deviceModel struct {
	ID        uint   `gorm:"primaryKey"`
	DeviceID  string `gorm:"uniqueIndex;size:128"`
	Token     string `gorm:"size:512"`
	IP        string `gorm:"size:64"`
	CreatedAt time.Time
	ExpiresAt *time.Time
	Metadata  []byte
}

func (deviceModel) TableName() string { return "auth_devices" }

type sqliteStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewSQLite SQLite 后端，需要外部传入已打开的 gorm 句柄
func NewSQLite(db *gorm.DB, cfg config.StoreConfig) (Store, error) {
	if db == nil {
		return nil, errors.New(errors.KindConfig, "auth.store", "sqlite 后端缺少数据库句柄")
	}
	if err := db.AutoMigrate(&deviceModel{}); err != nil {
		return nil, errors.Wrap(errors.KindPlatform, "auth.store", "auth_devices 建表失败", err)
	}
	ttl := cfg.Expiry
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &sqliteStore{db: db, ttl: ttl}, nil
}

func (s *sqliteStore) Put(ctx context.Context, rec DeviceRecord) error {
	if rec.DeviceID == "" {
		return errors.New(errors.KindAuth, "auth.store", "设备 ID 不能为空")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt == nil && s.ttl > 0 {
		exp := rec.CreatedAt.Add(s.ttl)
		rec.ExpiresAt = &exp
	}
	var meta []byte
	if len(rec.Metadata) > 0 {
		meta, _ = sonic.Marshal(rec.Metadata)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", rec.DeviceID).Delete(&deviceModel{}).Error; err != nil {
			return err
		}
		row := &deviceModel{
			DeviceID:  rec.DeviceID,
			Token:     rec.Token,
			IP:        rec.IP,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			Metadata:  meta,
		}
		return tx.Create(row).Error
	})
}

func (s *sqliteStore) Get(ctx context.Context, deviceID string) (DeviceRecord, error) {
	rec, err := s.fetch(ctx, deviceID)
	if err != nil {
		return DeviceRecord{}, err
	}
	if rec.Expired(time.Now()) {
		return DeviceRecord{}, errors.New(errors.KindAuth, "auth.store", "设备凭证已过期: "+deviceID)
	}
	return rec, nil
}

func (s *sqliteStore) Validate(ctx context.Context, deviceID, token string) (DeviceRecord, bool, error) {
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

func (s *sqliteStore) Remove(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&deviceModel{}).Error
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	var rows []deviceModel
	if err := s.db.WithContext(ctx).Select("device_id", "expires_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	now := time.Now()
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ExpiresAt == nil || now.Before(*row.ExpiresAt) {
			ids = append(ids, row.DeviceID)
		}
	}
	return ids, nil
}

func (s *sqliteStore) CleanupExpired(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).
		Delete(&deviceModel{}).
		Error
}

func (s *sqliteStore) Stats(ctx context.Context) (map[string]any, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&deviceModel{}).Count(&total).Error; err != nil {
		return nil, err
	}
	return map[string]any{
		"type":        "sqlite",
		"total":       total,
		"ttl_seconds": int(s.ttl.Seconds()),
	}, nil
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}

func (s *sqliteStore) fetch(ctx context.Context, deviceID string) (DeviceRecord, error) {
	var row deviceModel
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return DeviceRecord{}, errors.New(errors.KindAuth, "auth.store", "设备不存在: "+deviceID)
	}
	if err != nil {
		return DeviceRecord{}, err
	}
	rec := DeviceRecord{
		DeviceID:  row.DeviceID,
		Token:     row.Token,
		IP:        row.IP,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}
	if len(row.Metadata) > 0 {
		var meta map[string]any
		if err := sonic.Unmarshal(row.Metadata, &meta); err == nil {
			rec.Metadata = meta
		}
	}
	return rec, nil
}
