package store

import (
	"context"
	"sync"
	"time"

	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
)

const memoryGCInterval = 5 * time.Minute

type memoryStore struct {
	mu    sync.RWMutex
	items map[string]DeviceRecord
	ttl   time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory 进程内设备凭证存储，带周期性过期清理
func NewMemory(cfg config.StoreConfig) Store {
	ttl := cfg.Expiry
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &memoryStore{
		items: make(map[string]DeviceRecord),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

func (s *memoryStore) gcLoop() {
	ticker := time.NewTicker(memoryGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.CleanupExpired(context.Background())
		case <-s.stop:
			return
		}
	}
}

func (s *memoryStore) Put(_ context.Context, rec DeviceRecord) error {
	if rec.DeviceID == "" {
		return errors.New(errors.KindAuth, "auth.store", "设备 ID 不能为空")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt == nil && s.ttl > 0 {
		exp := now.Add(s.ttl)
		rec.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.items[rec.DeviceID] = rec
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(_ context.Context, deviceID string) (DeviceRecord, error) {
	s.mu.RLock()
	rec, ok := s.items[deviceID]
	s.mu.RUnlock()
	if !ok {
		return DeviceRecord{}, errors.New(errors.KindAuth, "auth.store", "设备不存在: "+deviceID)
	}
	if rec.Expired(time.Now()) {
		return DeviceRecord{}, errors.New(errors.KindAuth, "auth.store", "设备凭证已过期: "+deviceID)
	}
	return rec, nil
}

func (s *memoryStore) Validate(ctx context.Context, deviceID, token string) (DeviceRecord, bool, error) {
	rec, err := s.Get(ctx, deviceID)
	if err != nil {
		return DeviceRecord{}, false, nil
	}
	if rec.Token != token {
		return DeviceRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *memoryStore) Remove(_ context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.items, deviceID)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]string, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.items))
	for id, rec := range s.items {
		if !rec.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memoryStore) CleanupExpired(_ context.Context) error {
	now := time.Now()
	s.mu.Lock()
	for id, rec := range s.items {
		if rec.Expired(now) {
			delete(s.items, id)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Stats(_ context.Context) (map[string]any, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := 0
	for _, rec := range s.items {
		if !rec.Expired(now) {
			active++
		}
	}
	return map[string]any{
		"type":        "memory",
		"total":       len(s.items),
		"active":      active,
		"ttl_seconds": int(s.ttl.Seconds()),
	}, nil
}

func (s *memoryStore) Close(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
