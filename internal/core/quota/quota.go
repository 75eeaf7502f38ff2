package quota

import (
	"sync"
	"time"

	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

// Tracker 按设备限制每日输出字符数，本地时区过零点自动清零。
type Tracker struct {
	cfg    config.QuotaConfig
	loc    *time.Location
	logger *logging.Logger
	now    func() time.Time

	mu   sync.Mutex
	day  string
	used map[string]int
}

func NewTracker(cfg config.QuotaConfig, logger *logging.Logger) (*Tracker, error) {
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, errors.Wrap(errors.KindConfig, "quota.new", "无效的时区配置", err)
		}
	}
	return &Tracker{
		cfg:    cfg,
		loc:    loc,
		logger: logger,
		now:    time.Now,
		used:   map[string]int{},
	}, nil
}

// Allow 设备今日还有剩余额度
func (t *Tracker) Allow(deviceID string) bool {
	return t.Remaining(deviceID) > 0
}

// Remaining 今日剩余字符数，未启用配额时返回一个大值
func (t *Tracker) Remaining(deviceID string) int {
	if !t.cfg.Enabled {
		return 1 << 30
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	remaining := t.cfg.DailyOutChars - t.used[deviceID]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Consume 记录一次输出，返回是否已超额
func (t *Tracker) Consume(deviceID string, chars int) (exceeded bool) {
	if !t.cfg.Enabled || chars <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	t.used[deviceID] += chars
	if t.used[deviceID] >= t.cfg.DailyOutChars {
		t.logger.InfoTag("配额", "设备 %s 今日额度用尽 已用=%d", deviceID, t.used[deviceID])
		return true
	}
	return false
}

func (t *Tracker) rolloverLocked() {
	day := t.now().In(t.loc).Format("2006-01-02")
	if day != t.day {
		t.day = day
		t.used = map[string]int{}
	}
}
