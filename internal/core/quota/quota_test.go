package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-server/internal/platform/config"
)

func newTracker(t *testing.T, daily int) *Tracker {
	t.Helper()
	tr, err := NewTracker(config.QuotaConfig{
		Enabled:       true,
		DailyOutChars: daily,
		Timezone:      "Asia/Shanghai",
	}, nil)
	require.NoError(t, err)
	return tr
}

func TestConsumeUntilExceeded(t *testing.T) {
	tr := newTracker(t, 100)

	assert.False(t, tr.Consume("dev-1", 60))
	assert.Equal(t, 40, tr.Remaining("dev-1"))
	assert.True(t, tr.Consume("dev-1", 50))
	assert.False(t, tr.Allow("dev-1"))

	// 不同设备互不影响
	assert.True(t, tr.Allow("dev-2"))
}

func TestMidnightReset(t *testing.T) {
	tr := newTracker(t, 100)
	day := time.Date(2026, 9, 1, 23, 50, 0, 0, tr.loc)
	tr.now = func() time.Time { return day }

	tr.Consume("dev-1", 100)
	require.False(t, tr.Allow("dev-1"))

	// 过零点额度恢复
	tr.now = func() time.Time { return day.Add(20 * time.Minute) }
	assert.True(t, tr.Allow("dev-1"))
	assert.Equal(t, 100, tr.Remaining("dev-1"))
}

func TestDisabledQuotaAlwaysAllows(t *testing.T) {
	tr, err := NewTracker(config.QuotaConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.False(t, tr.Consume("dev-1", 1<<20))
	assert.True(t, tr.Allow("dev-1"))
}

func TestInvalidTimezone(t *testing.T) {
	_, err := NewTracker(config.QuotaConfig{Enabled: true, Timezone: "Mars/Olympus"}, nil)
	assert.Error(t, err)
}
