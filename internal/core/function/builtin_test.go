package function

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
)

func builtinRegistry(t *testing.T, cfg *config.Config) (*Registry, *Dispatcher) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, cfg, nil))
	return reg, NewDispatcher(reg, 2, time.Second, nil)
}

func TestBuiltinsRegistered(t *testing.T) {
	reg, _ := builtinRegistry(t, &config.Config{})
	for _, name := range []string{
		"get_time", "get_weather", "set_device_state",
		"play_music", "play_story", "change_role", "exit",
	} {
		_, ok := reg.Get(name)
		assert.True(t, ok, "缺少内置工具 %s", name)
	}
}

func TestGetTime(t *testing.T) {
	_, d := builtinRegistry(t, &config.Config{})
	result := d.Dispatch(context.Background(), call("get_time", `{}`))
	assert.Equal(t, types.ActionTypeReqLLM, result.Action)
	assert.Contains(t, result.Content, "星期")
}

func TestExitSetsCloseAfter(t *testing.T) {
	_, d := builtinRegistry(t, &config.Config{})
	result := d.Dispatch(context.Background(), call("exit", `{}`))
	assert.Equal(t, types.ActionTypeCallHandler, result.Action)
	assert.True(t, result.CloseAfter)
	assert.NotEmpty(t, result.Response)
}

func TestSetDeviceState(t *testing.T) {
	_, d := builtinRegistry(t, &config.Config{})
	result := d.Dispatch(context.Background(),
		call("set_device_state", `{"name":"音量","state":"50"}`))
	assert.Equal(t, types.ActionTypeCallHandler, result.Action)
	require.NotNil(t, result.DeviceCommand)
	assert.Equal(t, "音量", result.DeviceCommand["name"])
}

func TestChangeRole(t *testing.T) {
	cfg := &config.Config{}
	cfg.System.Roles = []config.Role{
		{Name: "海盗船长", Description: "你是一位豪爽的海盗船长", Enabled: true},
		{Name: "禁用角色", Description: "不可用", Enabled: false},
	}
	_, d := builtinRegistry(t, cfg)

	result := d.Dispatch(context.Background(), call("change_role", `{"role":"海盗船长"}`))
	assert.Equal(t, "你是一位豪爽的海盗船长", result.NewSystemPrompt)

	// 枚举校验挡掉未注册的角色名
	result = d.Dispatch(context.Background(), call("change_role", `{"role":"不存在"}`))
	assert.Empty(t, result.NewSystemPrompt)
}

func TestPlayMusicFindsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "静夜思.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "其他.wav"), []byte("x"), 0o644))

	cfg := &config.Config{}
	cfg.System.MusicDir = dir
	_, d := builtinRegistry(t, cfg)

	result := d.Dispatch(context.Background(), call("play_music", `{"song_name":"静夜思"}`))
	assert.Equal(t, types.ActionTypeResponse, result.Action)
	assert.Equal(t, filepath.Join(dir, "静夜思.mp3"), result.AudioFile)
	assert.Contains(t, result.Response, "静夜思")
}

func TestPlayMusicRandomWhenUnnamed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("x"), 0o644))

	cfg := &config.Config{}
	cfg.System.MusicDir = dir
	_, d := builtinRegistry(t, cfg)

	result := d.Dispatch(context.Background(), call("play_music", `{}`))
	assert.NotEmpty(t, result.AudioFile)
}

func TestPlayMusicMissingFile(t *testing.T) {
	cfg := &config.Config{}
	cfg.System.MusicDir = t.TempDir()
	_, d := builtinRegistry(t, cfg)

	result := d.Dispatch(context.Background(), call("play_music", `{"song_name":"不存在"}`))
	assert.Equal(t, types.ActionTypeResponse, result.Action)
	assert.Empty(t, result.AudioFile)
}
