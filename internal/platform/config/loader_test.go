package config

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	res, err := NewLoader().WithDotEnv(false).WithPaths(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)

	assert.Empty(t, res.Path)
	assert.Equal(t, 8000, res.Config.Server.Port)
	assert.Equal(t, 16000, res.Config.Audio.SampleRate)
	assert.Equal(t, 1000, res.Config.VAD.MinSilenceMs)
	assert.Equal(t, 30*time.Second, res.Config.Pipeline.TurnDeadline)
	assert.Equal(t, 5, res.Config.Pipeline.MaxToolRounds)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9100
vad:
  min_silence_ms: 800
selected_module:
  TTS: DoubaoTTS
`)
	res, err := NewLoader().WithDotEnv(false).WithPaths(path).Load()
	require.NoError(t, err)

	assert.Equal(t, path, res.Path)
	assert.Equal(t, 9100, res.Config.Server.Port)
	assert.Equal(t, 800, res.Config.VAD.MinSilenceMs)
	assert.Equal(t, "DoubaoTTS", res.Config.Selected.TTS)
	// 未覆盖的键保留默认值
	assert.Equal(t, 256, res.Config.Audio.SendQueueSize)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("ECHOLINK_LLM_KEY", "sk-test-123")
	path := writeConfigFile(t, `
LLM:
  ChatGLMLLM:
    type: openai
    api_key: ${ECHOLINK_LLM_KEY}
`)
	res, err := NewLoader().WithDotEnv(false).WithPaths(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", res.Config.LLM["ChatGLMLLM"].APIKey)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not a map")
	_, err := NewLoader().WithDotEnv(false).WithPaths(path).Load()
	assert.Error(t, err)
}

func TestResolverMergesDeviceOverlay(t *testing.T) {
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		w.Write([]byte("selected_module:\n  LLM: CozeLLM\nvad:\n  min_silence_ms: 600\n"))
	}))
	defer srv.Close()

	base := DefaultConfig()
	base.Resolver = ResolverConfig{Enabled: true, BaseURL: srv.URL, Timeout: time.Second}
	resolver := NewResolver(base)

	cfg, err := resolver.Resolve(t.Context(), "dev-001")
	require.NoError(t, err)

	assert.Equal(t, "/agents/dev-001/config", requested)
	assert.Equal(t, "CozeLLM", cfg.Selected.LLM)
	assert.Equal(t, 600, cfg.VAD.MinSilenceMs)
	// 覆盖不触碰的字段继承基础配置
	assert.Equal(t, base.Selected.TTS, cfg.Selected.TTS)
	// 基础配置本身不受污染
	assert.Equal(t, 1000, base.VAD.MinSilenceMs)
}

func TestResolverCachesUntilInvalidate(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("server:\n  port: 9000\n"))
	}))
	defer srv.Close()

	base := DefaultConfig()
	base.Resolver = ResolverConfig{Enabled: true, BaseURL: srv.URL, Timeout: time.Second}
	resolver := NewResolver(base)

	_, err := resolver.Resolve(t.Context(), "dev-002")
	require.NoError(t, err)
	_, err = resolver.Resolve(t.Context(), "dev-002")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	resolver.Invalidate("dev-002")
	_, err = resolver.Resolve(t.Context(), "dev-002")
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}

func TestResolverDeviceNotRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	base := DefaultConfig()
	base.Resolver = ResolverConfig{Enabled: true, BaseURL: srv.URL, Timeout: time.Second}
	resolver := NewResolver(base)

	cfg, err := resolver.Resolve(t.Context(), "dev-unknown")
	require.NoError(t, err)
	assert.Equal(t, base.Server.Port, cfg.Server.Port)
}

func TestResolverFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	base := DefaultConfig()
	base.Resolver = ResolverConfig{Enabled: true, BaseURL: srv.URL, Timeout: time.Second}
	resolver := NewResolver(base)

	cfg, err := resolver.Resolve(t.Context(), "dev-003")
	assert.Error(t, err)
	assert.Same(t, base, cfg)
}
