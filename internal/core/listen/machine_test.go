package listen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoModeFullTurn(t *testing.T) {
	m := NewMachine(nil, nil)

	started, bargeIn := m.OnSpeechStart()
	require.True(t, started)
	require.False(t, bargeIn)
	assert.Equal(t, StateListening, m.State())

	require.True(t, m.OnSpeechEnd())
	assert.Equal(t, StateCaptured, m.State())

	require.True(t, m.Commit())
	assert.Equal(t, StateSpeaking, m.State())

	require.True(t, m.OnTTSDrained())
	assert.Equal(t, StateIdle, m.State())
}

func TestManualModeIgnoresVAD(t *testing.T) {
	m := NewMachine(nil, nil)
	require.True(t, m.Start(ModeManual))

	// 手动模式下由客户端控制边界
	assert.Equal(t, StateListening, m.State())
	require.True(t, m.Stop())
	assert.Equal(t, StateCaptured, m.State())

	m.Abort()
	started, _ := m.OnSpeechStart()
	assert.False(t, started, "手动模式下 VAD 起点不应开始听")
}

func TestRealtimeModeSkipsEndpointing(t *testing.T) {
	m := NewMachine(nil, nil)
	require.True(t, m.Start(ModeRealtime))
	assert.False(t, m.OnSpeechEnd())
	assert.Equal(t, StateListening, m.State())
}

func TestDetectCommitsTextTurn(t *testing.T) {
	m := NewMachine(nil, nil)
	require.True(t, m.Detect())
	assert.Equal(t, StateCaptured, m.State())

	// 说话途中不允许 detect
	require.True(t, m.Commit())
	assert.False(t, m.Detect())
}

func TestBargeInDuringSpeaking(t *testing.T) {
	m := NewMachine(nil, nil)
	m.Start(ModeAuto)
	m.OnSpeechEnd()
	m.Commit()
	require.Equal(t, StateSpeaking, m.State())

	started, bargeIn := m.OnSpeechStart()
	assert.False(t, started)
	assert.True(t, bargeIn)
}

func TestAbortFromAnyState(t *testing.T) {
	m := NewMachine(nil, nil)
	m.Start(ModeAuto)
	m.Abort()
	assert.Equal(t, StateIdle, m.State())

	m.Start(ModeAuto)
	m.OnSpeechEnd()
	m.Commit()
	m.Abort()
	assert.Equal(t, StateIdle, m.State())
}

func TestIsWakeWord(t *testing.T) {
	m := NewMachine([]string{"小智", "你好小智"}, nil)
	assert.True(t, m.IsWakeWord("小智"))
	assert.True(t, m.IsWakeWord("你好小智。"))
	assert.False(t, m.IsWakeWord("小智你在吗"))
	assert.False(t, m.IsWakeWord(""))
}
