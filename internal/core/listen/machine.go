package listen

import (
	"strings"
	"sync"

	"echolink-server/internal/core/utils"
	"echolink-server/internal/platform/logging"
)

// State 会话的听说状态
type State int

const (
	StateIdle State = iota
	StateListening
	StateCaptured
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateCaptured:
		return "captured"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

// Mode 端点判定模式，由客户端 listen 消息指定
type Mode string

const (
	ModeAuto     Mode = "auto"     // VAD 自动判定起止
	ModeManual   Mode = "manual"   // 客户端按键控制起止
	ModeRealtime Mode = "realtime" // 不做端点判定，持续识别
)

// Machine 决定一轮对话何时开始、何时结束。
// 所有转移都在锁内完成，VAD 协程和消息协程都会触碰它。
type Machine struct {
	logger    *logging.Logger
	wakeWords []string

	mu    sync.Mutex
	state State
	mode  Mode
}

func NewMachine(wakeWords []string, logger *logging.Logger) *Machine {
	return &Machine{
		logger:    logger,
		wakeWords: wakeWords,
		state:     StateIdle,
		mode:      ModeAuto,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Start 处理 listen:start，Idle 进入 Listening 并记录模式
func (m *Machine) Start(mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode != "" {
		m.mode = mode
	}
	if m.state != StateIdle {
		return false
	}
	m.transition(StateListening)
	return true
}

// Stop 处理 listen:stop，Listening 进入 Captured
func (m *Machine) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return false
	}
	m.transition(StateCaptured)
	return true
}

// Detect 处理 listen:detect 文本轮，Idle 直接进入 Captured
func (m *Machine) Detect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return false
	}
	m.transition(StateCaptured)
	return true
}

// OnSpeechStart 由 VAD 起点事件驱动。
// Idle 时开始听；Speaking 时返回 true 表示需要打断当前回复。
func (m *Machine) OnSpeechStart() (started, bargeIn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle:
		if m.mode == ModeManual {
			return false, false
		}
		m.transition(StateListening)
		return true, false
	case StateSpeaking:
		return false, true
	}
	return false, false
}

// OnSpeechEnd 由 VAD 终点事件驱动。realtime 模式不做端点判定。
func (m *Machine) OnSpeechEnd() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening || m.mode == ModeRealtime {
		return false
	}
	m.transition(StateCaptured)
	return true
}

// Commit 用户消息已提交流水线，Captured 进入 Speaking
func (m *Machine) Commit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCaptured {
		return false
	}
	m.transition(StateSpeaking)
	return true
}

// OnTTSDrained 回复音频发完，回到 Idle
func (m *Machine) OnTTSDrained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSpeaking {
		return false
	}
	m.transition(StateIdle)
	return true
}

// Abort 任意状态强制回到 Idle
func (m *Machine) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		m.transition(StateIdle)
	}
}

// IsWakeWord 判断文本去掉标点后是否命中唤醒词
func (m *Machine) IsWakeWord(text string) bool {
	cleaned := utils.TrimPunctuationAndEmoji(strings.TrimSpace(text))
	for _, w := range m.wakeWords {
		if cleaned == w {
			return true
		}
	}
	return false
}

func (m *Machine) transition(next State) {
	m.logger.DebugTag("连接", "状态转移 %s -> %s", m.state, next)
	m.state = next
}
