package chat

import (
	"sync"

	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/logging"
)

// DialogueManager 单个会话的对话记录。消息只追加不修改，
// 系统提示词除外：角色切换、记忆刷新时原地更新。
type DialogueManager struct {
	logger *logging.Logger

	mu       sync.RWMutex
	system   types.Message
	messages []types.Message

	// GetLLMDialogue 截取的最近消息条数上限，0 表示不限
	windowSize int
}

func NewDialogueManager(logger *logging.Logger) *DialogueManager {
	return &DialogueManager{
		logger:     logger,
		windowSize: 20,
	}
}

// SetSystemMessage 设置或刷新系统提示词
func (m *DialogueManager) SetSystemMessage(prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system = types.Message{Role: types.RoleSystem, Content: prompt}
}

func (m *DialogueManager) SystemMessage() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system.Content
}

func (m *DialogueManager) SetWindowSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowSize = n
}

// Put 追加一条消息
func (m *DialogueManager) Put(msg types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// Len 返回非系统消息条数
func (m *DialogueManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// GetLLMDialogue 组装发给 LLM 的消息列表：系统提示词在前，
// 其后是窗口内的最近消息。窗口起点向前对齐，保证 tool 消息
// 不会和发起它的 assistant 消息分离。
func (m *DialogueManager) GetLLMDialogue() []types.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if m.windowSize > 0 && len(m.messages) > m.windowSize {
		start = len(m.messages) - m.windowSize
	}
	// tool 消息必须紧跟带 tool_calls 的 assistant 消息
	for start > 0 && m.messages[start].Role == types.RoleTool {
		start--
	}

	out := make([]types.Message, 0, len(m.messages)-start+1)
	if m.system.Content != "" {
		out = append(out, m.system)
	}
	out = append(out, m.messages[start:]...)
	return out
}

// GetFullDialogue 返回全部消息（不含系统提示词），用于记忆总结与上报
func (m *DialogueManager) GetFullDialogue() []types.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// LatestUserContent 返回最近一条用户消息的文本，没有返回空串
func (m *DialogueManager) LatestUserContent() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Role == types.RoleUser {
			return m.messages[i].Content
		}
	}
	return ""
}

// Clear 清空对话记录，保留系统提示词
func (m *DialogueManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
