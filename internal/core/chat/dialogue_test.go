package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-server/internal/core/types"
)

func TestSystemMessageComesFirst(t *testing.T) {
	m := NewDialogueManager(nil)
	m.SetSystemMessage("你是一个友好的助手")
	m.Put(types.Message{Role: types.RoleUser, Content: "你好"})

	dialogue := m.GetLLMDialogue()
	require.Len(t, dialogue, 2)
	assert.Equal(t, types.RoleSystem, dialogue[0].Role)
	assert.Equal(t, "你是一个友好的助手", dialogue[0].Content)
}

func TestSystemMessageMutableInPlace(t *testing.T) {
	m := NewDialogueManager(nil)
	m.SetSystemMessage("角色A")
	m.Put(types.Message{Role: types.RoleUser, Content: "hi"})
	m.SetSystemMessage("角色B")

	dialogue := m.GetLLMDialogue()
	assert.Equal(t, "角色B", dialogue[0].Content)
	assert.Equal(t, 1, m.Len())
}

func TestWindowKeepsRecentMessages(t *testing.T) {
	m := NewDialogueManager(nil)
	m.SetWindowSize(4)
	for i := 0; i < 10; i++ {
		m.Put(types.Message{Role: types.RoleUser, Content: fmt.Sprintf("消息%d", i)})
	}

	dialogue := m.GetLLMDialogue()
	require.Len(t, dialogue, 4)
	assert.Equal(t, "消息6", dialogue[0].Content)
	assert.Equal(t, "消息9", dialogue[3].Content)
}

func TestWindowDoesNotSplitToolMessages(t *testing.T) {
	m := NewDialogueManager(nil)
	m.SetWindowSize(2)
	m.Put(types.Message{Role: types.RoleUser, Content: "今天天气怎么样"})
	m.Put(types.Message{
		Role:      types.RoleAssistant,
		ToolCalls: []types.ToolCall{{ID: "call-1"}},
	})
	m.Put(types.Message{Role: types.RoleTool, ToolCallID: "call-1", Content: "晴"})
	m.Put(types.Message{Role: types.RoleAssistant, Content: "今天是晴天"})

	dialogue := m.GetLLMDialogue()
	// 窗口起点落在 tool 消息上时要前移到发起调用的 assistant 消息
	require.GreaterOrEqual(t, len(dialogue), 3)
	first := dialogue[0]
	if first.Role == types.RoleTool {
		t.Fatalf("窗口起点不能是 tool 消息")
	}
	for i, msg := range dialogue {
		if msg.Role == types.RoleTool {
			require.Greater(t, i, 0)
			assert.Equal(t, types.RoleAssistant, dialogue[i-1].Role)
			assert.NotEmpty(t, dialogue[i-1].ToolCalls)
		}
	}
}

func TestLatestUserContent(t *testing.T) {
	m := NewDialogueManager(nil)
	assert.Empty(t, m.LatestUserContent())
	m.Put(types.Message{Role: types.RoleUser, Content: "第一句"})
	m.Put(types.Message{Role: types.RoleAssistant, Content: "回复"})
	m.Put(types.Message{Role: types.RoleUser, Content: "第二句"})
	assert.Equal(t, "第二句", m.LatestUserContent())
}

func TestClearKeepsSystemPrompt(t *testing.T) {
	m := NewDialogueManager(nil)
	m.SetSystemMessage("保留我")
	m.Put(types.Message{Role: types.RoleUser, Content: "hi"})
	m.Clear()

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, "保留我", m.SystemMessage())
}
