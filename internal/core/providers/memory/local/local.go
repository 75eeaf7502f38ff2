package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterMemory("local_short", NewProvider)
}

const summaryPrompt = `你是一个经验丰富的记忆总结者，请根据对话记录总结用户的重要信息，遵守以下规则：
1. 总结对今后对话有用的用户个人信息与偏好
2. 不要遗忘已有的历史记忆，除非总长度超过 1800 字
3. 音量、播放音乐、天气、退出等设备控制内容与用户本人无关，不要写入总结
4. 无意义的闲聊不必强行总结，可以原样保留历史记忆
5. 只返回总结文本，严格控制在 1800 字以内，不要任何解释或代码块`

// Provider 本地短期记忆：每轮对话结束后用 LLM 压缩成摘要，按设备落盘。
type Provider struct {
	llm    providers.LLMProvider
	logger *logging.Logger
	path   string

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewProvider(cfg *config.MemoryConfig, llm providers.LLMProvider, logger *logging.Logger) (providers.MemoryProvider, error) {
	return &Provider{
		llm:     llm,
		logger:  logger,
		path:    filepath.Join("data", "memory.json"),
		entries: map[string]entry{},
	}, nil
}

func (p *Provider) Initialize() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.KindPlatform, "memory.load", "读取记忆文件失败", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := json.Unmarshal(data, &p.entries); err != nil {
		// 记忆文件损坏时从空白开始，不阻塞启动
		p.logger.WarnTag("记忆", "记忆文件损坏，已忽略: %v", err)
		p.entries = map[string]entry{}
	}
	return nil
}

func (p *Provider) Cleanup() error { return nil }

// Query 返回设备的记忆摘要，没有记忆返回空串
func (p *Provider) Query(ctx context.Context, deviceID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[deviceID].Summary, nil
}

// Save 用 LLM 把本次对话并入已有摘要后落盘
func (p *Provider) Save(ctx context.Context, deviceID string, dialogue []types.Message) error {
	if p.llm == nil || len(dialogue) == 0 {
		return nil
	}

	p.mu.Lock()
	previous := p.entries[deviceID].Summary
	p.mu.Unlock()

	var transcript strings.Builder
	if previous != "" {
		transcript.WriteString("[历史记忆]\n")
		transcript.WriteString(previous)
		transcript.WriteString("\n\n")
	}
	transcript.WriteString("[本次对话]\n")
	for _, msg := range dialogue {
		if msg.Role != types.RoleUser && msg.Role != types.RoleAssistant {
			continue
		}
		transcript.WriteString(msg.Role)
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
		transcript.WriteString("\n")
	}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: summaryPrompt},
		{Role: types.RoleUser, Content: transcript.String()},
	}
	ch, err := p.llm.Response(ctx, deviceID, messages)
	if err != nil {
		return errors.Wrap(errors.KindProvider, "memory.save", "记忆总结失败", err)
	}

	var summary strings.Builder
	for chunk := range ch {
		summary.WriteString(chunk)
	}
	result := strings.TrimSpace(summary.String())
	if result == "" {
		return nil
	}

	p.mu.Lock()
	p.entries[deviceID] = entry{Summary: result, UpdatedAt: time.Now()}
	data, err := json.MarshalIndent(p.entries, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.Wrap(errors.KindPlatform, "memory.save", "创建记忆目录失败", err)
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return errors.Wrap(errors.KindPlatform, "memory.save", "写入记忆文件失败", err)
	}
	p.logger.InfoTag("记忆", "设备 %s 记忆已更新 长度=%d", deviceID, len([]rune(result)))
	return nil
}
