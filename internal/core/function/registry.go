package function

import (
	"context"
	"sync"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/errors"
)

// EffectClass 工具的副作用类别，决定结果如何进入对话
type EffectClass int

const (
	EffectReqLLM        EffectClass = iota // 纯函数，结果回注 LLM
	EffectResponse                         // 执行并直接产生用户可见回复
	EffectSystemControl                    // 退出等系统控制
	EffectPromptChange                     // 更换系统提示词
	EffectDeviceControl                    // 下发设备指令
)

// Result 工具执行结果
type Result struct {
	Action   types.ActionType
	Content  string // 回注 LLM 的 tool 消息内容
	Response string // 直接播报的文本

	CloseAfter      bool           // 回复播完后关闭连接
	NewSystemPrompt string         // 下一轮生效的系统提示词
	DeviceCommand   map[string]any // 透传给客户端的 iot 指令
	AudioFile       string         // 本地音频文件路径（音乐、故事）
}

// Handler 工具实现，args 已通过参数校验
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Tool 一个可被 LLM 调用的工具
type Tool struct {
	Info    types.FunctionRegistryInfo
	Effect  EffectClass
	Handler Handler
}

// Registry 连接级工具表。内置工具启动时注册，
// MCP 工具在外部服务就绪后补注册。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Info.Name == "" {
		return errors.New(errors.KindTool, "function.register", "工具缺少名称")
	}
	if t.Handler == nil {
		return errors.New(errors.KindTool, "function.register", "工具缺少处理函数")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Info.Name] = t
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Definitions 生成注入 LLM 请求的 tools 列表
func (r *Registry) Definitions() []providers.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.Tool{Type: "function", Function: t.Info})
	}
	return defs
}
