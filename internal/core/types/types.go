package types

// 对话角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart 多模态消息片段。Text 之外的片段以 URL 或引用传递，不内联数据。
type ContentPart struct {
	Type     string `json:"type"` // text | image_url | file_url | audio_ref
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
}

// Message 对话消息。Content 始终承载纯文本视图；Parts 非空时
// 以 Parts 为准下发给 LLM（带附件的多模态消息）。
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ToolCall LLM 发起的函数调用
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// SentenceType 标记 TTS 句子在一轮回复中的位置
type SentenceType int

const (
	SentenceFirst SentenceType = iota
	SentenceMiddle
	SentenceLast
)

func (s SentenceType) String() string {
	switch s {
	case SentenceFirst:
		return "first"
	case SentenceMiddle:
		return "middle"
	case SentenceLast:
		return "last"
	}
	return "unknown"
}

// AudioFrame 一帧待下发的 Opus 数据。Opus 为空时是句边界标记帧，
// 连接层据此下发 tts 状态消息而非二进制数据。
type AudioFrame struct {
	Opus  []byte
	Round int
	Seq   int // 所属句子在本轮内的序号
	Type  SentenceType
	Text  string // 帧所属句子的文本，标记帧携带用于字幕下发
	Tag   string // normal/opening/closing，失败跳过的句子标 error
}

// ActionType 函数执行结果的后续动作
type ActionType int

const (
	ActionTypeNotFound   ActionType = iota // 函数不存在
	ActionTypeNone                         // 无后续动作
	ActionTypeResponse                     // 直接把 response 念给用户
	ActionTypeReqLLM                       // 结果回填对话并再走一轮 LLM
	ActionTypeCallHandler                  // 交给连接层处理（退出、切换角色等）
)

// ActionResponse 函数执行结果
type ActionResponse struct {
	Action   ActionType
	Result   interface{}
	Response string
}

// FunctionRegistryInfo 函数元数据，注入 LLM 的 tools 列表
type FunctionRegistryInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}
