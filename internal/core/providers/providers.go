package providers

import (
	"context"

	"echolink-server/internal/core/types"
)

// Provider 所有提供者的基础接口
type Provider interface {
	Initialize() error
	Cleanup() error
}

// ASRListener 接收流式识别的中间与最终结果
type ASRListener interface {
	OnASRResult(text string, isFinal bool)
}

// ASRProvider 语音识别。Feed 按帧送入 16kHz 单声道 PCM，
// Transcribe 标记结束并等待最终文本。一轮结束后必须 Reset。
type ASRProvider interface {
	Provider
	Feed(pcm []byte) error
	Transcribe(ctx context.Context) (string, error)
	SetListener(l ASRListener)
	Reset() error
}

// Tool 注入 LLM 的函数描述
type Tool struct {
	Type     string                     `json:"type"`
	Function types.FunctionRegistryInfo `json:"function"`
}

// LLMResponse 流式增量。Content 与 ToolCalls 可能同时为空（心跳帧）。
type LLMResponse struct {
	Content   string
	ToolCalls []types.ToolCall
	Error     error
}

// LLMProvider 大语言模型
type LLMProvider interface {
	Provider
	Response(ctx context.Context, sessionID string, messages []types.Message) (<-chan string, error)
	ResponseWithFunctions(ctx context.Context, sessionID string, messages []types.Message, tools []Tool) (<-chan LLMResponse, error)
}

// TTSMode 合成器的流式能力
type TTSMode int

const (
	TTSModeNonStream    TTSMode = iota // 整句合成，拿到完整音频后再下发
	TTSModeSingleStream                // 每句一个 HTTP 流，音频分块返回
	TTSModeDualStream                  // 长连接，文本增量进、音频增量出
)

// TTSProvider 语音合成基础接口，具体能力见下方三个扩展接口
type TTSProvider interface {
	Provider
	Mode() TTSMode
	SetVoice(voice string) error
}

// NonStreamTTS 整句合成，返回 16kHz 单声道 PCM
type NonStreamTTS interface {
	TTSProvider
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// StreamTTS 单句流式合成，PCM 分块经 emit 回调交付
type StreamTTS interface {
	TTSProvider
	SynthesizeStream(ctx context.Context, text string, emit func(pcm []byte) error) error
}

// DualStreamSession 双向流会话，一轮回复一个
type DualStreamSession interface {
	SendText(text string) error
	Finish() error // 文本侧结束，等服务端吐完剩余音频
	Close() error
}

// DualStreamTTS 双向流式合成
type DualStreamTTS interface {
	TTSProvider
	OpenSession(ctx context.Context, onAudio func(pcm []byte)) (DualStreamSession, error)
}

// VADProvider 输出一帧语音活动概率 [0,1]
type VADProvider interface {
	Provider
	Probability(pcm []byte) (float64, error)
}

// MemoryProvider 跨会话记忆
type MemoryProvider interface {
	Provider
	Query(ctx context.Context, deviceID string) (string, error)
	Save(ctx context.Context, deviceID string, dialogue []types.Message) error
}

// IntentProvider 可选的 LLM 意图分类
type IntentProvider interface {
	Provider
	Classify(ctx context.Context, text string) (string, error)
}
