package vad

import (
	"bytes"
	"sync"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/logging"
)

// 语义端点提示达到该置信度时，静音等待缩短为一半
const endpointConfidence = 0.8

// EndpointHint 基于 ASR 中间结果的语义端点提示。声学判定始终
// 兜底：提示只缩短静音等待，从不直接触发终点。
type EndpointHint interface {
	EndpointProbability(partial string) float64
}

// Event 帧处理结果
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

// Engine 在逐帧概率之上做端点判定。双阈值滞回：
// 连续 TriggerFrames 帧超过 SpeechThreshold 判定起点，
// 累计 MinSilenceMs 毫秒低于 SilenceThreshold 判定终点。
// 起点前 PrefixPaddingMs 的音频会拼进语音段，避免吃掉第一个字。
type Engine struct {
	provider providers.VADProvider
	cfg      config.VADConfig
	logger   *logging.Logger
	frameMs  int

	speaking  bool
	voiceRun  int
	silenceMs int

	// 静音期滚动缓存：前置填充 + 触发窗口
	ring     [][]byte
	ringCap  int
	segment  bytes.Buffer
	voicedAt int // 最后一个有声帧结束时的段长度，用于裁掉尾部静音

	hint      EndpointHint
	partialMu sync.Mutex
	partial   string // 最新的 ASR 中间结果，从识别回调协程写入
}

func NewEngine(provider providers.VADProvider, cfg config.VADConfig, frameMs int, logger *logging.Logger) *Engine {
	prefixFrames := cfg.PrefixPaddingMs / frameMs
	return &Engine{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		frameMs:  frameMs,
		ringCap:  prefixFrames + cfg.TriggerFrames,
	}
}

// Process 消费一帧 16kHz PCM，返回端点事件。
// 返回 EventSpeechEnd 后通过 Segment 取语音段，然后 Reset。
func (e *Engine) Process(pcm []byte) (Event, error) {
	prob, err := e.provider.Probability(pcm)
	if err != nil {
		return EventNone, err
	}

	if !e.speaking {
		e.pushRing(pcm)
		if prob >= e.cfg.SpeechThreshold {
			e.voiceRun++
			if e.voiceRun >= e.cfg.TriggerFrames {
				e.speaking = true
				e.silenceMs = 0
				e.segment.Reset()
				for _, f := range e.ring {
					e.segment.Write(f)
				}
				e.voicedAt = e.segment.Len()
				e.ring = e.ring[:0]
				return EventSpeechStart, nil
			}
		} else {
			e.voiceRun = 0
		}
		return EventNone, nil
	}

	e.segment.Write(pcm)
	if prob > e.cfg.SilenceThreshold {
		e.silenceMs = 0
		e.voicedAt = e.segment.Len()
	} else {
		e.silenceMs += e.frameMs
		if e.silenceMs >= e.requiredSilenceMs() {
			return EventSpeechEnd, nil
		}
	}
	return EventNone, nil
}

// SetEndpointHint 挂上语义端点提示，传 nil 关闭
func (e *Engine) SetEndpointHint(hint EndpointHint) {
	e.hint = hint
}

// NotePartial 记录最新的 ASR 中间结果，可从任意协程调用
func (e *Engine) NotePartial(text string) {
	e.partialMu.Lock()
	e.partial = text
	e.partialMu.Unlock()
}

// requiredSilenceMs 判终点需要的静音时长。语义提示高置信时
// 减半，没有提示或中间结果为空时维持声学配置值。
func (e *Engine) requiredSilenceMs() int {
	required := e.cfg.MinSilenceMs
	if e.hint == nil {
		return required
	}
	e.partialMu.Lock()
	partial := e.partial
	e.partialMu.Unlock()
	if partial == "" {
		return required
	}
	if e.hint.EndpointProbability(partial) >= endpointConfidence {
		return required / 2
	}
	return required
}

// Speaking 当前是否处于语音段内
func (e *Engine) Speaking() bool { return e.speaking }

// Segment 返回裁掉尾部静音后的语音段 PCM
func (e *Engine) Segment() []byte {
	data := e.segment.Bytes()
	if e.voicedAt > 0 && e.voicedAt < len(data) {
		data = data[:e.voicedAt]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// Reset 回到静音态，每轮结束后调用
func (e *Engine) Reset() {
	e.speaking = false
	e.voiceRun = 0
	e.silenceMs = 0
	e.voicedAt = 0
	e.segment.Reset()
	e.ring = e.ring[:0]
	e.partialMu.Lock()
	e.partial = ""
	e.partialMu.Unlock()
}

func (e *Engine) pushRing(pcm []byte) {
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	e.ring = append(e.ring, frame)
	if len(e.ring) > e.ringCap {
		e.ring = e.ring[1:]
	}
}
