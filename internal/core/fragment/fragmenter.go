package fragment

import (
	"strings"

	"echolink-server/internal/core/types"
	"echolink-server/internal/core/utils"
	"echolink-server/internal/platform/config"
)

// Tag 标记开场白和结束语片段，TTS 侧可为其选用固定音频
type Tag string

const (
	TagNormal  Tag = "normal"
	TagOpening Tag = "opening"
	TagClosing Tag = "closing"
)

// Chunk 一段可送 TTS 的文本
type Chunk struct {
	Seq     int
	Type    types.SentenceType
	Text    string // LAST 标记为空
	Tag     Tag
	Emotion string // 片段中剥离出的表情标签，空表示无
}

// Fragmenter 把 LLM 的流式 token 切成适合逐句合成的片段。
// 硬边界（句末标点）满足最小长度就切；软边界（逗号分号）
// 只在缓冲超长时切；<think> 思考段整体丢弃。
type Fragmenter struct {
	cfg  config.FragmentConfig
	emit func(Chunk)

	buf        strings.Builder
	seq        int
	inThink    bool
	thinkTail  string
	firstSent  bool
	pendingTag Tag
}

func NewFragmenter(cfg config.FragmentConfig, emit func(Chunk)) *Fragmenter {
	return &Fragmenter{cfg: cfg, emit: emit, pendingTag: TagNormal}
}

// SetTag 标记后续片段的用途，用于开场白和结束语
func (f *Fragmenter) SetTag(tag Tag) { f.pendingTag = tag }

// Feed 消费一个 token，可能触发零或多个片段
func (f *Fragmenter) Feed(token string) {
	for _, r := range token {
		f.feedRune(r)
	}
	f.tryEmit()
}

// Finish 流结束，冲刷剩余缓冲并补发 LAST 标记
func (f *Fragmenter) Finish() {
	f.tryEmit()
	if f.buf.Len() > 0 {
		f.emitText(f.buf.String())
		f.buf.Reset()
	}
	f.emit(Chunk{Seq: f.seq, Type: types.SentenceLast, Tag: f.pendingTag})
	f.seq++
}

// Reset 清空状态，供下一轮复用
func (f *Fragmenter) Reset() {
	f.buf.Reset()
	f.seq = 0
	f.inThink = false
	f.thinkTail = ""
	f.firstSent = false
	f.pendingTag = TagNormal
}

func (f *Fragmenter) feedRune(r rune) {
	// 思考段标记可能被拆进多个 token，逐字符匹配
	if f.inThink {
		f.thinkTail += string(r)
		if strings.HasSuffix(f.thinkTail, "</think>") {
			f.inThink = false
			f.thinkTail = ""
		} else if len(f.thinkTail) > len("</think>") {
			f.thinkTail = f.thinkTail[len(f.thinkTail)-len("</think>"):]
		}
		return
	}
	f.buf.WriteRune(r)
	if s := f.buf.String(); strings.HasSuffix(s, "<think>") {
		f.buf.Reset()
		f.buf.WriteString(strings.TrimSuffix(s, "<think>"))
		f.inThink = true
	}
}

// tryEmit 在缓冲内查找切分点，可能连续切出多个片段
func (f *Fragmenter) tryEmit() {
	for {
		runes := []rune(f.buf.String())
		if len(runes) == 0 {
			return
		}

		cut := -1
		spoken := 0
		for i, r := range runes {
			if !isSpace(r) {
				spoken++
			}
			if utils.IsHardBoundary(r) && spoken >= f.cfg.MinFragmentRunes {
				cut = i + 1
				break
			}
			if utils.IsSoftBoundary(r) && i+1 >= f.cfg.SoftBoundaryRunes {
				cut = i + 1
				break
			}
		}
		if cut < 0 {
			return
		}

		segment := string(runes[:cut])
		rest := string(runes[cut:])
		f.buf.Reset()
		f.buf.WriteString(rest)
		f.emitText(segment)
	}
}

func (f *Fragmenter) emitText(raw string) {
	emotion := utils.ExtractEmotion(raw)
	text := utils.RemoveMarkdownSyntax(utils.RemoveAllEmoji(raw))
	if text == "" {
		return
	}

	typ := types.SentenceMiddle
	if !f.firstSent {
		typ = types.SentenceFirst
		f.firstSent = true
	}
	f.emit(Chunk{Seq: f.seq, Type: typ, Text: text, Tag: f.pendingTag, Emotion: emotion})
	f.seq++
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
