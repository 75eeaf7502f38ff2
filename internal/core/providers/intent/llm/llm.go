package llm

import (
	"context"
	"strings"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterIntent("llm", NewProvider)
}

// 分类结果标签，意图过滤器按标签走快速路径
const (
	IntentContinue  = "continue_chat"
	IntentEndChat   = "end_chat"
	IntentPlayMusic = "play_music"
)

const classifyPrompt = `你是一个分类助手, 请判断用户最后一句话的意图属于以下哪一类:
<begin>
1.继续聊天, 除了播放音乐和结束聊天之外的选项, 比如日常的聊天和问候, 对话等
2.结束聊天, 用户发来如再见之类表示结束的话, 不想再进行对话的时候
3.播放音乐, 用户希望你播放音乐, 只用于播放音乐的意图
<end>
请返回你的判断结果标号, 只使用一个数字作为返回结果, 下面是几个实际的示例
` + "```" + `
用户: 我想听一首可以让我激情澎湃的歌曲
3
` + "```" + `
用户: 我有点累了, 想休息一下, 再见
2
` + "```" + `
返回的结果只有一个数字, 没有其他的附加内容`

// Provider 用一次短 LLM 调用做意图分类，兜底规则匹配覆盖不到的说法。
type Provider struct {
	llm    providers.LLMProvider
	logger *logging.Logger
}

func NewProvider(cfg *config.IntentConfig, llm providers.LLMProvider, logger *logging.Logger) (providers.IntentProvider, error) {
	if llm == nil {
		return nil, errors.New(errors.KindConfig, "intent.llm", "意图分类需要 LLM 提供者")
	}
	return &Provider{llm: llm, logger: logger}, nil
}

func (p *Provider) Initialize() error { return nil }
func (p *Provider) Cleanup() error    { return nil }

func (p *Provider) Classify(ctx context.Context, text string) (string, error) {
	messages := []types.Message{
		{Role: types.RoleSystem, Content: classifyPrompt},
		{Role: types.RoleUser, Content: "请分析用户的意图:\nUser: " + text},
	}
	ch, err := p.llm.Response(ctx, "intent", messages)
	if err != nil {
		return "", errors.Wrap(errors.KindProvider, "intent.classify", "意图分类失败", err)
	}

	var sb strings.Builder
	for chunk := range ch {
		sb.WriteString(chunk)
	}
	answer := strings.TrimSpace(sb.String())
	p.logger.DebugTag("意图", "分类结果: %q", answer)

	label := parseLabel(answer)
	return label, nil
}

// parseLabel 容忍模型多吐字符，取出现的第一个有效标号
func parseLabel(answer string) string {
	for _, r := range answer {
		switch r {
		case '2':
			return IntentEndChat
		case '3':
			return IntentPlayMusic
		case '1':
			return IntentContinue
		}
	}
	return IntentContinue
}
