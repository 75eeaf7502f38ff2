package intent

import (
	"context"
	"regexp"
	"strings"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/utils"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/logging"
)

// Kind 快速路径命中类型
type Kind int

const (
	KindNone Kind = iota
	KindExit
	KindWakeWord
	KindPlayMusic
	KindPlayStory
)

// Match 命中结果，Argument 携带歌名或故事名
type Match struct {
	Kind     Kind
	Argument string
}

var (
	musicRe = regexp.MustCompile(`^(?:请|帮我)?(?:播放|来一首|放一首|唱一首|唱首|我想听|我要听)(.*?)(?:的歌|这首歌)?$`)
	storyRe = regexp.MustCompile(`^(?:请|帮我)?(?:讲|说|来)(?:一?个)?(.*?)(?:的)?故事$`)
)

// Filter 两级意图识别。规则层零开销命中退出、唤醒、音乐、故事；
// 规则未命中且配置了分类器时再做一次轻量 LLM 分类。
type Filter struct {
	exitCmds   []string
	wakeWords  []string
	classifier providers.IntentProvider
	logger     *logging.Logger
}

func NewFilter(system config.SystemConfig, classifier providers.IntentProvider, logger *logging.Logger) *Filter {
	return &Filter{
		exitCmds:   system.CMDExit,
		wakeWords:  system.WakeWords,
		classifier: classifier,
		logger:     logger,
	}
}

// Match 识别用户文本。规则命中立即返回，分类器失败按未命中处理。
func (f *Filter) Match(ctx context.Context, text string) Match {
	cleaned := utils.TrimPunctuationAndEmoji(strings.TrimSpace(text))
	if cleaned == "" {
		return Match{}
	}

	if m := f.matchDeterministic(cleaned); m.Kind != KindNone {
		f.logger.DebugTag("意图", "规则命中 kind=%d text=%q", m.Kind, cleaned)
		return m
	}

	if f.classifier != nil {
		label, err := f.classifier.Classify(ctx, cleaned)
		if err != nil {
			f.logger.WarnTag("意图", "分类器调用失败: %v", err)
			return Match{}
		}
		switch label {
		case "end_chat":
			return Match{Kind: KindExit}
		case "play_music":
			return Match{Kind: KindPlayMusic}
		}
	}
	return Match{}
}

func (f *Filter) matchDeterministic(cleaned string) Match {
	for _, cmd := range f.exitCmds {
		if cleaned == cmd {
			return Match{Kind: KindExit}
		}
	}
	for _, w := range f.wakeWords {
		if cleaned == w {
			return Match{Kind: KindWakeWord}
		}
	}
	if m := storyRe.FindStringSubmatch(cleaned); m != nil {
		return Match{Kind: KindPlayStory, Argument: strings.TrimSpace(m[1])}
	}
	if m := musicRe.FindStringSubmatch(cleaned); m != nil {
		arg := strings.TrimSpace(m[1])
		// 泛指词当作随机播放
		if arg == "音乐" || arg == "歌" {
			arg = ""
		}
		return Match{Kind: KindPlayMusic, Argument: arg}
	}
	return Match{}
}
