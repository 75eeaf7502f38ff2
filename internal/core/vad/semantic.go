package vad

import "strings"

// 完句收尾的启发特征：句末标点和常见句尾语气词
var endpointSuffixes = []string{
	"。", "！", "？", "!", "?", ".",
	"吗", "吧", "呢", "啊", "了",
}

// PunctuationEndpoint 句式启发的语义端点：中间转写以完句标点或
// 句尾语气词收尾时，认为用户说完了的概率高。没有流式 ASR 的
// 场合引擎收不到中间结果，声学判定自然接管。
type PunctuationEndpoint struct{}

func (PunctuationEndpoint) EndpointProbability(partial string) float64 {
	trimmed := strings.TrimSpace(partial)
	if trimmed == "" {
		return 0
	}
	for _, suffix := range endpointSuffixes {
		if strings.HasSuffix(trimmed, suffix) {
			return 0.9
		}
	}
	return 0.2
}
