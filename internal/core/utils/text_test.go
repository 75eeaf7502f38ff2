package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoveAllEmoji(t *testing.T) {
	assert.Equal(t, "你好呀", RemoveAllEmoji("你好呀😂"))
	assert.Equal(t, "今天天气不错", RemoveAllEmoji("今天☀️天气不错"))
	assert.Equal(t, "plain text", RemoveAllEmoji("plain text"))
}

func TestExtractEmotion(t *testing.T) {
	assert.Equal(t, "laughing", ExtractEmotion("笑死我了😂哈哈"))
	assert.Equal(t, "sad", ExtractEmotion("唉😔"))
	assert.Equal(t, "", ExtractEmotion("没有表情"))
}

func TestGetEmotionEmoji(t *testing.T) {
	assert.Equal(t, "😂", GetEmotionEmoji("laughing"))
	assert.Equal(t, "😶", GetEmotionEmoji("不存在的情绪"))
}

func TestTrimPunctuationAndEmoji(t *testing.T) {
	assert.Equal(t, "退出", TrimPunctuationAndEmoji("退出。"))
	assert.Equal(t, "再见", TrimPunctuationAndEmoji(" 再见！😂 "))
	assert.Equal(t, "你好小智", TrimPunctuationAndEmoji("，你好小智？"))
	assert.Equal(t, "", TrimPunctuationAndEmoji("。！？"))
}

func TestSplitAtLastPunctuation(t *testing.T) {
	seg, n := SplitAtLastPunctuation("第一句。第二句还没说完")
	assert.Equal(t, "第一句。", seg)
	assert.Equal(t, 4, n)

	seg, n = SplitAtLastPunctuation("还没有任何边界")
	assert.Empty(t, seg)
	assert.Zero(t, n)

	seg, _ = SplitAtLastPunctuation("先这样！然后呢？好")
	assert.Equal(t, "先这样！然后呢？", seg)
}

func TestRemoveMarkdownSyntax(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"**加粗**和*斜体*", "加粗和斜体"},
		{"# 标题\n正文", "标题\n正文"},
		{"看[这个链接](https://example.com)吧", "看这个链接吧"},
		{"```go\ncode\n```\n结论", "结论"},
		{"`行内代码`保留文本", "行内代码保留文本"},
		{"- 第一项\n- 第二项", "第一项\n第二项"},
		{"| a | b |\n|---|---|\n| 1 | 2 |\n后续", "后续"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RemoveMarkdownSyntax(c.in), "input: %s", c.in)
	}
}

func TestCountSpokenRunes(t *testing.T) {
	assert.Equal(t, 4, CountSpokenRunes("你好 世界"))
	assert.Equal(t, 0, CountSpokenRunes("  \n\t"))
}
