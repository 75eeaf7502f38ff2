package utils

import (
	"regexp"
	"strings"
	"unicode"
)

// 表情符号的码点区间，与判断用标点集合
var emojiRanges = [][2]rune{
	{0x1F300, 0x1F5FF},
	{0x1F600, 0x1F64F},
	{0x1F680, 0x1F6FF},
	{0x1F900, 0x1F9FF},
	{0x1FA70, 0x1FAFF},
	{0x2600, 0x26FF},
	{0x2700, 0x27BF},
}

var trimPunctuation = map[rune]bool{
	'，': true, ',': true,
	'。': true, '.': true,
	'！': true, '!': true,
	'？': true, '?': true,
	'“': true, '”': true, '"': true,
	'：': true, ':': true,
	'-': true, '－': true,
	'、': true,
	'[': true, ']': true,
	'【': true, '】': true,
}

func IsEmoji(r rune) bool {
	for _, rg := range emojiRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

// RemoveAllEmoji 删除文本中的所有表情符号
func RemoveAllEmoji(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if !IsEmoji(r) && r != 0xFE0F { // 变体选择符一并去掉
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TrimPunctuationAndEmoji 去掉首尾的空白、标点与表情，用于指令匹配前的归一化
func TrimPunctuationAndEmoji(s string) string {
	runes := []rune(s)
	start := 0
	for start < len(runes) && isPunctuationOrEmoji(runes[start]) {
		start++
	}
	end := len(runes) - 1
	for end >= start && isPunctuationOrEmoji(runes[end]) {
		end--
	}
	return string(runes[start : end+1])
}

func isPunctuationOrEmoji(r rune) bool {
	return unicode.IsSpace(r) || trimPunctuation[r] || IsEmoji(r)
}

// Markdown 清理按固定顺序执行：围栏代码块、表格行、行内标记、链接图片、多余空白。
// 顺序不能乱，先剥大块结构再处理行内符号。
var (
	mdCodeFence  = regexp.MustCompile("(?s)```.*?```")
	mdInlineCode = regexp.MustCompile("`([^`]*)`")
	mdTableRow   = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)
	mdTableRule  = regexp.MustCompile(`(?m)^\s*[:\-| ]+\s*$`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	mdBoldItalic = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_]+?)(\*{1,3}|_{1,3})`)
	mdStrike     = regexp.MustCompile(`~~([^~]+)~~`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdListMark   = regexp.MustCompile(`(?m)^\s*([*+\-]|\d+\.)\s+`)
	mdQuote      = regexp.MustCompile(`(?m)^\s*>\s?`)
	mdBlankRuns  = regexp.MustCompile(`\n{3,}`)
	mdSpaceRuns  = regexp.MustCompile(`[ \t]{2,}`)
)

// RemoveMarkdownSyntax 把 LLM 输出里的 Markdown 还原成适合朗读的纯文本
func RemoveMarkdownSyntax(text string) string {
	text = mdCodeFence.ReplaceAllString(text, "")
	text = mdTableRow.ReplaceAllString(text, "")
	text = mdTableRule.ReplaceAllString(text, "")
	text = mdInlineCode.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdBoldItalic.ReplaceAllString(text, "$2")
	text = mdStrike.ReplaceAllString(text, "$1")
	text = mdImage.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdListMark.ReplaceAllString(text, "")
	text = mdQuote.ReplaceAllString(text, "")
	text = mdBlankRuns.ReplaceAllString(text, "\n\n")
	text = mdSpaceRuns.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

var hardBoundaries = map[rune]bool{
	'。': true, '！': true, '？': true, '…': true,
	'!': true, '?': true, '.': true, ':': true, '：': true,
}

var softBoundaries = map[rune]bool{
	'，': true, ',': true, ';': true, '；': true, '—': true,
}

func IsHardBoundary(r rune) bool { return hardBoundaries[r] }
func IsSoftBoundary(r rune) bool { return softBoundaries[r] }

// SplitAtLastPunctuation 在最后一个硬边界后切分，返回可下发片段与其字符数。
// 找不到边界时返回空片段。
func SplitAtLastPunctuation(text string) (string, int) {
	runes := []rune(text)
	last := -1
	for i, r := range runes {
		if hardBoundaries[r] {
			last = i
		}
	}
	if last < 0 {
		return "", 0
	}
	segment := string(runes[:last+1])
	return segment, last + 1
}

// CountSpokenRunes 统计会被念出来的字符数，空白不计，用于输出配额
func CountSpokenRunes(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
