package utils

// 表情字符到情绪标签的映射，用于向客户端下发 llm 情绪事件
var emojiEmotion = map[rune]string{
	'😂': "laughing",
	'😆': "laughing",
	'😭': "crying",
	'😠': "angry",
	'😔': "sad",
	'😢': "sad",
	'😍': "loving",
	'🥰': "loving",
	'😲': "surprised",
	'😮': "surprised",
	'😱': "shocked",
	'🤔': "thinking",
	'😌': "relaxed",
	'😴': "sleepy",
	'😜': "silly",
	'🤪': "silly",
	'🙄': "confused",
	'😕': "confused",
	'😶': "neutral",
	'😐': "neutral",
	'🙂': "happy",
	'😊': "happy",
	'😳': "embarrassed",
	'😉': "winking",
	'😎': "cool",
	'🤤': "delicious",
	'😋': "delicious",
	'😘': "kissy",
	'😏': "confident",
}

// EmotionEmoji 情绪标签到表情的反向映射
var EmotionEmoji = map[string]string{
	"neutral":     "😶",
	"happy":       "🙂",
	"laughing":    "😂",
	"sad":         "😔",
	"angry":       "😠",
	"crying":      "😭",
	"loving":      "😍",
	"embarrassed": "😳",
	"surprised":   "😲",
	"shocked":     "😱",
	"thinking":    "🤔",
	"winking":     "😉",
	"cool":        "😎",
	"relaxed":     "😌",
	"delicious":   "🤤",
	"kissy":       "😘",
	"confident":   "😏",
	"sleepy":      "😴",
	"silly":       "😜",
	"confused":    "🙄",
}

// GetEmotionEmoji 根据情绪标签返回表情，未知情绪返回中性
func GetEmotionEmoji(emotion string) string {
	if emoji, ok := EmotionEmoji[emotion]; ok {
		return emoji
	}
	return EmotionEmoji["neutral"]
}

// ExtractEmotion 返回文本中首个可识别表情对应的情绪标签；没有则返回空串
func ExtractEmotion(text string) string {
	for _, r := range text {
		if emotion, ok := emojiEmotion[r]; ok {
			return emotion
		}
	}
	return ""
}
