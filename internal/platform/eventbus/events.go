package eventbus

// 遥测事件主题
const (
	EventConnectionOpened = "connection:opened"
	EventConnectionClosed = "connection:closed"
	EventTranscript       = "turn:transcript"
	EventTurnCompleted    = "turn:completed"
)

// ConnectionEvent 连接生命周期事件
type ConnectionEvent struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id,omitempty"`
}

// TranscriptEvent 一轮对话的识别结果
type TranscriptEvent struct {
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
	Text      string `json:"text"`
}

// TurnEvent 一轮对话结束
type TurnEvent struct {
	SessionID  string `json:"session_id"`
	Round      int    `json:"round"`
	CloseAfter bool   `json:"close_after"`
}
