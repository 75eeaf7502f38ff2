package eventbus

import (
	"echolink-server/internal/platform/logging"
)

// SetupLogHandlers 订阅遥测事件并落日志，启动时调用一次
func SetupLogHandlers(logger *logging.Logger) {
	_ = SubscribeAsync(EventConnectionOpened, func(ev ConnectionEvent) {
		logger.DebugTag("连接", "事件 opened session=%s device=%s", ev.SessionID, ev.DeviceID)
	})
	_ = SubscribeAsync(EventConnectionClosed, func(ev ConnectionEvent) {
		logger.DebugTag("连接", "事件 closed session=%s device=%s", ev.SessionID, ev.DeviceID)
	})
	_ = SubscribeAsync(EventTranscript, func(ev TranscriptEvent) {
		logger.DebugTag("ASR", "事件 transcript session=%s round=%d text=%s", ev.SessionID, ev.Round, ev.Text)
	})
	_ = SubscribeAsync(EventTurnCompleted, func(ev TurnEvent) {
		logger.DebugTag("TIMING", "事件 turn_completed session=%s round=%d close=%v", ev.SessionID, ev.Round, ev.CloseAfter)
	})
}
