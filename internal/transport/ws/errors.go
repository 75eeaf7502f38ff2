package ws

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout 握手超出配置时限
	ErrHandshakeTimeout = errors.New("websocket 握手超时")
	// ErrSessionShutdown 服务端主动要求会话退出
	ErrSessionShutdown = errors.New("websocket 会话关闭")
)

// 设备配置中心不可用时拒绝接入的关闭码
const CloseCodeConfigUnavailable = 4503

// CloseError 带 WebSocket 关闭码的拒绝接入错误。处理器构建
// 返回它时，路由按指定码关闭连接而不是直接断开。
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket 关闭 %d: %s", e.Code, e.Reason)
}
