package ws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Connection 对 gorilla 连接的包装，写入串行化并记录活跃时间
type Connection struct {
	id         string
	socket     *websocket.Conn
	mu         sync.Mutex
	closed     atomic.Bool
	lastActive atomic.Int64
}

// NewConnection 创建被追踪的 websocket 连接
func NewConnection(id string, socket *websocket.Conn) *Connection {
	conn := &Connection{
		id:     id,
		socket: socket,
	}
	conn.touch()
	return conn
}

// WriteMessage 向客户端发送消息
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("连接 %s 已关闭", c.id)
	}

	if err := c.socket.WriteMessage(messageType, data); err != nil {
		return err
	}

	c.touch()
	return nil
}

// ReadMessage 从客户端读取消息。stop 通道不参与读取本身，
// 关闭底层连接即可令阻塞中的读取返回。
func (c *Connection) ReadMessage(stop <-chan struct{}) (int, []byte, error) {
	messageType, payload, err := c.socket.ReadMessage()
	if err == nil {
		c.touch()
	}
	return messageType, payload, err
}

// CloseWithCode 先发关闭帧再断开，用于鉴权失败等需要告知原因的场景
func (c *Connection) CloseWithCode(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.mu.Lock()
	if !c.closed.Load() {
		_ = c.socket.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	c.mu.Unlock()
	return c.Close()
}

// Close 断开底层连接
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.socket.Close()
}

// GetID 连接标识
func (c *Connection) GetID() string {
	return c.id
}

// IsClosed 连接是否已经关闭
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// GetLastActiveTime 客户端最近一次活动时间
func (c *Connection) GetLastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// IsStale 判断连接空闲是否超过 timeout
func (c *Connection) IsStale(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return time.Since(c.GetLastActiveTime()) > timeout
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}
