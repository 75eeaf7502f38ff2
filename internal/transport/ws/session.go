package ws

import (
	"context"
	"sync/atomic"
	"time"

	"echolink-server/internal/platform/logging"
)

const defaultCloseTimeout = 5 * time.Second

// SessionHandler 单条连接的业务处理器
type SessionHandler interface {
	Handle()
	Close()
	GetSessionID() string
}

// Session 管理单条 websocket 连接的生命周期
type Session struct {
	id      string
	handler SessionHandler
	conn    *Connection
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	closed atomic.Bool
}

// NewSession 构建受管会话
func NewSession(parent context.Context, handler SessionHandler, conn *Connection, logger *logging.Logger) *Session {
	sessionCtx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:      handler.GetSessionID(),
		handler: handler,
		conn:    conn,
		logger:  logger,
		ctx:     sessionCtx,
		cancel:  cancel,
	}
}

// Context 会话上下文
func (s *Session) Context() context.Context {
	return s.ctx
}

// ID 会话标识
func (s *Session) ID() string {
	return s.id
}

// Run 执行业务处理器，退出时回调 onDone
func (s *Session) Run(onDone func(error)) {
	var runErr error
	defer func() {
		s.Close(runErr)
		if onDone != nil {
			onDone(runErr)
		}
	}()

	s.handler.Handle()
}

// Close 尝试优雅终止会话
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}

	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	if s.cancel != nil {
		s.cancel(reason)
	}

	shutdownCtx, cancel := context.WithTimeoutCause(context.Background(), defaultCloseTimeout, reason)
	defer cancel()

	if s.handler != nil {
		done := make(chan struct{})
		go func() {
			s.handler.Close()
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			s.logger.WarnTag("连接", "会话 %s 处理器关闭超时: %v", s.id, context.Cause(shutdownCtx))
		}
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.WarnTag("连接", "会话 %s 连接关闭失败: %v", s.id, err)
		}
	}
}
