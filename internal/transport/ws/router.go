package ws

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"echolink-server/internal/platform/auth"
	"echolink-server/internal/platform/eventbus"
	"echolink-server/internal/platform/logging"
)

// HandlerBuilder 在升级成功后为连接构建业务处理器
type HandlerBuilder func(conn *Connection, req *http.Request) (SessionHandler, error)

// Router 负责把 HTTP 连接升级为 websocket 会话
type Router struct {
	hub    *Hub
	auth   *auth.Authenticator
	logger *logging.Logger

	upgrader         *websocket.Upgrader
	handshakeTimeout time.Duration
	builder          atomic.Value // HandlerBuilder
}

// RouterOptions 路由配置
type RouterOptions struct {
	HandshakeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
}

// NewRouter 构建 websocket 路由，authenticator 为空表示不做鉴权
func NewRouter(hub *Hub, authenticator *auth.Authenticator, logger *logging.Logger, opts RouterOptions) *Router {
	upgrader := &websocket.Upgrader{
		CheckOrigin: opts.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Router{
		hub:              hub,
		auth:             authenticator,
		logger:           logger,
		upgrader:         upgrader,
		handshakeTimeout: timeout,
	}
}

// SetHandlerBuilder 注册升级成功后的处理器构建回调
func (r *Router) SetHandlerBuilder(builder HandlerBuilder) {
	r.builder.Store(builder)
}

// Handle 升级 HTTP 连接并启动新会话
func (r *Router) Handle(w http.ResponseWriter, req *http.Request) {
	value := r.builder.Load()
	if value == nil {
		http.Error(w, "websocket handler not ready", http.StatusServiceUnavailable)
		return
	}
	builder := value.(HandlerBuilder)

	handshakeCtx, cancel := context.WithTimeoutCause(req.Context(), r.handshakeTimeout, ErrHandshakeTimeout)
	defer cancel()
	req = req.WithContext(handshakeCtx)

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.ErrorTag("连接", "握手失败: %v", err)
		return
	}

	deviceID, clientID := resolveIdentifiers(req, conn)
	wsConn := NewConnection(clientID, conn)

	if r.auth != nil && r.auth.Enabled() {
		if err := r.auth.Verify(handshakeCtx, deviceID, req.Header.Get("Authorization")); err != nil {
			r.logger.WarnTag("连接", "设备鉴权失败 device=%s: %v", deviceID, err)
			_ = wsConn.CloseWithCode(auth.CloseCodeAuthFailure, "auth failed")
			return
		}
	}
	r.logger.InfoTag("连接", "建立连接 device=%s client=%s", deviceID, clientID)

	handler, err := builder(wsConn, req)
	if err != nil || handler == nil {
		r.logger.ErrorTag("连接", "创建连接处理器失败: %v", err)
		var closeErr *CloseError
		if stderrors.As(err, &closeErr) {
			_ = wsConn.CloseWithCode(closeErr.Code, closeErr.Reason)
		} else {
			_ = wsConn.Close()
		}
		return
	}

	session := NewSession(context.Background(), handler, wsConn, r.logger)
	r.hub.Register(session)
	eventbus.PublishAsync(eventbus.EventConnectionOpened, eventbus.ConnectionEvent{
		SessionID: session.ID(),
		DeviceID:  deviceID,
	})

	go session.Run(func(runErr error) {
		r.hub.Unregister(session.ID())
		if runErr != nil {
			r.logger.WarnTag("连接", "会话 %s 异常结束: %v", session.ID(), runErr)
		}
		eventbus.PublishAsync(eventbus.EventConnectionClosed, eventbus.ConnectionEvent{
			SessionID: session.ID(),
			DeviceID:  deviceID,
		})
	})
}

func resolveIdentifiers(req *http.Request, conn *websocket.Conn) (string, string) {
	deviceID := req.Header.Get("Device-Id")
	clientID := req.Header.Get("Client-Id")

	if deviceID == "" {
		deviceID = req.URL.Query().Get("device-id")
	}
	if clientID == "" {
		clientID = req.URL.Query().Get("client-id")
	}
	if clientID == "" {
		clientID = fmt.Sprintf("%p", conn)
	}
	return deviceID, clientID
}
