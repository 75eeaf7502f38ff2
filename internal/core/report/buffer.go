package report

import (
	"context"
	"encoding/base64"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/logging"
)

const (
	maxAttempts  = 3
	baseBackoff  = 500 * time.Millisecond
	defaultQueue = 64
	defaultFlush = 5 * time.Second
)

// Item 一条待上报的对话记录
type Item struct {
	DeviceID  string
	SessionID string
	Role      string
	Text      string
	Opus      []byte
	Timestamp int64
}

// 上报端点的角色编码
const (
	roleCodeUser      = 1
	roleCodeAssistant = 2
)

type reportContent struct {
	MessageType    string `json:"message_type"`    // text | audio
	MessageContent string `json:"message_content"` // 音频为 base64 编码的 Opus
}

type reportPayload struct {
	AgentID     string          `json:"agent_id"`
	Role        int             `json:"role"` // 1 用户 2 助手
	Content     []reportContent `json:"content"`
	MessageTime int64           `json:"message_time"`
}

// Buffer 连接级上报缓冲。有界队列满时丢最旧的一条并计数，
// 后台协程串行外发，永不阻塞对话流水线。
type Buffer struct {
	cfg    config.ReportConfig
	logger *logging.Logger
	client *resty.Client

	mu      sync.Mutex
	queue   []Item
	notify  chan struct{}
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

func NewBuffer(cfg config.ReportConfig, logger *logging.Logger) *Buffer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueue
	}
	if cfg.FlushWait <= 0 {
		cfg.FlushWait = defaultFlush
	}
	b := &Buffer{
		cfg:    cfg,
		logger: logger,
		client: resty.New().SetTimeout(10 * time.Second).SetAuthToken(cfg.Token),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.drain()
	return b
}

// Put 入队一条记录。队列满时丢弃最旧的一条
func (b *Buffer) Put(item Item) {
	if !b.cfg.Enabled {
		return
	}
	item.Timestamp = time.Now().Unix()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.queue) >= b.cfg.QueueSize {
		b.queue = b.queue[1:]
		b.dropped.Add(1)
	}
	b.queue = append(b.queue, item)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Dropped 因队列满或重试耗尽被丢弃的条数
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Close 停止接收并在 FlushWait 期限内冲刷剩余条目
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	select {
	case <-b.done:
	case <-time.After(b.cfg.FlushWait):
		b.logger.WarnTag("上报", "冲刷超时，剩余条目被丢弃")
	}
}

func (b *Buffer) drain() {
	defer close(b.done)
	for {
		item, ok, closed := b.take()
		if !ok {
			if closed {
				return
			}
			<-b.notify
			continue
		}
		b.send(item)
	}
}

func (b *Buffer) take() (Item, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Item{}, false, b.closed
	}
	item := b.queue[0]
	b.queue = b.queue[1:]
	return item, true, false
}

// send 指数退避加抖动，最多三次，最终失败丢弃并计数
func (b *Buffer) send(item Item) {
	role := roleCodeAssistant
	if item.Role == types.RoleUser {
		role = roleCodeUser
	}
	body := reportPayload{
		AgentID:     item.DeviceID,
		Role:        role,
		Content:     []reportContent{{MessageType: "text", MessageContent: item.Text}},
		MessageTime: item.Timestamp,
	}
	if len(item.Opus) > 0 {
		body.Content = append(body.Content, reportContent{
			MessageType:    "audio",
			MessageContent: base64.StdEncoding.EncodeToString(item.Opus),
		})
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			time.Sleep(backoff + jitter)
		}
		resp, err := b.client.R().
			SetContext(context.Background()).
			SetBody(body).
			Post(b.cfg.URL)
		if err == nil && resp.StatusCode() < 300 {
			return
		}
		if err != nil {
			b.logger.DebugTag("上报", "第 %d 次上报失败: %v", attempt+1, err)
		} else {
			b.logger.DebugTag("上报", "第 %d 次上报失败: HTTP %d", attempt+1, resp.StatusCode())
		}
	}
	b.dropped.Add(1)
	b.logger.WarnTag("上报", "重试耗尽，丢弃一条记录 设备=%s", item.DeviceID)
}
