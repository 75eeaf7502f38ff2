package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/logging"
)

// SendQueue 下行音频队列。单消费协程保证帧序，有界容量是
// 合成侧的背压信号：队列满时 Push 阻塞，合成自然降速。
// 轮取消通过抬高最小轮次实现，旧轮的帧在出入队两侧都被丢弃。
type SendQueue struct {
	ch       chan types.AudioFrame
	send     func(types.AudioFrame) error
	logger   *logging.Logger
	paced    bool
	frameDur time.Duration

	minRound  atomic.Int64
	pending   atomic.Int64
	idle      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	deliveredMu    sync.Mutex
	deliveredRound int
	deliveredSeq   int
}

func NewSendQueue(size int, paced bool, frameDur time.Duration, send func(types.AudioFrame) error, logger *logging.Logger) *SendQueue {
	if size <= 0 {
		size = 256
	}
	q := &SendQueue{
		ch:           make(chan types.AudioFrame, size),
		send:         send,
		logger:       logger,
		paced:        paced,
		frameDur:     frameDur,
		idle:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		deliveredSeq: -1,
	}
	go q.run()
	return q
}

// Push 入队一帧，队列满时阻塞直到有空位或 ctx 取消
func (q *SendQueue) Push(ctx context.Context, frame types.AudioFrame) error {
	if int64(frame.Round) < q.minRound.Load() {
		return nil
	}
	q.pending.Add(1)
	select {
	case q.ch <- frame:
		return nil
	case <-ctx.Done():
		q.finishOne()
		return ctx.Err()
	case <-q.done:
		q.finishOne()
		return nil
	}
}

// CancelRoundsBelow 丢弃小于 round 的全部帧，打断时调用
func (q *SendQueue) CancelRoundsBelow(round int) {
	q.minRound.Store(int64(round))
}

// Drain 阻塞到已入队的帧全部交付或被丢弃。轮收尾时调用，保证
// "本轮结束"意味着尾部音频已经交给连接层而不是还躺在队列里。
func (q *SendQueue) Drain(ctx context.Context) error {
	for {
		if q.pending.Load() == 0 {
			return nil
		}
		select {
		case <-q.idle:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		}
	}
}

// DeliveredSeq 某轮已成功下发音频的最大句序号，该轮没有音频
// 出过队列时返回 -1。打断后据此裁剪落账的助手文本前缀。
func (q *SendQueue) DeliveredSeq(round int) int {
	q.deliveredMu.Lock()
	defer q.deliveredMu.Unlock()
	if round != q.deliveredRound {
		return -1
	}
	return q.deliveredSeq
}

// Close 停止消费协程。通道里未发送的帧被丢弃。
func (q *SendQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *SendQueue) finishOne() {
	if q.pending.Add(-1) > 0 {
		return
	}
	select {
	case q.idle <- struct{}{}:
	default:
	}
}

func (q *SendQueue) noteDelivered(round, seq int) {
	q.deliveredMu.Lock()
	defer q.deliveredMu.Unlock()
	if round > q.deliveredRound {
		q.deliveredRound = round
		q.deliveredSeq = seq
		return
	}
	if round == q.deliveredRound && seq > q.deliveredSeq {
		q.deliveredSeq = seq
	}
}

func (q *SendQueue) run() {
	var next time.Time
	for {
		select {
		case <-q.done:
			return
		case frame := <-q.ch:
			if int64(frame.Round) < q.minRound.Load() {
				q.finishOne()
				continue
			}
			if err := q.send(frame); err != nil {
				q.logger.WarnTag("连接", "发送音频帧失败: %v", err)
				q.finishOne()
				continue
			}
			// 只有真正带音频的帧才算"说出去了"，边界标记不计
			if len(frame.Opus) > 0 {
				q.noteDelivered(frame.Round, frame.Seq)
			}
			q.finishOne()
			if !q.paced || len(frame.Opus) == 0 {
				continue
			}
			// 按帧时长匀速下发，基准随队列空档重置避免积压追帧
			now := time.Now()
			if next.Before(now) {
				next = now
			}
			next = next.Add(q.frameDur)
			if d := time.Until(next); d > 0 {
				select {
				case <-time.After(d):
				case <-q.done:
					return
				}
			}
		}
	}
}
