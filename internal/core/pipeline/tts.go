package pipeline

import (
	"context"
	"sync"
	"time"

	"echolink-server/internal/core/fragment"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

// OpusEncoder 下行编码器，生产实现是 audio.Encoder
type OpusEncoder interface {
	Write(pcm []byte) ([][]byte, error)
	Flush() ([][]byte, error)
	Reset()
}

// TTSSession 把句子片段变成帧序列。三种合成模式统一成
// 标记帧加数据帧的输出：每句先推边界标记，后跟 Opus 帧，
// 整轮以 LAST 标记收尾。编码器每轮 Reset，轮间不共享状态。
type TTSSession struct {
	provider   providers.TTSProvider
	encoder    OpusEncoder
	queue      *SendQueue
	logger     *logging.Logger
	firstAudio time.Duration

	encMu sync.Mutex
}

func NewTTSSession(provider providers.TTSProvider, encoder OpusEncoder, queue *SendQueue, firstAudio time.Duration, logger *logging.Logger) *TTSSession {
	if firstAudio <= 0 {
		firstAudio = 8 * time.Second
	}
	return &TTSSession{
		provider:   provider,
		encoder:    encoder,
		queue:      queue,
		logger:     logger,
		firstAudio: firstAudio,
	}
}

// Run 消费一轮的句子片段直到 LAST。取消时立即放弃剩余片段；
// 单句合成失败推一个 error 标记后继续，不拖垮整轮。
func (s *TTSSession) Run(ctx context.Context, round int, chunks <-chan fragment.Chunk) error {
	s.encMu.Lock()
	s.encoder.Reset()
	s.encMu.Unlock()

	switch s.provider.Mode() {
	case providers.TTSModeDualStream:
		return s.runDualStream(ctx, round, chunks)
	default:
		return s.runPerSentence(ctx, round, chunks)
	}
}

func (s *TTSSession) runPerSentence(ctx context.Context, round int, chunks <-chan fragment.Chunk) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.Type == types.SentenceLast {
				return s.pushMarker(ctx, round, chunk)
			}
			if err := s.pushMarker(ctx, round, chunk); err != nil {
				return err
			}

			synthCtx := ctx
			if first {
				var cancel context.CancelFunc
				synthCtx, cancel = context.WithTimeout(ctx, s.firstAudio)
				err := s.synthesize(synthCtx, round, chunk)
				cancel()
				first = false
				if err != nil {
					s.skipChunk(ctx, round, chunk, err)
				}
				continue
			}
			if err := s.synthesize(synthCtx, round, chunk); err != nil {
				s.skipChunk(ctx, round, chunk, err)
			}
		}
	}
}

// synthesize 合成一句并推送全部帧，句尾冲刷编码器补齐残帧
func (s *TTSSession) synthesize(ctx context.Context, round int, chunk fragment.Chunk) error {
	switch p := s.provider.(type) {
	case providers.StreamTTS:
		err := p.SynthesizeStream(ctx, chunk.Text, func(pcm []byte) error {
			return s.encodeAndPush(ctx, round, chunk, pcm)
		})
		if err != nil {
			return err
		}
	case providers.NonStreamTTS:
		pcm, err := p.Synthesize(ctx, chunk.Text)
		if err != nil {
			return err
		}
		if err := s.encodeAndPush(ctx, round, chunk, pcm); err != nil {
			return err
		}
	default:
		return errors.New(errors.KindProvider, "tts.session", "TTS 提供者未实现任何合成接口")
	}
	return s.flushAndPush(ctx, round, chunk)
}

func (s *TTSSession) runDualStream(ctx context.Context, round int, chunks <-chan fragment.Chunk) error {
	dual, ok := s.provider.(providers.DualStreamTTS)
	if !ok {
		return errors.New(errors.KindProvider, "tts.session", "TTS 提供者未实现双向流接口")
	}

	openCtx, cancel := context.WithTimeout(ctx, s.firstAudio)
	sess, err := dual.OpenSession(openCtx, func(pcm []byte) {
		frame := fragment.Chunk{Type: types.SentenceMiddle}
		if err := s.encodeAndPush(ctx, round, frame, pcm); err != nil {
			s.logger.WarnTag("TTS", "推送双向流音频失败: %v", err)
		}
	})
	cancel()
	if err != nil {
		// 会话都建不起来，只能整轮跳过，但边界标记照常下发
		s.logger.ErrorTag("TTS", "建立合成会话失败: %v", err)
		return s.drainMarkersOnly(ctx, round, chunks)
	}
	defer sess.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.Type == types.SentenceLast {
				if err := sess.Finish(); err != nil {
					s.logger.WarnTag("TTS", "合成会话收尾失败: %v", err)
				}
				if err := s.flushAndPush(ctx, round, chunk); err != nil {
					return err
				}
				return s.pushMarker(ctx, round, chunk)
			}
			if err := s.pushMarker(ctx, round, chunk); err != nil {
				return err
			}
			if err := sess.SendText(chunk.Text); err != nil {
				s.skipChunk(ctx, round, chunk, err)
			}
		}
	}
}

// drainMarkersOnly 合成不可用时仍保证客户端收到完整的边界序列
func (s *TTSSession) drainMarkersOnly(ctx context.Context, round int, chunks <-chan fragment.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.Type == types.SentenceLast {
				return s.pushMarker(ctx, round, chunk)
			}
			s.skipChunk(ctx, round, chunk, nil)
		}
	}
}

// PlayPCM 直接下发一段本地 PCM（音乐、故事等文件播放）
func (s *TTSSession) PlayPCM(ctx context.Context, round int, pcm []byte) error {
	s.encMu.Lock()
	s.encoder.Reset()
	s.encMu.Unlock()

	chunk := fragment.Chunk{Type: types.SentenceMiddle}
	if err := s.encodeAndPush(ctx, round, chunk, pcm); err != nil {
		return err
	}
	return s.flushAndPush(ctx, round, chunk)
}

func (s *TTSSession) pushMarker(ctx context.Context, round int, chunk fragment.Chunk) error {
	return s.queue.Push(ctx, types.AudioFrame{
		Round: round,
		Seq:   chunk.Seq,
		Type:  chunk.Type,
		Text:  chunk.Text,
		Tag:   string(chunk.Tag),
	})
}

func (s *TTSSession) skipChunk(ctx context.Context, round int, chunk fragment.Chunk, cause error) {
	if cause != nil {
		s.logger.WarnTag("TTS", "句子合成失败，跳过: %v", cause)
	}
	_ = s.queue.Push(ctx, types.AudioFrame{
		Round: round,
		Seq:   chunk.Seq,
		Type:  types.SentenceMiddle,
		Tag:   "error",
	})
}

func (s *TTSSession) encodeAndPush(ctx context.Context, round int, chunk fragment.Chunk, pcm []byte) error {
	s.encMu.Lock()
	frames, err := s.encoder.Write(pcm)
	s.encMu.Unlock()
	if err != nil {
		return err
	}
	return s.pushFrames(ctx, round, chunk, frames)
}

func (s *TTSSession) flushAndPush(ctx context.Context, round int, chunk fragment.Chunk) error {
	s.encMu.Lock()
	frames, err := s.encoder.Flush()
	s.encMu.Unlock()
	if err != nil {
		return err
	}
	return s.pushFrames(ctx, round, chunk, frames)
}

func (s *TTSSession) pushFrames(ctx context.Context, round int, chunk fragment.Chunk, frames [][]byte) error {
	for _, f := range frames {
		err := s.queue.Push(ctx, types.AudioFrame{
			Opus:  f,
			Round: round,
			Seq:   chunk.Seq,
			Type:  types.SentenceMiddle,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
