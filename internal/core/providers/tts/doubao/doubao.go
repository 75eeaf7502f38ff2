package doubao

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterTTS("doubao", NewProvider)
}

// 双向流式 TTS 协议常量
const (
	fullClientRequest = 0x1
	fullServerResponse = 0x9
	audioOnlyResponse = 0xB
	errorInformation  = 0xF

	flagWithEvent = 0x4

	serialJSON = 0x1

	eventStartSession    = 100
	eventFinishSession   = 102
	eventSessionStarted  = 150
	eventSessionFinished = 152
	eventSessionFailed   = 153
	eventTaskRequest     = 200
	eventSentenceStart   = 350
	eventSentenceEnd     = 351
	eventTTSResponse     = 352

	defaultWSURL = "wss://openspeech.bytedance.com/api/v3/tts/bidirection"
	dialTimeout  = 10 * time.Second
	finishWait   = 15 * time.Second
)

// Provider 豆包双向流式合成：文本增量推上去，16kHz PCM 增量吐回来。
// 一轮回复一个会话，OpenSession 建连，Finish 等服务端收尾。
type Provider struct {
	cfg    *config.TTSConfig
	logger *logging.Logger

	mu    sync.RWMutex
	voice string
}

func NewProvider(cfg *config.TTSConfig, logger *logging.Logger) (providers.TTSProvider, error) {
	if cfg.AppID == "" || cfg.Token == "" {
		return nil, errors.New(errors.KindConfig, "tts.doubao", "缺少 appid 或 token 配置")
	}
	return &Provider{cfg: cfg, logger: logger, voice: cfg.Voice}, nil
}

func (p *Provider) Initialize() error { return nil }
func (p *Provider) Cleanup() error    { return nil }

func (p *Provider) Mode() providers.TTSMode { return providers.TTSModeDualStream }

func (p *Provider) SetVoice(voice string) error {
	if voice == "" {
		return errors.New(errors.KindConfig, "tts.doubao", "音色不能为空")
	}
	p.mu.Lock()
	p.voice = voice
	p.mu.Unlock()
	return nil
}

type session struct {
	provider  *Provider
	conn      *websocket.Conn
	sessionID string
	doneCh    chan struct{}
	errCh     chan error
	closeOnce sync.Once
}

func (p *Provider) OpenSession(ctx context.Context, onAudio func(pcm []byte)) (providers.DualStreamSession, error) {
	url := p.cfg.BaseURL
	if url == "" {
		url = defaultWSURL
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	headers := map[string][]string{
		"X-Api-App-Key":     {p.cfg.AppID},
		"X-Api-Access-Key":  {p.cfg.Token},
		"X-Api-Resource-Id": {"volc.service_type.10029"},
		"X-Api-Connect-Id":  {uuid.NewString()},
	}

	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, "tts.doubao", "连接合成服务失败", err)
	}

	s := &session{
		provider:  p,
		conn:      conn,
		sessionID: uuid.NewString(),
		doneCh:    make(chan struct{}),
		errCh:     make(chan error, 1),
	}

	p.mu.RLock()
	voice := p.voice
	p.mu.RUnlock()

	if err := s.sendEvent(eventStartSession, s.payloadJSON(eventStartSession, "", voice)); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop(onAudio)
	return s, nil
}

// SendText 推送一段待合成文本
func (s *session) SendText(text string) error {
	s.provider.mu.RLock()
	voice := s.provider.voice
	s.provider.mu.RUnlock()
	return s.sendEvent(eventTaskRequest, s.payloadJSON(eventTaskRequest, text, voice))
}

// Finish 通知文本结束并等待剩余音频吐完
func (s *session) Finish() error {
	if err := s.sendEvent(eventFinishSession, []byte("{}")); err != nil {
		return err
	}
	select {
	case <-s.doneCh:
		return nil
	case err := <-s.errCh:
		return errors.Wrap(errors.KindProvider, "tts.session", "合成会话异常", err)
	case <-time.After(finishWait):
		return errors.New(errors.KindTimeout, "tts.session", "等待会话收尾超时")
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
	return nil
}

func (s *session) readLoop(onAudio func(pcm []byte)) {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.errCh <- err:
			default:
			}
			return
		}

		event, payload, err := parseFrame(data)
		if err != nil {
			select {
			case s.errCh <- err:
			default:
			}
			return
		}

		switch event {
		case eventTTSResponse:
			if len(payload) > 0 {
				onAudio(payload)
			}
		case eventSentenceStart, eventSentenceEnd, eventSessionStarted:
			// 会话进度事件，无需处理
		case eventSessionFailed:
			select {
			case s.errCh <- fmt.Errorf("合成会话失败: %s", payload):
			default:
			}
			return
		case eventSessionFinished:
			close(s.doneCh)
			return
		}
	}
}

// sendEvent 组帧：header | event | sessionID | payload
func (s *session) sendEvent(event int32, payload []byte) error {
	header := []byte{(1 << 4) | 1, (fullClientRequest << 4) | flagWithEvent, serialJSON << 4, 0}

	frame := make([]byte, 0, len(header)+12+len(s.sessionID)+len(payload))
	frame = append(frame, header...)
	frame = appendInt32(frame, event)
	frame = appendInt32(frame, int32(len(s.sessionID)))
	frame = append(frame, s.sessionID...)
	frame = appendInt32(frame, int32(len(payload)))
	frame = append(frame, payload...)

	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrap(errors.KindProvider, "tts.doubao", "发送事件失败", err)
	}
	return nil
}

func (s *session) payloadJSON(event int32, text, voice string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"user":      map[string]interface{}{"uid": s.sessionID},
		"event":     event,
		"namespace": "BidirectionalTTS",
		"req_params": map[string]interface{}{
			"text":    text,
			"speaker": voice,
			"audio_params": map[string]interface{}{
				"format":      "pcm",
				"sample_rate": 16000,
			},
		},
	})
	return payload
}

func appendInt32(b []byte, v int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	return append(b, tmp[:]...)
}

// parseFrame 解析服务端帧，返回事件号与 payload
func parseFrame(data []byte) (int32, []byte, error) {
	if len(data) < 8 {
		return 0, nil, errors.New(errors.KindProvider, "tts.doubao", "响应帧太短")
	}
	messageType := data[1] >> 4
	flags := data[1] & 0x0F
	offset := 4

	if messageType == errorInformation {
		code := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		payload, _ := readChunk(data, offset)
		return 0, nil, errors.New(errors.KindProvider, "tts.doubao",
			fmt.Sprintf("服务端错误 Code=%d: %s", code, payload))
	}
	if flags != flagWithEvent {
		return 0, nil, nil
	}

	event := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4

	// 除连接级事件外都带 sessionID
	switch event {
	case eventSessionStarted, eventSessionFailed, eventSessionFinished:
		if _, next := readChunk(data, offset); next > 0 {
			offset = next
		}
		// SessionStarted/Failed/Finished 还带一段 meta JSON
		if _, next := readChunk(data, offset); next > 0 {
			offset = next
		}
		return event, nil, nil
	default:
		if _, next := readChunk(data, offset); next > 0 {
			offset = next
		}
	}

	payload, _ := readChunk(data, offset)
	return event, payload, nil
}

// readChunk 读取 int32 长度前缀的数据段，返回内容与下一偏移；越界返回 -1
func readChunk(data []byte, offset int) ([]byte, int) {
	if offset+4 > len(data) {
		return nil, -1
	}
	size := int(int32(binary.BigEndian.Uint32(data[offset : offset+4])))
	offset += 4
	if size < 0 || offset+size > len(data) {
		return nil, -1
	}
	return data[offset : offset+size], offset + size
}
