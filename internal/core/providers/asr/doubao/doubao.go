package doubao

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

// 豆包流式 ASR 二进制协议常量
const (
	clientFullRequest   = 0x1
	clientAudioRequest  = 0x2
	serverFullResponse  = 0x9
	serverErrorResponse = 0xF

	noSequence  = 0x0
	negSequence = 0x2

	noSerialization = 0x0
	jsonFormat      = 0x1
	gzipCompression = 0x1

	defaultWSURL    = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	successCode     = 20000000
	dialTimeout     = 10 * time.Second
	finalizeTimeout = 10 * time.Second
)

func init() {
	providers.RegisterASR("doubao", NewProvider)
}

// Provider 豆包流式语音识别。Feed 把 PCM 帧推上 WebSocket，
// 服务端增量返回识别文本，Transcribe 发送末帧并等待最终结果。
type Provider struct {
	cfg    *config.ASRConfig
	logger *logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	streaming bool
	listener  providers.ASRListener
	result    string
	finalCh   chan string
	errCh     chan error
}

func NewProvider(cfg *config.ASRConfig, logger *logging.Logger) (providers.ASRProvider, error) {
	if cfg.AppID == "" || cfg.AccessToken == "" {
		return nil, errors.New(errors.KindConfig, "asr.doubao", "缺少 appid 或 access_token 配置")
	}
	return &Provider{cfg: cfg, logger: logger}, nil
}

func (p *Provider) Initialize() error { return nil }

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Provider) SetListener(l providers.ASRListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// Feed 送入一帧 PCM。首帧触发建连与初始请求。
func (p *Provider) Feed(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.streaming {
		if err := p.openLocked(); err != nil {
			return err
		}
	}
	if len(pcm) == 0 {
		return nil
	}
	return p.sendAudioLocked(pcm, false)
}

// Transcribe 标记音频结束，阻塞等待最终识别文本
func (p *Provider) Transcribe(ctx context.Context) (string, error) {
	p.mu.Lock()
	if !p.streaming {
		result := p.result
		p.mu.Unlock()
		return result, nil
	}
	if err := p.sendAudioLocked(nil, true); err != nil {
		p.mu.Unlock()
		return "", err
	}
	finalCh, errCh := p.finalCh, p.errCh
	p.mu.Unlock()

	select {
	case text := <-finalCh:
		return text, nil
	case err := <-errCh:
		return "", errors.Wrap(errors.KindProvider, "asr.transcribe", "识别失败", err)
	case <-ctx.Done():
		return "", errors.Wrap(errors.KindTimeout, "asr.transcribe", "识别超时", ctx.Err())
	case <-time.After(finalizeTimeout):
		return "", errors.New(errors.KindTimeout, "asr.transcribe", "等待最终结果超时")
	}
}

func (p *Provider) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	p.result = ""
	return nil
}

func (p *Provider) openLocked() error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	headers := map[string][]string{
		"X-Api-App-Key":     {p.cfg.AppID},
		"X-Api-Access-Key":  {p.cfg.AccessToken},
		"X-Api-Resource-Id": {"volc.bigasr.sauc.duration"},
		"X-Api-Connect-Id":  {fmt.Sprintf("%d", time.Now().UnixNano())},
	}
	url := p.cfg.BaseURL
	if url == "" {
		url = defaultWSURL
	}

	conn, resp, err := dialer.Dial(url, headers)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return errors.New(errors.KindConfig, "asr.doubao", "认证失败，请检查 appid 与 access_token")
		}
		return errors.Wrap(errors.KindProvider, "asr.doubao", "连接识别服务失败", err)
	}
	p.conn = conn

	if err := p.sendInitialRequestLocked(); err != nil {
		p.closeLocked()
		return err
	}

	p.streaming = true
	p.result = ""
	p.finalCh = make(chan string, 1)
	p.errCh = make(chan error, 1)
	go p.readLoop(conn, p.finalCh, p.errCh)

	p.logger.InfoTag("ASR", "流式识别开始")
	return nil
}

func (p *Provider) closeLocked() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.streaming = false
}

func (p *Provider) sendInitialRequestLocked() error {
	endWindow := p.cfg.EndWindowMs
	if endWindow <= 0 {
		endWindow = 400
	}
	request := map[string]interface{}{
		"user": map[string]interface{}{
			"uid": fmt.Sprintf("%d", time.Now().UnixNano()),
		},
		"audio": map[string]interface{}{
			"format":   "pcm",
			"rate":     16000,
			"bits":     16,
			"channel":  1,
			"language": "zh-CN",
		},
		"request": map[string]interface{}{
			"model_name":      "bigmodel",
			"end_window_size": endWindow,
			"enable_punc":     true,
			"enable_itn":      true,
			"result_type":     "single",
		},
	}

	requestBytes, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(errors.KindProvider, "asr.doubao", "构造初始请求失败", err)
	}

	frame := buildFrame(clientFullRequest, noSequence, jsonFormat, gzipCompress(requestBytes))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrap(errors.KindProvider, "asr.doubao", "发送初始请求失败", err)
	}

	_, response, err := p.conn.ReadMessage()
	if err != nil {
		return errors.Wrap(errors.KindProvider, "asr.doubao", "读取初始响应失败", err)
	}
	payload, _, err := parseFrame(response)
	if err != nil {
		return err
	}
	if code, ok := payload["code"].(float64); ok && int(code) != successCode {
		return errors.New(errors.KindProvider, "asr.doubao", fmt.Sprintf("识别服务初始化错误: %v", payload))
	}
	return nil
}

func (p *Provider) sendAudioLocked(pcm []byte, isLast bool) error {
	if p.conn == nil {
		return errors.New(errors.KindProvider, "asr.doubao", "连接不存在")
	}
	flags := uint8(noSequence)
	if isLast {
		flags = negSequence
	}
	frame := buildFrame(clientAudioRequest, flags, noSerialization, gzipCompress(pcm))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrap(errors.KindProvider, "asr.doubao", "发送音频数据失败", err)
	}
	return nil
}

func (p *Provider) readLoop(conn *websocket.Conn, finalCh chan<- string, errCh chan<- error) {
	defer func() {
		p.mu.Lock()
		if p.conn == conn {
			p.closeLocked()
		}
		p.mu.Unlock()
	}()

	for {
		_, response, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}

		payload, isLast, err := parseFrame(response)
		if err != nil {
			errCh <- err
			return
		}
		if payload == nil {
			continue
		}
		if errMsg, ok := payload["error"]; ok {
			errCh <- fmt.Errorf("识别服务错误: %v", errMsg)
			return
		}

		text := ""
		if result, ok := payload["result"].(map[string]interface{}); ok {
			text, _ = result["text"].(string)
		}

		p.mu.Lock()
		p.result = text
		listener := p.listener
		p.mu.Unlock()

		if listener != nil && text != "" {
			listener.OnASRResult(text, isLast)
		}
		if isLast {
			finalCh <- text
			return
		}
	}
}

func buildFrame(messageType, flags, serialization uint8, payload []byte) []byte {
	header := make([]byte, 4)
	header[0] = (1 << 4) | 1 // 协议版本 + 头大小
	header[1] = (messageType << 4) | flags
	header[2] = (serialization << 4) | gzipCompression
	header[3] = 0

	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(payload)))

	frame := append(header, size...)
	return append(frame, payload...)
}

func gzipCompress(data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

// parseFrame 解析服务端帧，返回 JSON payload 与末包标记
func parseFrame(data []byte) (map[string]interface{}, bool, error) {
	if len(data) < 4 {
		return nil, false, errors.New(errors.KindProvider, "asr.doubao", "响应数据太短")
	}
	headerSize := int(data[0]&0x0f) * 4
	messageType := data[1] >> 4
	flags := data[1] & 0x0f
	compression := data[2] & 0x0f

	isLast := flags&0x02 != 0
	payload := data[headerSize:]

	switch messageType {
	case serverFullResponse:
		// Header | Sequence | PayloadSize | Payload
		if len(payload) < 8 {
			return nil, isLast, nil
		}
		payload = payload[8:]
	case serverErrorResponse:
		if len(payload) < 8 {
			return nil, isLast, errors.New(errors.KindProvider, "asr.doubao", "错误帧格式异常")
		}
		code := binary.BigEndian.Uint32(payload[:4])
		return nil, isLast, errors.New(errors.KindProvider, "asr.doubao", fmt.Sprintf("服务端错误: Code=%d", code))
	default:
		return nil, isLast, nil
	}

	if compression == gzipCompression && len(payload) > 0 {
		reader, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, isLast, errors.Wrap(errors.KindProvider, "asr.doubao", "解压响应失败", err)
		}
		defer reader.Close()
		payload, err = io.ReadAll(reader)
		if err != nil {
			return nil, isLast, errors.Wrap(errors.KindProvider, "asr.doubao", "读取解压数据失败", err)
		}
	}
	if len(payload) == 0 {
		return nil, isLast, nil
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, isLast, errors.Wrap(errors.KindProvider, "asr.doubao", "解析响应 JSON 失败", err)
	}
	return msg, isLast, nil
}
