package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"echolink-server/internal/core/audio"
	"echolink-server/internal/core/chat"
	"echolink-server/internal/core/function"
	"echolink-server/internal/core/intent"
	"echolink-server/internal/core/listen"
	"echolink-server/internal/core/memory"
	"echolink-server/internal/core/pipeline"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/quota"
	"echolink-server/internal/core/report"
	"echolink-server/internal/core/types"
	"echolink-server/internal/core/utils"
	"echolink-server/internal/core/vad"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/eventbus"
	"echolink-server/internal/platform/logging"
)

// 与 gorilla/websocket 的消息类型常量一致
const (
	TextMessage   = 1
	BinaryMessage = 2
)

// Conn 传输层连接的最小界面，生产实现是 transport/ws.Connection
type Conn interface {
	ReadMessage(stop <-chan struct{}) (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// OpusDecoder 上行解码器，生产实现是 audio.Decoder
type OpusDecoder interface {
	Decode(data []byte) ([]byte, error)
}

// ProviderSet 一条连接绑定的提供者实例
type ProviderSet struct {
	ASR    providers.ASRProvider
	LLM    providers.LLMProvider
	TTS    providers.TTSProvider
	VAD    providers.VADProvider
	Memory providers.MemoryProvider
	Intent providers.IntentProvider
}

// Options 装配一条连接所需的全部依赖
type Options struct {
	Config    *config.Config
	Logger    *logging.Logger
	Conn      Conn
	DeviceID  string
	ClientID  string
	Providers ProviderSet

	Registry   *function.Registry
	Dispatcher *function.Dispatcher
	Quota      *quota.Tracker

	// OnServerAction 处理 server 控制消息（reload 等），由引导层注入
	OnServerAction func(action string) error

	// 测试替身注入点，为空时使用 Opus 实现
	DecoderFactory func(sampleRate, channels int) (OpusDecoder, error)
	EncoderFactory func(sampleRate, channels, frameMs int) (pipeline.OpusEncoder, error)
}

// Handler 一条 WebSocket 连接的全部会话逻辑：握手协商、消息路由、
// VAD 推帧、轮次提交与打断、下行帧编址。实现 transport 层的
// SessionHandler 与 pipeline.Events。
type Handler struct {
	opts      Options
	cfg       *config.Config
	logger    *logging.Logger
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	queue   *pipeline.SendQueue
	coord   *pipeline.Coordinator
	machine *listen.Machine
	engine  *vad.Engine
	rep     *report.Buffer

	mu        sync.Mutex
	decoder   OpusDecoder
	helloDone bool
	capture   []byte // manual 模式的录音缓冲

	lastActive   atomic.Int64
	silenceCount atomic.Int32
	closeRound   atomic.Int64 // 该轮 LAST 发出后关闭连接，0 表示无
	sentRound    atomic.Int64 // 已发出 LAST 的最大轮次
	closed       atomic.Bool
	closeOnce    sync.Once
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Conn == nil {
		return nil, errors.New(errors.KindProtocol, "connection.new", "缺少底层连接")
	}
	cfg := opts.Config
	logger := opts.Logger
	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		opts:      opts,
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.touch()
	h.closeRound.Store(-1)

	frameDur := time.Duration(cfg.Audio.FrameDuration) * time.Millisecond
	h.queue = pipeline.NewSendQueue(cfg.Audio.SendQueueSize, cfg.Audio.PacedSend, frameDur, h.sendFrame, logger)

	encFactory := opts.EncoderFactory
	if encFactory == nil {
		encFactory = func(sampleRate, channels, frameMs int) (pipeline.OpusEncoder, error) {
			return audio.NewEncoder(sampleRate, channels, frameMs)
		}
	}
	encoder, err := encFactory(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.FrameDuration)
	if err != nil {
		cancel()
		h.queue.Close()
		return nil, err
	}

	session := pipeline.NewTTSSession(opts.Providers.TTS, encoder, h.queue, cfg.Pipeline.TTSFirstAudio, logger)
	dialogue := chat.NewDialogueManager(logger)
	dialogue.SetSystemMessage(cfg.System.DefaultPrompt)

	h.machine = listen.NewMachine(cfg.System.WakeWords, logger)
	h.engine = vad.NewEngine(opts.Providers.VAD, cfg.VAD, cfg.Audio.FrameDuration, logger)
	h.engine.SetEndpointHint(vad.PunctuationEndpoint{})
	if opts.Providers.ASR != nil {
		// 流式识别的中间结果喂给语义端点提示
		opts.Providers.ASR.SetListener(h)
	}
	h.rep = report.NewBuffer(cfg.Report, logger)

	h.coord = pipeline.NewCoordinator(pipeline.Deps{
		Config:     cfg,
		Logger:     logger,
		LLM:        opts.Providers.LLM,
		ASR:        opts.Providers.ASR,
		TTS:        session,
		Queue:      h.queue,
		Dialogue:   dialogue,
		Registry:   opts.Registry,
		Dispatcher: opts.Dispatcher,
		Filter:     intent.NewFilter(cfg.System, opts.Providers.Intent, logger),
		Memory:     memory.NewAdapter(opts.Providers.Memory, logger),
		Report:     h.rep,
		Quota:      opts.Quota,
		Events:     h,
		DeviceID:   opts.DeviceID,
		SessionID:  h.sessionID,
		BaseCtx:    ctx,
	})
	return h, nil
}

func (h *Handler) GetSessionID() string { return h.sessionID }

// Handle 连接主循环，读消息并路由，直到对端断开或主动关闭
func (h *Handler) Handle() {
	go h.watchIdle()

	for {
		messageType, payload, err := h.opts.Conn.ReadMessage(h.ctx.Done())
		if err != nil {
			if !h.closed.Load() {
				h.logger.InfoTag("连接", "会话 %s 读取结束: %v", h.sessionID, err)
			}
			return
		}
		h.touch()

		switch messageType {
		case TextMessage:
			if err := h.handleText(payload); err != nil {
				h.logger.WarnTag("连接", "处理文本消息失败: %v", err)
			}
		case BinaryMessage:
			h.handleAudio(payload)
		}
	}
}

// Close 会话收尾：取消在跑的轮、冲刷上报、关闭底层连接
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.cancel()
		h.coord.Abort()
		h.coord.Wait()
		h.queue.Close()
		h.rep.Close()
		_ = h.opts.Conn.Close()
		h.logger.InfoTag("连接", "会话 %s 已关闭", h.sessionID)
	})
}

// ---- 入站消息 ----

type clientMessage struct {
	Type        string          `json:"type"`
	State       string          `json:"state,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Text        string          `json:"text,omitempty"`
	Action      string          `json:"action,omitempty"`
	Version     int             `json:"version,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AudioParams *audioParams    `json:"audio_params,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`
	Attachments []attachmentRef `json:"attachments,omitempty"`
	Descriptors []any           `json:"descriptors,omitempty"`
	States      []any           `json:"states,omitempty"`
}

// attachmentRef 文本轮携带的附件引用，只传 URL 不内联数据
type attachmentRef struct {
	Type string `json:"type"` // image | file
	URL  string `json:"url"`
}

type audioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

func (h *Handler) handleText(payload []byte) error {
	var msg clientMessage
	if err := sonic.Unmarshal(payload, &msg); err != nil {
		return errors.Wrap(errors.KindProtocol, "connection.route", "消息不是合法 JSON", err)
	}

	switch msg.Type {
	case "hello":
		return h.handleHello(&msg)
	case "listen":
		return h.handleListen(&msg)
	case "abort":
		h.abortTurn()
		return nil
	case "iot":
		h.logger.InfoTag("连接", "收到设备状态 descriptors=%d states=%d", len(msg.Descriptors), len(msg.States))
		return nil
	case "mcp":
		h.logger.DebugTag("连接", "收到客户端 MCP 消息，当前版本忽略")
		return nil
	case "server":
		return h.handleServer(&msg)
	default:
		return errors.New(errors.KindProtocol, "connection.route", "未知的消息类型: "+msg.Type)
	}
}

func (h *Handler) handleHello(msg *clientMessage) error {
	params := audioParams{
		Format:        "opus",
		SampleRate:    h.cfg.Audio.SampleRate,
		Channels:      h.cfg.Audio.Channels,
		FrameDuration: h.cfg.Audio.FrameDuration,
	}
	if msg.AudioParams != nil {
		if msg.AudioParams.SampleRate > 0 {
			params.SampleRate = msg.AudioParams.SampleRate
		}
		if msg.AudioParams.Channels > 0 {
			params.Channels = msg.AudioParams.Channels
		}
		if msg.AudioParams.FrameDuration > 0 {
			params.FrameDuration = msg.AudioParams.FrameDuration
		}
	}
	h.logger.InfoTag("连接", "hello 协商 %s/%d/%d/%dms mcp=%v",
		params.Format, params.SampleRate, params.Channels, params.FrameDuration, msg.Features["mcp"])

	factory := h.opts.DecoderFactory
	if factory == nil {
		factory = func(sampleRate, channels int) (OpusDecoder, error) {
			return audio.NewDecoder(sampleRate, channels)
		}
	}
	decoder, err := factory(params.SampleRate, params.Channels)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.decoder = decoder
	h.helloDone = true
	h.mu.Unlock()

	return h.sendJSON(map[string]any{
		"type":       "hello",
		"transport":  "websocket",
		"session_id": h.sessionID,
		"audio_params": map[string]any{
			"format":         "opus",
			"sample_rate":    h.cfg.Audio.SampleRate,
			"channels":       h.cfg.Audio.Channels,
			"frame_duration": h.cfg.Audio.FrameDuration,
		},
	})
}

func (h *Handler) handleListen(msg *clientMessage) error {
	switch msg.State {
	case "start":
		if h.machine.State() == listen.StateSpeaking {
			// 按下说话键等同打断
			h.abortTurn()
		}
		h.mu.Lock()
		h.capture = h.capture[:0]
		h.mu.Unlock()
		h.engine.Reset()
		h.machine.Start(listen.Mode(msg.Mode))
		return nil
	case "stop":
		if !h.machine.Stop() {
			return nil
		}
		segment := h.engine.Segment()
		if h.machine.Mode() == listen.ModeManual {
			h.mu.Lock()
			segment = append([]byte(nil), h.capture...)
			h.capture = h.capture[:0]
			h.mu.Unlock()
		}
		h.engine.Reset()
		h.commitAudio(segment)
		return nil
	case "detect":
		if msg.Text == "" {
			return errors.New(errors.KindProtocol, "connection.listen", "detect 消息缺少 text")
		}
		if !h.machine.Detect() {
			h.logger.WarnTag("连接", "当前状态无法处理文本轮，丢弃: %s", msg.Text)
			return nil
		}
		if _, err := h.coord.CommitTextWithParts(msg.Text, attachmentParts(msg.Text, msg.Attachments)); err != nil {
			h.machine.Abort()
			return err
		}
		h.machine.Commit()
		return nil
	default:
		return errors.New(errors.KindProtocol, "connection.listen", "listen 消息缺少 state")
	}
}

func (h *Handler) handleServer(msg *clientMessage) error {
	if h.opts.OnServerAction == nil {
		return nil
	}
	if err := h.opts.OnServerAction(msg.Action); err != nil {
		h.logger.WarnTag("连接", "server 指令 %s 执行失败: %v", msg.Action, err)
		return h.sendJSON(map[string]any{"type": "server", "action": msg.Action, "status": "error"})
	}
	return h.sendJSON(map[string]any{"type": "server", "action": msg.Action, "status": "ok"})
}

func (h *Handler) handleAudio(payload []byte) {
	h.mu.Lock()
	decoder := h.decoder
	ready := h.helloDone
	h.mu.Unlock()
	if !ready || decoder == nil {
		return
	}

	pcm, err := decoder.Decode(payload)
	if err != nil {
		// 单帧解码失败只跳过，不断连接
		h.logger.WarnTag("连接", "解码上行音频失败: %v", err)
		return
	}
	if len(pcm) == 0 {
		return
	}

	if h.machine.Mode() == listen.ModeManual {
		if h.machine.State() == listen.StateListening {
			h.mu.Lock()
			h.capture = append(h.capture, pcm...)
			h.mu.Unlock()
		}
		return
	}

	event, err := h.engine.Process(pcm)
	if err != nil {
		h.logger.WarnTag("VAD", "推理失败: %v", err)
		return
	}
	switch event {
	case vad.EventSpeechStart:
		_, bargeIn := h.machine.OnSpeechStart()
		if bargeIn {
			h.abortTurn()
			h.machine.OnSpeechStart()
		}
	case vad.EventSpeechEnd:
		if h.machine.OnSpeechEnd() {
			segment := h.engine.Segment()
			h.engine.Reset()
			h.commitAudio(segment)
		}
	}
}

func (h *Handler) commitAudio(segment []byte) {
	if len(segment) == 0 {
		h.machine.Abort()
		return
	}
	if _, err := h.coord.CommitAudio(segment); err != nil {
		h.logger.WarnTag("连接", "提交语音轮失败: %v", err)
		h.machine.Abort()
		return
	}
	h.machine.Commit()
}

// attachmentParts 把附件引用转成多模态片段，正文文本放在首段。
// 没有附件时返回 nil，消息保持纯文本形态。
func attachmentParts(text string, atts []attachmentRef) []types.ContentPart {
	if len(atts) == 0 {
		return nil
	}
	parts := make([]types.ContentPart, 0, len(atts)+1)
	parts = append(parts, types.ContentPart{Type: "text", Text: text})
	for _, att := range atts {
		switch att.Type {
		case "image":
			parts = append(parts, types.ContentPart{Type: "image_url", URL: att.URL})
		case "file":
			parts = append(parts, types.ContentPart{Type: "file_url", URL: att.URL})
		}
	}
	return parts
}

// OnASRResult 流式识别回调，中间结果喂给 VAD 的语义端点提示
func (h *Handler) OnASRResult(text string, isFinal bool) {
	if !isFinal {
		h.engine.NotePartial(text)
	}
}

// abortTurn 打断当前轮：取消流水线、截断发送队列、状态机归位
func (h *Handler) abortTurn() {
	h.coord.Abort()
	h.machine.Abort()
	_ = h.sendJSON(map[string]any{"type": "tts", "state": "stop", "session_id": h.sessionID})
}

// ---- 流水线回调（pipeline.Events）----

func (h *Handler) OnTranscript(round int, text string) {
	if text == "" {
		count := h.silenceCount.Add(1)
		if int(count) >= h.cfg.Pipeline.MaxSilenceCount {
			h.logger.InfoTag("连接", "连续 %d 轮无有效语音，结束会话", count)
			h.shutdown()
		}
		return
	}
	h.silenceCount.Store(0)
	eventbus.PublishAsync(eventbus.EventTranscript, eventbus.TranscriptEvent{
		SessionID: h.sessionID,
		Round:     round,
		Text:      text,
	})
	_ = h.sendJSON(map[string]any{"type": "stt", "text": text, "session_id": h.sessionID})
}

func (h *Handler) OnEmotion(emotion string) {
	_ = h.sendJSON(map[string]any{
		"type":       "llm",
		"text":       utils.GetEmotionEmoji(emotion),
		"emotion":    emotion,
		"session_id": h.sessionID,
	})
}

func (h *Handler) OnDeviceCommand(cmd map[string]any) {
	_ = h.sendJSON(map[string]any{"type": "iot", "commands": []any{cmd}, "session_id": h.sessionID})
}

func (h *Handler) OnTurnComplete(round int, closeAfter bool) {
	h.machine.OnTTSDrained()
	eventbus.PublishAsync(eventbus.EventTurnCompleted, eventbus.TurnEvent{
		SessionID:  h.sessionID,
		Round:      round,
		CloseAfter: closeAfter,
	})
	if !closeAfter {
		return
	}
	// 先落关闭意图再查 LAST 是否已发，和 sendFrame 侧的顺序相反，
	// 保证两边交错时至少有一方触发收尾
	h.closeRound.Store(int64(round))
	if h.sentRound.Load() >= int64(round) {
		h.shutdown()
	}
}

// ---- 下行 ----

// sendFrame 发送队列的消费回调：空载荷是句边界标记，转成 tts 控制
// 消息；有载荷的是音频帧，走二进制通道
func (h *Handler) sendFrame(frame types.AudioFrame) error {
	if len(frame.Opus) > 0 {
		return h.opts.Conn.WriteMessage(BinaryMessage, frame.Opus)
	}

	switch frame.Type {
	case types.SentenceFirst:
		if err := h.sendJSON(map[string]any{"type": "tts", "state": "start", "session_id": h.sessionID}); err != nil {
			return err
		}
		return h.sendJSON(map[string]any{
			"type": "tts", "state": "sentence_start",
			"text": frame.Text, "session_id": h.sessionID,
		})
	case types.SentenceMiddle:
		if frame.Tag == "error" || frame.Text == "" {
			return nil
		}
		return h.sendJSON(map[string]any{
			"type": "tts", "state": "sentence_start",
			"text": frame.Text, "session_id": h.sessionID,
		})
	case types.SentenceLast:
		err := h.sendJSON(map[string]any{"type": "tts", "state": "stop", "session_id": h.sessionID})
		h.sentRound.Store(int64(frame.Round))
		if h.closeRound.Load() == int64(frame.Round) {
			h.shutdown()
		}
		return err
	}
	return nil
}

func (h *Handler) sendJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return h.opts.Conn.WriteMessage(TextMessage, data)
}

// ---- 守护 ----

func (h *Handler) watchIdle() {
	timeout := h.cfg.Pipeline.IdleTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, h.lastActive.Load()))
			if idle > timeout && !h.coord.Busy() {
				h.logger.InfoTag("连接", "会话 %s 空闲 %s，主动断开", h.sessionID, idle.Round(time.Second))
				h.shutdown()
				return
			}
		}
	}
}

// shutdown 异步触发连接关闭，读循环随之退出
func (h *Handler) shutdown() {
	if h.closed.Load() {
		return
	}
	go h.Close()
}

func (h *Handler) touch() {
	h.lastActive.Store(time.Now().UnixNano())
}
