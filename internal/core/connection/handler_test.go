package connection

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-server/internal/core/function"
	"echolink-server/internal/core/pipeline"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/quota"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
)

// ---- 测试替身 ----

type wireMsg struct {
	Type int
	Data []byte
}

type fakeConn struct {
	in     chan wireMsg
	mu     sync.Mutex
	writes []wireMsg
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan wireMsg, 64)}
}

func (c *fakeConn) ReadMessage(stop <-chan struct{}) (int, []byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return msg.Type, msg.Data, nil
	case <-stop:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, wireMsg{Type: messageType, Data: buf})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) pushJSON(t *testing.T, v any) {
	t.Helper()
	data, err := sonic.Marshal(v)
	require.NoError(t, err)
	c.in <- wireMsg{Type: TextMessage, Data: data}
}

func (c *fakeConn) pushBinary(data []byte) {
	c.in <- wireMsg{Type: BinaryMessage, Data: data}
}

// jsonWrites 解析目前所有下行文本消息
func (c *fakeConn) jsonWrites(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, w := range c.writes {
		if w.Type != TextMessage {
			continue
		}
		var m map[string]any
		require.NoError(t, sonic.Unmarshal(w.Data, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if w.Type == BinaryMessage {
			n++
		}
	}
	return n
}

// waitJSON 轮询等待满足条件的下行消息
func (c *fakeConn) waitJSON(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range c.jsonWrites(t) {
			if match(m) {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待下行消息超时")
	return nil
}

type passDecoder struct{}

func (passDecoder) Decode(data []byte) ([]byte, error) { return data, nil }

type countEncoder struct{}

func (countEncoder) Write(pcm []byte) ([][]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	return [][]byte{{0xBB}}, nil
}
func (countEncoder) Flush() ([][]byte, error) { return nil, nil }
func (countEncoder) Reset()                   {}

type stubASR struct{ text string }

func (a *stubASR) Initialize() error                              { return nil }
func (a *stubASR) Cleanup() error                                 { return nil }
func (a *stubASR) Feed(pcm []byte) error                          { return nil }
func (a *stubASR) SetListener(l providers.ASRListener)            {}
func (a *stubASR) Reset() error                                   { return nil }
func (a *stubASR) Transcribe(ctx context.Context) (string, error) { return a.text, nil }

type stubLLM struct{ reply string }

func (l *stubLLM) Initialize() error { return nil }
func (l *stubLLM) Cleanup() error    { return nil }

func (l *stubLLM) Response(ctx context.Context, sessionID string, messages []types.Message) (<-chan string, error) {
	ch := make(chan string, 1)
	ch <- l.reply
	close(ch)
	return ch, nil
}

func (l *stubLLM) ResponseWithFunctions(ctx context.Context, sessionID string, messages []types.Message, tools []providers.Tool) (<-chan providers.LLMResponse, error) {
	ch := make(chan providers.LLMResponse, 1)
	ch <- providers.LLMResponse{Content: l.reply}
	close(ch)
	return ch, nil
}

type stubTTS struct{}

func (stubTTS) Initialize() error       { return nil }
func (stubTTS) Cleanup() error          { return nil }
func (stubTTS) Mode() providers.TTSMode { return providers.TTSModeNonStream }
func (stubTTS) SetVoice(v string) error { return nil }
func (stubTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return make([]byte, 960), nil
}

type scriptVAD struct {
	mu    sync.Mutex
	probs []float64
	idx   int
}

func (v *scriptVAD) Initialize() error { return nil }
func (v *scriptVAD) Cleanup() error    { return nil }

func (v *scriptVAD) Probability(pcm []byte) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.idx >= len(v.probs) {
		return 0, nil
	}
	p := v.probs[v.idx]
	v.idx++
	return p, nil
}

// ---- 装配 ----

func newTestHandler(t *testing.T, vadProbs []float64) (*Handler, *fakeConn) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.VAD.TriggerFrames = 2
	cfg.VAD.MinSilenceMs = 120
	cfg.VAD.PrefixPaddingMs = 120

	tracker, err := quota.NewTracker(cfg.Quota, nil)
	require.NoError(t, err)

	conn := newFakeConn()
	reg := function.NewRegistry()
	h, err := NewHandler(Options{
		Config:   cfg,
		Logger:   nil,
		Conn:     conn,
		DeviceID: "dev-test",
		Providers: ProviderSet{
			ASR: &stubASR{text: "今天天气怎么样"},
			LLM: &stubLLM{reply: "今天是个大晴天哦。"},
			TTS: stubTTS{},
			VAD: &scriptVAD{probs: vadProbs},
		},
		Registry:   reg,
		Dispatcher: function.NewDispatcher(reg, 2, time.Second, nil),
		Quota:      tracker,
		DecoderFactory: func(sampleRate, channels int) (OpusDecoder, error) {
			return passDecoder{}, nil
		},
		EncoderFactory: func(sampleRate, channels, frameMs int) (pipeline.OpusEncoder, error) {
			return countEncoder{}, nil
		},
	})
	require.NoError(t, err)

	go h.Handle()
	t.Cleanup(h.Close)
	return h, conn
}

func helloMsg() map[string]any {
	return map[string]any{
		"type":      "hello",
		"version":   1,
		"transport": "websocket",
		"audio_params": map[string]any{
			"format": "opus", "sample_rate": 16000, "channels": 1, "frame_duration": 60,
		},
	}
}

// ---- 用例 ----

func TestHelloHandshake(t *testing.T) {
	h, conn := newTestHandler(t, nil)

	conn.pushJSON(t, helloMsg())
	reply := conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "hello" })

	assert.Equal(t, h.GetSessionID(), reply["session_id"])
	params, ok := reply["audio_params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "opus", params["format"])
	assert.EqualValues(t, 16000, params["sample_rate"])
}

func TestDetectTextTurnFullWire(t *testing.T) {
	_, conn := newTestHandler(t, nil)
	conn.pushJSON(t, helloMsg())
	conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "hello" })

	conn.pushJSON(t, map[string]any{"type": "listen", "state": "detect", "text": "今天天气怎么样"})

	conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "stt" })
	conn.waitJSON(t, func(m map[string]any) bool {
		return m["type"] == "tts" && m["state"] == "start"
	})
	sentence := conn.waitJSON(t, func(m map[string]any) bool {
		return m["type"] == "tts" && m["state"] == "sentence_start"
	})
	assert.Equal(t, "今天是个大晴天哦。", sentence["text"])
	conn.waitJSON(t, func(m map[string]any) bool {
		return m["type"] == "tts" && m["state"] == "stop"
	})
	assert.Greater(t, conn.binaryCount(), 0, "应有下行音频帧")
}

func TestDetectAttachmentsBecomeParts(t *testing.T) {
	h, conn := newTestHandler(t, nil)
	conn.pushJSON(t, helloMsg())
	conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "hello" })

	conn.pushJSON(t, map[string]any{
		"type": "listen", "state": "detect", "text": "这张图里画了什么",
		"attachments": []map[string]any{
			{"type": "image", "url": "https://cdn.example.com/cat.jpg"},
			{"type": "file", "url": "https://cdn.example.com/notes.pdf"},
		},
	})
	conn.waitJSON(t, func(m map[string]any) bool {
		return m["type"] == "tts" && m["state"] == "stop"
	})

	// 用户消息带多模态片段：正文在首段，附件按 URL 跟在后面
	var user *types.Message
	for _, m := range h.coord.Dialogue.GetFullDialogue() {
		if m.Role == types.RoleUser {
			msg := m
			user = &msg
		}
	}
	require.NotNil(t, user)
	assert.Equal(t, "这张图里画了什么", user.Content)
	require.Len(t, user.Parts, 3)
	assert.Equal(t, "text", user.Parts[0].Type)
	assert.Equal(t, "这张图里画了什么", user.Parts[0].Text)
	assert.Equal(t, "image_url", user.Parts[1].Type)
	assert.Equal(t, "https://cdn.example.com/cat.jpg", user.Parts[1].URL)
	assert.Equal(t, "file_url", user.Parts[2].Type)
}

func TestAutoModeVADDrivenTurn(t *testing.T) {
	// 两帧语音触发起点，两帧静音（120ms）触发终点
	probs := []float64{0.9, 0.9, 0.9, 0.1, 0.1, 0.1}
	_, conn := newTestHandler(t, probs)
	conn.pushJSON(t, helloMsg())
	conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "hello" })

	conn.pushJSON(t, map[string]any{"type": "listen", "state": "start", "mode": "auto"})
	frame := make([]byte, 1920)
	for i := 0; i < len(probs); i++ {
		conn.pushBinary(frame)
	}

	stt := conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "stt" })
	assert.Equal(t, "今天天气怎么样", stt["text"])
	conn.waitJSON(t, func(m map[string]any) bool {
		return m["type"] == "tts" && m["state"] == "stop"
	})
}

func TestManualModeCapturesUntilStop(t *testing.T) {
	_, conn := newTestHandler(t, nil)
	conn.pushJSON(t, helloMsg())
	conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "hello" })

	conn.pushJSON(t, map[string]any{"type": "listen", "state": "start", "mode": "manual"})
	conn.pushBinary(make([]byte, 1920))
	conn.pushBinary(make([]byte, 1920))
	conn.pushJSON(t, map[string]any{"type": "listen", "state": "stop"})

	stt := conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "stt" })
	assert.Equal(t, "今天天气怎么样", stt["text"])
}

func TestAbortSendsTTSStop(t *testing.T) {
	_, conn := newTestHandler(t, nil)
	conn.pushJSON(t, helloMsg())
	conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "hello" })

	conn.pushJSON(t, map[string]any{"type": "abort"})
	conn.waitJSON(t, func(m map[string]any) bool {
		return m["type"] == "tts" && m["state"] == "stop"
	})
}

func TestExitIntentClosesConnection(t *testing.T) {
	_, conn := newTestHandler(t, nil)
	conn.pushJSON(t, helloMsg())
	conn.waitJSON(t, func(m map[string]any) bool { return m["type"] == "hello" })

	// 默认配置里 "再见" 是退出口令
	conn.pushJSON(t, map[string]any{"type": "listen", "state": "detect", "text": "再见"})
	conn.waitJSON(t, func(m map[string]any) bool {
		return m["type"] == "tts" && m["state"] == "stop"
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn.isClosed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("退出意图后连接未关闭")
}

func TestBinaryBeforeHelloIgnored(t *testing.T) {
	_, conn := newTestHandler(t, nil)

	conn.pushBinary(make([]byte, 1920))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, conn.jsonWrites(t))
	assert.Zero(t, conn.binaryCount())
}
