package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-server/internal/core/chat"
	"echolink-server/internal/core/function"
	"echolink-server/internal/core/intent"
	"echolink-server/internal/core/memory"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/quota"
	"echolink-server/internal/core/report"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
)

// ---- 测试替身 ----

type scriptedLLM struct {
	mu      sync.Mutex
	scripts [][]providers.LLMResponse
	calls   int
}

func (l *scriptedLLM) Initialize() error { return nil }
func (l *scriptedLLM) Cleanup() error    { return nil }

func (l *scriptedLLM) Response(ctx context.Context, sessionID string, messages []types.Message) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (l *scriptedLLM) ResponseWithFunctions(ctx context.Context, sessionID string, messages []types.Message, tools []providers.Tool) (<-chan providers.LLMResponse, error) {
	l.mu.Lock()
	var script []providers.LLMResponse
	if l.calls < len(l.scripts) {
		script = l.scripts[l.calls]
	}
	l.calls++
	l.mu.Unlock()

	ch := make(chan providers.LLMResponse, len(script)+1)
	for _, r := range script {
		ch <- r
	}
	close(ch)
	return ch, nil
}

type fakeTTS struct {
	mu      sync.Mutex
	texts   []string
	failOn  string
	blockOn string
	gate    chan struct{}
}

func (t *fakeTTS) Initialize() error           { return nil }
func (t *fakeTTS) Cleanup() error              { return nil }
func (t *fakeTTS) Mode() providers.TTSMode     { return providers.TTSModeNonStream }
func (t *fakeTTS) SetVoice(voice string) error { return nil }

func (t *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	t.mu.Lock()
	blockOn, gate := t.blockOn, t.gate
	t.mu.Unlock()
	if gate != nil && text == blockOn {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if text == t.failOn {
		return nil, assert.AnError
	}
	t.texts = append(t.texts, text)
	return make([]byte, 1920), nil
}

func (t *fakeTTS) synthesized() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.texts))
	copy(out, t.texts)
	return out
}

type fakeEncoder struct {
	mu     sync.Mutex
	resets int
}

func (e *fakeEncoder) Write(pcm []byte) ([][]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	return [][]byte{{0xAA}}, nil
}

func (e *fakeEncoder) Flush() ([][]byte, error) { return nil, nil }

func (e *fakeEncoder) Reset() {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
}

func (e *fakeEncoder) resetCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

type fakeASR struct {
	mu       sync.Mutex
	text     string
	failures int
	calls    int
}

func (a *fakeASR) Initialize() error                   { return nil }
func (a *fakeASR) Cleanup() error                      { return nil }
func (a *fakeASR) Feed(pcm []byte) error               { return nil }
func (a *fakeASR) SetListener(l providers.ASRListener) {}
func (a *fakeASR) Reset() error                        { return nil }

func (a *fakeASR) Transcribe(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failures > 0 {
		a.failures--
		return "", assert.AnError
	}
	return a.text, nil
}

func (a *fakeASR) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// stallLLM 永远不产出首个分片，模拟上游僵死
type stallLLM struct{}

func (stallLLM) Initialize() error { return nil }
func (stallLLM) Cleanup() error    { return nil }

func (stallLLM) Response(ctx context.Context, sessionID string, messages []types.Message) (<-chan string, error) {
	ch := make(chan string)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (stallLLM) ResponseWithFunctions(ctx context.Context, sessionID string, messages []types.Message, tools []providers.Tool) (<-chan providers.LLMResponse, error) {
	ch := make(chan providers.LLMResponse)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

type recordedEvents struct {
	mu          sync.Mutex
	transcripts []string
	emotions    []string
	commands    []map[string]any
	completed   chan bool // closeAfter
}

func newRecordedEvents() *recordedEvents {
	return &recordedEvents{completed: make(chan bool, 4)}
}

func (e *recordedEvents) OnTranscript(round int, text string) {
	e.mu.Lock()
	e.transcripts = append(e.transcripts, text)
	e.mu.Unlock()
}

func (e *recordedEvents) OnEmotion(emotion string) {
	e.mu.Lock()
	e.emotions = append(e.emotions, emotion)
	e.mu.Unlock()
}

func (e *recordedEvents) OnDeviceCommand(cmd map[string]any) {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()
}

func (e *recordedEvents) OnTurnComplete(round int, closeAfter bool) {
	e.completed <- closeAfter
}

func (e *recordedEvents) waitTurn(t *testing.T) bool {
	t.Helper()
	select {
	case closeAfter := <-e.completed:
		return closeAfter
	case <-time.After(3 * time.Second):
		t.Fatal("等待轮结束超时")
		return false
	}
}

// ---- 装配 ----

type fixture struct {
	coord   *Coordinator
	asr     *fakeASR
	tts     *fakeTTS
	encoder *fakeEncoder
	sink    *frameSink
	events  *recordedEvents
	reg     *function.Registry
}

func newFixture(t *testing.T, llm providers.LLMProvider) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Quota.Enabled = true
	cfg.Quota.DailyOutChars = 10000

	sink := &frameSink{}
	queue := NewSendQueue(64, false, 0, sink.send, nil)
	t.Cleanup(queue.Close)

	tts := &fakeTTS{}
	enc := &fakeEncoder{}
	session := NewTTSSession(tts, enc, queue, time.Second, nil)

	dialogue := chat.NewDialogueManager(nil)
	dialogue.SetSystemMessage("你是测试助手")

	reg := function.NewRegistry()
	tracker, err := quota.NewTracker(cfg.Quota, nil)
	require.NoError(t, err)

	events := newRecordedEvents()
	asr := &fakeASR{text: "你好"}
	coord := NewCoordinator(Deps{
		Config:     cfg,
		Logger:     nil,
		LLM:        llm,
		ASR:        asr,
		TTS:        session,
		Queue:      queue,
		Dialogue:   dialogue,
		Registry:   reg,
		Dispatcher: function.NewDispatcher(reg, 2, time.Second, nil),
		Filter:     intent.NewFilter(config.SystemConfig{CMDExit: []string{"再见"}}, nil, nil),
		Memory:     memory.NewAdapter(nil, nil),
		Report:     report.NewBuffer(config.ReportConfig{Enabled: false}, nil),
		Quota:      tracker,
		Events:     events,
		DeviceID:   "dev-1",
		SessionID:  "sess-1",
	})
	return &fixture{coord: coord, asr: asr, tts: tts, encoder: enc, sink: sink, events: events, reg: reg}
}

func content(parts ...string) []providers.LLMResponse {
	out := make([]providers.LLMResponse, len(parts))
	for i, p := range parts {
		out[i] = providers.LLMResponse{Content: p}
	}
	return out
}

// ---- 用例 ----

func TestTextTurnProducesOrderedFrames(t *testing.T) {
	f := newFixture(t, &scriptedLLM{scripts: [][]providers.LLMResponse{
		content("今天天气", "真不错。", "出门走走吧。"),
	}})

	_, err := f.coord.CommitText("今天天气怎么样")
	require.NoError(t, err)
	closeAfter := f.events.waitTurn(t)
	assert.False(t, closeAfter)

	f.sink.waitCount(t, 5)
	frames := f.sink.snapshot()

	// FIRST 标记开头，LAST 标记收尾，中间帧不乱序
	assert.Equal(t, types.SentenceFirst, frames[0].Type)
	assert.Equal(t, "今天天气真不错。", frames[0].Text)
	last := frames[len(frames)-1]
	assert.Equal(t, types.SentenceLast, last.Type)
	assert.Empty(t, last.Opus)

	assert.Equal(t, []string{"今天天气真不错。", "出门走走吧。"}, f.tts.synthesized())

	// 对话已落账：system + user + assistant
	dialogue := f.coord.Dialogue.GetLLMDialogue()
	require.Len(t, dialogue, 3)
	assert.Equal(t, types.RoleAssistant, dialogue[2].Role)
	assert.Equal(t, "今天天气真不错。出门走走吧。", dialogue[2].Content)
}

func TestAudioTurnRunsASRFirst(t *testing.T) {
	f := newFixture(t, &scriptedLLM{scripts: [][]providers.LLMResponse{
		content("收到你的语音啦。"),
	}})

	_, err := f.coord.CommitAudio(make([]byte, 1920))
	require.NoError(t, err)
	f.events.waitTurn(t)

	f.events.mu.Lock()
	transcripts := append([]string{}, f.events.transcripts...)
	f.events.mu.Unlock()
	require.NotEmpty(t, transcripts)
	assert.Equal(t, "你好", transcripts[0])
}

func TestToolCallRoundTrip(t *testing.T) {
	llm := &scriptedLLM{scripts: [][]providers.LLMResponse{
		{
			{ToolCalls: []types.ToolCall{{
				ID: "call-1", Type: "function",
				Function: types.FunctionCall{Name: "lookup", Arguments: `{"q":`},
			}}},
			{ToolCalls: []types.ToolCall{{
				Function: types.FunctionCall{Arguments: `"天气"}`},
			}}},
		},
		content("查到了，今天晴。"),
	}}
	f := newFixture(t, llm)
	require.NoError(t, f.reg.Register(&function.Tool{
		Info: types.FunctionRegistryInfo{
			Name: "lookup",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"q": map[string]any{"type": "string"},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (function.Result, error) {
			assert.Equal(t, "天气", args["q"])
			return function.Result{Action: types.ActionTypeReqLLM, Content: "晴 25 度"}, nil
		},
	}))

	_, err := f.coord.CommitText("帮我查天气")
	require.NoError(t, err)
	f.events.waitTurn(t)

	assert.Equal(t, 2, llm.calls, "工具调用后应再走一轮 LLM")
	assert.Contains(t, f.tts.synthesized(), "查到了，今天晴。")

	// tool 消息紧跟 assistant 工具调用消息
	full := f.coord.Dialogue.GetFullDialogue()
	var toolIdx int
	for i, m := range full {
		if m.Role == types.RoleTool {
			toolIdx = i
		}
	}
	require.Greater(t, toolIdx, 0)
	assert.NotEmpty(t, full[toolIdx-1].ToolCalls)
	assert.Equal(t, "晴 25 度", full[toolIdx].Content)
}

func TestToolRoundLimit(t *testing.T) {
	// LLM 每轮都要求调工具，触发轮数上限后强制收尾
	loop := []providers.LLMResponse{{ToolCalls: []types.ToolCall{{
		ID: "call-x", Type: "function",
		Function: types.FunctionCall{Name: "noop", Arguments: "{}"},
	}}}}
	llm := &scriptedLLM{scripts: [][]providers.LLMResponse{
		loop, loop, loop, loop, loop, loop, loop, loop,
	}}
	f := newFixture(t, llm)
	require.NoError(t, f.reg.Register(&function.Tool{
		Info: types.FunctionRegistryInfo{
			Name:       "noop",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Handler: func(ctx context.Context, args map[string]any) (function.Result, error) {
			return function.Result{Action: types.ActionTypeReqLLM, Content: "ok"}, nil
		},
	}))

	_, err := f.coord.CommitText("来个死循环")
	require.NoError(t, err)
	f.events.waitTurn(t)

	maxRounds := config.DefaultConfig().Pipeline.MaxToolRounds
	assert.Equal(t, maxRounds, llm.calls)

	// 触顶后要用固定话术收场，而不是无声终止
	assert.Contains(t, f.tts.synthesized(), toolLoopText)
	full := f.coord.Dialogue.GetFullDialogue()
	assert.Equal(t, toolLoopText, full[len(full)-1].Content)
}

func TestExitIntentFastPath(t *testing.T) {
	llm := &scriptedLLM{}
	f := newFixture(t, llm)

	_, err := f.coord.CommitText("再见")
	require.NoError(t, err)
	closeAfter := f.events.waitTurn(t)

	assert.True(t, closeAfter)
	assert.Zero(t, llm.calls, "退出意图不应走 LLM")
	assert.NotEmpty(t, f.tts.synthesized())
}

func TestSynthesisFailureSkipsChunk(t *testing.T) {
	f := newFixture(t, &scriptedLLM{scripts: [][]providers.LLMResponse{
		content("第一句话讲完了。", "这一句注定合成失败。", "第三句话继续往下说。"),
	}})
	f.tts.failOn = "这一句注定合成失败。"

	_, err := f.coord.CommitText("随便聊聊")
	require.NoError(t, err)
	f.events.waitTurn(t)

	var errorMarkers int
	for _, frame := range f.sink.snapshot() {
		if frame.Tag == "error" {
			errorMarkers++
		}
	}
	assert.Equal(t, 1, errorMarkers)
	assert.Contains(t, f.tts.synthesized(), "第三句话继续往下说。")
}

func TestEncoderResetPerTurn(t *testing.T) {
	f := newFixture(t, &scriptedLLM{scripts: [][]providers.LLMResponse{
		content("第一轮回复完毕。"),
		content("第二轮回复完毕。"),
	}})

	_, err := f.coord.CommitText("第一轮")
	require.NoError(t, err)
	f.events.waitTurn(t)
	first := f.encoder.resetCount()

	_, err = f.coord.CommitText("第二轮")
	require.NoError(t, err)
	f.events.waitTurn(t)

	assert.Greater(t, f.encoder.resetCount(), first)
}

func TestRejectConcurrentTurns(t *testing.T) {
	blocker := make(chan struct{})
	llm := &scriptedLLM{}
	f := newFixture(t, llm)
	require.NoError(t, f.reg.Register(&function.Tool{
		Info: types.FunctionRegistryInfo{
			Name:       "slow",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Handler: func(ctx context.Context, args map[string]any) (function.Result, error) {
			<-blocker
			return function.Result{Action: types.ActionTypeResponse, Response: "慢工具结束"}, nil
		},
	}))
	llm.scripts = [][]providers.LLMResponse{{
		{ToolCalls: []types.ToolCall{{
			ID: "call-s", Type: "function",
			Function: types.FunctionCall{Name: "slow", Arguments: "{}"},
		}}},
	}}

	_, err := f.coord.CommitText("第一轮")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = f.coord.CommitText("第二轮")
	assert.Error(t, err, "上一轮未结束时应拒绝新轮")

	close(blocker)
	f.events.waitTurn(t)
}

func TestAbortCancelsTurn(t *testing.T) {
	blocker := make(chan struct{})
	llm := &scriptedLLM{}
	f := newFixture(t, llm)
	require.NoError(t, f.reg.Register(&function.Tool{
		Info: types.FunctionRegistryInfo{
			Name:       "hang",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		Handler: func(ctx context.Context, args map[string]any) (function.Result, error) {
			select {
			case <-blocker:
			case <-ctx.Done():
			}
			return function.Result{Action: types.ActionTypeReqLLM, Content: "done"}, nil
		},
	}))
	llm.scripts = [][]providers.LLMResponse{{
		{ToolCalls: []types.ToolCall{{
			ID: "call-h", Type: "function",
			Function: types.FunctionCall{Name: "hang", Arguments: "{}"},
		}}},
	}}

	_, err := f.coord.CommitText("会被打断的一轮")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	f.coord.Abort()
	f.events.waitTurn(t)
	close(blocker)
	assert.False(t, f.coord.Busy())
}

func TestLLMStallSpeaksApology(t *testing.T) {
	f := newFixture(t, stallLLM{})
	f.coord.Config.Pipeline.LLMFirstToken = 80 * time.Millisecond

	_, err := f.coord.CommitText("今天心情怎么样")
	require.NoError(t, err)
	closeAfter := f.events.waitTurn(t)
	assert.False(t, closeAfter, "上游失效不应关闭连接")

	// 客户端仍收到完整的 FIRST/LAST 边界对，中间是兜底话术
	frames := f.sink.snapshot()
	require.NotEmpty(t, frames)
	assert.Equal(t, types.SentenceFirst, frames[0].Type)
	assert.Equal(t, llmApology, frames[0].Text)
	assert.Equal(t, types.SentenceLast, frames[len(frames)-1].Type)

	dialogue := f.coord.Dialogue.GetLLMDialogue()
	require.Len(t, dialogue, 3)
	assert.Equal(t, types.RoleAssistant, dialogue[2].Role)
	assert.Equal(t, llmApology, dialogue[2].Content)
}

func TestAbortKeepsOnlySpokenPrefix(t *testing.T) {
	f := newFixture(t, &scriptedLLM{scripts: [][]providers.LLMResponse{
		content("第一句话说完了。", "第二句话还在路上。", "第三句话没影子呢。"),
	}})
	f.tts.gate = make(chan struct{})
	f.tts.blockOn = "第二句话还在路上。"

	_, err := f.coord.CommitText("讲个长一点的")
	require.NoError(t, err)

	// 等第一句的音频真正出队之后再打断
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		delivered := false
		for _, frame := range f.sink.snapshot() {
			if len(frame.Opus) > 0 && frame.Seq == 0 {
				delivered = true
			}
		}
		if delivered {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.coord.Abort()
	f.events.waitTurn(t)

	// 只有说出去的第一句落账，后两句视为没说过
	dialogue := f.coord.Dialogue.GetLLMDialogue()
	require.Len(t, dialogue, 3)
	assert.Equal(t, types.RoleAssistant, dialogue[2].Role)
	assert.Equal(t, "第一句话说完了。", dialogue[2].Content)
}

func TestTurnDeadlineSpeaksCanned(t *testing.T) {
	f := newFixture(t, &scriptedLLM{scripts: [][]providers.LLMResponse{
		content("这句话会卡在合成里。"),
	}})
	f.tts.gate = make(chan struct{})
	f.tts.blockOn = "这句话会卡在合成里。"
	f.coord.Config.Pipeline.TurnDeadline = 200 * time.Millisecond

	_, err := f.coord.CommitText("随便说点什么")
	require.NoError(t, err)
	closeAfter := f.events.waitTurn(t)
	assert.False(t, closeAfter, "轮超时后连接保持打开")

	frames := f.sink.snapshot()
	require.NotEmpty(t, frames)
	var sawCanned bool
	for _, frame := range frames {
		if frame.Type == types.SentenceFirst && frame.Text == turnTimeoutText {
			sawCanned = true
		}
	}
	assert.True(t, sawCanned, "超时后应补发致歉话术")
	assert.Equal(t, types.SentenceLast, frames[len(frames)-1].Type)

	dialogue := f.coord.Dialogue.GetLLMDialogue()
	assert.Equal(t, turnTimeoutText, dialogue[len(dialogue)-1].Content)
}

func TestTranscribeRetriesOnce(t *testing.T) {
	f := newFixture(t, &scriptedLLM{scripts: [][]providers.LLMResponse{
		content("语音收到了。"),
	}})
	f.asr.failures = 1

	_, err := f.coord.CommitAudio(make([]byte, 1920))
	require.NoError(t, err)
	f.events.waitTurn(t)

	assert.Equal(t, 2, f.asr.callCount())
	f.events.mu.Lock()
	transcripts := append([]string{}, f.events.transcripts...)
	f.events.mu.Unlock()
	require.NotEmpty(t, transcripts)
	assert.Equal(t, "你好", transcripts[0])
}

func TestTranscribeGivesUpAfterRetry(t *testing.T) {
	llm := &scriptedLLM{}
	f := newFixture(t, llm)
	f.asr.failures = 2

	_, err := f.coord.CommitAudio(make([]byte, 1920))
	require.NoError(t, err)
	f.events.waitTurn(t)

	assert.Equal(t, 2, f.asr.callCount(), "只重试一次")
	assert.Zero(t, llm.calls, "两次识别都失败不应走 LLM")
	assert.Empty(t, f.sink.snapshot())
}
