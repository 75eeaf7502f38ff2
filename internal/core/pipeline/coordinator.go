package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"echolink-server/internal/core/audio"
	"echolink-server/internal/core/chat"
	"echolink-server/internal/core/fragment"
	"echolink-server/internal/core/function"
	"echolink-server/internal/core/intent"
	"echolink-server/internal/core/memory"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/quota"
	"echolink-server/internal/core/report"
	"echolink-server/internal/core/types"
	"echolink-server/internal/core/utils"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// 上游失效时的固定兜底话术，保证客户端总能听到一句完整回复
const (
	llmApology      = "抱歉，我刚才走神了，可以再说一遍吗"
	turnTimeoutText = "这个问题有点复杂，我们换个说法再聊聊吧"
	toolLoopText    = "这个问题我绕了半天也没绕出来，换个问法试试吧"
)

// Events 流水线对连接层的回调，全部在流水线协程里触发
type Events interface {
	OnTranscript(round int, text string)
	OnEmotion(emotion string)
	OnDeviceCommand(cmd map[string]any)
	OnTurnComplete(round int, closeAfter bool)
}

// Deps 一条连接的流水线协作者
type Deps struct {
	Config     *config.Config
	Logger     *logging.Logger
	LLM        providers.LLMProvider
	ASR        providers.ASRProvider
	TTS        *TTSSession
	Queue      *SendQueue
	Dialogue   *chat.DialogueManager
	Registry   *function.Registry
	Dispatcher *function.Dispatcher
	Filter     *intent.Filter
	Memory     *memory.Adapter
	Report     *report.Buffer
	Quota      *quota.Tracker
	Events     Events
	DeviceID   string
	SessionID  string

	// BaseCtx 连接生命周期上下文，连接关闭时所有轮随之取消
	BaseCtx context.Context
}

// Coordinator 驱动一轮对话：意图快路 → ASR → LLM（带工具循环）→
// 逐句 TTS → 收尾落账。同一时刻最多一轮在跑，打断走 Abort。
type Coordinator struct {
	Deps

	mu         sync.Mutex
	round      int
	cancel     context.CancelFunc
	running    bool
	closeAfter bool
	basePrompt string

	wg sync.WaitGroup
}

func NewCoordinator(deps Deps) *Coordinator {
	if deps.BaseCtx == nil {
		deps.BaseCtx = context.Background()
	}
	return &Coordinator{
		Deps:       deps,
		basePrompt: deps.Dialogue.SystemMessage(),
	}
}

// Round 当前轮次
func (c *Coordinator) Round() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// Busy 是否有在跑的轮
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CommitAudio 提交一段已捕获的语音，异步跑完整轮
func (c *Coordinator) CommitAudio(segment []byte) (int, error) {
	return c.commit(segment, "", nil)
}

// CommitText 提交文本轮（listen:detect 或唤醒词之外的文字输入）
func (c *Coordinator) CommitText(text string) (int, error) {
	return c.commit(nil, text, nil)
}

// CommitTextWithParts 提交带附件的文本轮，附件作为多模态片段随
// 用户消息传给 LLM
func (c *Coordinator) CommitTextWithParts(text string, parts []types.ContentPart) (int, error) {
	return c.commit(nil, text, parts)
}

func (c *Coordinator) commit(segment []byte, text string, parts []types.ContentPart) (int, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return 0, errors.New(errors.KindProtocol, "pipeline.commit", "上一轮尚未结束")
	}
	c.round++
	round := c.round
	ctx, cancel := context.WithTimeout(c.BaseCtx, c.Config.Pipeline.TurnDeadline)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		start := time.Now()
		c.runTurn(ctx, round, segment, text, parts)
		// 尾帧交付后才算本轮完成；打断时队列被截断，很快排空
		_ = c.Queue.Drain(c.BaseCtx)
		c.Logger.DebugTag("TIMING", "第 %d 轮耗时 %s", round, time.Since(start))

		c.mu.Lock()
		c.running = false
		closeAfter := c.closeAfter
		c.mu.Unlock()
		c.Events.OnTurnComplete(round, closeAfter)
	}()
	return round, nil
}

// Abort 打断当前轮：取消流水线并截断发送队列里本轮的帧
func (c *Coordinator) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	round := c.round
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.Queue.CancelRoundsBelow(round + 1)
	c.ASR.Reset()
	c.Logger.InfoTag("连接", "第 %d 轮被打断", round)
}

// Wait 等待在跑的轮退出，连接关闭时调用
func (c *Coordinator) Wait() {
	c.wg.Wait()
	c.Memory.Wait()
}

func (c *Coordinator) runTurn(ctx context.Context, round int, segment []byte, text string, parts []types.ContentPart) {
	if segment != nil {
		var err error
		text, err = c.transcribe(ctx, segment)
		if err != nil {
			c.Logger.ErrorTag("ASR", "识别失败: %v", err)
			return
		}
	}
	text = strings.TrimSpace(text)
	c.Events.OnTranscript(round, text)
	if text == "" {
		return
	}
	c.Logger.InfoTag("ASR", "第 %d 轮用户输入: %s", round, text)

	if c.handleFastPath(ctx, round, text) {
		return
	}

	if !c.Quota.Allow(c.DeviceID) {
		c.speakCanned(ctx, round, "今天的聊天额度用完啦，明天再来找我玩吧", fragment.TagClosing)
		return
	}

	c.refreshSystemPrompt(ctx)
	c.Dialogue.Put(types.Message{Role: types.RoleUser, Content: text, Parts: parts})
	c.Report.Put(report.Item{
		DeviceID: c.DeviceID, SessionID: c.SessionID,
		Role: types.RoleUser, Text: text,
	})

	assistant, sentences, err := c.generate(ctx, round)
	if err != nil && ctx.Err() == nil {
		c.Logger.ErrorTag("LLM", "第 %d 轮生成失败: %v", round, err)
	}
	assistant = strings.TrimSpace(thinkRe.ReplaceAllString(assistant, ""))

	if ctx.Err() != nil {
		// 被打断或超时：只落账音频已经出队的句子前缀，
		// 打断点之后的文字视为没说过
		assistant = spokenPrefix(sentences, c.Queue.DeliveredSeq(round))
	}
	if assistant != "" {
		c.Dialogue.Put(types.Message{Role: types.RoleAssistant, Content: assistant})
		c.Report.Put(report.Item{
			DeviceID: c.DeviceID, SessionID: c.SessionID,
			Role: types.RoleAssistant, Text: assistant,
		})
		if c.Quota.Consume(c.DeviceID, utils.CountSpokenRunes(assistant)) {
			c.Logger.InfoTag("配额", "设备 %s 本轮后额度用尽", c.DeviceID)
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		// 轮超时：原上下文已失效，用短宽限期把致歉话术和
		// 收尾边界补发出去，连接保持打开
		graceCtx, cancelGrace := context.WithTimeout(c.BaseCtx, 5*time.Second)
		c.speakCanned(graceCtx, round, turnTimeoutText, fragment.TagClosing)
		cancelGrace()
	} else if assistant == "" {
		return
	}
	c.Memory.CommitAsync(c.DeviceID, c.Dialogue.GetFullDialogue())
}

// spokenPrefix 拼出音频已下发的句子前缀，delivered 为 -1 表示
// 一句都没说出去
func spokenPrefix(sentences []string, delivered int) string {
	if delivered < 0 {
		return ""
	}
	if delivered >= len(sentences) {
		delivered = len(sentences) - 1
	}
	return strings.Join(sentences[:delivered+1], "")
}

func (c *Coordinator) transcribe(ctx context.Context, segment []byte) (string, error) {
	defer c.ASR.Reset()
	text, err := c.transcribeOnce(ctx, segment)
	if err == nil || ctx.Err() != nil {
		return text, err
	}
	// 识别失败重试一次，仍失败则放弃本轮
	c.Logger.WarnTag("ASR", "识别失败，重试一次: %v", err)
	c.ASR.Reset()
	return c.transcribeOnce(ctx, segment)
}

func (c *Coordinator) transcribeOnce(ctx context.Context, segment []byte) (string, error) {
	if err := c.ASR.Feed(segment); err != nil {
		return "", err
	}
	asrCtx, cancel := context.WithTimeout(ctx, c.Config.Pipeline.ASRTimeout)
	defer cancel()
	return c.ASR.Transcribe(asrCtx)
}

// handleFastPath 意图快速路径，命中则本轮不走 LLM
func (c *Coordinator) handleFastPath(ctx context.Context, round int, text string) bool {
	m := c.Filter.Match(ctx, text)
	switch m.Kind {
	case intent.KindExit:
		c.Dialogue.Put(types.Message{Role: types.RoleUser, Content: text})
		c.speakCanned(ctx, round, "好的，再见，期待下次和你聊天", fragment.TagClosing)
		c.mu.Lock()
		c.closeAfter = true
		c.mu.Unlock()
		return true
	case intent.KindWakeWord:
		c.speakCanned(ctx, round, c.quickReply(), fragment.TagOpening)
		return true
	case intent.KindPlayMusic:
		c.dispatchPlay(ctx, round, "play_music", "song_name", m.Argument)
		return true
	case intent.KindPlayStory:
		c.dispatchPlay(ctx, round, "play_story", "story_name", m.Argument)
		return true
	}
	return false
}

func (c *Coordinator) dispatchPlay(ctx context.Context, round int, tool, argKey, arg string) {
	args := "{}"
	if arg != "" {
		args = fmt.Sprintf(`{%q:%q}`, argKey, arg)
	}
	result := c.Dispatcher.Dispatch(ctx, types.ToolCall{
		Type:     "function",
		Function: types.FunctionCall{Name: tool, Arguments: args},
	})
	if result.Response != "" {
		c.speakCanned(ctx, round, result.Response, fragment.TagNormal)
	}
	if result.AudioFile != "" {
		if err := c.playFile(ctx, round, result.AudioFile); err != nil {
			c.Logger.WarnTag("TTS", "播放本地音频失败 %s: %v", result.AudioFile, err)
		}
	}
}

// refreshSystemPrompt 把记忆摘要拼进系统提示词
func (c *Coordinator) refreshSystemPrompt(ctx context.Context) {
	c.mu.Lock()
	prompt := c.basePrompt
	c.mu.Unlock()
	if digest := c.Memory.Digest(ctx, c.DeviceID); digest != "" {
		prompt += "\n\n以下是你对用户的记忆：\n" + digest
	}
	c.Dialogue.SetSystemMessage(prompt)
}

// generate LLM 流式生成与工具循环。返回累计的助手文本和本轮
// 切出的句子列表（按句序号排列，供打断时做前缀裁剪）。
func (c *Coordinator) generate(ctx context.Context, round int) (string, []string, error) {
	chunks := make(chan fragment.Chunk, 16)
	ttsDone := make(chan error, 1)
	go func() {
		ttsDone <- c.TTS.Run(ctx, round, chunks)
	}()

	var sentences []string
	frag := fragment.NewFragmenter(c.Config.Fragment, func(ch fragment.Chunk) {
		if ch.Type != types.SentenceLast {
			sentences = append(sentences, ch.Text)
		}
		if ch.Emotion != "" {
			c.Events.OnEmotion(ch.Emotion)
		}
		select {
		case chunks <- ch:
		case <-ctx.Done():
		}
	})

	var full strings.Builder
	finish := func() {
		frag.Finish()
		close(chunks)
		if err := <-ttsDone; err != nil && ctx.Err() == nil {
			c.Logger.WarnTag("TTS", "合成收尾异常: %v", err)
		}
	}
	// 上游失效的兜底：一个字都没说出去就改说固定话术，保证
	// 客户端总能收到完整的边界标记对和一句可听的回复
	fallbackFinish := func(text string) string {
		if full.Len() == 0 && ctx.Err() == nil {
			full.WriteString(text)
			frag.Feed(text)
		}
		finish()
		return full.String()
	}

	maxRounds := c.Config.Pipeline.MaxToolRounds
	for toolRound := 0; ; toolRound++ {
		if toolRound >= maxRounds {
			err := errors.New(errors.KindTool, "pipeline.generate",
				fmt.Sprintf("工具调用超过 %d 轮上限", maxRounds))
			return fallbackFinish(toolLoopText), sentences, err
		}

		stream, err := c.LLM.ResponseWithFunctions(ctx, c.SessionID,
			c.Dialogue.GetLLMDialogue(), c.Registry.Definitions())
		if err != nil {
			return fallbackFinish(llmApology), sentences, err
		}

		calls, err := c.consumeStream(ctx, stream, frag, &full)
		if err != nil {
			if ctx.Err() != nil {
				finish()
				return full.String(), sentences, ctx.Err()
			}
			return fallbackFinish(llmApology), sentences, err
		}
		if ctx.Err() != nil {
			finish()
			return full.String(), sentences, ctx.Err()
		}
		if len(calls) == 0 {
			finish()
			return full.String(), sentences, nil
		}

		// 工具串行执行，direct 类结果直接播报并终止循环
		c.Dialogue.Put(types.Message{Role: types.RoleAssistant, ToolCalls: calls})
		direct := false
		for _, call := range calls {
			result := c.Dispatcher.Dispatch(ctx, call)
			c.applySideEffects(result)

			content := result.Content
			if content == "" {
				content = result.Response
			}
			c.Dialogue.Put(types.Message{
				Role: types.RoleTool, ToolCallID: call.ID, Content: content,
			})

			if result.Response != "" {
				full.WriteString(result.Response)
				frag.Feed(result.Response)
				direct = true
			}
			if result.AudioFile != "" {
				defer func(path string) {
					if err := c.playFile(ctx, round, path); err != nil {
						c.Logger.WarnTag("TTS", "播放本地音频失败: %v", err)
					}
				}(result.AudioFile)
			}
		}
		if direct {
			finish()
			return full.String(), sentences, nil
		}
	}
}

// consumeStream 读完一条流式响应。首个分片受 llm_first_token_timeout
// 约束；异常分片不送合成，整条流没有任何产出时升级为错误。
func (c *Coordinator) consumeStream(ctx context.Context, stream <-chan providers.LLMResponse, frag *fragment.Fragmenter, full *strings.Builder) ([]types.ToolCall, error) {
	wait := c.Config.Pipeline.LLMFirstToken
	if wait <= 0 {
		wait = 8 * time.Second
	}
	firstToken := time.NewTimer(wait)
	defer firstToken.Stop()

	var calls []types.ToolCall
	var streamErr error
	received := false
	before := full.Len()
	for {
		var resp providers.LLMResponse
		var ok bool
		if received {
			resp, ok = <-stream
		} else {
			select {
			case resp, ok = <-stream:
			case <-firstToken.C:
				return nil, errors.New(errors.KindTimeout, "pipeline.generate", "等待 LLM 首个分片超时")
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if !ok {
			break
		}
		received = true
		if resp.Error != nil {
			c.Logger.WarnTag("LLM", "流式响应异常: %v", resp.Error)
			streamErr = resp.Error
			continue
		}
		if resp.Content != "" {
			full.WriteString(resp.Content)
			frag.Feed(resp.Content)
		}
		calls = accumulateToolCalls(calls, resp.ToolCalls)
	}
	if streamErr != nil && full.Len() == before && len(calls) == 0 {
		return nil, errors.Wrap(errors.KindProvider, "pipeline.generate", "LLM 流式响应失败", streamErr)
	}
	return calls, nil
}

func (c *Coordinator) applySideEffects(result function.Result) {
	if result.CloseAfter {
		c.mu.Lock()
		c.closeAfter = true
		c.mu.Unlock()
	}
	if result.NewSystemPrompt != "" {
		c.mu.Lock()
		c.basePrompt = result.NewSystemPrompt
		c.mu.Unlock()
	}
	if result.DeviceCommand != nil {
		c.Events.OnDeviceCommand(result.DeviceCommand)
	}
}

// speakCanned 不走 LLM 的固定话术，整套边界标记照常下发
func (c *Coordinator) speakCanned(ctx context.Context, round int, text string, tag fragment.Tag) {
	if text == "" {
		return
	}
	chunks := make(chan fragment.Chunk, 4)
	ttsDone := make(chan error, 1)
	go func() {
		ttsDone <- c.TTS.Run(ctx, round, chunks)
	}()

	frag := fragment.NewFragmenter(c.Config.Fragment, func(ch fragment.Chunk) {
		select {
		case chunks <- ch:
		case <-ctx.Done():
		}
	})
	frag.SetTag(tag)
	frag.Feed(text)
	frag.Finish()
	close(chunks)
	if err := <-ttsDone; err != nil && ctx.Err() == nil {
		c.Logger.WarnTag("TTS", "固定话术合成失败: %v", err)
	}
	c.Dialogue.Put(types.Message{Role: types.RoleAssistant, Content: text})
}

// playFile 解码本地音频并按帧入队（音乐、故事、唤醒应答）
func (c *Coordinator) playFile(ctx context.Context, round int, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var pcm []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		pcm, err = audio.MP3ToPCM(data, c.Config.Audio.SampleRate)
	case ".wav":
		pcm, err = audio.ReadPCMDataFromWavFile(path)
	default:
		return errors.New(errors.KindTool, "pipeline.play", "不支持的音频格式")
	}
	if err != nil {
		return err
	}
	return c.TTS.PlayPCM(ctx, round, pcm)
}

// quickReply 唤醒应答，轮换配置的快捷语
func (c *Coordinator) quickReply() string {
	words := c.Config.QuickReply.Words
	if !c.Config.QuickReply.Enabled || len(words) == 0 {
		return "我在呢"
	}
	return words[time.Now().UnixNano()%int64(len(words))]
}

// accumulateToolCalls 组装流式工具调用增量：带 ID 的增量开新调用，
// 后续增量把参数片段拼到最后一个调用上
func accumulateToolCalls(acc []types.ToolCall, deltas []types.ToolCall) []types.ToolCall {
	for _, d := range deltas {
		if d.ID != "" {
			acc = append(acc, d)
			continue
		}
		if len(acc) == 0 {
			continue
		}
		last := &acc[len(acc)-1]
		last.Function.Name += d.Function.Name
		last.Function.Arguments += d.Function.Arguments
	}
	return acc
}
