package coze

import (
	"context"
	"fmt"
	"io"

	"github.com/coze-dev/coze-go"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterLLM("coze", NewProvider)
}

// Provider Coze 智能体对话。对话状态在 Coze 侧维护，这里只发送最后一条
// 用户消息；函数调用能力由智能体自带，ResponseWithFunctions 不下发本地工具。
type Provider struct {
	cfg    *config.LLMConfig
	logger *logging.Logger
	api    coze.CozeAPI
	botID  string
	userID string
}

func NewProvider(cfg *config.LLMConfig, logger *logging.Logger) (providers.LLMProvider, error) {
	botID, _ := cfg.Extra["bot_id"].(string)
	userID, _ := cfg.Extra["user_id"].(string)
	if botID == "" {
		return nil, errors.New(errors.KindConfig, "llm.coze", "缺少 bot_id 配置")
	}
	if userID == "" {
		userID = "echolink"
	}
	return &Provider{cfg: cfg, logger: logger, botID: botID, userID: userID}, nil
}

func (p *Provider) Initialize() error {
	token, _ := p.cfg.Extra["personal_access_token"].(string)
	if token == "" {
		return errors.New(errors.KindConfig, "llm.coze", "缺少 personal_access_token 配置")
	}
	auth := coze.NewTokenAuth(token)
	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = coze.CnBaseURL
	}
	p.api = coze.NewCozeAPI(auth, coze.WithBaseURL(baseURL))
	return nil
}

func (p *Provider) Cleanup() error { return nil }

func (p *Provider) Response(ctx context.Context, sessionID string, messages []types.Message) (<-chan string, error) {
	responseChan := make(chan string, 10)

	// 取最后一条用户消息，历史在 Coze 会话里
	question := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			question = messages[i].Content
			break
		}
	}

	go func() {
		defer close(responseChan)

		stream, err := p.api.Chat.Stream(ctx, &coze.CreateChatsReq{
			BotID:  p.botID,
			UserID: p.userID,
			Messages: []*coze.Message{
				coze.BuildUserQuestionText(question, nil),
			},
		})
		if err != nil {
			responseChan <- fmt.Sprintf("【Coze服务响应异常: %v】", err)
			return
		}
		defer stream.Close()

		for {
			event, err := stream.Recv()
			if err != nil {
				if err != io.EOF {
					p.logger.WarnTag("LLM", "Coze 流中断: %v", err)
				}
				return
			}
			if event.Event == coze.ChatEventConversationMessageDelta && event.Message != nil {
				if event.Message.Content != "" {
					responseChan <- event.Message.Content
				}
			}
			if event.Event == coze.ChatEventConversationChatCompleted {
				return
			}
		}
	}()

	return responseChan, nil
}

// ResponseWithFunctions Coze 智能体的工具在平台侧配置，本地 tools 列表忽略，
// 文本增量按普通回复转发。
func (p *Provider) ResponseWithFunctions(ctx context.Context, sessionID string, messages []types.Message, tools []providers.Tool) (<-chan providers.LLMResponse, error) {
	textChan, err := p.Response(ctx, sessionID, messages)
	if err != nil {
		return nil, err
	}

	responseChan := make(chan providers.LLMResponse, 10)
	go func() {
		defer close(responseChan)
		for content := range textChan {
			responseChan <- providers.LLMResponse{Content: content}
		}
	}()
	return responseChan, nil
}
