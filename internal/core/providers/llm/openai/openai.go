package openai

import (
	"context"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

func init() {
	providers.RegisterLLM("openai", NewProvider)
}

// Provider OpenAI 兼容接口的 LLM 提供者，覆盖 ChatGLM、DeepSeek 等同协议服务
type Provider struct {
	cfg       *config.LLMConfig
	client    *openai.Client
	logger    *logging.Logger
	maxTokens int
}

func NewProvider(cfg *config.LLMConfig, logger *logging.Logger) (providers.LLMProvider, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Provider{cfg: cfg, logger: logger, maxTokens: maxTokens}, nil
}

func (p *Provider) Initialize() error {
	if p.cfg.APIKey == "" {
		return errors.New(errors.KindConfig, "llm.openai", "缺少 API key")
	}
	clientConfig := openai.DefaultConfig(p.cfg.APIKey)
	if p.cfg.BaseURL != "" {
		clientConfig.BaseURL = p.cfg.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientConfig)
	return nil
}

func (p *Provider) Cleanup() error { return nil }

func (p *Provider) Response(ctx context.Context, sessionID string, messages []types.Message) (<-chan string, error) {
	responseChan := make(chan string, 10)

	go func() {
		defer close(responseChan)

		stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:     p.cfg.ModelName,
			Messages:  convertMessages(messages),
			Stream:    true,
			MaxTokens: p.maxTokens,
		})
		if err != nil {
			responseChan <- fmt.Sprintf("【服务响应异常: %v】", err)
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if err != io.EOF {
					p.logger.WarnTag("LLM", "流式响应中断: %v", err)
				}
				return
			}
			if len(response.Choices) > 0 {
				if content := response.Choices[0].Delta.Content; content != "" {
					responseChan <- content
				}
			}
		}
	}()

	return responseChan, nil
}

func (p *Provider) ResponseWithFunctions(ctx context.Context, sessionID string, messages []types.Message, tools []providers.Tool) (<-chan providers.LLMResponse, error) {
	responseChan := make(chan providers.LLMResponse, 10)

	go func() {
		defer close(responseChan)

		openaiTools := make([]openai.Tool, len(tools))
		for i, tool := range tools {
			openaiTools[i] = openai.Tool{
				Type: openai.ToolType(tool.Type),
				Function: &openai.FunctionDefinition{
					Name:        tool.Function.Name,
					Description: tool.Function.Description,
					Parameters:  tool.Function.Parameters,
				},
			}
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    p.cfg.ModelName,
			Messages: convertMessages(messages),
			Tools:    openaiTools,
			Stream:   true,
		})
		if err != nil {
			responseChan <- providers.LLMResponse{
				Content: fmt.Sprintf("【服务响应异常: %v】", err),
				Error:   err,
			}
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				return
			}
			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			chunk := providers.LLMResponse{Content: delta.Content}
			if len(delta.ToolCalls) > 0 {
				toolCalls := make([]types.ToolCall, len(delta.ToolCalls))
				for i, tc := range delta.ToolCalls {
					toolCalls[i] = types.ToolCall{
						ID:   tc.ID,
						Type: string(tc.Type),
						Function: types.FunctionCall{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					}
				}
				chunk.ToolCalls = toolCalls
			}
			responseChan <- chunk
		}
	}()

	return responseChan, nil
}

func convertMessages(messages []types.Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.ToolCallID != "" {
			m.ToolCallID = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			toolCalls := make([]openai.ToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				toolCalls[j] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolType(tc.Type),
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
			m.ToolCalls = toolCalls
		}
		// 多模态片段转为 openai 的 MultiContent
		if len(msg.Parts) > 0 {
			parts := make([]openai.ChatMessagePart, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case "image_url":
					parts = append(parts, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: part.URL},
					})
				default:
					// 文件等非图片附件以 URL 文本引用传入
					text := part.Text
					if text == "" {
						text = part.URL
					}
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: text,
					})
				}
			}
			m.Content = ""
			m.MultiContent = parts
		}
		converted[i] = m
	}
	return converted
}
