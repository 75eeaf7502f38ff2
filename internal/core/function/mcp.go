package function

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"echolink-server/internal/core/types"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

// MCPSource 把外部 MCP 服务器的工具挂进本地工具表。
// 工具名加 mcp_ 前缀与内置工具区分，结果统一回注 LLM。
type MCPSource struct {
	logger  *logging.Logger
	clients []*mcpclient.Client
}

func NewMCPSource(cfg config.MCPConfig, logger *logging.Logger) *MCPSource {
	if !cfg.Enabled {
		return nil
	}
	s := &MCPSource{logger: logger}
	for _, server := range cfg.Servers {
		client, err := newClient(server)
		if err != nil {
			logger.WarnTag("函数", "创建 MCP 客户端失败 %s: %v", server, err)
			continue
		}
		s.clients = append(s.clients, client)
	}
	return s
}

func newClient(server string) (*mcpclient.Client, error) {
	if strings.HasPrefix(server, "http://") || strings.HasPrefix(server, "https://") {
		return mcpclient.NewStreamableHttpClient(server)
	}
	parts := strings.Fields(server)
	if len(parts) == 0 {
		return nil, errors.New(errors.KindConfig, "function.mcp", "MCP 服务器配置为空")
	}
	return mcpclient.NewStdioMCPClient(parts[0], nil, parts[1:]...)
}

// Start 初始化各客户端并把工具注册到 reg
func (s *MCPSource) Start(ctx context.Context, reg *Registry) error {
	if s == nil {
		return nil
	}
	for _, client := range s.clients {
		if err := s.registerClient(ctx, client, reg); err != nil {
			s.logger.WarnTag("函数", "MCP 服务器初始化失败: %v", err)
		}
	}
	return nil
}

func (s *MCPSource) registerClient(ctx context.Context, client *mcpclient.Client, reg *Registry) error {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "echolink-server",
		Version: "1.0.0",
	}
	result, err := client.Initialize(initCtx, initRequest)
	if err != nil {
		return errors.Wrap(errors.KindProvider, "function.mcp", "初始化 MCP 客户端失败", err)
	}
	s.logger.InfoTag("函数", "已连接 MCP 服务器 %s %s",
		result.ServerInfo.Name, result.ServerInfo.Version)

	tools, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return errors.Wrap(errors.KindProvider, "function.mcp", "获取工具列表失败", err)
	}

	for _, tool := range tools.Tools {
		required := tool.InputSchema.Required
		if required == nil {
			required = []string{}
		}
		name := "mcp_" + tool.Name
		remote := tool.Name
		c := client
		err := reg.Register(&Tool{
			Info: types.FunctionRegistryInfo{
				Name:        name,
				Description: tool.Description,
				Parameters: map[string]any{
					"type":       tool.InputSchema.Type,
					"properties": tool.InputSchema.Properties,
					"required":   required,
				},
			},
			Effect: EffectReqLLM,
			Handler: func(ctx context.Context, args map[string]any) (Result, error) {
				return callRemote(ctx, c, remote, args)
			},
		})
		if err != nil {
			return err
		}
		s.logger.DebugTag("函数", "注册 MCP 工具 %s", name)
	}
	return nil
}

func callRemote(ctx context.Context, client *mcpclient.Client, name string, args map[string]any) (Result, error) {
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := client.CallTool(ctx, request)
	if err != nil {
		return Result{}, errors.Wrap(errors.KindTool, "function.mcp",
			fmt.Sprintf("调用工具 %s 失败", name), err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if result.IsError {
		return Result{Action: types.ActionTypeReqLLM,
			Content: fmt.Sprintf("工具返回错误: %s", sb.String())}, nil
	}
	return Result{Action: types.ActionTypeReqLLM, Content: sb.String()}, nil
}

// Stop 关闭全部外部连接
func (s *MCPSource) Stop() {
	if s == nil {
		return
	}
	for _, client := range s.clients {
		_ = client.Close()
	}
}
