// Package bootstrap 服务生命周期装配：配置加载、依赖初始化、
// 传输启动与优雅关停
package bootstrap

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"echolink-server/internal/core/connection"
	"echolink-server/internal/core/function"
	"echolink-server/internal/core/providers"
	"echolink-server/internal/core/quota"
	"echolink-server/internal/platform/auth"
	authstore "echolink-server/internal/platform/auth/store"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/eventbus"
	"echolink-server/internal/platform/logging"
	httptransport "echolink-server/internal/transport/http"
	"echolink-server/internal/transport/http/webapi"
	"echolink-server/internal/transport/ws"

	// 提供者适配器在 init 中完成注册
	_ "echolink-server/internal/core/providers/asr/doubao"
	_ "echolink-server/internal/core/providers/asr/openai"
	_ "echolink-server/internal/core/providers/intent/llm"
	_ "echolink-server/internal/core/providers/llm/coze"
	_ "echolink-server/internal/core/providers/llm/openai"
	_ "echolink-server/internal/core/providers/memory/local"
	_ "echolink-server/internal/core/providers/tts/doubao"
	_ "echolink-server/internal/core/providers/tts/edge"
	_ "echolink-server/internal/core/providers/tts/openai"
	_ "echolink-server/internal/core/providers/vad/energy"
	_ "echolink-server/internal/core/providers/vad/webrtc"
)

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      errors.Kind
	Execute   stepFn
}

type appState struct {
	config     *config.Config
	configPath string
	logger     *logging.Logger

	authenticator *auth.Authenticator
	deviceStore   authstore.Store
	tracker       *quota.Tracker
	registry      *function.Registry
	dispatcher    *function.Dispatcher
	mcp           *function.MCPSource
	resolver      *config.Resolver
}

// Run 启动整个服务生命周期：执行初始化步骤，起传输服务，等待信号收尾
func Run(ctx context.Context) error {
	state := &appState{}

	if err := executeInitSteps(ctx, InitGraph(), state); err != nil {
		return err
	}

	cfg := state.config
	logger := state.logger
	defer logger.Close()
	defer eventbus.Shutdown()
	defer func() {
		if state.mcp != nil {
			state.mcp.Stop()
		}
		if state.deviceStore != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := state.deviceStore.Close(closeCtx); err != nil {
				logger.WarnTag("认证", "设备存储未正常关闭: %v", err)
			}
		}
	}()

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	wsServer := startTransportServer(state, group, groupCtx)
	if cfg.Web.Enabled {
		startHTTPServer(state, wsServer, group, groupCtx)
	}

	logger.InfoTag("引导", "服务已启动 ws=%s:%d web_enabled=%v", cfg.Server.IP, cfg.Server.Port, cfg.Web.Enabled)
	return waitForShutdown(signalCtx, cancel, logger, group)
}

// InitGraph 初始化步骤及依赖关系
func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "加载配置",
			Kind:    errors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init",
			Title:     "初始化日志",
			DependsOn: []string{"config:load"},
			Kind:      errors.KindPlatform,
			Execute:   initLoggingStep,
		},
		{
			ID:        "eventbus:setup",
			Title:     "挂载遥测事件订阅",
			DependsOn: []string{"logging:init"},
			Kind:      errors.KindPlatform,
			Execute:   setupEventBusStep,
		},
		{
			ID:        "quota:init",
			Title:     "初始化配额跟踪",
			DependsOn: []string{"logging:init"},
			Kind:      errors.KindQuota,
			Execute:   initQuotaStep,
		},
		{
			ID:        "auth:init",
			Title:     "初始化设备鉴权",
			DependsOn: []string{"logging:init"},
			Kind:      errors.KindAuth,
			Execute:   initAuthStep,
		},
		{
			ID:        "functions:init",
			Title:     "初始化函数注册表",
			DependsOn: []string{"logging:init"},
			Kind:      errors.KindTool,
			Execute:   initFunctionsStep,
		},
		{
			ID:        "resolver:init",
			Title:     "初始化设备配置解析",
			DependsOn: []string{"config:load"},
			Kind:      errors.KindConfig,
			Execute:   initResolverStep,
		},
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return errors.New(errors.KindPlatform, "bootstrap.init", "引导状态为空")
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return errors.New(errors.KindPlatform, step.ID, "依赖步骤未完成: "+dep)
			}
		}
		if step.Execute == nil {
			return errors.New(errors.KindPlatform, step.ID, "缺少执行函数")
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *errors.Error
			if stderrors.As(err, &typed) {
				return err
			}
			kind := step.Kind
			if kind == "" {
				kind = errors.KindPlatform
			}
			return errors.Wrap(kind, step.ID, "初始化步骤失败", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

func loadConfigStep(_ context.Context, state *appState) error {
	result, err := config.NewLoader().Load()
	if err != nil {
		return err
	}
	state.config = result.Config
	state.configPath = result.Path
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	logger, err := logging.New(logging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return err
	}
	state.logger = logger

	source := state.configPath
	if source == "" {
		source = "内置默认值"
	}
	logger.InfoTag("引导", "日志模块就绪 [%s] 配置来源: %s", state.config.Log.Level, source)
	return nil
}

func setupEventBusStep(_ context.Context, state *appState) error {
	eventbus.SetupLogHandlers(state.logger)
	return nil
}

func initQuotaStep(_ context.Context, state *appState) error {
	tracker, err := quota.NewTracker(state.config.Quota, state.logger)
	if err != nil {
		return err
	}
	state.tracker = tracker
	return nil
}

func initAuthStep(_ context.Context, state *appState) error {
	authCfg := state.config.Server.Auth
	if authCfg.Enabled {
		st, err := authstore.New(authCfg.Store)
		if err != nil {
			return err
		}
		state.deviceStore = st
	}

	authenticator, err := auth.NewAuthenticator(authCfg, state.deviceStore, state.logger)
	if err != nil {
		return err
	}
	state.authenticator = authenticator

	if authCfg.Enabled {
		state.logger.InfoTag("认证", "设备鉴权已启用 store=%s", authCfg.Store.Type)
	}
	return nil
}

func initFunctionsStep(ctx context.Context, state *appState) error {
	registry := function.NewRegistry()
	if err := function.RegisterBuiltins(registry, state.config, state.logger); err != nil {
		return err
	}

	pipeline := state.config.Pipeline
	state.registry = registry
	state.dispatcher = function.NewDispatcher(registry, pipeline.ToolWorkers, pipeline.ToolTimeout, state.logger)

	if state.config.MCP.Enabled {
		state.mcp = function.NewMCPSource(state.config.MCP, state.logger)
		startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := state.mcp.Start(startCtx, registry); err != nil {
			// 外部工具不可用不阻塞启动，内置函数照常工作
			state.logger.WarnTag("函数", "MCP 工具源启动失败: %v", err)
		}
	}
	return nil
}

func initResolverStep(_ context.Context, state *appState) error {
	state.resolver = config.NewResolver(state.config)
	return nil
}

func startTransportServer(state *appState, g *errgroup.Group, groupCtx context.Context) *ws.Server {
	cfg := state.config
	logger := state.logger

	hub := ws.NewHub(logger)
	router := ws.NewRouter(hub, state.authenticator, logger, ws.RouterOptions{})
	server := ws.NewServer(ws.ServerConfig{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.IP, cfg.Server.Port),
		Path: "/",
	}, router, hub, logger)
	server.SetHandlerBuilder(state.handlerBuilder())

	g.Go(func() error {
		if err := server.Start(groupCtx); err != nil {
			logger.ErrorTag("引导", "WebSocket 服务异常退出: %v", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.InfoTag("引导", "正在关闭 WebSocket 服务")
		return server.Stop()
	})
	return server
}

func startHTTPServer(state *appState, conns webapi.ConnectionCounter, g *errgroup.Group, groupCtx context.Context) {
	cfg := state.config
	logger := state.logger

	router, err := httptransport.Build(httptransport.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.ErrorTag("HTTP", "管理面路由构建失败: %v", err)
		return
	}

	svc := webapi.NewService(cfg, logger, conns, state.authenticator, state.deviceStore, state.tracker)
	svc.Register(router)

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Web.Port),
		Handler: router.Engine,
	}

	g.Go(func() error {
		logger.InfoTag("HTTP", "管理面服务已启动 http://localhost:%d", cfg.Web.Port)

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag("HTTP", "管理面服务关闭失败: %v", err)
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag("HTTP", "管理面服务启动失败: %v", err)
			return err
		}
		return nil
	})
}

// handlerBuilder 每条新连接的装配闭包：按设备解析配置、创建提供者、
// 构建会话处理器
func (state *appState) handlerBuilder() ws.HandlerBuilder {
	return func(conn *ws.Connection, req *http.Request) (ws.SessionHandler, error) {
		deviceID := req.Header.Get("Device-Id")
		if deviceID == "" {
			deviceID = req.URL.Query().Get("device-id")
		}
		clientID := req.Header.Get("Client-Id")
		if clientID == "" {
			clientID = conn.GetID()
		}

		resolveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cfg, err := state.resolver.Resolve(resolveCtx, deviceID)
		if err != nil {
			// 新连接拿不到设备配置就拒绝接入，已建立的会话靠
			// 解析缓存里的快照继续运行
			state.logger.ErrorTag("连接", "设备 %s 配置解析失败，拒绝接入: %v", deviceID, err)
			return nil, &ws.CloseError{Code: ws.CloseCodeConfigUnavailable, Reason: "config unavailable"}
		}

		pset, err := state.buildProviders(cfg)
		if err != nil {
			return nil, err
		}

		return connection.NewHandler(connection.Options{
			Config:     cfg,
			Logger:     state.logger,
			Conn:       conn,
			DeviceID:   deviceID,
			ClientID:   clientID,
			Providers:  pset,
			Registry:   state.registry,
			Dispatcher: state.dispatcher,
			Quota:      state.tracker,
			OnServerAction: func(action string) error {
				switch action {
				case "reload_config", "update_config":
					state.resolver.Invalidate(deviceID)
					state.logger.InfoTag("连接", "设备 %s 配置缓存已失效", deviceID)
					return nil
				default:
					return errors.New(errors.KindProtocol, "bootstrap.server", "不支持的指令: "+action)
				}
			},
		})
	}
}

// buildProviders 按 selected_module 实例化一条连接的提供者
func (state *appState) buildProviders(cfg *config.Config) (connection.ProviderSet, error) {
	var pset connection.ProviderSet
	logger := state.logger

	asrCfg, ok := cfg.ASR[cfg.Selected.ASR]
	if !ok {
		return pset, errors.New(errors.KindConfig, "bootstrap.providers", "未找到 ASR 配置: "+cfg.Selected.ASR)
	}
	asr, err := providers.CreateASR(&asrCfg, logger)
	if err != nil {
		return pset, err
	}

	llmCfg, ok := cfg.LLM[cfg.Selected.LLM]
	if !ok {
		return pset, errors.New(errors.KindConfig, "bootstrap.providers", "未找到 LLM 配置: "+cfg.Selected.LLM)
	}
	llm, err := providers.CreateLLM(&llmCfg, logger)
	if err != nil {
		return pset, err
	}

	ttsCfg, ok := cfg.TTS[cfg.Selected.TTS]
	if !ok {
		return pset, errors.New(errors.KindConfig, "bootstrap.providers", "未找到 TTS 配置: "+cfg.Selected.TTS)
	}
	tts, err := providers.CreateTTS(&ttsCfg, logger)
	if err != nil {
		return pset, err
	}

	vadType := cfg.VAD.Type
	if vadType == "" {
		vadType = "webrtc"
	}
	vadProvider, err := providers.CreateVAD(vadType, &cfg.VAD, logger)
	if err != nil {
		return pset, err
	}

	pset.ASR = asr
	pset.LLM = llm
	pset.TTS = tts
	pset.VAD = vadProvider

	if cfg.Memory.Enabled {
		mem, err := providers.CreateMemory(&cfg.Memory, llm, logger)
		if err != nil {
			return pset, err
		}
		pset.Memory = mem
	}
	if cfg.Intent.Enabled && cfg.Intent.UseLLM {
		classifier, err := providers.CreateIntent("llm", &cfg.Intent, llm, logger)
		if err != nil {
			return pset, err
		}
		pset.Intent = classifier
	}

	for _, p := range []providers.Provider{pset.ASR, pset.LLM, pset.TTS, pset.VAD, pset.Memory, pset.Intent} {
		if p == nil {
			continue
		}
		if err := p.Initialize(); err != nil {
			return pset, errors.Wrap(errors.KindProvider, "bootstrap.providers", "提供者初始化失败", err)
		}
	}
	return pset, nil
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, logger *logging.Logger, g *errgroup.Group) error {
	<-ctx.Done()
	logger.InfoTag("引导", "收到退出信号，正在清理资源")

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag("引导", "服务关闭过程中出现错误: %v", err)
			return err
		}
		logger.InfoTag("引导", "所有服务已成功关闭")
	case <-time.After(15 * time.Second):
		logger.ErrorTag("引导", "服务关闭超时，强制退出")
		return stderrors.New("服务关闭超时")
	}
	return nil
}
