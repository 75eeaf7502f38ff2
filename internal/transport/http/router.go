// Package httptransport 管理面 HTTP 服务，健康检查、运行统计和设备令牌管理
package httptransport

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/errors"
	"echolink-server/internal/platform/logging"
)

// Options 路由构建参数
type Options struct {
	Config *config.Config
	Logger *logging.Logger
}

// Router gin 引擎加上公共路由分组
type Router struct {
	Engine  *gin.Engine
	API     *gin.RouterGroup
	Secured *gin.RouterGroup
}

// Build 构建带日志、恢复和 CORS 中间件的 gin 引擎
func Build(opts Options) (*Router, error) {
	if opts.Config == nil {
		return nil, errors.New(errors.KindConfig, "http.build", "缺少配置")
	}

	if opts.Config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(loggingMiddleware(opts.Logger))
	_ = engine.SetTrustedProxies(nil)

	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Authorization",
			"Client-Id",
			"Device-Id",
			"Token",
		},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	api := engine.Group("/api")
	secured := api.Group("")
	secured.Use(tokenMiddleware(opts.Config.Server.Token, opts.Logger))

	return &Router{
		Engine:  engine,
		API:     api,
		Secured: secured,
	}, nil
}

func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug(
			"[HTTP] %s %s -> %d (%s)",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// tokenMiddleware 管理接口的固定令牌校验，未配置令牌时全部拒绝
func tokenMiddleware(token string, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader("Token")
		if supplied == "" {
			supplied = c.GetHeader("Authorization")
			if len(supplied) > 7 && supplied[:7] == "Bearer " {
				supplied = supplied[7:]
			}
		}
		if token == "" || supplied != token {
			logger.WarnTag("HTTP", "管理接口令牌校验失败 path=%s", c.Request.URL.Path)
			RespondError(c, 401, "无效的管理令牌", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
