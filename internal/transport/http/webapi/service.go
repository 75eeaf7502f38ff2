// Package webapi 管理面接口的业务实现
package webapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	httptransport "echolink-server/internal/transport/http"

	"echolink-server/internal/core/quota"
	"echolink-server/internal/platform/auth"
	"echolink-server/internal/platform/auth/store"
	"echolink-server/internal/platform/config"
	"echolink-server/internal/platform/logging"
)

// ConnectionCounter 活跃连接数来源
type ConnectionCounter interface {
	Counts() int
}

// Service 管理面接口集合
type Service struct {
	cfg     *config.Config
	logger  *logging.Logger
	conns   ConnectionCounter
	auth    *auth.Authenticator
	devices store.Store
	quota   *quota.Tracker
	started time.Time
}

// NewService 构建管理面服务，auth 与 devices 允许为空
func NewService(cfg *config.Config, logger *logging.Logger, conns ConnectionCounter, authenticator *auth.Authenticator, devices store.Store, tracker *quota.Tracker) *Service {
	return &Service{
		cfg:     cfg,
		logger:  logger,
		conns:   conns,
		auth:    authenticator,
		devices: devices,
		quota:   tracker,
		started: time.Now(),
	}
}

// Register 挂载路由
func (s *Service) Register(router *httptransport.Router) {
	router.Engine.GET("/healthz", s.handleHealth)
	router.API.GET("/stats", s.handleStats)

	router.Secured.GET("/devices", s.handleDeviceList)
	router.Secured.POST("/devices/:id/token", s.handleDeviceToken)
	router.Secured.DELETE("/devices/:id", s.handleDeviceRevoke)

	s.logger.InfoTag("HTTP", "管理面路由注册完成")
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Service) handleStats(c *gin.Context) {
	stats := gin.H{
		"connections": 0,
		"goroutines":  runtime.NumGoroutine(),
		"uptime_sec":  int(time.Since(s.started).Seconds()),
	}
	if s.conns != nil {
		stats["connections"] = s.conns.Counts()
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats["mem_percent"] = vm.UsedPercent
		stats["mem_used_mb"] = vm.Used / 1024 / 1024
	}

	httptransport.RespondSuccess(c, http.StatusOK, stats, "")
}

func (s *Service) handleDeviceList(c *gin.Context) {
	if s.devices == nil {
		httptransport.RespondError(c, http.StatusNotImplemented, "未启用设备存储", nil)
		return
	}
	ids, err := s.devices.List(c.Request.Context())
	if err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{"devices": ids}, "")
}

func (s *Service) handleDeviceToken(c *gin.Context) {
	if s.auth == nil {
		httptransport.RespondError(c, http.StatusNotImplemented, "未启用鉴权", nil)
		return
	}
	deviceID := c.Param("id")
	token, err := s.auth.IssueToken(c.Request.Context(), deviceID)
	if err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	data := gin.H{"device_id": deviceID, "token": token}
	if s.quota != nil {
		data["quota_remaining"] = s.quota.Remaining(deviceID)
	}
	httptransport.RespondSuccess(c, http.StatusOK, data, "令牌已签发")
}

func (s *Service) handleDeviceRevoke(c *gin.Context) {
	if s.auth == nil {
		httptransport.RespondError(c, http.StatusNotImplemented, "未启用鉴权", nil)
		return
	}
	deviceID := c.Param("id")
	if err := s.auth.Revoke(c.Request.Context(), deviceID); err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{"device_id": deviceID}, "令牌已吊销")
}
